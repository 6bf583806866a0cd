package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/classpoints/backend/internal/config"
	"github.com/classpoints/backend/internal/models"
	"github.com/classpoints/backend/internal/services"
)

func newRewardTestHandler(t *testing.T) (*RewardHandler, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	cfg := &config.LedgerConfig{
		StatementTimeout: 5 * time.Second,
		LockTimeout:      3 * time.Second,
	}
	balance := services.NewBalanceService(db, nil, services.NewLedgerService(db), cfg)
	handler := NewRewardHandler(services.NewRewardService(db, balance))

	return handler, mock, func() { db.Close() }
}

func postQuizCompleted(handler *RewardHandler, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rewards/quiz-completed", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.QuizCompleted(w, req)
	return w
}

func TestRewardHandler_QuizCompleted(t *testing.T) {
	submissionID := "33333333-3333-3333-3333-333333333333"
	studentID := "11111111-1111-1111-1111-111111111111"

	event := map[string]any{
		"id":          submissionID,
		"studentId":   studentID,
		"coinsEarned": 15,
	}

	t.Run("first delivery returns 201 with the grant", func(t *testing.T) {
		handler, mock, cleanup := newRewardTestHandler(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO quiz_submissions").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT student_id, coins_earned, reward_status, reward_transaction_id FROM quiz_submissions").
			WillReturnRows(sqlmock.NewRows([]string{"student_id", "coins_earned", "reward_status", "reward_transaction_id"}).
				AddRow(studentID, 15, models.RewardStatusPending, nil))
		mock.ExpectQuery("SELECT currency_balance FROM students").
			WillReturnRows(sqlmock.NewRows([]string{"currency_balance"}).AddRow(40))
		mock.ExpectExec("INSERT INTO point_transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE students SET currency_balance").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE quiz_submissions SET reward_status").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		w := postQuizCompleted(handler, event)
		assert.Equal(t, http.StatusCreated, w.Code)

		var response map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, true, response["granted"])
		assert.Equal(t, float64(55), response["newBalance"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redelivery returns 200 with the prior transaction", func(t *testing.T) {
		handler, mock, cleanup := newRewardTestHandler(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO quiz_submissions").
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT student_id, coins_earned, reward_status, reward_transaction_id FROM quiz_submissions").
			WillReturnRows(sqlmock.NewRows([]string{"student_id", "coins_earned", "reward_status", "reward_transaction_id"}).
				AddRow(studentID, 15, models.RewardStatusCompleted, "44444444-4444-4444-4444-444444444444"))
		mock.ExpectRollback()

		w := postQuizCompleted(handler, event)
		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, false, response["granted"])
		assert.Equal(t, "44444444-4444-4444-4444-444444444444", response["transactionId"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transient failure returns 202 queued", func(t *testing.T) {
		handler, mock, cleanup := newRewardTestHandler(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO quiz_submissions").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT student_id, coins_earned, reward_status, reward_transaction_id FROM quiz_submissions").
			WillReturnError(&pq.Error{Code: "55P03"})
		mock.ExpectRollback()

		w := postQuizCompleted(handler, event)
		assert.Equal(t, http.StatusAccepted, w.Code)

		var response map[string]string
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "queued", response["status"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown student returns 404", func(t *testing.T) {
		handler, mock, cleanup := newRewardTestHandler(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO quiz_submissions").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT student_id, coins_earned, reward_status, reward_transaction_id FROM quiz_submissions").
			WillReturnRows(sqlmock.NewRows([]string{"student_id", "coins_earned", "reward_status", "reward_transaction_id"}).
				AddRow(studentID, 15, models.RewardStatusPending, nil))
		mock.ExpectQuery("SELECT currency_balance FROM students").
			WillReturnRows(sqlmock.NewRows([]string{"currency_balance"}))
		mock.ExpectRollback()

		w := postQuizCompleted(handler, event)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid body returns 400", func(t *testing.T) {
		handler, _, cleanup := newRewardTestHandler(t)
		defer cleanup()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/rewards/quiz-completed",
			bytes.NewReader([]byte("{not json")))
		w := httptest.NewRecorder()
		handler.QuizCompleted(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("validation failure returns 400", func(t *testing.T) {
		handler, _, cleanup := newRewardTestHandler(t)
		defer cleanup()

		w := postQuizCompleted(handler, map[string]any{
			"id":          "not-a-uuid",
			"studentId":   studentID,
			"coinsEarned": 15,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response services.ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Contains(t, response.Details, "ID")
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		handler, _, cleanup := newRewardTestHandler(t)
		defer cleanup()

		w := postQuizCompleted(handler, map[string]any{
			"id":          submissionID,
			"studentId":   studentID,
			"coinsEarned": 15,
			"bonus":       999,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
