package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"

	"github.com/classpoints/backend/internal/audit"
	"github.com/classpoints/backend/internal/config"
	"github.com/classpoints/backend/internal/metrics"
	"github.com/classpoints/backend/internal/models"
)

// BalanceService is the only writer of ledger rows and the cached student
// balance. Every mutation runs as one database transaction: lock the student
// row, read the balance under the lock, check debits, append the ledger row,
// update the cache, commit. Per-student mutations are strictly serial;
// different students proceed independently.
type BalanceService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	audit     *audit.AuditLogger
	validator *ValidationHelper
	cfg       *config.LedgerConfig
}

// UpdateResult reports a committed balance mutation.
type UpdateResult struct {
	TransactionID string `json:"transactionId"`
	NewBalance    int64  `json:"newBalance"`
}

func NewBalanceService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, cfg *config.LedgerConfig) *BalanceService {
	return &BalanceService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		audit:     audit.NewAuditLogger(),
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// UpdateBalance applies one signed ledger mutation atomically. On any
// failure the whole transaction rolls back; a ledger row without a matching
// cache update (or vice versa) cannot exist. Transient failures
// (ErrLockTimeout, ErrStorageUnavailable) may be retried from scratch by the
// caller.
func (s *BalanceService) UpdateBalance(ctx context.Context, studentID string, amount int64, transactionType, description string, actorID *string) (*UpdateResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer tx.Rollback()

	if err := s.applyTxTimeouts(tx); err != nil {
		return nil, err
	}

	var metadata models.Metadata
	switch transactionType {
	case models.TransactionTypeGrant, models.TransactionTypeDeduct:
		metadata = models.AdjustmentMetadata(description)
	}

	result, err := s.UpdateBalanceTx(tx, studentID, amount, transactionType, description, actorID, metadata)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStorageErr(err)
	}

	s.afterCommit(ctx, result, studentID, transactionType, amount)

	return result, nil
}

// afterCommit records metrics, audit and the downstream event for a
// committed mutation. Best-effort; the transaction is already final.
func (s *BalanceService) afterCommit(ctx context.Context, result *UpdateResult, studentID, transactionType string, amount int64) {
	metrics.TransactionsTotal.WithLabelValues(transactionType).Inc()
	s.audit.LogMutation(result.TransactionID, studentID, transactionType, amount, result.NewBalance)
	s.publishLedgerEvent(ctx, result.TransactionID, studentID, transactionType, amount, result.NewBalance)
}

// UpdateBalanceTx is the same mutation inside a caller-owned transaction, so
// composite flows (reward grant + processed marker, purchase + inventory
// row) share one atomic boundary. The caller owns commit and rollback.
func (s *BalanceService) UpdateBalanceTx(tx *sql.Tx, studentID string, amount int64, transactionType, description string, actorID *string, metadata models.Metadata) (*UpdateResult, error) {
	if !models.IsValidTransactionType(transactionType) {
		return nil, fmt.Errorf("unknown transaction type %q", transactionType)
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if models.IsDebitType(transactionType) != (amount < 0) {
		return nil, ErrInvalidAmount
	}

	// Exclusive lock on the student row serializes concurrent mutations for
	// this student only.
	var currentBalance int64
	err := tx.QueryRow(`
		SELECT currency_balance FROM students WHERE id = $1 FOR UPDATE`,
		studentID).Scan(&currentBalance)
	if err == sql.ErrNoRows {
		return nil, ErrStudentNotFound
	}
	if err != nil {
		wrapped := wrapStorageErr(err)
		if IsTransient(wrapped) {
			metrics.TransientFailuresTotal.Inc()
		}
		return nil, wrapped
	}

	// spend and deduct are both subject to the non-negative constraint;
	// administrative deducts get no overdraft exemption.
	if models.IsDebitType(transactionType) && currentBalance+amount < 0 {
		metrics.InsufficientFundsTotal.Inc()
		return nil, ErrInsufficientFunds
	}

	entry, err := s.ledger.AppendEntryTx(tx, studentID, actorID, amount, transactionType, description, metadata)
	if err != nil {
		return nil, err
	}

	newBalance := currentBalance + amount
	result, err := tx.Exec(`
		UPDATE students SET currency_balance = $1, updated_at = $2 WHERE id = $3`,
		newBalance, time.Now(), studentID)
	if err != nil {
		return nil, wrapStorageErr(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	if rowsAffected == 0 {
		return nil, ErrStudentNotFound
	}

	return &UpdateResult{TransactionID: entry.ID, NewBalance: newBalance}, nil
}

// applyTxTimeouts bounds every mutation: on timeout the transaction aborts
// and rolls back completely, leaving no partial-commit state to reconcile.
func (s *BalanceService) applyTxTimeouts(tx *sql.Tx) error {
	if _, err := tx.Exec(fmt.Sprintf("SET LOCAL statement_timeout = %d", s.cfg.StatementTimeout.Milliseconds())); err != nil {
		return wrapStorageErr(err)
	}
	if _, err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = %d", s.cfg.LockTimeout.Milliseconds())); err != nil {
		return wrapStorageErr(err)
	}
	return nil
}

func (s *BalanceService) publishLedgerEvent(ctx context.Context, transactionID, studentID, transactionType string, amount, newBalance int64) {
	if s.redis == nil {
		return
	}

	data, err := json.Marshal(map[string]any{
		"transactionId":   transactionID,
		"studentId":       studentID,
		"transactionType": transactionType,
		"amount":          amount,
		"newBalance":      newBalance,
		"timestamp":       time.Now().Unix(),
	})
	if err != nil {
		return
	}

	if err := s.redis.RPush(ctx, "ledger_events", data).Err(); err != nil {
		log.Printf("[LEDGER] Failed to queue ledger event for %s: %v", transactionID, err)
	}
}

// GetBalance returns both balance views for a student
// @Summary Get student balance
// @Description Retrieve the cached balance and the authoritative ledger sum for a student
// @Tags students
// @Produce json
// @Security BearerAuth
// @Param studentId path string true "Student ID"
// @Success 200 {object} object{studentId=string,cachedBalance=int64,authoritativeBalance=int64,consistent=bool}
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /students/{studentId}/balance [get]
func (s *BalanceService) GetBalance(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentId")

	cached, err := s.ledger.CachedBalance(r.Context(), studentID)
	if err != nil {
		if errors.Is(err, ErrStudentNotFound) {
			SendErrorResponse(w, "Student not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[BALANCE] Failed to read cached balance for %s: %v", studentID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	authoritative, err := s.ledger.AuthoritativeBalance(r.Context(), studentID)
	if err != nil {
		log.Printf("[BALANCE] Failed to recompute balance for %s: %v", studentID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"studentId":            studentID,
		"cachedBalance":        cached,
		"authoritativeBalance": authoritative,
		"consistent":           cached == authoritative,
	})
}

// GetHistory returns a student's ledger rows for audit display
// @Summary Get student transaction history
// @Description Retrieve a student's ledger entries ordered by creation time
// @Tags students
// @Produce json
// @Security BearerAuth
// @Param studentId path string true "Student ID"
// @Param limit query int false "Number of entries to return (default: 50, max: 200)"
// @Success 200 {object} object{transactions=[]models.PointTransaction,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /students/{studentId}/transactions [get]
func (s *BalanceService) GetHistory(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentId")

	var req struct {
		Limit int `validate:"omitempty,min=1,max=200"`
	}
	req.Limit = 50

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			req.Limit = l
		}
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	transactions, err := s.ledger.History(r.Context(), studentID, req.Limit)
	if err != nil {
		log.Printf("[BALANCE] Failed to fetch history for %s: %v", studentID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// AdminAdjust applies a teacher grant or deduct
// @Summary Adjust a student balance
// @Description Apply an administrative grant or deduct as the authenticated actor
// @Tags students
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param studentId path string true "Student ID"
// @Param adjustment body object{type=string,amount=int64,reason=string} true "Adjustment"
// @Success 200 {object} UpdateResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /students/{studentId}/adjustments [post]
func (s *BalanceService) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	actorID, ok := r.Context().Value("userID").(string)
	if !ok || actorID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	studentID := chi.URLParam(r, "studentId")

	var req struct {
		Type   string `json:"type" validate:"required,oneof=grant deduct"`
		Amount int64  `json:"amount" validate:"required,gt=0"`
		Reason string `json:"reason" validate:"required,max=200"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amount := req.Amount
	if req.Type == models.TransactionTypeDeduct {
		amount = -amount
	}

	result, err := s.UpdateBalance(r.Context(), studentID, amount, req.Type, req.Reason, &actorID)
	if err != nil {
		s.audit.LogError("", studentID, err)
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			SendErrorResponse(w, "Insufficient funds", http.StatusBadRequest, nil)
		case errors.Is(err, ErrStudentNotFound):
			SendErrorResponse(w, "Student not found", http.StatusNotFound, nil)
		case IsTransient(err):
			SendErrorResponse(w, "Temporary failure, retry the adjustment", http.StatusServiceUnavailable, nil)
		default:
			SendErrorResponse(w, "Failed to apply adjustment", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":       true,
		"transactionId": result.TransactionID,
		"newBalance":    result.NewBalance,
	})
}

// TriggerReconcile runs an ad-hoc reconciliation pass
// @Summary Reconcile cached balances
// @Description Compare every cached balance against the recomputed ledger sum
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{divergences=[]Divergence,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /admin/reconcile [post]
func (s *BalanceService) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	divergences, err := s.ledger.ReconcileAll(r.Context())
	if err != nil {
		log.Printf("[RECONCILE] Ad-hoc sweep failed: %v", err)
		SendErrorResponse(w, "Reconciliation failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"divergences": divergences,
		"count":       len(divergences),
	})
}
