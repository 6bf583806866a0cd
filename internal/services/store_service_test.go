package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/classpoints/backend/internal/models"
)

func newTestStoreService(db *sql.DB) *StoreService {
	return NewStoreService(db, newTestBalanceService(db))
}

func TestStoreService_Purchase(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newTestStoreService(db)
	studentID := "11111111-1111-1111-1111-111111111111"
	itemID := "55555555-5555-5555-5555-555555555555"

	itemQuery := "SELECT name, cost, active FROM store_items WHERE id = \\$1"

	t.Run("debit and inventory grant commit together", func(t *testing.T) {
		mock.ExpectBegin()
		expectTxTimeouts(mock)

		mock.ExpectQuery(itemQuery).
			WithArgs(itemID).
			WillReturnRows(sqlmock.NewRows([]string{"name", "cost", "active"}).
				AddRow("Homework Pass", 30, true))

		mock.ExpectQuery("SELECT currency_balance FROM students WHERE id = \\$1 FOR UPDATE").
			WithArgs(studentID).
			WillReturnRows(sqlmock.NewRows([]string{"currency_balance"}).AddRow(100))

		mock.ExpectExec("INSERT INTO point_transactions").
			WithArgs(sqlmock.AnyArg(), studentID, studentID, -30, models.TransactionTypeSpend,
				"Purchased Homework Pass (30 points)", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE students SET currency_balance = \\$1, updated_at = \\$2 WHERE id = \\$3").
			WithArgs(70, sqlmock.AnyArg(), studentID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO inventory_entries").
			WithArgs(sqlmock.AnyArg(), studentID, itemID, sqlmock.AnyArg(), 30, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.Purchase(context.Background(), studentID, itemID)
		assert.NoError(t, err)
		assert.NotEmpty(t, result.TransactionID)
		assert.NotEmpty(t, result.InventoryEntryID)
		assert.NotEmpty(t, result.RedemptionCode)
		assert.Equal(t, int64(70), result.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds grants nothing", func(t *testing.T) {
		mock.ExpectBegin()
		expectTxTimeouts(mock)

		mock.ExpectQuery(itemQuery).
			WithArgs(itemID).
			WillReturnRows(sqlmock.NewRows([]string{"name", "cost", "active"}).
				AddRow("Homework Pass", 30, true))

		mock.ExpectQuery("SELECT currency_balance FROM students WHERE id = \\$1 FOR UPDATE").
			WithArgs(studentID).
			WillReturnRows(sqlmock.NewRows([]string{"currency_balance"}).AddRow(10))

		mock.ExpectRollback()

		_, err := service.Purchase(context.Background(), studentID, itemID)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate ownership rolls back the debit", func(t *testing.T) {
		mock.ExpectBegin()
		expectTxTimeouts(mock)

		mock.ExpectQuery(itemQuery).
			WithArgs(itemID).
			WillReturnRows(sqlmock.NewRows([]string{"name", "cost", "active"}).
				AddRow("Homework Pass", 30, true))

		mock.ExpectQuery("SELECT currency_balance FROM students WHERE id = \\$1 FOR UPDATE").
			WithArgs(studentID).
			WillReturnRows(sqlmock.NewRows([]string{"currency_balance"}).AddRow(100))

		mock.ExpectExec("INSERT INTO point_transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE students SET currency_balance").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO inventory_entries").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "inventory_entries_student_id_item_id_key"})

		mock.ExpectRollback()

		_, err := service.Purchase(context.Background(), studentID, itemID)
		assert.ErrorIs(t, err, ErrAlreadyOwned)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown item", func(t *testing.T) {
		mock.ExpectBegin()
		expectTxTimeouts(mock)

		mock.ExpectQuery(itemQuery).
			WithArgs(itemID).
			WillReturnError(sql.ErrNoRows)

		mock.ExpectRollback()

		_, err := service.Purchase(context.Background(), studentID, itemID)
		assert.ErrorIs(t, err, ErrItemNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inactive item is not purchasable", func(t *testing.T) {
		mock.ExpectBegin()
		expectTxTimeouts(mock)

		mock.ExpectQuery(itemQuery).
			WithArgs(itemID).
			WillReturnRows(sqlmock.NewRows([]string{"name", "cost", "active"}).
				AddRow("Retired Badge", 20, false))

		mock.ExpectRollback()

		_, err := service.Purchase(context.Background(), studentID, itemID)
		assert.ErrorIs(t, err, ErrItemNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStoreService_RedemptionQR(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newTestStoreService(db)
	entryID := "66666666-6666-6666-6666-666666666666"

	entryQuery := "SELECT redemption_code, item_id, student_id, redeemed_at FROM inventory_entries WHERE id = \\$1"

	t.Run("renders a QR image for an unredeemed entry", func(t *testing.T) {
		mock.ExpectQuery(entryQuery).
			WithArgs(entryID).
			WillReturnRows(sqlmock.NewRows([]string{"redemption_code", "item_id", "student_id", "redeemed_at"}).
				AddRow("77777777-7777-7777-7777-777777777777",
					"55555555-5555-5555-5555-555555555555",
					"11111111-1111-1111-1111-111111111111", nil))

		image, err := service.RedemptionQR(context.Background(), entryID)
		assert.NoError(t, err)
		assert.NotEmpty(t, image)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redeemed entry is rejected", func(t *testing.T) {
		mock.ExpectQuery(entryQuery).
			WithArgs(entryID).
			WillReturnRows(sqlmock.NewRows([]string{"redemption_code", "item_id", "student_id", "redeemed_at"}).
				AddRow("77777777-7777-7777-7777-777777777777",
					"55555555-5555-5555-5555-555555555555",
					"11111111-1111-1111-1111-111111111111", time.Now()))

		_, err := service.RedemptionQR(context.Background(), entryID)
		assert.ErrorIs(t, err, ErrAlreadyRedeemed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown entry", func(t *testing.T) {
		mock.ExpectQuery(entryQuery).
			WithArgs(entryID).
			WillReturnError(sql.ErrNoRows)

		_, err := service.RedemptionQR(context.Background(), entryID)
		assert.ErrorIs(t, err, ErrEntryNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStoreService_Redeem(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newTestStoreService(db)
	code := "77777777-7777-7777-7777-777777777777"

	codeQuery := "SELECT id, student_id, item_id, transaction_id, cost_paid, redemption_code, redeemed_at, created_at FROM inventory_entries WHERE redemption_code = \\$1 FOR UPDATE"
	entryColumns := []string{"id", "student_id", "item_id", "transaction_id", "cost_paid", "redemption_code", "redeemed_at", "created_at"}

	t.Run("first redemption succeeds", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery(codeQuery).
			WithArgs(code).
			WillReturnRows(sqlmock.NewRows(entryColumns).
				AddRow("66666666-6666-6666-6666-666666666666",
					"11111111-1111-1111-1111-111111111111",
					"55555555-5555-5555-5555-555555555555",
					"44444444-4444-4444-4444-444444444444",
					30, code, nil, time.Now()))

		mock.ExpectExec("UPDATE inventory_entries SET redeemed_at = \\$1 WHERE id = \\$2").
			WithArgs(sqlmock.AnyArg(), "66666666-6666-6666-6666-666666666666").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		entry, err := service.Redeem(context.Background(), code)
		assert.NoError(t, err)
		assert.NotNil(t, entry.RedeemedAt)
		assert.Equal(t, "11111111-1111-1111-1111-111111111111", entry.StudentID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second redemption of the same code fails", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery(codeQuery).
			WithArgs(code).
			WillReturnRows(sqlmock.NewRows(entryColumns).
				AddRow("66666666-6666-6666-6666-666666666666",
					"11111111-1111-1111-1111-111111111111",
					"55555555-5555-5555-5555-555555555555",
					"44444444-4444-4444-4444-444444444444",
					30, code, time.Now(), time.Now()))

		mock.ExpectRollback()

		_, err := service.Redeem(context.Background(), code)
		assert.ErrorIs(t, err, ErrAlreadyRedeemed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown code", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery(codeQuery).
			WithArgs(code).
			WillReturnError(sql.ErrNoRows)

		mock.ExpectRollback()

		_, err := service.Redeem(context.Background(), code)
		assert.ErrorIs(t, err, ErrEntryNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
