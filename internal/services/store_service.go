package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/classpoints/backend/internal/audit"
	"github.com/classpoints/backend/internal/models"
)

// StoreService runs the purchase flow: debit the points and grant the
// inventory entry in one database transaction, created together or not at
// all. A failed purchase never leaves the student short-changed.
type StoreService struct {
	db      *sql.DB
	balance *BalanceService
	audit   *audit.AuditLogger
}

// PurchaseResult reports a committed purchase.
type PurchaseResult struct {
	TransactionID    string `json:"transactionId"`
	InventoryEntryID string `json:"inventoryEntryId"`
	RedemptionCode   string `json:"redemptionCode"`
	NewBalance       int64  `json:"newBalance"`
}

func NewStoreService(db *sql.DB, balance *BalanceService) *StoreService {
	return &StoreService{
		db:      db,
		balance: balance,
		audit:   audit.NewAuditLogger(),
	}
}

// Purchase debits the item cost and inserts the ownership row atomically.
// The item cost is a snapshot at purchase time, preserved on the
// transaction metadata independent of later catalog price changes. If the
// inventory insert fails (already owned), the whole transaction including
// the debit rolls back.
func (s *StoreService) Purchase(ctx context.Context, studentID, itemID string) (*PurchaseResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer tx.Rollback()

	if err := s.balance.applyTxTimeouts(tx); err != nil {
		return nil, err
	}

	var (
		itemName string
		cost     int64
		active   bool
	)
	err = tx.QueryRow(`
		SELECT name, cost, active FROM store_items WHERE id = $1`,
		itemID).Scan(&itemName, &cost, &active)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	if !active {
		return nil, ErrItemNotFound
	}

	description := fmt.Sprintf("Purchased %s (%d points)", itemName, cost)
	result, err := s.balance.UpdateBalanceTx(tx, studentID, -cost,
		models.TransactionTypeSpend, description, &studentID,
		models.PurchaseMetadata(itemID, itemName, cost))
	if err != nil {
		return nil, err
	}

	entryID := uuid.NewString()
	redemptionCode := uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO inventory_entries (id, student_id, item_id, transaction_id, cost_paid, redemption_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entryID, studentID, itemID, result.TransactionID, cost, redemptionCode, time.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyOwned
		}
		return nil, wrapStorageErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStorageErr(err)
	}

	s.balance.afterCommit(ctx, result, studentID, models.TransactionTypeSpend, -cost)
	s.audit.LogOperation(result.TransactionID, studentID, "PURCHASE",
		fmt.Sprintf("Item %s granted as inventory entry %s", itemID, entryID))

	return &PurchaseResult{
		TransactionID:    result.TransactionID,
		InventoryEntryID: entryID,
		RedemptionCode:   redemptionCode,
		NewBalance:       result.NewBalance,
	}, nil
}

// RedemptionQR renders the inventory entry's redemption code as a PNG QR
// code for the physical hand-over in class. Already-redeemed entries are
// rejected.
func (s *StoreService) RedemptionQR(ctx context.Context, entryID string) (string, error) {
	var (
		redemptionCode string
		itemID         string
		studentID      string
		redeemedAt     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT redemption_code, item_id, student_id, redeemed_at
		FROM inventory_entries
		WHERE id = $1`,
		entryID).Scan(&redemptionCode, &itemID, &studentID, &redeemedAt)
	if err == sql.ErrNoRows {
		return "", ErrEntryNotFound
	}
	if err != nil {
		return "", wrapStorageErr(err)
	}
	if redeemedAt.Valid {
		return "", ErrAlreadyRedeemed
	}

	payload, err := json.Marshal(map[string]any{
		"entryId":   entryID,
		"code":      redemptionCode,
		"studentId": studentID,
		"itemId":    itemID,
	})
	if err != nil {
		return "", err
	}

	qr, err := qrcode.New(base64.URLEncoding.EncodeToString(payload), qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Redeem marks an inventory entry as handed over. Single-use: a second
// redemption of the same code fails. Redemption does not touch the ledger;
// the spend already happened at purchase time.
func (s *StoreService) Redeem(ctx context.Context, redemptionCode string) (*models.InventoryEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer tx.Rollback()

	var entry models.InventoryEntry
	var redeemedAt sql.NullTime
	err = tx.QueryRow(`
		SELECT id, student_id, item_id, transaction_id, cost_paid, redemption_code, redeemed_at, created_at
		FROM inventory_entries
		WHERE redemption_code = $1
		FOR UPDATE`,
		redemptionCode).Scan(&entry.ID, &entry.StudentID, &entry.ItemID, &entry.TransactionID,
		&entry.CostPaid, &entry.RedemptionCode, &redeemedAt, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	if redeemedAt.Valid {
		return nil, ErrAlreadyRedeemed
	}

	now := time.Now()
	if _, err := tx.Exec(`
		UPDATE inventory_entries SET redeemed_at = $1 WHERE id = $2`,
		now, entry.ID); err != nil {
		return nil, wrapStorageErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStorageErr(err)
	}

	entry.RedeemedAt = &now
	s.audit.LogOperation(entry.TransactionID, entry.StudentID, "REDEMPTION",
		fmt.Sprintf("Inventory entry %s redeemed", entry.ID))

	return &entry, nil
}
