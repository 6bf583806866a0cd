package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Transaction types. Positive amounts are credits (earn, grant), negative
// amounts are debits (spend, deduct).
const (
	TransactionTypeEarn   = "earn"
	TransactionTypeSpend  = "spend"
	TransactionTypeGrant  = "grant"
	TransactionTypeDeduct = "deduct"
)

// IsDebitType reports whether a transaction type carries a negative amount
// and is therefore subject to the non-negative balance check.
func IsDebitType(transactionType string) bool {
	return transactionType == TransactionTypeSpend || transactionType == TransactionTypeDeduct
}

// IsValidTransactionType reports whether the type is one of the four
// ledger transaction types.
func IsValidTransactionType(transactionType string) bool {
	switch transactionType {
	case TransactionTypeEarn, TransactionTypeSpend, TransactionTypeGrant, TransactionTypeDeduct:
		return true
	}
	return false
}

// PointTransaction is an immutable ledger entry. Rows are never updated or
// deleted after insert; corrections are new opposite-sign transactions.
// ActorID is null for system-generated entries (quiz rewards) so history
// survives actor deletion.
type PointTransaction struct {
	ID              string    `json:"id" db:"id"`
	StudentID       string    `json:"student_id" db:"student_id"`
	ActorID         *string   `json:"actor_id" db:"actor_id"`
	Amount          int64     `json:"amount" db:"amount"`
	TransactionType string    `json:"transaction_type" db:"transaction_type"`
	Description     string    `json:"description" db:"description"`
	Metadata        Metadata  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}

// Typed metadata constructors. One shape per transaction type, built at the
// boundary so free-form maps are never threaded through the ledger.

// PurchaseMetadata snapshots the catalog item at purchase time. The stored
// cost is independent of later catalog price changes.
func PurchaseMetadata(itemID, itemName string, cost int64) Metadata {
	return Metadata{
		"item_id":   itemID,
		"item_name": itemName,
		"cost":      cost,
	}
}

// RewardMetadata references the reward source that produced an earn entry.
func RewardMetadata(submissionID string) Metadata {
	return Metadata{
		"quiz_submission_id": submissionID,
	}
}

// AdjustmentMetadata records the reason for an administrative grant or deduct.
func AdjustmentMetadata(reason string) Metadata {
	return Metadata{
		"reason": reason,
	}
}
