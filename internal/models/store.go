package models

import "time"

// StoreItem is a catalog entry. Cost is in points and is snapshotted onto
// the spend transaction at purchase time.
type StoreItem struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Cost      int64     `json:"cost" db:"cost"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// InventoryEntry records ownership of a purchased item. It is created in the
// same database transaction as the spend ledger entry, or not at all.
// RedemptionCode is handed over as a QR code and invalidated on redemption.
type InventoryEntry struct {
	ID             string     `json:"id" db:"id"`
	StudentID      string     `json:"student_id" db:"student_id"`
	ItemID         string     `json:"item_id" db:"item_id"`
	TransactionID  string     `json:"transaction_id" db:"transaction_id"`
	CostPaid       int64      `json:"cost_paid" db:"cost_paid"`
	RedemptionCode string     `json:"redemption_code" db:"redemption_code"`
	RedeemedAt     *time.Time `json:"redeemed_at" db:"redeemed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}
