package models

import "time"

// Student statuses
const (
	StudentStatusActive   = "active"
	StudentStatusArchived = "archived"
)

// Student represents a class member with a cached point balance.
// CurrencyBalance is a denormalized running total over the ledger and is
// only ever mutated by the balance service, never by request handlers.
type Student struct {
	ID              string    `json:"id" db:"id"`
	DisplayName     string    `json:"display_name" db:"display_name"`
	ClassCode       string    `json:"class_code" db:"class_code"`
	Status          string    `json:"status" db:"status"`
	CurrencyBalance int64     `json:"currency_balance" db:"currency_balance"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}
