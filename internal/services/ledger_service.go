package services

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/classpoints/backend/internal/audit"
	"github.com/classpoints/backend/internal/metrics"
	"github.com/classpoints/backend/internal/models"
)

// LedgerService owns the append-only point_transactions log and the two
// balance read paths: the authoritative recomputed sum and the cached
// running total on the student row. It never decides whether a mutation is
// allowed; that is the balance service's job, inside the same transaction.
type LedgerService struct {
	db    *sql.DB
	audit *audit.AuditLogger
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:    db,
		audit: audit.NewAuditLogger(),
	}
}

// AppendEntryTx inserts one immutable ledger row inside the caller's
// transaction. It never rejects on the basis of the resulting balance.
func (s *LedgerService) AppendEntryTx(tx *sql.Tx, studentID string, actorID *string, amount int64, transactionType, description string, metadata models.Metadata) (*models.PointTransaction, error) {
	entry := &models.PointTransaction{
		ID:              uuid.NewString(),
		StudentID:       studentID,
		ActorID:         actorID,
		Amount:          amount,
		TransactionType: transactionType,
		Description:     description,
		Metadata:        metadata,
		CreatedAt:       time.Now(),
	}

	_, err := tx.Exec(`
		INSERT INTO point_transactions (id, student_id, actor_id, amount, transaction_type, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.StudentID, entry.ActorID, entry.Amount,
		entry.TransactionType, entry.Description, entry.Metadata, entry.CreatedAt)
	if err != nil {
		return nil, wrapStorageErr(err)
	}

	return entry, nil
}

// AuthoritativeBalance recomputes the balance by summing all ledger rows for
// the student. This is the ground truth used by audits and reconciliation.
func (s *LedgerService) AuthoritativeBalance(ctx context.Context, studentID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM point_transactions WHERE student_id = $1`,
		studentID).Scan(&balance)
	if err != nil {
		return 0, wrapStorageErr(err)
	}
	return balance, nil
}

// AuthoritativeBalanceTx is AuthoritativeBalance inside a caller-owned
// transaction.
func (s *LedgerService) AuthoritativeBalanceTx(tx *sql.Tx, studentID string) (int64, error) {
	var balance int64
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(amount), 0) FROM point_transactions WHERE student_id = $1`,
		studentID).Scan(&balance)
	if err != nil {
		return 0, wrapStorageErr(err)
	}
	return balance, nil
}

// CachedBalance is the fast-path read of the materialized balance on the
// student row. Callers deciding a spend must not use this; they read under
// the row lock inside the mutating transaction instead.
func (s *LedgerService) CachedBalance(ctx context.Context, studentID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT currency_balance FROM students WHERE id = $1`,
		studentID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrStudentNotFound
	}
	if err != nil {
		return 0, wrapStorageErr(err)
	}
	return balance, nil
}

// History returns the student's ledger rows ordered by created_at for audit
// display. Read-only; no external caller ever writes ledger rows directly.
func (s *LedgerService) History(ctx context.Context, studentID string, limit int) ([]models.PointTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, student_id, actor_id, amount, transaction_type, description, metadata, created_at
		FROM point_transactions
		WHERE student_id = $1
		ORDER BY created_at
		LIMIT $2`,
		studentID, limit)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer rows.Close()

	entries := []models.PointTransaction{}
	for rows.Next() {
		var entry models.PointTransaction
		err := rows.Scan(&entry.ID, &entry.StudentID, &entry.ActorID, &entry.Amount,
			&entry.TransactionType, &entry.Description, &entry.Metadata, &entry.CreatedAt)
		if err != nil {
			return nil, wrapStorageErr(err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr(err)
	}

	return entries, nil
}

// Divergence is one student whose cached balance disagrees with the ledger.
type Divergence struct {
	StudentID     string `json:"student_id"`
	CachedBalance int64  `json:"cached_balance"`
	LedgerBalance int64  `json:"ledger_balance"`
}

// ReconcileAll compares the cached balance against the recomputed ledger sum
// for every student. Any divergence is a correctness bug, not expected
// drift; each one is audit-logged and the gauge is raised for alerting.
func (s *LedgerService) ReconcileAll(ctx context.Context) ([]Divergence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.currency_balance, COALESCE(SUM(t.amount), 0) AS ledger_balance
		FROM students s
		LEFT JOIN point_transactions t ON t.student_id = s.id
		GROUP BY s.id, s.currency_balance
		HAVING s.currency_balance <> COALESCE(SUM(t.amount), 0)`)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer rows.Close()

	divergences := []Divergence{}
	for rows.Next() {
		var d Divergence
		if err := rows.Scan(&d.StudentID, &d.CachedBalance, &d.LedgerBalance); err != nil {
			return nil, wrapStorageErr(err)
		}
		s.audit.LogDivergence(d.StudentID, d.CachedBalance, d.LedgerBalance)
		divergences = append(divergences, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr(err)
	}

	metrics.ReconciliationDivergence.Set(float64(len(divergences)))
	return divergences, nil
}

// RunReconciliation executes ReconcileAll on a timer until the context is
// cancelled.
func (s *LedgerService) RunReconciliation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[RECONCILE] Reconciliation loop stopped")
			return
		case <-ticker.C:
			divergences, err := s.ReconcileAll(ctx)
			if err != nil {
				log.Printf("[RECONCILE] Sweep failed: %v", err)
				continue
			}
			if len(divergences) > 0 {
				log.Printf("[RECONCILE] HARD ERROR: %d student(s) diverged from ledger", len(divergences))
			}
		}
	}
}
