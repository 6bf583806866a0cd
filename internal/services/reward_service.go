package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/classpoints/backend/internal/audit"
	"github.com/classpoints/backend/internal/models"
)

// RewardService credits coins for a completed quiz exactly once per
// submission. The submission id is the idempotency key; the quiz intake
// collaborator delivers events at-least-once, so duplicate invocations must
// not double-credit.
type RewardService struct {
	db      *sql.DB
	balance *BalanceService
	audit   *audit.AuditLogger
}

// GrantResult reports the outcome of a reward grant. Granted is true only
// when a new earn transaction was created; a duplicate invocation returns
// the prior transaction id with Granted false, which is a success, not an
// error. NewBalance is only meaningful when Granted is true.
type GrantResult struct {
	Granted       bool   `json:"granted"`
	TransactionID string `json:"transactionId"`
	NewBalance    int64  `json:"newBalance,omitempty"`
}

func NewRewardService(db *sql.DB, balance *BalanceService) *RewardService {
	return &RewardService{
		db:      db,
		balance: balance,
		audit:   audit.NewAuditLogger(),
	}
}

// RecordSubmission persists a reward-source event in the pending state.
// Idempotent on the submission id, so redelivery of the same event is a
// no-op.
func (s *RewardService) RecordSubmission(ctx context.Context, submissionID, studentID string, coinsEarned int64) error {
	if coinsEarned <= 0 {
		return fmt.Errorf("coins earned must be positive, got %d", coinsEarned)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quiz_submissions (id, student_id, coins_earned, reward_status, attempts, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (id) DO NOTHING`,
		submissionID, studentID, coinsEarned, models.RewardStatusPending, time.Now())
	return wrapStorageErr(err)
}

// GrantReward credits the submission's coins through the balance service.
// One transaction covers the earn ledger row, the cached balance update and
// the processed marker, so "coins were granted" and "this source was
// handled" can never disagree. Locking the submission row serializes a
// recovery retry racing with a late-arriving original request.
func (s *RewardService) GrantReward(ctx context.Context, submissionID string) (*GrantResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer tx.Rollback()

	if err := s.balance.applyTxTimeouts(tx); err != nil {
		return nil, err
	}

	var (
		studentID           string
		coinsEarned         int64
		rewardStatus        string
		rewardTransactionID sql.NullString
	)
	err = tx.QueryRow(`
		SELECT student_id, coins_earned, reward_status, reward_transaction_id
		FROM quiz_submissions
		WHERE id = $1
		FOR UPDATE`,
		submissionID).Scan(&studentID, &coinsEarned, &rewardStatus, &rewardTransactionID)
	if err == sql.ErrNoRows {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, wrapStorageErr(err)
	}

	if rewardStatus == models.RewardStatusCompleted {
		// Already processed: return the prior result without touching the
		// balance service again.
		return &GrantResult{Granted: false, TransactionID: rewardTransactionID.String}, nil
	}

	result, err := s.balance.UpdateBalanceTx(tx, studentID, coinsEarned,
		models.TransactionTypeEarn, "Quiz reward", nil, models.RewardMetadata(submissionID))
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		UPDATE quiz_submissions
		SET reward_status = $1, reward_transaction_id = $2, last_attempt_at = $3
		WHERE id = $4`,
		models.RewardStatusCompleted, result.TransactionID, time.Now(), submissionID)
	if err != nil {
		return nil, wrapStorageErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStorageErr(err)
	}

	s.balance.afterCommit(ctx, result, studentID, models.TransactionTypeEarn, coinsEarned)

	return &GrantResult{
		Granted:       true,
		TransactionID: result.TransactionID,
		NewBalance:    result.NewBalance,
	}, nil
}
