package models

import "time"

// Reward processing states. A submission moves pending -> processing ->
// completed; completed and failed are terminal. The bookkeeping lives on the
// row itself so retries survive process restarts.
const (
	RewardStatusPending    = "pending"
	RewardStatusProcessing = "processing"
	RewardStatusCompleted  = "completed"
	RewardStatusFailed     = "failed"
)

// QuizSubmission is a reward source: an event that may produce at most one
// earn transaction. Its ID doubles as the idempotency key. CoinsEarned is
// computed upstream by the quiz scorer and consumed here as an opaque amount.
type QuizSubmission struct {
	ID                  string     `json:"id" db:"id"`
	StudentID           string     `json:"student_id" db:"student_id"`
	CoinsEarned         int64      `json:"coins_earned" db:"coins_earned"`
	RewardStatus        string     `json:"reward_status" db:"reward_status"`
	RewardTransactionID *string    `json:"reward_transaction_id" db:"reward_transaction_id"`
	Attempts            int        `json:"attempts" db:"attempts"`
	LastAttemptAt       *time.Time `json:"last_attempt_at" db:"last_attempt_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}
