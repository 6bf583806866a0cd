package audit

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id,omitempty"`
	StudentID     string    `json:"student_id,omitempty"`
	Amount        int64     `json:"amount,omitempty"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

// LogMutation records a committed ledger mutation.
func (a *AuditLogger) LogMutation(transactionID, studentID, transactionType string, amount, newBalance int64) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "LEDGER_MUTATION",
		TransactionID: transactionID,
		StudentID:     studentID,
		Amount:        amount,
		Status:        "SUCCESS",
		Details: map[string]any{
			"transaction_type": transactionType,
			"new_balance":      newBalance,
		},
	}
	a.log(event)
}

func (a *AuditLogger) LogError(transactionID, studentID string, err error) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: transactionID,
		StudentID:     studentID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	}
	a.log(event)
}

// LogDivergence records a reconciliation mismatch between the cached balance
// and the ledger sum. This is always a correctness bug, never expected drift.
func (a *AuditLogger) LogDivergence(studentID string, cachedBalance, ledgerBalance int64) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "RECONCILIATION_DIVERGENCE",
		StudentID: studentID,
		Status:    "FAILED",
		Details: map[string]int64{
			"cached_balance": cachedBalance,
			"ledger_balance": ledgerBalance,
			"difference":     cachedBalance - ledgerBalance,
		},
	}
	a.log(event)
}

// LogRewardExhausted records a reward source that ran out of retries and
// needs manual follow-up.
func (a *AuditLogger) LogRewardExhausted(submissionID, studentID string, coinsEarned int64, attempts int, lastErr error) {
	details := map[string]any{
		"quiz_submission_id": submissionID,
		"coins_earned":       coinsEarned,
		"attempts":           attempts,
	}
	if lastErr != nil {
		details["last_error"] = lastErr.Error()
	}
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "REWARD_RETRIES_EXHAUSTED",
		StudentID: studentID,
		Amount:    coinsEarned,
		Status:    "FAILED",
		Details:   details,
	}
	a.log(event)
}

func (a *AuditLogger) LogOperation(transactionID, studentID, operation, details string) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     operation,
		TransactionID: transactionID,
		StudentID:     studentID,
		Status:        "SUCCESS",
		Details:       map[string]string{"details": details},
	}
	a.log(event)
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
