package services

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/classpoints/backend/internal/audit"
	"github.com/classpoints/backend/internal/config"
	"github.com/classpoints/backend/internal/metrics"
	"github.com/classpoints/backend/internal/models"
)

// RecoveryManager is the background safety net for reward grants. It scans
// for submissions stuck in pending or processing beyond the staleness
// threshold and re-invokes the reward service through the same idempotent
// entry point, so a retry racing a late original request cannot
// double-credit. All bookkeeping lives on the submission rows; the manager
// holds no state between sweeps and survives restarts.
type RewardRecoveryManager struct {
	db      *sql.DB
	rewards *RewardService
	audit   *audit.AuditLogger
	cfg     *config.LedgerConfig
}

func NewRewardRecoveryManager(db *sql.DB, rewards *RewardService, cfg *config.LedgerConfig) *RewardRecoveryManager {
	return &RewardRecoveryManager{
		db:      db,
		rewards: rewards,
		audit:   audit.NewAuditLogger(),
		cfg:     cfg,
	}
}

// Run executes sweeps on a timer until the context is cancelled.
func (m *RewardRecoveryManager) Run(ctx context.Context) {
	log.Printf("[RECOVERY] Sweep loop started, interval %s", m.cfg.SweepInterval)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[RECOVERY] Sweep loop stopped")
			return
		case <-ticker.C:
			retried, err := m.SweepOnce(ctx)
			if err != nil {
				log.Printf("[RECOVERY] Sweep failed: %v", err)
				continue
			}
			if retried > 0 {
				log.Printf("[RECOVERY] Sweep retried %d reward grant(s)", retried)
			}
		}
	}
}

// SweepOnce scans one batch of stale submissions and retries each eligible
// one. Returns how many grants were attempted.
func (m *RewardRecoveryManager) SweepOnce(ctx context.Context) (int, error) {
	staleBefore := time.Now().Add(-m.cfg.StalenessThreshold)

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, student_id, coins_earned, attempts, last_attempt_at
		FROM quiz_submissions
		WHERE reward_status IN ($1, $2)
		  AND COALESCE(last_attempt_at, created_at) < $3
		ORDER BY created_at
		LIMIT $4`,
		models.RewardStatusPending, models.RewardStatusProcessing,
		staleBefore, m.cfg.SweepBatchSize)
	if err != nil {
		return 0, wrapStorageErr(err)
	}
	defer rows.Close()

	type candidate struct {
		id            string
		studentID     string
		coinsEarned   int64
		attempts      int
		lastAttemptAt sql.NullTime
	}

	candidates := []candidate{}
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.studentID, &c.coinsEarned, &c.attempts, &c.lastAttemptAt); err != nil {
			return 0, wrapStorageErr(err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return 0, wrapStorageErr(err)
	}

	retried := 0
	for _, c := range candidates {
		if c.attempts >= m.cfg.MaxAttempts {
			m.markExhausted(ctx, c.id, c.studentID, c.coinsEarned, c.attempts, nil)
			continue
		}

		if !m.backoffElapsed(c.attempts, c.lastAttemptAt) {
			continue
		}

		if !m.claim(ctx, c.id) {
			// Completed or claimed elsewhere since the scan.
			continue
		}

		metrics.RewardRetriesTotal.Inc()
		retried++

		if _, err := m.rewards.GrantReward(ctx, c.id); err != nil {
			log.Printf("[RECOVERY] Retry %d/%d for submission %s failed: %v",
				c.attempts+1, m.cfg.MaxAttempts, c.id, err)
			if c.attempts+1 >= m.cfg.MaxAttempts {
				m.markExhausted(ctx, c.id, c.studentID, c.coinsEarned, c.attempts+1, err)
			}
		}
	}

	return retried, nil
}

// backoffElapsed applies exponential backoff across attempts: each retry
// waits twice as long as the previous one, capped.
func (m *RewardRecoveryManager) backoffElapsed(attempts int, lastAttemptAt sql.NullTime) bool {
	if !lastAttemptAt.Valid {
		return true
	}

	delay := m.cfg.BackoffBase << uint(attempts)
	if delay > m.cfg.BackoffCap || delay <= 0 {
		delay = m.cfg.BackoffCap
	}

	return time.Since(lastAttemptAt.Time) >= delay
}

// claim moves the submission to processing and charges one attempt. The
// status guard makes concurrent sweeps and racing originals safe: only one
// claimer proceeds, and a submission completed in the meantime is skipped.
func (m *RewardRecoveryManager) claim(ctx context.Context, submissionID string) bool {
	result, err := m.db.ExecContext(ctx, `
		UPDATE quiz_submissions
		SET reward_status = $1, attempts = attempts + 1, last_attempt_at = $2
		WHERE id = $3 AND reward_status IN ($4, $5)`,
		models.RewardStatusProcessing, time.Now(), submissionID,
		models.RewardStatusPending, models.RewardStatusProcessing)
	if err != nil {
		log.Printf("[RECOVERY] Failed to claim submission %s: %v", submissionID, err)
		return false
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false
	}
	return rowsAffected > 0
}

// markExhausted parks the submission in the terminal failed state and logs
// full context for manual follow-up.
func (m *RewardRecoveryManager) markExhausted(ctx context.Context, submissionID, studentID string, coinsEarned int64, attempts int, lastErr error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE quiz_submissions
		SET reward_status = $1
		WHERE id = $2 AND reward_status <> $3`,
		models.RewardStatusFailed, submissionID, models.RewardStatusCompleted)
	if err != nil {
		log.Printf("[RECOVERY] Failed to mark submission %s as failed: %v", submissionID, err)
		return
	}

	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected == 0 {
		return
	}

	metrics.RewardsExhaustedTotal.Inc()
	m.audit.LogRewardExhausted(submissionID, studentID, coinsEarned, attempts, lastErr)
	log.Printf("[RECOVERY] Submission %s exhausted %d attempts, manual review required (student %s, %d coins)",
		submissionID, attempts, studentID, coinsEarned)
}
