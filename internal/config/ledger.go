package config

import (
	"os"
	"strconv"
	"time"
)

type LedgerConfig struct {
	StatementTimeout   time.Duration
	LockTimeout        time.Duration
	SweepInterval      time.Duration
	StalenessThreshold time.Duration
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	ReconcileInterval  time.Duration
	SweepBatchSize     int
}

func LoadLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		StatementTimeout:   getEnvAsDuration("LEDGER_STATEMENT_TIMEOUT", 5*time.Second),
		LockTimeout:        getEnvAsDuration("LEDGER_LOCK_TIMEOUT", 3*time.Second),
		SweepInterval:      getEnvAsDuration("RECOVERY_SWEEP_INTERVAL", 1*time.Minute),
		StalenessThreshold: getEnvAsDuration("RECOVERY_STALENESS_THRESHOLD", 2*time.Minute),
		MaxAttempts:        getEnvAsInt("RECOVERY_MAX_ATTEMPTS", 5),
		BackoffBase:        getEnvAsDuration("RECOVERY_BACKOFF_BASE", 30*time.Second),
		BackoffCap:         getEnvAsDuration("RECOVERY_BACKOFF_CAP", 15*time.Minute),
		ReconcileInterval:  getEnvAsDuration("RECONCILE_INTERVAL", 10*time.Minute),
		SweepBatchSize:     getEnvAsInt("RECOVERY_SWEEP_BATCH_SIZE", 100),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
