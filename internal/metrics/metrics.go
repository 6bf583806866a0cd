package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classpoints",
		Subsystem: "ledger",
		Name:      "transactions_total",
		Help:      "Committed ledger transactions by type.",
	}, []string{"transaction_type"})

	InsufficientFundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classpoints",
		Subsystem: "ledger",
		Name:      "insufficient_funds_total",
		Help:      "Debits rejected because the balance would go negative.",
	})

	TransientFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classpoints",
		Subsystem: "ledger",
		Name:      "transient_failures_total",
		Help:      "Balance updates aborted by lock timeouts or storage outages.",
	})

	RewardRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classpoints",
		Subsystem: "recovery",
		Name:      "reward_retries_total",
		Help:      "Reward grants re-attempted by the recovery sweep.",
	})

	RewardsExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classpoints",
		Subsystem: "recovery",
		Name:      "rewards_exhausted_total",
		Help:      "Reward sources that ran out of retry attempts.",
	})

	ReconciliationDivergence = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "classpoints",
		Subsystem: "ledger",
		Name:      "reconciliation_divergence",
		Help:      "Students whose cached balance disagreed with the ledger sum on the last sweep. Any non-zero value is a correctness bug.",
	})
)
