package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MineOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mining_mine_outcomes_total",
			Help: "Total number of mine requests by outcome",
		},
		[]string{"outcome"},
	)

	TokensCreditedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mining_tokens_credited_total",
			Help: "Tokens credited to balances by ledger transaction type",
		},
		[]string{"type"},
	)

	ReconcileTickSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mining_reconcile_tick_seconds",
			Help:    "Histogram of session reconciler tick durations",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mining_reconcile_sessions_total",
			Help: "Sessions handled by the reconciler by result",
		},
		[]string{"result"},
	)

	ReconcileTicksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mining_reconcile_ticks_skipped_total",
			Help: "Reconciler ticks skipped because the previous tick was still running",
		},
	)

	CommissionFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mining_commission_failures_total",
			Help: "Referral commission propagations that failed after all retries",
		},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mining_cache_lookups_total",
			Help: "Leaderboard cache lookups by key family and result",
		},
		[]string{"family", "result"},
	)
)
