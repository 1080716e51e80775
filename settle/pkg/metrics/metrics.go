package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usenari_settle_build_info",
			Help: "Build information of the settlement service",
		},
		[]string{"version", "commit", "date"},
	)

	ChainsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usenari_settle_chains_started_total",
			Help: "Total number of referral chains started",
		},
	)

	LinksAppendedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usenari_settle_links_appended_total",
			Help: "Total number of chain links appended",
		},
	)

	ChainsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usenari_settle_chains_expired_total",
			Help: "Total number of referral chains expired",
		},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usenari_settle_settlements_total",
			Help: "Total number of settlement attempts",
		},
		[]string{"status"},
	)

	SettlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "usenari_settle_settlement_duration_seconds",
			Help:    "Duration of settlement transactions",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
	)

	CharityAllocatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usenari_settle_charity_allocated_cents_total",
			Help: "Total charity-fund cents allocated from unfilled degrees",
		},
	)

	LedgerEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usenari_settle_ledger_entries_total",
			Help: "Total number of ledger entries posted",
		},
		[]string{"source_type"},
	)
)
