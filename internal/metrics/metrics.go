// Package metrics holds the ledger's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeltasApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_deltas_applied_total",
		Help: "Deltas committed to the ledger, by source",
	}, []string{"source"})

	DeltasDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_deltas_duplicate_total",
		Help: "Deltas ignored because their idempotency key was already applied",
	})

	DeltasRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_deltas_rejected_total",
		Help: "Malformed deltas rejected before reaching the store, by field",
	}, []string{"field"})

	NegativeQuantity = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_negative_quantity_total",
		Help: "Applied deltas that left an item below zero",
	})

	ActiveLanes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_active_lanes",
		Help: "Items with a running per-item queue",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_subscribers",
		Help: "Open change subscriptions",
	})

	GapMarkers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_subscriber_gaps_total",
		Help: "Subscriber buffers dropped because the consumer fell behind",
	})

	ReconciliationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconciliation_results_total",
		Help: "Reconciled snapshot items, by classification",
	}, []string{"classification"})

	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_apply_duration_seconds",
		Help:    "Time spent committing a delta to the store",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})
)
