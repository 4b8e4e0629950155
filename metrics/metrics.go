// Package metrics provides Prometheus metrics for the negotiation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActionsTotal tracks state-machine actions by outcome
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "negotiation",
			Name:      "actions_total",
			Help:      "Total number of negotiation actions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// ActionDuration tracks action latency including provider calls
	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradeflow",
			Subsystem: "negotiation",
			Name:      "action_duration_seconds",
			Help:      "Duration of negotiation actions in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"action"},
	)

	// LedgerMovementsTotal tracks ledger transactions appended by type
	LedgerMovementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "escrow",
			Name:      "ledger_movements_total",
			Help:      "Total number of escrow ledger transactions by type and source",
		},
		[]string{"type", "source"},
	)

	// ProviderCallsTotal tracks escrow provider calls
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "escrow",
			Name:      "provider_calls_total",
			Help:      "Total number of escrow provider calls by operation and status",
		},
		[]string{"operation", "status"},
	)

	// WebhookEventsTotal tracks inbound webhook events
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Total number of inbound webhook events by source, event and result",
		},
		[]string{"source", "event", "result"},
	)

	// ReconciliationVerdictsTotal tracks reconciliation outcomes
	ReconciliationVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "reconciliation",
			Name:      "verdicts_total",
			Help:      "Total number of reconciliation verdicts by status",
		},
		[]string{"status"},
	)

	// ReconciliationRunDuration tracks a full job run
	ReconciliationRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tradeflow",
			Subsystem: "reconciliation",
			Name:      "run_duration_seconds",
			Help:      "Duration of reconciliation runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	// EventsPublishedTotal tracks domain events handed to a transport
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of domain events published by type and result",
		},
		[]string{"type", "result"},
	)

	// OutboxPending tracks rows the relay saw pending on its last pass
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradeflow",
			Subsystem: "events",
			Name:      "outbox_pending",
			Help:      "Number of outbox rows pending on the last relay pass",
		},
	)
)

// Outcome labels shared by counters.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// ObserveAction records one action's outcome and duration.
func ObserveAction(action string, seconds float64, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	ActionsTotal.WithLabelValues(action, outcome).Inc()
	ActionDuration.WithLabelValues(action).Observe(seconds)
}
