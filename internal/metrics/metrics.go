// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "boardline"

var (
	// TransitionsTotal counts transition requests.
	// Labels: to (target status), result (applied, invalid_transition, role_not_permitted,
	// precondition_failed, conflict, busy, error)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Transition requests by target status and outcome",
		},
		[]string{"to", "result"},
	)

	// LockWaitSeconds tracks how long callers waited for an item lock.
	LockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for per-item locks",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// LockBusyTotal counts lock waits that ran out of time.
	LockBusyTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "busy_total",
			Help:      "Lock acquisitions that timed out with Busy",
		},
	)

	// EscalationsTotal counts blocker escalation steps.
	// Labels: stage
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Blocker escalation steps by stage reached",
		},
		[]string{"stage"},
	)

	// ReconcileCorrectionsTotal counts divergences healed by the reconciler.
	// Labels: reason (artifact_merged, issue_closed, label_drift)
	ReconcileCorrectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "corrections_total",
			Help:      "Divergences corrected by reconciliation",
		},
		[]string{"reason"},
	)

	// ReconcileRunsTotal counts reconciliation passes.
	// Labels: result (success, error)
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation passes by result",
		},
		[]string{"result"},
	)

	// StaleItems is the number of stale items seen by the last pass.
	StaleItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "stale_items",
			Help:      "Items without activity past the staleness threshold",
		},
	)

	// NotificationsTotal counts delivery attempts.
	// Labels: channel (nats, webhook, fanout), result (delivered, failed)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)
)
