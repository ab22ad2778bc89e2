// Package observability exposes the Prometheus metrics emitted by the
// dispatch core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PendingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_pending_queue_depth",
		Help: "Current number of envelopes in the global pending queue",
	})

	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_decisions_total",
		Help: "Total dispatch decisions made, by outcome",
	}, []string{"decision"}) // DISPATCHED, PARKED, NO_NODE, HANDOFF_FAILED, LOCK_UNAVAILABLE

	ReclaimDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_reclaim_decisions_total",
		Help: "Total stuck-task reclaim decisions, by outcome",
	}, []string{"decision"}) // REQUEUED, FAILED

	NodeEligibleCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_eligible_node_count",
		Help: "Number of nodes currently eligible for dispatch",
	})

	HeartbeatEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_heartbeat_evictions_total",
		Help: "Total nodes evicted by the heartbeat reconciler",
	})

	LockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a named lock",
		Buckets: prometheus.DefBuckets,
	}, []string{"key_prefix"})

	TaskRetryCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_task_retry_count",
		Help:    "Distribution of retry_count at terminal state",
		Buckets: prometheus.LinearBuckets(0, 1, 12),
	})
)
