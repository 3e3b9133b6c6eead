// Package observability exposes the Prometheus metrics surfaced on /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BotsDeployed tracks the size of the bots:deployed set.
	BotsDeployed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bots_deployed_total",
		Help: "Current number of bots asserted as deployed into the matchmaking queue",
	})

	// BotsActive tracks the size of the bots:active set.
	BotsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bots_active_total",
		Help: "Current number of bots inside a match room",
	})

	// BotsQueueLength tracks the rotation queue length.
	BotsQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bots_queue_length",
		Help: "Current number of bots waiting in the rotation queue",
	})

	// IsLeader reports whether this instance currently holds the leader lease.
	IsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_service_is_leader",
		Help: "1 if this instance is the current leader, 0 otherwise",
	})

	// LeadershipTransitions counts promote/demote edges.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_service_leadership_transitions_total",
		Help: "Total number of leadership promote/demote transitions",
	}, []string{"instance_id", "event"})

	// CircuitBreakerState reports the current state per endpoint (0=closed,1=half_open,2=open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"endpoint"})

	// CircuitBreakerFailures counts every failure observed per endpoint.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_failures_total",
		Help: "Total number of failures observed by a circuit breaker",
	}, []string{"endpoint"})

	// ReconcileDecisions counts deploy/undeploy/hold decisions made per tick.
	ReconcileDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_decisions_total",
		Help: "Total number of reconciliation decisions made, by kind",
	}, []string{"decision"})

	// LifecycleRecycles counts bot lifecycle recycle events by reason.
	LifecycleRecycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_lifecycle_recycles_total",
		Help: "Total number of bot lifecycle recycle events, by reason",
	}, []string{"reason"})

	// LifecycleCompletions counts bots that reached Completed.
	LifecycleCompletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_lifecycle_completions_total",
		Help: "Total number of bots that completed a full match lifecycle",
	})

	// PrunerRecovered counts bots recovered from limbo/stale guards per sweep.
	PrunerRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pruner_recovered_total",
		Help: "Total number of bots recovered by the pruner, by kind",
	}, []string{"kind"})

	// CommandsReceived counts commands processed from bots:commands.
	CommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_received_total",
		Help: "Total number of commands received on bots:commands, by type",
	}, []string{"type"})

	// CommandsRateLimited counts commands dropped by the admission limiter.
	CommandsRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_rate_limited_total",
		Help: "Total number of commands rejected by the per-type rate limiter",
	}, []string{"type"})

	// CoordLatency tracks coordination-store round-trip latency.
	CoordLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coord_roundtrip_latency_seconds",
		Help:    "Coordination store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})
)
