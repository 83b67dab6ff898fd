// Package metrics exposes Prometheus instrumentation for the routing engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InboundRouted counts inbound messages assigned to an operator.
	InboundRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchboard_inbound_routed_total",
		Help: "Inbound messages routed directly to an operator.",
	})

	// InboundEnqueued counts inbound messages parked in the pending queue.
	InboundEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchboard_inbound_enqueued_total",
		Help: "Inbound messages enqueued because no operator was eligible.",
	})

	// SendResults counts outbound send attempts by outcome.
	SendResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_sends_total",
		Help: "Outbound send attempts by result.",
	}, []string{"result"})

	// RateLimited counts sends refused by the per-line quota.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchboard_rate_limited_total",
		Help: "Sends refused because the line's daily cap was exhausted.",
	})

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_breaker_transitions_total",
		Help: "Circuit breaker transitions by target state.",
	}, []string{"state"})

	// PendingDrained counts pending entries converted into conversations.
	PendingDrained = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchboard_pending_drained_total",
		Help: "Pending messages successfully drained to an operator.",
	})

	// PendingFailed counts pending entries that exhausted their attempts.
	PendingFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchboard_pending_failed_total",
		Help: "Pending messages marked failed after exhausting attempts.",
	})
)
