// ABOUTME: Prometheus collectors shared across crewd components
// ABOUTME: Registered on the default registry and served from /metrics

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChannelMessages counts messages crossing channel adapters,
	// labeled by channel type and direction.
	ChannelMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewd_channel_messages_total",
		Help: "Messages routed through channel adapters.",
	}, []string{"channel_type", "direction"})

	// AgentRuns counts agent executions by source and outcome.
	AgentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewd_agent_runs_total",
		Help: "Agent runs by source (channel, task, api) and status.",
	}, []string{"source", "status"})

	// RunDuration observes end-to-end agent run latency.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crewd_agent_run_duration_seconds",
		Help:    "End-to-end agent run duration.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// TaskDispatches counts scheduled task dispatches by outcome.
	TaskDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewd_task_dispatches_total",
		Help: "Scheduled task dispatches by status.",
	}, []string{"status"})

	// AdapterReconnects counts reconnect attempts per adapter.
	AdapterReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewd_adapter_reconnects_total",
		Help: "Channel adapter reconnect attempts.",
	}, []string{"adapter"})

	// SteeringMessages counts steering messages by stage.
	SteeringMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewd_steering_messages_total",
		Help: "Steering messages by stage (submitted, delivered).",
	}, []string{"stage"})
)
