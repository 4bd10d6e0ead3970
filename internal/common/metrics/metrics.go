// Package metrics exposes Prometheus counters and histograms for the mesh core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts broker events received, labeled by topic class
	// (discovery, gateway_response, gateway_status, agent_request,
	// peer_response, control, sandbox, other).
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_events_received_total",
		Help: "Broker events received by topic class",
	}, []string{"topic_class"})

	// EventsIgnored counts events dropped because no external context was
	// found for their task id.
	EventsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_events_ignored_total",
		Help: "Events ignored for lack of a matching task context",
	})

	// TaskTerminal counts terminal task events by final state.
	TaskTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_task_terminal_total",
		Help: "Terminal task events by state",
	}, []string{"state"})

	// CompactionsTriggered counts context-window compactions.
	CompactionsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_compactions_total",
		Help: "Context-window compactions triggered",
	})

	// PeerSubTasks tracks peer subtask transitions (pending, returned).
	PeerSubTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_peer_subtasks_total",
		Help: "Peer subtask transitions",
	}, []string{"state"})

	// SandboxExecutions counts sandbox runs by exit reason.
	SandboxExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_sandbox_executions_total",
		Help: "Sandbox executions by exit reason",
	}, []string{"reason"})

	// SandboxDuration observes sandbox execution wall time.
	SandboxDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentmesh_sandbox_duration_seconds",
		Help:    "Sandbox execution duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
