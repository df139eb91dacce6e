package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedAgents tracks agents currently marked ONLINE.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adpilot_connected_agents",
		Help: "Number of agents currently ONLINE",
	})

	// AgentsDemoted counts ONLINE to OFFLINE transitions made by the sweep.
	AgentsDemoted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adpilot_agents_demoted_total",
		Help: "Total number of agents demoted to OFFLINE for missing heartbeats",
	})

	// Heartbeats counts heartbeat attempts by result (accepted, unauthorized, unknown, forbidden, rate_limited).
	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_heartbeats_total",
		Help: "Total agent heartbeats by result",
	}, []string{"result"})

	// Commands counts command lifecycle events (queued, duplicate, claimed, succeeded, failed).
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_commands_total",
		Help: "Total command lifecycle events",
	}, []string{"event"})

	// RuleExecutions counts ad-set rule runs by trigger mode and outcome.
	RuleExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_rule_executions_total",
		Help: "Total ad-set rule executions",
	}, []string{"mode", "outcome"})

	// RuleExecutionDuration tracks how long a rule run takes end to end.
	RuleExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adpilot_rule_execution_duration_seconds",
		Help:    "Duration of ad-set rule and automated rule runs",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// AutomatedScanAds counts ads visited by the automated scan by outcome (paused, unchanged, error).
	AutomatedScanAds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_automated_scan_ads_total",
		Help: "Total ads evaluated by automated rules",
	}, []string{"outcome"})

	// SnapshotsCompacted counts snapshots folded into daily rollups.
	SnapshotsCompacted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adpilot_snapshots_compacted_total",
		Help: "Total metric snapshots folded into daily rollups",
	})

	// SchedulerJobRuns counts periodic job runs by outcome.
	SchedulerJobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_scheduler_job_runs_total",
		Help: "Total scheduler job runs",
	}, []string{"job", "outcome"})

	// SchedulerJobSkipped counts ticks dropped because the previous run was still in flight.
	SchedulerJobSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_scheduler_job_skipped_total",
		Help: "Total scheduler ticks skipped due to overlap",
	}, []string{"job"})

	// AgentProxyRequests counts calls to agent proxies by operation and outcome.
	AgentProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_agentproxy_requests_total",
		Help: "Total requests sent to agent proxies",
	}, []string{"op", "outcome"})

	// AgentProxyLatency tracks agent proxy round trips.
	AgentProxyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adpilot_agentproxy_latency_seconds",
		Help:    "Latency of agent proxy requests",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// RedisLatency tracks the latency of Redis operations.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adpilot_redis_roundtrip_latency_seconds",
		Help:    "Latency of Redis operations",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// LeaderStatus is 1 when this node is leader, 0 otherwise.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adpilot_leader_status",
		Help: "Current leader status (1=leader, 0=follower)",
	})

	// LeadershipEpoch tracks the current fencing epoch for the leader.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "adpilot_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"node_id"})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// LeadershipTransitionDuration tracks time between losing and regaining leadership.
	LeadershipTransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adpilot_leader_transition_duration_seconds",
		Help:    "Time from step-down to re-election",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	// LocksReclaimed counts stale or fenced locks force-released by the janitor.
	LocksReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_locks_reclaimed_total",
		Help: "Total locks force-released by the lock janitor",
	}, []string{"reason"})

	// APIRateLimited counts requests rejected by the API limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_api_rate_limited_total",
		Help: "Total API requests rejected by rate limiting",
	}, []string{"route"})

	// EventPublishFailures counts events that could not be published.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_event_publish_failures_total",
		Help: "Total event publish failures",
	}, []string{"topic"})

	// IdempotentReplays counts responses served from the idempotency cache.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adpilot_idempotent_replays_total",
		Help: "Total responses replayed for a repeated X-Idempotency-Key",
	})

	// WebSocketClients tracks dashboard stream subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adpilot_websocket_clients",
		Help: "Number of connected dashboard stream clients",
	})
)
