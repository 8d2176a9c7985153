package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PendingDepth tracks the number of claimable executions.
	PendingDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookline_pending_executions",
		Help: "Current number of pending executions",
	})

	// ActiveWorkers tracks the live worker goroutine count.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookline_active_workers",
		Help: "Current number of dispatch workers",
	})

	// ClaimLatency tracks the duration of the claim query.
	ClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hookline_claim_latency_seconds",
		Help:    "Duration of the execution claim query",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// DispatchDuration tracks end-to-end dispatch time by outcome.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hookline_dispatch_duration_seconds",
		Help:    "HTTP dispatch duration by terminal outcome",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"outcome"})

	// ExecutionsTotal counts terminal execution transitions.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_executions_total",
		Help: "Terminal execution transitions by status",
	}, []string{"status"})

	// RetriesTotal counts retry executions created by the worker.
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_retries_total",
		Help: "Retry executions created after transient failures",
	})

	// SchedulerLoopDuration tracks the duration of a scheduler tick.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hookline_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler materialization tick",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerMaterialized counts executions created by the scheduler.
	SchedulerMaterialized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_scheduler_materialized_total",
		Help: "Executions materialized by the scheduler",
	}, []string{"kind"}) // pending, missed, skipped_cap

	// HostBlocks counts circuit breaker activations.
	HostBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_host_blocks_total",
		Help: "Host blocker activations by reason",
	}, []string{"reason"}) // rate_limited, failures

	// BlockedDeferrals counts executions deferred because their host is blocked.
	BlockedDeferrals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_blocked_deferrals_total",
		Help: "Executions rescheduled because the destination host is blocked",
	})

	// CounterFlushes tracks usage counter flush batches.
	CounterFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_counter_flushes_total",
		Help: "Usage counter flush batches written to the store",
	})

	// CallbacksTotal counts signed callback deliveries by result.
	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_callbacks_total",
		Help: "Outbound callback deliveries by result",
	}, []string{"result"}) // delivered, failed

	// AlertsTotal counts alert emails enqueued by kind.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_alerts_total",
		Help: "Alert notifications enqueued by kind",
	}, []string{"kind"}) // failure, recovery, monitor_down, monitor_up

	// AlertsThrottled counts alert emails suppressed by the per-tenant limiter.
	AlertsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_alerts_throttled_total",
		Help: "Alert notifications suppressed by the per-tenant rate limit",
	})

	// InboundEvents counts received inbound webhook events.
	InboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_inbound_events_total",
		Help: "Inbound webhook events by result",
	}, []string{"result"}) // accepted, unknown, disabled

	// MonitorTransitions counts monitor state transitions.
	MonitorTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_monitor_transitions_total",
		Help: "Monitor state transitions",
	}, []string{"to"}) // up, down

	// OrphanPromotions counts running executions promoted to timeout by the sweep.
	OrphanPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_orphan_promotions_total",
		Help: "Running executions promoted to timeout by the orphan sweep",
	})

	// LeaderStatus reports whether this process holds the leader lease.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookline_leader_status",
		Help: "Leader lease status (1 = leader, 0 = follower)",
	})

	// CleanupPurged counts rows removed by the retention sweep.
	CleanupPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_cleanup_purged_total",
		Help: "Rows purged by the retention sweep",
	}, []string{"table"})

	// LoadShed counts requests rejected because the DB pool was exhausted.
	LoadShed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_load_shed_total",
		Help: "HTTP requests shed with 503 due to pool exhaustion",
	})
)
