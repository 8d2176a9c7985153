// Package cleanup purges aged rows on a periodic, leader-gated pass:
// executions past their tier's retention, soft-deleted tasks, old email
// logs. The monthly counter reset rides along since it shares the cadence.
package cleanup

import (
	"context"
	"time"

	"github.com/hooklinehq/hookline/internal/counter"
	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/observability"
	"github.com/hooklinehq/hookline/internal/store"
)

const (
	// Soft-deleted tasks and email logs share one retention independent of
	// tier.
	deletedTaskRetention = 30 * 24 * time.Hour
	emailLogRetention    = 30 * 24 * time.Hour
)

// LeaderGate reports whether this process should run the purge pass.
type LeaderGate interface {
	IsLeader() bool
}

// Cleaner drives the retention loop.
type Cleaner struct {
	st       store.Store
	counter  *counter.Counter
	freeDays int
	proDays  int
	interval time.Duration
	leader   LeaderGate
	clock    func() time.Time
}

// Option customizes a Cleaner.
type Option func(*Cleaner)

// WithLeader gates the pass behind a leader lease.
func WithLeader(g LeaderGate) Option {
	return func(c *Cleaner) { c.leader = g }
}

// WithClock overrides the time source. Tests only.
func WithClock(fn func() time.Time) Option {
	return func(c *Cleaner) { c.clock = fn }
}

// New creates a Cleaner purging at the given interval with per-tier
// execution retention in days.
func New(st store.Store, ctr *counter.Counter, freeDays, proDays int, interval time.Duration, opts ...Option) *Cleaner {
	c := &Cleaner{
		st:       st,
		counter:  ctr,
		freeDays: freeDays,
		proDays:  proDays,
		interval: interval,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run purges until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.leader != nil && !c.leader.IsLeader() {
				continue
			}
			c.RunOnce(ctx, c.clock())
		}
	}
}

// RunOnce performs a single purge pass as of now. Each purge fails
// independently; one bad table never starves the others.
func (c *Cleaner) RunOnce(ctx context.Context, now time.Time) {
	lg := log.WithComponent("cleanup")

	if n, err := c.st.PurgeExecutions(ctx, now, c.freeDays, c.proDays); err != nil {
		lg.Error().Err(err).Msg("execution purge failed")
	} else if n > 0 {
		observability.CleanupPurged.WithLabelValues("executions").Add(float64(n))
		lg.Info().Int64("count", n).Msg("purged executions")
	}

	if n, err := c.st.PurgeSoftDeletedTasks(ctx, now.Add(-deletedTaskRetention)); err != nil {
		lg.Error().Err(err).Msg("task purge failed")
	} else if n > 0 {
		observability.CleanupPurged.WithLabelValues("tasks").Add(float64(n))
		lg.Info().Int64("count", n).Msg("purged soft-deleted tasks")
	}

	if n, err := c.st.PurgeEmailLogs(ctx, now.Add(-emailLogRetention)); err != nil {
		lg.Error().Err(err).Msg("email log purge failed")
	} else if n > 0 {
		observability.CleanupPurged.WithLabelValues("email_logs").Add(float64(n))
	}

	if err := c.counter.ResetMonthly(ctx, now); err != nil {
		lg.Error().Err(err).Msg("monthly counter reset failed")
	}
}
