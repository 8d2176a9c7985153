// Package scheduler turns due next_run_at values into execution rows. A
// single logical instance runs the tick; replicas gate it behind the leader
// lease so the materialization pass happens once per interval.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/hooklinehq/hookline/internal/counter"
	"github.com/hooklinehq/hookline/internal/cron"
	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/observability"
	"github.com/hooklinehq/hookline/internal/store"
)

const (
	dueBatchSize      = 500
	maxMatchesPerTick = 1000
)

// LeaderGate reports whether this process currently holds the scheduler
// lease. A nil gate means single-instance mode: always leader.
type LeaderGate interface {
	IsLeader() bool
}

// Scheduler materializes executions for due tasks on a periodic tick.
type Scheduler struct {
	st      store.Store
	counter *counter.Counter

	tick      time.Duration
	lookahead time.Duration
	grace     time.Duration
	capFree   int64

	leader LeaderGate
	wake   func()
	clock  func() time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLeader gates the tick behind a leader lease.
func WithLeader(g LeaderGate) Option {
	return func(s *Scheduler) { s.leader = g }
}

// WithWake registers a callback invoked after a tick that created pending
// work, so the worker pool can react without waiting for its own poll.
func WithWake(fn func()) Option {
	return func(s *Scheduler) { s.wake = fn }
}

// WithClock overrides the time source. Tests only.
func WithClock(fn func() time.Time) Option {
	return func(s *Scheduler) { s.clock = fn }
}

// New creates a Scheduler. grace is the default grace window; per-task grace
// widens with the task's interval, never below this default. capFree is the
// free-tier monthly execution cap; zero disables cap checks.
func New(st store.Store, ctr *counter.Counter, tick, lookahead, grace time.Duration, capFree int64, opts ...Option) *Scheduler {
	s := &Scheduler{
		st:        st,
		counter:   ctr,
		tick:      tick,
		lookahead: lookahead,
		grace:     grace,
		capFree:   capFree,
		clock:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.leader != nil && !s.leader.IsLeader() {
				continue
			}
			start := time.Now()
			created, err := s.Tick(ctx, s.clock())
			observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				log.WithComponent("scheduler").Error().Err(err).Msg("tick failed")
				continue
			}
			if created > 0 && s.wake != nil {
				s.wake()
			}
		}
	}
}

// Tick runs one materialization pass as of now and returns the number of
// pending executions created. Safe to call twice at the same instant: the
// (task_id, scheduled_for) uniqueness on executions makes re-creation a
// no-op, and next_run_at only moves forward.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	horizon := now.Add(s.lookahead)
	tasks, err := s.st.ListDueTasks(ctx, horizon, dueBatchSize)
	if err != nil {
		return 0, err
	}

	tenants := make(map[string]*store.Tenant)
	created := 0
	for _, t := range tasks {
		n, err := s.materialize(ctx, t, now, horizon, tenants)
		if err != nil {
			log.WithComponent("scheduler").Error().Err(err).
				Int64("task_id", t.ID).Msg("materialize failed")
			continue
		}
		created += n
	}
	return created, nil
}

func (s *Scheduler) materialize(ctx context.Context, t *store.Task, now, horizon time.Time, tenants map[string]*store.Tenant) (int, error) {
	switch t.ScheduleType {
	case store.ScheduleOnce:
		return s.materializeOnce(ctx, t, tenants)
	case store.ScheduleCron:
		return s.materializeCron(ctx, t, now, horizon, tenants)
	default:
		// Interval schedules belong to monitors; a task carrying one is a
		// data bug. Clear next_run_at so it stops surfacing as due.
		log.WithComponent("scheduler").Warn().
			Int64("task_id", t.ID).Str("schedule_type", string(t.ScheduleType)).
			Msg("unschedulable task, clearing next_run_at")
		return 0, s.st.SetTaskNextRun(ctx, t.ID, nil)
	}
}

// materializeOnce creates the single execution at the stored next_run_at
// and clears next_run_at. A once task whose instant has long passed still
// dispatches; the user asked for exactly one call.
func (s *Scheduler) materializeOnce(ctx context.Context, t *store.Task, tenants map[string]*store.Tenant) (int, error) {
	at := *t.NextRunAt
	created := 0
	if s.underCap(ctx, t.TenantID, tenants) {
		err := s.st.CreateExecution(ctx, &store.Execution{
			TaskID:       t.ID,
			TenantID:     t.TenantID,
			Status:       store.StatusPending,
			ScheduledFor: at,
			Attempt:      1,
		})
		switch {
		case err == nil:
			observability.SchedulerMaterialized.WithLabelValues("pending").Inc()
			created = 1
		case errors.Is(err, store.ErrDuplicate):
			// Crash between create and advance; the row is already there.
		default:
			return 0, err
		}
	} else {
		observability.SchedulerMaterialized.WithLabelValues("skipped_cap").Inc()
	}
	return created, s.st.SetTaskNextRun(ctx, t.ID, nil)
}

func (s *Scheduler) materializeCron(ctx context.Context, t *store.Task, now, horizon time.Time, tenants map[string]*store.Tenant) (int, error) {
	sched, err := cron.Parse(t.CronExpression)
	if err != nil {
		// Invalid expressions are rejected at the command surface; a stored
		// one means the row predates validation. Park the task.
		log.WithComponent("scheduler").Error().Err(err).
			Int64("task_id", t.ID).Msg("unparseable cron expression, clearing next_run_at")
		return 0, s.st.SetTaskNextRun(ctx, t.ID, nil)
	}

	grace := s.graceFor(t)
	created := 0
	match := *t.NextRunAt
	last := match
	for n := 0; !match.After(horizon); n++ {
		if n >= maxMatchesPerTick {
			// A task parked for a very long time generates an unbounded
			// backlog of missed rows. Process the rest on later ticks.
			return created, s.st.SetTaskNextRun(ctx, t.ID, &match)
		}
		last = match
		next := sched.Next(match)

		if match.Before(t.InsertedAt) {
			// A task created mid-window does not get synthetic runs for
			// instants before it existed.
			match = next
			continue
		}

		status := store.StatusPending
		var finished *time.Time
		if now.Sub(match) > grace {
			status = store.StatusMissed
			f := now
			finished = &f
		}

		if !s.underCap(ctx, t.TenantID, tenants) {
			observability.SchedulerMaterialized.WithLabelValues("skipped_cap").Inc()
			match = next
			continue
		}

		err := s.st.CreateExecution(ctx, &store.Execution{
			TaskID:       t.ID,
			TenantID:     t.TenantID,
			Status:       status,
			ScheduledFor: match,
			FinishedAt:   finished,
			Attempt:      1,
		})
		switch {
		case err == nil:
			if status == store.StatusMissed {
				observability.SchedulerMaterialized.WithLabelValues("missed").Inc()
				// Missed rows are terminal first attempts; they count
				// against the month here since no worker will touch them.
				s.counter.Incr(t.TenantID)
			} else {
				observability.SchedulerMaterialized.WithLabelValues("pending").Inc()
				created++
			}
		case errors.Is(err, store.ErrDuplicate):
			// Already materialized on a previous tick.
		default:
			return created, err
		}
		match = next
	}

	next := sched.Next(last)
	return created, s.st.SetTaskNextRun(ctx, t.ID, &next)
}

// graceFor widens the grace window for sparse schedules: half the schedule
// interval, never below the configured default.
func (s *Scheduler) graceFor(t *store.Task) time.Duration {
	g := s.grace
	if iv := time.Duration(t.IntervalMinutes) * time.Minute / 2; iv > g {
		g = iv
	}
	return g
}

// underCap reports whether the tenant can still create executions this
// month. Pro tenants are uncapped. Lookup failures log and allow: a flaky
// tenant read should not silently drop scheduled work.
func (s *Scheduler) underCap(ctx context.Context, tenantID string, tenants map[string]*store.Tenant) bool {
	if s.capFree <= 0 {
		return true
	}
	tn, ok := tenants[tenantID]
	if !ok {
		var err error
		tn, err = s.st.GetTenant(ctx, tenantID)
		if err != nil {
			log.WithComponent("scheduler").Error().Err(err).
				Str("tenant_id", tenantID).Msg("tenant lookup failed, allowing")
			return true
		}
		tenants[tenantID] = tn
	}
	if tn.Plan == store.PlanPro {
		return true
	}
	cur, err := s.counter.Current(ctx, tenantID)
	if err != nil {
		return true
	}
	return cur < s.capFree
}
