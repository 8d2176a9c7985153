// Package monitor tracks heartbeat monitors: pings keep them up, and a
// periodic scan marks overdue ones down.
package monitor

import (
	"context"
	"time"

	"github.com/hooklinehq/hookline/internal/cron"
	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/notify"
	"github.com/hooklinehq/hookline/internal/observability"
	"github.com/hooklinehq/hookline/internal/store"
)

// LeaderGate reports whether this process should run the overdue scan.
type LeaderGate interface {
	IsLeader() bool
}

// Checker scans for overdue monitors and records pings.
type Checker struct {
	st       store.Store
	alerter  *notify.Alerter
	interval time.Duration
	leader   LeaderGate
	clock    func() time.Time
}

// Option customizes a Checker.
type Option func(*Checker)

// WithLeader gates the scan behind a leader lease.
func WithLeader(g LeaderGate) Option {
	return func(c *Checker) { c.leader = g }
}

// WithClock overrides the time source. Tests only.
func WithClock(fn func() time.Time) Option {
	return func(c *Checker) { c.clock = fn }
}

// New creates a Checker scanning at the given interval.
func New(st store.Store, alerter *notify.Alerter, interval time.Duration, opts ...Option) *Checker {
	c := &Checker{
		st:       st,
		alerter:  alerter,
		interval: interval,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run scans until the context is cancelled.
func (c *Checker) Run(ctx context.Context) error {
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
			if err := c.CheckOnce(ctx, c.clock()); err != nil {
				log.WithComponent("monitor").Error().Err(err).Msg("overdue scan failed")
			}
		}
	}
}

// CheckOnce transitions every overdue monitor to down and enqueues a
// monitor-down alert for each.
func (c *Checker) CheckOnce(ctx context.Context, now time.Time) error {
	overdue, err := c.st.ListOverdueMonitors(ctx, now)
	if err != nil {
		return err
	}
	for _, m := range overdue {
		m.Status = store.MonitorDown
		if err := c.st.UpdateMonitor(ctx, m); err != nil {
			log.WithComponent("monitor").Error().Err(err).
				Int64("monitor_id", m.ID).Msg("down transition failed")
			continue
		}
		observability.MonitorTransitions.WithLabelValues("down").Inc()
		log.WithComponent("monitor").Warn().
			Int64("monitor_id", m.ID).Str("name", m.Name).Msg("monitor down")

		tenant, err := c.st.GetTenant(ctx, m.TenantID)
		if err != nil {
			log.WithComponent("monitor").Error().Err(err).
				Str("tenant_id", m.TenantID).Msg("tenant fetch failed")
			continue
		}
		c.alerter.MonitorDown(ctx, tenant, m)
	}
	return nil
}

// RecordPing records a heartbeat for the monitor owning the token: stamps
// last_ping_at, computes the next expected instant from the schedule, and
// transitions the monitor up. A ping on a down monitor is a recovery. Paused
// monitors record the ping but keep their status. Disabled or unknown tokens
// are a not-found.
func (c *Checker) RecordPing(ctx context.Context, token string) (*store.Monitor, error) {
	m, err := c.st.GetMonitorByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !m.Enabled {
		return nil, store.ErrNotFound
	}

	now := c.clock()
	m.LastPingAt = &now
	next := c.nextExpected(m, now)
	m.NextExpectedAt = next

	wasDown := m.Status == store.MonitorDown
	if m.Status != store.MonitorPaused {
		m.Status = store.MonitorUp
	}

	if err := c.st.UpdateMonitor(ctx, m); err != nil {
		return nil, err
	}

	if wasDown && m.Status == store.MonitorUp {
		observability.MonitorTransitions.WithLabelValues("up").Inc()
		log.WithComponent("monitor").Info().
			Int64("monitor_id", m.ID).Str("name", m.Name).Msg("monitor recovered")
		tenant, err := c.st.GetTenant(ctx, m.TenantID)
		if err == nil {
			c.alerter.MonitorRecovered(ctx, tenant, m)
		}
	}
	return m, nil
}

func (c *Checker) nextExpected(m *store.Monitor, from time.Time) *time.Time {
	switch m.ScheduleType {
	case store.ScheduleCron:
		next := cron.NextAfter(m.CronExpression, from)
		if next.IsZero() {
			return nil
		}
		return &next
	default:
		if m.IntervalSeconds <= 0 {
			return nil
		}
		next := from.Add(time.Duration(m.IntervalSeconds) * time.Second)
		return &next
	}
}
