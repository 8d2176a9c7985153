// Package blocker implements the per-destination circuit breaker: an
// in-process table keyed by (tenant, host) that defers dispatch after
// repeated failures or explicit rate-limit signals.
package blocker

import (
	"sync"
	"time"

	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/observability"
)

// Reason labels why a host was blocked.
type Reason string

const (
	ReasonRateLimited Reason = "rate_limited"
	ReasonFailures    Reason = "failures"
)

type hostState struct {
	blockedUntil        time.Time
	consecutiveFailures int
	level               int
}

// HostBlocker tracks block state per (tenant, host). Rebuilt empty on
// process start; blocks are advisory, not durable.
type HostBlocker struct {
	mu            sync.Mutex
	hosts         map[string]*hostState
	failThreshold int
	base          time.Duration
	cap           time.Duration
	now           func() time.Time
}

// Option tweaks a HostBlocker, used by tests to pin the clock.
type Option func(*HostBlocker)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(b *HostBlocker) { b.now = now }
}

// New creates a HostBlocker. failThreshold consecutive failures trip a
// block of base duration, doubling per fresh block up to cap.
func New(failThreshold int, base, cap time.Duration, opts ...Option) *HostBlocker {
	b := &HostBlocker{
		hosts:         make(map[string]*hostState),
		failThreshold: failThreshold,
		base:          base,
		cap:           cap,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func key(tenantID, host string) string {
	return tenantID + "\x00" + host
}

// Block sets an explicit block, escalating the level for the next one.
func (b *HostBlocker) Block(tenantID, host string, d time.Duration, reason Reason) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(tenantID, host)
	st.blockedUntil = b.now().Add(d)
	st.level++

	observability.HostBlocks.WithLabelValues(string(reason)).Inc()
	log.WithComponent("blocker").Warn().
		Str("tenant_id", tenantID).
		Str("host", host).
		Dur("duration", d).
		Str("reason", string(reason)).
		Msg("host blocked")
}

// RecordFailure notes a failed dispatch. Once the consecutive failure count
// reaches the threshold, the host is blocked with escalating backoff and the
// count resets so the next trip requires a fresh run of failures.
func (b *HostBlocker) RecordFailure(tenantID, host string) {
	b.mu.Lock()

	st := b.state(tenantID, host)
	st.consecutiveFailures++
	if st.consecutiveFailures < b.failThreshold {
		b.mu.Unlock()
		return
	}
	st.consecutiveFailures = 0

	d := b.base << st.level
	if d > b.cap || d <= 0 {
		d = b.cap
	}
	b.mu.Unlock()

	b.Block(tenantID, host, d, ReasonFailures)
}

// RecordSuccess clears failure accounting and the escalation level.
func (b *HostBlocker) RecordSuccess(tenantID, host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.hosts[key(tenantID, host)]; ok {
		st.consecutiveFailures = 0
		st.level = 0
		st.blockedUntil = time.Time{}
	}
}

// BlockedUntil returns the block expiry for (tenant, host) when an active
// block exists.
func (b *HostBlocker) BlockedUntil(tenantID, host string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.hosts[key(tenantID, host)]
	if !ok || !st.blockedUntil.After(b.now()) {
		return time.Time{}, false
	}
	return st.blockedUntil, true
}

// Blocked reports whether (tenant, host) is currently blocked.
func (b *HostBlocker) Blocked(tenantID, host string) bool {
	_, ok := b.BlockedUntil(tenantID, host)
	return ok
}

// state returns the entry for (tenant, host), creating it if needed.
// Caller holds b.mu.
func (b *HostBlocker) state(tenantID, host string) *hostState {
	k := key(tenantID, host)
	st, ok := b.hosts[k]
	if !ok {
		st = &hostState{}
		b.hosts[k] = st
	}
	return st
}
