// Package worker claims pending executions and dispatches them over HTTP.
// The pool sizes itself against the pending backlog between a configured
// min and max; idle workers shut down on their own.
package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hooklinehq/hookline/internal/blocker"
	"github.com/hooklinehq/hookline/internal/counter"
	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/notify"
	"github.com/hooklinehq/hookline/internal/observability"
	"github.com/hooklinehq/hookline/internal/store"
)

const orphanSlack = 30 * time.Second

// EventSink receives terminal execution states for live streaming. May be
// nil.
type EventSink interface {
	ExecutionFinished(task *store.Task, e *store.Execution)
}

// Pool is the dispatch pool and its controller.
type Pool struct {
	st        store.Store
	blocker   *blocker.HostBlocker
	counter   *counter.Counter
	callbacks *notify.CallbackDispatcher
	alerter   *notify.Alerter
	events    EventSink

	client    *http.Client
	min       int
	max       int
	idlePolls int
	poll      time.Duration
	tick      time.Duration
	clock     func() time.Time

	wake   chan struct{}
	active atomic.Int32
	wg     sync.WaitGroup
}

// Option customizes a Pool.
type Option func(*Pool)

// WithHTTPClient overrides the dispatch client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pool) { p.client = c }
}

// WithPollInterval overrides the idle claim interval. Tests only.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.poll = d }
}

// WithClock overrides the time source. Tests only.
func WithClock(fn func() time.Time) Option {
	return func(p *Pool) { p.clock = fn }
}

// WithEvents attaches a live event sink.
func WithEvents(s EventSink) Option {
	return func(p *Pool) { p.events = s }
}

// New creates a Pool sized between min and max workers; a worker exits
// after idlePolls consecutive empty claims.
func New(st store.Store, bl *blocker.HostBlocker, ctr *counter.Counter, cb *notify.CallbackDispatcher, al *notify.Alerter, min, max, idlePolls int, opts ...Option) *Pool {
	p := &Pool{
		st:        st,
		blocker:   bl,
		counter:   ctr,
		callbacks: cb,
		alerter:   al,
		client:    &http.Client{},
		min:       min,
		max:       max,
		idlePolls: idlePolls,
		poll:      time.Second,
		tick:      time.Second,
		clock:     func() time.Time { return time.Now().UTC() },
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Wake nudges the controller to resize immediately, bypassing the tick.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drives the controller loop until the context is cancelled, then waits
// for in-flight workers to finish their current dispatch.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	p.resize(ctx)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			p.resize(ctx)
			p.sweep(ctx)
		case <-p.wake:
			p.resize(ctx)
		}
	}
}

// resize spawns workers up to min(max, max(min, pending depth)).
func (p *Pool) resize(ctx context.Context) {
	depth, err := p.st.PendingDepth(ctx, p.clock())
	if err != nil {
		log.WithComponent("pool").Error().Err(err).Msg("pending depth query failed")
		return
	}
	observability.PendingDepth.Set(float64(depth))

	target := depth
	if target < p.min {
		target = p.min
	}
	if target > p.max {
		target = p.max
	}
	for int(p.active.Load()) < target {
		p.spawn(ctx)
	}
}

func (p *Pool) spawn(ctx context.Context) {
	p.active.Add(1)
	observability.ActiveWorkers.Set(float64(p.active.Load()))
	p.wg.Add(1)
	go func() {
		defer func() {
			p.active.Add(-1)
			observability.ActiveWorkers.Set(float64(p.active.Load()))
			p.wg.Done()
		}()
		p.runWorker(ctx)
	}()
}

func (p *Pool) sweep(ctx context.Context) {
	n, err := p.st.SweepOrphans(ctx, p.clock(), orphanSlack)
	if err != nil {
		log.WithComponent("pool").Error().Err(err).Msg("orphan sweep failed")
		return
	}
	if n > 0 {
		observability.OrphanPromotions.Add(float64(n))
		log.WithComponent("pool").Warn().Int64("count", n).Msg("promoted orphaned executions to timeout")
	}
}

// runWorker loops claim -> dispatch -> update until the context ends or
// idlePolls consecutive claims come back empty.
func (p *Pool) runWorker(ctx context.Context) {
	idle := 0
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		e, err := p.st.ClaimNextExecution(ctx, p.clock())
		observability.ClaimLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithComponent("worker").Error().Err(err).Msg("claim failed")
			if !p.sleep(ctx) {
				return
			}
			continue
		}
		if e == nil {
			idle++
			if idle >= p.idlePolls {
				return
			}
			if !p.sleep(ctx) {
				return
			}
			continue
		}
		idle = 0
		p.dispatch(ctx, e)
	}
}

func (p *Pool) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(p.poll):
		return true
	}
}

// dispatch runs one claimed execution to a terminal state (or returns it to
// pending when the destination host is blocked).
func (p *Pool) dispatch(ctx context.Context, e *store.Execution) {
	lg := log.WithComponent("worker").With().
		Int64("execution_id", e.ID).Int64("task_id", e.TaskID).
		Int("attempt", e.Attempt).Logger()

	task, err := p.st.GetTaskAny(ctx, e.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		// Task vanished between claim and fetch; cancel the attempt.
		p.finish(ctx, &store.Result{
			ExecutionID: e.ID,
			Status:      store.StatusCancelled,
			FinishedAt:  p.clock(),
		})
		return
	}
	if err != nil {
		lg.Error().Err(err).Msg("task fetch failed")
		return
	}

	host := hostOf(task.URL)
	if until, ok := p.blocker.BlockedUntil(task.TenantID, host); ok {
		observability.BlockedDeferrals.Inc()
		lg.Debug().Str("host", host).Time("until", until).Msg("host blocked, deferring")
		if err := p.st.RescheduleExecution(ctx, e.ID, until); err != nil && !errors.Is(err, store.ErrRowGone) {
			lg.Error().Err(err).Msg("reschedule failed")
		}
		return
	}

	r := p.do(ctx, task, e)
	now := p.clock()
	out := classify(task, r)
	observability.DispatchDuration.WithLabelValues(out.String()).Observe(r.duration.Seconds())

	res := &store.Result{
		ExecutionID: e.ID,
		FinishedAt:  now,
		DurationMS:  r.duration.Milliseconds(),
	}
	switch {
	case r.err != nil:
		res.ErrorMessage = r.err.Error()
		if isTimeout(r.err) {
			res.Status = store.StatusTimeout
		} else {
			res.Status = store.StatusFailed
		}
	case out == outcomeSuccess:
		res.Status = store.StatusSuccess
		res.StatusCode = &r.statusCode
		res.ResponseBody = truncate(r.body, maxBodyStore)
	default:
		res.Status = store.StatusFailed
		res.StatusCode = &r.statusCode
		res.ResponseBody = truncate(r.body, maxBodyStore)
		res.ErrorMessage = "response assertions not met"
	}

	if out == outcomeTransient && e.Attempt < task.RetryAttempts+1 {
		delay := backoff(e.Attempt)
		if ra, ok := parseRetryAfter(r.retryAfter, now); ok && ra > 0 {
			delay = ra
		}
		res.Retry = &store.Execution{
			TaskID:       task.ID,
			TenantID:     task.TenantID,
			Status:       store.StatusPending,
			ScheduledFor: now.Add(delay),
			Attempt:      e.Attempt + 1,
			CallbackURL:  e.CallbackURL,
		}
		observability.RetriesTotal.Inc()
	}

	p.updateBlocker(task.TenantID, host, r, out, now)

	if err := p.finish(ctx, res); err != nil {
		return
	}
	observability.ExecutionsTotal.WithLabelValues(string(res.Status)).Inc()
	lg.Info().Str("status", string(res.Status)).
		Int("status_code", r.statusCode).
		Int64("duration_ms", res.DurationMS).
		Msg("execution finished")

	// First-attempt terminal transitions are the billable unit; retries of
	// the same logical run never count again.
	if e.Attempt == 1 {
		p.counter.Incr(task.TenantID)
	}

	p.notifyTerminal(ctx, task, e, res)
}

// finish writes the terminal state; a vanished row (another writer won) is
// swallowed per the poison-execution rule.
func (p *Pool) finish(ctx context.Context, res *store.Result) error {
	err := p.st.FinishExecution(ctx, res)
	if errors.Is(err, store.ErrRowGone) {
		log.WithComponent("worker").Warn().
			Int64("execution_id", res.ExecutionID).
			Msg("execution row no longer running, skipping")
		return err
	}
	if err != nil {
		log.WithComponent("worker").Error().Err(err).
			Int64("execution_id", res.ExecutionID).
			Msg("terminal update failed")
	}
	return err
}

func (p *Pool) updateBlocker(tenantID, host string, r response, out outcome, now time.Time) {
	switch {
	case r.err == nil && r.statusCode == http.StatusTooManyRequests:
		d := blockDurationFor429(r.retryAfter, now)
		p.blocker.Block(tenantID, host, d, blocker.ReasonRateLimited)
	case r.err != nil || r.statusCode >= 500:
		p.blocker.RecordFailure(tenantID, host)
	case out == outcomeSuccess:
		p.blocker.RecordSuccess(tenantID, host)
	}
}

// blockDurationFor429 honors Retry-After clamped to [1s, 24h]; absent or
// unparseable headers fall back to the backoff base.
func blockDurationFor429(retryAfter string, now time.Time) time.Duration {
	d := backoffBase
	if ra, ok := parseRetryAfter(retryAfter, now); ok {
		d = ra
	}
	if d < time.Second {
		d = time.Second
	}
	if d > rateLimitBlockCap {
		d = rateLimitBlockCap
	}
	return d
}

// notifyTerminal fans out callbacks, alert emails, and live events for a
// terminal execution.
func (p *Pool) notifyTerminal(ctx context.Context, task *store.Task, e *store.Execution, res *store.Result) {
	final := *e
	final.Status = res.Status
	f := res.FinishedAt
	final.FinishedAt = &f
	final.StatusCode = res.StatusCode
	d := res.DurationMS
	final.DurationMS = &d
	final.ErrorMessage = res.ErrorMessage
	final.ResponseBody = res.ResponseBody

	if p.events != nil {
		p.events.ExecutionFinished(task, &final)
	}

	tenant, err := p.st.GetTenant(ctx, task.TenantID)
	if err != nil {
		log.WithComponent("worker").Error().Err(err).
			Str("tenant_id", task.TenantID).Msg("tenant fetch for notification failed")
		return
	}

	recovered := false
	if res.Status == store.StatusSuccess {
		prev, err := p.st.PrevTerminalStatus(ctx, task.ID, e.ID)
		if err == nil && (prev == store.StatusFailed || prev == store.StatusTimeout) {
			recovered = true
		}
	}

	callbackURL := e.CallbackURL
	if callbackURL == "" {
		callbackURL = task.CallbackURL
	}
	if callbackURL != "" {
		cb := notify.NewCallback(callbackURL, tenant.WebhookSecret, task, &final)
		if recovered {
			cb.Payload.Event = notify.EventTaskRecovered
		}
		p.callbacks.Enqueue(cb)
	}

	failed := res.Status == store.StatusFailed || res.Status == store.StatusTimeout
	if failed && res.Retry == nil {
		p.alerter.TaskFailed(ctx, tenant, task, &final)
	}
	if recovered {
		p.alerter.TaskRecovered(ctx, tenant, task)
	}
}
