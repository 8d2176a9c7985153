// Package inbound receives webhook events for endpoints and fans them out
// to the endpoint's forward URLs as task/execution pairs.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/observability"
	"github.com/hooklinehq/hookline/internal/store"
)

const (
	maxForwards = 10

	// Dispatch is intentionally delayed so the receiving handler can return
	// 2xx before any downstream call happens.
	dispatchDelay = time.Second
)

var (
	// ErrEndpointDisabled rejects events for endpoints turned off by the
	// tenant.
	ErrEndpointDisabled = errors.New("endpoint disabled")
	// ErrTaskDeleted means a replay found none of the event's tasks alive.
	ErrTaskDeleted = errors.New("task_deleted")
)

// hop-by-hop and transport headers never forwarded downstream.
var skipHeaders = map[string]bool{
	"host":              true,
	"content-length":    true,
	"connection":        true,
	"transfer-encoding": true,
	"upgrade":           true,
	"keep-alive":        true,
	"te":                true,
	"trailer":           true,
	"proxy-connection":  true,
}

// Request is the inbound HTTP request, already read by the transport layer.
type Request struct {
	Method   string
	Headers  map[string]string
	Body     string
	SourceIP string
}

// Dispatcher persists inbound events and synthesizes executions for each
// forward URL.
type Dispatcher struct {
	st    store.Store
	wake  func()
	clock func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithWake registers a worker-pool nudge fired after fan-out.
func WithWake(fn func()) Option {
	return func(d *Dispatcher) { d.wake = fn }
}

// WithClock overrides the time source. Tests only.
func WithClock(fn func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = fn }
}

// New creates a Dispatcher.
func New(st store.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		st:    st,
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ReceiveEvent handles one request against the endpoint with the given
// slug: persist the event, fan out a task and pending execution per forward
// URL, and record the generated task ids on the event for replay.
func (d *Dispatcher) ReceiveEvent(ctx context.Context, slug string, req Request) (*store.InboundEvent, error) {
	ep, err := d.st.GetEndpointBySlug(ctx, slug)
	if err != nil {
		observability.InboundEvents.WithLabelValues("unknown").Inc()
		return nil, err
	}
	if !ep.Enabled {
		observability.InboundEvents.WithLabelValues("disabled").Inc()
		return nil, ErrEndpointDisabled
	}

	now := d.clock()
	ev := &store.InboundEvent{
		EndpointID: ep.ID,
		TenantID:   ep.TenantID,
		Method:     req.Method,
		Headers:    req.Headers,
		Body:       req.Body,
		SourceIP:   req.SourceIP,
		ReceivedAt: now,
	}
	if err := d.st.CreateInboundEvent(ctx, ev); err != nil {
		return nil, err
	}

	forwards := ep.ForwardURLs
	if len(forwards) > maxForwards {
		forwards = forwards[:maxForwards]
	}

	queue := ""
	if ep.UseQueue {
		queue = Slugify(ep.Name)
	}
	scheduledFor := now.Add(dispatchDelay)

	taskIDs := make([]int64, 0, len(forwards))
	for i, target := range forwards {
		task := &store.Task{
			TenantID:         ep.TenantID,
			Name:             fmt.Sprintf("%s/%d.%d", ep.Slug, ev.ID, i+1),
			URL:              target,
			Method:           req.Method,
			Headers:          forwardHeaders(req.Headers),
			Body:             req.Body,
			ScheduleType:     store.ScheduleOnce,
			Enabled:          true,
			Queue:            queue,
			TimeoutMS:        ep.TimeoutMS,
			RetryAttempts:    ep.RetryAttempts,
			AlertOnFailure:   ep.AlertOnFailure,
			CallbackURL:      ep.CallbackURL,
			SourceEndpointID: &ep.ID,
			InsertedAt:       now,
		}
		if err := d.st.CreateTask(ctx, task); err != nil {
			return nil, err
		}
		if err := d.st.CreateExecution(ctx, &store.Execution{
			TaskID:       task.ID,
			TenantID:     ep.TenantID,
			Status:       store.StatusPending,
			ScheduledFor: scheduledFor,
			Attempt:      1,
		}); err != nil {
			return nil, err
		}
		taskIDs = append(taskIDs, task.ID)
	}

	if err := d.st.SetInboundEventTasks(ctx, ev.ID, taskIDs); err != nil {
		return nil, err
	}
	ev.TaskIDs = taskIDs

	observability.InboundEvents.WithLabelValues("accepted").Inc()
	log.WithComponent("inbound").Info().
		Str("slug", slug).Int64("event_id", ev.ID).Int("forwards", len(taskIDs)).
		Msg("event received")

	if d.wake != nil && len(taskIDs) > 0 {
		d.wake()
	}
	return ev, nil
}

// ReplayEvent re-creates pending executions for every live task recorded on
// the event. Deleted tasks are skipped; if none survive, ErrTaskDeleted.
func (d *Dispatcher) ReplayEvent(ctx context.Context, tenantID string, eventID int64) ([]*store.Execution, error) {
	ev, err := d.st.GetInboundEvent(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}

	scheduledFor := d.clock().Add(dispatchDelay)
	var execs []*store.Execution
	for _, taskID := range ev.TaskIDs {
		task, err := d.st.GetTask(ctx, tenantID, taskID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		e := &store.Execution{
			TaskID:       task.ID,
			TenantID:     tenantID,
			Status:       store.StatusPending,
			ScheduledFor: scheduledFor,
			Attempt:      1,
		}
		if err := d.st.CreateExecution(ctx, e); err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	if len(execs) == 0 {
		return nil, ErrTaskDeleted
	}
	if d.wake != nil {
		d.wake()
	}
	return execs, nil
}

func forwardHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if skipHeaders[strings.ToLower(k)] {
			continue
		}
		out[k] = v
	}
	return out
}

// Slugify lowercases a name and collapses runs of non-alphanumerics into
// single hyphens: "Stripe Hooks" -> "stripe-hooks".
func Slugify(name string) string {
	var b strings.Builder
	prevDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
