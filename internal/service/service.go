// Package service is the command surface the API layer drives: task,
// monitor, and endpoint lifecycle, batches, queue control, and sync. It
// validates input, enforces tier limits, and leaves runtime behavior to the
// scheduler and worker pool.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hooklinehq/hookline/internal/counter"
	"github.com/hooklinehq/hookline/internal/cron"
	"github.com/hooklinehq/hookline/internal/inbound"
	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/store"
)

const maxBatchItems = 1000

// Service executes validated commands against the store.
type Service struct {
	st      store.Store
	counter *counter.Counter
	capFree int64
	clock   func() time.Time
	wake    func()
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source. Tests only.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.clock = fn }
}

// WithWake registers a worker-pool nudge for commands that create
// immediately-runnable work.
func WithWake(fn func()) Option {
	return func(s *Service) { s.wake = fn }
}

// New creates a Service. capFree is the free-tier monthly execution cap;
// zero disables cap checks.
func New(st store.Store, ctr *counter.Counter, capFree int64, opts ...Option) *Service {
	s := &Service{
		st:      st,
		counter: ctr,
		capFree: capFree,
		clock:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateTenant registers a tenant with a fresh webhook secret.
func (s *Service) CreateTenant(ctx context.Context, t *store.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Plan == "" {
		t.Plan = store.PlanFree
	}
	if t.WebhookSecret == "" {
		t.WebhookSecret = uuid.NewString()
	}
	if t.MonthlyExecutionResetAt.IsZero() {
		t.MonthlyExecutionResetAt = s.clock()
	}
	return s.st.CreateTenant(ctx, t)
}

// CreateTask validates and persists a task, computing its first
// next_run_at.
func (s *Service) CreateTask(ctx context.Context, tenantID string, t *store.Task) (*store.Task, error) {
	tenant, err := s.st.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := validateTask(t, tenant.Plan); err != nil {
		return nil, err
	}
	now := s.clock()
	if t.ScheduleType == store.ScheduleOnce && !t.ScheduledAt.After(now) {
		return nil, invalid("scheduled_at", "must be in the future")
	}

	t.TenantID = tenantID
	t.Enabled = true
	t.InsertedAt = now
	t.NextRunAt = s.firstRun(t, now)
	if err := s.st.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	log.WithComponent("service").Info().
		Str("tenant_id", tenantID).Int64("task_id", t.ID).Str("name", t.Name).
		Msg("task created")
	return t, nil
}

// UpdateTask replaces the mutable fields of a task and recomputes
// next_run_at when the schedule changed.
func (s *Service) UpdateTask(ctx context.Context, tenantID string, t *store.Task) (*store.Task, error) {
	tenant, err := s.st.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	cur, err := s.st.GetTask(ctx, tenantID, t.ID)
	if err != nil {
		return nil, err
	}
	if err := validateTask(t, tenant.Plan); err != nil {
		return nil, err
	}

	t.TenantID = tenantID
	t.InsertedAt = cur.InsertedAt
	scheduleChanged := t.ScheduleType != cur.ScheduleType ||
		t.CronExpression != cur.CronExpression ||
		!timePtrEqual(t.ScheduledAt, cur.ScheduledAt)
	if !cur.Enabled && !t.Enabled {
		t.NextRunAt = nil
	} else if scheduleChanged || (t.Enabled && !cur.Enabled) {
		t.NextRunAt = s.firstRun(t, s.clock())
	} else {
		t.NextRunAt = cur.NextRunAt
	}
	if err := s.st.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// SoftDeleteTask removes a task from every listing and scheduling query.
func (s *Service) SoftDeleteTask(ctx context.Context, tenantID string, id int64) error {
	return s.st.SoftDeleteTask(ctx, tenantID, id)
}

// ToggleTask flips enabled. Disabling clears next_run_at; re-enabling
// recomputes it from now, so no backlog of synthetic runs appears.
func (s *Service) ToggleTask(ctx context.Context, tenantID string, id int64) (*store.Task, error) {
	t, err := s.st.GetTask(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	t.Enabled = !t.Enabled
	if t.Enabled {
		t.NextRunAt = s.firstRun(t, s.clock())
	} else {
		t.NextRunAt = nil
	}
	if err := s.st.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// TriggerTask creates an immediate (or at-time) execution for the task,
// outside its schedule.
func (s *Service) TriggerTask(ctx context.Context, tenantID string, id int64, at time.Time) (*store.Execution, error) {
	t, err := s.st.GetTask(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkCap(ctx, tenantID, 1); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = s.clock()
	}
	e := &store.Execution{
		TaskID:       t.ID,
		TenantID:     tenantID,
		Status:       store.StatusPending,
		ScheduledFor: at,
		Attempt:      1,
	}
	if err := s.st.CreateExecution(ctx, e); err != nil {
		return nil, err
	}
	if s.wake != nil {
		s.wake()
	}
	return e, nil
}

// BatchItem is one destination in a batch submission.
type BatchItem struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
}

// BatchSpec carries the settings shared by every item in a batch.
type BatchSpec struct {
	NamePrefix    string
	Queue         string
	ScheduledAt   time.Time
	TimeoutMS     int
	RetryAttempts int
	CallbackURL   string
}

// BatchResult summarizes a batch submission.
type BatchResult struct {
	Queue        string
	Count        int
	ScheduledFor time.Time
}

// CreateBatch creates up to 1000 one-shot tasks sharing a queue and
// schedule. The whole batch is rejected when it would push the tenant past
// its monthly cap.
func (s *Service) CreateBatch(ctx context.Context, tenantID string, spec BatchSpec, items []BatchItem) (*BatchResult, error) {
	if len(items) == 0 {
		return nil, invalid("items", "required")
	}
	if len(items) > maxBatchItems {
		return nil, ErrBatchTooLarge
	}
	if _, err := s.st.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	if err := s.checkCap(ctx, tenantID, len(items)); err != nil {
		return nil, err
	}
	for _, it := range items {
		if err := validateURL("items.url", it.URL); err != nil {
			return nil, err
		}
		if err := validateMethod(it.Method); err != nil {
			return nil, err
		}
	}

	now := s.clock()
	at := spec.ScheduledAt
	if at.IsZero() || at.Before(now) {
		at = now.Add(time.Second)
	}
	queue := spec.Queue
	if queue == "" {
		queue = "batch-" + uuid.NewString()[:8]
	}
	prefix := spec.NamePrefix
	if prefix == "" {
		prefix = queue
	}

	for i, it := range items {
		at := at
		task := &store.Task{
			TenantID:      tenantID,
			Name:          fmt.Sprintf("%s/%d", prefix, i+1),
			URL:           it.URL,
			Method:        it.Method,
			Headers:       it.Headers,
			Body:          it.Body,
			ScheduleType:  store.ScheduleOnce,
			ScheduledAt:   &at,
			Enabled:       true,
			Queue:         queue,
			TimeoutMS:     spec.TimeoutMS,
			RetryAttempts: spec.RetryAttempts,
			CallbackURL:   spec.CallbackURL,
			InsertedAt:    now,
			NextRunAt:     &at,
		}
		if err := s.st.CreateTask(ctx, task); err != nil {
			return nil, err
		}
	}

	log.WithComponent("service").Info().
		Str("tenant_id", tenantID).Str("queue", queue).Int("count", len(items)).
		Msg("batch created")
	return &BatchResult{Queue: queue, Count: len(items), ScheduledFor: at}, nil
}

// CancelByQueue soft-deletes every task in the queue and cancels their
// pending executions.
func (s *Service) CancelByQueue(ctx context.Context, tenantID, queue string) (int64, error) {
	if queue == "" {
		return 0, invalid("queue", "required")
	}
	return s.st.SoftDeleteTasksByQueue(ctx, tenantID, queue)
}

// PauseQueue stops claims for the (tenant, queue) pair.
func (s *Service) PauseQueue(ctx context.Context, tenantID, name string) error {
	return s.st.SetQueuePaused(ctx, tenantID, name, true)
}

// ResumeQueue re-opens the queue for claims.
func (s *Service) ResumeQueue(ctx context.Context, tenantID, name string) error {
	return s.st.SetQueuePaused(ctx, tenantID, name, false)
}

// CreateMonitor validates and persists a monitor with a fresh ping token.
func (s *Service) CreateMonitor(ctx context.Context, tenantID string, m *store.Monitor) (*store.Monitor, error) {
	if err := validateMonitor(m); err != nil {
		return nil, err
	}
	m.TenantID = tenantID
	m.PingToken = uuid.NewString()
	m.Status = store.MonitorNew
	m.Enabled = true
	if err := s.st.CreateMonitor(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMonitor replaces a monitor's mutable fields; the ping token never
// changes.
func (s *Service) UpdateMonitor(ctx context.Context, tenantID string, m *store.Monitor) (*store.Monitor, error) {
	if err := validateMonitor(m); err != nil {
		return nil, err
	}
	m.TenantID = tenantID
	if err := s.st.UpdateMonitor(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteMonitor removes a monitor.
func (s *Service) DeleteMonitor(ctx context.Context, tenantID string, id int64) error {
	return s.st.DeleteMonitor(ctx, tenantID, id)
}

// ToggleMonitor flips a monitor between paused and its live state.
func (s *Service) ToggleMonitor(ctx context.Context, tenantID string, id int64) (*store.Monitor, error) {
	m, err := s.st.GetMonitor(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if m.Status == store.MonitorPaused {
		m.Status = store.MonitorNew
		if m.LastPingAt != nil {
			m.Status = store.MonitorUp
		}
	} else {
		m.Status = store.MonitorPaused
	}
	if err := s.st.UpdateMonitor(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateEndpoint validates and persists an inbound endpoint; the slug is
// derived from the name when absent.
func (s *Service) CreateEndpoint(ctx context.Context, tenantID string, e *store.Endpoint) (*store.Endpoint, error) {
	if err := validateEndpoint(e); err != nil {
		return nil, err
	}
	e.TenantID = tenantID
	if e.Slug == "" {
		e.Slug = inbound.Slugify(e.Name)
	}
	e.Enabled = true
	if err := s.st.CreateEndpoint(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateEndpoint replaces an endpoint's mutable fields.
func (s *Service) UpdateEndpoint(ctx context.Context, tenantID string, e *store.Endpoint) (*store.Endpoint, error) {
	if err := validateEndpoint(e); err != nil {
		return nil, err
	}
	e.TenantID = tenantID
	if err := s.st.UpdateEndpoint(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// DeleteEndpoint removes an endpoint. Its past events remain for replay of
// other endpoints' tasks but its slug stops resolving.
func (s *Service) DeleteEndpoint(ctx context.Context, tenantID string, id int64) error {
	return s.st.DeleteEndpoint(ctx, tenantID, id)
}

// firstRun computes the initial next_run_at for a task as of now.
func (s *Service) firstRun(t *store.Task, now time.Time) *time.Time {
	switch t.ScheduleType {
	case store.ScheduleCron:
		next := cron.NextAfter(t.CronExpression, now)
		if next.IsZero() {
			return nil
		}
		return &next
	case store.ScheduleOnce:
		if t.ScheduledAt == nil || !t.ScheduledAt.After(now) {
			return nil
		}
		at := *t.ScheduledAt
		return &at
	}
	return nil
}

// checkCap rejects work that would push a free tenant past the monthly cap.
func (s *Service) checkCap(ctx context.Context, tenantID string, n int) error {
	if s.capFree <= 0 {
		return nil
	}
	tenant, err := s.st.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if tenant.Plan == store.PlanPro {
		return nil
	}
	cur, err := s.counter.Current(ctx, tenantID)
	if err != nil {
		return err
	}
	if cur+int64(n) > s.capFree {
		return ErrLimitExceeded
	}
	return nil
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
