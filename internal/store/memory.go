package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by unit tests and single-node
// development. It enforces the same invariants as the Postgres backend:
// claim exclusivity, per-queue FIFO, and (task_id, scheduled_for)
// uniqueness.
type MemoryStore struct {
	mu sync.Mutex

	tenants    map[string]*Tenant
	tasks      map[int64]*Task
	executions map[int64]*Execution
	monitors   map[int64]*Monitor
	endpoints  map[int64]*Endpoint
	events     map[int64]*InboundEvent
	queues     map[string]bool // tenant\x00name -> paused
	emailLogs  []*EmailLog

	nextID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:    make(map[string]*Tenant),
		tasks:      make(map[int64]*Task),
		executions: make(map[int64]*Execution),
		monitors:   make(map[int64]*Monitor),
		endpoints:  make(map[int64]*Endpoint),
		events:     make(map[int64]*InboundEvent),
		queues:     make(map[string]bool),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func qkey(tenantID, name string) string { return tenantID + "\x00" + name }

// --- Tenants ---

func (s *MemoryStore) CreateTenant(ctx context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return ErrDuplicate
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) AddTenantExecutions(ctx context.Context, tenantID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[tenantID]; ok {
		t.MonthlyExecutionCount += delta
	}
	return nil
}

func (s *MemoryStore) ResetMonthlyCounters(ctx context.Context, resetAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	monthStart := time.Date(resetAt.UTC().Year(), resetAt.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	for _, t := range s.tenants {
		if t.MonthlyExecutionResetAt.Before(monthStart) {
			t.MonthlyExecutionCount = 0
			t.MonthlyExecutionResetAt = resetAt
		}
	}
	return nil
}

// --- Tasks ---

func (s *MemoryStore) CreateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.id()
	if t.InsertedAt.IsZero() {
		t.InsertedAt = time.Now()
	}
	t.UpdatedAt = t.InsertedAt
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok || cur.TenantID != t.TenantID || cur.DeletedAt != nil {
		return ErrNotFound
	}
	t.InsertedAt = cur.InsertedAt
	t.UpdatedAt = time.Now()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, tenantID string, id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.TenantID != tenantID || t.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetTaskAny(ctx context.Context, id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetTaskByName(ctx context.Context, tenantID, name string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Task
	for _, t := range s.tasks {
		if t.TenantID == tenantID && t.Name == name && t.DeletedAt == nil {
			if found == nil || t.ID < found.ID {
				found = t
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, tenantID string, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []*Task
	for _, t := range s.tasks {
		if t.TenantID == tenantID && t.DeletedAt == nil {
			cp := *t
			tasks = append(tasks, &cp)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID > tasks[j].ID })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *MemoryStore) ListDueTasks(ctx context.Context, horizon time.Time, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []*Task
	for _, t := range s.tasks {
		if t.Enabled && t.DeletedAt == nil && t.NextRunAt != nil && !t.NextRunAt.After(horizon) {
			cp := *t
			tasks = append(tasks, &cp)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].NextRunAt.Before(*tasks[j].NextRunAt) })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *MemoryStore) SetTaskNextRun(ctx context.Context, taskID int64, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		if next != nil {
			n := *next
			t.NextRunAt = &n
		} else {
			t.NextRunAt = nil
		}
		t.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) SoftDeleteTask(ctx context.Context, tenantID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.TenantID != tenantID || t.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	t.Enabled = false
	t.NextRunAt = nil
	t.DeletedAt = &now
	return nil
}

func (s *MemoryStore) SoftDeleteTasksByQueue(ctx context.Context, tenantID, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	deleted := make(map[int64]bool)
	for _, t := range s.tasks {
		if t.TenantID == tenantID && t.Queue == queue && t.DeletedAt == nil {
			t.Enabled = false
			t.NextRunAt = nil
			t.DeletedAt = &now
			deleted[t.ID] = true
		}
	}
	var cancelled int64
	for _, e := range s.executions {
		if deleted[e.TaskID] && e.Status == StatusPending {
			e.Status = StatusCancelled
			e.FinishedAt = &now
			cancelled++
		}
	}
	return cancelled, nil
}

// --- Queue state ---

func (s *MemoryStore) SetQueuePaused(ctx context.Context, tenantID, name string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[qkey(tenantID, name)] = paused
	return nil
}

func (s *MemoryStore) IsQueuePaused(ctx context.Context, tenantID, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[qkey(tenantID, name)], nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(ctx context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertExecutionLocked(e)
}

func (s *MemoryStore) insertExecutionLocked(e *Execution) error {
	for _, cur := range s.executions {
		if cur.TaskID == e.TaskID && cur.ScheduledFor.Equal(e.ScheduledFor) {
			return ErrDuplicate
		}
	}
	e.ID = s.id()
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.Attempt == 0 {
		e.Attempt = 1
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

func (s *MemoryStore) ClaimNextExecution(ctx context.Context, now time.Time) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Execution
	for _, e := range s.executions {
		if e.Status == StatusPending && !e.ScheduledFor.After(now) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.ScheduledFor.Equal(b.ScheduledFor) {
			return a.ScheduledFor.Before(b.ScheduledFor)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	for _, e := range candidates {
		t, ok := s.tasks[e.TaskID]
		if !ok || !t.Enabled || t.DeletedAt != nil {
			continue
		}
		if s.queues[qkey(t.TenantID, t.Queue)] {
			continue
		}
		if t.Queue != "" && s.queueBusyLocked(t.TenantID, t.Queue, e) {
			continue
		}

		started := now
		e.Status = StatusRunning
		e.StartedAt = &started
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

// queueBusyLocked reports whether another execution in the same
// (tenant, queue) is running, or pending and created earlier.
func (s *MemoryStore) queueBusyLocked(tenantID, queue string, e *Execution) bool {
	for _, other := range s.executions {
		if other.ID == e.ID {
			continue
		}
		ot, ok := s.tasks[other.TaskID]
		if !ok || ot.TenantID != tenantID || ot.Queue != queue || ot.DeletedAt != nil {
			continue
		}
		if other.Status == StatusRunning {
			return true
		}
		if other.Status == StatusPending {
			if other.CreatedAt.Before(e.CreatedAt) ||
				(other.CreatedAt.Equal(e.CreatedAt) && other.ID < e.ID) {
				return true
			}
		}
	}
	return false
}

func (s *MemoryStore) RescheduleExecution(ctx context.Context, id int64, scheduledFor time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status != StatusRunning {
		return ErrRowGone
	}
	e.Status = StatusPending
	e.ScheduledFor = scheduledFor
	e.StartedAt = nil
	return nil
}

func (s *MemoryStore) FinishExecution(ctx context.Context, res *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[res.ExecutionID]
	if !ok || e.Status != StatusRunning {
		return ErrRowGone
	}
	e.Status = res.Status
	finished := res.FinishedAt
	e.FinishedAt = &finished
	e.StatusCode = res.StatusCode
	d := res.DurationMS
	e.DurationMS = &d
	e.ErrorMessage = res.ErrorMessage
	e.ResponseBody = res.ResponseBody

	if res.Retry != nil {
		if err := s.insertExecutionLocked(res.Retry); err != nil && err != ErrDuplicate {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, tenantID string, id int64) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, tenantID string, taskID int64, limit int) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var execs []*Execution
	for _, e := range s.executions {
		if e.TenantID != tenantID {
			continue
		}
		if taskID != 0 && e.TaskID != taskID {
			continue
		}
		cp := *e
		execs = append(execs, &cp)
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].ID > execs[j].ID })
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return execs, nil
}

func (s *MemoryStore) PrevTerminalStatus(ctx context.Context, taskID, beforeID int64) (ExecutionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Execution
	for _, e := range s.executions {
		if e.TaskID == taskID && e.ID < beforeID && e.Status.Terminal() {
			if best == nil || e.ID > best.ID {
				best = e
			}
		}
	}
	if best == nil {
		return "", ErrNotFound
	}
	return best.Status, nil
}

func (s *MemoryStore) PendingDepth(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := 0
	for _, e := range s.executions {
		if e.Status == StatusPending && !e.ScheduledFor.After(now) {
			depth++
		}
	}
	return depth, nil
}

func (s *MemoryStore) SweepOrphans(ctx context.Context, now time.Time, slack time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var promoted int64
	for _, e := range s.executions {
		if e.Status != StatusRunning || e.StartedAt == nil {
			continue
		}
		t, ok := s.tasks[e.TaskID]
		if !ok {
			continue
		}
		deadline := e.StartedAt.Add(time.Duration(t.TimeoutMS)*time.Millisecond + slack)
		if deadline.Before(now) {
			e.Status = StatusTimeout
			finished := now
			e.FinishedAt = &finished
			dur := now.Sub(*e.StartedAt).Milliseconds()
			e.DurationMS = &dur
			e.ErrorMessage = "worker lost"
			promoted++
		}
	}
	return promoted, nil
}

// --- Monitors ---

func (s *MemoryStore) CreateMonitor(ctx context.Context, m *Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.monitors {
		if cur.PingToken == m.PingToken {
			return ErrDuplicate
		}
	}
	m.ID = s.id()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.UpdatedAt = m.CreatedAt
	cp := *m
	s.monitors[m.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateMonitor(ctx context.Context, m *Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.monitors[m.ID]
	if !ok || cur.TenantID != m.TenantID {
		return ErrNotFound
	}
	m.PingToken = cur.PingToken
	m.CreatedAt = cur.CreatedAt
	m.UpdatedAt = time.Now()
	cp := *m
	s.monitors[m.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteMonitor(ctx context.Context, tenantID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok || m.TenantID != tenantID {
		return ErrNotFound
	}
	delete(s.monitors, id)
	return nil
}

func (s *MemoryStore) GetMonitor(ctx context.Context, tenantID string, id int64) (*Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok || m.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMonitorByToken(ctx context.Context, token string) (*Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.monitors {
		if m.PingToken == token {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListMonitors(ctx context.Context, tenantID string) ([]*Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var monitors []*Monitor
	for _, m := range s.monitors {
		if m.TenantID == tenantID {
			cp := *m
			monitors = append(monitors, &cp)
		}
	}
	sort.Slice(monitors, func(i, j int) bool { return monitors[i].ID < monitors[j].ID })
	return monitors, nil
}

func (s *MemoryStore) ListOverdueMonitors(ctx context.Context, now time.Time) ([]*Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var overdue []*Monitor
	for _, m := range s.monitors {
		if !m.Enabled || (m.Status != MonitorUp && m.Status != MonitorNew) || m.NextExpectedAt == nil {
			continue
		}
		if m.NextExpectedAt.Add(time.Duration(m.GracePeriodSeconds) * time.Second).Before(now) {
			cp := *m
			overdue = append(overdue, &cp)
		}
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].ID < overdue[j].ID })
	return overdue, nil
}

// --- Endpoints and events ---

func (s *MemoryStore) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.endpoints {
		if cur.Slug == e.Slug {
			return ErrDuplicate
		}
	}
	e.ID = s.id()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.UpdatedAt = e.CreatedAt
	cp := *e
	s.endpoints[e.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateEndpoint(ctx context.Context, e *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.endpoints[e.ID]
	if !ok || cur.TenantID != e.TenantID {
		return ErrNotFound
	}
	e.Slug = cur.Slug
	e.CreatedAt = cur.CreatedAt
	e.UpdatedAt = time.Now()
	cp := *e
	s.endpoints[e.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteEndpoint(ctx context.Context, tenantID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok || e.TenantID != tenantID {
		return ErrNotFound
	}
	delete(s.endpoints, id)
	return nil
}

func (s *MemoryStore) GetEndpoint(ctx context.Context, tenantID string, id int64) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok || e.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetEndpointBySlug(ctx context.Context, slug string) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.endpoints {
		if e.Slug == slug {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListEndpoints(ctx context.Context, tenantID string) ([]*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var endpoints []*Endpoint
	for _, e := range s.endpoints {
		if e.TenantID == tenantID {
			cp := *e
			endpoints = append(endpoints, &cp)
		}
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].ID < endpoints[j].ID })
	return endpoints, nil
}

func (s *MemoryStore) CreateInboundEvent(ctx context.Context, ev *InboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = s.id()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *MemoryStore) SetInboundEventTasks(ctx context.Context, eventID int64, taskIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[eventID]; ok {
		ev.TaskIDs = append([]int64(nil), taskIDs...)
	}
	return nil
}

func (s *MemoryStore) GetInboundEvent(ctx context.Context, tenantID string, id int64) (*InboundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || ev.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

// --- Email log ---

func (s *MemoryStore) InsertEmailLog(ctx context.Context, l *EmailLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.id()
	cp := *l
	s.emailLogs = append(s.emailLogs, &cp)
	return nil
}

// EmailLogs returns a snapshot of the email log, newest last. Test helper.
func (s *MemoryStore) EmailLogs() []*EmailLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*EmailLog, len(s.emailLogs))
	for i, l := range s.emailLogs {
		cp := *l
		out[i] = &cp
	}
	return out
}

// --- Retention ---

func (s *MemoryStore) PurgeExecutions(ctx context.Context, now time.Time, freeDays, proDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, e := range s.executions {
		if !e.Status.Terminal() {
			continue
		}
		days := freeDays
		if t, ok := s.tenants[e.TenantID]; ok && t.Plan == PlanPro {
			days = proDays
		}
		if e.CreatedAt.Before(now.AddDate(0, 0, -days)) {
			delete(s.executions, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) PurgeSoftDeletedTasks(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, t := range s.tasks {
		if t.DeletedAt != nil && t.DeletedAt.Before(before) {
			delete(s.tasks, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) PurgeEmailLogs(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*EmailLog
	var purged int64
	for _, l := range s.emailLogs {
		if l.SentAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, l)
	}
	s.emailLogs = kept
	return purged, nil
}
