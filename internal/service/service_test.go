package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hooklinehq/hookline/internal/counter"
	"github.com/hooklinehq/hookline/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(st store.Store, capFree int64) *Service {
	ctr := counter.New(st, time.Second)
	return New(st, ctr, capFree, WithClock(func() time.Time { return testNow }))
}

func seedTenant(t *testing.T, st store.Store, id string, plan store.Plan, used int64) {
	t.Helper()
	require.NoError(t, st.CreateTenant(context.Background(), &store.Tenant{
		ID: id, Plan: plan, MonthlyExecutionCount: used,
		MonthlyExecutionResetAt: testNow,
	}))
}

func validOnceTask(name string) *store.Task {
	at := testNow.Add(time.Hour)
	return &store.Task{
		Name: name, URL: "https://example.com/hook", Method: "POST",
		ScheduleType: store.ScheduleOnce, ScheduledAt: &at,
	}
}

func TestCreateTaskValidation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanFree, 0)
	svc := newService(st, 0)

	cases := []struct {
		name  string
		task  *store.Task
		field string
	}{
		{"missing name", &store.Task{URL: "https://example.com", ScheduleType: store.ScheduleOnce}, "name"},
		{"private address", &store.Task{Name: "x", URL: "http://10.0.0.5/hook", ScheduleType: store.ScheduleOnce}, "url"},
		{"localhost", &store.Task{Name: "x", URL: "http://localhost:9000", ScheduleType: store.ScheduleOnce}, "url"},
		{"bad scheme", &store.Task{Name: "x", URL: "ftp://example.com", ScheduleType: store.ScheduleOnce}, "url"},
		{"bad cron", &store.Task{Name: "x", URL: "https://example.com", ScheduleType: store.ScheduleCron, CronExpression: "not cron"}, "cron_expression"},
		{"retries out of range", &store.Task{Name: "x", URL: "https://example.com", RetryAttempts: 11, ScheduleType: store.ScheduleOnce}, "retry_attempts"},
		{"bad status codes", &store.Task{Name: "x", URL: "https://example.com", ExpectedStatusCodes: "ok,fine", ScheduleType: store.ScheduleOnce}, "expected_status_codes"},
		{"once without scheduled_at", &store.Task{Name: "x", URL: "https://example.com", ScheduleType: store.ScheduleOnce}, "scheduled_at"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateTask(ctx, "t1", tc.task)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestCreateTaskPastOnceRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanFree, 0)
	svc := newService(st, 0)

	past := testNow.Add(-time.Minute)
	_, err := svc.CreateTask(ctx, "t1", &store.Task{
		Name: "late", URL: "https://example.com",
		ScheduleType: store.ScheduleOnce, ScheduledAt: &past,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "scheduled_at", verr.Field)
}

func TestFreeTierRejectsSubHourlyCron(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "free", store.PlanFree, 0)
	seedTenant(t, st, "pro", store.PlanPro, 0)
	svc := newService(st, 0)

	spec := func() *store.Task {
		return &store.Task{
			Name: "fast", URL: "https://example.com",
			ScheduleType: store.ScheduleCron, CronExpression: "*/5 * * * *",
		}
	}

	_, err := svc.CreateTask(ctx, "free", spec())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "cron_expression", verr.Field)

	created, err := svc.CreateTask(ctx, "pro", spec())
	require.NoError(t, err)
	assert.Equal(t, 5, created.IntervalMinutes)
	require.NotNil(t, created.NextRunAt)
	assert.True(t, created.NextRunAt.Equal(testNow.Add(5*time.Minute)))
}

func TestToggleTaskManagesNextRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanPro, 0)
	svc := newService(st, 0)

	created, err := svc.CreateTask(ctx, "t1", &store.Task{
		Name: "cron", URL: "https://example.com",
		ScheduleType: store.ScheduleCron, CronExpression: "0 * * * *",
	})
	require.NoError(t, err)
	require.NotNil(t, created.NextRunAt)

	off, err := svc.ToggleTask(ctx, "t1", created.ID)
	require.NoError(t, err)
	assert.False(t, off.Enabled)
	assert.Nil(t, off.NextRunAt)

	on, err := svc.ToggleTask(ctx, "t1", created.ID)
	require.NoError(t, err)
	assert.True(t, on.Enabled)
	require.NotNil(t, on.NextRunAt)
	assert.True(t, on.NextRunAt.After(testNow))
}

func TestTriggerTaskCreatesImmediateExecution(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanFree, 0)
	svc := newService(st, 100)

	created, err := svc.CreateTask(ctx, "t1", validOnceTask("trig"))
	require.NoError(t, err)

	e, err := svc.TriggerTask(ctx, "t1", created.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, e.Status)
	assert.True(t, e.ScheduledFor.Equal(testNow))
	assert.Equal(t, 1, e.Attempt)
}

func TestBatchOverCapIsLimitExceeded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanFree, 9_999)
	svc := newService(st, 10_000)

	_, err := svc.CreateBatch(ctx, "t1", BatchSpec{}, []BatchItem{
		{URL: "https://example.com/a"},
		{URL: "https://example.com/b"},
	})
	assert.ErrorIs(t, err, ErrLimitExceeded)

	tasks, err := st.ListTasks(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestBatchTooLarge(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanPro, 0)
	svc := newService(st, 0)

	items := make([]BatchItem, maxBatchItems+1)
	for i := range items {
		items[i] = BatchItem{URL: "https://example.com"}
	}
	_, err := svc.CreateBatch(ctx, "t1", BatchSpec{}, items)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestBatchCreatesQueuedOnceTasks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanPro, 0)
	svc := newService(st, 0)

	res, err := svc.CreateBatch(ctx, "t1", BatchSpec{Queue: "imports", RetryAttempts: 2}, []BatchItem{
		{URL: "https://example.com/a", Method: "POST", Body: "1"},
		{URL: "https://example.com/b", Method: "POST", Body: "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "imports", res.Queue)
	assert.Equal(t, 2, res.Count)

	tasks, err := st.ListTasks(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, "imports", task.Queue)
		assert.Equal(t, store.ScheduleOnce, task.ScheduleType)
		assert.Equal(t, 2, task.RetryAttempts)
		require.NotNil(t, task.NextRunAt)
		assert.True(t, task.NextRunAt.Equal(res.ScheduledFor))
	}
}

func TestCancelByQueue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanPro, 0)
	svc := newService(st, 0)

	_, err := svc.CreateBatch(ctx, "t1", BatchSpec{Queue: "doomed"}, []BatchItem{
		{URL: "https://example.com/a"},
		{URL: "https://example.com/b"},
	})
	require.NoError(t, err)

	// Materialize one pending execution by hand, then cancel the queue.
	tasks, err := st.ListTasks(ctx, "t1", 0)
	require.NoError(t, err)
	require.NoError(t, st.CreateExecution(ctx, &store.Execution{
		TaskID: tasks[0].ID, TenantID: "t1",
		Status: store.StatusPending, ScheduledFor: testNow, Attempt: 1,
	}))

	cancelled, err := svc.CancelByQueue(ctx, "t1", "doomed")
	require.NoError(t, err)
	assert.EqualValues(t, 1, cancelled)

	tasks, err = st.ListTasks(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreateMonitorGeneratesToken(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := newService(st, 0)

	m, err := svc.CreateMonitor(ctx, "t1", &store.Monitor{
		Name: "backup", ScheduleType: store.ScheduleInterval, IntervalSeconds: 3600,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.PingToken)
	assert.Equal(t, store.MonitorNew, m.Status)
	assert.True(t, m.Enabled)

	_, err = svc.CreateMonitor(ctx, "t1", &store.Monitor{
		Name: "too-fast", ScheduleType: store.ScheduleInterval, IntervalSeconds: 5,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "interval_seconds", verr.Field)
}

func TestCreateEndpointDerivesSlug(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := newService(st, 0)

	ep, err := svc.CreateEndpoint(ctx, "t1", &store.Endpoint{
		Name: "Stripe Hooks", ForwardURLs: []string{"https://example.com/sink"},
	})
	require.NoError(t, err)
	assert.Equal(t, "stripe-hooks", ep.Slug)

	_, err = svc.CreateEndpoint(ctx, "t1", &store.Endpoint{Name: "Empty"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "forward_urls", verr.Field)
}

func TestSyncReconcilesByName(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanPro, 0)
	svc := newService(st, 0)

	_, err := svc.CreateTask(ctx, "t1", validOnceTask("keep"))
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, "t1", validOnceTask("drop"))
	require.NoError(t, err)

	updated := validOnceTask("keep")
	updated.RetryAttempts = 4
	added := validOnceTask("new")

	sum, err := svc.Sync(ctx, "t1", SyncSpec{
		Tasks:         []*store.Task{updated, added},
		DeleteRemoved: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TasksCreated)
	assert.Equal(t, 1, sum.TasksUpdated)
	assert.Equal(t, 1, sum.TasksDeleted)

	tasks, err := st.ListTasks(ctx, "t1", 0)
	require.NoError(t, err)
	names := make(map[string]int, len(tasks))
	for _, task := range tasks {
		names[task.Name] = task.RetryAttempts
	}
	assert.Equal(t, map[string]int{"keep": 4, "new": 0}, names)
}

func TestCrossTenantTaskIsNotFound(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanPro, 0)
	seedTenant(t, st, "t2", store.PlanPro, 0)
	svc := newService(st, 0)

	created, err := svc.CreateTask(ctx, "t1", validOnceTask("mine"))
	require.NoError(t, err)

	_, err = svc.ToggleTask(ctx, "t2", created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.TriggerTask(ctx, "t2", created.ID, time.Time{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
