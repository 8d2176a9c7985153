package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hooklinehq/hookline/internal/counter"
	"github.com/hooklinehq/hookline/internal/store"
)

func newScheduler(st store.Store, capFree int64) *Scheduler {
	ctr := counter.New(st, time.Second)
	return New(st, ctr, time.Second, 10*time.Second, 30*time.Second, capFree)
}

func seedTenant(t *testing.T, st store.Store, id string, plan store.Plan) {
	t.Helper()
	require.NoError(t, st.CreateTenant(context.Background(), &store.Tenant{
		ID: id, Plan: plan, MonthlyExecutionResetAt: time.Now().UTC(),
	}))
}

func listExecs(t *testing.T, st store.Store, tenantID string, taskID int64) []*store.Execution {
	t.Helper()
	execs, err := st.ListExecutions(context.Background(), tenantID, taskID, 0)
	require.NoError(t, err)
	return execs
}

func TestOnceTaskMaterializesAndClears(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanFree)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := now.Add(5 * time.Second)
	task := &store.Task{
		TenantID: "t1", Name: "once", URL: "https://example.com",
		ScheduleType: store.ScheduleOnce, ScheduledAt: &at, NextRunAt: &at,
		Enabled: true, InsertedAt: now.Add(-time.Minute),
	}
	require.NoError(t, st.CreateTask(ctx, task))

	s := newScheduler(st, 0)
	created, err := s.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	execs := listExecs(t, st, "t1", task.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, store.StatusPending, execs[0].Status)
	assert.True(t, execs[0].ScheduledFor.Equal(at))
	assert.Equal(t, 1, execs[0].Attempt)

	got, err := st.GetTask(ctx, "t1", task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRunAt)
}

func TestMissedClassificationPastGrace(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanFree)

	now := time.Date(2026, 3, 1, 12, 2, 45, 0, time.UTC)
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &store.Task{
		TenantID: "t1", Name: "minutely", URL: "https://example.com",
		ScheduleType: store.ScheduleCron, CronExpression: "* * * * *",
		IntervalMinutes: 1, NextRunAt: &first, Enabled: true,
		InsertedAt: now.Add(-5 * time.Minute),
	}
	require.NoError(t, st.CreateTask(ctx, task))

	s := newScheduler(st, 0)
	created, err := s.Tick(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, created)

	// 12:00, 12:01, 12:02 all sit past the 30s grace window.
	execs := listExecs(t, st, "t1", task.ID)
	require.Len(t, execs, 3)
	for _, e := range execs {
		assert.Equal(t, store.StatusMissed, e.Status)
		require.NotNil(t, e.FinishedAt)
	}

	got, err := st.GetTask(ctx, "t1", task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)))
}

func TestRecentMatchWithinGraceIsPending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanFree)

	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	match := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &store.Task{
		TenantID: "t1", Name: "minutely", URL: "https://example.com",
		ScheduleType: store.ScheduleCron, CronExpression: "* * * * *",
		IntervalMinutes: 1, NextRunAt: &match, Enabled: true,
		InsertedAt: now.Add(-time.Hour),
	}
	require.NoError(t, st.CreateTask(ctx, task))

	s := newScheduler(st, 0)
	created, err := s.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	execs := listExecs(t, st, "t1", task.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, store.StatusPending, execs[0].Status)
	assert.True(t, execs[0].ScheduledFor.Equal(match))
}

func TestTickIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanFree)

	now := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	match := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &store.Task{
		TenantID: "t1", Name: "minutely", URL: "https://example.com",
		ScheduleType: store.ScheduleCron, CronExpression: "* * * * *",
		IntervalMinutes: 1, NextRunAt: &match, Enabled: true,
		InsertedAt: now.Add(-time.Hour),
	}
	require.NoError(t, st.CreateTask(ctx, task))

	s := newScheduler(st, 0)
	_, err := s.Tick(ctx, now)
	require.NoError(t, err)

	// Simulate a crash before next_run_at advanced: rewind it and tick again.
	require.NoError(t, st.SetTaskNextRun(ctx, task.ID, &match))
	created, err := s.Tick(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Len(t, listExecs(t, st, "t1", task.ID), 1)

	// And a plain double tick with no rewind creates nothing either.
	created, err = s.Tick(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Len(t, listExecs(t, st, "t1", task.ID), 1)
}

func TestMatchesBeforeInsertedAtAreSkipped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanFree)

	now := time.Date(2026, 3, 1, 12, 3, 5, 0, time.UTC)
	stale := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &store.Task{
		TenantID: "t1", Name: "new-task", URL: "https://example.com",
		ScheduleType: store.ScheduleCron, CronExpression: "* * * * *",
		IntervalMinutes: 1, NextRunAt: &stale, Enabled: true,
		InsertedAt: time.Date(2026, 3, 1, 12, 2, 30, 0, time.UTC),
	}
	require.NoError(t, st.CreateTask(ctx, task))

	s := newScheduler(st, 0)
	_, err := s.Tick(ctx, now)
	require.NoError(t, err)

	// Only 12:03 is at or after inserted_at; 12:00-12:02 never materialize.
	execs := listExecs(t, st, "t1", task.ID)
	require.Len(t, execs, 1)
	assert.True(t, execs[0].ScheduledFor.Equal(time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)))
	assert.Equal(t, store.StatusPending, execs[0].Status)
}

func TestCapSkipsCreationButAdvances(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateTenant(ctx, &store.Tenant{
		ID: "t1", Plan: store.PlanFree,
		MonthlyExecutionCount: 10, MonthlyExecutionResetAt: time.Now().UTC(),
	}))

	now := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	match := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &store.Task{
		TenantID: "t1", Name: "capped", URL: "https://example.com",
		ScheduleType: store.ScheduleCron, CronExpression: "* * * * *",
		IntervalMinutes: 1, NextRunAt: &match, Enabled: true,
		InsertedAt: now.Add(-time.Hour),
	}
	require.NoError(t, st.CreateTask(ctx, task))

	s := newScheduler(st, 10)
	created, err := s.Tick(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Empty(t, listExecs(t, st, "t1", task.ID))

	got, err := st.GetTask(ctx, "t1", task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(now))
}

func TestProTenantIgnoresCap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateTenant(ctx, &store.Tenant{
		ID: "t1", Plan: store.PlanPro,
		MonthlyExecutionCount: 1_000_000, MonthlyExecutionResetAt: time.Now().UTC(),
	}))

	now := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	match := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &store.Task{
		TenantID: "t1", Name: "pro", URL: "https://example.com",
		ScheduleType: store.ScheduleCron, CronExpression: "* * * * *",
		IntervalMinutes: 1, NextRunAt: &match, Enabled: true,
		InsertedAt: now.Add(-time.Hour),
	}
	require.NoError(t, st.CreateTask(ctx, task))

	s := newScheduler(st, 10)
	created, err := s.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestSparseScheduleWidensGrace(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedTenant(t, st, "t1", store.PlanFree)

	// Hourly task, 10 minutes late: inside the widened 30-minute grace.
	now := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
	match := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &store.Task{
		TenantID: "t1", Name: "hourly", URL: "https://example.com",
		ScheduleType: store.ScheduleCron, CronExpression: "0 * * * *",
		IntervalMinutes: 60, NextRunAt: &match, Enabled: true,
		InsertedAt: now.Add(-24 * time.Hour),
	}
	require.NoError(t, st.CreateTask(ctx, task))

	s := newScheduler(st, 0)
	created, err := s.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	execs := listExecs(t, st, "t1", task.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, store.StatusPending, execs[0].Status)
}
