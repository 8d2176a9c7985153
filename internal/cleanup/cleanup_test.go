package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hooklinehq/hookline/internal/counter"
	"github.com/hooklinehq/hookline/internal/store"
)

func TestRunOncePurgesByTier(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.CreateTenant(ctx, &store.Tenant{ID: "free", Plan: store.PlanFree, MonthlyExecutionResetAt: now}))
	require.NoError(t, st.CreateTenant(ctx, &store.Tenant{ID: "pro", Plan: store.PlanPro, MonthlyExecutionResetAt: now}))

	old := now.AddDate(0, 0, -10)
	seed := func(tenant string, taskID int64, created time.Time, status store.ExecutionStatus) {
		require.NoError(t, st.CreateExecution(ctx, &store.Execution{
			TaskID: taskID, TenantID: tenant, Status: status,
			ScheduledFor: created, CreatedAt: created, Attempt: 1,
		}))
	}
	seed("free", 1, old, store.StatusSuccess)   // past free retention
	seed("pro", 2, old, store.StatusSuccess)    // within pro retention
	seed("free", 3, old, store.StatusPending)   // non-terminal, never purged
	seed("free", 4, now.Add(-time.Hour), store.StatusSuccess)

	c := New(st, counter.New(st, time.Second), 7, 30, time.Hour, WithClock(func() time.Time { return now }))
	c.RunOnce(ctx, now)

	free, err := st.ListExecutions(ctx, "free", 0, 0)
	require.NoError(t, err)
	assert.Len(t, free, 2)

	pro, err := st.ListExecutions(ctx, "pro", 0, 0)
	require.NoError(t, err)
	assert.Len(t, pro, 1)
}

func TestRunOncePurgesSoftDeletedTasksAndResetsCounters(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.CreateTenant(ctx, &store.Tenant{
		ID: "t1", Plan: store.PlanFree,
		MonthlyExecutionCount:   500,
		MonthlyExecutionResetAt: now.AddDate(0, -1, 0),
	}))

	task := &store.Task{TenantID: "t1", Name: "old", URL: "https://example.com", InsertedAt: now.AddDate(0, -2, 0)}
	require.NoError(t, st.CreateTask(ctx, task))
	require.NoError(t, st.SoftDeleteTask(ctx, "t1", task.ID))

	c := New(st, counter.New(st, time.Second), 7, 30, time.Hour, WithClock(func() time.Time { return now }))
	// Deletion happened "now", so the first pass keeps the row.
	c.RunOnce(ctx, now)
	_, err := st.GetTask(ctx, "t1", task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound) // soft-deleted, still invisible

	// Sixty days later the row is gone for good and counters were reset.
	later := now.AddDate(0, 2, 0)
	c.RunOnce(ctx, later)

	tn, err := st.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, tn.MonthlyExecutionCount)
}
