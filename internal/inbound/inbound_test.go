package inbound

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hooklinehq/hookline/internal/store"
)

func seedEndpoint(t *testing.T, st store.Store, ep *store.Endpoint) *store.Endpoint {
	t.Helper()
	require.NoError(t, st.CreateEndpoint(context.Background(), ep))
	return ep
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "stripe-hooks", Slugify("Stripe Hooks"))
	assert.Equal(t, "a-b-c", Slugify("  a__b--c!  "))
	assert.Equal(t, "deploy2", Slugify("Deploy2"))
	assert.Equal(t, "", Slugify("***"))
}

func TestReceiveEventFansOut(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateTenant(ctx, &store.Tenant{ID: "t1", MonthlyExecutionResetAt: time.Now()}))

	ep := seedEndpoint(t, st, &store.Endpoint{
		TenantID: "t1", Name: "Stripe Hooks", Slug: "stripe-hooks",
		ForwardURLs:   []string{"https://u1", "https://u2"},
		UseQueue:      true,
		RetryAttempts: 2,
		Enabled:       true,
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	woke := false
	d := New(st, WithClock(func() time.Time { return now }), WithWake(func() { woke = true }))

	ev, err := d.ReceiveEvent(ctx, "stripe-hooks", Request{
		Method:   "POST",
		Headers:  map[string]string{"Content-Type": "application/json", "Host": "hookline.dev"},
		Body:     `{"x":1}`,
		SourceIP: "203.0.113.9",
	})
	require.NoError(t, err)
	require.Len(t, ev.TaskIDs, 2)
	assert.True(t, woke)

	stored, err := st.GetInboundEvent(ctx, "t1", ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.TaskIDs, stored.TaskIDs)
	assert.Equal(t, `{"x":1}`, stored.Body)

	for _, id := range ev.TaskIDs {
		task, err := st.GetTask(ctx, "t1", id)
		require.NoError(t, err)
		assert.Equal(t, "stripe-hooks", task.Queue)
		assert.Equal(t, "POST", task.Method)
		assert.Equal(t, `{"x":1}`, task.Body)
		assert.Equal(t, 2, task.RetryAttempts)
		require.NotNil(t, task.SourceEndpointID)
		assert.Equal(t, ep.ID, *task.SourceEndpointID)
		assert.NotContains(t, task.Headers, "Host")
		assert.Contains(t, task.Headers, "Content-Type")

		execs, err := st.ListExecutions(ctx, "t1", id, 0)
		require.NoError(t, err)
		require.Len(t, execs, 1)
		assert.Equal(t, store.StatusPending, execs[0].Status)
		assert.True(t, execs[0].ScheduledFor.Equal(now.Add(time.Second)))
	}
}

func TestReceiveEventNoQueueWhenDisabled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedEndpoint(t, st, &store.Endpoint{
		TenantID: "t1", Name: "Plain", Slug: "plain",
		ForwardURLs: []string{"https://u1"}, Enabled: true,
	})

	d := New(st)
	ev, err := d.ReceiveEvent(ctx, "plain", Request{Method: "POST"})
	require.NoError(t, err)

	task, err := st.GetTask(ctx, "t1", ev.TaskIDs[0])
	require.NoError(t, err)
	assert.Empty(t, task.Queue)
}

func TestReceiveEventRejections(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedEndpoint(t, st, &store.Endpoint{
		TenantID: "t1", Name: "Off", Slug: "off",
		ForwardURLs: []string{"https://u1"}, Enabled: false,
	})

	d := New(st)
	_, err := d.ReceiveEvent(ctx, "nope", Request{Method: "POST"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = d.ReceiveEvent(ctx, "off", Request{Method: "POST"})
	assert.ErrorIs(t, err, ErrEndpointDisabled)
}

func TestReceiveEventCapsForwards(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	urls := make([]string, 14)
	for i := range urls {
		urls[i] = "https://target.example/" + string(rune('a'+i))
	}
	seedEndpoint(t, st, &store.Endpoint{
		TenantID: "t1", Name: "Wide", Slug: "wide",
		ForwardURLs: urls, Enabled: true,
	})

	d := New(st)
	ev, err := d.ReceiveEvent(ctx, "wide", Request{Method: "POST"})
	require.NoError(t, err)
	assert.Len(t, ev.TaskIDs, maxForwards)
}

func TestReplayEvent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedEndpoint(t, st, &store.Endpoint{
		TenantID: "t1", Name: "Replayable", Slug: "replayable",
		ForwardURLs: []string{"https://u1", "https://u2"}, Enabled: true,
	})

	d := New(st)
	ev, err := d.ReceiveEvent(ctx, "replayable", Request{Method: "POST", Body: "hi"})
	require.NoError(t, err)
	require.Len(t, ev.TaskIDs, 2)

	execs, err := d.ReplayEvent(ctx, "t1", ev.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 2)

	// One task deleted: replay covers the survivor only.
	require.NoError(t, st.SoftDeleteTask(ctx, "t1", ev.TaskIDs[0]))
	execs, err = d.ReplayEvent(ctx, "t1", ev.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	// All tasks deleted: task_deleted error.
	require.NoError(t, st.SoftDeleteTask(ctx, "t1", ev.TaskIDs[1]))
	_, err = d.ReplayEvent(ctx, "t1", ev.ID)
	assert.ErrorIs(t, err, ErrTaskDeleted)

	// Cross-tenant replay is a not-found, never a forbidden.
	_, err = d.ReplayEvent(ctx, "t2", ev.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
