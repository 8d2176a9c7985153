package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hooklinehq/hookline/internal/store"
)

func TestIncrAndFlush(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateTenant(ctx, &store.Tenant{ID: "t1", MonthlyExecutionResetAt: time.Now()}))

	c := New(st, time.Second)
	for i := 0; i < 5; i++ {
		c.Incr("t1")
	}
	assert.EqualValues(t, 5, c.Pending("t1"))

	cur, err := c.Current(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, cur)

	c.Flush(ctx)
	assert.Zero(t, c.Pending("t1"))

	tn, err := st.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, tn.MonthlyExecutionCount)

	// Current after flush reads the persisted value.
	cur, err = c.Current(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, cur)
}

func TestConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateTenant(ctx, &store.Tenant{ID: "t1", MonthlyExecutionResetAt: time.Now()}))
	require.NoError(t, st.CreateTenant(ctx, &store.Tenant{ID: "t2", MonthlyExecutionResetAt: time.Now()}))

	c := New(st, time.Second)
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Incr("t1")
				c.Incr("t2")
			}
		}()
	}
	wg.Wait()
	c.Flush(ctx)

	for _, id := range []string{"t1", "t2"} {
		tn, err := st.GetTenant(ctx, id)
		require.NoError(t, err)
		assert.EqualValues(t, 1000, tn.MonthlyExecutionCount, "tenant %s", id)
	}
}

func TestResetMonthlyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	lastMonth := time.Now().UTC().AddDate(0, -1, 0)
	require.NoError(t, st.CreateTenant(ctx, &store.Tenant{
		ID: "t1", MonthlyExecutionCount: 900, MonthlyExecutionResetAt: lastMonth,
	}))

	c := New(st, time.Second)
	now := time.Now().UTC()
	require.NoError(t, c.ResetMonthly(ctx, now))

	tn, err := st.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, tn.MonthlyExecutionCount)

	// Counts accumulated after the reset survive a second reset call.
	c.Incr("t1")
	c.Flush(ctx)
	require.NoError(t, c.ResetMonthly(ctx, now.Add(time.Hour)))

	tn, err = st.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, tn.MonthlyExecutionCount)
}
