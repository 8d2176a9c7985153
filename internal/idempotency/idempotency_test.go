package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, New(client, time.Hour)
}

func TestFirstRequestIsFreshReplayGetsCachedResult(t *testing.T) {
	ctx := context.Background()
	_, s := newStore(t)

	cached, fresh, err := s.Begin(ctx, "t1", "key-1")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Nil(t, cached)

	require.NoError(t, s.Complete(ctx, "t1", "key-1", []byte(`{"task_id":7}`)))

	cached, fresh, err = s.Begin(ctx, "t1", "key-1")
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, []byte(`{"task_id":7}`), cached)
}

func TestConcurrentRequestIsInFlight(t *testing.T) {
	ctx := context.Background()
	_, s := newStore(t)

	_, fresh, err := s.Begin(ctx, "t1", "key-1")
	require.NoError(t, err)
	require.True(t, fresh)

	_, _, err = s.Begin(ctx, "t1", "key-1")
	assert.ErrorIs(t, err, ErrInFlight)
}

func TestAbandonAllowsRetry(t *testing.T) {
	ctx := context.Background()
	_, s := newStore(t)

	_, _, err := s.Begin(ctx, "t1", "key-1")
	require.NoError(t, err)
	require.NoError(t, s.Abandon(ctx, "t1", "key-1"))

	_, fresh, err := s.Begin(ctx, "t1", "key-1")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestKeysAreTenantScoped(t *testing.T) {
	ctx := context.Background()
	_, s := newStore(t)

	_, fresh, err := s.Begin(ctx, "t1", "shared")
	require.NoError(t, err)
	require.True(t, fresh)

	_, fresh, err = s.Begin(ctx, "t2", "shared")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestResultExpires(t *testing.T) {
	ctx := context.Background()
	mr, s := newStore(t)

	_, _, err := s.Begin(ctx, "t1", "key-1")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "t1", "key-1", []byte("done")))

	mr.FastForward(2 * time.Hour)

	_, fresh, err := s.Begin(ctx, "t1", "key-1")
	require.NoError(t, err)
	assert.True(t, fresh)
}
