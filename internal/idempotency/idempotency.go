// Package idempotency backs Idempotency-Key handling for mutating commands
// with redis: the first request reserves the key and stores its result, and
// replays within the retention window get the cached result back.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockSuffix   = ":lock"
	resultSuffix = ":result"

	// Reservation outlives any plausible command duration so a crashed
	// request eventually frees the key.
	lockTTL = 10 * time.Minute
)

// ErrInFlight means another request holding the same key has not finished.
var ErrInFlight = errors.New("request with this idempotency key in flight")

// Store persists idempotency reservations and results.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a Store retaining results for ttl.
func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) key(tenantID, key string) string {
	return "hookline:idem:" + tenantID + ":" + key
}

// Begin resolves the key: a cached result is returned as-is, a fresh key is
// reserved for this request, and a key reserved by a still-running request
// is ErrInFlight.
func (s *Store) Begin(ctx context.Context, tenantID, key string) (cached []byte, fresh bool, err error) {
	base := s.key(tenantID, key)

	res, err := s.client.Get(ctx, base+resultSuffix).Bytes()
	if err == nil {
		return res, false, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, false, err
	}

	ok, err := s.client.SetNX(ctx, base+lockSuffix, "1", lockTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, ErrInFlight
	}
	return nil, true, nil
}

// Complete stores the result for replays and releases the reservation.
func (s *Store) Complete(ctx context.Context, tenantID, key string, result []byte) error {
	base := s.key(tenantID, key)
	if err := s.client.Set(ctx, base+resultSuffix, result, s.ttl).Err(); err != nil {
		return err
	}
	return s.client.Del(ctx, base+lockSuffix).Err()
}

// Abandon frees a reservation whose command failed, so the caller may
// retry with the same key.
func (s *Store) Abandon(ctx context.Context, tenantID, key string) error {
	return s.client.Del(ctx, s.key(tenantID, key)+lockSuffix).Err()
}
