// Package counter buffers per-tenant execution increments in process and
// periodically folds them into the store, avoiding row contention on the
// tenants table under high dispatch rates.
package counter

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/observability"
	"github.com/hooklinehq/hookline/internal/store"
)

const shardCount = 16

type shard struct {
	mu     sync.Mutex
	deltas map[string]int64
}

// Counter is the sharded monthly usage counter. Increments land in a shard
// map; Flush writes one UPDATE per tenant with a nonzero delta.
type Counter struct {
	st       store.Store
	shards   [shardCount]shard
	interval time.Duration
}

// New creates a Counter flushing at the given interval.
func New(st store.Store, interval time.Duration) *Counter {
	c := &Counter{st: st, interval: interval}
	for i := range c.shards {
		c.shards[i].deltas = make(map[string]int64)
	}
	return c
}

func (c *Counter) shard(tenantID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return &c.shards[h.Sum32()%shardCount]
}

// Incr buffers one execution for the tenant.
func (c *Counter) Incr(tenantID string) {
	sh := c.shard(tenantID)
	sh.mu.Lock()
	sh.deltas[tenantID]++
	sh.mu.Unlock()
}

// Pending returns the buffered (unflushed) delta for a tenant.
func (c *Counter) Pending(tenantID string) int64 {
	sh := c.shard(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.deltas[tenantID]
}

// Current combines the persisted monthly count with the buffered delta.
func (c *Counter) Current(ctx context.Context, tenantID string) (int64, error) {
	t, err := c.st.GetTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return t.MonthlyExecutionCount + c.Pending(tenantID), nil
}

// Flush writes every nonzero delta to the store. Deltas that fail to write
// are re-buffered so they are retried on the next flush.
func (c *Counter) Flush(ctx context.Context) {
	for i := range c.shards {
		sh := &c.shards[i]

		sh.mu.Lock()
		if len(sh.deltas) == 0 {
			sh.mu.Unlock()
			continue
		}
		pending := sh.deltas
		sh.deltas = make(map[string]int64)
		sh.mu.Unlock()

		for tenantID, delta := range pending {
			if err := c.st.AddTenantExecutions(ctx, tenantID, delta); err != nil {
				log.WithComponent("counter").Error().Err(err).
					Str("tenant_id", tenantID).Int64("delta", delta).
					Msg("flush failed, re-buffering")
				sh.mu.Lock()
				sh.deltas[tenantID] += delta
				sh.mu.Unlock()
			}
		}
		observability.CounterFlushes.Inc()
	}
}

// Run flushes on a ticker until the context is cancelled, then performs a
// final flush so shutdown does not lose buffered counts.
func (c *Counter) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// ResetMonthly zeroes tenant counters whose last reset predates the current
// calendar month. The store makes this idempotent, so callers may invoke it
// on every cleanup pass; they gate it behind the leader lease so a fleet
// resets once.
func (c *Counter) ResetMonthly(ctx context.Context, now time.Time) error {
	return c.st.ResetMonthlyCounters(ctx, now)
}
