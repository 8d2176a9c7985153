// Package coordination elects a single active node for the background
// loops (scheduler, monitor checker, cleanup) via a redis lease. A process
// that loses the lease simply stops ticking; the store-level uniqueness
// constraints keep a brief overlap harmless.
package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/observability"
)

const (
	leaderKey        = "hookline:lock:leader"
	maxRenewFailures = 3
)

// renewScript extends the lease only while we still own it.
var renewScript = redis.NewScript(`
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	end
	return -2
`)

// releaseScript deletes the lease only while we still own it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// State is a point-in-time snapshot for the status endpoint.
type State struct {
	IsLeader    bool   `json:"is_leader"`
	NodeID      string `json:"node_id"`
	Transitions int64  `json:"transitions"`
}

// Elector competes for the leader lease and renews it while held.
type Elector struct {
	client *redis.Client
	nodeID string
	key    string
	ttl    time.Duration

	mu          sync.RWMutex
	isLeader    bool
	transitions int64
}

// NewElector creates an Elector identified by nodeID.
func NewElector(client *redis.Client, nodeID string, ttl time.Duration) *Elector {
	return &Elector{
		client: client,
		nodeID: nodeID,
		key:    leaderKey,
		ttl:    ttl,
	}
}

// IsLeader reports whether this node currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// GetState returns the elector snapshot for the status endpoint.
func (e *Elector) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return State{IsLeader: e.isLeader, NodeID: e.nodeID, Transitions: e.transitions}
}

// Run competes for the lease until the context is cancelled, releasing it
// on the way out. Redis errors back the loop off exponentially; repeated
// renew failures step the node down rather than risk two active leaders.
func (e *Elector) Run(ctx context.Context) error {
	interval := e.ttl / 3
	maxInterval := 10 * e.ttl
	renewFailures := 0

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.IsLeader() {
				e.release()
			}
			return ctx.Err()
		case <-timer.C:
			var err error
			if e.IsLeader() {
				var renewed bool
				renewed, err = e.renew(ctx)
				switch {
				case err != nil:
					renewFailures++
					log.WithComponent("leader").Warn().Err(err).
						Int("failures", renewFailures).Msg("lease renew failed")
					if renewFailures >= maxRenewFailures {
						e.stepDown()
						renewFailures = 0
					}
				case !renewed:
					e.stepDown()
					renewFailures = 0
				default:
					renewFailures = 0
				}
			} else {
				var acquired bool
				acquired, err = e.acquire(ctx)
				if err == nil && acquired {
					e.becomeLeader()
				}
			}

			next := e.ttl / 3
			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				next = interval
			} else {
				interval = e.ttl / 3
			}
			timer.Reset(next)
		}
	}
}

func (e *Elector) acquire(ctx context.Context) (bool, error) {
	return e.client.SetNX(ctx, e.key, e.nodeID, e.ttl).Result()
}

func (e *Elector) renew(ctx context.Context) (bool, error) {
	res, err := renewScript.Run(ctx, e.client, []string{e.key}, e.nodeID, e.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (e *Elector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, e.client, []string{e.key}, e.nodeID).Err(); err != nil {
		log.WithComponent("leader").Warn().Err(err).Msg("lease release failed")
	}
	e.stepDown()
}

func (e *Elector) becomeLeader() {
	e.mu.Lock()
	e.isLeader = true
	e.transitions++
	e.mu.Unlock()
	observability.LeaderStatus.Set(1)
	log.WithComponent("leader").Info().Str("node_id", e.nodeID).Msg("acquired leadership")
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	if !e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = false
	e.transitions++
	e.mu.Unlock()
	observability.LeaderStatus.Set(0)
	log.WithComponent("leader").Warn().Str("node_id", e.nodeID).Msg("lost leadership")
}

// Always is a LeaderGate for single-instance deployments: no redis, every
// tick runs.
type Always struct{}

// IsLeader always reports true.
func (Always) IsLeader() bool { return true }
