// Package runtime owns the long-running components (scheduler, pool
// controller, counter flusher, monitor checker, cleaner, hubs): it starts
// each loop, restarts it with backoff when it exits unexpectedly, and
// exposes per-component liveness for the status endpoint.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/hooklinehq/hookline/internal/log"
)

const (
	restartBase = time.Second
	restartCap  = time.Minute
)

// Component states reported by Snapshot.
const (
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateStopped    = "stopped"
)

// Status is one component's liveness snapshot.
type Status struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at"`
}

type component struct {
	name string
	run  func(context.Context) error

	mu        sync.Mutex
	state     string
	restarts  int
	startedAt time.Time
}

func (c *component) setState(state string) {
	c.mu.Lock()
	c.state = state
	if state == StateRunning {
		c.startedAt = time.Now().UTC()
	}
	c.mu.Unlock()
}

func (c *component) status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Name: c.name, State: c.state, Restarts: c.restarts, StartedAt: c.startedAt}
}

// Runtime supervises registered components.
type Runtime struct {
	mu         sync.Mutex
	components []*component
	started    bool
}

// New creates an empty Runtime.
func New() *Runtime {
	return &Runtime{}
}

// Add registers a component. Must be called before Run.
func (r *Runtime) Add(name string, run func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		panic("runtime: Add after Run")
	}
	r.components = append(r.components, &component{name: name, run: run, state: StateStopped})
}

// Run starts every component and blocks until the context is cancelled and
// all of them have returned.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	r.started = true
	components := r.components
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func(c *component) {
			defer wg.Done()
			r.supervise(ctx, c)
		}(c)
	}
	wg.Wait()
	return ctx.Err()
}

// supervise runs one component, restarting it with exponential backoff when
// it exits while the context is still live.
func (r *Runtime) supervise(ctx context.Context, c *component) {
	backoff := restartBase
	for {
		c.setState(StateRunning)
		log.WithComponent("runtime").Info().Str("name", c.name).Msg("component started")

		err := c.run(ctx)

		if ctx.Err() != nil {
			c.setState(StateStopped)
			log.WithComponent("runtime").Info().Str("name", c.name).Msg("component stopped")
			return
		}

		c.mu.Lock()
		c.restarts++
		c.state = StateRestarting
		c.mu.Unlock()
		log.WithComponent("runtime").Error().Err(err).
			Str("name", c.name).Dur("backoff", backoff).
			Msg("component exited, restarting")

		select {
		case <-ctx.Done():
			c.setState(StateStopped)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartCap {
			backoff = restartCap
		}
	}
}

// Snapshot returns the liveness of every component.
func (r *Runtime) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c.status())
	}
	return out
}
