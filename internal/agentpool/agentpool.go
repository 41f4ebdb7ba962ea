// Package agentpool bounds the number of concurrently running coding
// agents and races their completions so the orchestrator can react to
// whichever finishes first.
package agentpool

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/smileynet/forge/internal/backend"
)

// Slot is one in-flight agent assignment.
type Slot struct {
	AgentID string
	BeadID  string
}

// Completion pairs a finished Slot with its result.
type Completion struct {
	Slot   Slot
	Result backend.AgentResult
}

// Pool runs up to maxConcurrency agents at once. All bookkeeping is
// guarded by a mutex, but the orchestrator itself is single-threaded:
// the mutex exists to protect the completions channel and slot map from
// the spawned goroutines that wait on each agent, not from orchestrator
// concurrency.
type Pool struct {
	maxConcurrency int
	backend        backend.AgentBackend

	mu        sync.Mutex
	slots     map[string]Slot // agentID -> slot
	completed chan Completion
	group     errgroup.Group
}

// New creates a Pool bounded to maxConcurrency concurrent agents,
// dispatching through backend.
func New(maxConcurrency int, be backend.AgentBackend) *Pool {
	return &Pool{
		maxConcurrency: maxConcurrency,
		backend:        be,
		slots:          make(map[string]Slot),
		completed:      make(chan Completion, maxConcurrency),
	}
}

// HasCapacity reports whether another agent can be assigned right now.
func (p *Pool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) < p.maxConcurrency
}

// Len reports the number of in-flight agents.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Assign starts a spawn for beadID and returns its agentId. Completion
// (success, failure, or a rejected spawn) is always delivered exactly
// once via a future WaitForAny/WaitForAll call; callers never need to
// poll.
func (p *Pool) Assign(ctx context.Context, beadID string, opts backend.SpawnOptions) string {
	agentID := uuid.NewString()
	slot := Slot{AgentID: agentID, BeadID: beadID}

	p.mu.Lock()
	p.slots[agentID] = slot
	p.mu.Unlock()

	p.group.Go(func() error {
		result := p.backend.Spawn(ctx, opts)
		p.mu.Lock()
		delete(p.slots, agentID)
		p.mu.Unlock()
		p.completed <- Completion{Slot: slot, Result: result}
		return nil
	})

	return agentID
}

// Wait blocks until every spawn started by Assign has returned, so a
// caller that just called KillAllActive never races a still-running
// spawn goroutine during shutdown.
func (p *Pool) Wait() error {
	return p.group.Wait()
}

// WaitForAny blocks until the next agent completes and returns it.
// Returns (zero, false) if the pool has nothing in flight and nothing
// already queued.
func (p *Pool) WaitForAny(ctx context.Context) (Completion, bool) {
	if p.Len() == 0 && len(p.completed) == 0 {
		return Completion{}, false
	}
	select {
	case c := <-p.completed:
		return c, true
	case <-ctx.Done():
		return Completion{}, false
	}
}

// WaitForAll drains every remaining in-flight agent, returning their
// completions in arrival order.
func (p *Pool) WaitForAll(ctx context.Context) []Completion {
	var out []Completion
	for p.Len() > 0 {
		c, ok := p.WaitForAny(ctx)
		if !ok {
			break
		}
		out = append(out, c)
	}
	// Drain any already-buffered completions left after the last slot
	// was removed but before its result was consumed.
	for {
		select {
		case c := <-p.completed:
			out = append(out, c)
		default:
			return out
		}
	}
}

// Active returns the bead IDs currently assigned, for checkpoint
// persistence.
func (p *Pool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.slots))
	for _, s := range p.slots {
		ids = append(ids, s.BeadID)
	}
	return ids
}
