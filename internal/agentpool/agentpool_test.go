package agentpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smileynet/forge/internal/backend"
)

// fakeBackend returns a fixed result after an optional delay, recording
// every Spawn call for assertions.
type fakeBackend struct {
	mu     sync.Mutex
	calls  int
	delay  time.Duration
	result backend.AgentResult
}

func (f *fakeBackend) Spawn(ctx context.Context, opts backend.SpawnOptions) backend.AgentResult {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	return f.result
}

func (f *fakeBackend) KillAllActive() {}

func TestHasCapacity_RespectsMaxConcurrency(t *testing.T) {
	be := &fakeBackend{delay: time.Hour, result: backend.AgentResult{Status: backend.AgentSuccess}}
	p := New(1, be)
	if !p.HasCapacity() {
		t.Fatal("expected capacity before any assignment")
	}
	p.Assign(context.Background(), "bd-1", backend.SpawnOptions{})
	// Give the goroutine a moment to register the slot.
	waitUntil(t, func() bool { return p.Len() == 1 })
	if p.HasCapacity() {
		t.Error("expected no capacity once maxConcurrency is reached")
	}
}

func TestAssign_WaitForAny_ReturnsCompletion(t *testing.T) {
	be := &fakeBackend{result: backend.AgentResult{Status: backend.AgentSuccess, ExitCode: 0}}
	p := New(2, be)
	p.Assign(context.Background(), "bd-1", backend.SpawnOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, ok := p.WaitForAny(ctx)
	if !ok {
		t.Fatal("expected a completion")
	}
	if c.Slot.BeadID != "bd-1" {
		t.Errorf("BeadID = %q, want bd-1", c.Slot.BeadID)
	}
	if c.Result.Status != backend.AgentSuccess {
		t.Errorf("Status = %q, want success", c.Result.Status)
	}
}

func TestWaitForAny_FalseWhenNothingInFlight(t *testing.T) {
	p := New(2, &fakeBackend{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := p.WaitForAny(ctx); ok {
		t.Error("expected no completion with nothing assigned")
	}
}

func TestWaitForAll_DrainsEveryAssignment(t *testing.T) {
	be := &fakeBackend{result: backend.AgentResult{Status: backend.AgentSuccess}}
	p := New(3, be)
	p.Assign(context.Background(), "bd-1", backend.SpawnOptions{})
	p.Assign(context.Background(), "bd-2", backend.SpawnOptions{})
	p.Assign(context.Background(), "bd-3", backend.SpawnOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	completions := p.WaitForAll(ctx)
	if len(completions) != 3 {
		t.Fatalf("got %d completions, want 3", len(completions))
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d after WaitForAll, want 0", p.Len())
	}
}

func TestActive_ReturnsInFlightBeadIDs(t *testing.T) {
	be := &fakeBackend{delay: time.Hour}
	p := New(2, be)
	p.Assign(context.Background(), "bd-1", backend.SpawnOptions{})
	waitUntil(t, func() bool { return p.Len() == 1 })

	active := p.Active()
	if len(active) != 1 || active[0] != "bd-1" {
		t.Errorf("Active() = %v, want [bd-1]", active)
	}
}

func TestAssign_ReturnsUniqueAgentIDs(t *testing.T) {
	be := &fakeBackend{result: backend.AgentResult{Status: backend.AgentSuccess}}
	p := New(2, be)
	a := p.Assign(context.Background(), "bd-1", backend.SpawnOptions{})
	b := p.Assign(context.Background(), "bd-2", backend.SpawnOptions{})
	if a == b {
		t.Errorf("expected unique agent IDs, got %q twice", a)
	}
}

func TestWait_BlocksUntilSpawnGoroutinesReturn(t *testing.T) {
	be := &fakeBackend{delay: 20 * time.Millisecond, result: backend.AgentResult{Status: backend.AgentSuccess}}
	p := New(2, be)
	p.Assign(context.Background(), "bd-1", backend.SpawnOptions{})
	p.Assign(context.Background(), "bd-2", backend.SpawnOptions{})

	done := make(chan struct{})
	go func() {
		_ = p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return once every spawn completed")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
