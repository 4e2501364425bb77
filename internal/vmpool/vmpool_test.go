package vmpool

import (
	"context"
	"testing"
)

// A pool with Size <= 0 must never touch its collaborators: Acquire is
// a permanent, dependency-free miss. This lets callers pass a pool
// built from zero-value Manager/Network fields when warming is off.
func TestAcquireDisabledPoolAlwaysMisses(t *testing.T) {
	p := New(Config{})

	entry, ok := p.Acquire("alpine.ext4")
	if ok {
		t.Fatalf("expected miss on a disabled pool, got entry %+v", entry)
	}
}

func TestShutdownOnEmptyPoolIsNoop(t *testing.T) {
	p := New(Config{Size: 2})

	p.Shutdown(context.Background())

	if _, ok := p.Acquire("alpine.ext4"); ok {
		t.Fatal("expected miss after shutdown")
	}
}

func TestAcquireAfterShutdownDoesNotReplenish(t *testing.T) {
	p := New(Config{Size: 2})
	p.Shutdown(context.Background())

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if !closed {
		t.Fatal("expected pool to report closed after Shutdown")
	}

	if _, ok := p.Acquire("alpine.ext4"); ok {
		t.Fatal("expected miss after shutdown")
	}
	p.mu.Lock()
	idle := len(p.idle["alpine.ext4"])
	p.mu.Unlock()
	if idle != 0 {
		t.Fatalf("idle VMs after Acquire on a closed pool = %d, want 0", idle)
	}
}
