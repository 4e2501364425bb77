package network

import (
	"context"
	"testing"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New(Config{BaseSubnet: "10.200.0.0/16", MaxSlots: 16, EnableNAT: false})
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	a.runCmd = func(ctx context.Context, name string, args ...string) error { return nil }
	return a
}

func TestSlotAddressingDisjoint(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()

	seen := map[string]bool{}
	var allocs []*Allocation
	for i := 0; i < 4; i++ {
		alloc, err := a.Allocate(ctx, "vm")
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		allocs = append(allocs, alloc)

		if alloc.HostIP.Equal(alloc.GuestIP) {
			t.Fatalf("host and guest IP must differ, slot %d", alloc.Slot)
		}
		key := alloc.HostIP.String() + "/" + alloc.GuestIP.String()
		if seen[key] {
			t.Fatalf("slot %d reused an address pair", alloc.Slot)
		}
		seen[key] = true

		// host IP and guest IP must differ only in the low two bits (+1 vs +2).
		hostLast := alloc.HostIP[3]
		guestLast := alloc.GuestIP[3]
		if guestLast != hostLast+1 {
			t.Errorf("slot %d: guest low byte = %d, want host+1 = %d", alloc.Slot, guestLast, hostLast+1)
		}
	}

	for _, alloc := range allocs {
		a.Release(ctx, alloc)
	}
	if got := a.InUseSlots(); got != 0 {
		t.Errorf("in-use slots after releasing all = %d, want 0", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()

	alloc, err := a.Allocate(ctx, "vm")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.Release(ctx, alloc)
	a.Release(ctx, alloc) // second release must not panic or double-count

	if got := a.InUseSlots(); got != 0 {
		t.Errorf("in-use slots = %d, want 0", got)
	}
}

func TestPoolExhaustion(t *testing.T) {
	a, err := New(Config{BaseSubnet: "10.200.0.0/16", MaxSlots: 1, EnableNAT: false})
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	a.runCmd = func(ctx context.Context, name string, args ...string) error { return nil }
	ctx := context.Background()

	if _, err := a.Allocate(ctx, "vm1"); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if _, err := a.Allocate(ctx, "vm2"); err == nil {
		t.Fatal("expected pool exhaustion error")
	}
}
