package main

import "testing"

func TestSessionIDAllocatorServerIDFromConfig(t *testing.T) {
	a := newSessionIDAllocator(24, 7)
	id, err := a.alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if id != 0x07000000 {
		t.Fatalf("first alloc = 0x%x, want 0x07000000", id)
	}

	if err := a.free(id); err != nil {
		t.Fatalf("free: %v", err)
	}

	a.setAllocInterval(1)
	id, err = a.alloc()
	if err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
	if id != 0x07000001 {
		t.Fatalf("second alloc = 0x%x, want 0x07000001", id)
	}
}

func TestSessionIDAllocatorExhaustion(t *testing.T) {
	a := newSessionIDAllocator(8, 0)
	ids := make([]uint32, 0, 256)
	for i := 0; i < 256; i++ {
		id, err := a.alloc()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	if !a.isFull() {
		t.Fatal("expected allocator to be full")
	}
	if _, err := a.alloc(); err != errAllocatorExhausted {
		t.Fatalf("alloc past capacity = %v, want errAllocatorExhausted", err)
	}

	if err := a.free(ids[0]); err != nil {
		t.Fatalf("free: %v", err)
	}
	if _, err := a.alloc(); err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
}

func TestSessionIDAllocatorPopcountMatchesCount(t *testing.T) {
	a := newSessionIDAllocator(16, 1)
	var live []uint32
	for i := 0; i < 50; i++ {
		id, err := a.alloc()
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		live = append(live, id)
	}
	for i := 0; i < 20; i++ {
		if err := a.free(live[i]); err != nil {
			t.Fatalf("free: %v", err)
		}
	}
	if got, want := a.popcount(), a.liveCount(); got != want {
		t.Fatalf("popcount=%d liveCount=%d, want equal", got, want)
	}
}

func TestSessionIDAllocatorFreeAlreadyFreeIsDetected(t *testing.T) {
	a := newSessionIDAllocator(8, 0)
	id, err := a.alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := a.free(id); err != nil {
		t.Fatalf("first free: %v", err)
	}
	if err := a.free(id); err == nil {
		t.Fatal("expected error freeing an already-free id")
	}
}

func TestSessionIDAllocatorZeroIntervalAllocatesAdjacentIndices(t *testing.T) {
	a := newSessionIDAllocator(8, 0)
	a.setAllocInterval(0)
	first, err := a.alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	second, err := a.alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if second != first+1 {
		t.Fatalf("with interval=0, consecutive allocs should be adjacent: %d then %d", first, second)
	}
}
