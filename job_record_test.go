package main

import "testing"

func TestJobRecordRefCountLifecycle(t *testing.T) {
	rec := newJobRecord("default", stubJob{id: 1}, true)
	if got := rec.refCount(); got != 1 {
		t.Fatalf("refCount() = %d, want 1 after construction", got)
	}

	rec.retain()
	if got := rec.refCount(); got != 2 {
		t.Fatalf("refCount() = %d, want 2 after retain", got)
	}

	if got := rec.release(); got != 1 {
		t.Fatalf("release() = %d, want 1", got)
	}
	if got := rec.release(); got != 0 {
		t.Fatalf("release() = %d, want 0", got)
	}
}

func TestJobRecordMarkStaleIsIdempotentAndOneWay(t *testing.T) {
	rec := newJobRecord("default", stubJob{id: 1}, true)
	if rec.State() != jobStateMining {
		t.Fatalf("State() = %v, want MINING on construction", rec.State())
	}

	rec.markStale()
	if rec.State() != jobStateStale {
		t.Fatalf("State() = %v, want STALE after markStale", rec.State())
	}

	rec.markStale()
	if rec.State() != jobStateStale {
		t.Fatalf("State() = %v, want STALE to stick after a second markStale", rec.State())
	}
}

func TestJobRecordAccessors(t *testing.T) {
	job := stubJob{id: 42, chainID: "default", body: []byte("payload")}
	rec := newJobRecord("default", job, false)

	if rec.ChainID() != "default" {
		t.Fatalf("ChainID() = %q, want %q", rec.ChainID(), "default")
	}
	if rec.IsClean() {
		t.Fatal("IsClean() = true, want false")
	}
	if rec.Job().ID() != 42 {
		t.Fatalf("Job().ID() = %d, want 42", rec.Job().ID())
	}
}
