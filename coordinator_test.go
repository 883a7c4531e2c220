package main

import (
	"path/filepath"
	"testing"
)

func TestLeaseFileCoordinatorAcquireIsStableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lease.jwt")
	secret := []byte("test-secret")

	c1 := newLeaseFileCoordinator(path, secret, 255)
	id1, err := c1.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if id1 == 0 {
		t.Fatal("expected a non-zero server id")
	}

	// Simulate a second process reading the same lease file before it
	// expires: it must observe the same id, not mint a new one.
	c2 := newLeaseFileCoordinator(path, secret, 255)
	id2, err := c2.Acquire()
	if err != nil {
		t.Fatalf("acquire (second process): %v", err)
	}
	if id2 != id1 {
		t.Fatalf("second acquire = %d, want %d (stable lease)", id2, id1)
	}
}

func TestStaticServerIDCoordinatorReturnsConfiguredID(t *testing.T) {
	c := staticServerIDCoordinator{id: 7}
	id, err := c.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if id != 7 {
		t.Fatalf("id = %d, want 7", id)
	}
}
