package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServerIDCoordinator acquires the unique small serverId (1..255) a
// SessionIDAllocator needs when it is not supplied directly via
// sserver.id in config (§4.1, §6 zookeeper.*). The core names no
// ZooKeeper client directly (spec §1); this interface is the seam a real
// coordination-service client would sit behind.
type ServerIDCoordinator interface {
	Acquire() (uint8, error)
	Release() error
}

// leaseFileCoordinator is the shipped implementation: a single-process
// lease file holding a JWT-signed claim on a serverId, so the lease can be
// inspected or verified by another process without a shared-memory channel.
// No ZooKeeper-like component exists anywhere in the reference pack this
// project draws from, so this substitutes a local, inspectable lease for
// the external coordination service named in config.
type leaseFileCoordinator struct {
	path      string
	secret    []byte
	maxID     uint8
	mu        sync.Mutex
	acquired  uint8
	hasLeased bool
	expiresAt time.Time
}

type leaseClaims struct {
	ServerID uint8 `json:"server_id"`
	jwt.RegisteredClaims
}

func newLeaseFileCoordinator(path string, secret []byte, maxID uint8) *leaseFileCoordinator {
	if maxID == 0 {
		maxID = 255
	}
	return &leaseFileCoordinator{path: path, secret: secret, maxID: maxID}
}

// Acquire reads any existing unexpired lease from path; if none is valid, it
// picks the lowest unused serverId (scanning 1..maxID against the lease
// file's recorded holders) and writes a freshly signed lease.
func (c *leaseFileCoordinator) Acquire() (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	held, err := c.readLease()
	if err == nil && held != 0 && time.Now().Before(c.expiresAt) {
		c.acquired = held
		c.hasLeased = true
		return held, nil
	}

	id := c.pickUnusedID(held)
	if id == 0 {
		return 0, errors.New("no server id available from coordinator")
	}
	if err := c.writeLease(id); err != nil {
		return 0, err
	}
	c.acquired = id
	c.hasLeased = true
	return id, nil
}

func (c *leaseFileCoordinator) readLease() (uint8, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return 0, err
	}
	token, err := jwt.ParseWithClaims(string(data), &leaseClaims{}, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, fmt.Errorf("invalid lease: %w", err)
	}
	claims, ok := token.Claims.(*leaseClaims)
	if !ok {
		return 0, errors.New("unexpected lease claims type")
	}
	if claims.ExpiresAt != nil {
		c.expiresAt = claims.ExpiresAt.Time
	}
	return claims.ServerID, nil
}

// pickUnusedID picks the lowest id not already held by an unexpired lease.
// Single-process local coordinator: the only lease it ever tracks is its own
// file, so any id other than a still-live held one is free.
func (c *leaseFileCoordinator) pickUnusedID(held uint8) uint8 {
	if held != 0 && time.Now().Before(c.expiresAt) {
		for id := uint8(1); id <= c.maxID; id++ {
			if id != held {
				return id
			}
		}
		return 0
	}
	return 1
}

func (c *leaseFileCoordinator) writeLease(id uint8) error {
	now := time.Now()
	claims := leaseClaims{
		ServerID: id,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(c.path, []byte(signed), 0o600)
}

func (c *leaseFileCoordinator) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasLeased {
		return nil
	}
	c.hasLeased = false
	return os.Remove(c.path)
}

// staticServerIDCoordinator backs the "sserver.id configured directly"
// path (§4.3 setup: "acquire serverId (from config if 1..255, otherwise
// from coordination service)") with the same interface, so StratumServer
// never branches on where serverId came from.
type staticServerIDCoordinator struct{ id uint8 }

func (s staticServerIDCoordinator) Acquire() (uint8, error) { return s.id, nil }
func (s staticServerIDCoordinator) Release() error          { return nil }
