package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type testJob struct {
	id     uint64
	height int64
	chain  string
}

func (j testJob) ID() uint64      { return j.id }
func (j testJob) Time() time.Time { return jobIDTime(j.id) }
func (j testJob) Height() int64   { return j.height }
func (j testJob) ChainID() string { return j.chain }
func (j testJob) Body() []byte    { return []byte("job") }

type testJobSource struct {
	chain string
}

// Deserialize treats raw as a decimal jobId for test simplicity.
func (s testJobSource) Deserialize(raw []byte) (Job, error) {
	var id uint64
	for _, b := range raw {
		id = id*10 + uint64(b-'0')
	}
	return testJob{id: id, height: int64(id & 0xffff), chain: s.chain}, nil
}

func encodeDecimal(n uint64) []byte {
	if n == 0 {
		return []byte("0")
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	return buf
}

func TestJobRepositoryDuplicateJobIsNoOp(t *testing.T) {
	dq := newDispatchQueue(16)
	defer dq.stop()
	bus := newMemJobBus(4)

	var broadcasts int32
	repo := newJobRepository(JobRepositoryConfig{ChainID: "btc"}, testJobSource{chain: "btc"}, bus, dq, func(rec *JobRecord) {
		atomic.AddInt32(&broadcasts, 1)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := repo.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer repo.stop()

	id := newJobID(time.Now(), 1)
	bus.publish(encodeDecimal(id))
	bus.publish(encodeDecimal(id))

	waitForCondition(t, func() bool { return repo.windowLen() == 1 })
	if repo.windowLen() != 1 {
		t.Fatalf("window len = %d, want 1 (duplicate jobId must be a no-op)", repo.windowLen())
	}
}

func TestJobRepositoryExpiryWithLiveness(t *testing.T) {
	dq := newDispatchQueue(16)
	defer dq.stop()
	bus := newMemJobBus(4)

	repo := newJobRepository(JobRepositoryConfig{
		ChainID:         "btc",
		MaxJobsLifeTime: 3 * time.Second,
	}, testJobSource{chain: "btc"}, bus, dq, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := repo.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer repo.stop()

	// jobIDTime (job.go) only carries whole-second resolution, so ages must
	// be measured from a whole-second anchor too: anchoring to time.Now()
	// directly would make the ingest staleness gate's outcome depend on
	// time.Now()'s sub-second fraction, which is exactly the race this test
	// used to hit on most runs.
	nowSec := time.Now().Truncate(time.Second)
	bus.publish(encodeDecimal(newJobID(nowSec.Add(-2*time.Second), 1)))
	waitForCondition(t, func() bool { return repo.windowLen() == 1 })

	bus.publish(encodeDecimal(newJobID(nowSec.Add(-1*time.Second), 2)))
	waitForCondition(t, func() bool { return repo.windowLen() == 2 })

	// The oldest record should eventually be evicted once it crosses
	// maxJobsLifeTime, but the window must never hit zero.
	waitForCondition(t, func() bool { return repo.windowLen() == 1 })
	if repo.windowLen() == 0 {
		t.Fatal("window must never empty even past expiry")
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJobRepositoryInvariantNotifyIntervalLessThanLifetime(t *testing.T) {
	dq := newDispatchQueue(1)
	defer dq.stop()
	bus := newMemJobBus(1)
	repo := newJobRepository(JobRepositoryConfig{
		ChainID:              "btc",
		MaxJobsLifeTime:      10 * time.Second,
		MiningNotifyInterval: 100 * time.Second, // invalid: not < lifetime
	}, testJobSource{chain: "btc"}, bus, dq, nil)
	if repo.miningNotifyInterval >= repo.maxJobsLifeTime {
		t.Fatalf("constructor must clamp miningNotifyInterval below maxJobsLifeTime, got %v >= %v",
			repo.miningNotifyInterval, repo.maxJobsLifeTime)
	}
}
