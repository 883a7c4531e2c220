package main

import "sync/atomic"

// jobState is the monotonic lifecycle of a JobRecord: MINING -> STALE only.
type jobState int32

const (
	jobStateMining jobState = iota
	jobStateStale
)

func (s jobState) String() string {
	if s == jobStateStale {
		return "STALE"
	}
	return "MINING"
}

// JobRecord wraps a Job with the chain it belongs to and a staleness flag.
// Ownership is shared between the JobRepository's window and any in-flight
// broadcasts holding a reference, via an atomic refcount (§9 redesign note:
// manual new/delete becomes shared ownership where multiple holders exist).
// The record's lifetime ends only once it has been evicted from the window
// AND no broadcast still holds it.
type JobRecord struct {
	chainID string
	job     Job
	isClean bool
	state   atomic.Int32
	refs    atomic.Int32
}

// newJobRecord constructs a JobRecord with an initial reference held by its
// caller (conventionally the JobRepository that is about to insert it into
// the window).
func newJobRecord(chainID string, job Job, isClean bool) *JobRecord {
	r := &JobRecord{chainID: chainID, job: job, isClean: isClean}
	r.refs.Store(1)
	return r
}

func (r *JobRecord) ChainID() string { return r.chainID }
func (r *JobRecord) Job() Job        { return r.job }
func (r *JobRecord) IsClean() bool   { return r.isClean }
func (r *JobRecord) State() jobState { return jobState(r.state.Load()) }

// markStale flips the record to STALE. It is idempotent and never reverses
// an already-STALE record back to MINING.
func (r *JobRecord) markStale() {
	r.state.Store(int32(jobStateStale))
}

// retain adds a reference, e.g. when a broadcast task captures the record to
// hand it to the dispatch queue.
func (r *JobRecord) retain() *JobRecord {
	r.refs.Add(1)
	return r
}

// release drops a reference; callers do not need to act on the return value,
// but it is exposed for tests that want to assert eventual collection.
func (r *JobRecord) release() int32 {
	return r.refs.Add(-1)
}

func (r *JobRecord) refCount() int32 {
	return r.refs.Load()
}
