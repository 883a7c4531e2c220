package main

import "sort"

// JobWindow is an ordered mapping from jobId to JobRecord for one chain.
// Iteration order equals ascending jobId, which (because jobId embeds the
// creation timestamp in its high bits) equals ascending creation time — the
// property try_clean_expired relies on for O(1)-amortized eviction of the
// oldest record.
//
// Mutation is confined to the dispatch thread (§5); JobWindow itself holds
// no lock.
type JobWindow struct {
	byID    map[uint64]*JobRecord
	ordered []uint64 // ascending jobId; kept sorted on insert
}

func newJobWindow() *JobWindow {
	return &JobWindow{byID: make(map[uint64]*JobRecord)}
}

func (w *JobWindow) Len() int { return len(w.ordered) }

// insert adds rec under its Job's ID. Caller is responsible for having
// already rejected a duplicate jobId via has(); insert overwrites silently
// if called with a jobId already present, since the window's unique-keys
// invariant is the caller's to enforce.
func (w *JobWindow) insert(rec *JobRecord) {
	id := rec.Job().ID()
	if _, exists := w.byID[id]; exists {
		w.byID[id] = rec
		return
	}
	w.byID[id] = rec
	// ordered is almost always appended to at the tail since jobId embeds
	// creation time; insertion-sort the rare out-of-order arrival.
	i := sort.Search(len(w.ordered), func(i int) bool { return w.ordered[i] >= id })
	w.ordered = append(w.ordered, 0)
	copy(w.ordered[i+1:], w.ordered[i:])
	w.ordered[i] = id
}

func (w *JobWindow) has(id uint64) bool {
	_, ok := w.byID[id]
	return ok
}

func (w *JobWindow) getByID(id uint64) (*JobRecord, bool) {
	rec, ok := w.byID[id]
	return rec, ok
}

// getLatest returns the record with the largest jobId, or nil if the window
// is empty.
func (w *JobWindow) getLatest() *JobRecord {
	if len(w.ordered) == 0 {
		return nil
	}
	return w.byID[w.ordered[len(w.ordered)-1]]
}

// oldest returns the record with the smallest jobId, or nil if empty.
func (w *JobWindow) oldest() *JobRecord {
	if len(w.ordered) == 0 {
		return nil
	}
	return w.byID[w.ordered[0]]
}

func (w *JobWindow) markAllStale() {
	for _, rec := range w.byID {
		rec.markStale()
	}
}

// evictOldest removes the oldest record from the window. Callers must never
// call this when Len() <= 1 — the "keep at least one" liveness guarantee is
// enforced by try_clean_expired, not by JobWindow itself.
func (w *JobWindow) evictOldest() *JobRecord {
	if len(w.ordered) == 0 {
		return nil
	}
	id := w.ordered[0]
	rec := w.byID[id]
	delete(w.byID, id)
	w.ordered = w.ordered[1:]
	return rec
}
