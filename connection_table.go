package main

// ConnectionTable is the set of live Sessions, owned by StratumServer.
// Mutation is confined to the dispatch thread (§5 / §9: this replaces a
// connsLock_ mutex with dispatch-thread confinement — simpler and correct
// given the single-writer discipline). It is grounded on the shape of the
// teacher's workerConnectionRegistry, adapted from a name-hash key to the
// dense session IDs SessionIDAllocator hands out.
type ConnectionTable struct {
	sessions map[uint32]Session
}

func newConnectionTable() *ConnectionTable {
	return &ConnectionTable{sessions: make(map[uint32]Session)}
}

// insert must only be called from the dispatch thread.
func (t *ConnectionTable) insert(s Session) {
	t.sessions[s.SessionID()] = s
}

// erase must only be called from the dispatch thread.
func (t *ConnectionTable) erase(id uint32) {
	delete(t.sessions, id)
}

func (t *ConnectionTable) get(id uint32) (Session, bool) {
	s, ok := t.sessions[id]
	return s, ok
}

func (t *ConnectionTable) len() int {
	return len(t.sessions)
}

// snapshot copies the live session set. Safe to call from the dispatch
// thread only, matching every other ConnectionTable access.
func (t *ConnectionTable) snapshot() []Session {
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// forEach iterates in unspecified order, invoking fn for each live session.
// fn may return false to request removal of that session from the table
// (used by the dead-session sweep) — removal happens immediately, which is
// safe because Go map iteration tolerates deleting the current key.
func (t *ConnectionTable) forEach(fn func(Session) (keep bool)) {
	for id, s := range t.sessions {
		if !fn(s) {
			delete(t.sessions, id)
		}
	}
}
