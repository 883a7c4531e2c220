package main

// Session is the per-connection collaborator the core treats as an external
// interface: stratum protocol parsing, authorization, difficulty arithmetic,
// and share validation all live on the implementation, not in this core
// (spec non-goal). The core only needs enough of a Session to route notifies
// and reclaim dead connections.
type Session interface {
	SessionID() uint32
	ChainID() string
	UserName() string

	// IsDead reports whether the session's I/O has failed and it is ready
	// to be swept from the ConnectionTable.
	IsDead() bool

	// WriteNotify delivers an opaque notify body to the session. Errors are
	// the session implementation's concern; the core reclaims a session
	// whose write fails in the same pass, just as it reclaims a dead one.
	WriteNotify(body []byte) error

	// SwitchChain is invoked by StratumServer.switchChain for sessions whose
	// userName matches and whose chainId differs from newChainID.
	SwitchChain(newChainID string) error

	// NotifyRegistration is invoked by StratumServer.autoRegCallback to
	// broadcast a registration event; it returns whether this session
	// accepted it.
	NotifyRegistration(userName string) bool

	Close()
}
