package main

import (
	"context"
	"errors"
	"time"
)

// busErrorKind classifies JobBus receive errors the way JobRepository's
// consumer loop needs to distinguish transient trouble from a fatal
// misconfiguration (§4.2 step 2, §7).
type busErrorKind int

const (
	busErrorNone busErrorKind = iota
	busErrorTimeout
	busErrorUnknownTopic
	busErrorUnknownPartition
	busErrorOther
)

// BusError wraps an underlying transport error with the kind JobRepository
// needs to decide whether to log-and-continue or crash.
type BusError struct {
	Kind busErrorKind
	Err  error
}

func (e *BusError) Error() string {
	if e.Err == nil {
		return "job bus error"
	}
	return e.Err.Error()
}

func (e *BusError) Unwrap() error { return e.Err }

// JobBus is the external job message bus, consumed by one JobRepository per
// chain. The core never names Kafka directly (spec §1: "Kafka client
// internals... referenced only by interface"); this interface is the thin
// seam a real Kafka consumer would sit behind. The in-process implementation
// in this file and the ZeroMQ one in job_bus_zmq.go back it for tests and for
// the one concrete transport this repository ships, respectively.
type JobBus interface {
	// Poll blocks for up to the caller-supplied timeout (via ctx) waiting
	// for the next message. It returns (nil, busErrorTimeout-wrapped error)
	// on a plain timeout — not a failure JobRepository should log
	// loudly about.
	Poll(ctx context.Context) ([]byte, error)
	Close() error
}

var errBusTimeout = errors.New("job bus poll timeout")

// newBusTimeoutError is the sentinel JobRepository's consumer loop checks
// for to distinguish "nothing arrived this second" from a real problem.
func newBusTimeoutError() error {
	return &BusError{Kind: busErrorTimeout, Err: errBusTimeout}
}

func isBusTimeout(err error) bool {
	var be *BusError
	if errors.As(err, &be) {
		return be.Kind == busErrorTimeout
	}
	return false
}

func isBusFatal(err error) bool {
	var be *BusError
	if errors.As(err, &be) {
		return be.Kind == busErrorUnknownTopic || be.Kind == busErrorUnknownPartition
	}
	return false
}

// memJobBus is an in-process JobBus backed by a buffered channel; it is the
// default transport for tests and for chains configured without a
// job_bus_addr (see StratumServer.newJobBus), grounded on the teacher's own buffered-channel notify queues
// (job_manager.go's notifyQueue).
type memJobBus struct {
	ch     chan []byte
	closed chan struct{}
}

func newMemJobBus(buffer int) *memJobBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &memJobBus{ch: make(chan []byte, buffer), closed: make(chan struct{})}
}

func (b *memJobBus) publish(msg []byte) {
	select {
	case b.ch <- msg:
	case <-b.closed:
	}
}

func (b *memJobBus) Poll(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-b.ch:
		return msg, nil
	case <-ctx.Done():
		return nil, newBusTimeoutError()
	case <-b.closed:
		return nil, &BusError{Kind: busErrorOther, Err: errors.New("bus closed")}
	}
}

func (b *memJobBus) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

// pollWithTimeout is the helper JobRepository's consumer loop uses to give a
// JobBus a bounded 1-second window per iteration (§4.2 step 1), regardless of
// which concrete transport is behind the interface.
func pollWithTimeout(parent context.Context, bus JobBus, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return bus.Poll(ctx)
}
