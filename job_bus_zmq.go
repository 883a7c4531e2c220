package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
)

// zmqJobBus is the production JobBus: a ZeroMQ SUB socket subscribed to one
// topic, with the same reconnect/backoff/health-tracking shape the teacher's
// job_feed.go zmqBlockLoop uses for its block-tip feed — applied here to job
// messages instead of block notifications.
type zmqJobBus struct {
	addr  string
	topic string

	mu      sync.Mutex
	sub     *zmq4.Socket
	healthy atomic.Bool

	closed   chan struct{}
	closeOne sync.Once
}

const (
	zmqJobBusRecvTimeout = 200 * time.Millisecond
	zmqJobBusRetryMin    = 1 * time.Second
	zmqJobBusRetryMax    = 10 * time.Second
)

func newZMQJobBus(addr, topic string) *zmqJobBus {
	return &zmqJobBus{addr: addr, topic: topic, closed: make(chan struct{})}
}

func (b *zmqJobBus) markHealthy(reason string) {
	if b.healthy.Swap(true) {
		return
	}
	logger.Info("job bus healthy", "addr", b.addr, "topic", b.topic, "reason", reason)
}

func (b *zmqJobBus) markUnhealthy(reason string, err error) {
	if b.healthy.Swap(false) {
		fields := []any{"addr", b.addr, "topic", b.topic, "reason", reason}
		if err != nil {
			fields = append(fields, "error", err)
		}
		logger.Warn("job bus unhealthy", fields...)
	}
}

func (b *zmqJobBus) ensureConnected() (*zmq4.Socket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return b.sub, nil
	}
	sub, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, err
	}
	if err := sub.SetSubscribe(b.topic); err != nil {
		sub.Close()
		return nil, err
	}
	if err := sub.SetRcvtimeo(zmqJobBusRecvTimeout); err != nil {
		sub.Close()
		return nil, err
	}
	if err := sub.Connect(b.addr); err != nil {
		sub.Close()
		return nil, err
	}
	b.sub = sub
	return sub, nil
}

func (b *zmqJobBus) dropConnection() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		b.sub.Close()
		b.sub = nil
	}
}

// Poll returns the next message's payload frame, or a timeout/fatal BusError.
// Reconnection with exponential backoff happens transparently inside Poll so
// JobRepository's consumer loop can treat every call the same way.
func (b *zmqJobBus) Poll(ctx context.Context) ([]byte, error) {
	retry := zmqJobBusRetryMin
	for {
		select {
		case <-ctx.Done():
			return nil, newBusTimeoutError()
		case <-b.closed:
			return nil, &BusError{Kind: busErrorOther, Err: errors.New("job bus closed")}
		default:
		}

		sub, err := b.ensureConnected()
		if err != nil {
			b.markUnhealthy("connect", err)
			if !sleepOrDone(ctx, retry, b.closed) {
				return nil, newBusTimeoutError()
			}
			retry = nextBackoff(retry)
			continue
		}

		frames, err := sub.RecvMessageBytes(0)
		if err != nil {
			eno := zmq4.AsErrno(err)
			if eno == zmq4.Errno(syscall.EAGAIN) || eno == zmq4.ETIMEDOUT {
				// Plain poll timeout; give the caller's 1s window back so
				// the consumer loop can still run check_and_send_notify.
				return nil, newBusTimeoutError()
			}
			b.markUnhealthy("receive", err)
			b.dropConnection()
			if !sleepOrDone(ctx, retry, b.closed) {
				return nil, newBusTimeoutError()
			}
			retry = nextBackoff(retry)
			continue
		}

		b.markHealthy("receive")
		retry = zmqJobBusRetryMin
		if len(frames) < 2 {
			continue // malformed: topic frame with no payload, try again
		}
		return frames[1], nil
	}
}

func (b *zmqJobBus) Close() error {
	b.closeOne.Do(func() { close(b.closed) })
	b.dropConnection()
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration, closed <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-closed:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > zmqJobBusRetryMax {
		return zmqJobBusRetryMax
	}
	return d
}
