package main

import (
	"sync"
	"time"
)

// Producer is the narrow seam the core uses for each of the three outbound
// Kafka sinks (share log, solved share, common events) named in §6. The core
// never names a Kafka client directly (spec §1): it posts (topic is fixed
// per Producer instance, so only key/value are passed) and the
// implementation behind the interface owns batching, delivery, and backoff.
// No Kafka client library appears anywhere in the reference pack this
// project draws from, so the shipped implementation is an in-process bounded
// queue honoring the same backpressure shape §5 specifies for the real
// thing; swapping in a genuine Kafka client means implementing this
// interface against it.
type Producer interface {
	// Send is fire-and-forget: callers never block on delivery and never
	// observe per-message errors, matching "share submission is
	// at-least-once fire-and-forget into Kafka" (spec §1 non-goals).
	Send(key, value []byte)
	Close()
}

// producerConfig captures the backpressure knobs §5 assigns per topic kind.
type producerConfig struct {
	bufferSize    int
	batchInterval time.Duration
}

var (
	shareLogProducerConfig     = producerConfig{bufferSize: 10_000_000, batchInterval: time.Second}
	solvedShareProducerConfig  = producerConfig{bufferSize: 4096, batchInterval: time.Millisecond}
	commonEventsProducerConfig = producerConfig{bufferSize: 500_000, batchInterval: time.Second}
)

type kvMessage struct {
	key   []byte
	value []byte
}

// inProcessProducer is a bounded-channel Producer. Overflow drops the
// message and logs it rather than blocking the caller — "solved shares take
// priority over telemetry" (§5) is honored by giving the solved-share
// producer a small buffer with effectively-immediate delivery and the
// share-log/common-events producers much larger buffers plus batching, so
// a telemetry burst cannot back up and stall real submissions upstream of
// this interface.
type inProcessProducer struct {
	topic   string
	cfg     producerConfig
	queue   chan kvMessage
	flush   func([]kvMessage)
	done    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Once
}

// newInProcessProducer starts a background batching goroutine that flushes
// queued messages to flush every cfg.batchInterval (or immediately, for
// batch intervals of 1ms or less — the solved-share case).
func newInProcessProducer(topic string, cfg producerConfig, flush func([]kvMessage)) *inProcessProducer {
	if flush == nil {
		flush = func([]kvMessage) {}
	}
	p := &inProcessProducer{
		topic: topic,
		cfg:   cfg,
		queue: make(chan kvMessage, cfg.bufferSize),
		flush: flush,
		done:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *inProcessProducer) run() {
	defer p.wg.Done()
	interval := p.cfg.batchInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []kvMessage
	flushPending := func() {
		if len(pending) == 0 {
			return
		}
		p.flush(pending)
		pending = nil
	}

	for {
		select {
		case msg := <-p.queue:
			pending = append(pending, msg)
			if interval <= time.Millisecond {
				flushPending()
			}
		case <-ticker.C:
			flushPending()
		case <-p.done:
			for {
				select {
				case msg := <-p.queue:
					pending = append(pending, msg)
				default:
					flushPending()
					return
				}
			}
		}
	}
}

func (p *inProcessProducer) Send(key, value []byte) {
	select {
	case p.queue <- kvMessage{key: key, value: value}:
	default:
		logger.Warn("producer queue full, dropping message", "topic", p.topic)
	}
}

func (p *inProcessProducer) Close() {
	p.closeMu.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

// chainProducers bundles the three per-chain Kafka-shaped sinks §4.3 requires
// StratumServer to own.
type chainProducers struct {
	shareLog     Producer
	solvedShare  Producer
	commonEvents Producer
}

func newChainProducers(cc ChainConfig, flush func(topic string, msgs []kvMessage)) *chainProducers {
	if flush == nil {
		flush = func(string, []kvMessage) {}
	}
	shareTopic := cc.shareLogTopic()
	solvedTopic := cc.solvedShareTopic()
	eventsTopic := cc.commonEventsTopic()
	return &chainProducers{
		shareLog:     newInProcessProducer(shareTopic, shareLogProducerConfig, func(m []kvMessage) { flush(shareTopic, m) }),
		solvedShare:  newInProcessProducer(solvedTopic, solvedShareProducerConfig, func(m []kvMessage) { flush(solvedTopic, m) }),
		commonEvents: newInProcessProducer(eventsTopic, commonEventsProducerConfig, func(m []kvMessage) { flush(eventsTopic, m) }),
	}
}

func (p *chainProducers) close() {
	p.shareLog.Close()
	p.solvedShare.Close()
	p.commonEvents.Close()
}
