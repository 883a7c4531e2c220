package main

import (
	"context"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"
)

const (
	defaultMaxJobsLifeTime      = 300 * time.Second
	defaultMiningNotifyInterval = 30 * time.Second
	jobBusPollTimeout           = 1 * time.Second
	notifyFanOutConcurrency     = 32
)

// BroadcastFunc is invoked by send_notify, on its own goroutine, with a
// retained JobRecord; the callee (StratumServer) owns fanning the record out
// to the ConnectionTable on the dispatch thread. send_notify releases its
// reference once the callback returns, so a callee that keeps the record
// past that point must retain() it and release() it when done.
type BroadcastFunc func(rec *JobRecord)

// JobRepository owns the job window for one chain: it consumes from the
// external job bus, decides which jobs to keep, schedules periodic notify
// broadcasts, and expires stale entries. Grounded on the teacher's
// job_feed.go zmqBlockLoop/longpollLoop backoff shape for the consumer loop
// and job_manager.go's notifyQueue/sizedwaitgroup fan-out for notify
// delivery.
type JobRepository struct {
	chainID string
	source  JobSource
	bus     JobBus
	dq      *dispatchQueue

	maxJobsLifeTime     time.Duration
	miningNotifyInterval time.Duration

	timestampFile string

	onBroadcast BroadcastFunc

	mu              sync.Mutex // guards fields below; only touched on the dispatch thread in practice
	window          *JobWindow
	lastJobSendTime time.Time
	lastJobID       uint64
	lastJobHeight   int64

	notifyWg sizedwaitgroup.SizedWaitGroup

	running chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
}

// JobRepositoryConfig mirrors the chains[] entry shape from §6.
type JobRepositoryConfig struct {
	ChainID              string
	MaxJobsLifeTime      time.Duration
	MiningNotifyInterval time.Duration
	TimestampFile        string
}

func newJobRepository(cfg JobRepositoryConfig, source JobSource, bus JobBus, dq *dispatchQueue, onBroadcast BroadcastFunc) *JobRepository {
	maxLife := cfg.MaxJobsLifeTime
	if maxLife <= 0 {
		maxLife = defaultMaxJobsLifeTime
	}
	notifyInterval := cfg.MiningNotifyInterval
	if notifyInterval <= 0 {
		notifyInterval = defaultMiningNotifyInterval
	}
	if notifyInterval >= maxLife {
		// Invariant from §4.2: miningNotifyInterval < maxJobsLifeTime,
		// asserted at construction. Clamp rather than panic so a bad config
		// value surfaces as a config validation error earlier in startup,
		// not a crash deep in the repository.
		notifyInterval = maxLife / 2
	}
	return &JobRepository{
		chainID:              cfg.ChainID,
		source:               source,
		bus:                  bus,
		dq:                   dq,
		maxJobsLifeTime:      maxLife,
		miningNotifyInterval: notifyInterval,
		timestampFile:        cfg.TimestampFile,
		onBroadcast:          onBroadcast,
		window:               newJobWindow(),
		notifyWg:             sizedwaitgroup.New(notifyFanOutConcurrency),
		running:              make(chan struct{}),
		stopped:              make(chan struct{}),
	}
}

// start spawns the consumer goroutine. Returns an error if the bus cannot be
// reached at setup; the in-process/ZMQ implementations here do not probe
// connectivity eagerly, so this is effectively always nil, matching the
// teacher's own lazy-connect job feed.
func (r *JobRepository) start(ctx context.Context) error {
	if r.timestampFile != "" {
		if last, err := readTimestampFile(r.timestampFile); err == nil {
			logger.Info("resuming chain with prior notify timestamp", "chain", r.chainID, "since", time.Since(last).String())
		}
	}
	close(r.running)
	r.wg.Add(1)
	go r.consumeLoop(ctx)
	return nil
}

// stop idempotently signals the consumer loop to exit and joins it (§9:
// adopt join-on-stop over the older revision's fire-and-forget stop).
func (r *JobRepository) stop() {
	select {
	case <-r.stopped:
		return
	default:
		close(r.stopped)
	}
	r.wg.Wait()
	r.bus.Close()
}

func (r *JobRepository) consumeLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopped:
			return
		case <-ctx.Done():
			return
		default:
		}

		raw, err := pollWithTimeout(ctx, r.bus, jobBusPollTimeout)
		if err != nil {
			if isBusFatal(err) {
				fatal("job bus fatal error", err, "chain", r.chainID)
			}
			if !isBusTimeout(err) {
				logger.Error("job bus poll error", "chain", r.chainID, "error", err)
			}
			r.dq.dispatch(func() { r.checkAndSendNotify(); r.tryCleanExpired() })
			continue
		}

		job, derr := r.source.Deserialize(raw)
		if derr != nil {
			logger.Warn("job deserialize failed", "chain", r.chainID, "error", derr)
			r.dq.dispatch(func() { r.checkAndSendNotify(); r.tryCleanExpired() })
			continue
		}

		if time.Since(jobIDTime(job.ID())) > r.maxJobsLifeTime {
			logger.Warn("rejecting stale job from bus", "chain", r.chainID, "job_id", job.ID())
			r.dq.dispatch(func() { r.checkAndSendNotify(); r.tryCleanExpired() })
			continue
		}

		r.dq.dispatch(func() {
			r.mu.Lock()
			exists := r.window.has(job.ID())
			r.mu.Unlock()
			if exists {
				logger.Debug("discarding duplicate job id", "chain", r.chainID, "job_id", job.ID())
			} else {
				r.broadcast(job)
			}
			r.checkAndSendNotify()
			r.tryCleanExpired()
		})
	}
}

// broadcast is the §4.2 broadcast step with one fixed "latest wins" policy:
// insert the job, mark every existing record stale, and send an immediate
// clean-job notify. Every chain uses this policy; there is no per-chain
// override. Must run on the dispatch thread.
func (r *JobRepository) broadcast(job Job) {
	r.mu.Lock()
	r.window.markAllStale()
	rec := r.createJobRecord(job, true)
	r.window.insert(rec)
	r.mu.Unlock()

	r.sendNotify(rec)
}

// getByID must only be called from the dispatch thread.
func (r *JobRepository) getByID(id uint64) (*JobRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.window.getByID(id)
}

func (r *JobRepository) getLatest() *JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.window.getLatest()
}

func (r *JobRepository) markAllStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window.markAllStale()
}

func (r *JobRepository) createJobRecord(job Job, isClean bool) *JobRecord {
	return newJobRecord(r.chainID, job, isClean)
}

// checkAndSendNotify fires a periodic notify if the window is non-empty and
// enough time has elapsed since the last one (§4.2).
func (r *JobRepository) checkAndSendNotify() {
	r.mu.Lock()
	latest := r.window.getLatest()
	due := r.lastJobSendTime.IsZero() || time.Since(r.lastJobSendTime) >= r.miningNotifyInterval
	r.mu.Unlock()

	if latest == nil {
		return
	}
	if due {
		r.sendNotify(latest)
	}
}

// sendNotify instructs the server to broadcast rec, records bookkeeping, and
// persists the timestamp file when the notified jobId changes.
func (r *JobRepository) sendNotify(rec *JobRecord) {
	id := rec.Job().ID()

	r.mu.Lock()
	changed := id != r.lastJobID
	r.lastJobSendTime = time.Now()
	r.lastJobID = id
	r.lastJobHeight = rec.Job().Height()
	r.mu.Unlock()

	if r.onBroadcast != nil {
		rec.retain()
		r.notifyWg.Add()
		go func() {
			defer r.notifyWg.Done()
			defer rec.release()
			r.onBroadcast(rec)
		}()
	}

	if changed && r.timestampFile != "" {
		if err := writeTimestampFile(r.timestampFile, time.Now()); err != nil {
			logger.Warn("write notify timestamp file failed", "chain", r.chainID, "path", r.timestampFile, "error", err)
		}
	}
}

// tryCleanExpired evicts the oldest record while the window holds more than
// one, as long as it has aged past maxJobsLifeTime. At least one record is
// always retained — the core's liveness guarantee against upstream outages.
func (r *JobRepository) tryCleanExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.window.Len() > 1 {
		oldest := r.window.oldest()
		if oldest == nil {
			return
		}
		age := time.Since(jobIDTime(oldest.Job().ID()))
		if age < r.maxJobsLifeTime {
			return
		}
		r.window.evictOldest()
	}
}

func (r *JobRepository) windowLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.window.Len()
}
