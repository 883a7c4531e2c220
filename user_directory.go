package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	userDirectoryUpdateInterval = 10 * time.Second
	userDirectoryHTTPTimeout    = 10 * time.Second
)

// workerNameEvent is one pending entry in UserDirectory's deferred
// registration queue (§4.4).
type workerNameEvent struct {
	UserID     uint32
	WorkerID   uint32
	WorkerName string
	MinerAgent string
}

// UserDirectory maintains an incrementally refreshed name->userId map
// (polled over HTTP) and a queue of pending worker-registration events that
// get drained into the common-events producer. Grounded on the teacher's
// net/http usage patterns (status_net_helpers.go/http_fallback.go) for the
// client and worker_list_store.go's sqlite-open idiom for the warm cache.
type UserDirectory struct {
	apiURL          string
	caseInsensitive bool
	userDefinedCB   bool // the "user-defined-coinbase" build variant from §4.4
	client          *http.Client
	emit            func(event string, payload []byte)
	store           *userDirectoryStore

	mu            sync.RWMutex
	nameIDs       map[string]uint32
	lastMaxUserID uint32
	lastTime      int64

	queueMu    sync.Mutex
	workerQ    []workerNameEvent

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

type UserDirectoryConfig struct {
	APIURL          string
	CaseInsensitive bool
	UserDefinedCB   bool
	StorePath       string
}

func newUserDirectory(cfg UserDirectoryConfig, emit func(event string, payload []byte)) (*UserDirectory, error) {
	var store *userDirectoryStore
	if cfg.StorePath != "" {
		s, err := newUserDirectoryStore(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		store = s
	}
	d := &UserDirectory{
		apiURL:          cfg.APIURL,
		caseInsensitive: cfg.CaseInsensitive,
		userDefinedCB:   cfg.UserDefinedCB,
		client:          &http.Client{Timeout: userDirectoryHTTPTimeout},
		emit:            emit,
		store:           store,
		nameIDs:         make(map[string]uint32),
		done:            make(chan struct{}),
	}
	return d, nil
}

func (d *UserDirectory) foldName(name string) string {
	if d.caseInsensitive {
		return strings.ToLower(name)
	}
	return name
}

// setup warms the directory: it first reloads any persisted rows so the
// directory is never empty on a cold start, then blocks until the first
// incrementalUpdate call returns 0 (fully caught up), per §4.4.
func (d *UserDirectory) setup(ctx context.Context) error {
	if d.store != nil {
		rows, err := d.store.loadAll()
		if err != nil {
			logger.Warn("user directory warm cache load failed", "error", err)
		} else {
			d.mu.Lock()
			for name, id := range rows {
				d.nameIDs[name] = id
				if id > d.lastMaxUserID {
					d.lastMaxUserID = id
				}
			}
			d.mu.Unlock()
		}
	}

	for {
		n, err := d.incrementalUpdate(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// start launches the two background loops from §4.4: the updater and the
// worker-name writer.
func (d *UserDirectory) start(ctx context.Context) {
	d.wg.Add(2)
	go d.updaterLoop(ctx)
	go d.writerLoop(ctx)
}

func (d *UserDirectory) stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
	if d.store != nil {
		d.store.Close()
	}
}

func (d *UserDirectory) updaterLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(userDirectoryUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-ticker.C:
			if _, err := d.incrementalUpdate(ctx); err != nil {
				logger.Error("user directory update failed", "error", err)
			}
		}
	}
}

func (d *UserDirectory) writerLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		default:
		}
		evt, ok := d.peekWorkerEvent()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.done:
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		payload, err := fastJSONMarshal(map[string]any{
			"user_id":     evt.UserID,
			"worker_id":   evt.WorkerID,
			"worker_name": evt.WorkerName,
			"miner_agent": evt.MinerAgent,
		})
		if err != nil {
			logger.Error("worker_update marshal failed", "error", err)
			d.popWorkerEvent()
			continue
		}
		// Emit-then-pop: the event leaves the queue only after emit has
		// returned. emit reports no failure, so every emitted event is
		// popped; a failed delivery is not detected or retried here.
		if d.emit != nil {
			d.emit("worker_update", payload)
		}
		d.popWorkerEvent()
	}
}

// incrementalUpdate issues the HTTP GET described in §4.4 and upserts the
// resulting entries. Returns the number of entries ingested, 0 if none, and
// a non-nil error (distinct from the C++ "-1" sentinel, which is the Go
// idiom for the same "any error" outcome).
func (d *UserDirectory) incrementalUpdate(ctx context.Context) (int, error) {
	d.mu.RLock()
	lastMax := d.lastMaxUserID
	lastTime := d.lastTime
	d.mu.RUnlock()

	u, err := url.Parse(d.apiURL)
	if err != nil {
		return 0, err
	}
	q := u.Query()
	q.Set("last_id", fmt.Sprintf("%d", lastMax))
	if d.userDefinedCB {
		q.Set("last_time", fmt.Sprintf("%d", lastTime))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var payload struct {
		Data struct {
			Users map[string]userDirectoryEntry `json:"users"`
		} `json:"data"`
	}
	if err := fastJSONUnmarshal(body, &payload); err != nil {
		return 0, err
	}

	if len(payload.Data.Users) == 0 {
		return 0, nil
	}

	d.mu.Lock()
	count := 0
	maxSeen := lastMax
	for name, entry := range payload.Data.Users {
		id := entry.resolveID()
		key := d.foldName(name)
		d.nameIDs[key] = id
		if id > maxSeen {
			maxSeen = id
		}
		count++
		if d.store != nil {
			_ = d.store.upsert(key, id)
		}
	}
	d.lastMaxUserID = maxSeen
	d.lastTime = time.Now().Unix()
	d.mu.Unlock()

	return count, nil
}

// userDirectoryEntry accepts either the plain "name: id" shape or the
// user-defined-coinbase "name: {puid, coinbase}" shape from §4.4.
type userDirectoryEntry struct {
	plain   uint32
	withPUID struct {
		PUID     uint32 `json:"puid"`
		Coinbase string `json:"coinbase"`
	}
	hasPUID bool
}

func (e *userDirectoryEntry) UnmarshalJSON(data []byte) error {
	if err := fastJSONUnmarshal(data, &e.plain); err == nil {
		return nil
	}
	if err := fastJSONUnmarshal(data, &e.withPUID); err != nil {
		return err
	}
	e.hasPUID = true
	return nil
}

func (e userDirectoryEntry) resolveID() uint32 {
	if e.hasPUID {
		return e.withPUID.PUID
	}
	return e.plain
}

// getUserID looks up name (case-folded per configuration); 0 means
// "not found".
func (d *UserDirectory) getUserID(name string) uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nameIDs[d.foldName(name)]
}

// addWorker appends a registration event to the pending queue under lock.
func (d *UserDirectory) addWorker(userID, workerID uint32, workerName, minerAgent string) {
	d.queueMu.Lock()
	d.workerQ = append(d.workerQ, workerNameEvent{
		UserID: userID, WorkerID: workerID, WorkerName: workerName, MinerAgent: minerAgent,
	})
	d.queueMu.Unlock()
}

func (d *UserDirectory) peekWorkerEvent() (workerNameEvent, bool) {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if len(d.workerQ) == 0 {
		return workerNameEvent{}, false
	}
	return d.workerQ[0], true
}

func (d *UserDirectory) popWorkerEvent() {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if len(d.workerQ) == 0 {
		return
	}
	d.workerQ = d.workerQ[1:]
}
