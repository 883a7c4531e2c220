package main

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// recordingProducer counts the values handed to Send.
type recordingProducer struct {
	mu   sync.Mutex
	sent [][]byte
}

func (p *recordingProducer) Send(key, value []byte) {
	p.mu.Lock()
	p.sent = append(p.sent, value)
	p.mu.Unlock()
}

func (p *recordingProducer) Close() {}

func (p *recordingProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type stubJob struct {
	id      uint64
	chainID string
	body    []byte
}

func (j stubJob) ID() uint64      { return j.id }
func (j stubJob) Time() time.Time { return jobIDTime(j.id) }
func (j stubJob) Height() int64   { return 0 }
func (j stubJob) ChainID() string { return j.chainID }
func (j stubJob) Body() []byte    { return j.body }

type stubJobSource struct{ chainID string }

func (s stubJobSource) Deserialize(raw []byte) (Job, error) {
	return stubJob{id: newJobID(time.Now(), 1), chainID: s.chainID, body: raw}, nil
}

func TestStratumServerSetupAcquiresServerIDAndBuildsRepositories(t *testing.T) {
	cfg := defaultConfig()
	cfg.SServer.ID = 7
	cfg.SServer.Port = 0

	sources := map[string]JobSource{"default": stubJobSource{chainID: "default"}}
	srv := NewStratumServer(cfg, sources, defaultSessionFactory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.setup(ctx, sources); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if srv.serverID != 7 {
		t.Fatalf("serverID = %d, want 7", srv.serverID)
	}
	if _, ok := srv.repos["default"]; !ok {
		t.Fatal("expected a job repository for chain \"default\"")
	}
	for _, repo := range srv.repos {
		repo.stop()
	}
	for _, p := range srv.producers {
		p.close()
	}
	srv.dq.stop()
}

func TestStratumServerSetupFailsWithoutServerIDOrCoordinator(t *testing.T) {
	cfg := defaultConfig()
	cfg.SServer.ID = 0

	sources := map[string]JobSource{"default": stubJobSource{chainID: "default"}}
	srv := NewStratumServer(cfg, sources, defaultSessionFactory)
	if err := srv.setup(context.Background(), sources); err == nil {
		t.Fatal("expected an error when neither sserver.id nor zookeeper.lease_file_path is set")
	}
}

func TestStratumServerForwardsSharesAndEventsToProducers(t *testing.T) {
	cfg := defaultConfig()
	cfg.SServer.ID = 9
	cfg.SServer.Port = 0

	sources := map[string]JobSource{"default": stubJobSource{chainID: "default"}}
	srv := NewStratumServer(cfg, sources, defaultSessionFactory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.setup(ctx, sources); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() {
		for _, repo := range srv.repos {
			repo.stop()
		}
		for _, p := range srv.producers {
			p.close()
		}
		srv.dq.stop()
	}()

	built, ok := srv.producers["default"]
	if !ok {
		t.Fatal("expected a chainProducers entry for chain \"default\"")
	}
	built.close()
	shares, solved, events := &recordingProducer{}, &recordingProducer{}, &recordingProducer{}
	srv.producers["default"] = &chainProducers{shareLog: shares, solvedShare: solved, commonEvents: events}

	srv.sendShare("default", []byte("k"), []byte("v"))
	srv.sendSolvedShare("default", []byte("k"), []byte("v"))
	srv.emitCommonEvent("chain_switch", []byte("payload"))

	if shares.count() != 1 || solved.count() != 1 || events.count() != 1 {
		t.Fatalf("producer sends: share=%d solved=%d events=%d, want 1 each",
			shares.count(), solved.count(), events.count())
	}

	done := make(chan struct{})
	srv.dispatch(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch never ran the submitted task")
	}
}

func TestStratumServerAcceptLoopRegistersSessions(t *testing.T) {
	cfg := defaultConfig()
	cfg.SServer.ID = 3
	cfg.SServer.IP = "127.0.0.1"
	cfg.SServer.Port = 0

	sources := map[string]JobSource{"default": stubJobSource{chainID: "default"}}
	srv := NewStratumServer(cfg, sources, defaultSessionFactory)
	ctx, cancel := context.WithCancel(context.Background())

	if err := srv.setup(ctx, sources); err != nil {
		t.Fatalf("setup: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.listener = ln
	srv.wg.Add(1)
	go srv.acceptLoop(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		done := make(chan int, 1)
		srv.dq.dispatch(func() { done <- srv.conns.len() })
		if <-done > 0 {
			cancel()
			srv.wg.Wait()
			for _, repo := range srv.repos {
				repo.stop()
			}
			for _, p := range srv.producers {
				p.close()
			}
			srv.dq.stop()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	t.Fatal("connection was never registered into the connection table")
}
