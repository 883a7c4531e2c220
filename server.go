package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// StratumServer is the top-level composition root: it owns the dispatch
// queue, one JobRepository+chainProducers per configured chain, the
// ConnectionTable, the SessionIDAllocator, the UserDirectory, the
// ServerIDCoordinator lease, and the OperatorNotifier. Grounded on the
// teacher's serveStratum/Node composition in its own main.go (accept loop,
// connWg graceful drain) — this struct takes over the role that main.go's
// package-level state played there.
type StratumServer struct {
	cfg Config

	dq         *dispatchQueue
	conns      *ConnectionTable
	sessionIDs *SessionIDAllocator
	coord      ServerIDCoordinator
	serverID   uint8
	notifier   OperatorNotifier
	users      *UserDirectory

	sessionFactory SessionFactory

	repos     map[string]*JobRepository
	producers map[string]*chainProducers

	listener  net.Listener
	limiter   *acceptRateLimiter
	startedAt time.Time

	connWg sync.WaitGroup
	wg     sync.WaitGroup
}

// SessionFactory builds the per-connection collaborator for a freshly
// accepted socket; the protocol handshake, difficulty arithmetic, and share
// validation it performs are outside this core's scope (§1 non-goal) — the
// core only needs the resulting Session to route notifies through.
type SessionFactory func(conn net.Conn, sessionID uint32, server *StratumServer) (Session, error)

// NewStratumServer wires every SPEC_FULL.md component from cfg but performs
// no I/O; call setup to acquire the server id and bind sources, then run to
// accept connections.
func NewStratumServer(cfg Config, sources map[string]JobSource, sessionFactory SessionFactory) *StratumServer {
	return &StratumServer{
		cfg:            cfg,
		dq:             newDispatchQueue(4096),
		conns:          newConnectionTable(),
		sessionFactory: sessionFactory,
		repos:          make(map[string]*JobRepository),
		producers:      make(map[string]*chainProducers),
		limiter:        newAcceptRateLimiter(cfg.SServer.MaxAcceptsPerSecond, cfg.SServer.MaxAcceptBurst),
	}
}

// setup acquires the serverId, builds the SessionIDAllocator, the
// UserDirectory, the OperatorNotifier, and one JobRepository+chainProducers
// pair per configured chain (§4.3 "setup").
func (s *StratumServer) setup(ctx context.Context, sources map[string]JobSource) error {
	coord, err := s.resolveCoordinator()
	if err != nil {
		return fmt.Errorf("resolve server id coordinator: %w", err)
	}
	s.coord = coord
	id, err := coord.Acquire()
	if err != nil {
		return fmt.Errorf("acquire server id: %w", err)
	}
	s.serverID = id
	s.sessionIDs = newSessionIDAllocator(24, id)

	if s.cfg.OperatorNotify.DiscordBotToken != "" {
		notifier, err := newDiscordOperatorNotifier(s.cfg.OperatorNotify.DiscordBotToken, s.cfg.OperatorNotify.DiscordChannelID)
		if err != nil {
			logger.Warn("discord notifier setup failed, continuing without it", "error", err)
			s.notifier = noopOperatorNotifier{}
		} else if notifier == nil {
			s.notifier = noopOperatorNotifier{}
		} else {
			s.notifier = notifier
		}
	} else {
		s.notifier = noopOperatorNotifier{}
	}

	if s.cfg.Users.ListIDAPIURL != "" {
		users, err := newUserDirectory(UserDirectoryConfig{
			APIURL:          s.cfg.Users.ListIDAPIURL,
			CaseInsensitive: s.cfg.Users.CaseInsensitive,
			StorePath:       s.cfg.Users.StorePath,
		}, s.emitCommonEvent)
		if err != nil {
			return fmt.Errorf("user directory setup: %w", err)
		}
		if err := users.setup(ctx); err != nil {
			return fmt.Errorf("user directory warm-up: %w", err)
		}
		s.users = users
	}

	for _, cc := range s.cfg.chainConfigs() {
		source, ok := sources[cc.Name]
		if !ok {
			return fmt.Errorf("no job source registered for chain %q", cc.Name)
		}

		producers := newChainProducers(cc, nil)
		s.producers[cc.Name] = producers

		bus := s.newJobBus(cc)
		repo := newJobRepository(JobRepositoryConfig{
			ChainID:              cc.Name,
			MaxJobsLifeTime:      time.Duration(s.cfg.SServer.MaxJobLifetime) * time.Second,
			MiningNotifyInterval: time.Duration(s.cfg.SServer.MiningNotifyInterval) * time.Second,
			TimestampFile:        cc.FileLastNotifyTime,
		}, source, bus, s.dq, s.onJobBroadcast)
		s.repos[cc.Name] = repo
	}

	return nil
}

func (s *StratumServer) resolveCoordinator() (ServerIDCoordinator, error) {
	if s.cfg.SServer.ID >= 1 && s.cfg.SServer.ID <= 255 {
		return staticServerIDCoordinator{id: uint8(s.cfg.SServer.ID)}, nil
	}
	if s.cfg.Zookeeper.LeaseFilePath == "" {
		return nil, fmt.Errorf("sserver.id not set and zookeeper.lease_file_path not configured")
	}
	secret := []byte(s.cfg.Zookeeper.LeaseSecret)
	if len(secret) == 0 {
		secret = []byte(poolSoftwareName)
	}
	return newLeaseFileCoordinator(s.cfg.Zookeeper.LeaseFilePath, secret, 255), nil
}

func (s *StratumServer) newJobBus(cc ChainConfig) JobBus {
	if cc.JobBusAddr == "" {
		return newMemJobBus(64)
	}
	return newZMQJobBus(cc.JobBusAddr, cc.JobBusTopic)
}

// onJobBroadcast is the BroadcastFunc every JobRepository calls on a
// background goroutine; it hands the retained record to the dispatch thread
// for fan-out, so ConnectionTable iteration never races with accept/erase.
func (s *StratumServer) onJobBroadcast(rec *JobRecord) {
	rec.retain()
	s.dq.dispatch(func() {
		defer rec.release()
		s.sendNotifyToAll(rec)
	})
	if rec.IsClean() {
		s.notifier.NotifyCleanJob(rec)
	}
}

// sendNotifyToAll fans rec out to every live session on rec's chain,
// reclaiming dead sessions as it goes (§4.3/§9: chainId-filtered broadcast
// with dead-session sweep folded into the same pass). Must run on the
// dispatch thread.
func (s *StratumServer) sendNotifyToAll(rec *JobRecord) {
	body := rec.Job().Body()
	s.conns.forEach(func(sess Session) bool {
		if sess.IsDead() {
			s.sessionIDs.free(sess.SessionID())
			sess.Close()
			return false
		}
		if sess.ChainID() != rec.ChainID() {
			return true
		}
		if err := sess.WriteNotify(body); err != nil {
			logger.Debug("notify write failed, reclaiming session", "session_id", sess.SessionID(), "error", err)
			s.sessionIDs.free(sess.SessionID())
			sess.Close()
			return false
		}
		return true
	})
}

// switchChain reassigns every session belonging to userName to newChainID,
// returning how many sessions were affected (§4.3).
func (s *StratumServer) switchChain(userName, newChainID string) int {
	count := 0
	done := make(chan int, 1)
	s.dq.dispatch(func() {
		n := 0
		s.conns.forEach(func(sess Session) bool {
			if sess.UserName() == userName && sess.ChainID() != newChainID {
				if err := sess.SwitchChain(newChainID); err != nil {
					logger.Warn("switch chain failed", "user", userName, "error", err)
				} else {
					n++
				}
			}
			return true
		})
		done <- n
	})
	count = <-done
	return count
}

// autoRegCallback broadcasts a registration event to every session matching
// userName, returning how many accepted it (§4.4).
func (s *StratumServer) autoRegCallback(userName string) int {
	done := make(chan int, 1)
	s.dq.dispatch(func() {
		n := 0
		s.conns.forEach(func(sess Session) bool {
			if sess.UserName() == userName && sess.NotifyRegistration(userName) {
				n++
			}
			return true
		})
		done <- n
	})
	return <-done
}

func (s *StratumServer) emitCommonEvent(event string, payload []byte) {
	for _, p := range s.producers {
		p.commonEvents.Send([]byte(event), payload)
	}
}

func (s *StratumServer) sendShare(chainID string, key, value []byte) {
	if p, ok := s.producers[chainID]; ok {
		p.shareLog.Send(key, value)
	}
}

func (s *StratumServer) sendSolvedShare(chainID string, key, value []byte) {
	if p, ok := s.producers[chainID]; ok {
		p.solvedShare.Send(key, value)
	}
	if s.notifier != nil {
		s.notifier.NotifyEvent(fmt.Sprintf("solved share submitted: chain=%s", chainID))
	}
}

// dispatch exposes the server's dispatch queue to Session implementations
// that need to safely touch ConnectionTable-confined state (registration,
// deregistration).
func (s *StratumServer) dispatch(task func()) {
	s.dq.dispatch(task)
}

func (s *StratumServer) allocSessionID() (uint32, error) {
	return s.sessionIDs.alloc()
}

func (s *StratumServer) register(sess Session) {
	s.dq.dispatch(func() { s.conns.insert(sess) })
}

// run starts every JobRepository's consumer loop, the user directory's
// background loops, and the TCP accept loop; it blocks until ctx is
// cancelled.
func (s *StratumServer) run(ctx context.Context) error {
	s.startedAt = time.Now()
	for chainID, repo := range s.repos {
		if err := repo.start(ctx); err != nil {
			return fmt.Errorf("start job repository %q: %w", chainID, err)
		}
	}
	if s.users != nil {
		s.users.start(ctx)
	}

	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	<-ctx.Done()
	return nil
}

func (s *StratumServer) listen() (net.Listener, error) {
	if !s.cfg.SServer.EnableTLS {
		return net.Listen("tcp", s.cfg.listenAddr())
	}
	if err := ensureSelfSignedCert(s.cfg.SServer.TLSCertFile, s.cfg.SServer.TLSKeyFile); err != nil {
		return nil, fmt.Errorf("ensure tls cert: %w", err)
	}
	reloader, err := newCertReloader(s.cfg.SServer.TLSCertFile, s.cfg.SServer.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls cert: %w", err)
	}
	tlsCfg := &tls.Config{GetCertificate: reloader.getCertificate}
	ln, err := tls.Listen("tcp", s.cfg.listenAddr(), tlsCfg)
	if err != nil {
		return nil, err
	}
	go reloader.watch(context.Background())
	return ln, nil
}

// acceptLoop mirrors the teacher's serveStratum accept shape: rate-limited
// accepts, TCP_NODELAY, graceful connWg drain on shutdown.
func (s *StratumServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		if s.limiter != nil && !s.limiter.wait(ctx) {
			return
		}
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn("accept failed", "error", err)
				continue
			}
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		s.connWg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *StratumServer) handleConn(conn net.Conn) {
	defer s.connWg.Done()

	id, err := s.allocSessionID()
	if err != nil {
		logger.Warn("session id allocator exhausted, dropping connection", "remote", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}

	sess, err := s.sessionFactory(conn, id, s)
	if err != nil {
		logger.Warn("session factory failed", "remote", conn.RemoteAddr(), "error", err)
		_ = s.sessionIDs.free(id)
		_ = conn.Close()
		return
	}

	s.register(sess)
}

// stop drains the accept loop, joins every in-flight connection, stops each
// JobRepository, the user directory, the dispatch queue, and releases the
// server id lease. Order matters: stop accepting before tearing down the
// state connections depend on.
func (s *StratumServer) stop() {
	if !s.startedAt.IsZero() {
		logger.Info("stopping", "uptime", humanShortDuration(time.Since(s.startedAt)))
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	s.connWg.Wait()

	for _, repo := range s.repos {
		repo.stop()
	}
	if s.users != nil {
		s.users.stop()
	}
	for _, p := range s.producers {
		p.close()
	}
	s.dq.stop()
	s.notifier.Close()
	if s.coord != nil {
		if err := s.coord.Release(); err != nil {
			logger.Warn("server id release failed", "error", err)
		}
	}
}
