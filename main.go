package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configPath := flag.String("config", "sserver.toml", "path to the TOML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		setLogLevel(logLevelDebug)
	} else {
		setLogLevel(logLevelInfo)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config load failed", err, "path", *configPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sources := make(map[string]JobSource)
	for _, cc := range cfg.chainConfigs() {
		sources[cc.Name] = newBitcoinJobSource(cc.Name)
	}

	server := NewStratumServer(cfg, sources, defaultSessionFactory)
	if err := server.setup(ctx, sources); err != nil {
		fatal("server setup failed", err)
	}

	logger.Info("starting "+poolSoftwareName, "listen", cfg.listenAddr(), "server_id", server.serverID)

	runErr := make(chan error, 1)
	go func() { runErr <- server.run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections")
	case err := <-runErr:
		if err != nil {
			logger.Error("server run failed", "error", err)
		}
	}

	server.stop()
	logger.Info(poolSoftwareName + " stopped")
	logger.Stop()
}

// defaultSessionFactory is a placeholder Session implementation used when no
// protocol-layer package is wired in: the stratum handshake, difficulty
// arithmetic, and share validation are this core's declared non-goal (§1),
// owned by whatever session implementation embeds this package. It registers
// the connection as permanently dead (IsDead always true); the next
// broadcast's dead-session sweep (StratumServer.sendNotifyToAll) is what
// actually closes the conn and frees its session id — enough to keep the
// accept loop, SessionIDAllocator, and ConnectionTable exercised end to end
// without pretending to speak the wire protocol itself.
func defaultSessionFactory(conn net.Conn, sessionID uint32, server *StratumServer) (Session, error) {
	return &closedSession{conn: conn, id: sessionID}, nil
}

type closedSession struct {
	conn net.Conn
	id   uint32
}

func (s *closedSession) SessionID() uint32 { return s.id }
func (s *closedSession) ChainID() string   { return "" }
func (s *closedSession) UserName() string  { return "" }
func (s *closedSession) IsDead() bool      { return true }
func (s *closedSession) WriteNotify([]byte) error {
	return fmt.Errorf("session %d accepts no traffic (no session implementation wired in)", s.id)
}
func (s *closedSession) SwitchChain(string) error       { return nil }
func (s *closedSession) NotifyRegistration(string) bool { return false }
func (s *closedSession) Close()                         { _ = s.conn.Close() }
