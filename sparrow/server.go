// Package sparrow implements a RESP2-compatible in-memory key/value server
// with string and stream values and primary/replica replication.
package sparrow

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kvcore/sparrowdb/sparrow/rdbload"
	"github.com/kvcore/sparrowdb/sparrow/replication"
	"github.com/kvcore/sparrowdb/sparrow/resp"
	"github.com/kvcore/sparrowdb/sparrow/store"
)

// Config is the server's external interface surface: the command-line flags
// translated into a struct.
type Config struct {
	Port          int
	ReplicaOf     string // "<host> <port>", empty for a primary
	Dir           string
	DBFilename    string
	SweepInterval time.Duration
}

func (c Config) replicaOfAddr() (string, error) {
	parts := strings.Fields(c.ReplicaOf)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid --replicaof format %q, want \"<host> <port>\"", c.ReplicaOf)
	}
	return net.JoinHostPort(parts[0], parts[1]), nil
}

// Server owns every long-lived subsystem: the store, the replica registry
// and fan-out log, and (when acting as a replica) the applied-byte counter.
type Server struct {
	cfg   Config
	log   *zap.Logger
	clock clock.Clock

	store    *store.Store
	registry *replication.Registry
	fanout   *replication.FanOut

	listener net.Listener

	isReplica      bool
	replicaApplied *replication.AppliedCounter
}

func New(cfg Config, log *zap.Logger) *Server {
	clk := clock.New()
	registry := replication.NewRegistry(log)
	return &Server{
		cfg:            cfg,
		log:            log,
		clock:          clk,
		store:          store.New(clk),
		registry:       registry,
		fanout:         replication.NewFanOut(registry, log),
		isReplica:      cfg.ReplicaOf != "",
		replicaApplied: &replication.AppliedCounter{},
	}
}

// emptyRDB returns the fixed empty-RDB blob handed off on every PSYNC.
func (s *Server) emptyRDB() []byte { return rdbload.EmptyRDB() }

// LoadRDB loads the configured RDB file, if any, into the store before the
// server starts accepting connections.
func (s *Server) LoadRDB() error {
	return rdbload.LoadFile(s.cfg.Dir, s.cfg.DBFilename, s.store, s.log)
}

// Start binds the listener and runs the accept loop, sweeper, fan-out
// writer, and (if configured) the outbound replica connection, until ctx is
// canceled or a fatal error occurs.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("bind port %d: %w", s.cfg.Port, err)
	}
	s.listener = listener
	defer listener.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.store.RunSweeper(ctx, s.cfg.SweepInterval)
		return nil
	})

	g.Go(func() error {
		s.fanout.Run(ctx)
		return nil
	})

	if s.isReplica {
		g.Go(func() error {
			return s.runReplicaOf(ctx)
		})
	}

	g.Go(func() error {
		return s.acceptLoop(ctx)
	})

	<-ctx.Done()
	listener.Close()
	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		sess := newSession(s, conn, roleClient)
		go sess.handleConn()
	}
}

func (s *Server) runReplicaOf(ctx context.Context) error {
	addr, err := s.cfg.replicaOfAddr()
	if err != nil {
		return err
	}

	outbound := replication.NewOutbound(addr, strconv.Itoa(s.cfg.Port), s.log, s.clock)
	conn, reader, err := outbound.Handshake()
	if err != nil {
		s.log.Error("replica handshake failed", zap.String("primary", addr), zap.Error(err))
		return nil
	}
	s.log.Info("replica handshake complete", zap.String("primary", addr))

	rdbBytes, _, err := resp.NewParser(reader).ReadRDBPayload()
	if err != nil {
		s.log.Error("failed to read RDB payload from primary", zap.Error(err))
		conn.Close()
		return nil
	}
	if err := rdbload.LoadBytes(rdbBytes, s.store, s.log); err != nil {
		s.log.Warn("RDB payload from primary could not be fully applied", zap.Error(err))
	}

	sess := newSessionWithReader(s, conn, reader, roleFromPrimary)
	sess.handleConn()
	return nil
}
