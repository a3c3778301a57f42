package sparrow

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kvcore/sparrowdb/sparrow/resp"
)

type role int

const (
	roleClient role = iota
	roleFromPrimary // this connection is the replica's socket to its primary
	roleFromReplica // this connection is the primary's socket to a connected replica, post-PSYNC
)

// session is one accepted connection's dispatcher: it demultiplexes parsed
// commands into the store and replication subsystems according to its role.
type session struct {
	srv  *Server
	conn net.Conn
	rd   *bufio.Reader
	p    *resp.Parser
	enc  resp.Encoder

	role     role
	peerAddr string

	// set once REPLCONF listening-port arrives on a client connection that
	// turns out to be a replica handshaking in.
	listeningPort string
}

func newSession(srv *Server, conn net.Conn, r role) *session {
	reader := bufio.NewReader(conn)
	return newSessionWithReader(srv, conn, reader, r)
}

func newSessionWithReader(srv *Server, conn net.Conn, reader *bufio.Reader, r role) *session {
	return &session{
		srv:      srv,
		conn:     conn,
		rd:       reader,
		p:        resp.NewParser(reader),
		role:     r,
		peerAddr: conn.RemoteAddr().String(),
	}
}

func (s *session) write(b []byte) {
	s.conn.Write(b)
}

func (s *session) writeErrorf(errType, format string, a ...any) {
	s.enc.WriteError(errType, fmt.Sprintf(format, a...))
	s.write(s.enc.BytesAndReset())
}

func (s *session) handleConn() {
	defer s.conn.Close()
	if s.role == roleClient {
		defer s.srv.registry.Remove(s.peerAddr)
	}

	for {
		v, n, err := s.p.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var perr *resp.ParseError
			if errors.As(err, &perr) {
				s.srv.log.Debug("closing connection on malformed RESP", zap.String("peer", s.peerAddr), zap.Error(err))
			}
			return
		}

		args, err := resp.CommandFromArray(v)
		if err != nil || len(args) == 0 {
			s.writeErrorf("ERR", "Protocol error: expected array of bulk strings")
			continue
		}

		switch s.role {
		case roleFromPrimary:
			s.dispatchFromPrimary(args, n)
		case roleFromReplica:
			s.dispatchFromReplica(args)
		default:
			s.dispatchFromClient(args)
		}
	}
}

func classifyMutating(cmd string) bool {
	switch cmd {
	case "set", "del", "xadd":
		return true
	}
	return false
}

// dispatchFromClient executes cmd, replies, and enqueues mutating commands
// onto the fan-out log for connected replicas.
func (s *session) dispatchFromClient(args []string) {
	cmd := strings.ToLower(args[0])
	s.runHandler(cmd, args)

	if classifyMutating(cmd) {
		var reenc resp.Encoder
		reenc.WriteStringArray(args)
		s.srv.fanout.Enqueue(reenc.BytesAndReset())
	}
}

// dispatchFromPrimary executes cmd with all client-visible output suppressed
// (REPLCONF GETACK is the one exception), and advances the applied-byte
// counter.
func (s *session) dispatchFromPrimary(args []string, consumedBytes int) {
	cmd := strings.ToLower(args[0])
	if cmd == "replconf" && len(args) >= 2 && strings.ToLower(args[1]) == "getack" {
		applied := s.srv.replicaApplied.Load()
		var reenc resp.Encoder
		reenc.WriteStringArray([]string{"REPLCONF", "ACK", strconv.FormatInt(applied, 10)})
		s.write(reenc.BytesAndReset())
		s.srv.replicaApplied.Add(consumedBytes)
		return
	}

	s.runHandlerSuppressed(cmd, args)
	s.srv.replicaApplied.Add(consumedBytes)
}

// dispatchFromReplica handles the primary's side of an already-ready
// replica's connection: only REPLCONF ACK is expected on it.
func (s *session) dispatchFromReplica(args []string) {
	cmd := strings.ToLower(args[0])
	if cmd != "replconf" || len(args) < 3 || strings.ToLower(args[1]) != "ack" {
		return
	}
	n, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return
	}
	s.srv.registry.UpdateAck(s.peerAddr, n)
}
