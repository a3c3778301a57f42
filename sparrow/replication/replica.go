package replication

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// MaxHandshakeRetries bounds the retries the outbound handshake attempts in
// each state before giving up and exiting the replica thread.
const MaxHandshakeRetries = 5

type handshakeStep struct {
	name    string
	command []byte
	expect  string // lowercase substring the primary's reply line must contain
}

func handshakeSteps(myListeningPort string) []handshakeStep {
	return []handshakeStep{
		{
			name:    "PING",
			command: []byte("*1\r\n$4\r\nPING\r\n"),
			expect:  "pong",
		},
		{
			name: "REPLCONF1",
			command: []byte(fmt.Sprintf(
				"*3\r\n$8\r\nREPLCONF\r\n$14\r\nlistening-port\r\n$%d\r\n%s\r\n",
				len(myListeningPort), myListeningPort,
			)),
			expect: "ok",
		},
		{
			name:    "REPLCONF2",
			command: []byte("*3\r\n$8\r\nREPLCONF\r\n$4\r\ncapa\r\n$3\r\neof\r\n"),
			expect:  "ok",
		},
		{
			name:    "PSYNC",
			command: []byte("*3\r\n$5\r\nPSYNC\r\n$1\r\n?\r\n$2\r\n-1\r\n"),
			expect:  "fullresync",
		},
	}
}

// Outbound drives a replica's connection to its primary through the
// INIT -> PING -> REPLCONF1 -> REPLCONF2 -> PSYNC -> COMPLETE handshake.
type Outbound struct {
	primaryAddr     string
	myListeningPort string
	log             *zap.Logger
	clock           clock.Clock
}

func NewOutbound(primaryAddr, myListeningPort string, log *zap.Logger, clk clock.Clock) *Outbound {
	return &Outbound{
		primaryAddr:     primaryAddr,
		myListeningPort: myListeningPort,
		log:             log,
		clock:           clk,
	}
}

// ErrHandshakeFailed is returned when a handshake state exhausts its retries
// without the primary ever producing the expected reply.
var ErrHandshakeFailed = fmt.Errorf("replication handshake failed after %d attempts", MaxHandshakeRetries)

// Handshake dials the primary and drives the full handshake. On success the
// returned connection and reader are already past PSYNC; the caller must
// next read the RDB payload off reader before treating the socket as a
// replication-inbound command stream.
func (o *Outbound) Handshake() (net.Conn, *bufio.Reader, error) {
	conn, err := net.Dial("tcp", o.primaryAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial primary %s: %w", o.primaryAddr, err)
	}

	reader := bufio.NewReader(conn)
	for _, step := range handshakeSteps(o.myListeningPort) {
		if err := o.runStep(conn, reader, step); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	return conn, reader, nil
}

func (o *Outbound) runStep(conn net.Conn, reader *bufio.Reader, step handshakeStep) error {
	for attempt := 1; attempt <= MaxHandshakeRetries; attempt++ {
		if _, err := conn.Write(step.command); err != nil {
			o.log.Warn("handshake write failed", zap.String("state", step.name), zap.Error(err))
		} else {
			conn.SetReadDeadline(o.clock.Now().Add(2 * time.Second))
			line, err := reader.ReadString('\n')
			conn.SetReadDeadline(time.Time{})
			if err == nil && strings.Contains(strings.ToLower(line), step.expect) {
				return nil
			}
			if err != nil {
				o.log.Warn("handshake read failed", zap.String("state", step.name), zap.Error(err))
			} else {
				o.log.Warn("handshake unexpected reply", zap.String("state", step.name), zap.String("reply", line))
			}
		}

		if attempt < MaxHandshakeRetries {
			o.clock.Sleep(time.Duration(1000*attempt) * time.Millisecond)
		}
	}
	return ErrHandshakeFailed
}

// AppliedCounter is the replica-side count of primary-originated RESP bytes
// applied to the local store since RDB intake completed.
type AppliedCounter struct {
	n int64
}

func (c *AppliedCounter) Add(n int) { atomic.AddInt64(&c.n, int64(n)) }

// Load reports the counter as of the moment of the call. REPLCONF GETACK
// replies must call this before accounting for GETACK's own consumed bytes.
func (c *AppliedCounter) Load() int64 { return atomic.LoadInt64(&c.n) }
