package sparrow

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kvcore/sparrowdb/sparrow/replication"
	"github.com/kvcore/sparrowdb/sparrow/store"
)

func newTestSession(t *testing.T) (*session, *Server, net.Conn) {
	t.Helper()
	clk := clock.NewMock()
	registry := replication.NewRegistry(zap.NewNop())
	srv := &Server{
		cfg:            Config{},
		log:            zap.NewNop(),
		clock:          clk,
		store:          store.New(clk),
		registry:       registry,
		fanout:         replication.NewFanOut(registry, zap.NewNop()),
		replicaApplied: &replication.AppliedCounter{},
	}
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return newSession(srv, server, roleClient), srv, client
}

func TestPingWithAndWithoutMessage(t *testing.T) {
	s, _, _ := newTestSession(t)
	assert.Equal(t, []byte("+PONG\r\n"), doPING(s, []string{"PING"}))
	assert.Equal(t, []byte("$5\r\nhello\r\n"), doPING(s, []string{"PING", "hello"}))
}

func TestSetGetDelRoundTrip(t *testing.T) {
	s, _, _ := newTestSession(t)
	assert.Equal(t, []byte("+OK\r\n"), doSET(s, []string{"SET", "k", "v"}))
	assert.Equal(t, []byte("$1\r\nv\r\n"), doGET(s, []string{"GET", "k"}))
	assert.Equal(t, []byte(":1\r\n"), doDEL(s, []string{"DEL", "k"}))
	assert.Equal(t, []byte("$-1\r\n"), doGET(s, []string{"GET", "k"}))
}

func TestGetOnWrongTypeIsWrongType(t *testing.T) {
	s, _, _ := newTestSession(t)
	_, err := s.srv.store.XAdd("k", "*", []store.FieldValue{{Field: "f", Value: "v"}})
	require.NoError(t, err)
	reply := doGET(s, []string{"GET", "k"})
	assert.Contains(t, string(reply), "WRONGTYPE")
}

func TestTypeReflectsKind(t *testing.T) {
	s, _, _ := newTestSession(t)
	assert.Equal(t, []byte("+none\r\n"), doTYPE(s, []string{"TYPE", "k"}))
	doSET(s, []string{"SET", "k", "v"})
	assert.Equal(t, []byte("+string\r\n"), doTYPE(s, []string{"TYPE", "k"}))
}

func TestConfigGetKnownAndUnknownParams(t *testing.T) {
	s, srv, _ := newTestSession(t)
	srv.cfg.Dir = "/data"
	srv.cfg.DBFilename = "dump.rdb"

	reply := doCONFIG(s, []string{"CONFIG", "GET", "dir"})
	assert.Equal(t, "*2\r\n$3\r\ndir\r\n$5\r\n/data\r\n", string(reply))

	reply = doCONFIG(s, []string{"CONFIG", "GET", "unknown"})
	assert.Equal(t, "*0\r\n", string(reply))
}

func TestInfoReportsMasterRoleByDefault(t *testing.T) {
	s, _, _ := newTestSession(t)
	reply := doINFO(s, []string{"INFO", "replication"})
	assert.Contains(t, string(reply), "role:master")
}

func TestWaitWithNoReplicasReturnsZero(t *testing.T) {
	s, _, _ := newTestSession(t)
	reply := doWAIT(s, []string{"WAIT", "0", "100"})
	assert.Equal(t, []byte(":0\r\n"), reply)
}

func TestXAddThenXRangeRoundTrip(t *testing.T) {
	s, _, _ := newTestSession(t)
	reply := doXADD(s, []string{"XADD", "stream", "1-1", "field", "value"})
	assert.Equal(t, []byte("$3\r\n1-1\r\n"), reply)

	reply = doXRANGE(s, []string{"XRANGE", "stream", "-", "+"})
	assert.Contains(t, string(reply), "1-1")
	assert.Contains(t, string(reply), "field")
	assert.Contains(t, string(reply), "value")
}

func TestXAddRejectsZeroIDThroughHandler(t *testing.T) {
	s, _, _ := newTestSession(t)
	reply := doXADD(s, []string{"XADD", "stream", "0-0", "f", "v"})
	assert.Contains(t, string(reply), "-ERR")
}

func TestClassifyMutating(t *testing.T) {
	assert.True(t, classifyMutating("set"))
	assert.True(t, classifyMutating("del"))
	assert.True(t, classifyMutating("xadd"))
	assert.False(t, classifyMutating("get"))
	assert.False(t, classifyMutating("ping"))
}

func TestDispatchFromClientEnqueuesMutatingCommandsForFanOut(t *testing.T) {
	s, srv, client := newTestSession(t)
	go io.Copy(io.Discard, client) // drain the +OK reply so the unbuffered pipe write returns
	registry := srv.registry
	registry.GetOrCreate("replica")
	rc, rp := net.Pipe()
	defer rc.Close()
	defer rp.Close()
	registry.MarkReady("replica", rp)

	go srv.fanout.Run(context.Background())

	s.dispatchFromClient([]string{"SET", "k", "v"})

	buf := make([]byte, 64)
	rc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := rc.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "SET")
}
