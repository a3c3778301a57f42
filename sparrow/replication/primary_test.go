package replication

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	r := reg.GetOrCreate("127.0.0.1:9001")
	assert.False(t, r.ready())
	assert.Equal(t, 1, reg.Count())

	client, primary := net.Pipe()
	defer client.Close()
	defer primary.Close()

	reg.MarkReady("127.0.0.1:9001", primary)
	assert.True(t, r.ready())
	assert.Len(t, reg.ready(), 1)

	reg.UpdateAck("127.0.0.1:9001", 42)
	assert.Equal(t, int64(42), r.BytesAcked())

	// A lower ACK never regresses the high-water mark.
	reg.UpdateAck("127.0.0.1:9001", 10)
	assert.Equal(t, int64(42), r.BytesAcked())

	reg.Remove("127.0.0.1:9001")
	assert.Equal(t, 0, reg.Count())
	assert.Empty(t, reg.ready())
}

func TestFanOutPushesEnqueuedCommandsToReadyReplicas(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	fo := NewFanOut(reg, zap.NewNop())

	reg.GetOrCreate("peer")
	client, primary := net.Pipe()
	defer client.Close()
	reg.MarkReady("peer", primary)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx)

	fo.Enqueue([]byte("*1\r\n$4\r\nPING\r\n"))

	buf := make([]byte, len("*1\r\n$4\r\nPING\r\n"))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "*1\r\n$4\r\nPING\r\n", string(buf[:n]))
}

func TestWaitReturnsImmediatelyWithNoReplicas(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	fo := NewFanOut(reg, zap.NewNop())
	mock := clock.NewMock()

	n := fo.Wait(context.Background(), mock, 1, time.Second)
	assert.Equal(t, 0, n)
}

func TestWaitReturnsImmediatelyWhenAlreadyCaughtUp(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	fo := NewFanOut(reg, zap.NewNop())

	reg.GetOrCreate("peer")
	client, primary := net.Pipe()
	defer client.Close()
	defer primary.Close()
	reg.MarkReady("peer", primary)

	mock := clock.NewMock()
	n := fo.Wait(context.Background(), mock, 1, time.Second)
	assert.Equal(t, 1, n)
}

func TestWaitPollsUntilAckArrives(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	fo := NewFanOut(reg, zap.NewNop())

	r := reg.GetOrCreate("peer")
	client, primary := net.Pipe()
	defer client.Close()
	defer primary.Close()
	reg.MarkReady("peer", primary)

	// Advance the replica's cursor so Wait has something to wait for, then
	// drain the GETACK probe Wait writes to the pipe so it doesn't block.
	r.mu.Lock()
	r.cursor = 10
	r.mu.Unlock()

	go func() {
		buf := make([]byte, 64)
		client.Read(buf)
	}()

	mock := clock.NewMock()
	done := make(chan int, 1)
	go func() {
		done <- fo.Wait(context.Background(), mock, 1, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	reg.UpdateAck("peer", 10)
	mock.Add(100 * time.Millisecond)

	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait never returned")
	}

	assert.Equal(t, int64(0), r.BytesAcked(), "Wait must clear acks before returning")
}

func TestWaitTimesOutWithoutEnoughAcks(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	fo := NewFanOut(reg, zap.NewNop())

	r := reg.GetOrCreate("peer")
	client, primary := net.Pipe()
	defer client.Close()
	defer primary.Close()
	reg.MarkReady("peer", primary)

	r.mu.Lock()
	r.cursor = 10
	r.mu.Unlock()

	go func() {
		buf := make([]byte, 64)
		client.Read(buf)
	}()

	mock := clock.NewMock()
	done := make(chan int, 1)
	go func() {
		done <- fo.Wait(context.Background(), mock, 1, 50*time.Millisecond)
	}()

	time.Sleep(20 * time.Millisecond)
	mock.Add(60 * time.Millisecond)

	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait never returned")
	}
}
