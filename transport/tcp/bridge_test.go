package tcp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memConn is an in-memory channel peer: the test plays the daemon.
type memConn struct {
	fromDevice chan []byte
	toDevice   chan []byte
	failed     chan error
	closed     chan struct{}
	once       sync.Once
}

func newMemConn() *memConn {
	return &memConn{
		fromDevice: make(chan []byte, 16),
		toDevice:   make(chan []byte, 16),
		failed:     make(chan error, 1),
		closed:     make(chan struct{}),
	}
}

func (m *memConn) ReadPacket(buf []byte) (int, error) {
	select {
	case packet := <-m.fromDevice:
		return copy(buf, packet), nil
	case err := <-m.failed:
		return 0, err
	case <-m.closed:
		return 0, net.ErrClosed
	}
}

func (m *memConn) WritePacket(packet []byte) (int, error) {
	select {
	case m.toDevice <- bytes.Clone(packet):
		return len(packet), nil
	case <-m.closed:
		return 0, net.ErrClosed
	}
}

func (m *memConn) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *memConn) expect(t *testing.T) []byte {
	t.Helper()
	select {
	case packet := <-m.toDevice:
		return packet
	case <-time.After(3 * time.Second):
		t.Fatal("no packet arrived")
		return nil
	}
}

type runner struct {
	cancel context.CancelFunc
	done   chan error
}

func (r *runner) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("transport did not stop")
		return nil
	}
}

func run(fn func(ctx context.Context) error) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- fn(ctx) }()
	return r
}

func startServer(t *testing.T, address string, conn *memConn) (*Server, *runner) {
	t.Helper()
	server, err := Listen(address)
	require.NoError(t, err)
	bridge := NewBridge(conn, 0)
	r := run(func(ctx context.Context) error { return server.Run(ctx, bridge) })
	t.Cleanup(func() { r.cancel() })
	return server, r
}

func startClient(t *testing.T, address string, conn *memConn) (*Bridge, *runner) {
	t.Helper()
	client := NewClient(address, WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	bridge := NewBridge(conn, 0)
	r := run(func(ctx context.Context) error { return client.Run(ctx, bridge) })
	t.Cleanup(func() { r.cancel() })
	return bridge, r
}

func TestBridge_ClientServer(t *testing.T) {
	serverSide, clientSide := newMemConn(), newMemConn()
	server, serverRun := startServer(t, "127.0.0.1:0", serverSide)
	bridge, clientRun := startClient(t, server.Addr().String(), clientSide)

	for i := byte(0); i < 8; i++ {
		serverSide.fromDevice <- []byte{0x45, i}
		assert.Equal(t, []byte{0x45, i}, clientSide.expect(t))

		clientSide.fromDevice <- []byte{0x60, i, i}
		assert.Equal(t, []byte{0x60, i, i}, serverSide.expect(t))
	}

	assert.Eventually(t, func() bool {
		forwarded, received, dropped := bridge.Counts()
		return forwarded == 8 && received == 8 && dropped == 0
	}, 3*time.Second, 10*time.Millisecond)

	assert.NoError(t, clientRun.stop(t))
	assert.NoError(t, serverRun.stop(t))
}

func TestBridge_ClientReconnects(t *testing.T) {
	first := newMemConn()
	server, serverRun := startServer(t, "127.0.0.1:0", first)
	address := server.Addr().String()

	clientSide := newMemConn()
	_, clientRun := startClient(t, address, clientSide)

	first.fromDevice <- []byte{0x45, 1}
	assert.Equal(t, []byte{0x45, 1}, clientSide.expect(t))

	// the remote end restarts on the same address
	require.NoError(t, serverRun.stop(t))
	second := newMemConn()
	_, _ = startServer(t, address, second)

	second.fromDevice <- []byte{0x45, 2}
	assert.Equal(t, []byte{0x45, 2}, clientSide.expect(t))

	clientSide.fromDevice <- []byte{0x45, 3}
	assert.Equal(t, []byte{0x45, 3}, second.expect(t))

	assert.NoError(t, clientRun.stop(t))
}

func TestBridge_ServerKeepsNewestConnection(t *testing.T) {
	serverSide := newMemConn()
	server, _ := startServer(t, "127.0.0.1:0", serverSide)

	old, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer old.Close()

	// the first connection is served
	require.NoError(t, WriteFrame(old, []byte{0x45, 1}))
	assert.Equal(t, []byte{0x45, 1}, serverSide.expect(t))

	clientSide := newMemConn()
	startClient(t, server.Addr().String(), clientSide)

	// once the client is attached, the old connection is hung up
	require.NoError(t, old.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = ReadFrame(old, make([]byte, 64))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, os.ErrDeadlineExceeded)

	serverSide.fromDevice <- []byte{0x45, 2}
	assert.Equal(t, []byte{0x45, 2}, clientSide.expect(t))
}

func TestBridge_ChannelFailureStopsRun(t *testing.T) {
	serverSide := newMemConn()
	_, serverRun := startServer(t, "127.0.0.1:0", serverSide)

	broken := errors.New("channel broken")
	serverSide.failed <- broken

	select {
	case err := <-serverRun.done:
		assert.ErrorIs(t, err, broken)
	case <-time.After(3 * time.Second):
		t.Fatal("server survived a broken channel")
	}

	select {
	case <-serverSide.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("channel was not closed")
	}
}

func TestBridge_DropsWhenQueueFull(t *testing.T) {
	conn := newMemConn()
	bridge := NewBridge(conn, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge.Start(ctx)

	// nothing is attached, so the queue fills up and the rest is dropped
	for i := 0; i < queueSize+10; i++ {
		conn.fromDevice <- []byte{0x45, byte(i)}
	}
	assert.Eventually(t, func() bool {
		_, _, dropped := bridge.Counts()
		return dropped == 10
	}, 3*time.Second, 10*time.Millisecond)
}
