package channel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	C "github.com/metacubex/ipowd/constant"
	"github.com/metacubex/ipowd/peer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeFixture struct {
	inbound  string
	outbound string
	endpoint *Pipe
}

func newPipeFixture(t *testing.T) *pipeFixture {
	t.Helper()
	dir := t.TempDir()
	f := &pipeFixture{
		inbound:  filepath.Join(dir, "tun_in.fifo"),
		outbound: filepath.Join(dir, "tun_out.fifo"),
	}
	endpoint, err := NewPipe(f.inbound, f.outbound)
	require.NoError(t, err)
	t.Cleanup(func() { _ = endpoint.Close() })
	f.endpoint = endpoint
	return f
}

func (f *pipeFixture) open(t *testing.T) *peer.Pipe {
	t.Helper()
	conn, err := peer.OpenPipe(f.inbound, f.outbound)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestPipe_Setup(t *testing.T) {
	f := newPipeFixture(t)
	assert.Equal(t, C.ChannelPipe, f.endpoint.Mode())

	for _, path := range []string{f.inbound, f.outbound} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.ModeNamedPipe, info.Mode()&os.ModeNamedPipe)
		assert.Equal(t, os.FileMode(C.ChannelFileMode), info.Mode().Perm())
	}

	interests := f.endpoint.Interests()
	require.Len(t, interests, 1)
	assert.Equal(t, RoleInbound, interests[0].Role)
}

func TestPipe_ReplacesStalePath(t *testing.T) {
	dir := t.TempDir()
	inbound := filepath.Join(dir, "in")
	outbound := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(outbound, []byte("stale"), 0o600))

	endpoint, err := NewPipe(inbound, outbound)
	require.NoError(t, err)
	defer endpoint.Close()

	info, err := os.Stat(outbound)
	require.NoError(t, err)
	assert.Equal(t, os.ModeNamedPipe, info.Mode()&os.ModeNamedPipe)
}

func TestPipe_SendWithoutReader(t *testing.T) {
	f := newPipeFixture(t)
	assert.Equal(t, DroppedNoPeer, f.endpoint.TrySend([]byte{0x45}))
	assert.False(t, f.endpoint.Connected())
}

func TestPipe_SendAndPeerLoss(t *testing.T) {
	f := newPipeFixture(t)
	conn := f.open(t)

	assert.Equal(t, Delivered, f.endpoint.TrySend([]byte{0x45, 7, 7}))
	assert.True(t, f.endpoint.Connected())
	assert.Equal(t, []byte{0x45, 7, 7}, readPacket(t, conn))

	require.NoError(t, conn.Close())

	assert.Equal(t, PeerLost, f.endpoint.TrySend([]byte{0x45, 8}))
	assert.False(t, f.endpoint.Connected())
	assert.Equal(t, DroppedNoPeer, f.endpoint.TrySend([]byte{0x45, 9}))

	again := f.open(t)
	assert.Equal(t, Delivered, f.endpoint.TrySend([]byte{0x45, 10}))
	assert.Equal(t, []byte{0x45, 10}, readPacket(t, again))
}

func TestPipe_WouldBlock(t *testing.T) {
	f := newPipeFixture(t)
	f.open(t)

	packet := make([]byte, 4096)
	var blocked bool
	for i := 0; i < 1024; i++ {
		outcome := f.endpoint.TrySend(packet)
		if outcome == DroppedWouldBlock {
			blocked = true
			break
		}
		require.Equal(t, Delivered, outcome)
	}
	assert.True(t, blocked)
	assert.True(t, f.endpoint.Connected())
}

func TestPipe_ReceiveAndReconnect(t *testing.T) {
	f := newPipeFixture(t)
	buf := make([]byte, C.BufferSize)

	_, ok := f.endpoint.TryReceive(buf)
	assert.False(t, ok)

	conn := f.open(t)
	_, err := conn.WritePacket([]byte("abc"))
	require.NoError(t, err)

	n, ok := f.endpoint.TryReceive(buf)
	require.True(t, ok)
	assert.Equal(t, "abc", string(buf[:n]))

	require.NoError(t, conn.CloseWriter())

	// end-of-channel: nothing is forwarded and the FIFO is reopened
	_, ok = f.endpoint.TryReceive(buf)
	assert.False(t, ok)
	require.Len(t, f.endpoint.Interests(), 1)

	require.NoError(t, conn.Reconnect(f.inbound))
	_, err = conn.WritePacket([]byte("def"))
	require.NoError(t, err)

	n, ok = f.endpoint.TryReceive(buf)
	require.True(t, ok)
	assert.Equal(t, "def", string(buf[:n]))
}

func TestPipe_Oversize(t *testing.T) {
	f := newPipeFixture(t)
	f.open(t)
	assert.Equal(t, DroppedOversize, f.endpoint.TrySend(make([]byte, C.MaxPacketSize+1)))
}

func TestPipe_LargePacketsAreNeverSplit(t *testing.T) {
	f := newPipeFixture(t)
	conn := f.open(t)

	packet := make([]byte, 20000)
	delivered := 0
	for i := 0; i < 10; i++ {
		outcome := f.endpoint.TrySend(packet)
		if outcome == DroppedWouldBlock {
			continue
		}
		require.Equal(t, Delivered, outcome)
		delivered++
	}
	require.Greater(t, delivered, 0)
	require.Less(t, delivered, 10)

	buf := make([]byte, C.BufferSize)
	received := 0
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		n, err := conn.ReadPacket(buf)
		if err != nil {
			require.True(t, errors.Is(err, os.ErrDeadlineExceeded), err)
			break
		}
		received += n
	}
	assert.Equal(t, delivered*len(packet), received)
}

func TestPipe_LargePacketOnFullPipe(t *testing.T) {
	f := newPipeFixture(t)
	f.open(t)

	chunk := make([]byte, 4096)
	for i := 0; i < 1024; i++ {
		if f.endpoint.TrySend(chunk) == DroppedWouldBlock {
			break
		}
	}
	assert.Equal(t, DroppedWouldBlock, f.endpoint.TrySend(make([]byte, 20000)))
	assert.True(t, f.endpoint.Connected())
}
