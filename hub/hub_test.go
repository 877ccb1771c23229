package hub

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	C "github.com/metacubex/ipowd/constant"
	"github.com/metacubex/ipowd/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useConfig(t *testing.T, content string) {
	t.Helper()
	homeDir, configFile, level := C.Path.HomeDir(), C.Path.Config(), log.Level()
	t.Cleanup(func() {
		C.SetHomeDir(homeDir)
		C.SetConfig(configFile)
		log.SetLevel(level)
	})

	dir := t.TempDir()
	C.SetHomeDir(dir)
	C.SetConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, os.WriteFile(C.Path.Config(), []byte(content), 0o644))
}

func TestParse_OptionsWin(t *testing.T) {
	useConfig(t, `
mode: datagram
device: tun0
override:
  - content:
      device: tun1`)

	cfg, err := Parse(
		WithMode(C.ChannelPipe),
		WithDevice("tun5"),
		WithInboundPath("in.fifo"),
		WithOutboundPath("/tmp/ipowd/out.fifo"),
	)
	require.NoError(t, err)
	assert.Equal(t, C.ChannelPipe, cfg.Channel.Mode)
	assert.Equal(t, "tun5", cfg.Tun.Device)
	assert.Equal(t, filepath.Join(C.Path.HomeDir(), "in.fifo"), cfg.Channel.InboundPath)
	assert.Equal(t, "/tmp/ipowd/out.fifo", cfg.Channel.OutboundPath)
}

func TestParse_OptionsAreValidated(t *testing.T) {
	long := "/tmp/" + strings.Repeat("x", 120)
	useConfig(t, "mode: pipe\ninbound-path: "+long+"\n")

	_, err := Parse()
	require.NoError(t, err)

	// a FIFO path that is fine for pipes is too long for a socket
	_, err = Parse(WithMode(C.ChannelDatagram))
	assert.Error(t, err)

	_, err = Parse(WithInboundPath("/tmp/ipowd/x"), WithOutboundPath("/tmp/ipowd/./x"))
	assert.Error(t, err)

	_, err = Parse(WithDevice(strings.Repeat("t", 20)))
	assert.Error(t, err)
}
