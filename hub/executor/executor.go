package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/metacubex/ipowd/component/channel"
	"github.com/metacubex/ipowd/component/tun"
	"github.com/metacubex/ipowd/config"
	C "github.com/metacubex/ipowd/constant"
	"github.com/metacubex/ipowd/log"
	"github.com/metacubex/ipowd/tunnel"
	"github.com/metacubex/ipowd/tunnel/statistic"
)

var (
	mux     sync.Mutex
	current *instance
)

type instance struct {
	tunnel  *tunnel.Tunnel
	cancel  context.CancelFunc
	stopped chan struct{}
}

func readConfig(path string) ([]byte, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("configuration file %s is empty", path)
	}

	return data, err
}

// Parse config with default config path
func Parse(options ...config.Option) (*config.Config, error) {
	return ParseWithPath(C.Path.Config(), options...)
}

// ParseWithPath parse config with custom config path
func ParseWithPath(path string, options ...config.Option) (*config.Config, error) {
	buf, err := readConfig(path)
	if err != nil {
		return nil, err
	}

	return ParseWithBytes(buf, options...)
}

// ParseWithBytes config with buffer
func ParseWithBytes(buf []byte, options ...config.Option) (*config.Config, error) {
	rawCfg, err := config.UnmarshalRawConfig(buf)
	if err != nil {
		return nil, err
	}

	return config.ParseRawConfig(rawCfg, options...)
}

// ApplyConfig dispatch configure to all parts. Device and channel settings
// only take effect on Start.
func ApplyConfig(cfg *config.Config, force bool) {
	mux.Lock()
	defer mux.Unlock()

	updateGeneral(cfg.General, force)
}

func updateGeneral(general *config.General, force bool) {
	log.SetLevel(general.LogLevel)

	if !force {
		return
	}
	log.SetOutput(general.LogFile, 16, 3, 7, false)
}

// Start opens the device and the channel and runs the tunnel in the
// background. The returned channel yields the result of the loop once.
func Start(cfg *config.Config) (<-chan error, error) {
	mux.Lock()
	defer mux.Unlock()

	if current != nil {
		return nil, errors.New("tunnel is already running")
	}

	device, err := openDevice(cfg.Tun)
	if err != nil {
		return nil, fmt.Errorf("open tun device: %w", err)
	}
	log.WithFields(log.Fields{"device": device.Name(), "fd": device.Fd()}).Infoln("[TUN] device opened")

	endpoint, err := channel.New(cfg.Channel.Mode, cfg.Channel.InboundPath, cfg.Channel.OutboundPath)
	if err != nil {
		_ = device.Close()
		return nil, fmt.Errorf("set up %s channel: %w", cfg.Channel.Mode, err)
	}

	manager := statistic.NewManager()
	t, err := tunnel.New(device, endpoint, manager)
	if err != nil {
		_ = endpoint.Close()
		_ = device.Close()
		return nil, err
	}

	log.Infoln("[TUN] Setup done, configure the interface with something like:")
	for _, command := range SetupHint(device.Name(), cfg.Tun) {
		log.Infoln("[TUN]     %s", command)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	inst := &instance{tunnel: t, cancel: cancel, stopped: make(chan struct{})}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		manager.Run(ctx, cfg.General.StatInterval)
	}()
	go func() {
		defer wg.Done()
		manager.Watch(ctx)
	}()

	go func() {
		defer close(inst.stopped)
		err := t.Run(ctx)
		cancel()
		wg.Wait()
		manager.Report()

		mux.Lock()
		if current == inst {
			current = nil
		}
		mux.Unlock()

		done <- err
	}()

	current = inst
	return done, nil
}

// Shutdown stops the running tunnel and waits until its resources are released.
func Shutdown() {
	mux.Lock()
	inst := current
	mux.Unlock()

	if inst == nil {
		return
	}
	inst.cancel()
	<-inst.stopped
	log.Warnln("ipowd shutting down")
}

// Status of the running tunnel, Terminated when there is none.
func Status() tunnel.TunnelStatus {
	mux.Lock()
	defer mux.Unlock()

	if current == nil {
		return tunnel.Terminated
	}
	return current.tunnel.Status()
}

func openDevice(cfg *config.Tun) (*tun.Device, error) {
	if cfg.FileDescriptor >= 0 {
		return tun.OpenFD(cfg.FileDescriptor, cfg.Device)
	}
	return tun.Open(cfg.Device)
}

// SetupHint returns the commands that configure a point to point link on the
// interface name, first with iproute2 then with the older ifconfig.
func SetupHint(name string, cfg *config.Tun) []string {
	local, peer := cfg.LocalAddress, cfg.PeerAddress
	hint := []string{
		fmt.Sprintf("ip addr add %s peer %s dev %s", local, peer, name),
		fmt.Sprintf("ip link set %s up", name),
	}
	if local.Is4() {
		hint = append(hint, fmt.Sprintf("ifconfig %s %s pointopoint %s netmask 255.255.255.255 up", name, local, peer))
	} else {
		hint = append(hint, fmt.Sprintf("ifconfig %s inet6 add %s/128 up", name, local))
	}
	return hint
}
