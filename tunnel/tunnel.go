// Package tunnel runs the forwarding loop between the TUN device and the channel.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/metacubex/ipowd/common/pool"
	"github.com/metacubex/ipowd/component/channel"
	"github.com/metacubex/ipowd/component/tun"
	C "github.com/metacubex/ipowd/constant"
	"github.com/metacubex/ipowd/log"
	"github.com/metacubex/ipowd/tunnel/statistic"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Run on a tunnel that was closed or already ran.
var ErrClosed = errors.New("tunnel closed")

// Device is the packet side of the tunnel, implemented by *tun.Device.
type Device interface {
	Name() string
	Fd() int
	Read(buf []byte) (int, error)
	Write(packet []byte) (int, error)
	Close() error
}

// Tunnel owns a device and a channel endpoint and copies packets between them
// on a single goroutine. The endpoint is only ever touched by Run.
type Tunnel struct {
	device   Device
	endpoint channel.Endpoint
	manager  *statistic.Manager
	status   *AtomicStatus

	mux      sync.Mutex
	wake     int // eventfd interrupting the readiness wait
	running  bool
	closed   bool
	released bool

	fds   []unix.PollFd
	roles []channel.Role
}

// New takes ownership of device and endpoint. A nil manager gets a private one.
func New(device Device, endpoint channel.Endpoint, manager *statistic.Manager) (*Tunnel, error) {
	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create wake eventfd: %w", err)
	}
	if manager == nil {
		manager = statistic.NewManager()
	}
	return &Tunnel{
		device:   device,
		endpoint: endpoint,
		manager:  manager,
		status:   newAtomicStatus(Running),
		wake:     wake,
	}, nil
}

// Status is safe to call from any goroutine.
func (t *Tunnel) Status() TunnelStatus {
	return t.status.Load()
}

func (t *Tunnel) Statistic() *statistic.Manager {
	return t.manager
}

// Run forwards packets until ctx is done, Close is called or a fatal device
// error occurs. Device and endpoint are closed on every return path. A
// requested shutdown returns nil.
func (t *Tunnel) Run(ctx context.Context) error {
	t.mux.Lock()
	if t.closed || t.running {
		t.mux.Unlock()
		return ErrClosed
	}
	t.running = true
	t.mux.Unlock()

	defer t.release()

	stop := context.AfterFunc(ctx, t.wakeup)
	defer stop()

	buf := pool.GetPacket()
	defer pool.PutPacket(buf)

	log.WithFields(log.Fields{
		"device": t.device.Name(),
		"mode":   t.endpoint.Mode(),
	}).Infoln("[Tunnel] forwarding started")

	for {
		if ctx.Err() != nil {
			return nil
		}

		fds := t.pollSet()
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			log.Errorln("[Tunnel] wait for readiness: %v", err)
		}

		if fds[1].Revents != 0 {
			return nil
		}

		if readable(fds[0]) {
			if err := t.forwardFromDevice(buf); err != nil {
				return err
			}
		}

		for i, role := range t.roles {
			if !readable(fds[i+2]) {
				continue
			}
			switch role {
			case channel.RoleInbound:
				if err := t.forwardToDevice(buf); err != nil {
					return err
				}
			case channel.RoleDiscovery:
				t.endpoint.Discover(buf)
			}
		}
	}
}

// pollSet rebuilds the wait set; the channel may have replaced descriptors.
func (t *Tunnel) pollSet() []unix.PollFd {
	t.fds = append(t.fds[:0],
		unix.PollFd{Fd: int32(t.device.Fd()), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(t.wake), Events: unix.POLLIN},
	)
	t.roles = t.roles[:0]
	for _, interest := range t.endpoint.Interests() {
		t.fds = append(t.fds, unix.PollFd{Fd: int32(interest.Fd), Events: unix.POLLIN})
		t.roles = append(t.roles, interest.Role)
	}
	return t.fds
}

func readable(fd unix.PollFd) bool {
	return fd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
}

// forwardFromDevice moves one packet from the device to the channel. Only a
// broken device is an error.
func (t *Tunnel) forwardFromDevice(buf []byte) error {
	n, err := t.device.Read(buf)
	if err != nil {
		if errors.Is(err, tun.ErrWouldBlock) {
			return nil
		}
		return fmt.Errorf("read device: %w", err)
	}

	if n > C.MaxPacketSize {
		t.dropped(channel.DroppedOversize, n)
		return nil
	}

	outcome := t.endpoint.TrySend(buf[:n])
	if outcome.Dropped() {
		t.dropped(outcome, n)
		return nil
	}

	t.manager.PushUploaded(n)
	log.WithFields(log.Fields{"bytes": n}).Debugln("[Tunnel] device -> channel")
	return nil
}

// forwardToDevice moves one unit from the channel to the device. A device
// that rejects writes cannot forward anything else, so that ends the loop;
// malformed packets and a full device queue only drop the packet.
func (t *Tunnel) forwardToDevice(buf []byte) error {
	n, ok := t.endpoint.TryReceive(buf)
	if !ok {
		return nil
	}

	_, err := t.device.Write(buf[:n])
	switch {
	case err == nil:
		t.manager.PushDownloaded(n)
		log.WithFields(log.Fields{"bytes": n}).Debugln("[Tunnel] channel -> device")
		return nil
	case errors.Is(err, tun.ErrWouldBlock):
		t.manager.PushDropped(statistic.DirectionDownload, "would-block")
		log.WithFields(log.Fields{"bytes": n}).Debugln("[Tunnel] device busy, dropped packet")
		return nil
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.EMSGSIZE):
		t.manager.PushDropped(statistic.DirectionDownload, "malformed")
		log.WithFields(log.Fields{"bytes": n}).Warnln("[Tunnel] device rejected packet: %v", err)
		return nil
	default:
		return fmt.Errorf("write device: %w", err)
	}
}

func (t *Tunnel) dropped(outcome channel.Outcome, size int) {
	t.manager.PushDropped(statistic.DirectionUpload, outcome.String())

	entry := log.WithFields(log.Fields{"bytes": size, "reason": outcome})
	switch outcome {
	case channel.PeerLost, channel.DroppedError, channel.DroppedOversize, channel.DroppedTruncated:
		entry.Warnln("[Tunnel] dropped outgoing packet")
	default:
		entry.Debugln("[Tunnel] dropped outgoing packet")
	}
}

func (t *Tunnel) wakeup() {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.released {
		return
	}
	// any non-zero counter value makes the eventfd readable
	_, _ = unix.Write(t.wake, []byte{1, 0, 0, 0, 0, 0, 0, 0})
}

// Close stops a running loop, or releases the resources of one that never ran.
func (t *Tunnel) Close() error {
	t.mux.Lock()
	if t.closed {
		t.mux.Unlock()
		return nil
	}
	t.closed = true
	running := t.running
	t.mux.Unlock()

	if running {
		t.wakeup()
		return nil
	}
	return t.release()
}

func (t *Tunnel) release() error {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.released {
		return nil
	}
	t.released = true

	err := errors.Join(
		t.endpoint.Close(),
		t.device.Close(),
		unix.Close(t.wake),
	)
	t.wake = -1
	t.status.Store(Terminated)

	log.WithFields(log.Fields{"device": t.device.Name()}).Infoln("[Tunnel] terminated")
	return err
}
