// Package channel implements the local endpoints a peer process attaches to.
package channel

import (
	"errors"
	"fmt"

	C "github.com/metacubex/ipowd/constant"

	"golang.org/x/sys/unix"
)

// Role tells the forwarding loop what a readiness event on a descriptor means.
type Role int

const (
	// RoleInbound descriptors carry packets from the peer to the device.
	RoleInbound Role = iota
	// RoleDiscovery descriptors carry rendezvous traffic that names the peer.
	RoleDiscovery
)

func (r Role) String() string {
	switch r {
	case RoleInbound:
		return "inbound"
	case RoleDiscovery:
		return "discovery"
	default:
		return "unknown"
	}
}

// Interest is a descriptor the loop has to wait on for readability.
type Interest struct {
	Fd   int
	Role Role
}

// Outcome is the result of a single send attempt. Nothing but Delivered puts
// the packet on the wire, and no outcome is retried.
type Outcome int

const (
	Delivered Outcome = iota
	DroppedNoPeer
	DroppedWouldBlock
	PeerLost
	DroppedError
	DroppedOversize
	// DroppedTruncated means only part of the packet reached the peer.
	DroppedTruncated
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case DroppedNoPeer:
		return "no-peer"
	case DroppedWouldBlock:
		return "would-block"
	case PeerLost:
		return "peer-lost"
	case DroppedError:
		return "error"
	case DroppedOversize:
		return "oversize"
	case DroppedTruncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// Dropped reports whether the packet was discarded.
func (o Outcome) Dropped() bool {
	return o != Delivered
}

// Endpoint is the daemon side of the channel. All methods are non-blocking and
// must only be called from the forwarding loop.
type Endpoint interface {
	Mode() C.ChannelMode

	// Interests lists the descriptors to wait on, inbound first.
	Interests() []Interest

	// TrySend attempts to deliver one packet to the peer.
	TrySend(packet []byte) Outcome

	// TryReceive reads one unit from the inbound side into buf.
	TryReceive(buf []byte) (n int, ok bool)

	// Discover services a RoleDiscovery descriptor; buf is scratch space.
	Discover(buf []byte)

	Close() error
}

// New builds the endpoint variant selected by mode on the two channel paths.
func New(mode C.ChannelMode, inboundPath, outboundPath string) (Endpoint, error) {
	if inboundPath == outboundPath {
		return nil, fmt.Errorf("inbound and outbound path must differ: %s", inboundPath)
	}

	switch mode {
	case C.ChannelPipe:
		return NewPipe(inboundPath, outboundPath)
	case C.ChannelDatagram:
		return NewDatagram(inboundPath, outboundPath)
	default:
		return nil, fmt.Errorf("unsupported channel mode: %s", mode)
	}
}

// temporary reports errors that only mean "try again later".
func temporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

// removeStale unlinks a leftover path, a missing path is fine.
func removeStale(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("can't unlink %s (still active?): %w", path, err)
	}
	return nil
}

func closeFd(fd *int) error {
	if *fd < 0 {
		return nil
	}
	err := unix.Close(*fd)
	*fd = -1
	return err
}
