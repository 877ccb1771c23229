package channel

import (
	"errors"
	"fmt"
	"os"

	C "github.com/metacubex/ipowd/constant"
	"github.com/metacubex/ipowd/log"

	"golang.org/x/sys/unix"
)

// Datagram is the unix datagram socket variant. Both sockets are used in one
// direction only: the inbound socket receives packets for the device, the
// outbound socket sends device packets to the learned peer. The peer address
// is learned from any datagram the peer sends to the outbound socket.
type Datagram struct {
	inboundPath  string
	outboundPath string

	inFd  int
	outFd int

	peer *unix.SockaddrUnix
}

var _ Endpoint = (*Datagram)(nil)

// NewDatagram binds both sockets. It fails closed: if either socket cannot be
// set up, nothing stays open.
func NewDatagram(inboundPath, outboundPath string) (*Datagram, error) {
	inFd, err := bindDatagram(inboundPath)
	if err != nil {
		return nil, err
	}
	outFd, err := bindDatagram(outboundPath)
	if err != nil {
		_ = unix.Close(inFd)
		return nil, err
	}

	log.WithFields(log.Fields{
		"inbound":  inboundPath,
		"outbound": outboundPath,
	}).Infoln("[Channel] datagram channel ready")

	return &Datagram{
		inboundPath:  inboundPath,
		outboundPath: outboundPath,
		inFd:         inFd,
		outFd:        outFd,
	}, nil
}

func bindDatagram(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("can't create socket %s: %w", path, err)
	}
	if err := removeStale(path); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind to path failed for %s: %w", path, err)
	}
	if err := os.Chmod(path, C.ChannelFileMode); err != nil {
		log.Warnln("[Channel] chmod %s: %v", path, err)
	}
	return fd, nil
}

func (d *Datagram) Mode() C.ChannelMode {
	return C.ChannelDatagram
}

func (d *Datagram) Interests() []Interest {
	return []Interest{
		{Fd: d.inFd, Role: RoleInbound},
		{Fd: d.outFd, Role: RoleDiscovery},
	}
}

// Peer returns the learned peer address, if any.
func (d *Datagram) Peer() (string, bool) {
	if d.peer == nil {
		return "", false
	}
	return d.peer.Name, true
}

func (d *Datagram) TrySend(packet []byte) Outcome {
	if len(packet) > C.MaxPacketSize {
		return DroppedOversize
	}
	if d.peer == nil {
		return DroppedNoPeer
	}

	err := unix.Sendto(d.outFd, packet, 0, d.peer)
	switch {
	case err == nil:
		return Delivered
	case temporary(err):
		return DroppedWouldBlock
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ECONNREFUSED):
		d.forget(err)
		return PeerLost
	default:
		log.WithFields(log.Fields{"peer": d.peer.Name}).Warnln("[Channel] can't send to peer: %v", err)
		return DroppedError
	}
}

func (d *Datagram) TryReceive(buf []byte) (int, bool) {
	n, _, err := unix.Recvfrom(d.inFd, buf, 0)
	switch {
	case err != nil:
		if !temporary(err) {
			log.Warnln("[Channel] inbound socket receive: %v", err)
		}
		return 0, false
	case n == 0:
		log.Debugln("[Channel] ignored empty inbound datagram")
		return 0, false
	case n > C.MaxPacketSize:
		log.WithFields(log.Fields{"size": n}).Warnln("[Channel] dropped oversized inbound datagram")
		return 0, false
	}
	return n, true
}

// Discover consumes one rendezvous datagram and records its sender. The
// payload is irrelevant.
func (d *Datagram) Discover(buf []byte) {
	_, from, err := unix.Recvfrom(d.outFd, buf, 0)
	if err != nil {
		if !temporary(err) {
			log.Warnln("[Channel] peer discovery receive: %v", err)
		}
		return
	}

	addr, ok := from.(*unix.SockaddrUnix)
	if !ok || !replyable(addr.Name) {
		// an unbound sender cannot be answered
		d.forget(errors.New("sender has no address"))
		return
	}

	if d.peer != nil && d.peer.Name == addr.Name {
		log.WithFields(log.Fields{"peer": addr.Name}).Debugln("[Channel] peer refreshed")
		return
	}
	d.peer = &unix.SockaddrUnix{Name: addr.Name}
	log.WithFields(log.Fields{"peer": addr.Name}).Infoln("[Channel] peer learned")
}

// replyable rejects the empty and the bare abstract address reported for
// unbound senders.
func replyable(name string) bool {
	return name != "" && name != "@"
}

func (d *Datagram) forget(reason error) {
	if d.peer == nil {
		return
	}
	log.WithFields(log.Fields{"peer": d.peer.Name}).Warnln("[Channel] peer lost: %v", reason)
	d.peer = nil
}

func (d *Datagram) Close() error {
	return errors.Join(closeFd(&d.inFd), closeFd(&d.outFd))
}
