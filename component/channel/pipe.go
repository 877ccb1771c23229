package channel

import (
	"errors"
	"fmt"
	"os"

	C "github.com/metacubex/ipowd/constant"
	"github.com/metacubex/ipowd/log"

	"golang.org/x/sys/unix"
)

// PIPE_BUF on Linux
const pipeBuf = 4096

// Pipe is the named FIFO variant. The inbound FIFO is reopened whenever the
// writing peer goes away; the outbound FIFO is connected lazily on send and
// dropped again when the reader disappears.
type Pipe struct {
	inboundPath  string
	outboundPath string

	inFd  int
	outFd int
}

var _ Endpoint = (*Pipe)(nil)

// NewPipe recreates both FIFOs and opens the inbound side for reading.
func NewPipe(inboundPath, outboundPath string) (*Pipe, error) {
	for _, path := range []string{inboundPath, outboundPath} {
		if err := prepareFifo(path); err != nil {
			return nil, err
		}
	}

	p := &Pipe{
		inboundPath:  inboundPath,
		outboundPath: outboundPath,
		inFd:         -1,
		outFd:        -1,
	}
	if err := p.openInbound(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"inbound":  inboundPath,
		"outbound": outboundPath,
	}).Infoln("[Channel] pipe channel ready")
	return p, nil
}

func prepareFifo(path string) error {
	if err := removeStale(path); err != nil {
		return err
	}
	if err := unix.Mkfifo(path, C.ChannelFileMode); err != nil {
		return fmt.Errorf("can't prepare fifo %s: %w", path, err)
	}
	// mkfifo honours the umask
	if err := os.Chmod(path, C.ChannelFileMode); err != nil {
		log.Warnln("[Channel] chmod %s: %v", path, err)
	}
	return nil
}

func (p *Pipe) openInbound() error {
	fd, err := unix.Open(p.inboundPath, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("can't open fifo %s: %w", p.inboundPath, err)
	}
	p.inFd = fd
	return nil
}

// reopenInbound closes the inbound FIFO and opens it again for the next writer.
func (p *Pipe) reopenInbound() {
	_ = closeFd(&p.inFd)
	if err := p.openInbound(); err != nil {
		log.Errorln("[Channel] %v", err)
		return
	}
	log.WithFields(log.Fields{"path": p.inboundPath}).Infoln("[Channel] inbound pipe reopened")
}

func (p *Pipe) Mode() C.ChannelMode {
	return C.ChannelPipe
}

func (p *Pipe) Interests() []Interest {
	if p.inFd < 0 {
		p.reopenInbound()
		if p.inFd < 0 {
			return nil
		}
	}
	return []Interest{{Fd: p.inFd, Role: RoleInbound}}
}

func (p *Pipe) TrySend(packet []byte) Outcome {
	if len(packet) > C.MaxPacketSize {
		return DroppedOversize
	}

	if p.outFd < 0 {
		// O_WRONLY fails with ENXIO while nobody has the FIFO open for reading
		fd, err := unix.Open(p.outboundPath, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			if !errors.Is(err, unix.ENXIO) {
				log.Debugln("[Channel] can't connect to %s: %v", p.outboundPath, err)
			}
			return DroppedNoPeer
		}
		p.outFd = fd
		log.WithFields(log.Fields{"path": p.outboundPath}).Infoln("[Channel] outbound pipe connected")
	}

	// writes up to PIPE_BUF are atomic, larger ones may be split
	if len(packet) > pipeBuf && !p.fits(len(packet)) {
		return DroppedWouldBlock
	}

	n, err := unix.Write(p.outFd, packet)
	switch {
	case err == nil:
		if n < len(packet) {
			log.WithFields(log.Fields{"written": n, "size": len(packet)}).Warnln("[Channel] short write to outbound pipe")
			return DroppedTruncated
		}
		return Delivered
	case temporary(err):
		return DroppedWouldBlock
	default:
		log.WithFields(log.Fields{"path": p.outboundPath}).Warnln("[Channel] outbound pipe lost: %v", err)
		_ = closeFd(&p.outFd)
		return PeerLost
	}
}

// fits reports whether size bytes can be written without a split. The pipe
// keeps data in page sized slots and the slot at the head may be partly
// consumed, so one extra page is held back. An unknown capacity is optimistic.
func (p *Pipe) fits(size int) bool {
	capacity, err := unix.FcntlInt(uintptr(p.outFd), unix.F_GETPIPE_SZ, 0)
	if err != nil {
		return true
	}
	queued, err := unix.IoctlGetInt(p.outFd, unix.TIOCINQ)
	if err != nil {
		return true
	}

	page := os.Getpagesize()
	used := (queued+page-1)/page*page + page
	return capacity-used >= size
}

func (p *Pipe) TryReceive(buf []byte) (int, bool) {
	if p.inFd < 0 {
		return 0, false
	}

	n, err := unix.Read(p.inFd, buf)
	switch {
	case err != nil:
		if !temporary(err) {
			log.Warnln("[Channel] inbound pipe read: %v", err)
		}
		return 0, false
	case n == 0:
		log.WithFields(log.Fields{"path": p.inboundPath}).Warnln("[Channel] inbound pipe closed by peer, reopening")
		p.reopenInbound()
		return 0, false
	case n > C.MaxPacketSize:
		log.WithFields(log.Fields{"size": n}).Warnln("[Channel] dropped oversized inbound read")
		return 0, false
	}
	return n, true
}

// Discover is a no-op, the pipe variant has no rendezvous traffic.
func (p *Pipe) Discover([]byte) {}

// Connected reports whether the outbound FIFO currently has a descriptor.
func (p *Pipe) Connected() bool {
	return p.outFd >= 0
}

func (p *Pipe) Close() error {
	return errors.Join(closeFd(&p.inFd), closeFd(&p.outFd))
}
