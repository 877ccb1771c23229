// Package tun owns the raw packet descriptor of a TUN interface.
package tun

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by Read and Write when the descriptor is not ready.
var ErrWouldBlock = errors.New("tun: operation would block")

// Device is a non-blocking handle to a TUN interface. Every Read returns one
// packet and every Write hands one packet to the kernel.
type Device struct {
	fd   int
	name string

	// file keeps descriptors handed out by water alive; nil for adopted fds
	file *os.File

	closeOnce sync.Once
	closeErr  error
}

// OpenFD adopts an already configured packet descriptor, e.g. one passed down
// by a supervisor. An empty name falls back to the descriptor number.
func OpenFD(fd int, name string) (*Device, error) {
	if fd < 0 {
		return nil, fmt.Errorf("cannot open fd: %d", fd)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set fd %d non-blocking: %w", fd, err)
	}
	if name == "" {
		name = strconv.Itoa(fd)
	}
	return &Device{fd: fd, name: name}, nil
}

// Name returns the interface name assigned by the kernel.
func (d *Device) Name() string {
	return d.name
}

// Fd returns the descriptor to wait on for readiness.
func (d *Device) Fd() int {
	return d.fd
}

// Read reads one packet into buf. A zero-length read means the other end of
// the descriptor is gone and is reported as io.EOF.
func (d *Device) Read(buf []byte) (int, error) {
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("read %s: %w", d.name, err)
	}
	if n == 0 && len(buf) > 0 {
		return 0, fmt.Errorf("read %s: %w", d.name, io.EOF)
	}
	return n, nil
}

// Write hands one packet to the kernel. Partial writes do not happen on a
// packet descriptor, so a short count is reported as io.ErrShortWrite.
func (d *Device) Write(packet []byte) (int, error) {
	n, err := unix.Write(d.fd, packet)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("write %s: %w", d.name, err)
	}
	if n < len(packet) {
		return n, fmt.Errorf("write %s: %w", d.name, io.ErrShortWrite)
	}
	return n, nil
}

// Close releases the descriptor. It is safe to call more than once.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		if d.file != nil {
			d.closeErr = d.file.Close()
			return
		}
		d.closeErr = unix.Close(d.fd)
	})
	return d.closeErr
}
