package tun

import (
	"fmt"
	"os"

	"github.com/songgao/water"
	"golang.org/x/sys/unix"
)

// Open allocates a TUN interface carrying raw IP packets without the packet
// information header. The requested name may be empty or a pattern such as
// "ipow%d"; the kernel picks the final name.
func Open(name string) (*Device, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("interface name %q too long", name)
	}

	config := water.Config{DeviceType: water.TUN}
	config.Name = name

	ifce, err := water.New(config)
	if err != nil {
		return nil, fmt.Errorf("allocate tun %q: %w", name, err)
	}

	file, ok := ifce.ReadWriteCloser.(*os.File)
	if !ok {
		_ = ifce.Close()
		return nil, fmt.Errorf("unexpected tun handle %T", ifce.ReadWriteCloser)
	}

	fd, err := rawFd(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &Device{fd: fd, name: ifce.Name(), file: file}, nil
}

// rawFd extracts the descriptor without the blocking-mode switch os.File.Fd does.
func rawFd(file *os.File) (int, error) {
	conn, err := file.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("tun syscall conn: %w", err)
	}

	fd := -1
	if err := conn.Control(func(raw uintptr) {
		fd = int(raw)
	}); err != nil {
		return -1, fmt.Errorf("tun control: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return -1, fmt.Errorf("set tun non-blocking: %w", err)
	}
	return fd, nil
}
