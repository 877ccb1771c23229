// Package peer is the counterpart side of the channel: what a transport
// process uses to exchange packets with the daemon.
package peer

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	C "github.com/metacubex/ipowd/constant"
	"github.com/metacubex/ipowd/log"
)

// Conn is the peer side of either channel variant.
type Conn interface {
	// ReadPacket blocks until the daemon hands over a packet from the device.
	ReadPacket(buf []byte) (int, error)
	// WritePacket sends one packet toward the device.
	WritePacket(packet []byte) (int, error)
	Close() error
}

var (
	_ Conn = (*Datagram)(nil)
	_ Conn = (*Pipe)(nil)
)

// Dial attaches to the daemon's channel in mode. localPath is the socket the
// datagram peer binds and is announced right away; pipes ignore it.
func Dial(mode C.ChannelMode, localPath, inboundPath, outboundPath string) (Conn, error) {
	switch mode {
	case C.ChannelPipe:
		return OpenPipe(inboundPath, outboundPath)
	case C.ChannelDatagram:
		conn, err := DialDatagram(localPath, inboundPath, outboundPath)
		if err != nil {
			return nil, err
		}
		if err := conn.Prime(); err != nil {
			// the daemon may come up later, keepalive primes again
			log.Debugln("[Peer] prime %s: %v", outboundPath, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported channel mode: %s", mode)
	}
}

// Primer is the payload sent to announce the peer address. The daemon only
// looks at the sender, so any payload works.
var Primer = []byte("hi")

// Datagram is a peer of the datagram channel bound to its own socket path.
type Datagram struct {
	conn      *net.UnixConn
	localPath string
	inbound   *net.UnixAddr
	outbound  *net.UnixAddr
}

// DialDatagram binds localPath and targets the daemon's inbound and outbound
// socket paths. Call Prime before expecting packets.
func DialDatagram(localPath, inboundPath, outboundPath string) (*Datagram, error) {
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale %s: %w", localPath, err)
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: localPath, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", localPath, err)
	}
	return &Datagram{
		conn:      conn,
		localPath: localPath,
		inbound:   &net.UnixAddr{Name: inboundPath, Net: "unixgram"},
		outbound:  &net.UnixAddr{Name: outboundPath, Net: "unixgram"},
	}, nil
}

// Prime announces this socket as the receiver of device packets.
func (d *Datagram) Prime() error {
	_, err := d.conn.WriteToUnix(Primer, d.outbound)
	return err
}

// WritePacket sends one packet toward the device.
func (d *Datagram) WritePacket(packet []byte) (int, error) {
	return d.conn.WriteToUnix(packet, d.inbound)
}

// ReadPacket receives one packet that came out of the device.
func (d *Datagram) ReadPacket(buf []byte) (int, error) {
	n, _, err := d.conn.ReadFromUnix(buf)
	return n, err
}

func (d *Datagram) SetReadDeadline(t time.Time) error {
	return d.conn.SetReadDeadline(t)
}

func (d *Datagram) LocalPath() string {
	return d.localPath
}

// Close closes the socket and removes its path, which the daemon observes as
// the peer going away.
func (d *Datagram) Close() error {
	err := d.conn.Close()
	if rmErr := os.Remove(d.localPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}

// Pipe is a peer of the FIFO channel.
type Pipe struct {
	inboundPath string
	reader      *os.File
	writer      *os.File
}

// OpenPipe opens the daemon's outbound FIFO for reading and its inbound FIFO
// for writing. The reader is opened read-write so it never sees end-of-file
// while the daemon has not connected yet.
func OpenPipe(inboundPath, outboundPath string) (*Pipe, error) {
	reader, err := os.OpenFile(outboundPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", outboundPath, err)
	}
	writer, err := OpenPipeWriter(inboundPath)
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	return &Pipe{inboundPath: inboundPath, reader: reader, writer: writer}, nil
}

// OpenPipeWriter opens the daemon's inbound FIFO for writing without waiting.
// It fails while the daemon does not have the FIFO open.
func OpenPipeWriter(inboundPath string) (*os.File, error) {
	writer, err := os.OpenFile(inboundPath, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", inboundPath, err)
	}
	return writer, nil
}

// WritePacket writes one packet toward the device. A daemon that restarted
// recreated its FIFO, so a broken pipe reopens the writer once and retries.
func (p *Pipe) WritePacket(packet []byte) (int, error) {
	n, err := p.writer.Write(packet)
	if err == nil || !errors.Is(err, syscall.EPIPE) {
		return n, err
	}
	if rErr := p.Reconnect(p.inboundPath); rErr != nil {
		return n, errors.Join(err, rErr)
	}
	return p.writer.Write(packet)
}

func (p *Pipe) ReadPacket(buf []byte) (int, error) {
	return p.reader.Read(buf)
}

func (p *Pipe) SetReadDeadline(t time.Time) error {
	return p.reader.SetReadDeadline(t)
}

// CloseWriter hangs up the inbound direction only.
func (p *Pipe) CloseWriter() error {
	return p.writer.Close()
}

// Reconnect replaces the writer with a fresh one on inboundPath.
func (p *Pipe) Reconnect(inboundPath string) error {
	writer, err := OpenPipeWriter(inboundPath)
	if err != nil {
		return err
	}
	// the old writer may already be closed by CloseWriter
	_ = p.writer.Close()
	p.inboundPath = inboundPath
	p.writer = writer
	return nil
}

func (p *Pipe) Close() error {
	err := p.reader.Close()
	if wErr := p.writer.Close(); wErr != nil && !errors.Is(wErr, os.ErrClosed) {
		err = errors.Join(err, wErr)
	}
	return err
}
