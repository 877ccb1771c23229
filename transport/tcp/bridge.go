// Package tcp carries channel packets over a TCP stream, so that two hosts
// running the daemon can be linked through a plain TCP connection.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/metacubex/ipowd/common/atomic"
	C "github.com/metacubex/ipowd/constant"
	"github.com/metacubex/ipowd/log"
	"github.com/metacubex/ipowd/peer"

	"golang.org/x/sync/errgroup"
)

const queueSize = 64

// Bridge moves packets between a channel peer and the stream currently
// attached to it. The channel is read continuously; packets that find the
// queue full are dropped, like everywhere else on the packet path.
type Bridge struct {
	conn      peer.Conn
	packets   chan []byte
	keepalive time.Duration

	forwarded atomic.Int64
	received  atomic.Int64
	dropped   atomic.Int64
}

// NewBridge takes ownership of conn. A positive keepalive re-announces a
// datagram peer periodically so a restarted daemon learns it again.
func NewBridge(conn peer.Conn, keepalive time.Duration) *Bridge {
	return &Bridge{
		conn:      conn,
		packets:   make(chan []byte, queueSize),
		keepalive: keepalive,
	}
}

// Start reads the channel in the background. The returned context is done
// when parent is, or when the channel fails; context.Cause reports which.
// The channel is closed once it is done.
func (b *Bridge) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancelCause(parent)
	context.AfterFunc(ctx, func() { _ = b.conn.Close() })

	go func() {
		if err := b.pump(ctx); err != nil {
			cancel(err)
		}
	}()

	if primer, ok := b.conn.(interface{ Prime() error }); ok && b.keepalive > 0 {
		go b.prime(ctx, primer)
	}
	return ctx
}

func (b *Bridge) pump(ctx context.Context) error {
	buf := make([]byte, C.BufferSize)
	for {
		n, err := b.conn.ReadPacket(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read channel: %w", err)
		}
		if n == 0 || n > C.MaxPacketSize {
			continue
		}

		select {
		case b.packets <- bytes.Clone(buf[:n]):
		default:
			b.dropped.Add(1)
			log.WithFields(log.Fields{"bytes": n}).Debugln("[TCP] queue full, dropped packet")
		}
	}
}

func (b *Bridge) prime(ctx context.Context, primer interface{ Prime() error }) {
	ticker := time.NewTicker(b.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := primer.Prime(); err != nil {
				log.Debugln("[TCP] keepalive: %v", err)
			}
		}
	}
}

// Relay attaches stream until it fails or ctx is done, then closes it.
func (b *Bridge) Relay(ctx context.Context, stream net.Conn) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		reader := bufio.NewReader(stream)
		buf := make([]byte, C.BufferSize)
		for {
			n, err := ReadFrame(reader, buf)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			if _, err := b.conn.WritePacket(buf[:n]); err != nil {
				b.dropped.Add(1)
				log.Debugln("[TCP] write channel: %v", err)
				continue
			}
			b.received.Add(1)
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case packet := <-b.packets:
				if err := WriteFrame(stream, packet); err != nil {
					return err
				}
				b.forwarded.Add(1)
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		_ = stream.Close()
		return nil
	})

	return g.Wait()
}

// Counts returns packets sent to the stream, received from it and dropped.
func (b *Bridge) Counts() (forwarded, received, dropped int64) {
	return b.forwarded.Load(), b.received.Load(), b.dropped.Load()
}

// stopped converts the end of a started bridge into the Run result.
func stopped(parent, ctx context.Context) error {
	if parent.Err() != nil {
		return nil
	}
	return context.Cause(ctx)
}
