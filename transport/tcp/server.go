package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/metacubex/ipowd/log"
)

// Server relays the bridge over accepted connections. There is a single
// channel peer, so a new connection replaces the current one.
type Server struct {
	listener net.Listener
}

func NewServer(listener net.Listener) *Server {
	return &Server{listener: listener}
}

func Listen(address string) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return NewServer(listener), nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Run serves until parent is done or the channel fails, then closes the
// listener. A requested stop returns nil.
func (s *Server) Run(parent context.Context, bridge *Bridge) error {
	ctx := bridge.Start(parent)
	context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	log.WithFields(log.Fields{"address": s.Addr().String()}).Infoln("[TCP] listening")

	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	stop := func() {
		if cancel != nil {
			cancel()
			<-done
		}
	}
	defer stop()

	for {
		stream, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return stopped(parent, ctx)
			}
			return fmt.Errorf("accept: %w", err)
		}

		stop()
		log.WithFields(log.Fields{"remote": stream.RemoteAddr().String()}).Infoln("[TCP] accepted connection")

		var relayCtx context.Context
		relayCtx, cancel = context.WithCancel(ctx)
		done = make(chan struct{})
		go func(stream net.Conn, done chan struct{}) {
			defer close(done)
			err := bridge.Relay(relayCtx, stream)
			log.WithFields(log.Fields{"remote": stream.RemoteAddr().String()}).Warnln("[TCP] connection closed: %v", err)
		}(stream, done)
	}
}
