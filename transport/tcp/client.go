package tcp

import (
	"context"
	"net"
	"time"

	"github.com/metacubex/ipowd/log"

	"github.com/jpillora/backoff"
)

type Option func(*options)

type options struct {
	minBackoff time.Duration
	maxBackoff time.Duration
}

func WithBackoff(min, max time.Duration) Option {
	return func(o *options) {
		o.minBackoff = min
		o.maxBackoff = max
	}
}

// Client keeps one connection to a Server, redialing with backoff whenever
// it is lost.
type Client struct {
	address string
	backoff *backoff.Backoff
	dialer  net.Dialer
}

func NewClient(address string, opts ...Option) *Client {
	o := options{minBackoff: time.Second, maxBackoff: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		address: address,
		backoff: &backoff.Backoff{
			Min:    o.minBackoff,
			Max:    o.maxBackoff,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Run relays bridge over the connection until parent is done or the channel
// fails. A requested stop returns nil.
func (c *Client) Run(parent context.Context, bridge *Bridge) error {
	ctx := bridge.Start(parent)

	for {
		stream, err := c.dialer.DialContext(ctx, "tcp", c.address)
		if err == nil {
			log.WithFields(log.Fields{"remote": c.address}).Infoln("[TCP] connected")
			c.backoff.Reset()
			err = bridge.Relay(ctx, stream)
			log.WithFields(log.Fields{"remote": c.address}).Warnln("[TCP] disconnected: %v", err)
		} else if ctx.Err() == nil {
			log.WithFields(log.Fields{"remote": c.address}).Warnln("[TCP] dial failed: %v", err)
		}

		wait := time.NewTimer(c.backoff.Duration())
		select {
		case <-ctx.Done():
			wait.Stop()
			return stopped(parent, ctx)
		case <-wait.C:
		}
	}
}
