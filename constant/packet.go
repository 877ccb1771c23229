package constant

import "github.com/metacubex/ipowd/common/pool"

const (
	// BufferSize is the size of every read issued against the device or the channel.
	BufferSize = pool.RelayBufferSize

	// MaxPacketSize must stay above the interface MTU. A read that fills more
	// than MaxPacketSize bytes of a BufferSize buffer is treated as oversized.
	MaxPacketSize = BufferSize - 2

	DefaultInboundPath  = "/var/run/tun_in.fifo"
	DefaultOutboundPath = "/var/run/tun_out.fifo"

	// ChannelFileMode is applied to both channel paths so any local user can attach.
	ChannelFileMode = 0o666

	DefaultLocalAddress = "10.0.0.1"
	DefaultPeerAddress  = "10.0.0.2"
)
