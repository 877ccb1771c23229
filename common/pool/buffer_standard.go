package pool

const (
	// RelayBufferSize is large enough for any packet a TUN device hands out
	// with a jumbo MTU, with room left to detect oversized reads.
	RelayBufferSize = 20 * 1024
)
