package pool

import "sync"

var packetPool = sync.Pool{New: func() any {
	buf := make([]byte, RelayBufferSize)
	return &buf
}}

// GetPacket returns a buffer able to hold one packet read of RelayBufferSize bytes.
func GetPacket() []byte {
	return (*packetPool.Get().(*[]byte))[:RelayBufferSize]
}

// PutPacket returns a buffer obtained from GetPacket. Foreign buffers are ignored.
func PutPacket(buf []byte) {
	if cap(buf) != RelayBufferSize {
		return
	}
	buf = buf[:RelayBufferSize]
	packetPool.Put(&buf)
}
