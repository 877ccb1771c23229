package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPacketPool(t *testing.T) {
	buf := GetPacket()
	assert.Len(t, buf, RelayBufferSize)
	buf[0] = 0xff
	PutPacket(buf[:10])

	again := GetPacket()
	assert.Len(t, again, RelayBufferSize)
	PutPacket(again)
}

func TestPacketPool_Foreign(t *testing.T) {
	PutPacket(make([]byte, 16))
	assert.Len(t, GetPacket(), RelayBufferSize)
}

func TestBufferPool(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("hello")
	PutBuffer(buf)

	again := GetBuffer()
	assert.Equal(t, 0, again.Len())
	PutBuffer(again)
}
