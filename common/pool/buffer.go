package pool

import (
	"bytes"
	"sync"
)

// buffers that grew past this are left to the GC
const maxRetainedBuffer = 64 * 1024

var bufferPool = sync.Pool{New: func() any { return &bytes.Buffer{} }}

func GetBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxRetainedBuffer {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}
