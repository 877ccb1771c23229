package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/metacubex/ipowd/common/pool"
	C "github.com/metacubex/ipowd/constant"
)

// A frame is a big endian uint16 length followed by that many packet bytes.
// MaxPacketSize leaves exactly this header's room in a BufferSize buffer.
const headerSize = 2

var ErrFrameTooLarge = errors.New("frame larger than max packet size")

// WriteFrame writes packet as a single frame with one Write call.
func WriteFrame(w io.Writer, packet []byte) error {
	if len(packet) > C.MaxPacketSize {
		return ErrFrameTooLarge
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	var header [headerSize]byte
	binary.BigEndian.PutUint16(header[:], uint16(len(packet)))
	buf.Write(header[:])
	buf.Write(packet)

	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrame reads the next frame into buf, which must hold MaxPacketSize bytes.
func ReadFrame(r io.Reader, buf []byte) (int, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, err
	}

	size := int(binary.BigEndian.Uint16(header[:]))
	if size > C.MaxPacketSize || size > len(buf) {
		return 0, fmt.Errorf("%w: %d", ErrFrameTooLarge, size)
	}
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		return 0, err
	}
	return size, nil
}
