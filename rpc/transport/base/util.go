package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const (
	// frameHeaderSize is the length prefix in front of every frame
	frameHeaderSize = 4

	// maxFrameSize caps a single frame. The serializers bound commands and
	// entry counts well below this, a larger header means corruption or a
	// hostile peer
	maxFrameSize = 256 << 20

	// defaultBufferSize is the pooled read buffer size used when the
	// configuration does not set one
	defaultBufferSize = 512 * 1024
)

// writeFrame writes a frame to the connection with the format:
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(conn net.Conn, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(data), maxFrameSize)
	}

	// Create the header (4 bytes for content length)
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads a frame from the connection using the provided buffer.
// If the buffer is too small, it will allocate a new temporary buffer for
// the data. The returned slice is only valid until the next call.
func readFrame(conn net.Conn, buf []byte) ([]byte, error) {
	// Check if buffer is large enough for header
	if len(buf) < frameHeaderSize {
		buf = make([]byte, frameHeaderSize)
	}

	// Read header
	if _, err := io.ReadFull(conn, buf[:frameHeaderSize]); err != nil {
		return nil, err
	}

	// Parse header
	contentLength := binary.BigEndian.Uint32(buf[:frameHeaderSize])

	// If no data, return empty slice
	if contentLength == 0 {
		return []byte{}, nil
	}
	if contentLength > maxFrameSize {
		return nil, fmt.Errorf("frame header claims %d bytes, limit is %d", contentLength, maxFrameSize)
	}

	// Check if buffer is large enough for data
	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}

	// Read data
	if _, err := io.ReadFull(conn, buf[:contentLength]); err != nil {
		return nil, err
	}

	return buf[:contentLength], nil
}
