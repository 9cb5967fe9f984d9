package serializer

import (
	"fmt"
	"hash/crc32"

	"github.com/ValentinKolb/dLog/lib/vsr"
)

// checksumSize is the CRC-32 trailer appended to every message
const checksumSize = 4

// NewChecksummedSerializer wraps another serializer so that every message
// carries a CRC-32 (IEEE) trailer over the encoded bytes. The trailer is
// verified and stripped before the inner serializer sees the data, so a
// frame corrupted in transit or by a buggy peer is rejected before decoding.
func NewChecksummedSerializer(inner ISerializer) ISerializer {
	return &checksummedSerializerImpl{inner: inner}
}

// checksummedSerializerImpl implements ISerializer by delegating to inner
// and appending a CRC-32 trailer
type checksummedSerializerImpl struct {
	inner ISerializer
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.ISerializer)
// --------------------------------------------------------------------------

func (c checksummedSerializerImpl) Serialize(msg vsr.Message) ([]byte, error) {
	data, err := c.inner.Serialize(msg)
	if err != nil {
		return nil, err
	}

	// Append the checksum trailer
	crc := crc32.ChecksumIEEE(data)
	result := make([]byte, len(data)+checksumSize)
	copy(result, data)
	order.PutUint32(result[len(data):], crc)

	return result, nil
}

func (c checksummedSerializerImpl) Deserialize(data []byte, msg *vsr.Message) error {
	if len(data) < checksumSize {
		return fmt.Errorf("data too short for message checksum")
	}

	// Verify and strip the trailer
	inner := data[:len(data)-checksumSize]
	want := order.Uint32(data[len(data)-checksumSize:])
	if got := crc32.ChecksumIEEE(inner); got != want {
		return fmt.Errorf("%w: got %08x, want %08x", ErrChecksumMismatch, got, want)
	}

	return c.inner.Deserialize(inner, msg)
}
