package serializer

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dLog/lib/vsr"
)

// Sentinel errors of the integrity decorators. The receive path matches on
// these to account the different drop causes separately.
var (
	ErrChecksumMismatch = errors.New("message checksum mismatch")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrUnknownSender    = errors.New("no verification key")
)

// ISerializer is the interface for all message codecs on the replica
// links. Implementations must be safe for concurrent use.
type ISerializer interface {
	// Serialize encodes a message into a byte slice
	Serialize(msg vsr.Message) ([]byte, error)
	// Deserialize decodes a byte slice into the given message.
	// The input slice is not retained
	Deserialize(data []byte, msg *vsr.Message) error
}

// New returns the serializer registered under the given name: "binary"
// (the default when name is empty) or "gob".
func New(name string) (ISerializer, error) {
	switch name {
	case "", "binary":
		return NewBinarySerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
}
