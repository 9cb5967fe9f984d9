package serializer

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/dLog/lib/vsr"
)

// nonceSize is the per frame nonce appended before signing
const nonceSize = 8

// NewSignedSerializer wraps another serializer so that every message carries
// an Ed25519 signature over the encoded bytes plus a fresh nonce. The nonce
// keeps retransmissions of the same message byte-distinct: receivers treat
// byte-identical signed frames inside their replay window as replays and
// drop them, while the protocol retransmits messages verbatim.
//
// On receive the inner bytes are decoded first to learn the sender, then the
// signature is checked against the sender's public key; the message is
// rejected unless it verifies.
func NewSignedSerializer(inner ISerializer, key ed25519.PrivateKey, peers map[vsr.ReplicaID]ed25519.PublicKey) ISerializer {
	s := &signedSerializerImpl{
		inner: inner,
		key:   key,
		peers: peers,
	}

	// Start the nonce sequence at a random point so frames from before a
	// restart never repeat
	var seed [nonceSize]byte
	if _, err := rand.Read(seed[:]); err == nil {
		s.seq.Store(order.Uint64(seed[:]))
	}

	return s
}

// signedSerializerImpl implements ISerializer by delegating to inner and
// appending a nonce plus an Ed25519 signature
type signedSerializerImpl struct {
	inner ISerializer
	key   ed25519.PrivateKey
	peers map[vsr.ReplicaID]ed25519.PublicKey
	seq   atomic.Uint64
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.ISerializer)
// --------------------------------------------------------------------------

func (s *signedSerializerImpl) Serialize(msg vsr.Message) ([]byte, error) {
	data, err := s.inner.Serialize(msg)
	if err != nil {
		return nil, err
	}

	// Append the nonce, then sign everything up to and including it
	result := make([]byte, len(data)+nonceSize+ed25519.SignatureSize)
	copy(result, data)
	order.PutUint64(result[len(data):], s.seq.Add(1))

	signed := result[:len(data)+nonceSize]
	copy(result[len(signed):], ed25519.Sign(s.key, signed))

	return result, nil
}

func (s *signedSerializerImpl) Deserialize(data []byte, msg *vsr.Message) error {
	if len(data) < nonceSize+ed25519.SignatureSize {
		return fmt.Errorf("data too short for message signature")
	}

	signed := data[:len(data)-ed25519.SignatureSize]
	sig := data[len(data)-ed25519.SignatureSize:]
	inner := signed[:len(signed)-nonceSize]

	// Decode first, the sender decides which key verifies
	if err := s.inner.Deserialize(inner, msg); err != nil {
		return err
	}

	pub, ok := s.peers[msg.From]
	if !ok {
		return fmt.Errorf("%w for %s", ErrUnknownSender, msg.From)
	}
	if !ed25519.Verify(pub, signed, sig) {
		return fmt.Errorf("%w for message from %s", ErrBadSignature, msg.From)
	}

	return nil
}
