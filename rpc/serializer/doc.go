// Package serializer provides message serialization for the replica links
// of the replication system. It defines a common interface and multiple
// implementations for encoding and decoding protocol messages between
// replicas.
//
// The package focuses on:
//   - Providing a consistent interface for different serialization formats
//   - Offering multiple implementations with different performance characteristics
//   - Supporting efficient encoding of the protocol's message envelope and payloads
//   - Layering integrity and authenticity checks over any base format
//
// Key Components:
//
//   - ISerializer: Core interface that all serializer implementations must
//     satisfy. Serialize encodes a complete message, Deserialize decodes into
//     a caller supplied message so buffers can be reused.
//
//   - binarySerializerImpl: Custom binary format implementation optimized for
//     speed and space efficiency. Every message starts with a fixed envelope
//     (kind, sender, receiver, view) followed by a payload layout fixed per
//     message kind. Log entries are encoded with the same field order the
//     journal uses on disk. Recommended for production use.
//
//   - gobSerializerImpl: Implementation using Go's built-in gob encoding,
//     offering good compatibility with Go's type system but with larger
//     serialized sizes. Useful as a reference codec when debugging wire
//     issues in the binary format.
//
// Decorators:
//
//   - NewChecksummedSerializer wraps any serializer with a CRC-32 (IEEE)
//     trailer that is verified before the inner codec runs. A frame corrupted
//     in transit is rejected without decoding.
//
//   - NewSignedSerializer wraps any serializer with a fresh nonce and an
//     Ed25519 signature trailer keyed per sender. A frame from an unknown
//     replica or with a forged signature is rejected. The nonce makes every
//     signed frame byte-distinct, which lets receivers drop byte-identical
//     frames as replays without harming protocol retransmissions.
//
// Decorators compose. The usual production stack is
//
//	checksummed(signed(binary))
//
// so the cheap CRC check runs first and the signature check only sees
// intact frames.
//
// Decode Hardening:
//
//	The binary decoder bounds checks every read, caps command sizes and
//	entry counts, and rejects frames with trailing bytes. A malformed or
//	hostile frame results in an error, never a panic or an unbounded
//	allocation.
//
// Thread Safety:
//
//	All serializer implementations are safe for concurrent use across
//	multiple goroutines without additional synchronization. The base codecs
//	are stateless, the signing decorator only carries an atomic nonce
//	counter.
//
// Usage:
//
//	Serializers are typically created once and reused throughout the
//	application:
//
//	  s := serializer.NewBinarySerializer()
//	  data, err := s.Serialize(msg)
//	  // ... send data ...
//	  var received vsr.Message
//	  err = s.Deserialize(receivedData, &received)
package serializer
