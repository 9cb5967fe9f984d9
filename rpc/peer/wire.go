package peer

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/ValentinKolb/dLog/lib/vsr"
	"github.com/ValentinKolb/dLog/rpc/common"
	"github.com/ValentinKolb/dLog/rpc/serializer"
	"github.com/ValentinKolb/dLog/rpc/transport"
	"github.com/ValentinKolb/dLog/rpc/transport/memory"
	"github.com/ValentinKolb/dLog/rpc/transport/tcp"
	"github.com/ValentinKolb/dLog/rpc/transport/unix"
)

// --------------------------------------------------------------------------
// Wire Stack Assembly
// --------------------------------------------------------------------------

// BuildSerializer assembles the wire codec stack from the configuration:
// the configured payload codec, an Ed25519 signing layer when the cluster
// is configured with keys, and a CRC-32 trailer outermost. The stack is
// built once and shared between Sender and Receiver.
func BuildSerializer(cfg common.NodeConfig) (serializer.ISerializer, error) {
	s, err := serializer.New(cfg.Serializer)
	if err != nil {
		return nil, err
	}

	if cfg.Security.Enabled() {
		key, err := ParseSigningKey(cfg.Security.SigningKey)
		if err != nil {
			return nil, err
		}
		peers, err := ParseVerifyKeys(cfg.Security.VerifyKeys)
		if err != nil {
			return nil, err
		}
		s = serializer.NewSignedSerializer(s, key, peers)
	}

	return serializer.NewChecksummedSerializer(s), nil
}

// ParseSigningKey decodes a hex encoded Ed25519 private key. Both the
// 32 byte seed form and the 64 byte expanded form are accepted.
func ParseSigningKey(hexKey string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %v", err)
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("invalid signing key: got %d bytes, want %d or %d",
			len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// ParseVerifyKeys decodes the hex encoded Ed25519 public keys of the
// cluster members.
func ParseVerifyKeys(keys map[uint8]string) (map[vsr.ReplicaID]ed25519.PublicKey, error) {
	peers := make(map[vsr.ReplicaID]ed25519.PublicKey, len(keys))
	for id, hexKey := range keys {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid verify key for %s: %v", vsr.ReplicaID(id), err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid verify key for %s: got %d bytes, want %d",
				vsr.ReplicaID(id), len(raw), ed25519.PublicKeySize)
		}
		peers[vsr.ReplicaID(id)] = ed25519.PublicKey(raw)
	}
	return peers, nil
}

// --------------------------------------------------------------------------
// Transport Selection
// --------------------------------------------------------------------------

// newListener creates the receiving transport for the configured medium
func newListener(transportType string) (transport.IListener, error) {
	switch transportType {
	case "tcp":
		return tcp.NewTCPListener(), nil
	case "unix":
		return unix.NewUnixListener(), nil
	case "memory":
		return memory.NewMemoryListener(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", transportType)
	}
}

// newLink creates the sending transport for the configured medium
func newLink(transportType string) (transport.ILink, error) {
	switch transportType {
	case "tcp":
		return tcp.NewTCPLink(), nil
	case "unix":
		return unix.NewUnixLink(), nil
	case "memory":
		return memory.NewMemoryLink(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", transportType)
	}
}
