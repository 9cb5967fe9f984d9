package peer

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dLog/lib/vsr"
	"github.com/ValentinKolb/dLog/rpc/common"
	"github.com/ValentinKolb/dLog/rpc/serializer"
	"github.com/ValentinKolb/dLog/rpc/transport"
	cache "github.com/patrickmn/go-cache"
)

// IDeliverer consumes the decoded protocol messages. *vsr.Node implements
// it.
type IDeliverer interface {
	Deliver(m vsr.Message)
}

// Receiver is the inbound half of the replica links. It owns the
// listener, decodes every received frame and hands valid messages to the
// node's mailbox.
//
// Frames that fail decoding, carry a bad checksum or signature, repeat
// inside the replay window or are addressed to another replica are
// dropped and counted. The protocol treats a dropped frame like a lost
// packet. Semantic validation of the message itself happens in the
// replica core.
type Receiver struct {
	self     vsr.ReplicaID
	ser      serializer.ISerializer
	node     IDeliverer
	listener transport.IListener
	seen     *cache.Cache
	metrics  *vsr.Instrumentation
}

// NewReceiver builds the receive pipeline and starts listening on the
// replica's own endpoint. The replay filter is armed only when message
// signing is on: unsigned frames carry no nonce, so a replay cannot be
// told apart from a protocol retransmission.
func NewReceiver(cfg common.NodeConfig, ser serializer.ISerializer, node IDeliverer, metrics *vsr.Instrumentation) (*Receiver, error) {
	listener, err := newListener(cfg.Transport.Type)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		self:     vsr.ReplicaID(cfg.Replica),
		ser:      ser,
		node:     node,
		listener: listener,
		metrics:  metrics,
	}

	if cfg.Security.Enabled() && cfg.Security.ReplayWindowSec > 0 {
		window := time.Duration(cfg.Security.ReplayWindowSec) * time.Second
		r.seen = cache.New(window, 2*window)
	}

	listener.RegisterHandler(r.handleFrame)
	if err := listener.Listen(cfg.Transport, cfg.SelfEndpoint()); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %v", cfg.SelfEndpoint(), err)
	}

	return r, nil
}

// Addr returns the bound listen address.
func (r *Receiver) Addr() net.Addr {
	return r.listener.Addr()
}

// Close stops the listener and waits for in-flight frames to finish.
func (r *Receiver) Close() error {
	return r.listener.Close()
}

// handleFrame runs for every received frame, on the connection's reader
// goroutine
func (r *Receiver) handleFrame(data []byte) {
	// Frame identity check before any decoding, a replayed frame never
	// costs a signature verification
	if r.seen != nil {
		sum := sha256.Sum256(data)
		if r.seen.Add(string(sum[:]), nil, cache.DefaultExpiration) != nil {
			log.Debugf("Dropped replayed frame (%d bytes)", len(data))
			r.metrics.IncReplayDropped()
			return
		}
	}

	var msg vsr.Message
	if err := r.ser.Deserialize(data, &msg); err != nil {
		switch {
		case errors.Is(err, serializer.ErrChecksumMismatch):
			r.metrics.IncChecksumFailure()
		case errors.Is(err, serializer.ErrBadSignature), errors.Is(err, serializer.ErrUnknownSender):
			r.metrics.IncSignatureFailure()
		}
		log.Warningf("Dropped undecodable frame: %v", err)
		return
	}

	if msg.To != r.self {
		log.Warningf("Dropped message for %s, this is %s", msg.To, r.self)
		r.metrics.IncProtocolViolation()
		return
	}

	r.node.Deliver(msg)
}
