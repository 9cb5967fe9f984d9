package transport

import (
	"net"

	"github.com/ValentinKolb/dLog/rpc/common"
)

// --------------------------------------------------------------------------
// Inbound
// --------------------------------------------------------------------------

// MessageHandler is a function type that consumes one received frame.
// The slice is reused by the transport after the call returns, handlers
// must copy any data they keep. Handlers are called sequentially per
// connection, so frames from one peer arrive in send order.
type MessageHandler func(data []byte)

// IListener is the receiving half of the replica links. It accepts
// connections from peers and feeds every received frame to the registered
// handler. There is no response path, replies travel over the sender's own
// link in the opposite direction.
type IListener interface {
	// RegisterHandler registers the handler called for every received
	// frame. Must be called before Listen
	RegisterHandler(handler MessageHandler)
	// Listen binds the endpoint and starts accepting connections. It
	// returns once the endpoint is bound, accepting runs in the background
	Listen(config common.TransportConfig, endpoint string) error
	// Addr returns the bound address, nil before Listen
	Addr() net.Addr
	// Close stops accepting, closes all peer connections and waits for the
	// connection handlers to drain
	Close() error
}

// --------------------------------------------------------------------------
// Outbound
// --------------------------------------------------------------------------

// ILink is the sending half of one replica link. A link targets a single
// peer over a single connection, so frames arrive in the order they were
// sent. Links are fire and forget: a frame that cannot be delivered is
// dropped with an error, retransmission is the replication protocol's job,
// not the transport's.
type ILink interface {
	// Connect prepares the link for the given endpoint. The initial dial
	// is best effort, a link to a peer that is still down redials on
	// demand. An error means the configuration is unusable
	Connect(config common.TransportConfig, endpoint string) error
	// Send delivers one frame to the peer
	Send(data []byte) error
	// Close tears the link down
	Close() error
}
