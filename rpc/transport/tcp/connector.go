package tcp

import (
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dLog/rpc/common"
	"github.com/ValentinKolb/dLog/rpc/transport"
	"github.com/ValentinKolb/dLog/rpc/transport/base"
)

// connector implements the base.IConnector interface for TCP sockets
type connector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IConnector)
// --------------------------------------------------------------------------

func (c *connector) GetName() string {
	return "tcp"
}

func (c *connector) Listen(endpoint string) (net.Listener, error) {
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %v", err)
	}
	return listener, nil
}

func (c *connector) Dial(endpoint string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", endpoint, timeout)
}

// Upgrade applies performance optimizations to a TCP connection using the
// configured socket options
func (c *connector) Upgrade(conn net.Conn, config common.TransportConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// Disable Nagle's algorithm (TCPNoDelay) if configured
	if err := tcpConn.SetNoDelay(config.TCPNoDelay); err != nil {
		return err
	}

	// Set socket write buffer size if configured
	if config.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
			return err
		}
	}

	// Set socket read buffer size if configured
	if config.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(config.ReadBufferSize); err != nil {
			return err
		}
	}

	// Enable TCP keep-alive if configured
	if config.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		keepAlivePeriod := time.Duration(config.TCPKeepAliveSec) * time.Second
		if err := tcpConn.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
			return err
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Transport Factory Methods
// --------------------------------------------------------------------------

// NewTCPListener creates a listener accepting peer connections over TCP
func NewTCPListener() transport.IListener {
	return base.NewListener(&connector{})
}

// NewTCPLink creates a link to a single peer over TCP
func NewTCPLink() transport.ILink {
	return base.NewLink(&connector{})
}
