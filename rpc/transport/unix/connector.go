package unix

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ValentinKolb/dLog/rpc/common"
	"github.com/ValentinKolb/dLog/rpc/transport"
	"github.com/ValentinKolb/dLog/rpc/transport/base"
)

// connector implements the base.IConnector interface for Unix sockets
type connector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IConnector)
// --------------------------------------------------------------------------

func (c *connector) GetName() string {
	return "unix"
}

func (c *connector) Listen(endpoint string) (net.Listener, error) {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(endpoint); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %v", err)
	}

	// Create Unix socket listener
	listener, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %v", err)
	}
	return listener, nil
}

func (c *connector) Dial(endpoint string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", endpoint, timeout)
}

func (c *connector) Upgrade(conn net.Conn, config common.TransportConfig) error {
	// Unix sockets need no tuning, kernel defaults serve local IPC well
	return nil
}

// --------------------------------------------------------------------------
// Transport Factory Methods
// --------------------------------------------------------------------------

// NewUnixListener creates a listener accepting peer connections over a Unix
// domain socket
func NewUnixListener() transport.IListener {
	return base.NewListener(&connector{})
}

// NewUnixLink creates a link to a single peer over a Unix domain socket
func NewUnixLink() transport.ILink {
	return base.NewLink(&connector{})
}
