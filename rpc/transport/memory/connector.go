package memory

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dLog/rpc/common"
	"github.com/ValentinKolb/dLog/rpc/transport"
	"github.com/ValentinKolb/dLog/rpc/transport/base"
)

// The registry maps endpoint names to bound listeners. It is process
// global, nodes in the same process reach each other by name (by
// convention "mem://replica-N").
var (
	registryMu sync.Mutex
	registry   = make(map[string]*memoryListener)
)

// --------------------------------------------------------------------------
// In Process Listener
// --------------------------------------------------------------------------

// memoryListener implements net.Listener over synchronous in process pipes
type memoryListener struct {
	endpoint string
	conns    chan net.Conn
	done     chan struct{}
	once     sync.Once
}

func (l *memoryListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		close(l.done)

		registryMu.Lock()
		if registry[l.endpoint] == l {
			delete(registry, l.endpoint)
		}
		registryMu.Unlock()
	})
	return nil
}

func (l *memoryListener) Addr() net.Addr {
	return memoryAddr(l.endpoint)
}

// memoryAddr implements net.Addr for in process endpoints
type memoryAddr string

func (a memoryAddr) Network() string { return "memory" }
func (a memoryAddr) String() string  { return string(a) }

// --------------------------------------------------------------------------
// Connector
// --------------------------------------------------------------------------

// connector implements the base.IConnector interface for in process links
type connector struct{}

func (c *connector) GetName() string {
	return "memory"
}

func (c *connector) Listen(endpoint string) (net.Listener, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[endpoint]; ok {
		return nil, fmt.Errorf("endpoint %s is already bound", endpoint)
	}

	l := &memoryListener{
		endpoint: endpoint,
		conns:    make(chan net.Conn),
		done:     make(chan struct{}),
	}
	registry[endpoint] = l
	return l, nil
}

func (c *connector) Dial(endpoint string, timeout time.Duration) (net.Conn, error) {
	registryMu.Lock()
	l, ok := registry[endpoint]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no listener on %s", endpoint)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	// Hand the server half to the accept loop
	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		client.Close()
		return nil, fmt.Errorf("listener on %s is closed", endpoint)
	case <-timer:
		client.Close()
		return nil, fmt.Errorf("dial to %s timed out", endpoint)
	}
}

func (c *connector) Upgrade(conn net.Conn, config common.TransportConfig) error {
	// Pipes have no socket options
	return nil
}

// --------------------------------------------------------------------------
// Transport Factory Methods
// --------------------------------------------------------------------------

// NewMemoryListener creates a listener reachable from links in the same
// process
func NewMemoryListener() transport.IListener {
	return base.NewListener(&connector{})
}

// NewMemoryLink creates a link to a listener in the same process
func NewMemoryLink() transport.ILink {
	return base.NewLink(&connector{})
}
