package base

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dLog/lib/logger"
	"github.com/ValentinKolb/dLog/rpc/common"
	"github.com/ValentinKolb/dLog/rpc/transport"
)

var log = logger.GetLogger("transport")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IConnector defines the medium specific operations of a transport. One
// connector serves both halves of a link, listening and dialing.
type IConnector interface {
	// Listen binds the endpoint and returns a listener
	Listen(endpoint string) (net.Listener, error)

	// Dial establishes a connection to the endpoint
	Dial(endpoint string, timeout time.Duration) (net.Conn, error)

	// Upgrade applies medium specific settings to an established
	// connection, on both the accepting and the dialing side
	Upgrade(conn net.Conn, config common.TransportConfig) error

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// listener implements the core receiving functionality independent of the
// specific transport medium (unix, tcp, memory)
type listener struct {
	connector  IConnector
	handler    transport.MessageHandler
	config     common.TransportConfig
	ln         net.Listener
	bufferPool *sync.Pool

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	stopping bool
	wg       sync.WaitGroup
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewListener creates a listener that accepts peer connections through the
// given connector
func NewListener(connector IConnector) transport.IListener {
	return &listener{
		connector: connector,
		conns:     make(map[net.Conn]struct{}),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IListener)
// --------------------------------------------------------------------------

func (t *listener) RegisterHandler(handler transport.MessageHandler) {
	t.handler = handler
}

func (t *listener) Listen(config common.TransportConfig, endpoint string) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	t.config = config

	// Create the read buffer pool
	bufferSize := config.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	t.bufferPool = &sync.Pool{
		New: func() interface{} {
			return make([]byte, bufferSize)
		},
	}

	// Create listener using the connector
	ln, err := t.connector.Listen(endpoint)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}
	t.ln = ln

	log.Infof("%s listener accepting peers on %s", t.connector.GetName(), ln.Addr())

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *listener) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *listener) Close() error {
	t.mu.Lock()
	if t.stopping {
		t.mu.Unlock()
		return nil
	}
	t.stopping = true
	conns := make([]net.Conn, 0, len(t.conns))
	for conn := range t.conns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	var err error
	if t.ln != nil {
		err = t.ln.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	t.wg.Wait()
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// acceptLoop accepts peer connections until the listener is closed
func (t *listener) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.isStopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("Accept error: %v", err)
			continue
		}

		if err := t.connector.Upgrade(conn, t.config); err != nil {
			log.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}

		t.mu.Lock()
		if t.stopping {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conns[conn] = struct{}{}
		t.mu.Unlock()

		// Handle the connection in a goroutine
		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

// handleConnection reads frames from one peer connection and feeds them to
// the handler in arrival order. Frames are handled sequentially, this keeps
// the per link FIFO property the replication protocol leans on.
func (t *listener) handleConnection(conn net.Conn) {
	defer t.wg.Done()
	defer t.forget(conn)
	defer conn.Close()

	// Timeout in seconds
	timeout := time.Duration(t.config.TimeoutSecond) * time.Second

	// Get a buffer from the pool for the lifetime of the connection
	buf := t.bufferPool.Get().([]byte)
	defer t.bufferPool.Put(buf)

	for {
		if timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				log.Errorf("Failed to set read deadline: %v", err)
				return
			}
		}

		// Read the next frame
		data, err := readFrame(conn, buf)

		// Case EOF: Connection closed by peer
		if err == io.EOF {
			log.Infof("Connection closed by peer %s", conn.RemoteAddr())
			return
		}

		// Case error: log and close connection, an idle timeout counts.
		// The peer redials when it has something to say
		if err != nil {
			if !t.isStopping() {
				log.Infof("Closing connection from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		t.handler(data)
	}
}

// isStopping reports whether Close has been called
func (t *listener) isStopping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopping
}

// forget removes a connection from the tracked set
func (t *listener) forget(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
}
