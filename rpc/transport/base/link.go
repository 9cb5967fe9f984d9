package base

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dLog/rpc/common"
	"github.com/ValentinKolb/dLog/rpc/transport"
	"github.com/zhangyunhao116/fastrand"
)

const (
	// initialDialBackoff is the wait after the first failed dial, doubling
	// up to maxDialBackoff on consecutive failures
	initialDialBackoff = 50 * time.Millisecond
	maxDialBackoff     = 5 * time.Second
)

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// link implements the core sending functionality independent of the
// specific transport medium (unix, tcp, memory). A link owns exactly one
// connection to one peer.
type link struct {
	connector IConnector

	mu         sync.Mutex
	config     common.TransportConfig
	endpoint   string
	conn       net.Conn
	backoff    time.Duration
	nextDialAt time.Time
	closed     bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewLink creates a link that dials one peer through the given connector
func NewLink(connector IConnector) transport.ILink {
	return &link{connector: connector}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.ILink)
// --------------------------------------------------------------------------

func (l *link) Connect(config common.TransportConfig, endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("no endpoint provided")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.config = config
	l.endpoint = endpoint
	l.closed = false

	// The initial dial is best effort, peers come up in any order
	if err := l.redial(); err != nil {
		log.Warningf("%v", err)
	}
	return nil
}

func (l *link) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("link to %s is closed", l.endpoint)
	}

	if l.conn == nil {
		if err := l.redial(); err != nil {
			return err
		}
	}

	if timeout := time.Duration(l.config.TimeoutSecond) * time.Second; timeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %v", err)
		}
	}

	if err := writeFrame(l.conn, data); err != nil {
		// A failed write poisons the stream, drop the connection and
		// redial on the next send
		l.conn.Close()
		l.conn = nil
		return err
	}

	return nil
}

func (l *link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.conn != nil {
		err := l.conn.Close()
		l.conn = nil
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// redial dials the endpoint unless a recent attempt failed, in which case
// the backoff window must pass first. Callers hold l.mu.
func (l *link) redial() error {
	now := time.Now()
	if now.Before(l.nextDialAt) {
		return fmt.Errorf("link to %s is down, next dial in %s",
			l.endpoint, l.nextDialAt.Sub(now).Round(time.Millisecond))
	}

	timeout := time.Duration(l.config.TimeoutSecond) * time.Second
	conn, err := l.connector.Dial(l.endpoint, timeout)
	if err != nil {
		l.armBackoff(now)
		return fmt.Errorf("failed to connect to %s: %v", l.endpoint, err)
	}

	// Upgrade the connection with protocol-specific settings
	if err := l.connector.Upgrade(conn, l.config); err != nil {
		conn.Close()
		l.armBackoff(now)
		return fmt.Errorf("failed to upgrade connection to %s: %v", l.endpoint, err)
	}

	l.conn = conn
	l.backoff = 0
	l.nextDialAt = time.Time{}

	// The peer never writes back on this connection, a read only returns
	// when the connection dies
	go l.watch(conn)

	log.Infof("Connected to %s via %s", l.endpoint, l.connector.GetName())
	return nil
}

// armBackoff schedules the next dial attempt with exponential backoff and a
// small random jitter (+-10%)
func (l *link) armBackoff(now time.Time) {
	if l.backoff == 0 {
		l.backoff = initialDialBackoff
	} else {
		l.backoff *= 2
		if l.backoff > maxDialBackoff {
			l.backoff = maxDialBackoff
		}
	}

	jitter := 0.9 + float64(fastrand.Uint32n(200))/1000.0
	l.nextDialAt = now.Add(time.Duration(float64(l.backoff) * jitter))
}

// watch blocks until the peer closes or resets the connection, then drops
// the cached connection so the next send redials. Receivers never write, so
// any payload arriving here also counts as a dead link.
func (l *link) watch(conn net.Conn) {
	_, err := conn.Read(make([]byte, 1))

	l.mu.Lock()
	defer l.mu.Unlock()

	conn.Close()
	if l.conn == conn {
		l.conn = nil
		if !l.closed {
			log.Infof("Link to %s closed: %v", l.endpoint, err)
		}
	}
}
