package peer

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/dLog/lib/logger"
	"github.com/ValentinKolb/dLog/lib/vsr"
	"github.com/ValentinKolb/dLog/rpc/common"
	"github.com/ValentinKolb/dLog/rpc/serializer"
	"github.com/ValentinKolb/dLog/rpc/transport"
)

var log = logger.GetLogger("peer")

// defaultQueueLength bounds the per peer outbound queue when the
// configuration does not set one
const defaultQueueLength = 1024

// Sender fans replica messages out over the peer links. It implements
// vsr.ISender for the replica loop.
//
// Send never blocks: every peer has a bounded queue drained by its own
// writer goroutine, which serializes the message and writes it to the
// link. A message for a full queue or a dead link is dropped, the
// protocol timers retransmit anything that matters.
type Sender struct {
	ser       serializer.ISerializer
	peers     map[vsr.ReplicaID]*peerQueue
	metrics   *vsr.Instrumentation
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ vsr.ISender = (*Sender)(nil)

// peerQueue is the outbound state for one peer
type peerQueue struct {
	id    vsr.ReplicaID
	link  transport.ILink
	queue chan vsr.Message
}

// NewSender connects one link per peer and starts the writer goroutines.
// Peers that are not up yet are fine, their links dial on demand.
func NewSender(cfg common.NodeConfig, ser serializer.ISerializer, metrics *vsr.Instrumentation) (*Sender, error) {
	queueLen := cfg.Transport.QueueLength
	if queueLen <= 0 {
		queueLen = defaultQueueLength
	}

	s := &Sender{
		ser:     ser,
		peers:   make(map[vsr.ReplicaID]*peerQueue, len(cfg.Cluster)),
		metrics: metrics,
		done:    make(chan struct{}),
	}

	for id, endpoint := range cfg.Peers() {
		link, err := newLink(cfg.Transport.Type)
		if err != nil {
			return nil, err
		}
		if err := link.Connect(cfg.Transport, endpoint); err != nil {
			return nil, fmt.Errorf("failed to set up link to %s: %v", id, err)
		}

		p := &peerQueue{id: id, link: link, queue: make(chan vsr.Message, queueLen)}
		s.peers[id] = p
		s.wg.Add(1)
		go s.writeLoop(p)
	}

	return s, nil
}

// Send queues a message for its destination replica (docu see
// vsr.ISender). A message for an unknown destination or a full queue is
// dropped and counted.
func (s *Sender) Send(m vsr.Message) {
	p, ok := s.peers[m.To]
	if !ok {
		log.Warningf("No link for %s, dropping %s", m.To, m.Payload.Kind())
		s.metrics.IncMessageDropped()
		return
	}

	select {
	case p.queue <- m:
	default:
		log.Debugf("Outbound queue for %s is full, dropping %s", p.id, m.Payload.Kind())
		s.metrics.IncMessageDropped()
	}
}

// writeLoop drains one peer's queue until the sender is closed
func (s *Sender) writeLoop(p *peerQueue) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case m := <-p.queue:
			data, err := s.ser.Serialize(m)
			if err != nil {
				log.Errorf("Failed to serialize %s for %s: %v", m.Payload.Kind(), p.id, err)
				continue
			}
			if err := p.link.Send(data); err != nil {
				log.Debugf("Failed to send %s to %s: %v", m.Payload.Kind(), p.id, err)
				s.metrics.IncMessageDropped()
			}
		}
	}
}

// Close stops the writers and tears the links down. Queued but unsent
// messages are dropped. Safe to call more than once, a Send after Close
// drops the message.
func (s *Sender) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		for _, p := range s.peers {
			if err := p.link.Close(); err != nil {
				log.Warningf("Failed to close link to %s: %v", p.id, err)
			}
		}
	})
	return nil
}
