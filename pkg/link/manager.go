package link

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rns-mesh/gwnode/pkg/routing"
	"github.com/rns-mesh/gwnode/pkg/wire"
)

// DefaultMaxActive is the LINK_MAX_ACTIVE admission bound (spec.md §4.5):
// the number of links a node will hold open concurrently, active or
// half-open, before refusing new establishment attempts.
const DefaultMaxActive = 10

// ErrLinkTableFull is returned by Open when the manager already holds
// DefaultMaxActive (or a configured override) links.
var ErrLinkTableFull = errors.New("link: link table full")

// Manager owns every Link this node has open, dispatches inbound legacy
// packets to the right one, and drives their retransmission timers. It is
// grounded on the same single-threaded-owner shape as
// original_source/src/LinkManager.cpp: a single goroutine (the forwarding
// engine's main loop) calls into it, so no internal locking is required for
// correctness — the mutex here only guards against the incidental
// concurrent read from an introspection endpoint (pkg/appagent).
type Manager struct {
	mu    sync.Mutex
	self  routing.Address
	links map[routing.Address]*Link

	maxActive int
	sender    Sender
	onData    AppDataHandler
	cfg       Config
}

// NewManager constructs an empty Manager. maxActive <= 0 uses
// DefaultMaxActive.
func NewManager(self routing.Address, sender Sender, onData AppDataHandler, cfg Config, maxActive int) *Manager {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	return &Manager{
		self:      self,
		links:     make(map[routing.Address]*Link),
		maxActive: maxActive,
		sender:    sender,
		onData:    onData,
		cfg:       cfg,
	}
}

// Get returns the link toward dest, if one exists in any state.
func (m *Manager) Get(dest routing.Address) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[dest]
	return l, ok
}

// Open returns the existing link toward dest, issuing a LINK_REQ if none
// exists yet. It fails with ErrLinkTableFull if admission control rejects a
// brand-new link.
//
// Open never holds m.mu while calling into a Link: Establish sends a packet
// synchronously, and on a loopback-style sender (or a fast local transport)
// that send can call back into this same Manager's HandleIncoming before
// returning. Holding the lock across that round trip would deadlock against
// a non-reentrant sync.Mutex.
func (m *Manager) Open(dest routing.Address) (*Link, error) {
	m.mu.Lock()
	if l, ok := m.links[dest]; ok {
		m.mu.Unlock()
		l.Establish()
		return l, nil
	}
	if len(m.links) >= m.maxActive {
		m.mu.Unlock()
		return nil, ErrLinkTableFull
	}
	l := newLink(m.self, dest, m.sender, m.onData, m.cfg)
	m.links[dest] = l
	m.mu.Unlock()

	l.Establish()
	return l, nil
}

// Close starts a clean close of the link toward dest, if any (LINK_CLOSE,
// then CLOSING). The entry is removed by the first Tick after the link
// reaches CLOSED.
func (m *Manager) Close(dest routing.Address) {
	m.mu.Lock()
	l, ok := m.links[dest]
	m.mu.Unlock()
	if !ok {
		return
	}
	l.Close()
}

// Tick evaluates every link's timeout and removes every link that is
// CLOSED afterwards, whether a timeout just tore it down or a close
// handshake did earlier (spec.md §4.5's teardown paths). It should be called from the
// forwarding engine's periodic tick alongside routing.Table.Prune.
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		if l.CheckTimeout(now) || l.State() == Closed {
			m.mu.Lock()
			if existing, ok := m.links[l.destination]; ok && existing == l {
				delete(m.links, l.destination)
			}
			m.mu.Unlock()
		}
	}
}

// Len returns the number of links currently tracked, in any state.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// seqGTE reports a >= b under 16-bit modular sequence arithmetic, per
// spec.md §4.5's "sequence comparison is modular, not integer".
func seqGTE(a, b uint16) bool {
	return int16(a-b) >= 0
}

// HandleIncoming dispatches a decoded legacy packet addressed to this node
// to the link naming its source, creating a new responder-side link on an
// unmarked LINK_REQ. peer is the packet's Source field.
func (m *Manager) HandleIncoming(pkt wire.LegacyPacket) {
	peer := routing.Address(pkt.Source)

	m.mu.Lock()
	l, exists := m.links[peer]
	if !exists {
		if pkt.Context != wire.ContextLinkReq || pkt.Kind == wire.HeaderKindAck {
			m.mu.Unlock()
			return // unsolicited control/data traffic for a link we don't know
		}
		if len(m.links) >= m.maxActive {
			m.mu.Unlock()
			log.WithField("peer", peer).Warn("link: rejecting LINK_REQ, table full")
			return
		}
		l = newLink(m.self, peer, m.sender, m.onData, m.cfg)
		m.links[peer] = l
	}
	m.mu.Unlock()

	l.handleIncoming(pkt)
}

// handleIncoming applies one decoded legacy packet to the link's state
// machine. Called with no lock held by design: a Link is only ever touched
// from the single owning goroutine.
func (l *Link) handleIncoming(pkt wire.LegacyPacket) {
	l.touch()

	switch pkt.Context {
	case wire.ContextLinkReq:
		l.handleLinkReq(pkt)
	case wire.ContextLinkClose:
		l.handleLinkClose(pkt)
	case wire.ContextLinkData:
		l.handleLinkData(pkt)
	case wire.ContextAck:
		l.handleAck(pkt)
	default:
		l.log().WithField("context", pkt.Context).Debug("link: ignoring unrelated context")
	}
}

// handleLinkReq handles an incoming LINK_REQ. The initiator's own
// confirmation that a request it sent was accepted arrives as a genuine
// Context=ACK packet (see sendAck) and is handled by handleAck instead, not
// here.
func (l *Link) handleLinkReq(pkt wire.LegacyPacket) {
	// An incoming request from the peer: accept it and reply with a
	// genuine ACK(0), exactly as spec.md's state table requires (CLOSED |
	// recv LINK_REQ | emit ACK(0); PENDING_REQ | recv LINK_REQ | emit
	// ACK(0)).
	switch l.state {
	case Closed, PendingReq:
		l.state = Established
		l.log().Info("link: established (responder)")
	case Established:
		// Retransmitted request; peer may not have seen our ACK.
	case Closing:
		return
	}

	l.sendAck(0)
}

// handleLinkClose handles a peer-initiated LINK_CLOSE. Our own close being
// confirmed by the peer arrives as a genuine Context=ACK packet and is
// handled by handleAck instead, not here.
func (l *Link) handleLinkClose(pkt wire.LegacyPacket) {
	// Peer-initiated close.
	l.teardown()
	l.log().Info("link: closed by peer")

	l.sendAck(0)
}

func (l *Link) handleLinkData(pkt wire.LegacyPacket) {
	if l.state != Established {
		return
	}
	if !pkt.HasSequence {
		return
	}

	if pkt.Sequence == l.rxSeq {
		if l.onData != nil {
			l.onData(routing.Address(pkt.Source), pkt.Payload)
		}
		l.rxSeq++
		l.sendAck(pkt.Sequence)
		return
	}

	if !seqGTE(pkt.Sequence, l.rxSeq) {
		// Already delivered; peer missed our ACK. Re-acknowledge without
		// re-delivering.
		l.sendAck(pkt.Sequence)
		return
	}

	// Sequence is ahead of what we expect: out-of-order arrival isn't
	// possible under a correctly operating window-of-1 peer, so drop it.
	l.log().WithField("seq", pkt.Sequence).Debug("link: dropping out-of-order LINK_DATA")
}

// handleAck applies a genuine Context=ACK packet. ACK(0) is overloaded: it
// confirms a LINK_REQ or LINK_CLOSE the peer just accepted (spec.md's
// PENDING_REQ|recv ACK(0)->ESTABLISHED and CLOSING|recv ACK(0)->CLOSED rows)
// as well as, ordinarily, acknowledging the first LINK_DATA sequence number,
// so those two states are checked before falling through to the normal
// window-of-1 data-ack handling.
func (l *Link) handleAck(pkt wire.LegacyPacket) {
	if !pkt.HasSequence {
		return
	}

	if pkt.Sequence == 0 {
		switch l.state {
		case PendingReq:
			l.state = Established
			l.hasDeadline = false
			l.retries = 0
			l.touch()
			l.log().Info("link: established (initiator)")
			return
		case Closing:
			l.teardown()
			l.log().Info("link: close confirmed by peer")
			return
		}
	}

	if l.state != Established || l.pending == nil {
		return
	}
	if pkt.Sequence != l.pending.sequence {
		return
	}

	l.pending = nil
	l.hasDeadline = false
	l.retries = 0
	l.touch()
}
