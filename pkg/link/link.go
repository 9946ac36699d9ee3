// Package link implements the reliable, ordered, window-of-one link
// sublayer described in spec.md §4.5, grounded on
// original_source/src/Link.cpp and src/LinkManager.cpp.
package link

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rns-mesh/gwnode/pkg/routing"
)

// State is one of the four link states in spec.md's transition table.
type State int

const (
	Closed State = iota
	PendingReq
	Established
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case PendingReq:
		return "PENDING_REQ"
	case Established:
		return "ESTABLISHED"
	case Closing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Defaults from spec.md §6, matching original_source/include/Config.h.
const (
	DefaultReqTimeout        = 10 * time.Second
	DefaultRetryTimeout      = 5 * time.Second
	DefaultInactivityTimeout = 60 * time.Second
	DefaultMaxRetries        = 3
)

// Sender is how a Link emits packets; it's implemented by the forwarding
// engine (C4), which owns the actual transport fan-out. A Link never talks
// to a transport driver directly.
type Sender interface {
	// SendLegacy transmits an already-encoded legacy-form packet toward
	// dest. Errors are treated as an implicit immediate retry deadline
	// (spec.md §7): the link does not distinguish a transport fault from
	// a lost packet.
	SendLegacy(dest routing.Address, encoded []byte) error

	// NextPacketID returns the next value of the node-wide packet-id
	// counter (spec.md §3).
	NextPacketID() uint16
}

// AppDataHandler is invoked once per in-order LINK_DATA payload delivered
// on a link (spec.md §6, on_app_data).
type AppDataHandler func(source routing.Address, payload []byte)

// pendingPacket is the single outstanding packet a link may have in
// flight, per the window-of-1 rule (spec.md §4.5).
type pendingPacket struct {
	sequence uint16
	payload  []byte
}

// Link is a per-destination reliability state machine. It is not safe for
// concurrent use by multiple goroutines; the owning Manager serializes all
// access, matching the single-threaded-cooperative model of spec.md §5.
type Link struct {
	destination routing.Address
	self        routing.Address

	state State

	txSeq   uint16
	rxSeq   uint16
	pending *pendingPacket
	retries int

	lastActivity time.Time
	deadline     time.Time
	hasDeadline  bool

	reqTimeout        time.Duration
	retryTimeout      time.Duration
	inactivityTimeout time.Duration
	maxRetries        int

	sender  Sender
	onData  AppDataHandler
}

// newLink constructs a CLOSED link. Sequence numbers start at zero, per
// spec.md §9's Open Question resolution (a random start is an acceptable
// alternative; this implementation is deterministic for testability).
// newLinkWithSeq below accepts arbitrary starting sequence numbers.
func newLink(self, destination routing.Address, sender Sender, onData AppDataHandler, cfg Config) *Link {
	return newLinkWithSeq(self, destination, sender, onData, cfg, 0, 0)
}

func newLinkWithSeq(self, destination routing.Address, sender Sender, onData AppDataHandler, cfg Config, txSeq, rxSeq uint16) *Link {
	now := time.Now()
	return &Link{
		destination:       destination,
		self:              self,
		state:             Closed,
		txSeq:             txSeq,
		rxSeq:             rxSeq,
		lastActivity:      now,
		reqTimeout:        cfg.reqTimeout(),
		retryTimeout:      cfg.retryTimeout(),
		inactivityTimeout: cfg.inactivityTimeout(),
		maxRetries:        cfg.maxRetries(),
		sender:            sender,
		onData:            onData,
	}
}

// Config carries the per-table timing/retry configuration; zero-valued
// fields fall back to the package defaults.
type Config struct {
	ReqTimeout        time.Duration
	RetryTimeout      time.Duration
	InactivityTimeout time.Duration
	MaxRetries        int
}

func (c Config) reqTimeout() time.Duration {
	if c.ReqTimeout > 0 {
		return c.ReqTimeout
	}
	return DefaultReqTimeout
}

func (c Config) retryTimeout() time.Duration {
	if c.RetryTimeout > 0 {
		return c.RetryTimeout
	}
	return DefaultRetryTimeout
}

func (c Config) inactivityTimeout() time.Duration {
	if c.InactivityTimeout > 0 {
		return c.InactivityTimeout
	}
	return DefaultInactivityTimeout
}

func (c Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return DefaultMaxRetries
}

// State returns the link's current state.
func (l *Link) State() State { return l.state }

// LastActivity returns the time of the link's most recent inbound or
// outbound traffic.
func (l *Link) LastActivity() time.Time { return l.lastActivity }

func (l *Link) touch() { l.lastActivity = time.Now() }

func (l *Link) log() *log.Entry {
	return log.WithFields(log.Fields{
		"destination": l.destination,
		"state":       l.state,
	})
}

// SendReliable enqueues payload for reliable delivery. It returns false
// without changing state if the link isn't ESTABLISHED or the window is
// already full (spec.md §7, LinkSaturated) — the caller is expected to
// retry once the link reaches ESTABLISHED, observable via State(). It also
// returns false, with the link torn down, if the payload cannot be encoded.
// A transport send error still counts as accepted: the packet stays pending
// and is retransmitted on the retry deadline.
func (l *Link) SendReliable(payload []byte) bool {
	if l.state != Established {
		return false
	}
	if l.pending != nil {
		return false
	}

	seq := l.txSeq
	l.txSeq++

	if !l.transmitData(seq, payload) {
		// Encoding failed and transmitData tore the link down.
		l.txSeq--
		return false
	}
	return true
}

func (l *Link) transmitData(seq uint16, payload []byte) bool {
	packetID := l.sender.NextPacketID()
	encoded, err := encodeData(l.self, l.destination, packetID, seq, payload)
	if err != nil {
		l.log().WithError(err).Warn("link: failed to encode LINK_DATA, tearing down")
		l.teardown()
		return false
	}

	l.pending = &pendingPacket{sequence: seq, payload: payload}
	l.armDeadline(l.retryTimeout)
	l.retries = 0
	l.touch()

	if err := l.sender.SendLegacy(l.destination, encoded); err != nil {
		l.log().WithError(err).Debug("link: send failed, treating as immediate retry deadline")
		l.armDeadline(0)
	}
	return true
}

// Establish issues a LINK_REQ if the link is CLOSED. It's a no-op
// returning true if already PENDING_REQ or ESTABLISHED.
func (l *Link) Establish() bool {
	switch l.state {
	case PendingReq, Established:
		return true
	case Closed:
		return l.sendLinkRequest()
	default:
		return false
	}
}

func (l *Link) sendLinkRequest() bool {
	packetID := l.sender.NextPacketID()
	encoded, err := encodeControl(l.self, l.destination, packetID, contextLinkReq(), 0, false)
	if err != nil {
		l.log().WithError(err).Warn("link: failed to encode LINK_REQ")
		return false
	}

	l.state = PendingReq
	l.retries = 0
	l.armDeadline(l.reqTimeout)
	l.touch()

	if err := l.sender.SendLegacy(l.destination, encoded); err != nil {
		l.log().WithError(err).Debug("link: LINK_REQ send failed, will retry on deadline")
	}
	return true
}

// Close initiates a clean teardown, notifying the peer with LINK_CLOSE.
func (l *Link) Close() {
	if l.state == Closed {
		return
	}
	l.pending = nil

	// Enter CLOSING before sending, as sendLinkRequest does for PENDING_REQ,
	// so an ACK(0) that arrives during the send is matched.
	l.state = Closing
	l.armDeadline(l.retryTimeout)
	l.retries = 0
	l.touch()

	packetID := l.sender.NextPacketID()
	encoded, err := encodeControl(l.self, l.destination, packetID, contextLinkClose(), 0, false)
	if err == nil {
		if sendErr := l.sender.SendLegacy(l.destination, encoded); sendErr != nil {
			l.log().WithError(sendErr).Debug("link: LINK_CLOSE send failed")
		}
	} else {
		l.log().WithError(err).Warn("link: failed to encode LINK_CLOSE")
	}
}

// teardown forces the link CLOSED without notifying the peer (spec.md
// §4.5's "any -> inactivity_timeout -> teardown -> CLOSED", and the
// max-retries / REQ-timeout / CLOSE-timeout paths).
func (l *Link) teardown() {
	l.state = Closed
	l.pending = nil
	l.hasDeadline = false
	l.retries = 0
}

func (l *Link) armDeadline(d time.Duration) {
	l.deadline = time.Now().Add(d)
	l.hasDeadline = true
}

// CheckTimeout evaluates the link's deadline against now, applying
// spec.md's REQ_DEADLINE / RETRY_DEADLINE / CLOSE_DEADLINE / inactivity
// transitions. It returns true if the link tore down as a result.
func (l *Link) CheckTimeout(now time.Time) (tornDown bool) {
	if l.state != Closed && now.Sub(l.lastActivity) >= l.inactivityTimeout {
		l.log().Warn("link: inactivity timeout")
		l.teardown()
		return true
	}

	if !l.hasDeadline || now.Before(l.deadline) {
		return false
	}

	switch l.state {
	case PendingReq:
		l.log().Warn("link: LINK_REQ timed out")
		l.teardown()
		return true

	case Established:
		if l.pending == nil {
			l.hasDeadline = false
			return false
		}
		if l.retries < l.maxRetries {
			l.retries++
			l.log().WithField("retry", l.retries).Debug("link: ACK timeout, retransmitting")
			l.retransmitPending()
			return false
		}
		l.log().Warn("link: max retries exceeded, tearing down")
		l.teardown()
		return true

	case Closing:
		l.log().Warn("link: LINK_CLOSE ACK timed out, forcing closed")
		l.teardown()
		return true
	}

	return false
}

func (l *Link) retransmitPending() {
	if l.pending == nil {
		return
	}
	packetID := l.sender.NextPacketID()
	encoded, err := encodeData(l.self, l.destination, packetID, l.pending.sequence, l.pending.payload)
	if err != nil {
		l.log().WithError(err).Warn("link: retransmit encode failed, tearing down")
		l.teardown()
		return
	}
	l.armDeadline(l.retryTimeout)
	l.touch()
	if err := l.sender.SendLegacy(l.destination, encoded); err != nil {
		l.log().WithError(err).Debug("link: retransmit send failed")
	}
}

func (l *Link) sendAck(seq uint16) {
	packetID := l.sender.NextPacketID()
	encoded, err := encodeControl(l.self, l.destination, packetID, contextAck(), seq, true)
	if err != nil {
		l.log().WithError(err).Warn("link: failed to encode ACK")
		return
	}
	if err := l.sender.SendLegacy(l.destination, encoded); err != nil {
		l.log().WithError(err).Debug("link: ACK send failed")
	}
	l.touch()
}
