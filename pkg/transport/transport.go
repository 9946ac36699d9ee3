// Package transport defines the driver interface every physical link this
// gateway can speak over (serial, IP datagram, local radio broadcast, LoRa,
// audio-modem TNC) implements, plus a Manager that fans inbound frames from
// every registered driver into one channel and fans outbound sends back out
// to the right one. Grounded on pkg/cla/manager.go and
// pkg/cla/convergence_status.go of the DTN daemon this gateway was adapted
// from: same "supervise N independent connections, report status on one
// channel" shape, generalized from bundle convergence layers to raw framed
// byte transports.
package transport

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/rns-mesh/gwnode/pkg/routing"
)

// InboundHandler is how a Driver hands a received frame back to whatever
// registered it. tag identifies the driver, from is the transport-specific
// address the frame arrived from (zero-value Locator if the medium has no
// addressable peers, e.g. a point-to-point serial line).
type InboundHandler func(tag string, from routing.Locator, frame []byte)

// Driver is one physical or virtual transport. Every driver frames and
// deframes its own bytes (KISS over serial, one datagram per packet over
// UDP, vendor framing for LoRa modules); a Driver's Send/Broadcast take and
// InboundHandler delivers already-deframed application payloads — the
// legacy or official wire-format bytes this gateway actually forwards.
type Driver interface {
	// Tag is this driver's name in routing.Entry.TransportTag, e.g.
	// "serial", "udp", "lora".
	Tag() string

	// Start begins receiving, delivering every inbound frame to onFrame.
	// It must return promptly; drivers that block on I/O do so in their
	// own goroutine.
	Start(onFrame InboundHandler) error

	// Send transmits frame to a known next hop.
	Send(peer routing.Locator, frame []byte) error

	// Broadcast transmits frame to every reachable peer on this medium,
	// used for announce dissemination when no specific next hop is known.
	Broadcast(frame []byte) error

	// Close shuts the driver down, releasing any held resources.
	Close() error
}

// PeerTable is implemented by drivers whose medium has a bounded hardware
// or OS-level peer/neighbor table (spec.md §4.3's "Shared resources").
// Drivers without one (a single serial line, for instance) don't implement
// it; the Manager checks with a type assertion before calling.
type PeerTable interface {
	AddPeer(peer routing.Locator)
	RemovePeer(peer routing.Locator)
	HasPeer(peer routing.Locator) bool
}

// Frame is one inbound delivery, fanned in from whichever driver received
// it.
type Frame struct {
	Tag     string
	From    routing.Locator
	Payload []byte
}

// Manager supervises every registered Driver, fans their inbound frames
// into one channel for the forwarding engine to consume, and implements
// routing.PeerReleaser so an evicted or expired route can free its
// transport's peer-table slot.
type Manager struct {
	mu      sync.Mutex
	drivers map[string]Driver

	inbound chan Frame
}

// NewManager returns an empty Manager. inboundBuf sizes the fan-in
// channel; 0 is a reasonable default for a single-threaded consumer loop
// that never falls behind under this gateway's traffic volumes.
func NewManager(inboundBuf int) *Manager {
	return &Manager{
		drivers: make(map[string]Driver),
		inbound: make(chan Frame, inboundBuf),
	}
}

// Inbound is the channel the forwarding engine's main loop selects on.
func (m *Manager) Inbound() <-chan Frame {
	return m.inbound
}

// Register starts d and adds it to the supervised set, keyed by its Tag.
func (m *Manager) Register(d Driver) error {
	m.mu.Lock()
	m.drivers[d.Tag()] = d
	m.mu.Unlock()

	return d.Start(func(tag string, from routing.Locator, frame []byte) {
		m.inbound <- Frame{Tag: tag, From: from, Payload: frame}
	})
}

// Send transmits frame to peer over the driver named by tag.
func (m *Manager) Send(tag string, peer routing.Locator, frame []byte) error {
	m.mu.Lock()
	d, ok := m.drivers[tag]
	m.mu.Unlock()
	if !ok {
		log.WithField("transport", tag).Warn("transport: send to unknown driver")
		return nil
	}
	return d.Send(peer, frame)
}

// Broadcast transmits frame on every registered driver, aggregating any
// per-driver failures instead of stopping at the first one.
func (m *Manager) Broadcast(frame []byte) error {
	m.mu.Lock()
	drivers := make([]Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		drivers = append(drivers, d)
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, d := range drivers {
		if err := d.Broadcast(frame); err != nil {
			result = multierror.Append(result, err)
			log.WithError(err).WithField("transport", d.Tag()).Warn("transport: broadcast failed")
		}
	}
	return result.ErrorOrNil()
}

// BroadcastExcept transmits frame on every registered driver other than
// the one named by exclude, used when forwarding a packet back out on
// every interface but the one it arrived on.
func (m *Manager) BroadcastExcept(exclude string, frame []byte) error {
	m.mu.Lock()
	drivers := make([]Driver, 0, len(m.drivers))
	for tag, d := range m.drivers {
		if tag == exclude {
			continue
		}
		drivers = append(drivers, d)
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, d := range drivers {
		if err := d.Broadcast(frame); err != nil {
			result = multierror.Append(result, err)
			log.WithError(err).WithField("transport", d.Tag()).Warn("transport: broadcast failed")
		}
	}
	return result.ErrorOrNil()
}

// ReleasePeer implements routing.PeerReleaser, forwarding to the named
// driver's PeerTable.RemovePeer if it has one.
func (m *Manager) ReleasePeer(transportTag string, locator routing.Locator) {
	m.mu.Lock()
	d, ok := m.drivers[transportTag]
	m.mu.Unlock()
	if !ok {
		return
	}
	if pt, ok := d.(PeerTable); ok {
		pt.RemovePeer(locator)
	}
}

// Close shuts down every registered driver, aggregating errors.
func (m *Manager) Close() error {
	m.mu.Lock()
	drivers := make([]Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		drivers = append(drivers, d)
	}
	m.drivers = make(map[string]Driver)
	m.mu.Unlock()

	var result *multierror.Error
	for _, d := range drivers {
		if err := d.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	close(m.inbound)
	return result.ErrorOrNil()
}
