package core

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rns-mesh/gwnode/pkg/link"
	"github.com/rns-mesh/gwnode/pkg/routing"
	"github.com/rns-mesh/gwnode/pkg/transport"
	"github.com/rns-mesh/gwnode/pkg/wire"
)

// VersionTag is the short payload this node's periodic self-announce
// carries, purely informational (spec.md §4.4: "payload empty or a short
// version tag").
const VersionTag = "gwnode/1"

// announcePacketIDSize is the width of the packet-id prefix this
// implementation adds to an ANNOUNCE packet's Data field. The official
// 19-byte header (pkg/wire.OfficialPacket) carries no packet-id of its own
// — only the legacy link header does — so the recent-announce loop
// suppression required by spec.md §3/§4.3 has nowhere else to read one
// from. This mirrors the sequence-number prefix pkg/wire.LegacyPacket
// already prepends for LINK_DATA/ACK contexts; see DESIGN.md for the full
// rationale.
const announcePacketIDSize = 2

func buildAnnouncePayload(packetID uint16, tag []byte) []byte {
	buf := make([]byte, announcePacketIDSize+len(tag))
	binary.BigEndian.PutUint16(buf, packetID)
	copy(buf[announcePacketIDSize:], tag)
	return buf
}

func splitAnnouncePayload(data []byte) (packetID uint16, tag []byte) {
	if len(data) < announcePacketIDSize {
		return 0, nil
	}
	return binary.BigEndian.Uint16(data[:announcePacketIDSize]), data[announcePacketIDSize:]
}

// Defaults from spec.md §6's "Configuration (enumerated)" list.
const (
	DefaultAnnounceInterval = 3 * time.Minute
	DefaultTickInterval     = time.Second
)

// Config carries every tunable named in spec.md §6. Zero-valued duration
// and count fields fall back to this package's or pkg/routing's/pkg/link's
// own defaults.
type Config struct {
	Groups             [][8]byte
	AnnounceInterval   time.Duration
	RouteTTL           time.Duration
	PruneInterval      time.Duration
	RecentWindow       time.Duration
	MaxRecentAnnounces int
	MaxRoutes          int
	Link               link.Config
	LinkMaxActive      int
	TickInterval       time.Duration
}

// Core is the forwarding engine (C4): it owns the routing table (C3), the
// link manager (C5), and the transport fan-in/fan-out (pkg/transport), and
// runs the single-threaded ingress/tick loop spec.md §5 requires. Grounded
// on pkg/routing/core.go's Core (handler() select loop, stopSyn/stopAck
// shutdown handshake) and pkg/routing/cron.go's job-registry shape,
// adapted from bundle convergence-layer status events to framed-packet
// ingress and from a multi-goroutine cron to the synchronous one in
// cron.go so no callback ever mutates routing or link state off the main
// loop.
type Core struct {
	self routing.Address

	table      *routing.Table
	links      *link.Manager
	transports *transport.Manager
	packetIDs  *PacketIDCounter

	groups           [][8]byte
	announceInterval time.Duration
	pruneInterval    time.Duration
	tickInterval     time.Duration

	cron *cron

	onAppData link.AppDataHandler

	reload  chan reloadRequest
	stopSyn chan struct{}
	stopAck chan struct{}
}

// reloadRequest carries the subset of Config that SPEC_FULL.md §2 allows a
// running node to hot-swap from a config file rewrite: subscribed groups
// and the self-announce cadence. Everything else (transports, persistence
// paths, link timeouts) requires a restart.
type reloadRequest struct {
	groups           [][8]byte
	announceInterval time.Duration
}

// Reload applies groups and announceInterval from the handler goroutine,
// preserving the single-threaded-owner rule of spec.md §5 even though the
// caller (the config file watcher) runs on its own goroutine. It does not
// block on the change taking effect.
func (c *Core) Reload(groups [][8]byte, announceInterval time.Duration) {
	select {
	case c.reload <- reloadRequest{groups: groups, announceInterval: announceInterval}:
	case <-c.stopSyn:
	}
}

// New constructs a Core, wiring together a fresh routing.Table and
// link.Manager, and starts its handler goroutine. onAppData is invoked for
// every unreliable single/group-destination payload addressed to self and
// every in-order reliable delivery (spec.md §6's on_app_data contract);
// pass nil if nothing consumes application data yet.
func New(self routing.Address, transports *transport.Manager, packetIDs *PacketIDCounter, cfg Config, onAppData link.AppDataHandler) *Core {
	announceInterval := cfg.AnnounceInterval
	if announceInterval <= 0 {
		announceInterval = DefaultAnnounceInterval
	}
	pruneInterval := cfg.PruneInterval
	if pruneInterval <= 0 {
		pruneInterval = routing.DefaultPruneInterval
	}
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}

	c := &Core{
		self:             self,
		transports:       transports,
		packetIDs:        packetIDs,
		groups:           cfg.Groups,
		announceInterval: announceInterval,
		pruneInterval:    pruneInterval,
		tickInterval:     tickInterval,
		onAppData:        onAppData,
		cron:             newCron(),
		reload:           make(chan reloadRequest),
		stopSyn:          make(chan struct{}),
		stopAck:          make(chan struct{}),
	}

	c.table = routing.NewTable(cfg.MaxRoutes, cfg.RouteTTL, cfg.RecentWindow, cfg.MaxRecentAnnounces, transports)
	c.links = link.NewManager(self, c, c.onAppData, cfg.Link, cfg.LinkMaxActive)

	if err := c.cron.registerDelayed("self_announce", announceJitter(), announceInterval, func(now time.Time) {
		c.selfAnnounce()
	}); err != nil {
		log.WithError(err).Warn("core: failed to register self_announce job")
	}
	if err := c.cron.register("prune_routes", pruneInterval, func(now time.Time) {
		c.table.Prune(now)
	}); err != nil {
		log.WithError(err).Warn("core: failed to register prune_routes job")
	}
	if err := c.cron.register("link_tick", tickInterval, func(now time.Time) {
		c.links.Tick(now)
	}); err != nil {
		log.WithError(err).Warn("core: failed to register link_tick job")
	}

	go c.handler()

	return c
}

// announceJitter returns a uniform random delay in [5s, 15s] for the
// self-announce job's first fire, so a freshly booted cohort of nodes
// doesn't announce in lockstep (spec.md §4.4, supplemented by
// SPEC_FULL.md §5's original_source/ note on ANNOUNCE_INTERVAL_MS jitter).
// Every subsequent fire uses the plain announce interval via cron's own
// rescheduling.
func announceJitter() time.Duration {
	return time.Duration(5+rand.Intn(11)) * time.Second
}

// Self returns this node's address.
func (c *Core) Self() routing.Address { return c.self }

// Table exposes the routing table for introspection (pkg/appagent's route
// dump). Callers must use its own exported, lock-guarded methods.
func (c *Core) Table() *routing.Table { return c.table }

// LinkState reports the state of the link toward dest, if one exists.
func (c *Core) LinkState(dest routing.Address) (link.State, bool) {
	l, ok := c.links.Get(dest)
	if !ok {
		return link.Closed, false
	}
	return l.State(), true
}

// SendReliable implements spec.md §6's send_reliable: it opens a link
// toward dest if none exists (issuing a LINK_REQ transparently) and, if
// the link is ESTABLISHED, sends payload over it. It returns false if
// admission control rejects a brand-new link, the link is not yet
// ESTABLISHED (payload is not queued; the caller retries later), or the
// link's window is saturated.
func (c *Core) SendReliable(dest routing.Address, payload []byte) bool {
	l, err := c.links.Open(dest)
	if err != nil {
		log.WithError(err).WithField("dest", dest).Warn("core: send_reliable rejected")
		return false
	}
	return l.SendReliable(payload)
}

// SendLegacy implements link.Sender: it looks up a route toward dest and
// sends the already-encoded legacy packet over that transport, falling
// back to a broadcast on every driver when no route is known yet (the
// same fallback the forwarding path uses for un-routed data).
func (c *Core) SendLegacy(dest routing.Address, encoded []byte) error {
	if entry, ok := c.table.Lookup(dest); ok {
		return c.transports.Send(entry.TransportTag, entry.NextHop, encoded)
	}
	return c.transports.Broadcast(encoded)
}

// NextPacketID implements link.Sender.
func (c *Core) NextPacketID() uint16 {
	return c.packetIDs.Next()
}

// Close stops the handler loop, and with it the periodic announce, prune
// and link timer jobs. It does not close the transport manager.
func (c *Core) Close() {
	close(c.stopSyn)
	<-c.stopAck
}

func (c *Core) handler() {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSyn:
			close(c.stopAck)
			return

		case frame, ok := <-c.transports.Inbound():
			if !ok {
				return
			}
			c.ingest(frame)

		case now := <-ticker.C:
			c.cron.fire(now)

		case req := <-c.reload:
			c.applyReload(req)
		}
	}
}

// applyReload swaps in a hot-reloaded groups list and/or announce interval.
// Called only from the handler goroutine, so no lock is needed to touch
// c.groups despite Reload being called from the config watcher's goroutine.
func (c *Core) applyReload(req reloadRequest) {
	c.groups = req.groups
	if req.announceInterval > 0 && req.announceInterval != c.announceInterval {
		c.announceInterval = req.announceInterval
		c.cron.reschedule("self_announce", req.announceInterval)
	}
	log.WithFields(log.Fields{
		"groups":            len(c.groups),
		"announce_interval": c.announceInterval,
	}).Info("core: applied hot reload")
}

// ingest is the main ingress procedure (spec.md §4.4, steps 1-3): decode,
// drop malformed or self-sourced packets, and dispatch by wire dialect.
// The two dialects share flags byte 0, so the destination-type field there
// (DestinationLink only ever appears on a legacy packet, see
// pkg/link/codec.go's encodeData/encodeControl) is enough to pick a
// decoder without first guessing at length.
func (c *Core) ingest(f transport.Frame) {
	if len(f.Payload) == 0 {
		return
	}

	if wire.Flags(f.Payload[0]).DestinationType() == wire.DestinationLink {
		pkt, err := wire.DecodeLegacy(f.Payload)
		if err != nil {
			log.WithError(err).Debug("core: dropping malformed legacy packet")
			return
		}
		c.handleLegacy(pkt)
		return
	}

	pkt, err := wire.DecodeOfficial(f.Payload)
	if err != nil {
		log.WithError(err).Debug("core: dropping malformed official packet")
		return
	}
	c.handleOfficial(pkt, f.Tag, f.From)
}

func (c *Core) handleLegacy(pkt wire.LegacyPacket) {
	var source routing.Address
	copy(source[:], pkt.Source[:])
	if source == c.self {
		return
	}
	c.links.HandleIncoming(pkt)
}

func (c *Core) handleOfficial(pkt wire.OfficialPacket, transportTag string, from routing.Locator) {
	if pkt.PacketType == wire.PacketAnnounce {
		c.handleAnnounce(pkt, transportTag, from)
		return
	}
	c.handleData(pkt, transportTag)
}

// handleAnnounce implements spec.md §4.4's ANNOUNCE branch. The announcing
// node's identity is the leading 8 bytes of the destination hash: Reticulum
// announces address themselves, and this deployment's dest_hash is already
// derived from an 8-byte node address the same way GROUP/PLAIN matching
// truncates it (SPEC_FULL.md §6, Open Question 2).
func (c *Core) handleAnnounce(pkt wire.OfficialPacket, transportTag string, from routing.Locator) {
	var source routing.Address
	copy(source[:], pkt.DestHash[:len(source)])
	if source == c.self {
		return // self-loop, spec.md invariant 7
	}

	c.table.Observe(source, transportTag, from, pkt.Hops, time.Now())
	c.rebroadcastAnnounce(pkt, source)
}

func (c *Core) rebroadcastAnnounce(pkt wire.OfficialPacket, source routing.Address) {
	if pkt.Hops >= wire.MaxHops-1 {
		return
	}

	packetID, tag := splitAnnouncePayload(pkt.Data)
	now := time.Now()
	if !c.table.ShouldForwardAnnounce(packetID, source, now) {
		return
	}
	c.table.MarkForwarded(packetID, source, now)

	fwd := pkt.WithHops(pkt.Hops + 1)
	fwd.Data = buildAnnouncePayload(packetID, tag)
	encoded, err := fwd.Encode()
	if err != nil {
		log.WithError(err).Warn("core: failed to re-encode announce for rebroadcast")
		return
	}

	if err := c.transports.Broadcast(encoded); err != nil {
		log.WithError(err).Debug("core: announce rebroadcast had partial failures")
	}
}

func (c *Core) handleData(pkt wire.OfficialPacket, transportTag string) {
	if pkt.Context == wire.ContextLocalCmd {
		c.handleLocalCmd(pkt.Data)
		return
	}

	switch pkt.DestinationType {
	case wire.DestinationSingle:
		if c.matchesSelf(pkt.DestHash) {
			c.deliverToSelf(pkt)
			return // spec.md §4.4: matched SINGLE destination is never forwarded
		}

	case wire.DestinationGroup, wire.DestinationPlain:
		if c.matchesAnyGroup(pkt.DestHash) {
			c.deliverToSelf(pkt)
		}
	}

	c.forward(pkt, transportTag)
}

// handleLocalCmd implements spec.md §6's local-command contract: a
// LOCAL_CMD payload is [8-byte dest][app bytes], interpreted as
// send_reliable(dest, bytes).
func (c *Core) handleLocalCmd(payload []byte) {
	if len(payload) < AddressSize {
		log.Warn("core: LOCAL_CMD payload too short, dropping")
		return
	}
	var dest routing.Address
	copy(dest[:], payload[:AddressSize])
	c.SendReliable(dest, payload[AddressSize:])
}

func (c *Core) deliverToSelf(pkt wire.OfficialPacket) {
	if c.onAppData == nil {
		return
	}
	// The official DATA header carries no verified source (spec.md §4.2);
	// deliveries through this unreliable path are handed up with a zero
	// source rather than a fabricated one.
	c.onAppData(routing.Address{}, pkt.Data)
}

func (c *Core) matchesSelf(destHash [wire.DestHashSize]byte) bool {
	return bytes.Equal(destHash[:len(c.self)], c.self[:])
}

func (c *Core) matchesAnyGroup(destHash [wire.DestHashSize]byte) bool {
	for _, g := range c.groups {
		if bytes.Equal(destHash[:len(g)], g[:]) {
			return true
		}
	}
	return false
}

// forward implements spec.md §4.4 step 5: hop-limit drop, then either a
// direct send toward a known route (unless that route's transport is the
// one the packet just arrived on) or a broadcast on every other transport.
func (c *Core) forward(pkt wire.OfficialPacket, incomingTransport string) {
	if pkt.Hops >= wire.MaxHops {
		return
	}

	fwd := pkt.WithHops(pkt.Hops + 1)
	encoded, err := fwd.Encode()
	if err != nil {
		log.WithError(err).Warn("core: failed to re-encode packet for forwarding")
		return
	}

	var dest routing.Address
	copy(dest[:], pkt.DestHash[:len(dest)])

	if entry, ok := c.table.Lookup(dest); ok && entry.TransportTag != incomingTransport {
		if err := c.transports.Send(entry.TransportTag, entry.NextHop, encoded); err != nil {
			log.WithError(err).WithField("dest", dest).Debug("core: forward send failed")
		}
		return
	}

	if err := c.transports.BroadcastExcept(incomingTransport, encoded); err != nil {
		log.WithError(err).Debug("core: forward broadcast had partial failures")
	}
}

// selfAnnounce implements spec.md §4.4's periodic self-announce: emit one
// GROUP-destined announce carrying this node's own address as the
// destination hash and a short version tag as payload.
func (c *Core) selfAnnounce() {
	var destHash [wire.DestHashSize]byte
	copy(destHash[:], c.self[:])

	pkt := wire.OfficialPacket{
		PacketType:      wire.PacketAnnounce,
		DestinationType: wire.DestinationGroup,
		Propagation:     wire.PropagationBroadcast,
		Context:         wire.ContextNone,
		Hops:            0,
		DestHash:        destHash,
		Data:            buildAnnouncePayload(c.packetIDs.Next(), []byte(VersionTag)),
	}

	encoded, err := pkt.Encode()
	if err != nil {
		log.WithError(err).Warn("core: failed to encode self-announce")
		return
	}

	if err := c.transports.Broadcast(encoded); err != nil {
		log.WithError(err).Debug("core: self-announce broadcast had partial failures")
	}
}
