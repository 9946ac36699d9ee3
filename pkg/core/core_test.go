package core

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rns-mesh/gwnode/pkg/routing"
	"github.com/rns-mesh/gwnode/pkg/transport"
	"github.com/rns-mesh/gwnode/pkg/wire"
)

// memStore is an in-memory PersistentStore, standing in for FileStore the
// way pkg/link/manager_test.go's mock Sender stands in for a real Core.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Load(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return v, nil
}

func (m *memStore) Save(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), data...)
	m.data[key] = cp
	return nil
}

func TestLoadOrCreateIdentityGeneratesAndPersists(t *testing.T) {
	store := newMemStore()

	addr1, err := LoadOrCreateIdentity(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %v", err)
	}
	if isReservedAddress(addr1) {
		t.Fatalf("generated address must not be reserved, got %x", addr1)
	}

	addr2, err := LoadOrCreateIdentity(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity (reload): %v", err)
	}
	if addr1 != addr2 {
		t.Fatalf("expected identity to survive reload: %x != %x", addr1, addr2)
	}
}

func TestLoadOrCreateIdentityRegeneratesOnCorruptRecord(t *testing.T) {
	store := newMemStore()
	_ = store.Save(identityKey, []byte{0x01, 0x02, 0x03})

	addr, err := LoadOrCreateIdentity(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %v", err)
	}
	if isReservedAddress(addr) {
		t.Fatalf("regenerated address must not be reserved")
	}
}

func TestLoadOrCreateIdentityRegeneratesOnReservedAddress(t *testing.T) {
	store := newMemStore()
	var zero routing.Address
	if err := saveIdentity(store, zero); err != nil {
		t.Fatalf("saveIdentity: %v", err)
	}

	addr, err := LoadOrCreateIdentity(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %v", err)
	}
	if addr == zero {
		t.Fatal("expected the reserved all-zero address to be replaced")
	}
}

func TestPacketIDCounterPersistsAcrossRestart(t *testing.T) {
	store := newMemStore()
	c1 := NewPacketIDCounter(store)
	for i := 0; i < DefaultPacketIDSaveInterval+5; i++ {
		c1.Next()
	}

	c2 := NewPacketIDCounter(store)
	if c2.value < uint16(DefaultPacketIDSaveInterval) {
		t.Fatalf("expected restarted counter to resume past its last checkpoint, got %d", c2.value)
	}
}

// mockAppSink records every payload handed up via link.AppDataHandler.
type mockAppSink struct {
	mu       sync.Mutex
	received []struct {
		source  routing.Address
		payload []byte
	}
}

func (s *mockAppSink) handle(source routing.Address, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, struct {
		source  routing.Address
		payload []byte
	}{source, append([]byte(nil), payload...)})
}

func (s *mockAppSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func newTestCore(t *testing.T, sink *mockAppSink) (*Core, *transport.Manager) {
	t.Helper()
	transports := transport.NewManager(4)
	store := newMemStore()
	self, err := LoadOrCreateIdentity(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %v", err)
	}
	packetIDs := NewPacketIDCounter(store)

	cfg := Config{
		AnnounceInterval: time.Hour,
		TickInterval:     10 * time.Millisecond,
	}
	c := New(self, transports, packetIDs, cfg, sink.handle)
	t.Cleanup(c.Close)
	return c, transports
}

func singleDestPacket(dest routing.Address, data []byte) wire.OfficialPacket {
	var destHash [wire.DestHashSize]byte
	copy(destHash[:], dest[:])
	return wire.OfficialPacket{
		PacketType:      wire.PacketData,
		DestinationType: wire.DestinationSingle,
		Propagation:     wire.PropagationBroadcast,
		Context:         wire.ContextNone,
		Hops:            0,
		DestHash:        destHash,
		Data:            data,
	}
}

func TestCoreDeliversMatchedSingleDestinationToSelf(t *testing.T) {
	sink := &mockAppSink{}
	c, transports := newTestCore(t, sink)

	pkt := singleDestPacket(c.Self(), []byte("hello"))
	encoded, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Feed the frame the same way transport.Manager.Register's driver
	// callback would, without a real Driver in the loop.
	feedInbound(t, c, transports, "test", encoded)

	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected exactly one delivery to self, got %d", sink.count())
	}
}

func TestCoreDropsSelfSourcedAnnounce(t *testing.T) {
	sink := &mockAppSink{}
	c, transports := newTestCore(t, sink)

	var destHash [wire.DestHashSize]byte
	self := c.Self()
	copy(destHash[:], self[:])
	pkt := wire.OfficialPacket{
		PacketType:      wire.PacketAnnounce,
		DestinationType: wire.DestinationGroup,
		Propagation:     wire.PropagationBroadcast,
		Hops:            0,
		DestHash:        destHash,
		Data:            buildAnnouncePayload(1, []byte("v")),
	}
	encoded, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	feedInbound(t, c, transports, "test", encoded)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Table().Lookup(c.Self()); ok {
		t.Fatal("self-announce must never be observed into the routing table")
	}
}

func TestCoreDropsPacketAtHopLimit(t *testing.T) {
	sink := &mockAppSink{}
	c, transports := newTestCore(t, sink)

	var other routing.Address
	other[0] = 0xAB

	var destHash [wire.DestHashSize]byte
	copy(destHash[:], other[:])
	pkt := wire.OfficialPacket{
		PacketType:      wire.PacketData,
		DestinationType: wire.DestinationSingle,
		Propagation:     wire.PropagationBroadcast,
		Hops:            wire.MaxHops,
		DestHash:        destHash,
		Data:            []byte("payload"),
	}
	encoded, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// A packet at the hop limit addressed to someone else must be silently
	// dropped rather than forwarded; there's no externally observable
	// signal beyond "nothing was broadcast", so this test only asserts it
	// doesn't panic or deliver locally.
	feedInbound(t, c, transports, "test", encoded)
	time.Sleep(20 * time.Millisecond)

	if sink.count() != 0 {
		t.Fatalf("packet addressed to another node must not be delivered locally, got %d deliveries", sink.count())
	}
}

func TestCoreReloadUpdatesGroups(t *testing.T) {
	sink := &mockAppSink{}
	c, transports := newTestCore(t, sink)

	newGroup := [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	c.Reload([][8]byte{newGroup}, 2*time.Hour)
	time.Sleep(20 * time.Millisecond) // let the handler goroutine apply the reload

	var destHash [wire.DestHashSize]byte
	copy(destHash[:], newGroup[:])
	pkt := wire.OfficialPacket{
		PacketType:      wire.PacketData,
		DestinationType: wire.DestinationGroup,
		Propagation:     wire.PropagationBroadcast,
		DestHash:        destHash,
		Data:            []byte("group-payload"),
	}
	encoded, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	feedInbound(t, c, transports, "test", encoded)

	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected reload to enable delivery to the new group, got %d deliveries", sink.count())
	}
}

func TestCoreHandleLocalCmdDispatchesSendReliable(t *testing.T) {
	sink := &mockAppSink{}
	c, transports := newTestCore(t, sink)

	var dest routing.Address
	dest[0] = 0x42
	payload := append(append([]byte(nil), dest[:]...), []byte("app-bytes")...)

	pkt := wire.OfficialPacket{
		PacketType:      wire.PacketData,
		DestinationType: wire.DestinationSingle,
		Propagation:     wire.PropagationBroadcast,
		Context:         wire.ContextLocalCmd,
		DestHash:        [wire.DestHashSize]byte{},
		Data:            payload,
	}
	encoded, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// handleLocalCmd calls SendReliable, which opens a link and attempts a
	// LINK_REQ broadcast; this only asserts it doesn't panic with only the
	// no-op test driver registered.
	feedInbound(t, c, transports, "test", encoded)
	time.Sleep(20 * time.Millisecond)
}

// feedInbound delivers encoded as though a Driver had just received it,
// bypassing the need for a real registered Driver in these tests.
func feedInbound(t *testing.T, c *Core, transports *transport.Manager, tag string, encoded []byte) {
	t.Helper()
	d := &directDriver{tag: tag}
	if err := transports.Register(d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d.deliver(routing.Locator{}, encoded)
}

// directDriver is a no-op Driver whose only job is to give the test a
// callback it can invoke directly, mirroring pkg/transport/transport_test.go's
// mockDriver.
type directDriver struct {
	tag     string
	onFrame transport.InboundHandler
}

func (d *directDriver) Tag() string { return d.tag }
func (d *directDriver) Start(onFrame transport.InboundHandler) error {
	d.onFrame = onFrame
	return nil
}
func (d *directDriver) Send(peer routing.Locator, frame []byte) error { return nil }
func (d *directDriver) Broadcast(frame []byte) error                  { return nil }
func (d *directDriver) Close() error                                  { return nil }
func (d *directDriver) deliver(from routing.Locator, frame []byte)    { d.onFrame(d.tag, from, frame) }
