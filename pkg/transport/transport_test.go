package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rns-mesh/gwnode/pkg/routing"
)

// mockDriver is a Driver whose Send/Broadcast/Close behavior is scripted by
// the test, grounded on pkg/cla/manager_test.go's mockConvSender/mockConvRec.
type mockDriver struct {
	tag string

	mu         sync.Mutex
	onFrame    InboundHandler
	broadcasts [][]byte
	sends      []sendCall
	closed     bool

	broadcastErr error
	closeErr     error
}

type sendCall struct {
	peer  routing.Locator
	frame []byte
}

func newMockDriver(tag string) *mockDriver {
	return &mockDriver{tag: tag}
}

func (m *mockDriver) Tag() string { return m.tag }

func (m *mockDriver) Start(onFrame InboundHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFrame = onFrame
	return nil
}

func (m *mockDriver) Send(peer routing.Locator, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, sendCall{peer: peer, frame: frame})
	return nil
}

func (m *mockDriver) Broadcast(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, frame)
	return m.broadcastErr
}

func (m *mockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.closeErr
}

func (m *mockDriver) deliver(from routing.Locator, frame []byte) {
	m.mu.Lock()
	onFrame := m.onFrame
	m.mu.Unlock()
	onFrame(m.tag, from, frame)
}

func TestManagerRegisterFansInFrames(t *testing.T) {
	mgr := NewManager(4)
	defer mgr.Close()

	a := newMockDriver("a")
	b := newMockDriver("b")
	if err := mgr.Register(a); err != nil {
		t.Fatalf("Register(a): %v", err)
	}
	if err := mgr.Register(b); err != nil {
		t.Fatalf("Register(b): %v", err)
	}

	a.deliver(routing.Locator{}, []byte("from-a"))
	b.deliver(routing.Locator{}, []byte("from-b"))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case f := <-mgr.Inbound():
			seen[f.Tag] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fanned-in frame")
		}
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected frames from both drivers, got %v", seen)
	}
}

func TestManagerSendRoutesByTag(t *testing.T) {
	mgr := NewManager(0)
	defer mgr.Close()

	a := newMockDriver("a")
	b := newMockDriver("b")
	_ = mgr.Register(a)
	_ = mgr.Register(b)

	peer := routing.Locator{Kind: routing.LocatorUDP, Port: 4242}
	if err := mgr.Send("b", peer, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(b.sends) != 1 || len(a.sends) != 0 {
		t.Fatalf("expected send routed to b only, a=%d b=%d", len(a.sends), len(b.sends))
	}
	if string(b.sends[0].frame) != "hello" {
		t.Fatalf("unexpected frame payload: %q", b.sends[0].frame)
	}
}

func TestManagerSendUnknownTagIsNoop(t *testing.T) {
	mgr := NewManager(0)
	defer mgr.Close()

	if err := mgr.Send("nonexistent", routing.Locator{}, []byte("x")); err != nil {
		t.Fatalf("Send to unknown driver should not error, got %v", err)
	}
}

func TestManagerBroadcastAggregatesErrors(t *testing.T) {
	mgr := NewManager(0)
	defer mgr.Close()

	a := newMockDriver("a")
	b := newMockDriver("b")
	a.broadcastErr = errors.New("a failed")
	b.broadcastErr = errors.New("b failed")
	_ = mgr.Register(a)
	_ = mgr.Register(b)

	err := mgr.Broadcast([]byte("announce"))
	if err == nil {
		t.Fatal("expected aggregated error from Broadcast")
	}
	if len(a.broadcasts) != 1 || len(b.broadcasts) != 1 {
		t.Fatalf("expected both drivers to receive the broadcast despite errors")
	}
}

func TestManagerBroadcastExceptExcludesOneDriver(t *testing.T) {
	mgr := NewManager(0)
	defer mgr.Close()

	a := newMockDriver("a")
	b := newMockDriver("b")
	_ = mgr.Register(a)
	_ = mgr.Register(b)

	if err := mgr.BroadcastExcept("a", []byte("rebroadcast")); err != nil {
		t.Fatalf("BroadcastExcept: %v", err)
	}
	if len(a.broadcasts) != 0 {
		t.Fatalf("excluded driver a should not have received the broadcast, got %d", len(a.broadcasts))
	}
	if len(b.broadcasts) != 1 {
		t.Fatalf("driver b should have received the broadcast, got %d", len(b.broadcasts))
	}
}

type mockPeerTableDriver struct {
	*mockDriver
	mu      sync.Mutex
	peers   map[string]bool
	removed []routing.Locator
}

func newMockPeerTableDriver(tag string) *mockPeerTableDriver {
	return &mockPeerTableDriver{mockDriver: newMockDriver(tag), peers: make(map[string]bool)}
}

func (m *mockPeerTableDriver) AddPeer(peer routing.Locator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peer.String()] = true
}

func (m *mockPeerTableDriver) RemovePeer(peer routing.Locator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peer.String())
	m.removed = append(m.removed, peer)
}

func (m *mockPeerTableDriver) HasPeer(peer routing.Locator) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[peer.String()]
}

func TestManagerReleasePeerDelegatesToPeerTable(t *testing.T) {
	mgr := NewManager(0)
	defer mgr.Close()

	d := newMockPeerTableDriver("local")
	_ = mgr.Register(d)

	peer := routing.Locator{Kind: routing.LocatorMAC}
	d.AddPeer(peer)
	if !d.HasPeer(peer) {
		t.Fatal("setup: peer should be present before release")
	}

	mgr.ReleasePeer("local", peer)
	if d.HasPeer(peer) {
		t.Fatal("ReleasePeer should have removed the peer from the driver's table")
	}
}

func TestManagerReleasePeerUnknownTransportIsNoop(t *testing.T) {
	mgr := NewManager(0)
	defer mgr.Close()

	// Must not panic when the named transport isn't registered.
	mgr.ReleasePeer("missing", routing.Locator{})
}

func TestManagerCloseClosesEveryDriverAndAggregates(t *testing.T) {
	mgr := NewManager(0)

	a := newMockDriver("a")
	b := newMockDriver("b")
	b.closeErr = errors.New("close failed")
	_ = mgr.Register(a)
	_ = mgr.Register(b)

	err := mgr.Close()
	if err == nil {
		t.Fatal("expected aggregated error from Close")
	}
	if !a.closed || !b.closed {
		t.Fatalf("expected both drivers closed, a=%v b=%v", a.closed, b.closed)
	}

	if _, ok := <-mgr.Inbound(); ok {
		t.Fatal("Inbound channel should be closed after Manager.Close")
	}
}
