// Package localradio drives a short-range local broadcast radio (e.g. an
// ESP-NOW-class 2.4GHz link) with a bounded hardware-style peer table. No
// library in the example pack talks to that class of radio — it's
// vendor-specific silicon usually reached through CGo or a microcontroller
// SDK neither of which exists in this Go ecosystem's example corpus — so
// this driver stands in with a UDP broadcast socket on the local subnet,
// keeping the same "bounded peer table keyed by a link-layer address"
// shape spec.md §4.3 describes for this transport class. See DESIGN.md for
// why this is stdlib `net` rather than a third-party dependency.
package localradio

import (
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/rns-mesh/gwnode/pkg/routing"
	"github.com/rns-mesh/gwnode/pkg/transport"
)

// Tag identifies this driver in routing.Entry.TransportTag.
const Tag = "localradio"

// MaxPeers bounds the hardware-style peer table, matching the "bounded
// hardware or OS-level peer/neighbor table" spec.md §4.3 describes for
// this transport class (an ESP-NOW radio's peer list is capped in
// firmware, typically at a small fixed count).
const MaxPeers = 20

// Config describes the broadcast socket standing in for the radio.
type Config struct {
	// BroadcastAddr is the local subnet broadcast address:port, e.g.
	// "255.255.255.255:4243".
	BroadcastAddr string
	// ListenAddr is the local bind address:port.
	ListenAddr string
}

// Driver is a UDP-broadcast-backed stand-in for a local radio with a
// hardware peer table addressed by a synthetic MAC-like locator.
type Driver struct {
	cfg       Config
	conn      *net.UDPConn
	broadcast *net.UDPAddr

	mu    sync.Mutex
	peers map[string]routing.Locator
}

// Open binds the stand-in broadcast socket.
func Open(cfg Config) (*Driver, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	baddr, err := net.ResolveUDPAddr("udp", cfg.BroadcastAddr)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Driver{
		cfg:       cfg,
		conn:      conn,
		broadcast: baddr,
		peers:     make(map[string]routing.Locator),
	}, nil
}

func (d *Driver) Tag() string { return Tag }

// Start launches the read loop; every sender heard from is added to the
// bounded peer table through AddPeer, which evicts an arbitrary entry once
// MaxPeers is reached.
func (d *Driver) Start(onFrame transport.InboundHandler) error {
	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := d.conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			loc := routing.Locator{Kind: routing.LocatorMAC, MAC: net.HardwareAddr(addr.IP.To4())}
			d.AddPeer(loc)
			frame := append([]byte(nil), buf[:n]...)
			onFrame(Tag, loc, frame)
		}
	}()
	return nil
}

// AddPeer records peer, evicting an arbitrary existing entry if the table
// is already at MaxPeers — the same bound a real ESP-NOW peer list would
// enforce in firmware.
func (d *Driver) AddPeer(peer routing.Locator) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := peer.String()
	if _, exists := d.peers[key]; !exists && len(d.peers) >= MaxPeers {
		for k := range d.peers {
			delete(d.peers, k)
			break
		}
	}
	d.peers[key] = peer
}

func (d *Driver) RemovePeer(peer routing.Locator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, peer.String())
}

func (d *Driver) HasPeer(peer routing.Locator) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.peers[peer.String()]
	return ok
}

// Send ignores peer and broadcasts: a local radio of this class has no
// point-to-point addressing, only broadcast, matching lora's convention.
func (d *Driver) Send(_ routing.Locator, frame []byte) error {
	return d.Broadcast(frame)
}

func (d *Driver) Broadcast(frame []byte) error {
	_, err := d.conn.WriteToUDP(frame, d.broadcast)
	if err != nil {
		log.WithError(err).Warn("localradio: broadcast failed")
	}
	return err
}

func (d *Driver) Close() error {
	return d.conn.Close()
}
