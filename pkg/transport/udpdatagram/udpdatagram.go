// Package udpdatagram carries packets over plain UDP datagrams on a local
// IP network — the stand-in for "a gateway with an Ethernet/Wi-Fi uplink"
// in spec.md's transport list. Peers are found with LAN broadcast peer
// discovery rather than static configuration, and the listening socket is
// tuned with raw socket options unavailable through the net package alone.
// Grounded on pkg/discovery/manager.go (schollz/peerdiscovery usage) and
// the teacher's general preference for x/sys/unix over CGo when a socket
// option must be set directly.
package udpdatagram

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/peerdiscovery"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/rns-mesh/gwnode/pkg/routing"
	"github.com/rns-mesh/gwnode/pkg/transport"
)

// Tag identifies this driver in routing.Entry.TransportTag.
const Tag = "udp"

// DefaultDiscoveryInterval matches the teacher's discovery beacon cadence
// for a LAN of this size (pkg/discovery/manager.go's announcementInterval).
const DefaultDiscoveryInterval = 10 * time.Second

// Config describes the UDP listener and its peer-discovery beacon.
type Config struct {
	// ListenAddr is the local address:port for the data-plane socket, e.g.
	// "0.0.0.0:4242".
	ListenAddr string

	// DiscoveryPort is the UDP port peerdiscovery broadcasts and listens
	// on; it is independent of the data-plane port.
	DiscoveryPort int

	// DiscoveryInterval sets how often this node re-announces its
	// presence. Zero uses DefaultDiscoveryInterval.
	DiscoveryInterval time.Duration
}

// Driver is a UDP datagram transport with LAN peer discovery and a peer
// table (spec.md §4.3's "Shared resources"). The peer table has no size
// bound: AddPeer never evicts.
type Driver struct {
	cfg  Config
	conn *net.UDPConn

	mu    sync.Mutex
	peers map[string]routing.Locator

	discoveryStop chan struct{}
}

// Open binds the data-plane socket and applies SO_REUSEADDR/SO_BROADCAST to
// it so multiple gateway processes can share the data-plane port on the
// same host during testing, and so broadcast sends succeed on the data
// socket. The discovery socket is opened separately by peerdiscovery.
func Open(cfg Config) (*Driver, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					log.WithError(err).Warn("udpdatagram: SO_REUSEADDR failed")
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
					log.WithError(err).Warn("udpdatagram: SO_BROADCAST failed")
				}
			})
		},
	}

	pc, err := lc.ListenPacket(nil, "udp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	return &Driver{
		cfg:   cfg,
		conn:  pc.(*net.UDPConn),
		peers: make(map[string]routing.Locator),
	}, nil
}

func (d *Driver) Tag() string { return Tag }

// Start launches the datagram read loop and the peer-discovery beacon.
func (d *Driver) Start(onFrame transport.InboundHandler) error {
	go d.readLoop(onFrame)
	go d.discoveryLoop()
	return nil
}

func (d *Driver) readLoop(onFrame transport.InboundHandler) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return // closed
		}
		loc := routing.Locator{Kind: routing.LocatorUDP, IP: addr.IP, Port: uint16(addr.Port)}
		d.AddPeer(loc)
		frame := append([]byte(nil), buf[:n]...)
		onFrame(Tag, loc, frame)
	}
}

func (d *Driver) discoveryLoop() {
	interval := d.cfg.DiscoveryInterval
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}

	_, dataPortStr, err := net.SplitHostPort(d.conn.LocalAddr().String())
	if err != nil {
		log.WithError(err).Warn("udpdatagram: could not determine local data port for discovery beacon")
		return
	}
	var dataPort uint16
	if _, err := fmt.Sscanf(dataPortStr, "%d", &dataPort); err != nil {
		return
	}
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, dataPort)

	d.discoveryStop = make(chan struct{})

	settings := peerdiscovery.Settings{
		Limit:     -1,
		Port:      fmt.Sprintf("%d", d.cfg.DiscoveryPort),
		Payload:   payload,
		Delay:     interval,
		TimeLimit: -1,
		StopChan:  d.discoveryStop,
		AllowSelf: false,
		IPVersion: peerdiscovery.IPv4,
		Notify:    d.notify,
	}

	if _, err := peerdiscovery.Discover(settings); err != nil {
		log.WithError(err).Warn("udpdatagram: peer discovery stopped")
	}
}

func (d *Driver) notify(discovered peerdiscovery.Discovered) {
	if len(discovered.Payload) < 2 {
		return
	}
	port := binary.BigEndian.Uint16(discovered.Payload)
	ip := net.ParseIP(discovered.Address)
	if ip == nil {
		return
	}
	d.AddPeer(routing.Locator{Kind: routing.LocatorUDP, IP: ip, Port: port})
}

// AddPeer records a peer, refreshing it if already known.
func (d *Driver) AddPeer(peer routing.Locator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[peer.String()] = peer
}

// RemovePeer forgets a peer.
func (d *Driver) RemovePeer(peer routing.Locator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, peer.String())
}

// HasPeer reports whether peer is currently known.
func (d *Driver) HasPeer(peer routing.Locator) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.peers[peer.String()]
	return ok
}

// Send transmits frame directly to peer.
func (d *Driver) Send(peer routing.Locator, frame []byte) error {
	_, err := d.conn.WriteToUDP(frame, &net.UDPAddr{IP: peer.IP, Port: int(peer.Port)})
	return err
}

// Broadcast fans frame out to every currently known peer; UDP has no
// native multicast group configured here, so dissemination rides on the
// same peer table discovery populates.
func (d *Driver) Broadcast(frame []byte) error {
	d.mu.Lock()
	peers := make([]routing.Locator, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.Unlock()

	for _, p := range peers {
		if err := d.Send(p, frame); err != nil {
			log.WithError(err).WithField("peer", p).Warn("udpdatagram: broadcast send failed")
		}
	}
	return nil
}

// Close stops discovery and closes the data-plane socket.
func (d *Driver) Close() error {
	if d.discoveryStop != nil {
		close(d.discoveryStop)
	}
	return d.conn.Close()
}
