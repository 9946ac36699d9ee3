// Package routing implements the bounded route table and announce-loop
// suppression described in spec.md §4.3, grounded on
// original_source/src/RoutingTable.cpp.
package routing

import (
	"fmt"
	"net"
	"time"
)

// Address is a node's 8-byte Reticulum address.
type Address [8]byte

// LocatorKind tags which transport-specific addressing scheme a Locator
// carries, matching spec.md §3's "tagged union over transports".
type LocatorKind uint8

const (
	// LocatorNone is used by transports with no distinguishable peer
	// address (a single point-to-point serial line, for instance).
	LocatorNone LocatorKind = iota
	// LocatorMAC carries a link-layer address, e.g. for a local radio
	// broadcast medium with a hardware peer table.
	LocatorMAC
	// LocatorUDP carries an IP address and port.
	LocatorUDP
)

// Locator is transport-specific next-hop addressing information carried
// alongside a route entry (GLOSSARY).
type Locator struct {
	Kind LocatorKind
	MAC  net.HardwareAddr
	IP   net.IP
	Port uint16
}

func (l Locator) String() string {
	switch l.Kind {
	case LocatorMAC:
		return l.MAC.String()
	case LocatorUDP:
		return fmt.Sprintf("%s:%d", l.IP, l.Port)
	default:
		return "none"
	}
}

// Equal reports whether two locators name the same next hop. Comparison is
// by kind and value, not by identity.
func (l Locator) Equal(other Locator) bool {
	if l.Kind != other.Kind {
		return false
	}
	switch l.Kind {
	case LocatorMAC:
		return l.MAC.String() == other.MAC.String()
	case LocatorUDP:
		return l.IP.Equal(other.IP) && l.Port == other.Port
	default:
		return true
	}
}

// Entry is a single routing table row: a destination and how to reach it.
type Entry struct {
	Destination  Address
	NextHop      Locator
	TransportTag string
	Hops         uint8
	LastHeardAt  time.Time
}
