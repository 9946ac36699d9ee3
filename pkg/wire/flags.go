// Package wire implements the two packet encodings this gateway speaks: the
// official 19-byte Reticulum header used for DATA/ANNOUNCE traffic, and the
// legacy 24-byte header the link sublayer uses for LINK_REQ/LINK_CLOSE/
// LINK_DATA/ACK traffic. The two are modeled as distinct types with no
// implicit conversion between them; see DESIGN.md's Open Question notes for
// why the source field is never derived from the destination hash.
package wire

import "fmt"

// PacketType is the 2-bit packet-type field of the flags byte.
type PacketType uint8

const (
	PacketData PacketType = iota
	PacketAnnounce
	PacketLinkRequest
	PacketProof
)

func (t PacketType) String() string {
	switch t {
	case PacketData:
		return "DATA"
	case PacketAnnounce:
		return "ANNOUNCE"
	case PacketLinkRequest:
		return "LINK_REQ"
	case PacketProof:
		return "PROOF"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// DestinationType is the 2-bit destination-type field of the flags byte.
type DestinationType uint8

const (
	DestinationSingle DestinationType = iota
	DestinationGroup
	DestinationPlain
	DestinationLink
)

func (t DestinationType) String() string {
	switch t {
	case DestinationSingle:
		return "SINGLE"
	case DestinationGroup:
		return "GROUP"
	case DestinationPlain:
		return "PLAIN"
	case DestinationLink:
		return "LINK"
	default:
		return fmt.Sprintf("DestinationType(%d)", uint8(t))
	}
}

// PropagationType is the 1-bit propagation-type field of the flags byte.
type PropagationType uint8

const (
	PropagationBroadcast PropagationType = iota
	PropagationTransport
)

func (t PropagationType) String() string {
	if t == PropagationTransport {
		return "TRANSPORT"
	}
	return "BROADCAST"
}

// HeaderType distinguishes the single-hop official header (HeaderType1) from
// the two-address transport header (HeaderType2). Header-2 encoding is a
// Non-goal of this gateway (spec.md §1); the constant is retained so a
// decoded flags byte can be inspected and rejected rather than misread.
type HeaderType uint8

const (
	Header1 HeaderType = iota
	Header2
)

// Context is the secondary dispatch byte distinguishing DATA payloads from
// link-sublayer control traffic. Values are the ones the original gateway
// sketch used (original_source/include/Config.h); they aren't part of the
// upstream Reticulum wire protocol itself but are this deployment's local
// convention for the legacy header's Context field.
type Context uint8

const (
	ContextNone      Context = 0x00
	ContextLinkReq   Context = 0xA1
	ContextLinkClose Context = 0xA2
	ContextLinkData  Context = 0xA3
	ContextAck       Context = 0xA4
	ContextLocalCmd  Context = 0xFE
)

func (c Context) String() string {
	switch c {
	case ContextNone:
		return "NONE"
	case ContextLinkReq:
		return "LINK_REQ"
	case ContextLinkClose:
		return "LINK_CLOSE"
	case ContextLinkData:
		return "LINK_DATA"
	case ContextAck:
		return "ACK"
	case ContextLocalCmd:
		return "LOCAL_CMD"
	default:
		return fmt.Sprintf("Context(0x%02X)", uint8(c))
	}
}

// Flags is the single-byte flags field of the official header, laid out
// LSB to MSB as: packet-type(2) destination-type(2) propagation-type(1)
// context-flag(1) header-type(1) ifac-flag(1).
type Flags uint8

// NewFlags composes a Flags byte from its constituent fields. contextFlag
// and ifacFlag are carried for completeness (IFAC and per-packet-context
// flags aren't otherwise interpreted by this gateway). OfficialPacket.Encode
// always clears both, since IFAC and Header-2 are out of scope;
// LegacyPacket.Encode uses the context-flag bit to carry its HeaderKindAck
// marker.
func NewFlags(pt PacketType, dt DestinationType, prop PropagationType, contextFlag bool, ht HeaderType, ifacFlag bool) Flags {
	var f Flags
	f |= Flags(pt & 0b11)
	f |= Flags(dt&0b11) << 2
	f |= Flags(prop&0b1) << 4
	if contextFlag {
		f |= 1 << 5
	}
	f |= Flags(ht&0b1) << 6
	if ifacFlag {
		f |= 1 << 7
	}
	return f
}

func (f Flags) PacketType() PacketType             { return PacketType(f & 0b11) }
func (f Flags) DestinationType() DestinationType    { return DestinationType((f >> 2) & 0b11) }
func (f Flags) PropagationType() PropagationType    { return PropagationType((f >> 4) & 0b1) }
func (f Flags) ContextFlag() bool                   { return (f>>5)&0b1 == 1 }
func (f Flags) HeaderType() HeaderType              { return HeaderType((f >> 6) & 0b1) }
func (f Flags) IfacFlag() bool                      { return (f>>7)&0b1 == 1 }
