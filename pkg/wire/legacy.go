package wire

import "encoding/binary"

// AddressSize is the length of a node address (source or destination) in
// the legacy header.
const AddressSize = 8

// SeqSize is the length of the sequence-number prefix carried ahead of the
// payload for LINK_DATA and ACK contexts.
const SeqSize = 2

// LegacyHeaderSize is the fixed size of the legacy link-sublayer header:
//
//	[flags:1][hops:1][packet_id:2][destination:8][source:8][context:1][reserved:3]
//
// Multi-byte integers are big-endian (spec.md §6). The three reserved bytes
// keep the header a round 24 bytes and are always zero on encode; a decoder
// ignores their value.
const LegacyHeaderSize = 24

// HeaderKind distinguishes a legacy DATA-carrying header from an ACK header,
// independent of the Context byte — mirroring the original gateway's
// separate "header_type" marker (original_source/include/Config.h), kept so
// the forwarding engine can dispatch ACKs without fully decoding context
// semantics.
type HeaderKind uint8

const (
	HeaderKindData HeaderKind = iota
	HeaderKindAck
)

// LegacyPacket is the legacy link-sublayer wire format, the only dialect
// the link sublayer (C5) speaks. It carries explicit addresses because,
// unlike the official form, both ends of a link must be able to name each
// other without relying on transport-layer next-hop information.
type LegacyPacket struct {
	Kind        HeaderKind
	DestType    DestinationType
	Context     Context
	PacketID    uint16
	Hops        uint8
	Destination [AddressSize]byte
	Source      [AddressSize]byte

	// HasSequence is true for LINK_DATA and ACK contexts, whose payload
	// is prefixed with a 16-bit sequence number.
	HasSequence bool
	Sequence    uint16

	Payload []byte
}

// requiresSequence reports whether ctx mandates the 16-bit sequence
// prefix (spec.md §4.2, "Failure modes").
func requiresSequence(ctx Context) bool {
	return ctx == ContextLinkData || ctx == ContextAck
}

// Encode serializes p. It fails if p.Context demands a sequence number but
// HasSequence is false, if DestType is not one of the four enumerated
// values, or if the encoded payload would exceed MaxPayload.
func (p LegacyPacket) Encode() ([]byte, error) {
	if requiresSequence(p.Context) && !p.HasSequence {
		return nil, ErrSequenceRequired
	}
	if p.DestType > DestinationLink {
		return nil, ErrUnknownDestinationType
	}

	payloadLen := len(p.Payload)
	if p.HasSequence {
		payloadLen += SeqSize
	}
	if payloadLen > MaxPayload {
		return nil, ErrPayloadOversize
	}

	buf := make([]byte, LegacyHeaderSize+payloadLen)

	flags := NewFlags(PacketData, p.DestType, PropagationBroadcast, p.Kind == HeaderKindAck, Header1, false)
	buf[0] = byte(flags)
	buf[1] = p.Hops
	binary.BigEndian.PutUint16(buf[2:4], p.PacketID)
	copy(buf[4:12], p.Destination[:])
	copy(buf[12:20], p.Source[:])
	buf[20] = byte(p.Context)
	// buf[21:24] reserved, left zero.

	offset := LegacyHeaderSize
	if p.HasSequence {
		binary.BigEndian.PutUint16(buf[offset:offset+SeqSize], p.Sequence)
		offset += SeqSize
	}
	copy(buf[offset:], p.Payload)

	return buf, nil
}

// DecodeLegacy parses buf as a LegacyPacket. The sequence prefix is
// consumed automatically when p.Context requires it; a buffer too short to
// hold that prefix is rejected.
func DecodeLegacy(buf []byte) (LegacyPacket, error) {
	var p LegacyPacket

	if len(buf) < LegacyHeaderSize {
		return p, ErrShortBuffer
	}

	flags := Flags(buf[0])
	if flags.ContextFlag() {
		p.Kind = HeaderKindAck
	} else {
		p.Kind = HeaderKindData
	}
	p.DestType = flags.DestinationType()
	p.Hops = buf[1]
	p.PacketID = binary.BigEndian.Uint16(buf[2:4])
	copy(p.Destination[:], buf[4:12])
	copy(p.Source[:], buf[12:20])
	p.Context = Context(buf[20])

	rest := buf[LegacyHeaderSize:]
	if requiresSequence(p.Context) {
		if len(rest) < SeqSize {
			return p, ErrSequenceRequired
		}
		p.HasSequence = true
		p.Sequence = binary.BigEndian.Uint16(rest[:SeqSize])
		rest = rest[SeqSize:]
	}

	if len(rest) > 0 {
		p.Payload = append([]byte(nil), rest...)
	}

	return p, nil
}
