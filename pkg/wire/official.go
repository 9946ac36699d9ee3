package wire

// OfficialHeaderSize is the fixed size of the official packet header:
// flags(1) + hops(1) + destination_hash(16) + context(1).
const OfficialHeaderSize = 19

// MaxPayload bounds the data portion of an official packet.
const MaxPayload = 200

// MaxHops bounds the hop counter; a packet at or beyond this is never
// forwarded (spec.md §4.4, invariant 5).
const MaxHops = 15

// DestHashSize is the length of the truncated destination hash carried by
// the official header.
const DestHashSize = 16

// OfficialPacket is the official Reticulum wire format:
//
//	[flags:1][hops:1][dest_hash:16][context:1][data:0..MaxPayload]
//
// It intentionally has no source field: the official DATA/ANNOUNCE header
// carries no source address (that's the job of the not-implemented Header-2
// transport header). Any legacy-form source information belongs on
// LegacyPacket instead; see DESIGN.md for why these two types are kept
// separate rather than unioned.
type OfficialPacket struct {
	PacketType      PacketType
	DestinationType DestinationType
	Propagation     PropagationType
	Context         Context
	Hops            uint8
	DestHash        [DestHashSize]byte
	Data            []byte
}

// Encode serializes p into a new byte slice. It fails if Data exceeds
// MaxPayload or DestinationType is not one of the four enumerated values;
// IFAC and Header-2 framing are never emitted (both flag bits are cleared)
// since this gateway only speaks Header-1, no-IFAC frames.
func (p OfficialPacket) Encode() ([]byte, error) {
	if len(p.Data) > MaxPayload {
		return nil, ErrPayloadOversize
	}
	if p.DestinationType > DestinationLink {
		return nil, ErrUnknownDestinationType
	}

	buf := make([]byte, OfficialHeaderSize+len(p.Data))
	buf[0] = byte(NewFlags(p.PacketType, p.DestinationType, p.Propagation, false, Header1, false))
	buf[1] = p.Hops
	copy(buf[2:18], p.DestHash[:])
	buf[18] = byte(p.Context)
	copy(buf[19:], p.Data)

	return buf, nil
}

// DecodeOfficial parses buf as an OfficialPacket. It requires len(buf) >=
// OfficialHeaderSize and rejects Header-2-flagged buffers, since this
// gateway never interprets transport-header framing.
func DecodeOfficial(buf []byte) (OfficialPacket, error) {
	var p OfficialPacket

	if len(buf) < OfficialHeaderSize {
		return p, ErrShortBuffer
	}

	flags := Flags(buf[0])
	if flags.HeaderType() == Header2 {
		return p, ErrHeader2Unsupported
	}

	p.PacketType = flags.PacketType()
	p.DestinationType = flags.DestinationType()
	p.Propagation = flags.PropagationType()
	p.Hops = buf[1]
	copy(p.DestHash[:], buf[2:18])
	p.Context = Context(buf[18])

	if len(buf) > OfficialHeaderSize {
		p.Data = append([]byte(nil), buf[OfficialHeaderSize:]...)
	}

	return p, nil
}

// WithHops returns a copy of p with Hops replaced, used by the forwarding
// engine when re-transmitting a packet one hop further out.
func (p OfficialPacket) WithHops(hops uint8) OfficialPacket {
	p.Hops = hops
	return p
}
