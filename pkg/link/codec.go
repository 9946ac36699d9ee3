package link

import (
	"github.com/rns-mesh/gwnode/pkg/routing"
	"github.com/rns-mesh/gwnode/pkg/wire"
)

func contextLinkReq() wire.Context   { return wire.ContextLinkReq }
func contextLinkClose() wire.Context { return wire.ContextLinkClose }
func contextAck() wire.Context       { return wire.ContextAck }

// encodeData builds a LINK_DATA legacy packet carrying payload at sequence
// seq, addressed self -> destination.
func encodeData(self, destination routing.Address, packetID, seq uint16, payload []byte) ([]byte, error) {
	p := wire.LegacyPacket{
		Kind:        wire.HeaderKindData,
		DestType:    wire.DestinationLink,
		Context:     wire.ContextLinkData,
		PacketID:    packetID,
		Destination: [wire.AddressSize]byte(destination),
		Source:      [wire.AddressSize]byte(self),
		HasSequence: true,
		Sequence:    seq,
		Payload:     payload,
	}
	return p.Encode()
}

// encodeControl builds a control-context legacy packet (LINK_REQ,
// LINK_CLOSE, or ACK). ACK's header kind is flagged distinctly from DATA per
// the legacy header's separate header-type marker.
func encodeControl(self, destination routing.Address, packetID uint16, ctx wire.Context, seq uint16, hasSeq bool) ([]byte, error) {
	kind := wire.HeaderKindData
	if ctx == wire.ContextAck {
		kind = wire.HeaderKindAck
	}
	p := wire.LegacyPacket{
		Kind:        kind,
		DestType:    wire.DestinationLink,
		Context:     ctx,
		PacketID:    packetID,
		Destination: [wire.AddressSize]byte(destination),
		Source:      [wire.AddressSize]byte(self),
		HasSequence: hasSeq,
		Sequence:    seq,
	}
	return p.Encode()
}

// decodeLegacy is a thin re-export so the rest of this package (and its
// tests) refer to wire.DecodeLegacy through one seam.
func decodeLegacy(buf []byte) (wire.LegacyPacket, error) {
	return wire.DecodeLegacy(buf)
}
