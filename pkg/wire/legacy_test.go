package wire

import (
	"bytes"
	"testing"
)

func addr(fill byte) (a [AddressSize]byte) {
	for i := range a {
		a[i] = fill
	}
	return
}

func TestLegacyRoundTripData(t *testing.T) {
	p := LegacyPacket{
		Kind:        HeaderKindData,
		DestType:    DestinationSingle,
		Context:     ContextLinkData,
		PacketID:    0x1234,
		Hops:        2,
		Destination: addr(0xBB),
		Source:      addr(0xAA),
		HasSequence: true,
		Sequence:    7,
		Payload:     []byte("payload"),
	}

	enc, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	dec, err := DecodeLegacy(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if dec.Kind != p.Kind || dec.DestType != p.DestType || dec.Context != p.Context ||
		dec.PacketID != p.PacketID || dec.Hops != p.Hops || dec.Destination != p.Destination ||
		dec.Source != p.Source || dec.HasSequence != p.HasSequence || dec.Sequence != p.Sequence ||
		!bytes.Equal(dec.Payload, p.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", dec, p)
	}
}

func TestLegacyRoundTripControl(t *testing.T) {
	p := LegacyPacket{
		Kind:        HeaderKindData,
		DestType:    DestinationSingle,
		Context:     ContextLinkReq,
		PacketID:    9,
		Destination: addr(0x01),
		Source:      addr(0x02),
	}

	enc, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(enc) != LegacyHeaderSize {
		t.Fatalf("expected control packet to be exactly %d bytes, got %d", LegacyHeaderSize, len(enc))
	}

	dec, err := DecodeLegacy(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if dec.HasSequence {
		t.Fatalf("control packet should not carry a sequence number")
	}
}

func TestLegacyAckCarriesSequenceInPayloadPrefix(t *testing.T) {
	p := LegacyPacket{
		Kind:        HeaderKindAck,
		DestType:    DestinationSingle,
		Context:     ContextAck,
		PacketID:    1,
		Destination: addr(0x03),
		Source:      addr(0x04),
		HasSequence: true,
		Sequence:    0,
	}
	enc, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(enc) != LegacyHeaderSize+SeqSize {
		t.Fatalf("expected ACK to be header+seq bytes, got %d", len(enc))
	}
	dec, err := DecodeLegacy(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if dec.Kind != HeaderKindAck || !dec.HasSequence || dec.Sequence != 0 {
		t.Fatalf("unexpected decode: %+v", dec)
	}
}

func TestLegacyEncodeMissingSequenceFails(t *testing.T) {
	p := LegacyPacket{Context: ContextLinkData, HasSequence: false}
	if _, err := p.Encode(); err != ErrSequenceRequired {
		t.Fatalf("expected ErrSequenceRequired, got %v", err)
	}
}

func TestLegacyDecodeShortBuffer(t *testing.T) {
	if _, err := DecodeLegacy(make([]byte, LegacyHeaderSize-1)); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}
