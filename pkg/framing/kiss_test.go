package framing

import (
	"bytes"
	"testing"
)

func decodeAll(t *testing.T, encoded []byte) [][]byte {
	t.Helper()
	var frames [][]byte
	d := NewDecoder(func(f []byte) {
		frames = append(frames, append([]byte(nil), f...))
	})
	d.Write(encoded)
	return frames
}

func TestScenarioS1FramingRoundTrip(t *testing.T) {
	input := []byte{0x01, 0xC0, 0x02, 0xDB, 0x03}
	encoded := Encode(input)

	if encoded[0] != FEND || encoded[1] != cmdData {
		t.Fatalf("expected frame to start with FEND cmdData, got % X", encoded[:2])
	}
	if encoded[len(encoded)-1] != FEND {
		t.Fatalf("expected frame to end with FEND, got %X", encoded[len(encoded)-1])
	}

	if bytes.Count(encoded, []byte{FESC, TFEND}) != 1 {
		t.Fatalf("expected exactly one FESC TFEND subsequence, encoded=% X", encoded)
	}
	if bytes.Count(encoded, []byte{FESC, TFESC}) != 1 {
		t.Fatalf("expected exactly one FESC TFESC subsequence, encoded=% X", encoded)
	}

	frames := decodeAll(t, encoded)
	if len(frames) != 1 || !bytes.Equal(frames[0], input) {
		t.Fatalf("decode mismatch: got %v, want [%v]", frames, input)
	}
}

func TestEncodeDecodeRoundTripArbitrary(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{FEND},
		{FESC},
		{FEND, FESC, FEND, FESC},
		bytes.Repeat([]byte{0xAA, 0xC0, 0xDB, 0x55}, 20),
	}

	for _, c := range cases {
		frames := decodeAll(t, Encode(c))
		if len(c) == 0 {
			if len(frames) != 0 {
				t.Fatalf("empty input should decode to no frames, got %v", frames)
			}
			continue
		}
		if len(frames) != 1 || !bytes.Equal(frames[0], c) {
			t.Fatalf("round trip mismatch for %v: got %v", c, frames)
		}
	}
}

func TestDecoderHandlesMultipleFramesAndPadding(t *testing.T) {
	var stream []byte
	stream = append(stream, FEND, FEND) // inter-frame padding
	stream = append(stream, Encode([]byte("first"))...)
	stream = append(stream, Encode([]byte("second"))...)

	frames := decodeAll(t, stream)
	if len(frames) != 2 || string(frames[0]) != "first" || string(frames[1]) != "second" {
		t.Fatalf("unexpected frames: %v", frames)
	}
}

func TestDecoderDiscardsMalformedEscape(t *testing.T) {
	var stream []byte
	stream = append(stream, FEND, cmdData, 'a', FESC, 'z', FEND) // FESC followed by invalid byte
	stream = append(stream, Encode([]byte("ok"))...)

	frames := decodeAll(t, stream)
	if len(frames) != 1 || string(frames[0]) != "ok" {
		t.Fatalf("expected malformed frame discarded and next frame decoded, got %v", frames)
	}
}

func TestDecoderDiscardsOversizeFrame(t *testing.T) {
	huge := bytes.Repeat([]byte{0x41}, MaxFrame+10)
	var stream []byte
	stream = append(stream, FEND, cmdData)
	stream = append(stream, huge...)
	stream = append(stream, FEND)
	stream = append(stream, Encode([]byte("next"))...)

	frames := decodeAll(t, stream)
	if len(frames) != 1 || string(frames[0]) != "next" {
		t.Fatalf("expected oversize frame discarded, got %d frames", len(frames))
	}
}
