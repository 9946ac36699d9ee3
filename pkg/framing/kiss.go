// Package framing implements the KISS-style byte-stuffing convention used
// to delimit packets on character-oriented transports (spec.md §4.1),
// grounded on original_source/src/KISS.cpp.
package framing

import (
	log "github.com/sirupsen/logrus"
)

const (
	// FEND marks the start and end of a frame.
	FEND byte = 0xC0
	// FESC introduces an escaped byte.
	FESC byte = 0xDB
	// TFEND is the escaped form of FEND.
	TFEND byte = 0xDC
	// TFESC is the escaped form of FESC.
	TFESC byte = 0xDD

	// cmdData is the only command byte this gateway emits or expects;
	// other command bytes (TNC configuration) are recognized and
	// silently consumed.
	cmdData byte = 0x00

	// MaxFrame bounds the decoder's frame buffer. A frame that grows
	// past this is discarded, matching the overflow behavior of
	// original_source/src/KISS.cpp (there sized MAX_PACKET_SIZE+50).
	MaxFrame = 512
)

// Encode wraps data in a single KISS data frame: FEND, the data command
// byte, the byte-stuffed payload, and a trailing FEND. Encode is injective;
// feeding Encode(x) to a Decoder yields exactly one frame equal to x for any
// non-empty x with len(x) <= MaxFrame (an empty x yields no frame).
func Encode(data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	out = append(out, FEND, cmdData)

	for _, b := range data {
		switch b {
		case FEND:
			out = append(out, FESC, TFEND)
		case FESC:
			out = append(out, FESC, TFESC)
		default:
			out = append(out, b)
		}
	}

	out = append(out, FEND)
	return out
}

type decodeState int

const (
	stateIdle decodeState = iota
	stateAwaitCommand
	stateInFrame
	stateAfterEscape
)

// FrameHandler is invoked once per successfully decoded frame. Handlers
// run synchronously inside Decoder.WriteByte; a handler must not block.
type FrameHandler func(frame []byte)

// Decoder is a stateful, byte-at-a-time KISS decoder. It has no notion of
// message boundaries beyond FEND, so it can be fed directly from a serial
// read loop one byte at a time.
type Decoder struct {
	state  decodeState
	buffer []byte
	onFrame FrameHandler
}

// NewDecoder creates a Decoder that invokes onFrame for each frame it
// decodes.
func NewDecoder(onFrame FrameHandler) *Decoder {
	return &Decoder{
		state:   stateAwaitCommand,
		onFrame: onFrame,
	}
}

// WriteByte feeds a single byte into the decoder's state machine.
func (d *Decoder) WriteByte(b byte) {
	if b == FEND {
		if len(d.buffer) > 0 {
			frame := d.buffer
			d.buffer = nil
			d.onFrame(frame)
		}
		d.state = stateAwaitCommand
		return
	}

	switch d.state {
	case stateAwaitCommand:
		// The byte immediately following FEND is the command byte;
		// discard it (we only ever process data frames).
		d.state = stateInFrame
		return

	case stateAfterEscape:
		switch b {
		case TFEND:
			d.appendByte(FEND)
		case TFESC:
			d.appendByte(FESC)
		default:
			log.WithField("byte", b).Warn("framing: invalid escape sequence, discarding frame")
			d.buffer = nil
			d.state = stateIdle
			return
		}
		d.state = stateInFrame
		return

	case stateInFrame:
		if b == FESC {
			d.state = stateAfterEscape
			return
		}
		d.appendByte(b)

	case stateIdle:
		// The rest of a discarded (malformed or oversize) frame: ignore
		// every byte until the next FEND.
	}
}

// Write feeds multiple bytes into the decoder, e.g. the result of a single
// serial read.
func (d *Decoder) Write(p []byte) {
	for _, b := range p {
		d.WriteByte(b)
	}
}

func (d *Decoder) appendByte(b byte) {
	if len(d.buffer) >= MaxFrame {
		log.WithField("limit", MaxFrame).Warn("framing: frame overflow, discarding")
		d.buffer = nil
		d.state = stateIdle
		return
	}
	d.buffer = append(d.buffer, b)
}
