package wire

import "errors"

// Error kinds returned by the codecs in this package. Every decode/encode
// failure below is recovered locally by the caller (spec.md §7): the
// forwarding engine drops the packet and continues, it never propagates
// upward as a fatal condition.
var (
	// ErrShortBuffer is returned when a buffer is too small to hold a
	// fixed-size header.
	ErrShortBuffer = errors.New("wire: buffer shorter than header")

	// ErrPayloadOversize is returned when a payload exceeds MaxPayload.
	ErrPayloadOversize = errors.New("wire: payload exceeds maximum size")

	// ErrUnknownDestinationType is returned when a destination-type field
	// value falls outside the four enumerated values.
	ErrUnknownDestinationType = errors.New("wire: unknown destination type")

	// ErrHeader2Unsupported is returned when a decoded flags byte
	// indicates Header-2 (transport header) framing, which this gateway
	// does not implement (spec.md §1 Non-goals).
	ErrHeader2Unsupported = errors.New("wire: Header-2 framing is not supported")

	// ErrSequenceRequired is returned encoding/decoding a legacy packet
	// whose context demands a sequence number (LINK_DATA, ACK) but none
	// was supplied.
	ErrSequenceRequired = errors.New("wire: sequence number required for this context")
)
