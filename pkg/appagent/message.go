// Package appagent is the application-facing surface of the gateway node:
// a websocket hub that delivers payloads reaching the local node up to
// connected applications and accepts send-reliable requests back down into
// the forwarding engine, plus an HTTP introspection surface over the route
// table and link states. Grounded on pkg/agent's WebSocketAgent/MuxAgent
// pair from the DTN daemon this gateway was adapted from, with every
// bpv7.EndpointID-addressed, CBOR-framed exchange replaced by this
// gateway's own routing.Address and a plain JSON wire format (dtn7/cboring
// is a dropped dependency here — see DESIGN.md).
package appagent

import "github.com/rns-mesh/gwnode/pkg/routing"

// Message is exchanged between the Hub and its connected clients, mirroring
// the shape of pkg/agent's Message interface without the endpoint-routing
// half that interface used for bundle delivery: every appagent client sees
// the same broadcast stream, so there's no Recipients() filter to
// implement.
type Message interface {
	isAppMessage()
}

// AppDataMessage is a payload the forwarding engine delivered to this node,
// fanned out to every connected client. Source is the zero Address when the
// delivering packet carried no verified sender (spec.md §4.2's
// unauthenticated official DATA source).
type AppDataMessage struct {
	Source  routing.Address `json:"source"`
	Payload []byte          `json:"payload"`
}

func (AppDataMessage) isAppMessage() {}

// SendReliableMessage is a client's request to open (or reuse) a reliable
// link toward Destination and send Payload over it.
type SendReliableMessage struct {
	Destination routing.Address `json:"destination"`
	Payload     []byte          `json:"payload"`
}

func (SendReliableMessage) isAppMessage() {}

// SendAckMessage answers a SendReliableMessage: Accepted is false if
// admission control rejected the link (link.ErrLinkTableFull) or the send
// was otherwise refused.
type SendAckMessage struct {
	Destination routing.Address `json:"destination"`
	Accepted    bool            `json:"accepted"`
}

func (SendAckMessage) isAppMessage() {}

// ShutdownMessage tells a client the Hub is closing down.
type ShutdownMessage struct{}

func (ShutdownMessage) isAppMessage() {}
