package appagent

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/rns-mesh/gwnode/pkg/routing"
)

// Sender is the forwarding engine capability the Hub needs — satisfied by
// *pkg/core.Core — kept as a narrow interface so this package doesn't
// import pkg/core and create a cycle back from core's future introspection
// wiring.
type Sender interface {
	SendReliable(dest routing.Address, payload []byte) bool
}

// Hub fans payloads delivered to the local node out to every connected
// websocket client, and fans SendReliableMessage requests from any client
// down into the forwarding engine. Grounded on pkg/agent/mux_agent.go's
// MuxAgent, simplified since appagent has no per-client endpoint
// registration to filter delivery by: every client sees every delivery.
type Hub struct {
	mu      sync.Mutex
	sender  Sender
	clients map[*client]struct{}
}

// NewHub constructs a Hub with no sender bound yet. The forwarding engine
// (pkg/core.Core) is constructed after the Hub, since Core.New itself needs
// Hub.Deliver as its on_app_data callback; call Bind once Core exists.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
	}
}

// Bind attaches the Sender that accepted SendReliableMessage requests are
// dispatched through. Requests received before Bind is called are refused.
func (h *Hub) Bind(sender Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sender = sender
}

// Deliver implements pkg/link.AppDataHandler: it is passed as the
// on_app_data callback to pkg/core.New, broadcasting every payload
// delivered to this node to all currently connected clients.
func (h *Hub) Deliver(source routing.Address, payload []byte) {
	msg := AppDataMessage{Source: source, Payload: append([]byte(nil), payload...)}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.outbound <- msg:
		default:
			log.Warn("appagent: client outbound queue full, dropping delivery")
		}
	}
}

// handleSendReliable dispatches req to the forwarding engine and reports
// whether it was accepted. A request arriving before Bind is refused.
func (h *Hub) handleSendReliable(req SendReliableMessage) SendAckMessage {
	h.mu.Lock()
	sender := h.sender
	h.mu.Unlock()

	if sender == nil {
		log.Warn("appagent: send_reliable received before a Sender was bound")
		return SendAckMessage{Destination: req.Destination, Accepted: false}
	}
	return SendAckMessage{Destination: req.Destination, Accepted: sender.SendReliable(req.Destination, req.Payload)}
}

// register adds c to the broadcast set.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// unregister removes c from the broadcast set and closes its outbound
// channel, matching pkg/agent/mux_agent.go's unregister.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.outbound)
}

// Close tells every connected client to shut down.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.outbound <- ShutdownMessage{}:
		default:
		}
	}
}
