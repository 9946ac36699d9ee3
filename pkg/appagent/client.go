package appagent

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// wireEnvelope tags a Message with a string kind so the websocket wire
// format stays self-describing without the teacher's CBOR type-code
// registry (pkg/agent/ws_agent_msg.go's wamRegister/wamBundle/... scheme) —
// dtn7/cboring is a dropped dependency here (see DESIGN.md), and a JSON
// envelope needs no such registry to stay self-describing.
type wireEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

const (
	kindAppData      = "app_data"
	kindSendReliable = "send_reliable"
	kindSendAck      = "send_ack"
	kindShutdown     = "shutdown"
)

// client is one connected websocket subscriber. Grounded on
// pkg/agent/ws_agent_client.go's webAgentClient: an outbound-channel pump
// goroutine paired with a synchronous read loop, minus the per-client
// endpoint registration handshake that package needs and this one doesn't.
type client struct {
	conn     *websocket.Conn
	hub      *Hub
	outbound chan Message

	writeMu sync.Mutex
}

func newClient(conn *websocket.Conn, hub *Hub) *client {
	return &client{
		conn:     conn,
		hub:      hub,
		outbound: make(chan Message, 16),
	}
}

// start blocks in the read loop; call it from the goroutine that accepted
// the upgraded connection.
func (c *client) start() {
	go c.writeLoop()
	c.readLoop()
}

func (c *client) writeLoop() {
	defer c.conn.Close()

	for msg := range c.outbound {
		if err := c.write(msg); err != nil {
			log.WithError(err).Debug("appagent: client write failed, closing")
			return
		}
		if _, isShutdown := msg.(ShutdownMessage); isShutdown {
			return
		}
	}
}

func (c *client) write(msg Message) error {
	var kind string
	switch msg.(type) {
	case AppDataMessage:
		kind = kindAppData
	case SendAckMessage:
		kind = kindSendAck
	case ShutdownMessage:
		kind = kindShutdown
	default:
		log.WithField("message", msg).Warn("appagent: dropping unknown outbound message type")
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(wireEnvelope{Kind: kind, Payload: payload})
}

func (c *client) readLoop() {
	defer c.hub.unregister(c)
	defer c.conn.Close()

	logger := log.WithField("appagent client", c.conn.RemoteAddr().String())

	for {
		var env wireEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			logger.WithError(err).Debug("appagent: client read loop exiting")
			return
		}

		if env.Kind != kindSendReliable {
			logger.WithField("kind", env.Kind).Warn("appagent: ignoring unsupported client message")
			continue
		}

		var req SendReliableMessage
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			logger.WithError(err).Warn("appagent: malformed send_reliable request")
			continue
		}

		ack := c.hub.handleSendReliable(req)
		select {
		case c.outbound <- ack:
		default:
			logger.Warn("appagent: outbound queue full, dropping ack")
		}
	}
}
