package appagent

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/rns-mesh/gwnode/pkg/link"
	"github.com/rns-mesh/gwnode/pkg/routing"
)

// RouteSnapshotter is the introspection capability the route-dump endpoint
// needs — satisfied by *pkg/routing.Table.
type RouteSnapshotter interface {
	Snapshot() []routing.Entry
}

// LinkStater is the introspection capability the link-state endpoint
// needs — satisfied by *pkg/core.Core.
type LinkStater interface {
	LinkState(dest routing.Address) (link.State, bool)
}

// Server is the application-facing HTTP surface: a websocket endpoint
// delivering the Hub's broadcast stream, and a small mux.Router-based REST
// surface for read-only introspection of the routing table and link
// states. Grounded on agent/rest_agent.go's "own mux.Router, bind
// ServeHTTP" shape, combined with pkg/agent/ws_agent.go's upgrader.
type Server struct {
	router *mux.Router
	hub    *Hub

	routes RouteSnapshotter
	links  LinkStater

	upgrader websocket.Upgrader
}

// NewServer wires a Server whose /ws endpoint delivers hub's broadcast
// stream and accepts SendReliableMessage requests, and whose /routes and
// /links endpoints read from routes and links respectively.
func NewServer(hub *Hub, routes RouteSnapshotter, links LinkStater) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		hub:      hub,
		routes:   routes,
		links:    links,
		upgrader: websocket.Upgrader{},
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/routes", s.handleRoutes).Methods(http.MethodGet)
	s.router.HandleFunc("/links/{dest}", s.handleLinkState).Methods(http.MethodGet)
	s.router.HandleFunc("/send/{dest}", s.handleSend).Methods(http.MethodPost)

	return s
}

// ServeHTTP lets Server be bound directly to an http.Server as its handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("appagent: upgrading HTTP request to websocket failed")
		return
	}

	c := newClient(conn, s.hub)
	s.hub.register(c)
	c.start()
}

// routeView is the JSON-facing projection of a routing.Entry: hex-encoded
// addresses read better over a wire than raw byte arrays.
type routeView struct {
	Destination string `json:"destination"`
	NextHop     string `json:"next_hop"`
	Transport   string `json:"transport"`
	Hops        uint8  `json:"hops"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	entries := s.routes.Snapshot()
	views := make([]routeView, 0, len(entries))
	for _, e := range entries {
		views = append(views, routeView{
			Destination: hex.EncodeToString(e.Destination[:]),
			NextHop:     e.NextHop.String(),
			Transport:   e.TransportTag,
			Hops:        e.Hops,
		})
	}

	if err := json.NewEncoder(w).Encode(views); err != nil {
		log.WithError(err).Warn("appagent: writing route dump failed")
	}
}

type linkStateView struct {
	Destination string `json:"destination"`
	State       string `json:"state"`
	Known       bool   `json:"known"`
}

func (s *Server) handleLinkState(w http.ResponseWriter, r *http.Request) {
	dest, err := parseDest(mux.Vars(r)["dest"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, known := s.links.LinkState(dest)
	view := linkStateView{Destination: hex.EncodeToString(dest[:]), Known: known}
	if known {
		view.State = state.String()
	} else {
		view.State = link.Closed.String()
	}

	if err := json.NewEncoder(w).Encode(view); err != nil {
		log.WithError(err).Warn("appagent: writing link state failed")
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	dest, err := parseDest(mux.Vars(r)["dest"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ack := s.hub.handleSendReliable(SendReliableMessage{Destination: dest, Payload: payload})
	if err := json.NewEncoder(w).Encode(ack); err != nil {
		log.WithError(err).Warn("appagent: writing send ack failed")
	}
}

func parseDest(hexAddr string) (routing.Address, error) {
	var dest routing.Address
	raw, err := hex.DecodeString(hexAddr)
	if err != nil {
		return dest, err
	}
	if len(raw) != len(dest) {
		return dest, errShortAddress
	}
	copy(dest[:], raw)
	return dest, nil
}

var errShortAddress = errors.New("appagent: destination address must be 8 bytes")
