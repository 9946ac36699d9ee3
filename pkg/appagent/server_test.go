package appagent

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rns-mesh/gwnode/pkg/link"
	"github.com/rns-mesh/gwnode/pkg/routing"
)

type mockRouteSnapshotter struct {
	entries []routing.Entry
}

func (m *mockRouteSnapshotter) Snapshot() []routing.Entry { return m.entries }

type mockLinkStater struct {
	states map[routing.Address]link.State
}

func (m *mockLinkStater) LinkState(dest routing.Address) (link.State, bool) {
	s, ok := m.states[dest]
	return s, ok
}

func TestServerHandleRoutesReturnsSnapshot(t *testing.T) {
	var dest routing.Address
	dest[0] = 0xAB
	entries := []routing.Entry{
		{Destination: dest, NextHop: routing.Locator{}, TransportTag: "serial", Hops: 3},
	}

	h := NewHub()
	s := NewServer(h, &mockRouteSnapshotter{entries: entries}, &mockLinkStater{})
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/routes")
	if err != nil {
		t.Fatalf("GET /routes: %v", err)
	}
	defer resp.Body.Close()

	var views []routeView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 route, got %d", len(views))
	}
	if views[0].Transport != "serial" || views[0].Hops != 3 {
		t.Fatalf("unexpected route view: %+v", views[0])
	}
	if !strings.EqualFold(views[0].Destination, hex.EncodeToString(dest[:])) {
		t.Fatalf("unexpected destination encoding: %q", views[0].Destination)
	}
}

func TestServerHandleLinkStateKnownAndUnknown(t *testing.T) {
	var known routing.Address
	known[0] = 0x11
	var unknown routing.Address
	unknown[0] = 0x22

	states := &mockLinkStater{states: map[routing.Address]link.State{known: link.Established}}
	s := NewServer(NewHub(), &mockRouteSnapshotter{}, states)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/links/" + hex.EncodeToString(known[:]))
	if err != nil {
		t.Fatalf("GET /links/known: %v", err)
	}
	defer resp.Body.Close()
	var view linkStateView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !view.Known || view.State != link.Established.String() {
		t.Fatalf("unexpected known-link view: %+v", view)
	}

	resp2, err := http.Get(srv.URL + "/links/" + hex.EncodeToString(unknown[:]))
	if err != nil {
		t.Fatalf("GET /links/unknown: %v", err)
	}
	defer resp2.Body.Close()
	var view2 linkStateView
	if err := json.NewDecoder(resp2.Body).Decode(&view2); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if view2.Known {
		t.Fatalf("expected unknown link to report Known=false, got %+v", view2)
	}
}

func TestServerHandleLinkStateRejectsMalformedAddress(t *testing.T) {
	s := NewServer(NewHub(), &mockRouteSnapshotter{}, &mockLinkStater{})
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/links/not-hex")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed address, got %d", resp.StatusCode)
	}
}

func TestServerHandleSendDispatchesThroughHub(t *testing.T) {
	h := NewHub()
	sender := &mockSender{accept: true}
	h.Bind(sender)

	s := NewServer(h, &mockRouteSnapshotter{}, &mockLinkStater{})
	srv := httptest.NewServer(s)
	defer srv.Close()

	var dest routing.Address
	dest[0] = 0x99

	resp, err := http.Post(srv.URL+"/send/"+hex.EncodeToString(dest[:]), "application/octet-stream", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("POST /send: %v", err)
	}
	defer resp.Body.Close()

	var ack SendAckMessage
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decoding ack: %v", err)
	}
	if !ack.Accepted || ack.Destination != dest {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if !sender.called || string(sender.payload) != "payload" {
		t.Fatalf("expected the request body to reach the sender, got %q", sender.payload)
	}
}

// ensure the mock types compile against their target interfaces without a
// real websocket round trip; regression check for API drift.
var (
	_ RouteSnapshotter = (*mockRouteSnapshotter)(nil)
	_ LinkStater       = (*mockLinkStater)(nil)
)

func TestServerHandleSendRejectsMalformedAddress(t *testing.T) {
	s := NewServer(NewHub(), &mockRouteSnapshotter{}, &mockLinkStater{})
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/send/zz", "application/octet-stream", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestServerHandleSendRefusesWithoutBind(t *testing.T) {
	s := NewServer(NewHub(), &mockRouteSnapshotter{}, &mockLinkStater{})
	srv := httptest.NewServer(s)
	defer srv.Close()

	var dest routing.Address
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post(srv.URL+"/send/"+hex.EncodeToString(dest[:]), "application/octet-stream", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	var ack SendAckMessage
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decoding ack: %v", err)
	}
	if ack.Accepted {
		t.Fatal("expected refusal when no Sender has been bound")
	}
}
