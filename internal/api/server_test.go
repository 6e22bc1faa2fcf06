package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/packetrig-project/packetrig/internal/capture"
	"github.com/packetrig-project/packetrig/internal/config"
	"github.com/packetrig-project/packetrig/internal/events"
	"github.com/packetrig-project/packetrig/internal/session"
	"github.com/packetrig-project/packetrig/internal/wire"
)

func newTestServer(t *testing.T, store *capture.Store) (*Server, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry()
	s := NewServer(config.APIConfig{Port: 0}, "info", registry, store)
	s.started = time.Now()
	s.router = s.buildRouter()
	return s, registry
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(s, http.MethodGet, "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["capture"] != false {
		t.Errorf("capture field = %v, want false", body["capture"])
	}
}

func TestListSessions(t *testing.T) {
	s, registry := newTestServer(t, nil)
	registry.Register(session.New(session.Config{
		Name: "dev0", Transport: session.TransportTCP,
		Address: "127.0.0.1:4242", Spec: wire.SimpleSpec(),
	}, nil))

	w := doRequest(s, http.MethodGet, "/api/sessions")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Sessions []sessionView `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(body.Sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(body.Sessions))
	}
	if body.Sessions[0].Name != "dev0" || body.Sessions[0].Address != "127.0.0.1:4242" {
		t.Errorf("session view = %+v", body.Sessions[0])
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	s, _ := newTestServer(t, nil)

	for _, path := range []string{
		"/api/sessions/ghost",
		"/api/sessions/ghost/packets",
		"/api/sessions/ghost/telemetry",
	} {
		if w := doRequest(s, http.MethodGet, path); w.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, w.Code)
		}
	}
	if w := doRequest(s, http.MethodPost, "/api/sessions/ghost/ping"); w.Code != http.StatusNotFound {
		t.Errorf("ping status = %d, want 404", w.Code)
	}
}

func TestPacketsWithCaptureDisabled(t *testing.T) {
	s, registry := newTestServer(t, nil)
	registry.Register(session.New(session.Config{
		Name: "dev0", Transport: session.TransportTCP,
		Address: "127.0.0.1:4242", Spec: wire.SimpleSpec(),
	}, nil))

	if w := doRequest(s, http.MethodGet, "/api/sessions/dev0/packets"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestPacketsFromCapture(t *testing.T) {
	store, err := capture.NewStore(filepath.Join(t.TempDir(), "capture.db"), 1000)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()

	s, registry := newTestServer(t, store)
	registry.Register(session.New(session.Config{
		Name: "dev0", Transport: session.TransportTCP,
		Address: "127.0.0.1:4242", Spec: wire.SimpleSpec(),
	}, nil))

	pkt := wire.Packet{ID: wire.PktIDSystemControl, Counter: 3, Payload: []byte{0x01, 0x03, 0x00}}
	if err := store.RecordPacket("dev0", events.DirectionOutbound, pkt); err != nil {
		t.Fatalf("RecordPacket failed: %v", err)
	}

	w := doRequest(s, http.MethodGet, "/api/sessions/dev0/packets")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var body struct {
		Packets []struct {
			PacketID byte   `json:"packet_id"`
			Payload  string `json:"payload_hex"`
		} `json:"packets"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(body.Packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(body.Packets))
	}
	if body.Packets[0].Payload != "010300" {
		t.Errorf("payload_hex = %q, want 010300", body.Packets[0].Payload)
	}
}

func TestPingOnDisconnectedSession(t *testing.T) {
	s, registry := newTestServer(t, nil)
	registry.Register(session.New(session.Config{
		Name: "dev0", Transport: session.TransportTCP,
		Address: "127.0.0.1:4242", Spec: wire.SimpleSpec(),
	}, nil))

	if w := doRequest(s, http.MethodPost, "/api/sessions/dev0/ping"); w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}
