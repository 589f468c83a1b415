package events

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Peleke/MindMirror-sub002/platform"
)

func newTestHub(t *testing.T, opts ...HubOption) *Hub {
	t.Helper()

	base := []HubOption{
		WithHubLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	hub, err := NewHub(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	t.Cleanup(func() { _ = hub.Close() })
	return hub
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return event
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
}

func mustEvent(t *testing.T, eventType Type, payload any) Event {
	t.Helper()

	event, err := New(eventType, payload)
	if err != nil {
		t.Fatalf("New(%s) error = %v", eventType, err)
	}
	return event
}

func TestHubBroadcastReachesClient(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	waitForClients(t, hub, 1)

	sent := mustEvent(t, TypeDeployStarted, DeployEventData{
		ReleaseID:   "rel-1",
		Environment: platform.EnvDev,
	})
	hub.Broadcast(sent)

	got := readEvent(t, conn)
	if got.ID != sent.ID || got.Type != TypeDeployStarted {
		t.Errorf("received %s/%s, want %s/%s", got.ID, got.Type, sent.ID, sent.Type)
	}

	var data DeployEventData
	if err := json.Unmarshal(got.Data, &data); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if data.ReleaseID != "rel-1" {
		t.Errorf("ReleaseID = %s, want rel-1", data.ReleaseID)
	}
}

func TestHubBroadcastMultipleClients(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	first := dialHub(t, srv)
	second := dialHub(t, srv)
	waitForClients(t, hub, 2)

	sent := mustEvent(t, TypeHealthChanged, HealthEventData{
		Service:     "journal",
		Environment: platform.EnvDev,
		Healthy:     false,
		Reason:      "connection refused",
	})
	hub.Broadcast(sent)

	for i, conn := range []*websocket.Conn{first, second} {
		got := readEvent(t, conn)
		if got.ID != sent.ID {
			t.Errorf("client %d received %s, want %s", i, got.ID, sent.ID)
		}
	}
}

func TestHubReplayForLateJoiner(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	var sent []Event
	for i := 0; i < 3; i++ {
		event := mustEvent(t, TypeServiceDeployed, DeployEventData{
			ReleaseID:   "rel-1",
			Environment: platform.EnvDev,
			Service:     fmt.Sprintf("svc-%d", i),
			Wave:        i,
		})
		hub.Broadcast(event)
		sent = append(sent, event)
	}

	// A client connecting after the fact still sees the history, then
	// the live stream.
	conn := dialHub(t, srv)
	waitForClients(t, hub, 1)

	for i, want := range sent {
		got := readEvent(t, conn)
		if got.ID != want.ID {
			t.Errorf("replayed event %d = %s, want %s", i, got.ID, want.ID)
		}
	}

	live := mustEvent(t, TypeDeploySucceeded, DeployEventData{
		ReleaseID:   "rel-1",
		Environment: platform.EnvDev,
	})
	hub.Broadcast(live)

	got := readEvent(t, conn)
	if got.ID != live.ID {
		t.Errorf("live event = %s, want %s", got.ID, live.ID)
	}
}

func TestHubReplayBounded(t *testing.T) {
	hub := newTestHub(t, WithReplaySize(2))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	var sent []Event
	for i := 0; i < 5; i++ {
		event := mustEvent(t, TypePipelineStage, PipelineEventData{
			RunID:       fmt.Sprintf("run-%d", i),
			Environment: platform.EnvStaging,
			Stage:       "building",
		})
		hub.Broadcast(event)
		sent = append(sent, event)
	}

	conn := dialHub(t, srv)
	waitForClients(t, hub, 1)

	// Only the two newest survive the ring.
	for i, want := range sent[3:] {
		got := readEvent(t, conn)
		if got.ID != want.ID {
			t.Errorf("replayed event %d = %s, want %s", i, got.ID, want.ID)
		}
	}

	marker := mustEvent(t, TypeDeployStarted, DeployEventData{ReleaseID: "rel-marker", Environment: platform.EnvStaging})
	hub.Broadcast(marker)
	if got := readEvent(t, conn); got.ID != marker.ID {
		t.Errorf("next event = %s, want marker %s (older events replayed past ring size)", got.ID, marker.ID)
	}
}

func TestHubClientDisconnectCleanup(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	waitForClients(t, hub, 1)

	_ = conn.Close()
	waitForClients(t, hub, 0)

	// Broadcast to an empty hub still records history.
	hub.Broadcast(mustEvent(t, TypeHealthChanged, HealthEventData{Service: "users", Environment: platform.EnvDev, Healthy: true}))
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after disconnect", hub.ClientCount())
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	waitForClients(t, hub, 1)

	if err := hub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected read error after hub close")
	}

	// Broadcast after close is a no-op, not a panic.
	hub.Broadcast(mustEvent(t, TypeDeployStarted, DeployEventData{ReleaseID: "rel-late", Environment: platform.EnvDev}))

	// Connections after close are refused.
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	late, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := late.ReadMessage(); err == nil {
			t.Error("expected closed hub to drop late connection")
		}
		_ = late.Close()
	}
}

func TestHubOptionValidation(t *testing.T) {
	tests := []struct {
		name string
		opt  HubOption
	}{
		{"zero replay size", WithReplaySize(0)},
		{"negative queue size", WithQueueSize(-1)},
		{"nil logger", WithHubLogger(nil)},
		{"zero ping interval", WithPingInterval(0)},
		{"zero write timeout", WithWriteTimeout(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, err := NewHub(tt.opt)
			if err == nil {
				_ = hub.Close()
				t.Fatal("expected option error")
			}
		})
	}
}
