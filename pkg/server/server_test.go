package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jllopis/avva/pkg/assistant"
	"github.com/jllopis/avva/pkg/core"
)

// echoCommander emits a response event for every command. Commands equal
// to "wait" block until interrupted.
type echoCommander struct {
	hub *Hub

	mu          sync.Mutex
	commands    []string
	requesters  []string
	routes      []core.Routing
	interrupted chan struct{}
}

func (e *echoCommander) ProcessStream(ctx context.Context, command string, _ func(string), intr *assistant.Interrupt) assistant.Reply {
	e.mu.Lock()
	e.commands = append(e.commands, command)
	e.requesters = append(e.requesters, core.Requester(ctx, ""))
	e.routes = append(e.routes, core.RoutingFrom(ctx))
	e.mu.Unlock()

	if command == "wait" {
		for !intr.Raised() {
			time.Sleep(5 * time.Millisecond)
		}
		close(e.interrupted)
		return assistant.Reply{Interrupted: true}
	}
	e.hub.Emit(ctx, core.NewEvent(ctx, core.EventAssistantResponse, map[string]any{"text": "echo: " + command}))
	return assistant.Reply{Text: "echo: " + command}
}

func startServer(t *testing.T, health core.HealthCheckProvider) (*Hub, *echoCommander, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	cmd := &echoCommander{hub: hub, interrupted: make(chan struct{})}
	hub.SetCommander(cmd)
	srv := New("127.0.0.1:0", hub, WithHealth(health))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return hub, cmd, ts
}

func dial(t *testing.T, ts *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?clientId=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) outbound {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg outbound
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommandBroadcastsToAllClients(t *testing.T) {
	hub, cmd, ts := startServer(t, nil)
	a := dial(t, ts, "a")
	b := dial(t, ts, "b")
	waitClients(t, hub, 2)

	if err := a.WriteJSON(inbound{Type: MsgCommand, Text: "hello", RequestID: "req-7"}); err != nil {
		t.Fatal(err)
	}
	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Type != string(core.EventAssistantResponse) || msg.Payload["text"] != "echo: hello" {
			t.Fatalf("unexpected message %+v", msg)
		}
		if msg.RequestID != "req-7" {
			t.Errorf("request id not propagated: %+v", msg)
		}
	}

	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	if len(cmd.requesters) != 1 || cmd.requesters[0] != "ws:a" {
		t.Errorf("unexpected requesters %v", cmd.requesters)
	}
}

func TestCommandCarriesRoutingHints(t *testing.T) {
	hub, cmd, ts := startServer(t, nil)
	conn := dial(t, ts, "r")
	waitClients(t, hub, 1)

	msgs := []inbound{
		{Type: MsgCommand, Text: "plain"},
		{Type: MsgCommand, Text: "private", Sensitive: true, Capability: "vision"},
	}
	for _, m := range msgs {
		if err := conn.WriteJSON(m); err != nil {
			t.Fatal(err)
		}
		readMessage(t, conn)
	}

	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	want := []core.Routing{{}, {Sensitive: true, Capability: "vision"}}
	if len(cmd.routes) != len(want) {
		t.Fatalf("expected %d commands, got %v", len(want), cmd.routes)
	}
	for i := range want {
		if cmd.routes[i] != want[i] {
			t.Errorf("command %d: got %+v, want %+v", i, cmd.routes[i], want[i])
		}
	}
}

func TestInterruptStopsRunningCommand(t *testing.T) {
	hub, cmd, ts := startServer(t, nil)
	conn := dial(t, ts, "c")
	waitClients(t, hub, 1)

	if err := conn.WriteJSON(inbound{Type: MsgCommand, Text: "wait"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := conn.WriteJSON(inbound{Type: MsgInterrupt}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-cmd.interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("command was not interrupted")
	}
}

func TestPingAndMalformedMessages(t *testing.T) {
	hub, _, ts := startServer(t, nil)
	conn := dial(t, ts, "d")
	waitClients(t, hub, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg.Type != string(core.EventError) {
		t.Fatalf("expected an error message, got %+v", msg)
	}
	if err := conn.WriteJSON(inbound{Type: MsgPing}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg.Type != "pong" {
		t.Fatalf("expected pong, got %+v", msg)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, _, ts := startServer(t, nil)
	conn := dial(t, ts, "e")
	waitClients(t, hub, 1)
	conn.Close()
	waitClients(t, hub, 0)
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		status core.HealthStatus
		code   int
	}{
		{"healthy", core.HealthHealthy, http.StatusOK},
		{"degraded", core.HealthDegraded, http.StatusOK},
		{"unhealthy", core.HealthUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			health := core.NewDefaultHealthCheckProvider(-1)
			health.RegisterChecker("storage", core.NewFunctionHealthChecker(func(context.Context) core.HealthResult {
				return core.HealthResult{Status: tt.status}
			}))
			_, _, ts := startServer(t, health)

			resp, err := http.Get(ts.URL + "/healthz")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Errorf("status code %d, want %d", resp.StatusCode, tt.code)
			}
			var report healthReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				t.Fatal(err)
			}
			if report.Status != tt.status || len(report.Components) != 1 {
				t.Errorf("unexpected report %+v", report)
			}
		})
	}
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8765", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := localOrigin(r); got != tt.want {
			t.Errorf("localOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestRoutesOnlyAcceptGet(t *testing.T) {
	_, _, ts := startServer(t, nil)
	resp, err := http.Post(ts.URL+"/healthz", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", resp.StatusCode)
	}
	resp, err = http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", resp.StatusCode)
	}
}
