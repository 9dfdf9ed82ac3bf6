package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/ident"
)

type wsFixture struct {
	bus *events.Bus
	hub *Hub
	srv *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	bus := events.NewBus(128)
	hub := NewHub(bus, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "own_1")
	}))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		bus.Close()
	})
	return &wsFixture{bus: bus, hub: hub, srv: srv}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	env, err := NewEnvelope(typ, "", data)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return env
}

// roundTripPing confirms the server has processed everything sent
// before it, since the read pump handles frames in order.
func roundTripPing(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, TypePing, nil)
	if env := recv(t, conn); env.Type != TypePong {
		t.Fatalf("type = %q, want pong", env.Type)
	}
}

func publish(bus *events.Bus, topic string, payload map[string]any) {
	bus.Publish(events.Event{
		ID:        ident.NewID(),
		Type:      events.EventRunUpdated,
		Topic:     topic,
		Timestamp: time.Now(),
		Source:    events.SourceEngine,
		Payload:   payload,
	})
}

func TestSubscribeRouting(t *testing.T) {
	fx := newWSFixture(t)
	conn := dial(t, fx.srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	send(t, conn, TypeSubscribe, topicPayload{Topic: "agent:agt_1"})
	roundTripPing(t, conn)

	publish(fx.bus, "agent:agt_2", map[string]any{"run_id": "run_other"})
	publish(fx.bus, "agent:agt_1", map[string]any{"run_id": "run_mine"})

	env := recv(t, conn)
	if env.V != ProtocolVersion {
		t.Fatalf("v = %d, want %d", env.V, ProtocolVersion)
	}
	if env.Topic != "agent:agt_1" {
		t.Fatalf("topic = %q, want agent:agt_1", env.Topic)
	}
	if env.Type != string(events.EventRunUpdated) {
		t.Fatalf("type = %q", env.Type)
	}
	if env.ID == "" || env.TS == 0 {
		t.Fatalf("envelope missing id or ts: %+v", env)
	}
	var data map[string]any
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("data: %v", err)
	}
	if data["run_id"] != "run_mine" {
		t.Fatalf("run_id = %v, want run_mine", data["run_id"])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	fx := newWSFixture(t)
	conn := dial(t, fx.srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	send(t, conn, TypeSubscribe, topicPayload{Topic: "thread:th_1"})
	send(t, conn, TypeSubscribe, topicPayload{Topic: "thread:th_2"})
	send(t, conn, TypeUnsubscribe, topicPayload{Topic: "thread:th_1"})
	roundTripPing(t, conn)

	publish(fx.bus, "thread:th_1", map[string]any{"seq": "dropped"})
	publish(fx.bus, "thread:th_2", map[string]any{"seq": "kept"})

	env := recv(t, conn)
	if env.Topic != "thread:th_2" {
		t.Fatalf("topic = %q, want thread:th_2", env.Topic)
	}
}

func TestPingPong(t *testing.T) {
	fx := newWSFixture(t)
	conn := dial(t, fx.srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	roundTripPing(t, conn)
}

func TestUnknownTypeReturnsError(t *testing.T) {
	fx := newWSFixture(t)
	conn := dial(t, fx.srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	send(t, conn, "bogus", nil)

	env := recv(t, conn)
	if env.Type != TypeError {
		t.Fatalf("type = %q, want error", env.Type)
	}
	var p errorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Code != CodeUnknownType {
		t.Fatalf("code = %q, want %q", p.Code, CodeUnknownType)
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	fx := newWSFixture(t)
	conn := dial(t, fx.srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	env := recv(t, conn)
	if env.Type != TypeError {
		t.Fatalf("type = %q, want error", env.Type)
	}
	var p errorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Code != CodeInvalidPayload {
		t.Fatalf("code = %q, want %q", p.Code, CodeInvalidPayload)
	}

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected close after malformed frame")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusProtocolError {
		t.Fatalf("close status = %d, want %d", status, websocket.StatusProtocolError)
	}
}

func TestRejectUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(RejectUnauthorized))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected close")
	}
	if status := websocket.CloseStatus(err); status != StatusUnauthorized {
		t.Fatalf("close status = %d, want %d", status, StatusUnauthorized)
	}
}

func TestClientCountTracksConnections(t *testing.T) {
	fx := newWSFixture(t)

	conn := dial(t, fx.srv)
	waitFor(t, func() bool { return fx.hub.ClientCount() == 1 })

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return fx.hub.ClientCount() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
