package http

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/parley/internal/bus"
	"github.com/nextlevelbuilder/parley/internal/config"
	"github.com/nextlevelbuilder/parley/internal/memory"
)

type capturedHandler struct {
	mu     sync.Mutex
	events []bus.Event
}

func (h *capturedHandler) HandleEvent(_ context.Context, ev bus.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *capturedHandler) wait(t *testing.T, n int) []bus.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.events) >= n {
			out := append([]bus.Event(nil), h.events...)
			h.mu.Unlock()
			return out
		}
		h.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func dialRoom(t *testing.T, ts *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?room=" + room + "&name=alice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketRoomFlow(t *testing.T) {
	handler := &capturedHandler{}
	srv := NewServer(config.HTTPConfig{}, handler, nil)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	conn := dialRoom(t, ts, "room-1")

	if err := conn.WriteJSON(inboundFrame{Content: "hello there"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The user turn is echoed to the room.
	var echo outboundFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if echo.Kind != "message" || echo.Content != "hello there" || echo.Author != "alice" {
		t.Fatalf("unexpected echo frame: %+v", echo)
	}

	events := handler.wait(t, 1)
	ev := events[0]
	if ev.Source != "web" || ev.ChannelID != "room-1" {
		t.Fatalf("event routing fields wrong: %+v", ev)
	}
	if !ev.Web || !ev.IsMentioned {
		t.Fatal("web room events should be direct and web-flagged")
	}
	if ev.MessageID == "" || ev.CreatedAt.IsZero() {
		t.Fatal("event missing id or timestamp")
	}
}

func TestWebSocketOverridePayload(t *testing.T) {
	handler := &capturedHandler{}
	srv := NewServer(config.HTTPConfig{}, handler, nil)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	conn := dialRoom(t, ts, "room-2")

	nsfw := true
	err := conn.WriteJSON(inboundFrame{
		Content: "use the pirate persona",
		Overrides: &bus.Overrides{
			PersonaText: "You are a pirate.",
			Model:       "anthropic/claude-sonnet-4.5",
			NSFW:        &nsfw,
		},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := handler.wait(t, 1)[0]
	if ev.Overrides == nil {
		t.Fatal("override payload dropped")
	}
	if ev.Overrides.PersonaText != "You are a pirate." {
		t.Fatalf("persona override = %q", ev.Overrides.PersonaText)
	}
	if ev.Overrides.Model != "anthropic/claude-sonnet-4.5" {
		t.Fatalf("model override = %q", ev.Overrides.Model)
	}
	if ev.Overrides.NSFW == nil || !*ev.Overrides.NSFW {
		t.Fatal("nsfw override lost")
	}
}

func TestRoomSenderBroadcast(t *testing.T) {
	handler := &capturedHandler{}
	srv := NewServer(config.HTTPConfig{}, handler, nil)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	conn := dialRoom(t, ts, "room-3")

	// Give the join a moment to register before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		joined := len(srv.rooms["room-3"]) == 1
		srv.mu.Unlock()
		if joined {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sent, err := srv.Sender().SendText(context.Background(), "room-3", "the reply", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent == nil || sent.MessageID == "" {
		t.Fatal("sent record missing")
	}

	var frame outboundFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Kind != "message" || !frame.IsBot || frame.Content != "the reply" {
		t.Fatalf("unexpected broadcast frame: %+v", frame)
	}
}

func TestHistoryReplayOnConnect(t *testing.T) {
	mem := memory.New(10)
	mem.Record(memory.Record{
		MessageID: "m1", ChannelID: "room-4", AuthorName: "bob",
		Content: "earlier message", CreatedAt: time.Now(),
	})

	srv := NewServer(config.HTTPConfig{}, &capturedHandler{}, mem)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	conn := dialRoom(t, ts, "room-4")

	var frame outboundFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read history: %v", err)
	}
	if frame.Kind != "history" || frame.Content != "earlier message" {
		t.Fatalf("unexpected history frame: %+v", frame)
	}
}
