// Package http serves the web room surface: a small WebSocket chat
// endpoint that feeds room messages into the router and streams replies
// back to every client in the room.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/parley/internal/bus"
	"github.com/nextlevelbuilder/parley/internal/channels"
	"github.com/nextlevelbuilder/parley/internal/config"
	"github.com/nextlevelbuilder/parley/internal/memory"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 64 * 1024
)

// inboundFrame is one client → server message.
type inboundFrame struct {
	Content   string         `json:"content"`
	Author    string         `json:"author,omitempty"`
	Overrides *bus.Overrides `json:"overrides,omitempty"`
}

// outboundFrame is one server → room broadcast.
type outboundFrame struct {
	Kind      string    `json:"kind"` // "message", "file", "notice", "history"
	Room      string    `json:"room"`
	Author    string    `json:"author,omitempty"`
	Content   string    `json:"content,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	IsBot     bool      `json:"is_bot,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Server hosts the room websocket endpoint and optional static assets.
type Server struct {
	cfg      config.HTTPConfig
	handler  channels.EventHandler
	mem      *memory.Memory
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[*client]struct{}

	httpServer *http.Server
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
	id   string
	name string
}

// NewServer creates the web room server. mem is read for transcript
// replay on connect and may be nil.
func NewServer(cfg config.HTTPConfig, handler channels.EventHandler, mem *memory.Memory) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		mem:     mem,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Room access control is out of scope; same-origin checks
			// would block local tooling.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[*client]struct{}),
	}
}

// Sender returns the outbound half for router registration under the
// "web" source.
func (s *Server) Sender() bus.Sender { return (*roomSender)(s) }

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.routes()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("web room server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("web room server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleWebSocket upgrades the connection and pumps room messages into
// the router until the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "missing room parameter", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	c := &client{conn: conn, id: uuid.NewString()}
	if name := r.URL.Query().Get("name"); name != "" {
		c.name = name
	} else {
		c.name = "guest-" + c.id[:8]
	}

	s.join(room, c)
	defer func() {
		s.leave(room, c)
		conn.Close()
	}()

	slog.Info("web client joined", "room", room, "client", c.id, "name", c.name)
	s.replayHistory(room, c)

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("web client read failed", "room", room, "client", c.id, "error", err)
			}
			return
		}
		if frame.Content == "" {
			continue
		}
		if frame.Author != "" {
			c.name = frame.Author
		}

		ev := bus.Event{
			Source:     "web",
			ChannelID:  room,
			AuthorID:   c.id,
			AuthorName: c.name,
			MessageID:  uuid.NewString(),
			Content:    frame.Content,
			CreatedAt:  time.Now().UTC(),
			// A room message is addressed to the assistant directly.
			IsMentioned: true,
			Web:         true,
			Overrides:   frame.Overrides,
		}

		// Echo the user turn so every client in the room sees it.
		s.broadcast(room, outboundFrame{
			Kind:      "message",
			Room:      room,
			Author:    c.name,
			Content:   frame.Content,
			CreatedAt: ev.CreatedAt,
		})

		go func(ev bus.Event) {
			if err := s.handler.HandleEvent(context.Background(), ev); err != nil {
				slog.Error("web event handling failed", "room", room, "error", err)
			}
		}(ev)
	}
}

// replayHistory sends the remembered room transcript to a new client.
func (s *Server) replayHistory(room string, c *client) {
	if s.mem == nil {
		return
	}
	for _, rec := range s.mem.Recent(room, 50) {
		frame := outboundFrame{
			Kind:      "history",
			Room:      room,
			Author:    rec.AuthorName,
			Content:   rec.Content,
			IsBot:     rec.IsBot,
			CreatedAt: rec.CreatedAt,
		}
		if err := c.write(frame); err != nil {
			return
		}
	}
}

func (s *Server) join(room string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[room] == nil {
		s.rooms[room] = make(map[*client]struct{})
	}
	s.rooms[room][c] = struct{}{}
}

func (s *Server) leave(room string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms[room], c)
	if len(s.rooms[room]) == 0 {
		delete(s.rooms, room)
	}
}

func (s *Server) broadcast(room string, frame outboundFrame) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.rooms[room]))
	for c := range s.rooms[room] {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.write(frame); err != nil {
			slog.Debug("web broadcast failed", "room", room, "client", c.id, "error", err)
		}
	}
}

func (c *client) write(frame outboundFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(frame)
}

// roomSender implements bus.Sender by broadcasting to the room.
type roomSender Server

func (rs *roomSender) server() *Server { return (*Server)(rs) }

func (rs *roomSender) SendText(_ context.Context, channelID, text, _ string) (*bus.Sent, error) {
	now := time.Now().UTC()
	rs.server().broadcast(channelID, outboundFrame{
		Kind:      "message",
		Room:      channelID,
		Author:    "assistant",
		Content:   text,
		IsBot:     true,
		CreatedAt: now,
	})
	return &bus.Sent{
		MessageID:  uuid.NewString(),
		AuthorID:   "assistant",
		AuthorName: "assistant",
		CreatedAt:  now,
	}, nil
}

func (rs *roomSender) SendFile(_ context.Context, channelID, notice, filename string, data []byte, _ string) (*bus.Sent, error) {
	now := time.Now().UTC()
	rs.server().broadcast(channelID, outboundFrame{
		Kind:      "file",
		Room:      channelID,
		Author:    "assistant",
		Content:   notice,
		Filename:  filename,
		Data:      data,
		IsBot:     true,
		CreatedAt: now,
	})
	return &bus.Sent{
		MessageID:  uuid.NewString(),
		AuthorID:   "assistant",
		AuthorName: "assistant",
		CreatedAt:  now,
	}, nil
}

func (rs *roomSender) SendEphemeral(_ context.Context, channelID, text string, _ time.Duration) error {
	rs.server().broadcast(channelID, outboundFrame{
		Kind:      "notice",
		Room:      channelID,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}
