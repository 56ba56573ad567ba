package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"nhooyr.io/websocket"

	"linak-desk/internal/desk"
)

const (
	wsSendBuffer     = 64
	wsBroadcastQueue = 256
	wsWriteTimeout   = 10 * time.Second
)

// WSHub fans desk events out to WebSocket clients. Only Run closes a
// client's send channel, so sends never race a close.
type WSHub struct {
	clients *xsync.MapOf[*wsClient, struct{}]
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	events     chan desk.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// types limits delivery to these event types; nil means all.
	types map[string]bool
}

func (c *wsClient) wants(eventType string) bool {
	return c.types == nil || c.types[eventType]
}

// parseEventTypes reads a comma separated ?types= filter.
func parseEventTypes(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	types := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}
	if len(types) == 0 {
		return nil
	}
	return types
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    xsync.NewMapOf[*wsClient, struct{}](),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan desk.Event, wsBroadcastQueue),
		done:       make(chan struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int { return h.clients.Size() }

// Run delivers queued events until Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.clients.Range(func(c *wsClient, _ struct{}) bool {
				h.drop(c)
				return true
			})
			return

		case c := <-h.register:
			h.clients.Store(c, struct{}{})
			h.logger.Debug("ws client connected", "total", h.clients.Size())

		case c := <-h.unregister:
			h.drop(c)
			h.logger.Debug("ws client disconnected", "total", h.clients.Size())

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *WSHub) deliver(ev desk.Event) {
	var data []byte
	h.clients.Range(func(c *wsClient, _ struct{}) bool {
		if !c.wants(ev.Type) {
			return true
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(ev); err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				return false
			}
		}
		select {
		case c.send <- data:
		default:
			h.drop(c)
			h.logger.Warn("ws client evicted (too slow)")
		}
		return true
	})
}

func (h *WSHub) drop(c *wsClient) {
	if _, ok := h.clients.LoadAndDelete(c); ok {
		close(c.send)
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues ev for every interested client. It never blocks; when
// the queue is full the event is dropped.
func (h *WSHub) Broadcast(ev desk.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("ws event queue full, dropping", "type", ev.Type)
	}
}

// snapshotEvent is the first message on a new stream.
func snapshotEvent(s desk.State) map[string]interface{} {
	return map[string]interface{}{"type": "snapshot", "data": s}
}

// handleWS streams desk events. ?types=a,b restricts the stream to those
// event types; the initial snapshot is always sent.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
		types: parseEventTypes(r.URL.Query().Get("types")),
	}
	if data, err := json.Marshal(snapshotEvent(s.desk.State())); err == nil {
		client.send <- data
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump discards client messages until the connection or hub closes.
func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
