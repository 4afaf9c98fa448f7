// Package clients tracks the dashboard pages connected to the worker over
// websockets, so the worker can claim, message, focus and open them.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"momay/internal/logging"
)

var ErrUnknownClient = errors.New("clients: unknown client")

const sendBuffer = 16

// Message is the JSON envelope exchanged with pages.
type Message struct {
	Type       string `json:"type"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	Generation string `json:"generation,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

// Info describes one connected page.
type Info struct {
	ID        string
	URL       string
	Connected time.Time
}

// Client is one connected page. Send is drained by the websocket writer.
type Client struct {
	ID        string
	URL       string
	Connected time.Time
	Send      chan []byte
}

// Handler receives messages that pages send to the worker.
type Handler func(ctx context.Context, c *Client, msg Message)

type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	handler Handler

	upgrader websocket.Upgrader
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:     logging.OrNop(log),
		clients: map[string]*Client{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// OnMessage installs the handler for page-originated messages.
func (h *Hub) OnMessage(fn Handler) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

// Register adds a page located at url and returns it.
func (h *Hub) Register(url string) *Client {
	c := &Client{
		ID:        ulid.Make().String(),
		URL:       url,
		Connected: time.Now(),
		Send:      make(chan []byte, sendBuffer),
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.log.Debug("client registered", zap.String("id", c.ID), zap.String("url", url))
	return c
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.Send)
	}
	h.mu.Unlock()
	h.log.Debug("client unregistered", zap.String("id", c.ID))
}

// MatchAll lists connected pages, oldest first.
func (h *Hub) MatchAll() []Info {
	h.mu.RLock()
	out := make([]Info, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, Info{ID: c.ID, URL: c.URL, Connected: c.Connected})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PostMessage queues msg for one page.
func (h *Hub) PostMessage(id string, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	h.trySend(c, b)
	return nil
}

// Broadcast queues msg for every page and returns how many were reached.
// A page whose buffer is full misses the message.
func (h *Hub) Broadcast(msg Message) int {
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("broadcast marshal", zap.String("type", msg.Type), zap.Error(err))
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if h.trySend(c, b) {
			n++
		}
	}
	return n
}

func (h *Hub) trySend(c *Client, b []byte) bool {
	select {
	case c.Send <- b:
		return true
	default:
		h.log.Warn("client buffer full, dropping message", zap.String("id", c.ID))
		return false
	}
}

func (h *Hub) Focus(_ context.Context, id string) error {
	return h.PostMessage(id, Message{Type: "focus"})
}

// OpenWindow asks a connected page to open url. With no page connected the
// request is only logged.
func (h *Hub) OpenWindow(_ context.Context, url string) error {
	if h.Broadcast(Message{Type: "openWindow", URL: url}) == 0 {
		h.log.Info("openWindow with no connected page", zap.String("url", url))
	}
	return nil
}

// ShowNotification forwards a host notification to every page.
func (h *Hub) ShowNotification(_ context.Context, title string, options any) error {
	h.Broadcast(Message{Type: "notification", Title: title, Payload: options})
	return nil
}

// ServeHTTP upgrades the request to a websocket. The page reports its own
// location in the "url" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = r.Referer()
	}
	c := h.Register(pageURL)

	go h.writePump(conn, c)
	h.readPump(r.Context(), conn, c)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, c *Client) {
	defer func() {
		h.Unregister(c)
		_ = conn.Close()
	}()
	conn.SetReadLimit(64 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read", zap.String("id", c.ID), zap.Error(err))
			}
			return
		}
		h.mu.RLock()
		fn := h.handler
		h.mu.RUnlock()
		if fn != nil {
			fn(ctx, c, msg)
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case b, ok := <-c.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
