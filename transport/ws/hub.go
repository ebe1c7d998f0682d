// Package ws carries live change events between the remote store server and
// subscribed agents over WebSocket. The Hub is the server side fan-out; the
// Feed is the client side subscription used by the sync engine's listener.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldsync/fieldsync"
	"github.com/fieldsync/fieldsync/entity"
	"github.com/fieldsync/fieldsync/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

// frame is the wire representation of one change event.
type frame struct {
	Type       string            `json:"type"`
	Collection entity.Collection `json:"collection"`
	Origin     string            `json:"origin"`
	Entity     json.RawMessage   `json:"entity,omitempty"`
	EntityID   string            `json:"entityId,omitempty"`
}

// filter is the per-connection subscription predicate, taken from the
// upgrade request's query parameters.
type filter struct {
	collection entity.Collection
	all        bool
	workerID   string
}

func (f filter) matches(c fieldsync.Change) bool {
	if c.Collection != f.collection {
		return false
	}
	if f.all || f.workerID == "" {
		return true
	}
	switch e := c.Entity.(type) {
	case *entity.Session:
		return e.WorkerID == f.workerID
	case *entity.LogEntry:
		return e.WorkerID == f.workerID
	default:
		return true
	}
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	filter filter
}

// Hub fans change events out to subscribed connections. One Hub serves all
// collections; each connection declares its collection and scope at upgrade
// time and only receives matching frames.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub returns a Hub ready to accept subscriber connections.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.WithComponent("ws-hub"),
		conns:  map[*conn]struct{}{},
	}
}

// ServeHTTP upgrades the request and registers the connection. Query
// parameters: collection (required), all, workerId.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	col := entity.Collection(r.URL.Query().Get("collection"))
	if !col.Valid() {
		http.Error(w, "unknown collection", http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &conn{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		filter: filter{
			collection: col,
			all:        r.URL.Query().Get("all") == "true",
			workerID:   r.URL.Query().Get("workerId"),
		},
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast delivers a change to every connection whose filter matches. Slow
// consumers are dropped rather than allowed to stall the hub.
func (h *Hub) Broadcast(change fieldsync.Change) {
	f := frame{
		Type:       string(change.Type),
		Collection: change.Collection,
		Origin:     change.Origin,
	}
	if change.Entity != nil {
		data, err := entity.Encode(change.Entity)
		if err != nil {
			h.logger.Warn("failed to encode change entity", slog.String("error", err.Error()))
			return
		}
		f.Entity = data
		f.EntityID = change.Entity.EntityID()
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if !c.filter.matches(change) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			go h.drop(c)
		}
	}
}

func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	h.mu.Unlock()
	close(c.send)
	c.ws.Close()
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound messages; its job is detecting the close.
func (h *Hub) readPump(c *conn) {
	defer h.drop(c)
	c.ws.SetReadLimit(1 << 20)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = map[*conn]struct{}{}
	h.mu.Unlock()

	for _, c := range conns {
		close(c.send)
		c.ws.Close()
	}
	return nil
}
