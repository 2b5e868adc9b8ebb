package offline0

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 16
)

// hub tracks connected pages. It plays the role of the worker's client list:
// broadcasts reach every page and a waiting version may activate once the
// last page has gone.
type hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	onMessage func(c *wsClient, msgType string)
	onEmpty   func()
}

type wsClient struct {
	hub  *hub
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan Message
	closed bool
}

func newHub() *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: map[*wsClient]struct{}{},
	}
}

func (h *hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Notify broadcasts msg to every connected page. Slow pages whose buffer is
// full miss the message rather than stall the sender.
func (h *hub) Notify(_ context.Context, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.trySend(msg) {
			log.Printf("hub: client send buffer full, dropping %s", msg.Type)
		}
	}
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade: %v", err)
		return
	}
	c := &wsClient{hub: h, conn: conn, send: make(chan Message, wsSendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	wsClients.Set(float64(n))

	go c.writePump()
	go c.readPump()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	wsClients.Set(float64(n))
	if n == 0 && h.onEmpty != nil {
		h.onEmpty()
	}
}

// closeAll disconnects every page without firing onEmpty.
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = map[*wsClient]struct{}{}
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

// Reply sends msg to one page only.
func (c *wsClient) Reply(msg Message) {
	if !c.trySend(msg) {
		log.Printf("hub: client send buffer full, dropping %s reply", msg.Type)
	}
}

func (c *wsClient) trySend(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *wsClient) readPump() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("hub: read panic: %v", rec)
		}
		c.hub.remove(c)
		c.close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		typ, ok := parseClientMessage(data)
		if !ok {
			log.Printf("hub: ignoring message %q", truncate(data, 64))
			continue
		}
		if c.hub.onMessage != nil {
			c.hub.onMessage(c, typ)
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// parseClientMessage accepts either a bare JSON string ("skipWaiting") or an
// object with a type field ({"type":"skipWaiting"}).
func parseClientMessage(data []byte) (string, bool) {
	data = bytes.TrimSpace(data)
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, s != ""
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Type != "" {
		return obj.Type, true
	}
	if len(data) > 0 && data[0] != '{' && data[0] != '"' {
		return string(data), true
	}
	return "", false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
