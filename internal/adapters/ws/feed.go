// Package ws streams presence activity to connected viewers over
// websockets. Slow consumers get frames dropped, never block the hub.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Nearby/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type feedConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *feedConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *feedConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// viewerInfo is one attached feed: who is watching and which actors they
// follow. The social graph lives outside the engine, so the client
// declares it when attaching.
type viewerInfo struct {
	id    domain.UserID
	graph map[domain.UserID]struct{}
}

func (v viewerInfo) follows(actor domain.UserID) bool {
	_, ok := v.graph[actor]
	return ok
}

// FeedHub fans activity entries out to the viewers whose graph contains
// the actor. It implements app.ActivitySink.
type FeedHub struct {
	mu    sync.RWMutex
	conns map[*feedConn]viewerInfo
}

func NewFeedHub() *FeedHub {
	return &FeedHub{conns: make(map[*feedConn]viewerInfo)}
}

// Publish pushes one entry to the viewers following the actor. Ghost
// suppression happens at emit time in the vault; anything arriving here
// is deliverable, subject only to the per-viewer graph.
func (h *FeedHub) Publish(e *domain.ActivityEntry) {
	b, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("module", "ws.feed").Msg("marshal activity")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c, viewer := range h.conns {
		if viewer.id == e.Actor || !viewer.follows(e.Actor) {
			continue
		}
		if err := c.TrySend(b); err != nil {
			log.Debug().Str("module", "ws.feed").Str("viewer", string(viewer.id)).Msg("dropped activity frame")
		}
	}
}

func parseGraph(raw string) map[domain.UserID]struct{} {
	graph := make(map[domain.UserID]struct{})
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			graph[domain.UserID(part)] = struct{}{}
		}
	}
	return graph
}

// HandleActivity upgrades the request and keeps the connection until the
// client goes away. The graph query parameter carries the comma-separated
// actors this viewer follows; without it the feed stays silent.
func (h *FeedHub) HandleActivity(c *gin.Context) {
	viewer := viewerInfo{
		id:    domain.UserID(c.GetString("client_token")),
		graph: parseGraph(c.Query("graph")),
	}
	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws.feed").Msg("upgrade failed")
		return
	}
	fc := &feedConn{conn: wsConn, send: make(chan []byte, 32)}

	h.mu.Lock()
	h.conns[fc] = viewer
	h.mu.Unlock()
	log.Info().Str("module", "ws.feed").Str("viewer", string(viewer.id)).Msg("feed attached")

	go h.writePump(fc)
	h.readPump(fc)

	h.mu.Lock()
	delete(h.conns, fc)
	h.mu.Unlock()
	fc.Close()
	log.Info().Str("module", "ws.feed").Str("viewer", string(viewer.id)).Msg("feed detached")
}

func (h *FeedHub) writePump(c *feedConn) {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (h *FeedHub) readPump(c *feedConn) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
