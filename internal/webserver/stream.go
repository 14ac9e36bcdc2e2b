package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/agent-mascot/internal/broadcast"
	"github.com/zsprackett/agent-mascot/internal/events"
	"github.com/zsprackett/agent-mascot/internal/ingest"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	// Viewers are authorized by token, not origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribe resolves the viewer's topic and subscribes before any response
// is written, so nothing published after the handshake is missed.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) (*broadcast.Subscription, bool) {
	_, topic, err := s.auth.Resolve(requestToken(r))
	if errors.Is(err, ingest.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "Invalid session token")
		return nil, false
	}
	if err != nil {
		s.logger.Error("stream: resolve viewer", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return s.router.Subscribe(topic), true
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", 500)
		return
	}
	sub, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			writeSSE(w, flusher, e)
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, f http.Flusher, e events.Event) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

type wsClient struct {
	conn      *websocket.Conn
	sub       *broadcast.Subscription
	keepalive time.Duration
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn, sub: sub, keepalive: s.keepalive}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.readPump(cancel)
	c.writePump(ctx)
}

// readPump discards inbound messages and cancels once the peer goes away.
func (c *wsClient) readPump(cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case e, ok := <-c.sub.C():
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
