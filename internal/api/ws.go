package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait is the timeout for sending one frame to a WebSocket client,
// bounding how long a slow client can hold the connection's write lock.
const writeWait = 5 * time.Second

// pingInterval keeps idle connections (no frames for the subscriber's
// filtered stream) from being reaped by intermediate proxies.
const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard and fleetd are typically served from the same origin
	// behind a reverse proxy; origin checks are left to that proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamFrames upgrades the connection to a WebSocket and forwards every
// Hub frame matching the optional stream_id filter until the client
// disconnects, a write fails, the request ends, or the Hub closes the
// subscriber (reported to the client with close code 1008).
func (s *Server) streamFrames(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("stream_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger().Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.deps.Hub.Subscribe(filter)
	defer cancel()

	// Drain and discard anything the client sends; only its close/error
	// on this goroutine signals disconnect.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				// The Hub closed this subscriber for falling too far behind.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
