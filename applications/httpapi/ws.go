package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hearth-os/hearth/system/bus"
)

// upgrader accepts same-origin and CLI/dashboard clients; the control plane
// sits behind the household's own network, so no origin allowlist beyond
// the bearer-token auth already enforced by authMiddleware is required.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEventsStream upgrades to a WebSocket and forwards every event
// published on every topic this connection subscribes as "ws-<uuid>",
// satisfying §6's "streaming subscription (WebSocket)" surface.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.Component("httpapi").WithField("error", err).Warn("websocket upgrade failed")
		}
		return
	}
	defer conn.Close()

	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		topics = []string{"system.health", "task.created", "task.completed",
			"approval.required", "approval.resolved", "incident.opened",
			"scheduler.tick", "policy.decision"}
	}

	out := make(chan bus.Event, 64)
	name := "ws-" + uuid.NewString()
	for _, topic := range topics {
		s.bus.Subscribe(name, topic, bus.PriorityLow, func(_ context.Context, ev bus.Event) error {
			select {
			case out <- ev:
			default:
			}
			return nil
		})
	}
	defer s.bus.Unsubscribe(name)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	go s.wsReadPump(conn)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case ev := <-out:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsReadPump drains and discards client frames (pings/close), keeping the
// connection's read deadline alive so a dead client is detected promptly.
func (s *Server) wsReadPump(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
