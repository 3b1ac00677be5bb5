package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentrun/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth happens via the bearer middleware; cross-origin browser
	// clients are expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// taskUpdateFrame is one websocket message: a post-commit task snapshot.
type taskUpdateFrame struct {
	Type string      `json:"type"`
	Task *store.Task `json:"task"`
}

// handleTaskStream upgrades to a websocket and pushes every state
// change of the task (and its subtasks, which share the listener feed
// via their parent updates) until the client disconnects.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.manager.GetTask(id) == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "task", id, "error", err)
		return
	}
	defer conn.Close()

	// Buffered so a slow client never blocks listener fan-out; overflow
	// drops intermediate snapshots, the final state still arrives.
	updates := make(chan *store.Task, 64)
	unsubscribe := s.manager.Subscribe(id, func(t *store.Task) {
		select {
		case updates <- t:
		default:
		}
	})
	defer unsubscribe()

	// Reader goroutine: we only care about disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	// Initial snapshot so the client does not wait for the first change.
	if t := s.manager.GetTask(id); t != nil {
		if !s.writeFrame(conn, t) {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case t := <-updates:
			if !s.writeFrame(conn, t) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, t *store.Task) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(taskUpdateFrame{Type: "task_update", Task: t}); err != nil {
		slog.Debug("websocket write failed", "task", t.ID, "error", err)
		return false
	}
	return true
}
