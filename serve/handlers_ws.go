package serve

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/labdock/labdock/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The REST API is already permissive for development; the log channel
	// matches it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogSocket upgrades the connection and runs one log-streaming
// session for the requested container identifier. The handler blocks for
// the session's lifetime; the session owns the connection from here on.
func (s *Server) handleLogSocket(w http.ResponseWriter, r *http.Request) {
	containerID := r.PathValue("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	spawn := func(ctx context.Context) (*engine.StreamHandle, error) {
		return s.manager.FollowLogs(ctx, containerID)
	}

	session := NewSession(conn, spawn, WithDeadline(s.cfg.SessionDeadline))
	s.track(session)

	slog.Info("log session opened", "session", session.ID, "container", containerID)
	session.Run(context.Background())
}
