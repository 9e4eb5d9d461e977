package serve

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labdock/labdock"
	"github.com/labdock/labdock/artifacts"
	"github.com/labdock/labdock/engine"
)

// Pinger probes container-engine liveness. *engine.DockerInspector
// satisfies it; a nil Pinger disables the health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server configuration.
type Config struct {
	Addr            string
	BaseDir         string
	SessionDeadline time.Duration
}

// Server is the HTTP server for the experiment API, the websocket log
// channel, and the static frontend.
type Server struct {
	registry *labdock.Registry
	manager  *engine.Manager
	packager *artifacts.Packager
	pinger   Pinger
	cfg      Config

	// Live log sessions, closed as the first step of shutdown so their
	// handlers unblock before the HTTP server drains.
	sessions  map[*Session]struct{}
	sessionMu sync.Mutex
}

// New creates a Server. Log sessions spawn their follow processes through
// the manager. pinger may be nil.
func New(registry *labdock.Registry, manager *engine.Manager, pinger Pinger, cfg Config) *Server {
	if cfg.SessionDeadline <= 0 {
		cfg.SessionDeadline = defaultSessionDeadline
	}
	return &Server{
		registry: registry,
		manager:  manager,
		packager: artifacts.NewPackager(cfg.BaseDir),
		pinger:   pinger,
		cfg:      cfg,
		sessions: make(map[*Session]struct{}),
	}
}

// Start registers routes and listens for HTTP requests. It blocks until
// ctx is cancelled, then drains log sessions and shuts the server down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: corsMiddleware(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("labdock serve started", "addr", s.cfg.Addr, "experiments", s.registry.Len())
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down server")
	case err := <-errCh:
		return err
	}

	// Drain sessions first: each one stops its log-follow process and
	// releases its connection, unblocking the websocket handlers so the
	// HTTP server can drain cleanly.
	s.closeSessions()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	return nil
}

// registerRoutes adds all API, websocket, and frontend routes to the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /experiments", s.handleListExperiments)
	mux.HandleFunc("POST /build", s.handleBuild)
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("POST /remove", s.handleRemove)
	mux.HandleFunc("GET /artifacts/{name}", s.handleArtifacts)
	mux.HandleFunc("GET /status/{name}", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /ws/logs/container/{id}", s.handleLogSocket)

	mux.HandleFunc("GET /{$}", s.handleIndexRedirect)
	mux.HandleFunc("GET /logs", s.handleLogsPage)
	mux.Handle("GET /static/", http.StripPrefix("/static/", staticHandler()))
}

// track registers a live session and removes it once it closes.
func (s *Server) track(session *Session) {
	s.sessionMu.Lock()
	s.sessions[session] = struct{}{}
	s.sessionMu.Unlock()

	go func() {
		<-session.Done()
		s.sessionMu.Lock()
		delete(s.sessions, session)
		s.sessionMu.Unlock()
	}()
}

// closeSessions drains every live session and waits for each to close.
func (s *Server) closeSessions() {
	s.sessionMu.Lock()
	live := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		live = append(live, session)
	}
	s.sessionMu.Unlock()

	for _, session := range live {
		session.drain()
		<-session.Done()
	}
}

// corsMiddleware adds permissive CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
