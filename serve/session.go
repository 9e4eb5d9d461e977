package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/labdock/labdock/engine"
)

// SessionState is a log-streaming session's lifecycle state.
type SessionState int32

const (
	// StateConnecting: channel accepted, log-follow process being spawned.
	StateConnecting SessionState = iota

	// StateActive: forwarding and liveness activities running.
	StateActive

	// StateDraining: stop raised, process terminating, forwarder exiting.
	StateDraining

	// StateClosed: channel closed. Terminal.
	StateClosed
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultSessionDeadline = 10 * time.Minute
	defaultStopGrace       = 2 * time.Second
	writeTimeout           = 10 * time.Second
)

var errSessionDraining = errors.New("session draining")

// Session bridges one log-follow process to one websocket connection. It
// owns both: when the session closes, the process has been reaped and the
// connection released, on every exit path.
//
// Output lines reach the connection in process order. Inbound messages are
// liveness probes only; their payload is ignored. The session ends when the
// process's output stream closes, the connection closes or errors, the
// wall-clock deadline elapses, or the owning server shuts down.
type Session struct {
	ID string

	conn     *websocket.Conn
	spawn    func(ctx context.Context) (*engine.StreamHandle, error)
	deadline time.Duration
	grace    time.Duration
	log      *slog.Logger

	state atomic.Int32

	handle *engine.StreamHandle

	// stop is closed when Draining begins. Every write checks it under
	// writeMu, so no frame is written once shutdown is signaled.
	stop     chan struct{}
	stopOnce sync.Once

	writeMu sync.Mutex

	fwdDone    chan struct{}
	clientGone chan struct{}
	goneOnce   sync.Once

	closeOnce sync.Once
	done      chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithDeadline overrides the fixed session deadline.
func WithDeadline(d time.Duration) SessionOption {
	return func(s *Session) { s.deadline = d }
}

// WithStopGrace overrides the SIGTERM-to-SIGKILL window used while
// draining.
func WithStopGrace(d time.Duration) SessionOption {
	return func(s *Session) { s.grace = d }
}

// NewSession creates a session in the Connecting state. spawn starts the
// log-follow process; it runs once, inside Run.
func NewSession(conn *websocket.Conn, spawn func(ctx context.Context) (*engine.StreamHandle, error), opts ...SessionOption) *Session {
	s := &Session{
		ID:         uuid.New().String()[:8],
		conn:       conn,
		spawn:      spawn,
		deadline:   defaultSessionDeadline,
		grace:      defaultStopGrace,
		stop:       make(chan struct{}),
		fwdDone:    make(chan struct{}),
		clientGone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = slog.With("session", s.ID)
	return s
}

// State returns the session's current state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run drives the session to completion. It blocks until the state machine
// reaches Closed and releases the process and the connection before
// returning. ctx cancellation (server shutdown) is one of the four
// draining triggers.
func (s *Session) Run(ctx context.Context) {
	handle, err := s.spawn(ctx)
	if err != nil {
		// Connecting → Closed: report the spawn error if the channel is
		// still up, then release it.
		s.log.Error("log process spawn failed", "error", err)
		s.writeLine(fmt.Sprintf("[server] cannot follow logs: %v", err))
		s.closeConn()
		return
	}
	s.handle = handle
	s.state.Store(int32(StateActive))
	s.log.Info("log session active", "deadline", s.deadline)

	// Forwarding activity: process output → connection, in order, each
	// line at most once.
	go s.forward()

	// Liveness activity: consume inbound frames so connection loss is
	// observed promptly. Payloads are deliberately discarded.
	go s.consumeClient()

	// The deadline is absolute from Active entry; activity does not
	// reset it.
	timer := time.NewTimer(s.deadline)
	defer timer.Stop()

	select {
	case <-timer.C:
		s.log.Info("session deadline elapsed")
		s.drainWithNotice(fmt.Sprintf("[server] session timeout after %s", formatDeadline(s.deadline)))
	case <-s.clientGone:
		s.log.Info("client disconnected")
		s.drain()
	case <-s.fwdDone:
		s.log.Info("log stream ended")
		s.drain()
	case <-ctx.Done():
		s.log.Info("server shutting down")
		s.drain()
	}
}

// forward reads merged process output incrementally and writes each line to
// the connection as it becomes available.
func (s *Session) forward() {
	defer close(s.fwdDone)
	for {
		select {
		case <-s.stop:
			return
		case line, ok := <-s.handle.Lines():
			if !ok {
				return
			}
			if err := s.writeLine(line); err != nil {
				return
			}
		}
	}
}

// consumeClient reads inbound frames until the connection breaks.
func (s *Session) consumeClient() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.goneOnce.Do(func() { close(s.clientGone) })
			return
		}
	}
}

// writeLine writes one text frame. It refuses to write once Draining has
// begun: the stop check and the write happen under the same mutex, so no
// frame can race the connection close.
func (s *Session) writeLine(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.stop:
		return errSessionDraining
	default:
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// drain raises the stop signal, terminates the process, waits for the
// forwarder to observe the signal and exit, and only then releases the
// connection. Safe to call from any goroutine, any number of times.
func (s *Session) drain() {
	s.drainWithNotice("")
}

// drainWithNotice drains the session, emitting notice as the last frame
// before the channel closes. The stop signal is raised before the notice
// is written, so no forwarded line can follow it.
func (s *Session) drainWithNotice(notice string) {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateDraining))
		close(s.stop)

		if notice != "" {
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			s.conn.WriteMessage(websocket.TextMessage, []byte(notice))
			s.writeMu.Unlock()
		}

		if s.handle != nil {
			s.handle.Stop(s.grace)
			// Drain remaining buffered lines so the reader goroutine in
			// the stream handle can finish; they are discarded, never
			// written.
			for range s.handle.Lines() {
			}
			s.handle.Wait()
		}

		<-s.fwdDone
		s.closeConn()
	})
}

// closeConn closes the connection exactly once. A second close is a no-op,
// never an observable error.
func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.conn.Close()
		s.state.Store(int32(StateClosed))
		close(s.done)
		s.log.Info("session closed")
	})
}

// formatDeadline renders the deadline the way the timeout notice expects:
// whole minutes read as "N minutes", anything else as the duration string.
func formatDeadline(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}
