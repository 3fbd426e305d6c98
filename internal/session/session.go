// Package session implements the Session Manager (C5): accept/reject new
// sessions, route frames for a session, and enforce the global MAX_SESSIONS
// cap and the per-session one-Running-Execution rule (spec.md §4.5).
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/execd/internal/common/logger"
	"github.com/kandev/execd/internal/execution"
)

// State is a Session's own lifecycle, separate from its Execution's.
type State string

const (
	StateActive   State = "active"
	StateDraining State = "draining"
	StateClosed   State = "closed"
)

var (
	// ErrOverCapacity is returned by Manager.Accept when MAX_SESSIONS is
	// already reached.
	ErrOverCapacity = errors.New("session: over MAX_SESSIONS capacity")
	// ErrBusy mirrors the busy error of spec.md §4.5/§7: a second execute
	// while the session already has a Running execution.
	ErrBusy = errors.New("session: busy")
	// ErrUnknownSession is returned when routing to a session id the
	// Manager has never accepted or has already closed.
	ErrUnknownSession = errors.New("session: unknown session")
)

// Notifier delivers an outgoing JSON-RPC notification for a session,
// implemented by the rpcserver's per-connection write pump. Send must
// preserve total order on the outgoing channel (spec.md §4.5).
type Notifier interface {
	Send(notification any) error
	Close() error
}

// Session is one accepted WebSocket connection's server-side state: at
// most one Execution at a time.
type Session struct {
	ID string

	mu    sync.Mutex
	state State
	exec  *execution.Execution

	notifier Notifier
}

func newSession(id string, notifier Notifier) *Session {
	return &Session{ID: id, state: StateActive, notifier: notifier}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Execution returns the session's current Execution, if any (nil once it
// has reached a terminal state and been cleared by EndExecution).
func (s *Session) Execution() *execution.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec
}

// BeginExecution installs e as the session's single in-flight Execution,
// enforcing spec.md §4.5's "at most one Running execution" rule. Returns
// ErrBusy if one is already in flight.
func (s *Session) BeginExecution(e *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fmt.Errorf("session: cannot start execution, session is %s", s.state)
	}
	if s.exec != nil && !s.exec.Status().IsTerminal() {
		return ErrBusy
	}
	s.exec = e
	return nil
}

// EndExecution clears the session's current Execution slot once it has
// reached a terminal state, freeing the session to accept a new execute.
func (s *Session) EndExecution() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec = nil
}

// Send delivers a notification on this session's outgoing channel.
func (s *Session) Send(notification any) error {
	s.mu.Lock()
	notifier := s.notifier
	s.mu.Unlock()
	if notifier == nil {
		return fmt.Errorf("session %s: no notifier attached", s.ID)
	}
	return notifier.Send(notification)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Manager is the process-wide Session registry enforcing MAX_SESSIONS.
type Manager struct {
	maxSessions int64
	count       atomic.Int64

	mu       sync.RWMutex
	sessions map[string]*Session

	log *logger.Logger
}

func NewManager(maxSessions int, log *logger.Logger) *Manager {
	return &Manager{
		maxSessions: int64(maxSessions),
		sessions:    make(map[string]*Session),
		log:         log,
	}
}

// Accept admits a new session if the global cap allows it, using an
// atomic CAS loop so concurrent accepts never overshoot MAX_SESSIONS
// (spec.md §5's "atomic counter with CAS on accept").
func (m *Manager) Accept(notifier Notifier) (*Session, error) {
	for {
		cur := m.count.Load()
		if cur >= m.maxSessions {
			return nil, ErrOverCapacity
		}
		if m.count.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	sess := newSession(uuid.NewString(), notifier)
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	if m.log != nil {
		m.log.Info("session accepted", zap.String("session_id", sess.ID), zap.Int64("active_sessions", m.count.Load()))
	}
	return sess, nil
}

// Get looks up an accepted session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return sess, nil
}

// Count reports the number of currently registered sessions (for the
// "Running executions across all sessions <= MAX_SESSIONS" invariant's
// weaker, always-available proxy: total sessions, which upper-bounds
// concurrently Running executions since each allows at most one).
func (m *Manager) Count() int64 {
	return m.count.Load()
}

// RunningCount reports how many sessions currently have a Running
// Execution, directly checking spec.md §8 invariant 6.
func (m *Manager) RunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if e := s.Execution(); e != nil && e.Status() == execution.StatusRunning {
			n++
		}
	}
	return n
}

// Disconnect transitions a session to Draining, invoking drain for any
// non-terminal Execution (the caller wires this to the Fault Controller
// per spec.md §4.5), then to Closed and releases its capacity slot.
func (m *Manager) Disconnect(id string, drain func(e *execution.Execution)) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.setState(StateDraining)
	if e := sess.Execution(); e != nil && !e.Status().IsTerminal() && drain != nil {
		drain(e)
	}
	sess.setState(StateClosed)
	_ = sess.notifier.Close()

	m.count.Add(-1)
	if m.log != nil {
		m.log.Info("session closed", zap.String("session_id", id), zap.Int64("active_sessions", m.count.Load()))
	}
}
