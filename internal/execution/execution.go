// Package execution defines the Execution entity from spec.md §3: one
// execute call and its lifecycle from Starting to a single terminal state,
// plus the error/reason taxonomy shared by the Session Manager, Process
// Supervisor, Hook Pipeline, and Fault Controller.
package execution

import (
	"sync"
	"time"
)

// Status is the Execution state machine: Starting, Running, Paused,
// Cancelling, Completed, Failed, TimedOut (spec.md §3).
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
)

// IsTerminal reports whether status is one the Execution cannot leave.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// TerminalStatusFor maps a teardown Reason to the terminal Status it
// produces, per spec.md §7. Shared by the Fault Controller and the
// natural-exit watcher so both sides of a cancel/exit race agree on the
// same (status, reason) pair regardless of which one wins Transition.
func TerminalStatusFor(reason Reason) Status {
	switch reason {
	case ReasonTimeout, ReasonIdleTimeout:
		return StatusTimedOut
	case ReasonOK:
		return StatusCompleted
	default:
		return StatusFailed
	}
}

// Reason is the error/outcome taxonomy of spec.md §7, carried as a plain
// string const rather than a Go error type so it crosses package and wire
// boundaries (JSON-RPC error codes, process.completed.reason) unchanged.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonCancelled      Reason = "cancelled"
	ReasonTimeout        Reason = "timeout"
	ReasonIdleTimeout    Reason = "idle_timeout"
	ReasonSpawnError     Reason = "spawn_error"
	ReasonSinkError      Reason = "sink_error"
	ReasonPrecheckFailed Reason = "precheck_failed"
	ReasonInvalidParams  Reason = "invalid_params"
	ReasonBusy           Reason = "busy"
	ReasonUnsupported    Reason = "unsupported"
	ReasonNotRunning     Reason = "not_running"
)

// ID identifies an Execution by (session_id, request_id), per spec.md §3.
type ID struct {
	SessionID string
	RequestID uint64
}

// Execution is the mutable record of one execute call. All transitions go
// through Transition, the single place that moves an Execution into a
// terminal state (spec.md §9's design note on replacing exceptions with a
// typed terminal reason).
type Execution struct {
	ID ID

	Command        string
	WrappedCommand string
	Cwd            string
	EnvOverrides   map[string]string

	Pid  int
	Pgid int

	StartedAt        time.Time
	AbsoluteDeadline time.Time
	IdleDeadline     time.Time

	mu              sync.Mutex
	status          Status
	exitCode        int
	reason          Reason
	requestedReason Reason
	stdoutBytes     int64
	stderrBytes     int64
	stdoutTail      []byte
	terminated      bool
}

// stdoutTailMax bounds the trailing stdout window kept for marker-echo
// verification (internal/hooks.VerifyMarkerEcho); large enough to hold a
// wrapped command's closing marker line plus some shell noise around it.
const stdoutTailMax = 4096

// New creates an Execution in StatusStarting.
func New(id ID, command, cwd string, env map[string]string) *Execution {
	return &Execution{
		ID:           id,
		Command:      command,
		Cwd:          cwd,
		EnvOverrides: env,
		StartedAt:    time.Now().UTC(),
		status:       StatusStarting,
	}
}

// Status returns the current state under lock.
func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// SetRunning marks the Execution Running with the spawned process's pid/pgid
// and computed deadlines; a no-op once the Execution is already terminal.
func (e *Execution) SetRunning(pid, pgid int, absoluteDeadline, idleDeadline time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return false
	}
	e.Pid, e.Pgid = pid, pgid
	e.AbsoluteDeadline, e.IdleDeadline = absoluteDeadline, idleDeadline
	e.status = StatusRunning
	return true
}

// SetPaused/SetCancelling update non-terminal intermediate states; both are
// no-ops once terminal, matching the idempotency requirement of spec.md §8
// property 8 (a second cancel cannot re-open a closed Execution).
func (e *Execution) SetPaused(paused bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return false
	}
	if paused {
		e.status = StatusPaused
	} else {
		e.status = StatusRunning
	}
	return true
}

func (e *Execution) SetCancelling() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return false
	}
	e.status = StatusCancelling
	return true
}

// RequestReason records the reason a concurrent teardown trigger (cancel,
// timeout, disconnect) intends to terminate this Execution with, first-call
// wins. The natural-exit watcher consults RequestedReason before defaulting
// to ReasonOK, so whichever goroutine's Transition actually lands, both
// sides agree on the outcome (spec.md §9: exactly one place moves an
// Execution into a terminal state, even when two goroutines race to get
// there).
func (e *Execution) RequestReason(reason Reason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.requestedReason == "" {
		e.requestedReason = reason
	}
}

// RequestedReason returns the reason recorded by RequestReason, or "" if no
// teardown has been requested yet.
func (e *Execution) RequestedReason() Reason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestedReason
}

// AddBytes accumulates per-stream byte counters and resets the idle
// deadline, per spec.md §5 ("idle deadline ... reset on any byte read").
func (e *Execution) AddBytes(stream string, n int, idleWindow time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return
	}
	switch stream {
	case "stdout":
		e.stdoutBytes += int64(n)
	case "stderr":
		e.stderrBytes += int64(n)
	}
	if idleWindow > 0 {
		e.IdleDeadline = time.Now().Add(idleWindow)
	}
}

// AppendStdoutTail feeds the raw bytes of one stdout chunk into a bounded
// trailing window, keeping only the last stdoutTailMax bytes seen. Used to
// verify the wrapped command's marker token was actually echoed back
// (internal/hooks.MarkerEchoed).
func (e *Execution) AppendStdoutTail(p []byte) {
	if len(p) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stdoutTail = append(e.stdoutTail, p...)
	if over := len(e.stdoutTail) - stdoutTailMax; over > 0 {
		e.stdoutTail = e.stdoutTail[over:]
	}
}

// StdoutTail returns a copy of the trailing stdout window accumulated so far.
func (e *Execution) StdoutTail() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]byte, len(e.stdoutTail))
	copy(out, e.stdoutTail)
	return out
}

// Transition moves the Execution into a terminal status exactly once. Later
// calls are ignored and report ok=false, giving callers (Fault Controller,
// natural-exit path, sink-error path) a race-free single terminal
// transition regardless of which trigger fires first (spec.md §4.8
// idempotency).
func (e *Execution) Transition(status Status, exitCode int, reason Reason) (ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return false
	}
	if !status.IsTerminal() {
		e.status = status
		return true
	}
	e.status = status
	e.exitCode = exitCode
	e.reason = reason
	e.terminated = true
	return true
}

// Snapshot is an immutable view of the Execution's current fields, safe to
// hand to the Frontend for building a process.completed notification.
type Snapshot struct {
	Status      Status
	ExitCode    int
	Reason      Reason
	StdoutBytes int64
	StderrBytes int64
	WallTime    time.Duration
}

func (e *Execution) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Status:      e.status,
		ExitCode:    e.exitCode,
		Reason:      e.reason,
		StdoutBytes: e.stdoutBytes,
		StderrBytes: e.stderrBytes,
		WallTime:    time.Since(e.StartedAt),
	}
}
