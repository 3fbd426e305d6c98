// Package process implements the executor's Stream Multiplexer (C1) and
// Process Supervisor (C2): spawning a command in its own process group,
// optionally under a PTY, tracking its state machine, and splitting its
// stdout/stderr into line-integral StreamChunks for a back-pressured sink.
package process

import "time"

// State is the Process Supervisor state machine from spec.md §4.2:
// Starting -> Running -> (Paused <-> Running) -> Terminating -> Reaped.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StatePaused
	StateTerminating
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateTerminating:
		return "terminating"
	case StateReaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// StreamTag identifies which child stream a chunk came from.
type StreamTag string

const (
	Stdout StreamTag = "stdout"
	Stderr StreamTag = "stderr"
)

// StreamChunk is the unit the Multiplexer emits, per spec.md §3/§4.1: a
// complete line, or a MAX_LINE boundary segment with Truncated set. Seq is
// strictly increasing and gap-free within one stream of one Execution.
type StreamChunk struct {
	Stream    StreamTag
	Data      []byte
	Seq       uint64
	Truncated bool
	At        time.Time
}

// SpawnOptions configures a single Spawn call, per spec.md §4.2's
// spawn(command, env, cwd, options) contract.
type SpawnOptions struct {
	// PTY runs the command attached to a pseudo-terminal master instead of
	// plain pipes (spec.md §9: only for commands that require a TTY).
	PTY bool
	// CombineStderr is not read by Spawn: when PTY is true, stderr always
	// shares the PTY master (Handle.Stderr returns nil), and a separate
	// stderr pipe under a PTY is not available.
	CombineStderr bool
	// NoProcessGroup opts out of placing the child in a new process group /
	// job object. The zero value (false) matches spec.md's documented
	// default of true; only tests that need to inspect a bare leaf process
	// should set this.
	NoProcessGroup bool
	Cwd          string
	Env          map[string]string
	// EnvDenylist strips inherited variables by name, applied after
	// overrides as required by spec.md §6.
	EnvDenylist []string
	Cols, Rows  int
}
