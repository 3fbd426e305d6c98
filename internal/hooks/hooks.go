// Package hooks implements the Hook Pipeline (C4): two ordered phases,
// pre(ctx, command) -> wrapped_command and post(ctx, outcome) -> void, that
// wrap each execute call to enforce an execution environment and record
// timing samples (spec.md §4.4).
package hooks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/execd/internal/common/logger"
)

// MarkerEnvVar is the documented env var name a wrapped program can echo
// back for authenticity verification (spec.md §6).
const MarkerEnvVar = "EXECD_MARKER_TOKEN"

// Context carries what pre-hooks are allowed to mutate: the environment and
// the wrapped command string. Hooks are pure with respect to the Execution
// object itself (spec.md §4.4) — they never see or touch it directly.
type Context struct {
	Command        string
	WrappedCommand string
	Cwd            string
	Env            map[string]string
	MarkerToken    string
}

// Outcome is what a post-hook observes after the process is reaped.
type Outcome struct {
	ExitCode    int
	Reason      string
	WallTime    time.Duration
	StdoutBytes int64
	StderrBytes int64
	MarkerToken string
	StdoutTail  []byte // last bytes of stdout captured for echo verification
}

// PreHook inspects/rewrites ctx; a non-nil error vetoes the execution.
type PreHook interface {
	Name() string
	Pre(ctx context.Context, hctx *Context) error
}

// PostHook observes the outcome; its error is logged, never surfaces to the
// caller and never changes the Execution's outcome (spec.md §4.4/§7).
type PostHook interface {
	Name() string
	Post(ctx context.Context, hctx *Context, outcome Outcome) error
}

// ErrVetoed is wrapped by Pipeline.RunPre when a pre-hook vetoes; callers
// translate this into the Execution terminal reason precheck_failed.
type ErrVetoed struct {
	HookName string
	Cause    error
}

func (e *ErrVetoed) Error() string {
	return fmt.Sprintf("hooks: %s vetoed execution: %v", e.HookName, e.Cause)
}

func (e *ErrVetoed) Unwrap() error { return e.Cause }

// ErrBudgetExceeded is returned when the aggregate pre-hook wall time
// exceeds PREHOOK_BUDGET_MS; treated identically to a veto (spec.md §4.4).
type ErrBudgetExceeded struct {
	BudgetMS int64
	ElapsedMS int64
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("hooks: pre-hook budget exceeded: %dms > %dms budget", e.ElapsedMS, e.BudgetMS)
}

// Pipeline runs an ordered list of pre-hooks then, post-execution, an
// ordered list of post-hooks.
type Pipeline struct {
	pre          []PreHook
	post         []PostHook
	budget       time.Duration
	log          *logger.Logger
}

func NewPipeline(pre []PreHook, post []PostHook, budget time.Duration, log *logger.Logger) *Pipeline {
	return &Pipeline{pre: pre, post: post, budget: budget, log: log}
}

// RunPre executes the pre-hooks sequentially, each seeing the previous
// hook's wrapped command, stopping at the first veto or once the aggregate
// budget is exceeded.
func (p *Pipeline) RunPre(ctx context.Context, command, cwd string, env map[string]string) (*Context, error) {
	hctx := &Context{
		Command:        command,
		WrappedCommand: command,
		Cwd:            cwd,
		Env:            copyEnv(env),
		MarkerToken:    uuid.NewString(),
	}
	if hctx.Env == nil {
		hctx.Env = make(map[string]string)
	}
	hctx.Env[MarkerEnvVar] = hctx.MarkerToken

	start := time.Now()
	for _, h := range p.pre {
		if p.budget > 0 && time.Since(start) > p.budget {
			return nil, &ErrBudgetExceeded{
				BudgetMS:  p.budget.Milliseconds(),
				ElapsedMS: time.Since(start).Milliseconds(),
			}
		}
		if err := h.Pre(ctx, hctx); err != nil {
			return nil, &ErrVetoed{HookName: h.Name(), Cause: err}
		}
	}
	if p.budget > 0 && time.Since(start) > p.budget {
		return nil, &ErrBudgetExceeded{
			BudgetMS:  p.budget.Milliseconds(),
			ElapsedMS: time.Since(start).Milliseconds(),
		}
	}
	return hctx, nil
}

// RunPost executes post-hooks unconditionally, swallowing individual
// failures (logged, never propagated) per spec.md §4.4/§7.
func (p *Pipeline) RunPost(ctx context.Context, hctx *Context, outcome Outcome) {
	for _, h := range p.post {
		if err := h.Post(ctx, hctx, outcome); err != nil && p.log != nil {
			p.log.Warn("post-hook failed", zap.String("hook", h.Name()), zap.Error(err))
		}
	}
}

func copyEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
