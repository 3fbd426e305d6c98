// Package faultctl implements the Fault & Cleanup Controller (C8): the
// single idempotent teardown path triggered by cancel, timeout, idle
// timeout, sink error, or session disconnect (spec.md §4.8).
package faultctl

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/execd/internal/common/logger"
	"github.com/kandev/execd/internal/execution"
)

// Terminator is the subset of process.Handle the controller needs: signal
// the whole process group and wait for it to be reaped.
type Terminator interface {
	Terminate() error
	Kill() error
	Done() <-chan struct{}
	Wait() (exitCode int, err error)
}

// Drainer lets the controller wait for the Multiplexer to observe EOF on
// both streams before declaring the teardown complete, so a process.output
// notification can never arrive after process.completed.
type Drainer interface {
	Wait()
}

// Controller runs the five-step teardown of spec.md §4.8 exactly once per
// Execution, regardless of how many triggers fire concurrently.
type Controller struct {
	graceMS time.Duration
	log     *logger.Logger
}

func New(graceMS time.Duration, log *logger.Logger) *Controller {
	return &Controller{graceMS: graceMS, log: log}
}

// Teardown drives e into its terminal state for reason, signaling
// proc with SIGTERM then, after the grace window, SIGKILL, draining mx,
// and recording proc's actual exit code on e. It is safe to call from multiple
// goroutines racing on the same Execution: Execution.Transition's one-shot
// semantics collapse every race to a single terminal transition, and every
// caller still observes the real exit code once proc has been reaped.
func (c *Controller) Teardown(ctx context.Context, e *execution.Execution, proc Terminator, mx Drainer, reason execution.Reason) {
	status := execution.TerminalStatusFor(reason)
	e.SetCancelling()
	// Recorded before the signal goes out, so the natural-exit watcher racing
	// on the same Execution always sees it once the child actually dies.
	e.RequestReason(reason)

	if err := proc.Terminate(); err != nil && c.log != nil {
		c.log.Debug("terminate signal failed (process may already be gone)", zap.Error(err))
	}

	select {
	case <-proc.Done():
	case <-time.After(c.graceMS):
		if err := proc.Kill(); err != nil && c.log != nil {
			c.log.Debug("kill signal failed (process may already be gone)", zap.Error(err))
		}
		<-proc.Done()
	case <-ctx.Done():
		if err := proc.Kill(); err != nil && c.log != nil {
			c.log.Debug("kill signal failed after context cancellation", zap.Error(err))
		}
		<-proc.Done()
	}

	if mx != nil {
		mx.Wait()
	}

	exitCode, _ := proc.Wait()
	if e.Transition(status, exitCode, reason) && c.log != nil {
		c.log.Info("execution torn down",
			zap.String("reason", string(reason)),
			zap.Int("exit_code", exitCode))
	}
}

// Cancel is the user-initiated path (`control{action:"cancel"}`).
func (c *Controller) Cancel(ctx context.Context, e *execution.Execution, proc Terminator, mx Drainer) {
	c.Teardown(ctx, e, proc, mx, execution.ReasonCancelled)
}

// Timeout is the absolute-deadline path.
func (c *Controller) Timeout(ctx context.Context, e *execution.Execution, proc Terminator, mx Drainer) {
	c.Teardown(ctx, e, proc, mx, execution.ReasonTimeout)
}

// IdleTimeout is the idle-deadline path.
func (c *Controller) IdleTimeout(ctx context.Context, e *execution.Execution, proc Terminator, mx Drainer) {
	c.Teardown(ctx, e, proc, mx, execution.ReasonIdleTimeout)
}

// SinkError is the WS-write-failed path; the session is also closed by the
// caller (Session Manager), per spec.md §7's sink_error semantics.
func (c *Controller) SinkError(ctx context.Context, e *execution.Execution, proc Terminator, mx Drainer) {
	c.Teardown(ctx, e, proc, mx, execution.ReasonSinkError)
}

// Disconnect is the session-closed path, reusing Cancel's teardown shape —
// spec.md §4.5 routes disconnect through the same Fault Controller.
func (c *Controller) Disconnect(ctx context.Context, e *execution.Execution, proc Terminator, mx Drainer) {
	c.Teardown(ctx, e, proc, mx, execution.ReasonCancelled)
}
