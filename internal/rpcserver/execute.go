package rpcserver

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/execd/internal/backpressure"
	"github.com/kandev/execd/internal/common/stringutil"
	"github.com/kandev/execd/internal/estimator"
	"github.com/kandev/execd/internal/execution"
	"github.com/kandev/execd/internal/hooks"
	"github.com/kandev/execd/internal/process"
	"github.com/kandev/execd/pkg/jsonrpc"
)

// handleExecute implements the "execute" method end to end: run the pre-hook
// chain, estimate a timeout, spawn the command, stream its output as
// process.output notifications, watch its deadlines, and on exit (natural
// or forced) run the post-hook chain and emit process.completed
// (spec.md §4.2-§4.4, §4.6).
func (c *Client) handleExecute(ctx context.Context, req *jsonrpc.Request) {
	var params ExecuteParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, "invalid execute params: "+err.Error(), nil)
		return
	}
	if params.Command == "" && !params.PTY {
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, "command is required", nil)
		return
	}

	requestID := c.reqID.Add(1)
	execID := execution.ID{SessionID: c.sess.ID, RequestID: requestID}
	e := execution.New(execID, params.Command, params.Cwd, params.Env)

	if err := c.sess.BeginExecution(e); err != nil {
		c.replyError(req.ID, jsonrpc.CodeBusy, err.Error(), nil)
		return
	}

	pipeline := c.deps.Hooks.Pipeline()
	hctx, err := pipeline.RunPre(ctx, params.Command, params.Cwd, params.Env)
	if err != nil {
		c.sess.EndExecution()
		e.Transition(execution.StatusFailed, -1, execution.ReasonPrecheckFailed)
		c.replyError(req.ID, jsonrpc.CodePrecheckFailed, err.Error(), nil)
		return
	}

	est, estErr := c.deps.Estimator.Estimate(ctx, estimator.Fingerprint(params.Command), estimator.Hints{
		Category:   params.Category,
		CommandLen: len(params.Command),
	})
	if estErr != nil {
		// The estimator degrades to a heuristic internally; a Store error
		// here means even that failed, so fall back to policy defaults
		// rather than failing the whole execute call.
		c.log.Warn("estimate failed, using policy defaults", zap.Error(estErr))
		est = estimator.Estimate{
			AbsoluteS:  c.deps.Limits.MaxTimeoutS,
			IdleS:      c.deps.Limits.DefaultIdleS,
			Confidence: 0,
		}
	}
	absoluteS, idleS := est.AbsoluteS, est.IdleS
	if params.AbsoluteTimeoutS > 0 {
		absoluteS = params.AbsoluteTimeoutS
	}
	if params.IdleTimeoutS > 0 {
		idleS = params.IdleTimeoutS
	}

	spawnOpts := process.SpawnOptions{
		PTY:         params.PTY,
		Cwd:         hctx.Cwd,
		Env:         hctx.Env,
		EnvDenylist: c.deps.Limits.EnvDenylist,
		Cols:        params.Cols,
		Rows:        params.Rows,
	}

	execCtx, cancel := context.WithCancel(context.Background())
	handle, err := process.Spawn(execCtx, hctx.WrappedCommand, spawnOpts)
	if err != nil {
		cancel()
		c.sess.EndExecution()
		e.Transition(execution.StatusFailed, -1, execution.ReasonSpawnError)
		c.replyError(req.ID, jsonrpc.CodeSpawnError, err.Error(), nil)
		return
	}

	now := time.Now()
	absoluteDeadline := now.Add(time.Duration(absoluteS * float64(time.Second)))
	idleDeadline := now.Add(time.Duration(idleS * float64(time.Second)))
	e.SetRunning(handle.Pid(), handle.Pgid(), absoluteDeadline, idleDeadline)
	e.WrappedCommand = hctx.WrappedCommand

	mx := process.NewMultiplexer(c.deps.Limits.MaxLine, c.deps.Limits.StreamBufferBytes)
	go mx.Run(execCtx, handle)

	c.mu.Lock()
	c.execs[requestID] = &inflight{exec: e, handle: handle, mx: mx, cancel: cancel}
	c.mu.Unlock()

	c.reply(req.ID, ExecuteResult{
		RequestID:        requestID,
		Pid:              handle.Pid(),
		Pgid:             handle.Pgid(),
		AbsoluteDeadline: absoluteDeadline.Format(time.RFC3339Nano),
		IdleDeadline:     idleDeadline.Format(time.RFC3339Nano),
		EstimateS:        absoluteS,
		IdleS:            idleS,
		Confidence:       est.Confidence,
	})

	c.notify("process.started", requestID, processStartedPayload{
		RequestID:        requestID,
		Pid:              handle.Pid(),
		Pgid:             handle.Pgid(),
		StartedAt:        e.StartedAt.Format(time.RFC3339Nano),
		AbsoluteDeadline: absoluteDeadline.Format(time.RFC3339Nano),
		IdleDeadline:     idleDeadline.Format(time.RFC3339Nano),
	})

	idleWindow := time.Duration(idleS * float64(time.Second))
	go c.pumpStream(requestID, e, mx.Stdout(), "stdout", idleWindow)
	go c.pumpStream(requestID, e, mx.Stderr(), "stderr", idleWindow)

	go c.watchExecution(execCtx, cancel, requestID, e, handle, mx, hctx, pipeline)
}

// pumpStream drains one Multiplexer ring into process.output notifications,
// feeding every chunk's byte count back into the Execution's idle-deadline
// tracker (spec.md §5: "idle deadline is reset on any byte read").
//
// Before each Pull, it waits out SEND_HIGH_WATER: a slow WebSocket reader
// must not let either stream's ring grow unbounded, and both streams pause
// together (not just the one that is overflowing) so their relative order
// is still meaningful once reads resume (spec.md §4.1, §6).
func (c *Client) pumpStream(requestID uint64, e *execution.Execution, ring *backpressure.Ring[process.StreamChunk], streamName string, idleWindow time.Duration) {
	if ring == nil {
		return
	}
	for {
		for c.overSendHighWater() {
			select {
			case <-time.After(20 * time.Millisecond):
			case <-c.closed:
				return
			}
		}
		chunk, ok := ring.Pull()
		if !ok {
			return
		}
		e.AddBytes(streamName, len(chunk.Data), idleWindow)
		if streamName == "stdout" {
			e.AppendStdoutTail(chunk.Data)
		}

		data := string(chunk.Data)
		truncated := chunk.Truncated
		if max := c.deps.Limits.MaxOutputPayload; max > 0 && len(data) > max {
			data = stringutil.TruncateString(data, max)
			truncated = true
		}

		c.notify("process.output", requestID, processOutputPayload{
			RequestID: requestID,
			Stream:    streamName,
			Data:      data,
			Truncated: truncated,
			StreamSeq: chunk.Seq,
		})
	}
}

// watchExecution races the process's natural exit against the absolute and
// idle deadlines, and drives the Fault Controller whichever fires first; it
// then runs the post-hook chain, records a TimingRecord, and emits
// process.completed exactly once (spec.md §4.3/§4.4/§4.8).
func (c *Client) watchExecution(
	ctx context.Context,
	cancel context.CancelFunc,
	requestID uint64,
	e *execution.Execution,
	handle *process.Handle,
	mx *process.Multiplexer,
	hctx *hooks.Context,
	pipeline *hooks.Pipeline,
) {
	defer cancel()
	defer func() {
		c.mu.Lock()
		delete(c.execs, requestID)
		c.mu.Unlock()
		c.sess.EndExecution()
	}()

	idleTimer := time.NewTimer(time.Until(e.IdleDeadline))
	absTimer := time.NewTimer(time.Until(e.AbsoluteDeadline))
	defer idleTimer.Stop()
	defer absTimer.Stop()

loop:
	for {
		select {
		case <-handle.Done():
			code, _ := handle.Wait()
			mx.Wait()
			// A concurrent control{cancel} or session disconnect may have
			// already called faultctl.Teardown, which signals the child
			// (so handle.Done() fires here too) and records its reason via
			// RequestReason before Transition can race this branch. Honor
			// that reason instead of assuming a natural "ok" completion;
			// Transition itself is one-shot, so whichever branch reaches it
			// first still wins, but now both compute the same outcome.
			reason := execution.ReasonOK
			if requested := e.RequestedReason(); requested != "" {
				reason = requested
			}
			e.Transition(execution.TerminalStatusFor(reason), code, reason)
			break loop

		case <-idleTimer.C:
			// Deadline may have been pushed back by AddBytes since the
			// timer was armed; re-check before acting.
			if remaining := time.Until(e.IdleDeadline); remaining > 0 {
				idleTimer.Reset(remaining)
				continue
			}
			c.deps.Fault.IdleTimeout(ctx, e, handle, mx)
			break loop

		case <-absTimer.C:
			c.deps.Fault.Timeout(ctx, e, handle, mx)
			break loop
		}
	}

	snap := e.Snapshot()
	outcome := hooks.Outcome{
		ExitCode:    snap.ExitCode,
		Reason:      string(snap.Reason),
		WallTime:    snap.WallTime,
		StdoutBytes: snap.StdoutBytes,
		StderrBytes: snap.StderrBytes,
		MarkerToken: hctx.MarkerToken,
		StdoutTail:  e.StdoutTail(),
	}
	pipeline.RunPost(ctx, hctx, outcome)

	c.notify("process.completed", requestID, processCompletedPayload{
		RequestID:   requestID,
		Status:      string(snap.Status),
		ExitCode:    snap.ExitCode,
		Reason:      string(snap.Reason),
		WallMS:      snap.WallTime.Milliseconds(),
		StdoutBytes: snap.StdoutBytes,
		StderrBytes: snap.StderrBytes,
	})
}

func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
