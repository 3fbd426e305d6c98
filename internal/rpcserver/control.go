package rpcserver

import (
	"context"

	"github.com/kandev/execd/internal/execution"
	"github.com/kandev/execd/pkg/jsonrpc"
)

// handleControl implements "control": cancel, pause, or resume the
// Execution named by request_id (spec.md §4.2/§4.6).
func (c *Client) handleControl(ctx context.Context, req *jsonrpc.Request) {
	var params ControlParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, "invalid control params: "+err.Error(), nil)
		return
	}

	c.mu.Lock()
	inf, ok := c.execs[params.RequestID]
	c.mu.Unlock()
	if !ok {
		c.replyError(req.ID, jsonrpc.CodeNotRunning, "no in-flight execution for that request_id", nil)
		return
	}

	switch params.Action {
	case "cancel":
		go c.deps.Fault.Cancel(ctx, inf.exec, inf.handle, inf.mx)
		c.reply(req.ID, ControlResult{RequestID: params.RequestID, Status: string(execution.StatusCancelling)})

	case "pause":
		if err := inf.handle.Pause(); err != nil {
			c.replyError(req.ID, jsonrpc.CodeUnsupported, err.Error(), nil)
			return
		}
		inf.exec.SetPaused(true)
		c.reply(req.ID, ControlResult{RequestID: params.RequestID, Status: string(execution.StatusPaused)})
		c.notify("process.status", params.RequestID, processStatusPayload{RequestID: params.RequestID, Status: string(execution.StatusPaused)})

	case "resume":
		if err := inf.handle.Resume(); err != nil {
			c.replyError(req.ID, jsonrpc.CodeUnsupported, err.Error(), nil)
			return
		}
		inf.exec.SetPaused(false)
		c.reply(req.ID, ControlResult{RequestID: params.RequestID, Status: string(execution.StatusRunning)})
		c.notify("process.status", params.RequestID, processStatusPayload{RequestID: params.RequestID, Status: string(execution.StatusRunning)})

	case "input":
		// Only meaningful for a pty:true execution; a pipe-mode child has no
		// stdin wired up for interactive use (spec.md §9).
		if _, err := inf.handle.WriteInput([]byte(params.Data)); err != nil {
			c.replyError(req.ID, jsonrpc.CodeUnsupported, err.Error(), nil)
			return
		}
		c.reply(req.ID, ControlResult{RequestID: params.RequestID, Status: string(execution.StatusRunning)})

	case "resize":
		if err := inf.handle.ResizePTY(params.Cols, params.Rows); err != nil {
			c.replyError(req.ID, jsonrpc.CodeUnsupported, err.Error(), nil)
			return
		}
		c.reply(req.ID, ControlResult{RequestID: params.RequestID, Status: string(execution.StatusRunning)})

	default:
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, "unknown control action: "+params.Action, nil)
	}
}

// handleHotReload implements "hot_reload": reload the hook-pipeline config
// file; only affects Executions started after this call returns
// (spec.md §4.4/§4.6).
func (c *Client) handleHotReload(ctx context.Context, req *jsonrpc.Request) {
	if err := c.deps.Hooks.Reload(); err != nil {
		c.replyError(req.ID, jsonrpc.CodeInternalError, "hot reload failed: "+err.Error(), nil)
		return
	}
	c.reply(req.ID, HotReloadResult{Reloaded: true})
}
