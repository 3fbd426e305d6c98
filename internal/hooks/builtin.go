package hooks

import (
	"bytes"
	"context"
	"fmt"

	"github.com/kandev/execd/internal/common/portutil"
)

// EnvExportHook injects additional env vars (e.g. activating a project
// virtualenv) by adding them to the hook context's Env, which Spawn merges
// over the inherited environment; the wrapped command itself is left
// unchanged. Grounded on spec.md §4.4's "typical pre-hooks" list.
type EnvExportHook struct {
	ExtraEnv map[string]string
}

func (h *EnvExportHook) Name() string { return "env_export" }

func (h *EnvExportHook) Pre(_ context.Context, hctx *Context) error {
	for k, v := range h.ExtraEnv {
		hctx.Env[k] = v
	}
	return nil
}

// VirtualenvActivateHook prepends a venv activation to the wrapped command
// when dir is non-empty, the canonical "activate a project virtualenv"
// pre-hook from spec.md §4.4.
type VirtualenvActivateHook struct {
	VenvDir string
}

func (h *VirtualenvActivateHook) Name() string { return "virtualenv_activate" }

func (h *VirtualenvActivateHook) Pre(_ context.Context, hctx *Context) error {
	if h.VenvDir == "" {
		return nil
	}
	hctx.WrappedCommand = fmt.Sprintf(". %s/bin/activate && %s", h.VenvDir, hctx.WrappedCommand)
	return nil
}

// ResourceLimitHook injects an `ulimit` prelude, the "resource-limit
// preludes" pre-hook named in spec.md §4.4.
type ResourceLimitHook struct {
	MaxOpenFiles int
	MaxCPUSeconds int
}

func (h *ResourceLimitHook) Name() string { return "resource_limit" }

func (h *ResourceLimitHook) Pre(_ context.Context, hctx *Context) error {
	var prelude bytes.Buffer
	if h.MaxOpenFiles > 0 {
		fmt.Fprintf(&prelude, "ulimit -n %d; ", h.MaxOpenFiles)
	}
	if h.MaxCPUSeconds > 0 {
		fmt.Fprintf(&prelude, "ulimit -t %d; ", h.MaxCPUSeconds)
	}
	if prelude.Len() == 0 {
		return nil
	}
	hctx.WrappedCommand = prelude.String() + hctx.WrappedCommand
	return nil
}

// PortAllocationHook rewrites $PORT/${PORT}-style placeholders in the
// wrapped command to an OS-assigned free port, exposing the same value as
// an env var of the same name so a dev-server command (e.g.
// "npm run dev -- --port $PORT") never collides with another session's.
type PortAllocationHook struct{}

func (h *PortAllocationHook) Name() string { return "port_alloc" }

func (h *PortAllocationHook) Pre(_ context.Context, hctx *Context) error {
	transformed, portEnv, err := portutil.TransformCommand(hctx.WrappedCommand)
	if err != nil {
		return fmt.Errorf("port_alloc: %w", err)
	}
	hctx.WrappedCommand = transformed
	for k, v := range portEnv {
		hctx.Env[k] = v
	}
	return nil
}

// DenylistVetoHook rejects commands matching a simple denylist of
// substrings, the kind of precheck spec.md §4.4 calls a "veto".
type DenylistVetoHook struct {
	Denylist []string
}

func (h *DenylistVetoHook) Name() string { return "denylist_veto" }

func (h *DenylistVetoHook) Pre(_ context.Context, hctx *Context) error {
	for _, bad := range h.Denylist {
		if bad != "" && bytes.Contains([]byte(hctx.WrappedCommand), []byte(bad)) {
			return fmt.Errorf("command contains denylisted substring %q", bad)
		}
	}
	return nil
}
