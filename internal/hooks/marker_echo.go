package hooks

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/kandev/execd/internal/common/logger"
)

// VerifyMarkerEcho is the supplemented post-hook grounded on the original
// cc_executor's marker-token echo check: it inspects the tail of captured
// stdout for the injected marker token and logs marker_echoed, treating its
// absence as a weak signal of a stuck/hung invocation. It never fails the
// Execution — post-hooks cannot affect outcome (spec.md §4.4).
type VerifyMarkerEcho struct {
	log *logger.Logger
}

func NewVerifyMarkerEcho(log *logger.Logger) *VerifyMarkerEcho {
	return &VerifyMarkerEcho{log: log}
}

func (h *VerifyMarkerEcho) Name() string { return "verify_marker_echo" }

func (h *VerifyMarkerEcho) Post(_ context.Context, hctx *Context, outcome Outcome) error {
	if hctx.MarkerToken == "" {
		return nil
	}
	echoed := bytes.Contains(outcome.StdoutTail, []byte(hctx.MarkerToken))
	if h.log != nil {
		h.log.Debug("marker echo checked",
			zap.Bool("marker_echoed", echoed),
			zap.String("reason", outcome.Reason))
	}
	return nil
}

// MarkerEchoed reports whether outcome's captured stdout tail contains
// hctx's marker token; exposed separately from the Post side effect so
// callers building a TimingRecord can set TimingRecord.MarkerEchoed without
// re-running hook dispatch.
func MarkerEchoed(hctx *Context, outcome Outcome) bool {
	if hctx == nil || hctx.MarkerToken == "" {
		return false
	}
	return bytes.Contains(outcome.StdoutTail, []byte(hctx.MarkerToken))
}
