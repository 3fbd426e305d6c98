package hooks

import (
	"context"
	"fmt"

	"github.com/kandev/execd/internal/estimator"
)

// RecordTimingHook is the post-hook that writes the single TimingRecord per
// Execution the estimator's p90 algorithm depends on (spec.md §4.3's
// "post-execution update"). It must be side-effect-bounded per spec.md
// §4.4 — it does exactly one Store.Append call.
type RecordTimingHook struct {
	est *estimator.Estimator
}

func NewRecordTimingHook(est *estimator.Estimator) *RecordTimingHook {
	return &RecordTimingHook{est: est}
}

func (h *RecordTimingHook) Name() string { return "record_timing" }

func (h *RecordTimingHook) Post(ctx context.Context, hctx *Context, outcome Outcome) error {
	var out estimator.Outcome
	switch outcome.Reason {
	case "ok":
		out = estimator.OutcomeSuccess
	case "timeout", "idle_timeout":
		out = estimator.OutcomeTimeout
	default:
		out = estimator.OutcomeFailure
	}

	rec := estimator.TimingRecord{
		Fingerprint:  estimator.Fingerprint(hctx.Command),
		DurationMS:   outcome.WallTime.Milliseconds(),
		Outcome:      out,
		MarkerEchoed: MarkerEchoed(hctx, outcome),
	}
	if err := h.est.Record(ctx, rec); err != nil {
		return fmt.Errorf("record_timing: %w", err)
	}
	return nil
}
