// Package estimator implements the Timeout Estimator (C3): given a task
// fingerprint and hints, it produces an absolute timeout, an idle timeout,
// and a confidence score, learning from a persisted history of durations
// (spec.md §4.3).
package estimator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/execd/internal/common/logger"
)

// Outcome is the terminal outcome of an Execution, as recorded in a
// TimingRecord.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// TimingRecord is one observation of a fingerprint's wall duration,
// appended post-execution (spec.md §3).
type TimingRecord struct {
	Fingerprint string
	DurationMS  int64
	Outcome     Outcome
	Timestamp   time.Time
	MarkerEchoed bool
}

// Hints describes what's known about a request before it has ever run,
// used for the cold-start heuristic fallback (spec.md §4.3 step 3).
type Hints struct {
	Category    string // "trivial" | "simple" | "medium" | "complex"; empty -> inferred
	CommandLen  int
}

// Estimate is the result of estimate(fingerprint, hints).
type Estimate struct {
	AbsoluteS  float64
	IdleS      float64
	Confidence float64
}

// Policy bundles the tunable constants from spec.md §6's config table that
// govern the estimator's algorithm and output clamps.
type Policy struct {
	HistoryMax      int
	MinSamplesHigh  int
	FloorSeconds    float64
	DefaultIdleS    float64
	MinTimeoutS     float64
	MaxTimeoutS     float64
}

// DefaultPolicy matches the values used across spec.md's worked scenarios.
func DefaultPolicy() Policy {
	return Policy{
		HistoryMax:     50,
		MinSamplesHigh: 10,
		FloorSeconds:   5,
		DefaultIdleS:   30,
		MinTimeoutS:    2,
		MaxTimeoutS:    3600,
	}
}

// heuristicTable is the cold-start fallback of spec.md §4.3 step 3: a small
// bucket table keyed by command category.
var heuristicTable = map[string]struct {
	AbsoluteS  float64
	Confidence float64
}{
	"trivial": {AbsoluteS: 10, Confidence: 0.4},
	"simple":  {AbsoluteS: 30, Confidence: 0.3},
	"medium":  {AbsoluteS: 120, Confidence: 0.2},
	"complex": {AbsoluteS: 300, Confidence: 0.0},
}

// Store persists and retrieves TimingRecord history per fingerprint.
// Implementations: sqlite (default), postgres (optional multi-replica),
// jsonl (append-only sidecar).
type Store interface {
	// SuccessDurations returns up to limit of the most recent successful
	// DurationMS samples for fingerprint, oldest first.
	SuccessDurations(ctx context.Context, fingerprint string, limit int) ([]int64, error)
	// Append records a TimingRecord, trimming the per-fingerprint history
	// to HistoryMax on write (oldest evicted first).
	Append(ctx context.Context, rec TimingRecord, historyMax int) error
}

// Estimator computes estimates from a Store, deduplicating concurrent
// lookups for the same fingerprint via singleflight so a burst of
// concurrent `execute` calls on a cold cache doesn't stampede the Store.
type Estimator struct {
	store  Store
	policy Policy
	log    *logger.Logger
	group  singleflight.Group
}

func New(store Store, policy Policy, log *logger.Logger) *Estimator {
	return &Estimator{store: store, policy: policy, log: log}
}

// Estimate implements the contract estimate(fingerprint, hints) → {absolute_s,
// idle_s, confidence} of spec.md §4.3.
func (e *Estimator) Estimate(ctx context.Context, fingerprint string, hints Hints) (Estimate, error) {
	v, err, _ := e.group.Do(fingerprint, func() (interface{}, error) {
		durations, err := e.store.SuccessDurations(ctx, fingerprint, e.policy.HistoryMax)
		if err != nil {
			return Estimate{}, fmt.Errorf("estimator: load history for %s: %w", fingerprint, err)
		}
		return e.computeFromHistory(durations, hints), nil
	})
	if err != nil {
		return Estimate{}, err
	}
	return v.(Estimate), nil
}

func (e *Estimator) computeFromHistory(durationsMS []int64, hints Hints) Estimate {
	p := e.policy
	var est Estimate

	switch {
	case len(durationsMS) >= p.MinSamplesHigh:
		p90 := percentile(durationsMS, 0.90)
		est.AbsoluteS = maxF(p90*1.2/1000, p.FloorSeconds)
		est.Confidence = minF(float64(len(durationsMS))/10, 0.9)
	case len(durationsMS) >= 1:
		maxObserved := maxInt64(durationsMS)
		est.AbsoluteS = maxF(float64(maxObserved)*1.5/1000, p.FloorSeconds)
		est.Confidence = 0.5
	default:
		bucket := heuristicTable[classify(hints)]
		est.AbsoluteS = bucket.AbsoluteS
		est.Confidence = bucket.Confidence
	}

	est.IdleS = minF(est.AbsoluteS, p.DefaultIdleS)
	est.AbsoluteS = clamp(est.AbsoluteS, p.MinTimeoutS, p.MaxTimeoutS)
	est.IdleS = clamp(est.IdleS, p.MinTimeoutS, p.MaxTimeoutS)
	return est
}

// Record appends a post-execution TimingRecord. Per spec.md §4.3, failures
// and timeouts are retained in history for visibility but never feed the
// p90/max-observed computation, which only ever reads back through
// SuccessDurations.
func (e *Estimator) Record(ctx context.Context, rec TimingRecord) error {
	if err := e.store.Append(ctx, rec, e.policy.HistoryMax); err != nil {
		return fmt.Errorf("estimator: append record for %s: %w", rec.Fingerprint, err)
	}
	if e.log != nil {
		e.log.Debug("timing record appended",
			zap.String("fingerprint", rec.Fingerprint),
			zap.String("outcome", string(rec.Outcome)),
			zap.Int64("duration_ms", rec.DurationMS))
	}
	return nil
}

func classify(h Hints) string {
	if h.Category != "" {
		if _, ok := heuristicTable[h.Category]; ok {
			return h.Category
		}
	}
	switch {
	case h.CommandLen <= 20:
		return "trivial"
	case h.CommandLen <= 80:
		return "simple"
	case h.CommandLen <= 200:
		return "medium"
	default:
		return "complex"
	}
}

// percentile computes the pth percentile (0..1) of a sorted copy of values
// using linear interpolation between the two closest ranks.
func percentile(values []int64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return float64(sorted[lo])
	}
	frac := rank - float64(lo)
	return float64(sorted[lo])*(1-frac) + float64(sorted[hi])*frac
}

func maxInt64(values []int64) int64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp(v, lo, hi float64) float64 {
	return minF(maxF(v, lo), hi)
}
