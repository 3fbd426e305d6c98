package estimator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// jsonlRecord is the on-disk shape of spec.md §6's persisted sidecar: one
// JSON object per line, fields fingerprint/duration_ms/outcome/ts.
type jsonlRecord struct {
	Fingerprint  string    `json:"fingerprint"`
	DurationMS   int64     `json:"duration_ms"`
	Outcome      string    `json:"outcome"`
	Timestamp    time.Time `json:"ts"`
	MarkerEchoed bool      `json:"marker_echoed,omitempty"`
}

// JSONLStore is an append-only sidecar Store: simplest possible durable
// history, intended for single-process deployments without sqlite/postgres.
// It keeps an in-memory index for fast SuccessDurations lookups and trims
// the on-disk log on startup if it grows past jsonlTrimThreshold lines.
type JSONLStore struct {
	mu   sync.Mutex
	path string
	byFP map[string][]int64
}

const jsonlTrimThreshold = 100_000

func NewJSONLStore(path string) (*JSONLStore, error) {
	s := &JSONLStore{path: path, byFP: make(map[string][]int64)}
	if err := s.loadAndMaybeTrim(); err != nil {
		return nil, fmt.Errorf("estimator: load jsonl sidecar: %w", err)
	}
	return s, nil
}

func (s *JSONLStore) loadAndMaybeTrim() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var records []jsonlRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec jsonlRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // tolerate a truncated trailing line from a prior crash
		}
		records = append(records, rec)
		if rec.Outcome == string(OutcomeSuccess) {
			s.byFP[rec.Fingerprint] = append(s.byFP[rec.Fingerprint], rec.DurationMS)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if len(records) > jsonlTrimThreshold {
		trimmed := records[len(records)-jsonlTrimThreshold:]
		return s.rewrite(trimmed)
	}
	return nil
}

func (s *JSONLStore) rewrite(records []jsonlRecord) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *JSONLStore) SuccessDurations(_ context.Context, fingerprint string, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.byFP[fingerprint]
	if len(all) <= limit {
		return append([]int64(nil), all...), nil
	}
	return append([]int64(nil), all[len(all)-limit:]...), nil
}

func (s *JSONLStore) Append(_ context.Context, rec TimingRecord, historyMax int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	line := jsonlRecord{
		Fingerprint:  rec.Fingerprint,
		DurationMS:   rec.DurationMS,
		Outcome:      string(rec.Outcome),
		Timestamp:    ts,
		MarkerEchoed: rec.MarkerEchoed,
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(line); err != nil {
		return err
	}

	if rec.Outcome == OutcomeSuccess {
		fp := s.byFP[rec.Fingerprint]
		fp = append(fp, rec.DurationMS)
		if len(fp) > historyMax {
			fp = fp[len(fp)-historyMax:]
		}
		s.byFP[rec.Fingerprint] = fp
	}
	return nil
}
