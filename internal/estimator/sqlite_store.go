package estimator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/execd/internal/common/sqlite"
)

// SQLiteStore is the default TimingRecord history store: a single table
// keyed by fingerprint, trimmed to historyMax rows per fingerprint on
// every Append, grounded on the teacher's internal/notifications/store
// sqlite idiom (single-writer *sql.DB, schema created on open).
type SQLiteStore struct {
	db *sqlx.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("estimator: sqlite store path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("estimator: resolve sqlite path: %w", err)
	}
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("estimator: create sqlite dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", abs)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("estimator: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("estimator: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS timing_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_timing_records_fingerprint
			ON timing_records(fingerprint, created_at);
	`)
	if err != nil {
		return err
	}
	// marker_echoed was added after the initial release; EnsureColumn lets a
	// store opened against an older database pick it up in place rather than
	// requiring a separate migration step.
	return sqlite.EnsureColumn(s.db.DB, "timing_records", "marker_echoed", "INTEGER NOT NULL DEFAULT 0")
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SuccessDurations(ctx context.Context, fingerprint string, limit int) ([]int64, error) {
	var durations []int64
	err := s.db.SelectContext(ctx, &durations, `
		SELECT duration_ms FROM (
			SELECT duration_ms, created_at FROM timing_records
			WHERE fingerprint = ? AND outcome = ?
			ORDER BY created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC
	`, fingerprint, string(OutcomeSuccess), limit)
	if err != nil {
		return nil, err
	}
	return durations, nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec TimingRecord, historyMax int) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timing_records (fingerprint, duration_ms, outcome, marker_echoed, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Fingerprint, rec.DurationMS, string(rec.Outcome), sqlite.BoolToInt(rec.MarkerEchoed), ts)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM timing_records
		WHERE fingerprint = ? AND id NOT IN (
			SELECT id FROM timing_records
			WHERE fingerprint = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
	`, rec.Fingerprint, rec.Fingerprint, historyMax)
	return err
}
