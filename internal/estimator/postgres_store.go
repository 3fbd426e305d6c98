package estimator

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kandev/execd/internal/common/database"
)

// PostgresStore is the optional multi-replica TimingRecord store: behind
// the same Store interface as SQLiteStore, so a Session Manager fleet of
// execd replicas can share one estimator history instead of each replica
// cold-starting its own heuristic table. Built on the shared pgx pool
// wrapper so transaction plumbing lives in one place.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := database.NewDB(ctx, dsn, database.PoolOptions{MaxConns: 10, MinConns: 1})
	if err != nil {
		return nil, fmt.Errorf("estimator: connect postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("estimator: init postgres schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS timing_records (
			id BIGSERIAL PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			outcome TEXT NOT NULL,
			marker_echoed BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_timing_records_fingerprint
			ON timing_records(fingerprint, created_at);
	`)
	return err
}

func (s *PostgresStore) Close() { s.db.Close() }

func (s *PostgresStore) SuccessDurations(ctx context.Context, fingerprint string, limit int) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT duration_ms FROM (
			SELECT duration_ms, created_at FROM timing_records
			WHERE fingerprint = $1 AND outcome = $2
			ORDER BY created_at DESC
			LIMIT $3
		) AS recent ORDER BY created_at ASC
	`, fingerprint, string(OutcomeSuccess), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var durations []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		durations = append(durations, d)
	}
	return durations, rows.Err()
}

func (s *PostgresStore) Append(ctx context.Context, rec TimingRecord, historyMax int) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO timing_records (fingerprint, duration_ms, outcome, marker_echoed, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, rec.Fingerprint, rec.DurationMS, string(rec.Outcome), rec.MarkerEchoed, ts); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			DELETE FROM timing_records
			WHERE fingerprint = $1 AND id NOT IN (
				SELECT id FROM timing_records
				WHERE fingerprint = $1
				ORDER BY created_at DESC
				LIMIT $2
			)
		`, rec.Fingerprint, historyMax)
		return err
	})
}
