package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `CREATE TABLE IF NOT EXISTS dead_jobs (
	job_id     TEXT PRIMARY KEY,
	blob_key   TEXT NOT NULL,
	attempts   INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	failed_at  TIMESTAMPTZ NOT NULL
)`

// PostgresSink stores dead jobs in a dead_jobs table. Recording the same job
// twice keeps the latest failure.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink connects to databaseURL and creates the table if needed.
func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create dead_jobs table: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// Record upserts e.
func (s *PostgresSink) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_jobs (job_id, blob_key, attempts, last_error, failed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (job_id) DO UPDATE
		 SET attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error, failed_at = EXCLUDED.failed_at`,
		e.JobID, e.Key, e.Attempts, e.LastError, e.FailedAt)
	if err != nil {
		return fmt.Errorf("record dead job %s: %w", e.JobID, err)
	}
	return nil
}

// List returns the most recent dead jobs.
func (s *PostgresSink) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, blob_key, attempts, last_error, failed_at
		 FROM dead_jobs ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead jobs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.JobID, &e.Key, &e.Attempts, &e.LastError, &e.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead job: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
