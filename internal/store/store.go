// Package store is the SQLite-backed job catalog: every conversion job is
// recorded through its state transitions to its outcome, and named locks
// keep two concurrent jobs off the same destination.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"vmi/internal/image"
	"vmi/internal/pipeline"
)

// JobRecord is one catalog row.
type JobRecord struct {
	ID           string
	Source       string
	Destination  string
	State        string
	BytesWritten int64
	Checksum     string
	ErrorKind    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Store struct {
	db *sql.DB
}

// Open creates or opens the catalog at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps concurrent jobs from serializing on the writer lock.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		state TEXT NOT NULL,
		bytes_written INTEGER NOT NULL DEFAULT 0,
		checksum TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS _busy (
		name TEXT PRIMARY KEY
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// TryLock attempts to acquire a named lock, true on success.
func (s *Store) TryLock(ctx context.Context, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO _busy(name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking lock %s: %w", name, err)
	}
	return rows > 0, nil
}

// ReleaseLock releases a named lock.
func (s *Store) ReleaseLock(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _busy WHERE name = ?`, name); err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}

// Created records a new job in the idle state.
func (s *Store) Created(ctx context.Context, j *pipeline.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, source, destination, state) VALUES (?, ?, ?, ?)`,
		j.ID, j.Src.String(), j.Dst.String(), string(pipeline.StateIdle))
	if err != nil {
		return fmt.Errorf("recording job %s: %w", j.ID, err)
	}
	return nil
}

// Transitioned records a state change.
func (s *Store) Transitioned(ctx context.Context, j *pipeline.Job, state pipeline.State) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(state), j.ID)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", j.ID, err)
	}
	return nil
}

// Finished records the outcome.
func (s *Store) Finished(ctx context.Context, j *pipeline.Job, res pipeline.Result, jobErr error) error {
	state := pipeline.StateDone
	errorKind := ""
	if jobErr != nil {
		state = pipeline.StateFailed
		errorKind = image.KindOf(jobErr).String()
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, bytes_written = ?, checksum = ?, error_kind = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		string(state), res.BytesWritten, res.Checksum, errorKind, j.ID)
	if err != nil {
		return fmt.Errorf("finishing job %s: %w", j.ID, err)
	}
	return nil
}

// Recent returns the newest jobs, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, destination, state, bytes_written, checksum, error_kind, created_at, updated_at
		FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		var r JobRecord
		if err := rows.Scan(&r.ID, &r.Source, &r.Destination, &r.State, &r.BytesWritten,
			&r.Checksum, &r.ErrorKind, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Get retrieves one job by id.
func (s *Store) Get(ctx context.Context, id string) (*JobRecord, error) {
	var r JobRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source, destination, state, bytes_written, checksum, error_kind, created_at, updated_at
		FROM jobs WHERE id = ?`, id).
		Scan(&r.ID, &r.Source, &r.Destination, &r.State, &r.BytesWritten,
			&r.Checksum, &r.ErrorKind, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return &r, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
