// ABOUTME: SQLite-backed RunStore keeping one row per run with the full record as JSON.
// ABOUTME: Indexed status and project columns support listing without decoding every record.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var _ RunStore = (*SQLiteRunStore)(nil)

// SQLiteRunStore persists runs in a SQLite database.
type SQLiteRunStore struct {
	db *sql.DB
}

// OpenSQLiteRunStore opens or creates the database at path and ensures the schema exists.
func OpenSQLiteRunStore(path string) (*SQLiteRunStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			status TEXT NOT NULL,
			progress_percent REAL NOT NULL,
			updated_at TEXT NOT NULL,
			record TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS runs_project_updated ON runs (project_id, updated_at);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteRunStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

// Write upserts the complete run record in a single statement.
func (s *SQLiteRunStore) Write(ctx context.Context, run *Run) error {
	record, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %q: %w", run.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, project_id, status, progress_percent, updated_at, record)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			project_id = excluded.project_id,
			status = excluded.status,
			progress_percent = excluded.progress_percent,
			updated_at = excluded.updated_at,
			record = excluded.record`,
		run.ID,
		run.ProjectID,
		string(run.Status),
		run.ProgressPercent,
		run.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(record),
	)
	if err != nil {
		return fmt.Errorf("upsert run %q: %w", run.ID, err)
	}
	return nil
}

func (s *SQLiteRunStore) Read(ctx context.Context, id string) (*Run, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM runs WHERE run_id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query run %q: %w", id, err)
	}
	return decodeRunRecord(id, record)
}

// List returns all runs, most recently updated first.
func (s *SQLiteRunStore) List(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, record FROM runs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run, err := decodeRunRecord(id, record)
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func decodeRunRecord(id, record string) (*Run, error) {
	var run Run
	if err := json.Unmarshal([]byte(record), &run); err != nil {
		return nil, fmt.Errorf("decode run %q: %w", id, err)
	}
	if run.Outputs == nil {
		run.Outputs = map[StageName]json.RawMessage{}
	}
	return &run, nil
}
