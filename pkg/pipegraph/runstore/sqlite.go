package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists run records to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite run store.
// The path should be a file path (e.g. "./runs.db") or ":memory:" for
// testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL improves concurrent read performance while a run is writing.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT NOT NULL PRIMARY KEY,
			project_id TEXT NOT NULL,
			status TEXT NOT NULL,
			nodes BLOB NOT NULL,
			created_at TEXT NOT NULL,
			finished_at TEXT
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_runs_project_id
		ON runs(project_id, created_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	nodes, err := json.Marshal(rec.Nodes)
	if err != nil {
		return fmt.Errorf("serialize node statuses: %w", err)
	}

	var finished any
	if !rec.FinishedAt.IsZero() {
		finished = rec.FinishedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, project_id, status, nodes, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			nodes = excluded.nodes,
			finished_at = excluded.finished_at
	`, rec.RunID, rec.ProjectID, rec.Status, nodes,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), finished)
	if err != nil {
		return fmt.Errorf("save run record: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(runID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}

	row := s.db.QueryRow(`
		SELECT run_id, project_id, status, nodes, created_at, finished_at
		FROM runs WHERE run_id = ?
	`, runID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load run record: %w", err)
	}
	return rec, nil
}

// List implements Store.
func (s *SQLiteStore) List(projectID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT run_id, project_id, status, nodes, created_at, finished_at
		FROM runs
		WHERE project_id = ?
		ORDER BY created_at DESC, run_id DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	defer rows.Close()

	recs := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run records: %w", err)
	}
	return recs, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.Exec(`DELETE FROM runs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete run record: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var rec Record
	var nodes []byte
	var created string
	var finished sql.NullString

	if err := sc.Scan(&rec.RunID, &rec.ProjectID, &rec.Status, &nodes, &created, &finished); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(nodes, &rec.Nodes); err != nil {
		return Record{}, fmt.Errorf("parse node statuses: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if finished.Valid {
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	return rec, nil
}
