// Package journal persists hardening runs and their transaction receipts in
// a local sqlite database, so every change to a target can be answered with
// what ran, what it touched, and where the snapshot lives.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/rampart/internal/transaction"
)

// DefaultPath is where the journal lives unless the config says otherwise.
const DefaultPath = "/var/lib/rampart/journal.db"

// Run summarizes one hardening run against one target.
type Run struct {
	ID         int64     `json:"id"`
	Target     string    `json:"target"`
	Outcome    string    `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Receipts   int       `json:"receipts"`
}

// Store provides persistent storage for runs and receipts.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
}

// Open creates or opens the journal at the given path.
func Open(dbPath string, retentionDays int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target TEXT NOT NULL,
			outcome TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		);
		CREATE TABLE IF NOT EXISTS receipts (
			id TEXT PRIMARY KEY,
			run_id INTEGER NOT NULL,
			resource TEXT NOT NULL,
			state TEXT NOT NULL,
			live_path TEXT,
			started_at DATETIME NOT NULL,
			detail TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_target ON runs(target);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
		CREATE INDEX IF NOT EXISTS idx_receipts_run ON receipts(run_id);
		CREATE INDEX IF NOT EXISTS idx_receipts_state ON receipts(state);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal tables: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 90
	}

	return &Store{db: db, retentionDays: retentionDays}, nil
}

// RecordRun persists a finished run and returns its journal id.
func (s *Store) RecordRun(run Run) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO runs (target, outcome, started_at, finished_at)
		VALUES (?, ?, ?, ?)
	`, run.Target, run.Outcome, run.StartedAt, run.FinishedAt)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return res.LastInsertId()
}

// RecordReceipt attaches one transaction receipt to a run. The full receipt
// is stored as JSON alongside the columns used for filtering.
func (s *Store) RecordReceipt(runID int64, rec *transaction.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	detail, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode receipt %s: %w", rec.ID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO receipts (id, run_id, resource, state, live_path, started_at, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, runID, rec.Resource, rec.State.String(), rec.LivePath, rec.StartedAt, string(detail))
	if err != nil {
		return fmt.Errorf("insert receipt %s: %w", rec.ID, err)
	}
	return nil
}

// Runs returns recent runs, newest first. An empty target matches all.
func (s *Store) Runs(target string, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT r.id, r.target, r.outcome, r.started_at, r.finished_at,
		(SELECT COUNT(*) FROM receipts WHERE run_id = r.id)
		FROM runs r`
	var args []any
	if target != "" {
		query += " WHERE r.target = ?"
		args = append(args, target)
	}
	query += " ORDER BY r.started_at DESC, r.id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Target, &run.Outcome, &run.StartedAt,
			&finished, &run.Receipts); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			run.FinishedAt = finished.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Receipts returns a run's receipts in execution order.
func (s *Store) Receipts(runID int64) ([]*transaction.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT detail FROM receipts WHERE run_id = ? ORDER BY started_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*transaction.Receipt
	for rows.Next() {
		var detail string
		if err := rows.Scan(&detail); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		var rec transaction.Receipt
		if err := json.Unmarshal([]byte(detail), &rec); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
		receipts = append(receipts, &rec)
	}
	return receipts, rows.Err()
}

// LastRun returns the most recent run for a target, or nil when none exists.
func (s *Store) LastRun(target string) (*Run, error) {
	runs, err := s.Runs(target, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// Prune removes runs older than the retention period, receipts included.
func (s *Store) Prune() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)

	if _, err := s.db.Exec(`
		DELETE FROM receipts WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("prune receipts: %w", err)
	}

	res, err := s.db.Exec("DELETE FROM runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of journaled runs.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&count)
	return count, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
