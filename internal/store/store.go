// Package store persists evaluation results to SQLite. One row per run in
// runs, one row per (run, phase, quantity) in phase_results. Writes are
// transactional per run: a crash never leaves a run half-written.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"sdbgrid/internal/types"
)

// foundMarker is the pseudo-quantity row recording whether a phase was
// detected at all (1) or the star never reached it (0). Real quantity rows
// exist only when the phase was found.
const foundMarker = "_found"

// GridStore is the SQLite-backed result store. Safe for concurrent use; in
// practice a single writer goroutine owns all mutations.
type GridStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open opens (creating if needed) the grid database at the given path.
func Open(path string) (*GridStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &GridStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the required tables.
func (s *GridStore) initialize() error {
	runsTable := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		status TEXT NOT NULL,
		fail_reason TEXT NOT NULL DEFAULT '',
		params_json TEXT NOT NULL DEFAULT '{}',
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`

	resultsTable := `
	CREATE TABLE IF NOT EXISTS phase_results (
		run_id TEXT NOT NULL,
		phase_name TEXT NOT NULL,
		quantity_name TEXT NOT NULL,
		value REAL NOT NULL,
		PRIMARY KEY (run_id, phase_name, quantity_name)
	);
	CREATE INDEX IF NOT EXISTS idx_results_phase ON phase_results(phase_name);
	`

	for _, table := range []string{runsTable, resultsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *GridStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *GridStore) Path() string {
	return s.dbPath
}

// UpsertResult writes one run's record, replacing any previous record under
// the same run ID. The runs row and all phase rows commit atomically.
func (s *GridStore) UpsertResult(ctx context.Context, rec types.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(rec.Params)
	if err != nil {
		return &types.DatabaseWriteError{Op: "encode params", Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.DatabaseWriteError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, fingerprint, status, fail_reason, params_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			status = excluded.status,
			fail_reason = excluded.fail_reason,
			params_json = excluded.params_json,
			updated_at = excluded.updated_at`,
		rec.RunID, rec.Fingerprint, string(rec.Status), rec.FailReason,
		string(paramsJSON), time.Now().UTC(),
	)
	if err != nil {
		return &types.DatabaseWriteError{Op: "upsert run", Err: err}
	}

	// Stale phase rows from a previous evaluation under a different phase
	// or quantity set must not survive the rewrite.
	if _, err := tx.ExecContext(ctx, "DELETE FROM phase_results WHERE run_id = ?", rec.RunID); err != nil {
		return &types.DatabaseWriteError{Op: "clear phases", Err: err}
	}

	insert, err := tx.PrepareContext(ctx,
		"INSERT INTO phase_results (run_id, phase_name, quantity_name, value) VALUES (?, ?, ?, ?)")
	if err != nil {
		return &types.DatabaseWriteError{Op: "prepare insert", Err: err}
	}
	defer insert.Close()

	for phaseName, pr := range rec.Phases {
		found := 0.0
		if pr.Found {
			found = 1.0
		}
		if _, err := insert.ExecContext(ctx, rec.RunID, phaseName, foundMarker, found); err != nil {
			return &types.DatabaseWriteError{Op: "insert phase", Err: err}
		}
		for quantityName, value := range pr.Values {
			if _, err := insert.ExecContext(ctx, rec.RunID, phaseName, quantityName, value); err != nil {
				return &types.DatabaseWriteError{Op: "insert quantity", Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &types.DatabaseWriteError{Op: "commit", Err: err}
	}
	return nil
}

// Fingerprints returns the stored fingerprint per run ID, for the
// skip-unchanged check before any run is dispatched.
func (s *GridStore) Fingerprints(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT run_id, fingerprint FROM runs")
	if err != nil {
		return nil, &types.DatabaseWriteError{Op: "load fingerprints", Err: err}
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, fp string
		if err := rows.Scan(&id, &fp); err != nil {
			return nil, &types.DatabaseWriteError{Op: "scan fingerprint", Err: err}
		}
		out[id] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, &types.DatabaseWriteError{Op: "load fingerprints", Err: err}
	}
	return out, nil
}

// LoadResult reads one run's record back. Row indices are not persisted;
// returned PhaseResult rows are -1 for not-found phases and 0 otherwise.
func (s *GridStore) LoadResult(ctx context.Context, runID string) (types.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := types.ResultRecord{RunID: runID, Phases: make(map[string]types.PhaseResult)}

	var status, paramsJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT fingerprint, status, fail_reason, params_json FROM runs WHERE run_id = ?", runID).
		Scan(&rec.Fingerprint, &status, &rec.FailReason, &paramsJSON)
	if err != nil {
		return types.ResultRecord{}, fmt.Errorf("run %s: %w", runID, err)
	}
	rec.Status = types.RunStatus(status)
	if err := json.Unmarshal([]byte(paramsJSON), &rec.Params); err != nil {
		return types.ResultRecord{}, fmt.Errorf("run %s: bad params: %w", runID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT phase_name, quantity_name, value FROM phase_results WHERE run_id = ?", runID)
	if err != nil {
		return types.ResultRecord{}, fmt.Errorf("run %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var phaseName, quantityName string
		var value float64
		if err := rows.Scan(&phaseName, &quantityName, &value); err != nil {
			return types.ResultRecord{}, fmt.Errorf("run %s: %w", runID, err)
		}
		pr := rec.Phases[phaseName]
		if pr.Values == nil && quantityName != foundMarker {
			pr.Values = make(map[string]float64)
		}
		if quantityName == foundMarker {
			pr.Found = value != 0
		} else {
			pr.Values[quantityName] = value
		}
		rec.Phases[phaseName] = pr
	}
	if err := rows.Err(); err != nil {
		return types.ResultRecord{}, fmt.Errorf("run %s: %w", runID, err)
	}

	for name, pr := range rec.Phases {
		if !pr.Found {
			pr.Row = -1
			rec.Phases[name] = pr
		}
	}
	return rec, nil
}

// RunIDs returns all stored run IDs in lexicographic order.
func (s *GridStore) RunIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT run_id FROM runs ORDER BY run_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
