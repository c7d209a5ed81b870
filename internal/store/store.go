package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/valpere/retrain/internal"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		model_archive TEXT NOT NULL,
		config_file TEXT NOT NULL,
		serialization_dir TEXT NOT NULL,
		overrides TEXT,
		extend_vocab BOOLEAN DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT,
		archive_path TEXT,
		started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		finished_at TIMESTAMP
	);

	-- run_metrics holds the final metrics document, one JSON-encoded value per key
	CREATE TABLE IF NOT EXISTS run_metrics (
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (run_id, key),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_metrics_run ON run_metrics(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveRun records the start of a run.
func (s *Store) SaveRun(ctx context.Context, run internal.RunRecord) error {
	status := run.Status
	if status == "" {
		status = internal.RunRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, model_archive, config_file, serialization_dir, overrides, extend_vocab, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ModelArchive, run.ConfigFile, run.SerializationDir, run.Overrides, run.ExtendVocab, string(status), run.StartedAt)
	return err
}

// FinishRun sets the terminal status of a run.
func (s *Store) FinishRun(ctx context.Context, id string, status internal.RunStatus, archivePath, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, archive_path = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), archivePath, errMsg, time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// SaveMetrics stores every metric of a run, replacing earlier values.
func (s *Store) SaveMetrics(ctx context.Context, runID string, metrics map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for key, value := range metrics {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO run_metrics (run_id, key, value) VALUES (?, ?, ?)`,
			runID, key, string(raw)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetMetrics returns the metrics document of a run.
func (s *Store) GetMetrics(ctx context.Context, runID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM run_metrics WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metrics := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("failed to decode metric %s: %w", key, err)
		}
		metrics[key] = value
	}
	return metrics, rows.Err()
}

const runColumns = `id, model_archive, config_file, serialization_dir, COALESCE(overrides, ''), extend_vocab, status, COALESCE(error, ''), COALESCE(archive_path, ''), started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (internal.RunRecord, error) {
	var (
		r        internal.RunRecord
		status   string
		finished sql.NullTime
	)
	err := row.Scan(&r.ID, &r.ModelArchive, &r.ConfigFile, &r.SerializationDir, &r.Overrides, &r.ExtendVocab, &status, &r.Error, &r.ArchivePath, &r.StartedAt, &finished)
	if err != nil {
		return r, err
	}
	r.Status = internal.RunStatus(status)
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}

// GetRun retrieves a run and its metrics by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*internal.RunRecord, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	if r.Metrics, err = s.GetMetrics(ctx, id); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns runs ordered by most recent start, optionally filtered by
// status (pass "" for all).
func (s *Store) ListRuns(ctx context.Context, status internal.RunStatus) ([]internal.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []internal.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun permanently removes a run and its metrics.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_metrics WHERE run_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	return err
}

// ClearRuns removes all runs and returns how many were deleted.
func (s *Store) ClearRuns(ctx context.Context) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_metrics`); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunStats summarises the ledger.
type RunStats struct {
	Total       int
	Running     int
	Completed   int
	Interrupted int
	Failed      int
}

// Stats returns run counts by status.
func (s *Store) Stats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'interrupted' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM runs`).Scan(
		&stats.Total,
		&stats.Running,
		&stats.Completed,
		&stats.Interrupted,
		&stats.Failed,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
