// Package runstore persists run history to SQLite: one row per train or
// predict invocation, per-epoch metrics, and scored predictions. It is
// optional; a disabled store accepts every call as a no-op.
package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gramlabs/gramscore/internal/config"
	_ "modernc.org/sqlite"
)

// Run is one recorded invocation.
type Run struct {
	ID         int64
	Kind       string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store wraps a SQLite-backed run history.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the run store. A disabled config yields a store
// whose methods do nothing.
func Open(ctx context.Context, cfg config.RunStoreConfig, log *slog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return &Store{log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS epochs (
    run_id INTEGER NOT NULL,
    epoch INTEGER NOT NULL,
    train_loss REAL NOT NULL,
    val_loss REAL,
    pearson REAL,
    improved INTEGER NOT NULL,
    PRIMARY KEY(run_id, epoch),
    FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS predictions (
    run_id INTEGER NOT NULL,
    filename TEXT NOT NULL,
    score REAL NOT NULL,
    grade INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_epochs_run ON epochs(run_id, epoch);
CREATE INDEX IF NOT EXISTS idx_predictions_run ON predictions(run_id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether the store is backed by a database.
func (s *Store) Enabled() bool { return s.db != nil }

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun records the start of an invocation and returns its id.
func (s *Store) BeginRun(ctx context.Context, kind string) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO runs(kind, status, started_at) VALUES(?, ?, ?)",
		kind, "running", s.clock().UTC())
	if err != nil {
		return 0, fmt.Errorf("begin run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}
	return id, nil
}

// FinishRun closes out a run with the given terminal status.
func (s *Store) FinishRun(ctx context.Context, runID int64, status string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, finished_at = ? WHERE id = ?",
		status, s.clock().UTC(), runID)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", runID, err)
	}
	return nil
}

// RecordEpoch stores one epoch's metrics. NaN validation values are
// stored as NULL.
func (s *Store) RecordEpoch(ctx context.Context, runID int64, epoch int, trainLoss, valLoss, pearson float64, improved bool) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO epochs(run_id, epoch, train_loss, val_loss, pearson, improved) VALUES(?, ?, ?, ?, ?, ?)",
		runID, epoch, trainLoss, nullable(valLoss), nullable(pearson), improved)
	if err != nil {
		return fmt.Errorf("record epoch %d: %w", epoch, err)
	}
	return nil
}

// RecordPrediction stores one scored row.
func (s *Store) RecordPrediction(ctx context.Context, runID int64, filename string, score float64, grade int) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO predictions(run_id, filename, score, grade) VALUES(?, ?, ?, ?)",
		runID, filename, score, grade)
	if err != nil {
		return fmt.Errorf("record prediction for %s: %w", filename, err)
	}
	return nil
}

// Runs lists recorded runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, status, started_at, COALESCE(finished_at, started_at) FROM runs ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}
