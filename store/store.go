// Package store persists training runs and their metrics.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Run statuses.
const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusAborted   = "ABORTED"
	StatusFailed    = "FAILED"
)

// RunStore is the persistence contract the training controller depends on.
// The bundled implementation is SQLite; other backends live outside this
// module.
type RunStore interface {
	CreateRun(ctx context.Context, kind, modelName, datasetName string, hyperparameters interface{}) (string, error)
	UpdateRunStatus(ctx context.Context, runID, status, reportPath string) error
	SavePerformanceMetrics(ctx context.Context, runID string, metrics interface{}) error
	SaveResourceMetrics(ctx context.Context, runID string, samples interface{}) error
}

// Store is the SQLite-backed RunStore.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the run database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open run database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		model_name TEXT NOT NULL,
		dataset_name TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('RUNNING','COMPLETED','ABORTED','FAILED')),
		hyperparameters TEXT NOT NULL,
		report_path TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status_created_at ON runs(status, created_at);
	CREATE TABLE IF NOT EXISTS performance_metrics (
		run_id TEXT PRIMARY KEY REFERENCES runs(id),
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS resource_metrics (
		run_id TEXT PRIMARY KEY REFERENCES runs(id),
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CreateRun inserts a new RUNNING run and returns its id.
func (s *Store) CreateRun(ctx context.Context, kind, modelName, datasetName string, hyperparameters interface{}) (string, error) {
	hp, err := json.Marshal(hyperparameters)
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize hyperparameters")
	}
	id := uuid.NewString()
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, model_name, dataset_name, status, hyperparameters, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, kind, modelName, datasetName, StatusRunning, string(hp), now, now)
	if err != nil {
		return "", errors.Wrap(err, "failed to create run record")
	}
	return id, nil
}

// UpdateRunStatus sets the run's terminal status. reportPath is recorded only
// when non-empty (the COMPLETED path).
func (s *Store) UpdateRunStatus(ctx context.Context, runID, status, reportPath string) error {
	now := time.Now().Unix()
	var res sql.Result
	var err error
	if reportPath != "" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, report_path = ?, updated_at = ? WHERE id = ?`,
			status, reportPath, now, runID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
			status, now, runID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to update run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Errorf("run %s not found", runID)
	}
	return nil
}

// SavePerformanceMetrics stores the evaluation payload for a run.
func (s *Store) SavePerformanceMetrics(ctx context.Context, runID string, metrics interface{}) error {
	return s.savePayload(ctx, "performance_metrics", runID, metrics)
}

// SaveResourceMetrics stores the resource sample series for a run.
func (s *Store) SaveResourceMetrics(ctx context.Context, runID string, samples interface{}) error {
	return s.savePayload(ctx, "resource_metrics", runID, samples)
}

func (s *Store) savePayload(ctx context.Context, table, runID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize %s payload", table)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (run_id, payload, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
		runID, string(data), time.Now().Unix())
	return errors.Wrapf(err, "failed to save %s for run %s", table, runID)
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID              string
	Kind            string
	ModelName       string
	DatasetName     string
	Status          string
	Hyperparameters string
	ReportPath      sql.NullString
	CreatedAt       int64
	UpdatedAt       int64
}

// GetRun fetches a run record, mostly for tests and tooling.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, model_name, dataset_name, status, hyperparameters, report_path, created_at, updated_at
		 FROM runs WHERE id = ?`, runID)
	var r RunRecord
	if err := row.Scan(&r.ID, &r.Kind, &r.ModelName, &r.DatasetName, &r.Status, &r.Hyperparameters, &r.ReportPath, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to load run %s", runID)
	}
	return &r, nil
}
