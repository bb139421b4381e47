package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hp := map[string]interface{}{"batch_size": 32}
	id, err := s.CreateRun(ctx, "Training", "hybrid", "logs-v1", hp)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if id == "" {
		t.Fatal("run id must be non-empty")
	}

	r, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if r.Status != StatusRunning {
		t.Errorf("new run status: got %s, want RUNNING", r.Status)
	}
	if r.Kind != "Training" || r.ModelName != "hybrid" || r.DatasetName != "logs-v1" {
		t.Errorf("run fields: %+v", r)
	}
	if !strings.Contains(r.Hyperparameters, "batch_size") {
		t.Errorf("hyperparameters not serialized: %q", r.Hyperparameters)
	}
	if r.ReportPath.Valid {
		t.Error("report path must be unset on a new run")
	}
}

func TestUpdateRunStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, "Training", "hybrid", "logs-v1", nil)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	t.Run("aborted without report path", func(t *testing.T) {
		if err := s.UpdateRunStatus(ctx, id, StatusAborted, ""); err != nil {
			t.Fatalf("UpdateRunStatus failed: %v", err)
		}
		r, err := s.GetRun(ctx, id)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if r.Status != StatusAborted || r.ReportPath.Valid {
			t.Errorf("got status %s, report %v", r.Status, r.ReportPath)
		}
	})

	t.Run("completed with report path", func(t *testing.T) {
		if err := s.UpdateRunStatus(ctx, id, StatusCompleted, "/reports/x"); err != nil {
			t.Fatalf("UpdateRunStatus failed: %v", err)
		}
		r, err := s.GetRun(ctx, id)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if r.Status != StatusCompleted {
			t.Errorf("status: got %s", r.Status)
		}
		if !r.ReportPath.Valid || r.ReportPath.String != "/reports/x" {
			t.Errorf("report path: %v", r.ReportPath)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		if err := s.UpdateRunStatus(ctx, "no-such-run", StatusFailed, ""); err == nil {
			t.Error("expected error for an unknown run id")
		}
	})

	t.Run("invalid status rejected by schema", func(t *testing.T) {
		if err := s.UpdateRunStatus(ctx, id, "EXPLODED", ""); err == nil {
			t.Error("expected CHECK constraint violation")
		}
	})
}

func TestSaveMetricsPayloadsUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, "Training", "hybrid", "logs-v1", nil)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := s.SavePerformanceMetrics(ctx, id, map[string]float64{"accuracy": 0.5}); err != nil {
		t.Fatalf("SavePerformanceMetrics failed: %v", err)
	}
	// Second save for the same run replaces the payload.
	if err := s.SavePerformanceMetrics(ctx, id, map[string]float64{"accuracy": 0.9}); err != nil {
		t.Fatalf("SavePerformanceMetrics upsert failed: %v", err)
	}
	if err := s.SaveResourceMetrics(ctx, id, []int{1, 2, 3}); err != nil {
		t.Fatalf("SaveResourceMetrics failed: %v", err)
	}

	var payload string
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM performance_metrics WHERE run_id = ?`, id)
	if err := row.Scan(&payload); err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if !strings.Contains(payload, "0.9") {
		t.Errorf("upsert did not replace the payload: %q", payload)
	}

	var n int
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM performance_metrics WHERE run_id = ?`, id)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if n != 1 {
		t.Errorf("expected a single performance row per run, got %d", n)
	}
}
