package training

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/logsentinel/model"
	"github.com/tsawler/logsentinel/store"
	"github.com/tsawler/logsentinel/tensor"
)

// fakeStore records persistence calls in memory.
type fakeStore struct {
	mu            sync.Mutex
	failCreate    bool
	runs          map[string]string // id -> status
	reportPaths   map[string]string
	perfSaved     map[string]interface{}
	resourceSaved map[string]interface{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:          make(map[string]string),
		reportPaths:   make(map[string]string),
		perfSaved:     make(map[string]interface{}),
		resourceSaved: make(map[string]interface{}),
	}
}

func (f *fakeStore) CreateRun(ctx context.Context, kind, modelName, datasetName string, hp interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return "", errors.New("database unavailable")
	}
	id := "run-1"
	f.runs[id] = store.StatusRunning
	return id, nil
}

func (f *fakeStore) UpdateRunStatus(ctx context.Context, runID, status, reportPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[runID] = status
	if reportPath != "" {
		f.reportPaths[runID] = reportPath
	}
	return nil
}

func (f *fakeStore) SavePerformanceMetrics(ctx context.Context, runID string, metrics interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perfSaved[runID] = metrics
	return nil
}

func (f *fakeStore) SaveResourceMetrics(ctx context.Context, runID string, samples interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resourceSaved[runID] = samples
	return nil
}

func tinyHyper() Hyperparameters {
	hp := DefaultHyperparameters()
	hp.BatchSize = 4
	hp.MicroBatchSize = 2
	hp.NEpochsPhase1 = 1
	hp.NEpochsPhase2 = 0
	hp.NEpochsPhase3 = 1
	hp.NEpochsPhase4 = 0
	hp.MinLessPortion = 0.25
	return hp
}

func controllerFixture(t *testing.T, st store.RunStore, cb Callback, hp Hyperparameters) *Controller {
	t.Helper()
	tensor.SetRandomSeed(31)
	return NewController(ControllerConfig{
		ModelName:   "test-model",
		DatasetName: "test-data",
		Hyper:       hp,
		Model:       smallModelConfig(),
		Store:       st,
		Callback:    cb,
		TrainSet:    makeDataset(t, 10, 2),
		TestSet:     makeDataset(t, 6, 2),
		ReportsDir:  t.TempDir(),
		Seed:        9,
	})
}

func TestControllerCompletedRun(t *testing.T) {
	st := newFakeStore()
	var events []Event
	c := controllerFixture(t, st, func(e Event) Decision {
		events = append(events, e)
		return Continue
	}, tinyHyper())

	status, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("status: got %s, want COMPLETED", status)
	}
	if st.runs["run-1"] != store.StatusCompleted {
		t.Errorf("persisted status: got %s", st.runs["run-1"])
	}
	if _, ok := st.perfSaved["run-1"]; !ok {
		t.Error("performance metrics must be persisted on the COMPLETED path")
	}
	if _, ok := st.resourceSaved["run-1"]; !ok {
		t.Error("resource metrics must be persisted")
	}

	reportDir, ok := st.reportPaths["run-1"]
	if !ok {
		t.Fatal("report path must be recorded for a completed run")
	}
	for _, name := range []string{
		filepath.Join(FinalModelDir, model.AdapterArtifact),
		filepath.Join(FinalModelDir, model.ProjectorArtifact),
		filepath.Join(FinalModelDir, model.ClassifierArtifact),
		"confusion_matrix.json",
		"overall_metrics.json",
		"training_loss.json",
		"resource_usage.json",
	} {
		if _, err := os.Stat(filepath.Join(reportDir, name)); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}

	final := events[len(events)-1]
	if !final.Done || final.Status != store.StatusCompleted {
		t.Errorf("final event must carry {status, done}: %+v", final)
	}

	// Training progress must be monotone non-decreasing and clamped to [0,1].
	// Evaluation restarts its own progress series, so filter on loss events.
	last := 0.0
	for _, e := range events {
		if !e.HasLoss {
			continue
		}
		if e.Progress < last-1e-9 || e.Progress > 1 {
			t.Fatalf("progress not monotone in [0,1]: %v after %v", e.Progress, last)
		}
		last = e.Progress
	}
}

func TestControllerCancellationAtomicity(t *testing.T) {
	st := newFakeStore()
	lossEvents := 0
	c := controllerFixture(t, st, func(e Event) Decision {
		if e.HasLoss {
			lossEvents++
			if lossEvents == 2 {
				return Stop
			}
			if lossEvents > 2 {
				t.Fatal("micro-batch executed after STOP")
			}
		}
		return Continue
	}, tinyHyper())

	status, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if status != store.StatusAborted {
		t.Fatalf("status: got %s, want ABORTED", status)
	}
	if st.runs["run-1"] != store.StatusAborted {
		t.Errorf("persisted status: got %s", st.runs["run-1"])
	}
	if _, ok := st.perfSaved["run-1"]; ok {
		t.Error("no performance metrics may be persisted on the ABORTED path")
	}
	if _, ok := st.reportPaths["run-1"]; ok {
		t.Error("no report path may be recorded on the ABORTED path")
	}
	// Resource metrics are part of teardown and still flushed.
	if _, ok := st.resourceSaved["run-1"]; !ok {
		t.Error("resource metrics must still be saved after an abort")
	}
}

func TestControllerPhaseSkipping(t *testing.T) {
	hp := tinyHyper()
	hp.NEpochsPhase1 = 0
	hp.NEpochsPhase2 = 0
	hp.NEpochsPhase3 = 1
	hp.NEpochsPhase4 = 0

	st := newFakeStore()
	epochLabels := make(map[string]bool)
	c := controllerFixture(t, st, func(e Event) Decision {
		if e.HasLoss {
			epochLabels[e.Epoch] = true
		}
		return Continue
	}, hp)

	status, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("status: got %s", status)
	}
	for label := range epochLabels {
		if !strings.Contains(label, "Projector+Classifier") {
			t.Errorf("unexpected training activity in %q", label)
		}
	}
	if len(epochLabels) == 0 {
		t.Error("phase 3 must execute training steps")
	}

	// Only phase 3 contributes to the step budget.
	if c.totalSteps == 0 {
		t.Error("total steps must count exactly the scheduled phase")
	}
	if c.globalStep > c.totalSteps {
		t.Errorf("executed %d steps, budget %d", c.globalStep, c.totalSteps)
	}
}

func TestControllerFailedRunRecordCreation(t *testing.T) {
	st := newFakeStore()
	st.failCreate = true
	var errorEvents []string
	var finalStatus string
	c := controllerFixture(t, st, func(e Event) Decision {
		if e.Error != "" {
			errorEvents = append(errorEvents, e.Error)
		}
		if e.Done {
			finalStatus = e.Status
		}
		return Continue
	}, tinyHyper())

	status, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("expected error when run record creation fails")
	}
	if status != store.StatusFailed {
		t.Fatalf("status: got %s, want FAILED", status)
	}
	if len(errorEvents) == 0 {
		t.Error("failure must surface through the callback error field")
	}
	if finalStatus != store.StatusFailed {
		t.Errorf("final event status: got %q", finalStatus)
	}
	if len(st.runs) != 0 {
		t.Error("no run row may exist when creation failed")
	}
}

func TestControllerInvalidHyperparameters(t *testing.T) {
	hp := tinyHyper()
	hp.BatchSize = 3 // not a multiple of MicroBatchSize=2
	st := newFakeStore()
	c := controllerFixture(t, st, nil, hp)

	status, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("expected validation error")
	}
	if status != store.StatusFailed {
		t.Fatalf("status: got %s, want FAILED", status)
	}
	if len(st.runs) != 0 {
		t.Error("validation must fail before any run record exists")
	}
}

func TestHyperparametersValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Hyperparameters)
		ok     bool
	}{
		{"defaults", func(hp *Hyperparameters) {}, true},
		{"zero micro batch", func(hp *Hyperparameters) { hp.MicroBatchSize = 0 }, false},
		{"batch not multiple", func(hp *Hyperparameters) { hp.BatchSize = 10; hp.MicroBatchSize = 4 }, false},
		{"negative epochs", func(hp *Hyperparameters) { hp.NEpochsPhase2 = -1 }, false},
		{"negative lr", func(hp *Hyperparameters) { hp.LRPhase4 = -0.1 }, false},
		{"portion one", func(hp *Hyperparameters) { hp.MinLessPortion = 1 }, false},
		{"portion zero disables", func(hp *Hyperparameters) { hp.MinLessPortion = 0 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hp := DefaultHyperparameters()
			tc.mutate(&hp)
			err := hp.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
