package training

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/logsentinel/dataset"
	"github.com/tsawler/logsentinel/model"
	"github.com/tsawler/logsentinel/monitor"
	"github.com/tsawler/logsentinel/store"
)

// RunKindTraining is the run kind recorded for controller runs.
const RunKindTraining = "Training"

// FinalModelDir is the artifact directory name under a run's report directory.
const FinalModelDir = "final_model"

// ControllerConfig wires a training run.
type ControllerConfig struct {
	ModelName   string
	DatasetName string
	Hyper       Hyperparameters
	Model       model.Config
	Store       store.RunStore
	Callback    Callback
	TrainSet    *dataset.Dataset
	TestSet     *dataset.Dataset
	ReportsDir  string
	ArtifactDir string // optional pre-trained artifacts to resume from
	Seed        int64
	// MonitorInterval is the resource sampling period; zero means one second.
	MonitorInterval time.Duration
}

// Controller owns one staged training run end to end: run record, phases,
// evaluation, artifacts, and teardown. All model and optimizer state is
// mutated only on the goroutine that calls Run.
type Controller struct {
	cfg   ControllerConfig
	sink  logSink
	check cancelCheck

	runID      string
	reportDir  string
	model      *model.HybridModel
	stager     *model.ParameterStager
	sampler    *Sampler
	visualizer *VisualizationCollector

	runStart    time.Time
	globalStep  int
	totalSteps  int
	batchLosses []float64
}

// NewController validates nothing yet; Run performs the fail-fast checks so a
// misconfiguration still produces a callback error event.
func NewController(cfg ControllerConfig) *Controller {
	adapter := callbackAdapter{cb: cfg.Callback}
	return &Controller{
		cfg:   cfg,
		sink:  adapter,
		check: adapter,
	}
}

func (c *Controller) log(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	klog.Info(msg)
	c.sink.emit(Event{Log: msg})
}

// Run executes the full staged training pipeline and returns the terminal run
// status. The returned error carries the cause when the status is FAILED.
func (c *Controller) Run(ctx context.Context) (finalStatus string, runErr error) {
	mon := monitor.New(c.cfg.MonitorInterval)
	mon.Start()

	finalStatus = store.StatusFailed
	tornDown := false
	teardown := func() {
		if tornDown {
			return
		}
		tornDown = true

		samples := mon.Stop()
		if c.runID != "" {
			if err := c.cfg.Store.SaveResourceMetrics(ctx, c.runID, samples); err != nil {
				c.log("failed to save resource metrics: %v", err)
			}
			if c.visualizer != nil {
				if err := c.visualizer.PlotResourceUsage(samples); err != nil {
					c.log("failed to write resource usage plot: %v", err)
				}
			}
			reportPath := ""
			if finalStatus == store.StatusCompleted {
				reportPath = c.reportDir
			}
			if err := c.cfg.Store.UpdateRunStatus(ctx, c.runID, finalStatus, reportPath); err != nil {
				c.log("failed to update run status: %v", err)
			}
			c.log("Run %s finished with status: %s", c.runID, finalStatus)
		}

		// Release the large references and force reclamation; an accelerator
		// backend would also drop its cache here.
		if c.model != nil {
			c.model.Release()
			c.model = nil
		}
		c.stager = nil
		runtime.GC()

		c.sink.emit(Event{Status: finalStatus, Done: true})
	}
	defer teardown()

	if err := c.cfg.Hyper.Validate(); err != nil {
		c.sink.emit(Event{Error: err.Error()})
		return store.StatusFailed, err
	}
	if c.cfg.TrainSet == nil || c.cfg.TestSet == nil {
		err := errors.New("training and test datasets are required")
		c.sink.emit(Event{Error: err.Error()})
		return store.StatusFailed, err
	}

	runID, err := c.cfg.Store.CreateRun(ctx, RunKindTraining, c.cfg.ModelName, c.cfg.DatasetName, c.cfg.Hyper)
	if err != nil {
		err = errors.Wrap(err, "failed to create a new run record")
		c.log("CRITICAL ERROR: %v", err)
		c.sink.emit(Event{Error: err.Error()})
		return store.StatusFailed, err
	}
	c.runID = runID
	c.log("Created new training run with ID: %s", runID)

	c.reportDir = filepath.Join(c.cfg.ReportsDir, runID)
	c.visualizer, err = NewVisualizationCollector(c.cfg.ModelName, c.reportDir)
	if err != nil {
		c.sink.emit(Event{Error: err.Error()})
		return store.StatusFailed, err
	}

	c.runStart = time.Now()
	c.sampler = NewSampler(c.cfg.Seed)

	baseIndexes := c.sampler.BuildIndexes(c.cfg.TrainSet, c.cfg.Hyper.MinLessPortion)
	if added := len(baseIndexes) - c.cfg.TrainSet.Len(); added > 0 {
		c.log("Oversampling minority class with %d samples.", added)
	}

	batchesPerEpoch := len(baseIndexes) / c.cfg.Hyper.MicroBatchSize
	epochs := c.cfg.Hyper.epochsPerPhase()
	c.totalSteps = 0
	for _, n := range epochs {
		c.totalSteps += n * batchesPerEpoch
	}
	c.log("Total training steps calculated: %d", c.totalSteps)

	modelCfg := c.cfg.Model
	modelCfg.MaxContentLen = c.cfg.Hyper.MaxContentLen
	modelCfg.MaxSeqLen = c.cfg.Hyper.MaxSeqLen
	c.model, err = model.NewHybridModel(modelCfg, c.cfg.ArtifactDir, false)
	if err != nil {
		err = errors.Wrap(err, "failed to assemble model")
		c.log("CRITICAL ERROR in run %s: %v", runID, err)
		c.sink.emit(Event{Error: err.Error()})
		return store.StatusFailed, err
	}
	c.stager = model.NewParameterStager(c.model)

	allCompleted := true
	for _, phase := range buildPhases(c.cfg.Hyper) {
		if err := c.stager.Activate(phase.Mode); err != nil {
			c.sink.emit(Event{Error: err.Error()})
			return store.StatusFailed, err
		}
		result := c.trainPhase(phase, baseIndexes, modelCfg.Policy)
		if result.outcome == phaseFailed {
			err := result.err
			c.log("CRITICAL ERROR in run %s: %v", runID, err)
			c.sink.emit(Event{Error: err.Error()})
			return store.StatusFailed, err
		}
		if result.outcome == phaseAborted {
			allCompleted = false
			finalStatus = store.StatusAborted
			break
		}
	}

	if !allCompleted {
		return finalStatus, nil
	}

	evaluator := NewEvaluator(c.model, c.cfg.TestSet, c.cfg.Hyper.BatchSize, c.sink)
	metrics, err := evaluator.Evaluate(c.batchLosses)
	if err != nil {
		err = errors.Wrap(err, "evaluation failed")
		c.log("CRITICAL ERROR in run %s: %v", runID, err)
		c.sink.emit(Event{Error: err.Error()})
		return store.StatusFailed, err
	}
	metrics.TotalRunTimeSec = time.Since(c.runStart).Seconds()

	if err := c.cfg.Store.SavePerformanceMetrics(ctx, runID, metrics); err != nil {
		err = errors.Wrap(err, "failed to persist performance metrics")
		c.sink.emit(Event{Error: err.Error()})
		return store.StatusFailed, err
	}
	if err := c.visualizer.PlotConfusionMatrix(metrics.ConfusionMatrix, []string{"Normal", "Anomalous"}); err != nil {
		c.log("failed to write confusion matrix plot: %v", err)
	}
	if err := c.visualizer.PlotOverallMetrics(metrics.Overall); err != nil {
		c.log("failed to write overall metrics plot: %v", err)
	}
	if err := c.visualizer.PlotTrainingLoss(c.batchLosses); err != nil {
		c.log("failed to write training loss plot: %v", err)
	}

	if err := c.model.SaveFineTuned(filepath.Join(c.reportDir, FinalModelDir)); err != nil {
		err = errors.Wrap(err, "failed to save fine-tuned artifacts")
		c.sink.emit(Event{Error: err.Error()})
		return store.StatusFailed, err
	}

	finalStatus = store.StatusCompleted
	return finalStatus, nil
}

// trainPhase runs one curriculum stage over the shared index set.
func (c *Controller) trainPhase(phase Phase, indexes []int, policy model.Policy) phaseResult {
	if phase.Epochs <= 0 {
		return phaseResult{outcome: phaseCompleted}
	}
	c.log("--- Starting Training Phase: %s ---", phase.Name)
	c.model.Train()

	params := c.stager.TrainableParameters()
	if len(params) == 0 {
		c.log("Phase %q skipped: No trainable parameters.", phase.Name)
		return phaseResult{outcome: phaseCompleted}
	}

	optimizer := NewDefaultAdamW(params, phase.LearningRate)
	scaler := NewGradScaler(policy.MixedPrecision())
	c.log("Compute dtype: %s. Using loss scaling: %v.", policy.DType, scaler.Enabled())
	stepper := NewGradientStepper(c.model, optimizer, scaler, params, c.cfg.Hyper.GradAccumSteps())

	microBatch := c.cfg.Hyper.MicroBatchSize
	for epoch := 0; epoch < phase.Epochs; epoch++ {
		epochLabel := fmt.Sprintf("Epoch %d/%d (%s)", epoch+1, phase.Epochs, phase.Name)
		c.log("--- %s ---", epochLabel)
		c.sampler.Shuffle(indexes)
		stepper.ResetAccumulation()

		for start := 0; start < len(indexes); start += microBatch {
			c.globalStep++
			end := start + microBatch
			if end > len(indexes) {
				end = len(indexes)
			}
			seqs, labels, err := c.cfg.TrainSet.GetBatch(indexes[start:end])
			if err != nil {
				return phaseResult{outcome: phaseFailed, err: err}
			}

			loss, hasLoss, err := stepper.MicroStep(seqs, labels)
			if err != nil {
				return phaseResult{outcome: phaseFailed, err: err}
			}
			if !hasLoss {
				continue
			}

			c.batchLosses = append(c.batchLosses, loss)
			progress := 0.0
			if c.totalSteps > 0 {
				progress = float64(c.globalStep) / float64(c.totalSteps)
			}
			if progress > 1 {
				progress = 1
			}
			etc := 0.0
			if progress > 0 {
				elapsed := time.Since(c.runStart).Seconds()
				etc = elapsed * (1 - progress) / progress
			}

			decision := c.check.check(Event{
				Epoch:       epochLabel,
				Progress:    progress,
				Loss:        loss,
				ETCSeconds:  etc,
				HasProgress: true,
				HasLoss:     true,
				HasETC:      true,
			})
			if decision == Stop {
				c.log("Stop request received. Aborting training.")
				return phaseResult{outcome: phaseAborted}
			}
		}
	}
	return phaseResult{outcome: phaseCompleted}
}
