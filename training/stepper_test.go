package training

import (
	"math"
	"testing"

	"github.com/tsawler/logsentinel/model"
	"github.com/tsawler/logsentinel/tensor"
)

func smallModelConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.EncoderVocab = 64
	cfg.EncoderHidden = 8
	cfg.Width = 8
	cfg.DecoderLayers = 1
	cfg.PrefixLen = 2
	return cfg
}

func newStagedModel(t *testing.T, seed int64) (*model.HybridModel, []*tensor.Tensor) {
	t.Helper()
	tensor.SetRandomSeed(seed)
	m, err := model.NewHybridModel(smallModelConfig(), "", false)
	if err != nil {
		t.Fatalf("NewHybridModel failed: %v", err)
	}
	stager := model.NewParameterStager(m)
	if err := stager.Activate(model.StageProjectorClassifier); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	return m, stager.TrainableParameters()
}

func snapshot(t *testing.T, params []*tensor.Tensor) [][]float32 {
	t.Helper()
	out := make([][]float32, len(params))
	for i, p := range params {
		data, err := p.GetFloat32Data()
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		out[i] = append([]float32(nil), data...)
	}
	return out
}

func changed(a, b [][]float32) bool {
	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return true
			}
		}
	}
	return false
}

var stepperBatch = [][]string{
	{"INFO request served", "INFO cache hit"},
	{"ERROR timeout", "ERROR retry failed"},
}
var stepperLabels = []string{"normal", "anomalous"}

func TestStepperAccumulationCadence(t *testing.T) {
	m, params := newStagedModel(t, 21)
	opt := NewDefaultAdamW(params, 0.01)
	stepper := NewGradientStepper(m, opt, NewGradScaler(false), params, 2)

	before := snapshot(t, params)
	loss, hasLoss, err := stepper.MicroStep(stepperBatch, stepperLabels)
	if err != nil {
		t.Fatalf("MicroStep failed: %v", err)
	}
	if !hasLoss {
		t.Fatal("expected a loss for a real batch")
	}
	if loss <= 0 || math.IsNaN(loss) {
		t.Fatalf("unexpected loss %v", loss)
	}
	if changed(before, snapshot(t, params)) {
		t.Fatal("parameters must not move before the accumulation group completes")
	}
	if stepper.StepCount() != 0 {
		t.Fatalf("no optimizer step expected yet, got %d", stepper.StepCount())
	}

	if _, _, err := stepper.MicroStep(stepperBatch, stepperLabels); err != nil {
		t.Fatalf("MicroStep failed: %v", err)
	}
	if !changed(before, snapshot(t, params)) {
		t.Fatal("parameters must move after a full accumulation group")
	}
	if stepper.StepCount() != 1 {
		t.Fatalf("expected exactly one optimizer step, got %d", stepper.StepCount())
	}
}

func TestStepperDegenerateBatchDoesNotAdvanceGroup(t *testing.T) {
	m, params := newStagedModel(t, 22)
	opt := NewDefaultAdamW(params, 0.01)
	stepper := NewGradientStepper(m, opt, NewGradScaler(false), params, 2)

	if _, _, err := stepper.MicroStep(stepperBatch, stepperLabels); err != nil {
		t.Fatalf("MicroStep failed: %v", err)
	}
	loss, hasLoss, err := stepper.MicroStep([][]string{{}}, []string{"normal"})
	if err != nil {
		t.Fatalf("degenerate MicroStep failed: %v", err)
	}
	if hasLoss || loss != 0 {
		t.Fatal("degenerate batch must not produce a loss entry")
	}
	if stepper.StepCount() != 0 {
		t.Fatal("degenerate batch must not complete the accumulation group")
	}

	if _, _, err := stepper.MicroStep(stepperBatch, stepperLabels); err != nil {
		t.Fatalf("MicroStep failed: %v", err)
	}
	if stepper.StepCount() != 1 {
		t.Fatalf("expected one optimizer step after two real micro-batches, got %d", stepper.StepCount())
	}
}

func TestStepperReportedLossIsUnscaled(t *testing.T) {
	m1, params1 := newStagedModel(t, 23)
	m2, params2 := newStagedModel(t, 23)

	s1 := NewGradientStepper(m1, NewDefaultAdamW(params1, 0.01), NewGradScaler(false), params1, 4)
	s2 := NewGradientStepper(m2, NewDefaultAdamW(params2, 0.01), NewGradScaler(true), params2, 4)

	// Dropout is the only stochastic part of the forward; equal seeds keep
	// both models on the same draw sequence.
	tensor.SetRandomSeed(7)
	loss1, _, err := s1.MicroStep(stepperBatch, stepperLabels)
	if err != nil {
		t.Fatalf("MicroStep failed: %v", err)
	}
	tensor.SetRandomSeed(7)
	loss2, _, err := s2.MicroStep(stepperBatch, stepperLabels)
	if err != nil {
		t.Fatalf("MicroStep failed: %v", err)
	}
	if math.Abs(loss1-loss2) > 1e-6 {
		t.Errorf("reported loss must be independent of loss scaling: %v vs %v", loss1, loss2)
	}
}

func TestStepperResetAccumulationDiscardsTrailingGroup(t *testing.T) {
	m, params := newStagedModel(t, 24)
	opt := NewDefaultAdamW(params, 0.01)
	stepper := NewGradientStepper(m, opt, NewGradScaler(false), params, 2)

	if _, _, err := stepper.MicroStep(stepperBatch, stepperLabels); err != nil {
		t.Fatalf("MicroStep failed: %v", err)
	}
	before := snapshot(t, params)
	stepper.ResetAccumulation()
	if stepper.StepCount() != 0 {
		t.Fatal("trailing incomplete group must not step the optimizer")
	}
	for _, p := range params {
		if p.Grad() != nil {
			t.Fatal("trailing gradients must be discarded at epoch end")
		}
	}
	if changed(before, snapshot(t, params)) {
		t.Fatal("reset must not move parameters")
	}
}

func TestClipGlobalNorm(t *testing.T) {
	p := paramWithGrad(t, []float32{0, 0}, []float32{3, 4})
	if err := clipGlobalNorm([]*tensor.Tensor{p}, 1.0); err != nil {
		t.Fatalf("clipGlobalNorm failed: %v", err)
	}
	g, _ := p.Grad().GetFloat32Data()
	norm := math.Sqrt(float64(g[0])*float64(g[0]) + float64(g[1])*float64(g[1]))
	if math.Abs(norm-1.0) > 1e-4 {
		t.Errorf("clipped norm %v, want 1.0", norm)
	}
	// Direction preserved: 3:4 ratio.
	if math.Abs(float64(g[0])/float64(g[1])-0.75) > 1e-4 {
		t.Errorf("clipping changed gradient direction: %v", g)
	}

	small := paramWithGrad(t, []float32{0}, []float32{0.5})
	if err := clipGlobalNorm([]*tensor.Tensor{small}, 1.0); err != nil {
		t.Fatalf("clipGlobalNorm failed: %v", err)
	}
	sg, _ := small.Grad().GetFloat32Data()
	if sg[0] != 0.5 {
		t.Errorf("norm below threshold must be untouched, got %v", sg[0])
	}
}
