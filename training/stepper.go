package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/logsentinel/model"
	"github.com/tsawler/logsentinel/tensor"
)

// maxGradNorm is the global-norm clipping threshold applied before each step.
const maxGradNorm = 1.0

// GradientStepper runs micro-batches through the model, accumulates scaled
// gradients, and steps the optimizer once per accumulation group with
// unscaling and global-norm clipping.
type GradientStepper struct {
	model      *model.HybridModel
	criterion  *CrossEntropyLoss
	optimizer  Optimizer
	scaler     *GradScaler
	parameters []*tensor.Tensor
	accumSteps int
	microCount int
	stepCount  int
}

// NewGradientStepper wires a stepper for one training phase. parameters must
// be the currently trainable set.
func NewGradientStepper(m *model.HybridModel, optimizer Optimizer, scaler *GradScaler, parameters []*tensor.Tensor, accumSteps int) *GradientStepper {
	if accumSteps < 1 {
		accumSteps = 1
	}
	return &GradientStepper{
		model:      m,
		criterion:  NewCrossEntropyLoss(),
		optimizer:  optimizer,
		scaler:     scaler,
		parameters: parameters,
		accumSteps: accumSteps,
	}
}

// MicroStep processes one micro-batch and returns the raw (unscaled) loss.
// hasLoss is false for a degenerate micro-batch, which is skipped entirely
// and does not advance the accumulation group.
func (g *GradientStepper) MicroStep(sequences [][]string, labels []string) (loss float64, hasLoss bool, err error) {
	logits, intLabels, err := g.model.TrainHelper(sequences, labels)
	if err != nil {
		return 0, false, err
	}
	if logits == nil {
		return 0, false, nil
	}

	lossT, err := g.criterion.Forward(logits, intLabels)
	if err != nil {
		return 0, false, err
	}
	raw, err := lossT.Item()
	if err != nil {
		return 0, false, err
	}

	// The backward seed folds both the mixed-precision loss scale and the
	// accumulation divisor into one factor, so the reported loss stays raw
	// while accumulated gradients carry scale/accumSteps.
	seed := tensor.FromScalar(g.scaler.Scale()/float64(g.accumSteps), tensor.Float32, lossT.Device)
	if err := tensor.Backward(lossT, seed); err != nil {
		return 0, false, errors.Wrap(err, "backward pass failed")
	}

	g.microCount++
	if g.microCount%g.accumSteps == 0 {
		if err := g.applyStep(); err != nil {
			return 0, false, err
		}
	}
	return raw, true, nil
}

func (g *GradientStepper) applyStep() error {
	if err := g.scaler.Unscale(g.parameters); err != nil {
		return err
	}
	if !g.scaler.FoundInf() {
		if err := clipGlobalNorm(g.parameters, maxGradNorm); err != nil {
			return err
		}
		if err := g.optimizer.Step(); err != nil {
			return errors.Wrap(err, "optimizer step failed")
		}
		g.stepCount++
	}
	g.scaler.Update()
	g.optimizer.ZeroGrad()
	return nil
}

// ResetAccumulation discards a trailing incomplete accumulation group at
// epoch end without stepping the optimizer.
func (g *GradientStepper) ResetAccumulation() {
	g.microCount = 0
	g.optimizer.ZeroGrad()
}

// StepCount returns how many optimizer steps have been applied.
func (g *GradientStepper) StepCount() int {
	return g.stepCount
}

// clipGlobalNorm rescales all gradients so their joint L2 norm does not
// exceed maxNorm.
func clipGlobalNorm(parameters []*tensor.Tensor, maxNorm float64) error {
	var sq float64
	for _, param := range parameters {
		if param.Grad() == nil {
			continue
		}
		grad, err := param.Grad().GetFloat32Data()
		if err != nil {
			return err
		}
		for _, v := range grad {
			sq += float64(v) * float64(v)
		}
	}
	norm := math.Sqrt(sq)
	if norm <= maxNorm {
		return nil
	}
	factor := float32(maxNorm / (norm + 1e-6))
	for _, param := range parameters {
		if param.Grad() == nil {
			continue
		}
		grad, err := param.Grad().GetFloat32Data()
		if err != nil {
			return err
		}
		for i := range grad {
			grad[i] *= factor
		}
	}
	return nil
}
