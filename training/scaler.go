package training

import (
	"math"

	"k8s.io/klog/v2"

	"github.com/tsawler/logsentinel/tensor"
)

// GradScaler implements dynamic loss scaling for mixed-precision training.
// The loss gradient is seeded with the scale factor; before an optimizer step
// the gradients are unscaled and checked for overflow. An overflowing step is
// skipped and the scale backs off; a long run of good steps grows it.
type GradScaler struct {
	enabled        bool
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	growthCounter  int
	foundInf       bool
}

// NewGradScaler creates a scaler. When disabled every operation is a no-op
// and Scale reports 1.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		enabled:        enabled,
		scale:          65536.0,
		growthFactor:   2.0,
		backoffFactor:  0.5,
		growthInterval: 2000,
	}
}

func (gs *GradScaler) Enabled() bool { return gs.enabled }

// Scale returns the current loss scale factor.
func (gs *GradScaler) Scale() float64 {
	if !gs.enabled {
		return 1.0
	}
	return gs.scale
}

// Unscale divides accumulated gradients by the scale and records whether any
// gradient overflowed. Call once per optimizer step, before clipping.
func (gs *GradScaler) Unscale(parameters []*tensor.Tensor) error {
	gs.foundInf = false
	if !gs.enabled {
		return gs.scan(parameters, 1.0)
	}
	return gs.scan(parameters, 1.0/gs.scale)
}

func (gs *GradScaler) scan(parameters []*tensor.Tensor, inv float64) error {
	for _, param := range parameters {
		if param.Grad() == nil {
			continue
		}
		grad, err := param.Grad().GetFloat32Data()
		if err != nil {
			return err
		}
		for i := range grad {
			v := float64(grad[i]) * inv
			if math.IsInf(v, 0) || math.IsNaN(v) {
				gs.foundInf = true
			}
			grad[i] = float32(v)
		}
	}
	return nil
}

// FoundInf reports whether the last Unscale saw a non-finite gradient; the
// stepper skips the optimizer step in that case.
func (gs *GradScaler) FoundInf() bool {
	return gs.foundInf
}

// Update adjusts the scale after a step attempt: back off on overflow, grow
// after a run of clean steps.
func (gs *GradScaler) Update() {
	if !gs.enabled {
		return
	}
	if gs.foundInf {
		gs.scale *= gs.backoffFactor
		gs.growthCounter = 0
		klog.V(2).Infof("gradient overflow, loss scale backed off to %.0f", gs.scale)
		return
	}
	gs.growthCounter++
	if gs.growthCounter >= gs.growthInterval {
		gs.scale *= gs.growthFactor
		gs.growthCounter = 0
	}
}
