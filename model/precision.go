package model

import (
	"github.com/tsawler/logsentinel/tensor"
)

// Policy captures the device placement and compute dtype for a training run.
// Float16 routes activations through half-precision rounding; loss scaling in
// the trainer engages only under that policy.
type Policy struct {
	Device tensor.DeviceType
	DType  tensor.DType
}

// DefaultPolicy is full-precision CPU execution.
func DefaultPolicy() Policy {
	return Policy{Device: tensor.CPU, DType: tensor.Float32}
}

// MixedPrecision reports whether loss scaling should be active.
func (p Policy) MixedPrecision() bool {
	return p.DType == tensor.Float16
}

// Cast applies the compute dtype to an activation. Full precision is a no-op.
func (p Policy) Cast(t *tensor.Tensor) (*tensor.Tensor, error) {
	if p.DType != tensor.Float16 {
		return t, nil
	}
	return tensor.RoundThroughFloat16Autograd(t)
}
