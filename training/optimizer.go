package training

import (
	"fmt"
	"math"

	"github.com/tsawler/logsentinel/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// AdamW implements Adam with decoupled weight decay.
type AdamW struct {
	parameters   []*tensor.Tensor
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	weightDecay  float64
	stepCount    int

	m map[*tensor.Tensor][]float32 // first moment
	v map[*tensor.Tensor][]float32 // second moment
}

// NewAdamW creates an AdamW optimizer over the given parameters.
func NewAdamW(parameters []*tensor.Tensor, lr, beta1, beta2, epsilon, weightDecay float64) *AdamW {
	return &AdamW{
		parameters:   parameters,
		learningRate: lr,
		beta1:        beta1,
		beta2:        beta2,
		epsilon:      epsilon,
		weightDecay:  weightDecay,
		m:            make(map[*tensor.Tensor][]float32),
		v:            make(map[*tensor.Tensor][]float32),
	}
}

// NewDefaultAdamW uses the usual beta/epsilon constants with a small decay.
func NewDefaultAdamW(parameters []*tensor.Tensor, lr float64) *AdamW {
	return NewAdamW(parameters, lr, 0.9, 0.999, 1e-8, 0.01)
}

// Step performs a single optimization step over parameters that hold
// gradients. Parameters without gradients (frozen or untouched this phase)
// are skipped.
func (a *AdamW) Step() error {
	a.stepCount++
	bc1 := 1.0 - math.Pow(a.beta1, float64(a.stepCount))
	bc2 := 1.0 - math.Pow(a.beta2, float64(a.stepCount))

	for _, param := range a.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("adamw: %v", err)
		}
		grad, err := param.Grad().GetFloat32Data()
		if err != nil {
			return fmt.Errorf("adamw: %v", err)
		}

		mState, ok := a.m[param]
		if !ok {
			mState = make([]float32, len(data))
			a.m[param] = mState
		}
		vState, ok := a.v[param]
		if !ok {
			vState = make([]float32, len(data))
			a.v[param] = vState
		}

		lr := a.learningRate
		for i := range data {
			g := float64(grad[i])
			mVal := a.beta1*float64(mState[i]) + (1-a.beta1)*g
			vVal := a.beta2*float64(vState[i]) + (1-a.beta2)*g*g
			mState[i] = float32(mVal)
			vState[i] = float32(vVal)

			mHat := mVal / bc1
			vHat := vVal / bc2

			// Decoupled weight decay: applied to the weight directly, not
			// folded into the gradient.
			update := lr*mHat/(math.Sqrt(vHat)+a.epsilon) + lr*a.weightDecay*float64(data[i])
			data[i] -= float32(update)
		}
	}
	return nil
}

// ZeroGrad resets gradients for all parameters.
func (a *AdamW) ZeroGrad() {
	tensor.ZeroGrad(a.parameters)
}

func (a *AdamW) GetLR() float64 {
	return a.learningRate
}

func (a *AdamW) SetLR(lr float64) {
	a.learningRate = lr
}

// StepCount returns how many optimizer steps have run.
func (a *AdamW) StepCount() int {
	return a.stepCount
}
