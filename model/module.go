package model

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/logsentinel/tensor"
)

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a new Linear layer with Xavier/Glorot uniform
// initialization: W ~ U(-sqrt(6/(fan_in+fan_out)), sqrt(6/(fan_in+fan_out))).
func NewLinear(inputSize, outputSize int, bias bool, device tensor.DeviceType) (*Linear, error) {
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weight, err := tensor.RandomUniform([]int{inputSize, outputSize}, bound, tensor.Float32, device)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create weight tensor")
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		weight:   weight,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32, device)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create bias tensor")
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}
	return linear, nil
}

// Forward computes xW + b. Accepts [rows, in] or [batch, seq, in] input; a 3-D
// input is flattened for the product and restored afterwards.
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x := input
	var batchShape []int
	if len(input.Shape) == 3 {
		batchShape = input.Shape
		flat, err := tensor.ReshapeAutograd(input, []int{input.Shape[0] * input.Shape[1], input.Shape[2]})
		if err != nil {
			return nil, err
		}
		x = flat
	}

	out, err := tensor.MatMulAutograd(x, l.weight)
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		out, err = tensor.AddAutograd(out, l.bias)
		if err != nil {
			return nil, err
		}
	}

	if batchShape != nil {
		out, err = tensor.ReshapeAutograd(out, []int{batchShape[0], batchShape[1], l.weight.Shape[1]})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

func (l *Linear) Weight() *tensor.Tensor { return l.weight }
func (l *Linear) Bias() *tensor.Tensor   { return l.bias }

// Freeze marks all parameters as non-trainable.
func (l *Linear) Freeze() {
	for _, p := range l.Parameters() {
		p.SetRequiresGrad(false)
	}
}
