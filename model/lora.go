package model

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/logsentinel/tensor"
)

// LoRALinear wraps a frozen base projection with a trainable low-rank update:
// y = xW + dropout(x) A B * (alpha/rank). Only A and B train.
type LoRALinear struct {
	base     *Linear
	loraA    *tensor.Tensor
	loraB    *tensor.Tensor
	rank     int
	alpha    float64
	dropout  float64
	training bool
}

// NewLoRALinear creates an adapted projection. A initializes like a small
// linear layer; B starts at zero so the adapter begins as an identity update.
func NewLoRALinear(inputSize, outputSize, rank int, alpha, dropout float64, device tensor.DeviceType) (*LoRALinear, error) {
	if rank <= 0 {
		return nil, errors.Errorf("invalid adapter rank %d", rank)
	}
	base, err := NewLinear(inputSize, outputSize, false, device)
	if err != nil {
		return nil, err
	}
	base.Freeze()

	bound := 1.0 / math.Sqrt(float64(inputSize))
	loraA, err := tensor.RandomUniform([]int{inputSize, rank}, bound, tensor.Float32, device)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create adapter A")
	}
	loraA.SetRequiresGrad(true)

	loraB, err := tensor.Zeros([]int{rank, outputSize}, tensor.Float32, device)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create adapter B")
	}
	loraB.SetRequiresGrad(true)

	return &LoRALinear{
		base:     base,
		loraA:    loraA,
		loraB:    loraB,
		rank:     rank,
		alpha:    alpha,
		dropout:  dropout,
		training: true,
	}, nil
}

func (l *LoRALinear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x := input
	var batchShape []int
	if len(input.Shape) == 3 {
		flat, err := tensor.ReshapeAutograd(input, []int{input.Shape[0] * input.Shape[1], input.Shape[2]})
		if err != nil {
			return nil, err
		}
		batchShape = input.Shape
		x = flat
	}

	out, err := tensor.MatMulAutograd(x, l.base.weight)
	if err != nil {
		return nil, err
	}

	dropped := x
	if l.training && l.dropout > 0 {
		dropped, err = tensor.DropoutAutograd(x, l.dropout)
		if err != nil {
			return nil, err
		}
	}
	low, err := tensor.MatMulAutograd(dropped, l.loraA)
	if err != nil {
		return nil, err
	}
	update, err := tensor.MatMulAutograd(low, l.loraB)
	if err != nil {
		return nil, err
	}
	update, err = tensor.ScaleAutograd(update, l.alpha/float64(l.rank))
	if err != nil {
		return nil, err
	}
	out, err = tensor.AddAutograd(out, update)
	if err != nil {
		return nil, err
	}

	if batchShape != nil {
		out, err = tensor.ReshapeAutograd(out, []int{batchShape[0], batchShape[1], l.base.weight.Shape[1]})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Parameters returns only the adapter matrices; the base weight is frozen.
func (l *LoRALinear) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{l.loraA, l.loraB}
}

func (l *LoRALinear) Train()           { l.training = true }
func (l *LoRALinear) Eval()            { l.training = false }
func (l *LoRALinear) IsTraining() bool { return l.training }

func (l *LoRALinear) AdapterA() *tensor.Tensor { return l.loraA }
func (l *LoRALinear) AdapterB() *tensor.Tensor { return l.loraB }
