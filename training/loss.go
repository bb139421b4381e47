package training

import (
	"github.com/tsawler/logsentinel/tensor"
)

// CrossEntropyLoss computes mean softmax cross entropy over integer class
// labels, participating in the autograd graph.
type CrossEntropyLoss struct{}

func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward returns the scalar mean loss for logits [batch, classes].
func (c *CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	return tensor.CrossEntropyAutograd(logits, labels)
}
