package tensor

import (
	"fmt"
)

// GetFloat32Data returns the backing float32 slice. Float16 tensors share
// float32 storage; see RoundThroughFloat16.
func (t *Tensor) GetFloat32Data() ([]float32, error) {
	d, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor does not hold float32 data (dtype %s)", t.DType)
	}
	return d, nil
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	d, ok := t.Data.([]int32)
	if !ok {
		return nil, fmt.Errorf("tensor does not hold int32 data (dtype %s)", t.DType)
	}
	return d, nil
}

// Item returns the sole element of a single-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item requires a single-element tensor, got %d elements", t.NumElems)
	}
	switch d := t.Data.(type) {
	case []float32:
		return float64(d[0]), nil
	case []int32:
		return float64(d[0]), nil
	default:
		return 0, fmt.Errorf("unsupported data type %T", t.Data)
	}
}

func (t *Tensor) Clone() (*Tensor, error) {
	switch d := t.Data.(type) {
	case []float32:
		cp := make([]float32, len(d))
		copy(cp, d)
		return NewTensor(t.Shape, t.DType, t.Device, cp)
	case []int32:
		cp := make([]int32, len(d))
		copy(cp, d)
		return NewTensor(t.Shape, t.DType, t.Device, cp)
	default:
		return nil, fmt.Errorf("unsupported data type %T", t.Data)
	}
}

// SetData overwrites the tensor's backing data in place, preserving shape.
func (t *Tensor) SetData(data interface{}) error {
	return t.setData(data)
}

func (t *Tensor) Size() []int {
	return t.Shape
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// ZeroGrad clears the gradients of the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
	}
}

// accumulateGrad adds g into t's gradient, allocating on first use.
func (t *Tensor) accumulateGrad(g *Tensor) error {
	if t.grad == nil {
		cp, err := g.Clone()
		if err != nil {
			return err
		}
		t.grad = cp
		return nil
	}
	dst, err := t.grad.GetFloat32Data()
	if err != nil {
		return err
	}
	src, err := g.GetFloat32Data()
	if err != nil {
		return err
	}
	if len(dst) != len(src) {
		return fmt.Errorf("gradient shape mismatch: %v vs %v", t.grad.Shape, g.Shape)
	}
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}
