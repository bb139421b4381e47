package tensor

import (
	"fmt"
	"math/rand"
)

// Global random source for deterministic weight initialization.
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed resets the global random source used by the Random* creators.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	t := &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(shape),
	}

	if err := t.setData(data); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32, Float16:
		d, ok := data.([]float32)
		if !ok {
			return fmt.Errorf("expected []float32 data for %s tensor, got %T", t.DType, data)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), t.Shape, t.NumElems)
		}
		t.Data = d
	case Int32:
		d, ok := data.([]int32)
		if !ok {
			return fmt.Errorf("expected []int32 data for Int32 tensor, got %T", data)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), t.Shape, t.NumElems)
		}
		t.Data = d
	default:
		return fmt.Errorf("unsupported dtype %v", t.DType)
	}
	return nil
}

func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	switch dtype {
	case Float32, Float16:
		return NewTensor(shape, dtype, device, make([]float32, calculateNumElements(shape)))
	case Int32:
		return NewTensor(shape, dtype, device, make([]int32, calculateNumElements(shape)))
	default:
		return nil, fmt.Errorf("unsupported dtype %v", dtype)
	}
}

func Ones(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	n := calculateNumElements(shape)
	switch dtype {
	case Float32, Float16:
		data := make([]float32, n)
		for i := range data {
			data[i] = 1
		}
		return NewTensor(shape, dtype, device, data)
	case Int32:
		data := make([]int32, n)
		for i := range data {
			data[i] = 1
		}
		return NewTensor(shape, dtype, device, data)
	default:
		return nil, fmt.Errorf("unsupported dtype %v", dtype)
	}
}

func Full(shape []int, value float32, dtype DType, device DeviceType) (*Tensor, error) {
	n := calculateNumElements(shape)
	data := make([]float32, n)
	for i := range data {
		data[i] = value
	}
	return NewTensor(shape, dtype, device, data)
}

func FromScalar(value float64, dtype DType, device DeviceType) *Tensor {
	t, _ := NewTensor([]int{1}, dtype, device, []float32{float32(value)})
	return t
}

// RandomNormal draws from N(mean, std) using the global seeded source.
func RandomNormal(shape []int, mean, std float32, dtype DType, device DeviceType) (*Tensor, error) {
	n := calculateNumElements(shape)
	data := make([]float32, n)
	for i := range data {
		data[i] = mean + std*float32(globalRng.NormFloat64())
	}
	return NewTensor(shape, dtype, device, data)
}

// RandomUniform draws from U(-bound, bound), the Xavier/Glorot convention.
func RandomUniform(shape []int, bound float64, dtype DType, device DeviceType) (*Tensor, error) {
	n := calculateNumElements(shape)
	data := make([]float32, n)
	for i := range data {
		data[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	return NewTensor(shape, dtype, device, data)
}
