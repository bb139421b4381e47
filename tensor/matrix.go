package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// matmulKernel multiplies a [m,k] by b [k,n] into a fresh [m,n] slice using
// gonum's blas-backed Dense multiply.
func matmulKernel(a, b []float32, m, k, n int) []float32 {
	a64 := make([]float64, len(a))
	for i, v := range a {
		a64[i] = float64(v)
	}
	b64 := make([]float64, len(b))
	for i, v := range b {
		b64[i] = float64(v)
	}

	var c mat.Dense
	c.Mul(mat.NewDense(m, k, a64), mat.NewDense(k, n, b64))

	raw := c.RawMatrix().Data
	out := make([]float32, m*n)
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out
}

// MatMul computes the product of two 2-D tensors.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", t1.Shape, t2.Shape)
	}
	if t1.Shape[1] != t2.Shape[0] {
		return nil, fmt.Errorf("matmul dimension mismatch: %v x %v", t1.Shape, t2.Shape)
	}

	a, err := t1.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	b, err := t2.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	m, k, n := t1.Shape[0], t1.Shape[1], t2.Shape[1]
	return NewTensor([]int{m, n}, t1.DType, t1.Device, matmulKernel(a, b, m, k, n))
}

// BatchedMatMul computes per-batch products of two 3-D tensors
// [batch,m,k] x [batch,k,n].
func BatchedMatMul(t1, t2 *Tensor) (*Tensor, error) {
	if len(t1.Shape) != 3 || len(t2.Shape) != 3 {
		return nil, fmt.Errorf("batched matmul requires 3D tensors, got %v and %v", t1.Shape, t2.Shape)
	}
	if t1.Shape[0] != t2.Shape[0] || t1.Shape[2] != t2.Shape[1] {
		return nil, fmt.Errorf("batched matmul dimension mismatch: %v x %v", t1.Shape, t2.Shape)
	}

	a, err := t1.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	b, err := t2.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	batch, m, k, n := t1.Shape[0], t1.Shape[1], t1.Shape[2], t2.Shape[2]
	out := make([]float32, batch*m*n)
	for i := 0; i < batch; i++ {
		res := matmulKernel(a[i*m*k:(i+1)*m*k], b[i*k*n:(i+1)*k*n], m, k, n)
		copy(out[i*m*n:], res)
	}
	return NewTensor([]int{batch, m, n}, t1.DType, t1.Device, out)
}

// TransposeLast2 swaps the trailing two dimensions of a 3-D tensor.
func TransposeLast2(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 3 {
		return nil, fmt.Errorf("TransposeLast2 requires a 3D tensor, got %v", t.Shape)
	}
	a, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	batch, rows, cols := t.Shape[0], t.Shape[1], t.Shape[2]
	out := make([]float32, t.NumElems)
	for b := 0; b < batch; b++ {
		base := b * rows * cols
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				out[base+c*rows+r] = a[base+r*cols+c]
			}
		}
	}
	return NewTensor([]int{batch, cols, rows}, t.DType, t.Device, out)
}

// Reshape returns a view-copy with a new shape of identical element count.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", t.Shape, t.NumElems, newShape)
	}
	a, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, t.NumElems)
	copy(out, a)
	return NewTensor(newShape, t.DType, t.Device, out)
}
