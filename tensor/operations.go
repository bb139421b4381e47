package tensor

import (
	"fmt"
	"math"
)

func checkSameShape(t1, t2 *Tensor) error {
	if !shapesEqual(t1.Shape, t2.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

// Add performs elementwise addition. The second operand may either match the
// first's shape exactly or be a 1-D tensor matching the trailing dimension
// (the bias-broadcast case).
func Add(t1, t2 *Tensor) (*Tensor, error) {
	a, err := t1.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	b, err := t2.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	out := make([]float32, t1.NumElems)
	switch {
	case shapesEqual(t1.Shape, t2.Shape):
		for i := range a {
			out[i] = a[i] + b[i]
		}
	case len(t2.Shape) == 1 && t2.Shape[0] == t1.Shape[len(t1.Shape)-1]:
		w := t2.Shape[0]
		for i := range a {
			out[i] = a[i] + b[i%w]
		}
	default:
		return nil, fmt.Errorf("add: shapes %v and %v are not broadcastable", t1.Shape, t2.Shape)
	}
	return NewTensor(t1.Shape, t1.DType, t1.Device, out)
}

// Sub performs elementwise subtraction of same-shape tensors.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkSameShape(t1, t2); err != nil {
		return nil, err
	}
	a, err := t1.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	b, err := t2.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, t1.NumElems)
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return NewTensor(t1.Shape, t1.DType, t1.Device, out)
}

// Mul performs elementwise multiplication of same-shape tensors.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkSameShape(t1, t2); err != nil {
		return nil, err
	}
	a, err := t1.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	b, err := t2.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, t1.NumElems)
	for i := range a {
		out[i] = a[i] * b[i]
	}
	return NewTensor(t1.Shape, t1.DType, t1.Device, out)
}

// Scale multiplies every element by a scalar.
func Scale(t *Tensor, s float64) (*Tensor, error) {
	a, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	f := float32(s)
	out := make([]float32, t.NumElems)
	for i := range a {
		out[i] = a[i] * f
	}
	return NewTensor(t.Shape, t.DType, t.Device, out)
}

const (
	geluCoeffA = 0.7978845608028654 // sqrt(2/pi)
	geluCoeffB = 0.044715
)

// GELU applies the tanh approximation of the Gaussian error linear unit.
func GELU(t *Tensor) (*Tensor, error) {
	a, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, t.NumElems)
	for i, x := range a {
		xf := float64(x)
		inner := geluCoeffA * (xf + geluCoeffB*xf*xf*xf)
		out[i] = float32(0.5 * xf * (1.0 + math.Tanh(inner)))
	}
	return NewTensor(t.Shape, t.DType, t.Device, out)
}

func geluDerivative(x float64) float64 {
	inner := geluCoeffA * (x + geluCoeffB*x*x*x)
	tanhInner := math.Tanh(inner)
	sech2 := 1.0 - tanhInner*tanhInner
	return 0.5*(1.0+tanhInner) + 0.5*x*sech2*geluCoeffA*(1.0+3.0*geluCoeffB*x*x)
}

// SoftmaxLastDim applies a max-subtracted softmax over the trailing dimension.
func SoftmaxLastDim(t *Tensor) (*Tensor, error) {
	a, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	w := t.Shape[len(t.Shape)-1]
	out := make([]float32, t.NumElems)
	for row := 0; row < t.NumElems/w; row++ {
		off := row * w

		maxVal := a[off]
		for j := 1; j < w; j++ {
			if a[off+j] > maxVal {
				maxVal = a[off+j]
			}
		}

		var sum float32
		for j := 0; j < w; j++ {
			e := float32(math.Exp(float64(a[off+j] - maxVal)))
			out[off+j] = e
			sum += e
		}
		for j := 0; j < w; j++ {
			out[off+j] /= sum
		}
	}
	return NewTensor(t.Shape, t.DType, t.Device, out)
}

// RoundThroughFloat16 rounds every element through IEEE 754 half precision.
// It is the compute-dtype hook for the Float16 precision policy: values keep
// float32 storage but carry half-precision resolution.
func RoundThroughFloat16(t *Tensor) (*Tensor, error) {
	a, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, t.NumElems)
	for i, x := range a {
		out[i] = Float16ToFloat32(Float32ToFloat16(x))
	}
	return NewTensor(t.Shape, t.DType, t.Device, out)
}

// Float32ToFloat16 converts to IEEE 754 binary16 with round-to-nearest-even.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits >> 16 & 0x8000)
	exp := int32(bits>>23&0xff) - 127 + 15
	mant := bits & 0x7fffff

	switch {
	case exp >= 0x1f:
		// Overflow and infinities saturate to infinity; NaN keeps a payload bit.
		if int32(bits>>23&0xff) == 0xff && mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		if mant>>(shift-1)&1 != 0 {
			half++
		}
		return sign | half
	default:
		half := sign | uint16(exp)<<10 | uint16(mant>>13)
		if mant&0x1000 != 0 {
			half++
		}
		return half
	}
}

// Float16ToFloat32 converts from IEEE 754 binary16.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h >> 10 & 0x1f)
	mant := uint32(h & 0x3ff)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: normalize.
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3ff
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}
