package tensor

import (
	"fmt"
	"math"
)

// Backward runs reverse-mode differentiation from root, accumulating into the
// grad of every reachable tensor with requiresGrad set. seed is the gradient
// of the loss with respect to root; nil means a ones tensor, which is the
// plain dL/dL case for scalar losses.
func Backward(root *Tensor, seed *Tensor) error {
	if root.creator == nil && !root.requiresGrad {
		return nil
	}
	if seed == nil {
		var err error
		seed, err = Ones(root.Shape, Float32, root.Device)
		if err != nil {
			return err
		}
	}
	if !shapesEqual(seed.Shape, root.Shape) {
		return fmt.Errorf("seed gradient shape %v does not match root shape %v", seed.Shape, root.Shape)
	}

	// Topological order over the creator graph.
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		if t.creator != nil {
			for _, in := range t.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, t)
	}
	visit(root)

	grads := map[*Tensor]*Tensor{root: seed}
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		g := grads[t]
		if g == nil {
			continue
		}
		if t.requiresGrad {
			if err := t.accumulateGrad(g); err != nil {
				return err
			}
		}
		if t.creator == nil {
			continue
		}
		inputGrads := t.creator.Backward(g)
		inputs := t.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inputGrads), len(inputs))
		}
		for j, in := range inputs {
			ig := inputGrads[j]
			if ig == nil {
				continue
			}
			if existing := grads[in]; existing == nil {
				grads[in] = ig
			} else if err := addInto(existing, ig); err != nil {
				return err
			}
		}
	}
	return nil
}

func addInto(dst, src *Tensor) error {
	d, err := dst.GetFloat32Data()
	if err != nil {
		return err
	}
	s, err := src.GetFloat32Data()
	if err != nil {
		return err
	}
	if len(d) != len(s) {
		return fmt.Errorf("gradient accumulation shape mismatch: %v vs %v", dst.Shape, src.Shape)
	}
	for i := range d {
		d[i] += s[i]
	}
	return nil
}

// needsGraph reports whether the input still participates in differentiation,
// either as a trainable leaf or as an interior node. Frozen leaves short-
// circuit gradient computation for their branch.
func needsGraph(t *Tensor) bool {
	return t != nil && (t.requiresGrad || t.creator != nil)
}

func mustF32(t *Tensor) []float32 {
	d, err := t.GetFloat32Data()
	if err != nil {
		panic(fmt.Sprintf("autograd: %v", err))
	}
	return d
}

func mustTensor(t *Tensor, err error) *Tensor {
	if err != nil {
		panic(fmt.Sprintf("autograd: %v", err))
	}
	return t
}

// --- matrix multiplication ---

type matMulOp struct {
	a, b *Tensor
}

func (op *matMulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *matMulOp) Backward(gradOut *Tensor) []*Tensor {
	var gradA, gradB *Tensor
	if needsGraph(op.a) {
		bT := mustTensor(transpose2D(op.b))
		gradA = mustTensor(MatMul(gradOut, bT))
	}
	if needsGraph(op.b) {
		aT := mustTensor(transpose2D(op.a))
		gradB = mustTensor(MatMul(aT, gradOut))
	}
	return []*Tensor{gradA, gradB}
}

func transpose2D(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose2D requires 2D tensor, got %v", t.Shape)
	}
	a, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]float32, t.NumElems)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = a[r*cols+c]
		}
	}
	return NewTensor([]int{cols, rows}, t.DType, t.Device, out)
}

// MatMulAutograd performs 2-D matrix multiplication with gradient tracking.
func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := MatMul(a, b)
	if err != nil {
		return nil, err
	}
	attach(out, &matMulOp{a: a, b: b}, anyRequiresGrad(a, b))
	return out, nil
}

type batchedMatMulOp struct {
	a, b *Tensor
}

func (op *batchedMatMulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *batchedMatMulOp) Backward(gradOut *Tensor) []*Tensor {
	var gradA, gradB *Tensor
	if needsGraph(op.a) {
		bT := mustTensor(TransposeLast2(op.b))
		gradA = mustTensor(BatchedMatMul(gradOut, bT))
	}
	if needsGraph(op.b) {
		aT := mustTensor(TransposeLast2(op.a))
		gradB = mustTensor(BatchedMatMul(aT, gradOut))
	}
	return []*Tensor{gradA, gradB}
}

// BatchedMatMulAutograd performs per-batch 3-D matrix multiplication with
// gradient tracking.
func BatchedMatMulAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := BatchedMatMul(a, b)
	if err != nil {
		return nil, err
	}
	attach(out, &batchedMatMulOp{a: a, b: b}, anyRequiresGrad(a, b))
	return out, nil
}

// --- addition ---

type addOp struct {
	a, b *Tensor
}

func (op *addOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *addOp) Backward(gradOut *Tensor) []*Tensor {
	var gradA, gradB *Tensor
	if needsGraph(op.a) {
		gradA = mustTensor(gradOut.Clone())
	}
	if needsGraph(op.b) {
		if shapesEqual(op.b.Shape, gradOut.Shape) {
			gradB = mustTensor(gradOut.Clone())
		} else {
			// Bias broadcast: sum the gradient over all leading dimensions.
			w := op.b.Shape[0]
			g := mustF32(gradOut)
			sum := make([]float32, w)
			for i, v := range g {
				sum[i%w] += v
			}
			gradB = mustTensor(NewTensor([]int{w}, op.b.DType, op.b.Device, sum))
		}
	}
	return []*Tensor{gradA, gradB}
}

// AddAutograd performs addition (same shape, or trailing-dimension bias
// broadcast) with gradient tracking.
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := Add(a, b)
	if err != nil {
		return nil, err
	}
	attach(out, &addOp{a: a, b: b}, anyRequiresGrad(a, b))
	return out, nil
}

// --- elementwise multiplication ---

type mulOp struct {
	a, b *Tensor
}

func (op *mulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *mulOp) Backward(gradOut *Tensor) []*Tensor {
	var gradA, gradB *Tensor
	if needsGraph(op.a) {
		gradA = mustTensor(Mul(gradOut, op.b))
	}
	if needsGraph(op.b) {
		gradB = mustTensor(Mul(gradOut, op.a))
	}
	return []*Tensor{gradA, gradB}
}

// MulAutograd performs same-shape elementwise multiplication with gradient
// tracking.
func MulAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := Mul(a, b)
	if err != nil {
		return nil, err
	}
	attach(out, &mulOp{a: a, b: b}, anyRequiresGrad(a, b))
	return out, nil
}

// --- scalar scale ---

type scaleOp struct {
	a *Tensor
	s float64
}

func (op *scaleOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *scaleOp) Backward(gradOut *Tensor) []*Tensor {
	if !needsGraph(op.a) {
		return []*Tensor{nil}
	}
	return []*Tensor{mustTensor(Scale(gradOut, op.s))}
}

// ScaleAutograd multiplies by a scalar with gradient tracking.
func ScaleAutograd(a *Tensor, s float64) (*Tensor, error) {
	out, err := Scale(a, s)
	if err != nil {
		return nil, err
	}
	attach(out, &scaleOp{a: a, s: s}, anyRequiresGrad(a))
	return out, nil
}

// --- GELU ---

type geluOp struct {
	a *Tensor
}

func (op *geluOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *geluOp) Backward(gradOut *Tensor) []*Tensor {
	if !needsGraph(op.a) {
		return []*Tensor{nil}
	}
	x := mustF32(op.a)
	g := mustF32(gradOut)
	out := make([]float32, len(x))
	for i := range x {
		out[i] = g[i] * float32(geluDerivative(float64(x[i])))
	}
	return []*Tensor{mustTensor(NewTensor(op.a.Shape, op.a.DType, op.a.Device, out))}
}

// GELUAutograd applies GELU with gradient tracking.
func GELUAutograd(a *Tensor) (*Tensor, error) {
	out, err := GELU(a)
	if err != nil {
		return nil, err
	}
	attach(out, &geluOp{a: a}, anyRequiresGrad(a))
	return out, nil
}

// --- softmax over the trailing dimension ---

type softmaxOp struct {
	a      *Tensor
	output *Tensor
}

func (op *softmaxOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *softmaxOp) Backward(gradOut *Tensor) []*Tensor {
	if !needsGraph(op.a) {
		return []*Tensor{nil}
	}
	// dx = y * (g - sum_j(g_j * y_j)) per row.
	y := mustF32(op.output)
	g := mustF32(gradOut)
	w := op.a.Shape[len(op.a.Shape)-1]
	out := make([]float32, len(y))
	for row := 0; row < len(y)/w; row++ {
		off := row * w
		var dot float32
		for j := 0; j < w; j++ {
			dot += g[off+j] * y[off+j]
		}
		for j := 0; j < w; j++ {
			out[off+j] = y[off+j] * (g[off+j] - dot)
		}
	}
	return []*Tensor{mustTensor(NewTensor(op.a.Shape, op.a.DType, op.a.Device, out))}
}

// SoftmaxAutograd applies softmax over the trailing dimension with gradient
// tracking.
func SoftmaxAutograd(a *Tensor) (*Tensor, error) {
	out, err := SoftmaxLastDim(a)
	if err != nil {
		return nil, err
	}
	attach(out, &softmaxOp{a: a, output: out}, anyRequiresGrad(a))
	return out, nil
}

// --- RMS normalization over the trailing dimension ---

const rmsEpsilon = 1e-6

type rmsNormOp struct {
	x    *Tensor
	gain *Tensor
	rms  []float32 // per-row root-mean-square, saved from forward
}

func (op *rmsNormOp) Inputs() []*Tensor { return []*Tensor{op.x, op.gain} }

func (op *rmsNormOp) Backward(gradOut *Tensor) []*Tensor {
	x := mustF32(op.x)
	gain := mustF32(op.gain)
	g := mustF32(gradOut)
	n := op.x.Shape[len(op.x.Shape)-1]
	rows := len(x) / n

	var gradX, gradGain *Tensor
	if needsGraph(op.x) {
		out := make([]float32, len(x))
		for row := 0; row < rows; row++ {
			off := row * n
			r := op.rms[row]
			var dot float32
			for j := 0; j < n; j++ {
				dot += g[off+j] * gain[j] * x[off+j]
			}
			inv3 := 1.0 / (float32(n) * r * r * r)
			for j := 0; j < n; j++ {
				out[off+j] = g[off+j]*gain[j]/r - x[off+j]*dot*inv3
			}
		}
		gradX = mustTensor(NewTensor(op.x.Shape, op.x.DType, op.x.Device, out))
	}
	if needsGraph(op.gain) {
		out := make([]float32, n)
		for row := 0; row < rows; row++ {
			off := row * n
			r := op.rms[row]
			for j := 0; j < n; j++ {
				out[j] += g[off+j] * x[off+j] / r
			}
		}
		gradGain = mustTensor(NewTensor([]int{n}, op.gain.DType, op.gain.Device, out))
	}
	return []*Tensor{gradX, gradGain}
}

// RMSNormAutograd normalizes the trailing dimension by its root mean square
// and applies a learned gain, with gradient tracking.
func RMSNormAutograd(x, gain *Tensor) (*Tensor, error) {
	xd, err := x.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	gd, err := gain.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	n := x.Shape[len(x.Shape)-1]
	if len(gain.Shape) != 1 || gain.Shape[0] != n {
		return nil, fmt.Errorf("rmsnorm gain shape %v does not match trailing dimension %d", gain.Shape, n)
	}

	rows := len(xd) / n
	rms := make([]float32, rows)
	out := make([]float32, len(xd))
	for row := 0; row < rows; row++ {
		off := row * n
		var sq float64
		for j := 0; j < n; j++ {
			v := float64(xd[off+j])
			sq += v * v
		}
		r := float32(math.Sqrt(sq/float64(n) + rmsEpsilon))
		rms[row] = r
		for j := 0; j < n; j++ {
			out[off+j] = xd[off+j] / r * gd[j]
		}
	}

	result, err := NewTensor(x.Shape, x.DType, x.Device, out)
	if err != nil {
		return nil, err
	}
	attach(result, &rmsNormOp{x: x, gain: gain, rms: rms}, anyRequiresGrad(x, gain))
	return result, nil
}

// --- reshape / transpose ---

type reshapeOp struct {
	a *Tensor
}

func (op *reshapeOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *reshapeOp) Backward(gradOut *Tensor) []*Tensor {
	if !needsGraph(op.a) {
		return []*Tensor{nil}
	}
	return []*Tensor{mustTensor(Reshape(gradOut, op.a.Shape))}
}

// ReshapeAutograd reshapes with gradient tracking.
func ReshapeAutograd(a *Tensor, newShape []int) (*Tensor, error) {
	out, err := Reshape(a, newShape)
	if err != nil {
		return nil, err
	}
	attach(out, &reshapeOp{a: a}, anyRequiresGrad(a))
	return out, nil
}

type transposeLast2Op struct {
	a *Tensor
}

func (op *transposeLast2Op) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *transposeLast2Op) Backward(gradOut *Tensor) []*Tensor {
	if !needsGraph(op.a) {
		return []*Tensor{nil}
	}
	return []*Tensor{mustTensor(TransposeLast2(gradOut))}
}

// TransposeLast2Autograd swaps the trailing two dimensions of a 3-D tensor
// with gradient tracking.
func TransposeLast2Autograd(a *Tensor) (*Tensor, error) {
	out, err := TransposeLast2(a)
	if err != nil {
		return nil, err
	}
	attach(out, &transposeLast2Op{a: a}, anyRequiresGrad(a))
	return out, nil
}

// --- dropout ---

type dropoutOp struct {
	a    *Tensor
	mask []float32
}

func (op *dropoutOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *dropoutOp) Backward(gradOut *Tensor) []*Tensor {
	if !needsGraph(op.a) {
		return []*Tensor{nil}
	}
	g := mustF32(gradOut)
	out := make([]float32, len(g))
	for i := range g {
		out[i] = g[i] * op.mask[i]
	}
	return []*Tensor{mustTensor(NewTensor(op.a.Shape, op.a.DType, op.a.Device, out))}
}

// DropoutAutograd zeroes elements with probability p and rescales survivors
// by 1/(1-p). With p<=0 it is the identity.
func DropoutAutograd(a *Tensor, p float64) (*Tensor, error) {
	if p <= 0 {
		return a, nil
	}
	if p >= 1 {
		return nil, fmt.Errorf("dropout probability %v out of range", p)
	}
	d, err := a.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	keep := float32(1.0 / (1.0 - p))
	mask := make([]float32, len(d))
	out := make([]float32, len(d))
	for i := range d {
		if globalRng.Float64() >= p {
			mask[i] = keep
			out[i] = d[i] * keep
		}
	}
	result, err := NewTensor(a.Shape, a.DType, a.Device, out)
	if err != nil {
		return nil, err
	}
	attach(result, &dropoutOp{a: a, mask: mask}, anyRequiresGrad(a))
	return result, nil
}

// --- row concatenation ---

type concatRowsOp struct {
	a, b *Tensor
}

func (op *concatRowsOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *concatRowsOp) Backward(gradOut *Tensor) []*Tensor {
	g := mustF32(gradOut)
	w := op.a.Shape[1]
	split := op.a.Shape[0] * w

	var gradA, gradB *Tensor
	if needsGraph(op.a) {
		part := make([]float32, split)
		copy(part, g[:split])
		gradA = mustTensor(NewTensor(op.a.Shape, op.a.DType, op.a.Device, part))
	}
	if needsGraph(op.b) {
		part := make([]float32, len(g)-split)
		copy(part, g[split:])
		gradB = mustTensor(NewTensor(op.b.Shape, op.b.DType, op.b.Device, part))
	}
	return []*Tensor{gradA, gradB}
}

// ConcatRowsAutograd stacks two 2-D tensors of equal width along dim 0 with
// gradient tracking.
func ConcatRowsAutograd(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[1] != b.Shape[1] {
		return nil, fmt.Errorf("concat requires 2D tensors of equal width, got %v and %v", a.Shape, b.Shape)
	}
	ad, err := a.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	bd, err := b.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(ad)+len(bd))
	copy(out, ad)
	copy(out[len(ad):], bd)
	result, err := NewTensor([]int{a.Shape[0] + b.Shape[0], a.Shape[1]}, a.DType, a.Device, out)
	if err != nil {
		return nil, err
	}
	attach(result, &concatRowsOp{a: a, b: b}, anyRequiresGrad(a, b))
	return result, nil
}

// --- left-padded packing ---

type packLeftPadOp struct {
	segments []*Tensor
	maxLen   int
	width    int
}

func (op *packLeftPadOp) Inputs() []*Tensor { return op.segments }

func (op *packLeftPadOp) Backward(gradOut *Tensor) []*Tensor {
	g := mustF32(gradOut)
	grads := make([]*Tensor, len(op.segments))
	for i, seg := range op.segments {
		if !needsGraph(seg) {
			continue
		}
		rows := seg.Shape[0]
		start := (i*op.maxLen + (op.maxLen - rows)) * op.width
		part := make([]float32, rows*op.width)
		copy(part, g[start:start+rows*op.width])
		grads[i] = mustTensor(NewTensor(seg.Shape, seg.DType, seg.Device, part))
	}
	return grads
}

// PackLeftPadAutograd stacks variable-length [rows, width] segments into one
// [batch, maxLen, width] tensor, padding on the left so every segment ends at
// the final column. The returned mask is 1 over real rows and carries no
// gradient.
func PackLeftPadAutograd(segments []*Tensor) (packed, mask *Tensor, err error) {
	if len(segments) == 0 {
		return nil, nil, fmt.Errorf("pack requires at least one segment")
	}
	width := segments[0].Shape[1]
	maxLen := 0
	requires := false
	for _, seg := range segments {
		if len(seg.Shape) != 2 || seg.Shape[1] != width {
			return nil, nil, fmt.Errorf("pack requires 2D segments of width %d, got %v", width, seg.Shape)
		}
		if seg.Shape[0] > maxLen {
			maxLen = seg.Shape[0]
		}
		requires = requires || anyRequiresGrad(seg)
	}

	batch := len(segments)
	out := make([]float32, batch*maxLen*width)
	maskData := make([]float32, batch*maxLen)
	for i, seg := range segments {
		rows := seg.Shape[0]
		pad := maxLen - rows
		sd := mustF32(seg)
		copy(out[(i*maxLen+pad)*width:], sd)
		for t := pad; t < maxLen; t++ {
			maskData[i*maxLen+t] = 1
		}
	}

	packed, err = NewTensor([]int{batch, maxLen, width}, segments[0].DType, segments[0].Device, out)
	if err != nil {
		return nil, nil, err
	}
	mask, err = NewTensor([]int{batch, maxLen}, Float32, segments[0].Device, maskData)
	if err != nil {
		return nil, nil, err
	}
	attach(packed, &packLeftPadOp{segments: segments, maxLen: maxLen, width: width}, requires)
	return packed, mask, nil
}

// --- last-valid-position gather ---

type gatherLastOp struct {
	a       *Tensor
	indices []int
}

func (op *gatherLastOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *gatherLastOp) Backward(gradOut *Tensor) []*Tensor {
	if !needsGraph(op.a) {
		return []*Tensor{nil}
	}
	g := mustF32(gradOut)
	seqLen, width := op.a.Shape[1], op.a.Shape[2]
	out := make([]float32, op.a.NumElems)
	for i, idx := range op.indices {
		copy(out[(i*seqLen+idx)*width:(i*seqLen+idx+1)*width], g[i*width:(i+1)*width])
	}
	return []*Tensor{mustTensor(NewTensor(op.a.Shape, op.a.DType, op.a.Device, out))}
}

// GatherRowsAutograd extracts hidden[i, indices[i], :] for each batch row of a
// [batch, seq, width] tensor, with gradient tracking.
func GatherRowsAutograd(a *Tensor, indices []int) (*Tensor, error) {
	if len(a.Shape) != 3 {
		return nil, fmt.Errorf("gather requires a 3D tensor, got %v", a.Shape)
	}
	if len(indices) != a.Shape[0] {
		return nil, fmt.Errorf("gather requires %d indices, got %d", a.Shape[0], len(indices))
	}
	d, err := a.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	batch, seqLen, width := a.Shape[0], a.Shape[1], a.Shape[2]
	out := make([]float32, batch*width)
	for i, idx := range indices {
		if idx < 0 || idx >= seqLen {
			return nil, fmt.Errorf("gather index %d out of range [0,%d)", idx, seqLen)
		}
		copy(out[i*width:(i+1)*width], d[(i*seqLen+idx)*width:(i*seqLen+idx+1)*width])
	}
	result, err := NewTensor([]int{batch, width}, a.DType, a.Device, out)
	if err != nil {
		return nil, err
	}
	attach(result, &gatherLastOp{a: a, indices: indices}, anyRequiresGrad(a))
	return result, nil
}

// --- cross entropy ---

type crossEntropyOp struct {
	logits *Tensor
	labels []int
	probs  []float32
}

func (op *crossEntropyOp) Inputs() []*Tensor { return []*Tensor{op.logits} }

func (op *crossEntropyOp) Backward(gradOut *Tensor) []*Tensor {
	if !needsGraph(op.logits) {
		return []*Tensor{nil}
	}
	g := mustF32(gradOut)[0]
	batch, classes := op.logits.Shape[0], op.logits.Shape[1]
	out := make([]float32, len(op.probs))
	scale := g / float32(batch)
	for i := 0; i < batch; i++ {
		for c := 0; c < classes; c++ {
			p := op.probs[i*classes+c]
			if c == op.labels[i] {
				p -= 1
			}
			out[i*classes+c] = p * scale
		}
	}
	return []*Tensor{mustTensor(NewTensor(op.logits.Shape, op.logits.DType, op.logits.Device, out))}
}

// CrossEntropyAutograd computes the mean negative log likelihood of labels
// under the softmax of logits [batch, classes], with gradient tracking.
func CrossEntropyAutograd(logits *Tensor, labels []int) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy requires 2D logits, got %v", logits.Shape)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != batch {
		return nil, fmt.Errorf("cross entropy requires %d labels, got %d", batch, len(labels))
	}
	for i, l := range labels {
		if l < 0 || l >= classes {
			return nil, fmt.Errorf("label %d at index %d out of range [0,%d)", l, i, classes)
		}
	}

	sm, err := SoftmaxLastDim(logits)
	if err != nil {
		return nil, err
	}
	probs := mustF32(sm)

	var total float64
	for i, l := range labels {
		p := float64(probs[i*classes+l])
		if p < 1e-12 {
			p = 1e-12
		}
		total -= math.Log(p)
	}
	loss, err := NewTensor([]int{1}, Float32, logits.Device, []float32{float32(total / float64(batch))})
	if err != nil {
		return nil, err
	}
	attach(loss, &crossEntropyOp{logits: logits, labels: labels, probs: probs}, anyRequiresGrad(logits))
	return loss, nil
}

// --- half-precision cast ---

type halfCastOp struct {
	a *Tensor
}

func (op *halfCastOp) Inputs() []*Tensor { return []*Tensor{op.a} }

// Straight-through: rounding is treated as identity for gradients.
func (op *halfCastOp) Backward(gradOut *Tensor) []*Tensor {
	if !needsGraph(op.a) {
		return []*Tensor{nil}
	}
	return []*Tensor{mustTensor(gradOut.Clone())}
}

// RoundThroughFloat16Autograd rounds activations through half precision while
// keeping them in the autograd graph.
func RoundThroughFloat16Autograd(a *Tensor) (*Tensor, error) {
	out, err := RoundThroughFloat16(a)
	if err != nil {
		return nil, err
	}
	attach(out, &halfCastOp{a: a}, anyRequiresGrad(a))
	return out, nil
}

// --- row slice ---

type sliceRowsOp struct {
	a          *Tensor
	start, end int
}

func (op *sliceRowsOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *sliceRowsOp) Backward(gradOut *Tensor) []*Tensor {
	if !needsGraph(op.a) {
		return []*Tensor{nil}
	}
	g := mustF32(gradOut)
	w := op.a.Shape[1]
	out := make([]float32, op.a.NumElems)
	copy(out[op.start*w:op.end*w], g)
	return []*Tensor{mustTensor(NewTensor(op.a.Shape, op.a.DType, op.a.Device, out))}
}

// SliceRowsAutograd returns rows [start,end) of a 2-D tensor with gradient
// tracking.
func SliceRowsAutograd(a *Tensor, start, end int) (*Tensor, error) {
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("slice requires a 2D tensor, got %v", a.Shape)
	}
	if start < 0 || end > a.Shape[0] || start >= end {
		return nil, fmt.Errorf("slice range [%d,%d) invalid for %d rows", start, end, a.Shape[0])
	}
	d, err := a.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	w := a.Shape[1]
	out := make([]float32, (end-start)*w)
	copy(out, d[start*w:end*w])
	result, err := NewTensor([]int{end - start, w}, a.DType, a.Device, out)
	if err != nil {
		return nil, err
	}
	attach(result, &sliceRowsOp{a: a, start: start, end: end}, anyRequiresGrad(a))
	return result, nil
}
