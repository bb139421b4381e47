package tensor

import (
	"math"
	"testing"
)

func leaf(t *testing.T, shape []int, data []float32) *Tensor {
	t.Helper()
	tn := newF32(t, shape, data)
	tn.SetRequiresGrad(true)
	return tn
}

func gradOf(t *testing.T, tn *Tensor) []float32 {
	t.Helper()
	if tn.Grad() == nil {
		t.Fatal("expected gradient, got nil")
	}
	g, err := tn.Grad().GetFloat32Data()
	if err != nil {
		t.Fatalf("grad data: %v", err)
	}
	return g
}

func approxEqual(t *testing.T, got, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Errorf("element %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMatMulAutogradGradients(t *testing.T) {
	a := leaf(t, []int{2, 2}, []float32{1, 2, 3, 4})
	b := leaf(t, []int{2, 2}, []float32{5, 6, 7, 8})
	out, err := MatMulAutograd(a, b)
	if err != nil {
		t.Fatalf("MatMulAutograd failed: %v", err)
	}
	if err := Backward(out, nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	// With an all-ones seed: dA = 1 @ B^T, dB = A^T @ 1.
	approxEqual(t, gradOf(t, a), []float32{11, 15, 11, 15}, 1e-5)
	approxEqual(t, gradOf(t, b), []float32{4, 4, 6, 6}, 1e-5)
}

func TestAddAutogradBiasBroadcastGradient(t *testing.T) {
	a := leaf(t, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	bias := leaf(t, []int{3}, []float32{1, 1, 1})
	out, err := AddAutograd(a, bias)
	if err != nil {
		t.Fatalf("AddAutograd failed: %v", err)
	}
	if err := Backward(out, nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	approxEqual(t, gradOf(t, a), []float32{1, 1, 1, 1, 1, 1}, 1e-6)
	// The bias gradient sums over the rows it broadcast to.
	approxEqual(t, gradOf(t, bias), []float32{2, 2, 2}, 1e-6)
}

func TestGELUAutogradMatchesNumericalGradient(t *testing.T) {
	xs := []float32{-2, -0.5, 0.3, 1.7}
	x := leaf(t, []int{4}, append([]float32(nil), xs...))
	out, err := GELUAutograd(x)
	if err != nil {
		t.Fatalf("GELUAutograd failed: %v", err)
	}
	if err := Backward(out, nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	got := gradOf(t, x)

	const h = 1e-4
	for i, v := range xs {
		fv := float64(v)
		plus, _ := GELU(newF32(t, []int{1}, []float32{float32(fv + h)}))
		minus, _ := GELU(newF32(t, []int{1}, []float32{float32(fv - h)}))
		p, _ := plus.Item()
		m, _ := minus.Item()
		numeric := (p - m) / (2 * h)
		if math.Abs(float64(got[i])-numeric) > 1e-2 {
			t.Errorf("x=%v: analytic %v, numeric %v", v, got[i], numeric)
		}
	}
}

func TestRMSNormAutogradMatchesNumericalGradient(t *testing.T) {
	xData := []float32{0.5, -1.2, 2.0, 0.1, 0.9, -0.3}
	gainData := []float32{1.1, 0.9, 1.0}
	x := leaf(t, []int{2, 3}, append([]float32(nil), xData...))
	gain := leaf(t, []int{3}, append([]float32(nil), gainData...))
	out, err := RMSNormAutograd(x, gain)
	if err != nil {
		t.Fatalf("RMSNormAutograd failed: %v", err)
	}
	if err := Backward(out, nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	gotX := gradOf(t, x)
	gotGain := gradOf(t, gain)

	sum := func(xd, gd []float32) float64 {
		xt := newF32(t, []int{2, 3}, append([]float32(nil), xd...))
		gt := newF32(t, []int{3}, append([]float32(nil), gd...))
		o, err := RMSNormAutograd(xt, gt)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		d, _ := o.GetFloat32Data()
		var s float64
		for _, v := range d {
			s += float64(v)
		}
		return s
	}

	const h = 1e-3
	for i := range xData {
		plus := append([]float32(nil), xData...)
		minus := append([]float32(nil), xData...)
		plus[i] += h
		minus[i] -= h
		numeric := (sum(plus, gainData) - sum(minus, gainData)) / (2 * h)
		if math.Abs(float64(gotX[i])-numeric) > 1e-2 {
			t.Errorf("dx[%d]: analytic %v, numeric %v", i, gotX[i], numeric)
		}
	}
	for i := range gainData {
		plus := append([]float32(nil), gainData...)
		minus := append([]float32(nil), gainData...)
		plus[i] += h
		minus[i] -= h
		numeric := (sum(xData, plus) - sum(xData, minus)) / (2 * h)
		if math.Abs(float64(gotGain[i])-numeric) > 1e-2 {
			t.Errorf("dgain[%d]: analytic %v, numeric %v", i, gotGain[i], numeric)
		}
	}
}

func TestCrossEntropyAutograd(t *testing.T) {
	t.Run("uniform logits", func(t *testing.T) {
		logits := leaf(t, []int{2, 2}, []float32{0, 0, 0, 0})
		loss, err := CrossEntropyAutograd(logits, []int{0, 1})
		if err != nil {
			t.Fatalf("CrossEntropyAutograd failed: %v", err)
		}
		v, _ := loss.Item()
		if math.Abs(v-math.Log(2)) > 1e-5 {
			t.Errorf("expected ln(2)=%v, got %v", math.Log(2), v)
		}

		if err := Backward(loss, nil); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		// grad = (softmax - onehot) / batch = (0.5 - onehot) / 2.
		approxEqual(t, gradOf(t, logits), []float32{-0.25, 0.25, 0.25, -0.25}, 1e-5)
	})

	t.Run("seed scales gradient not loss", func(t *testing.T) {
		logits := leaf(t, []int{1, 2}, []float32{0, 0})
		loss, err := CrossEntropyAutograd(logits, []int{0})
		if err != nil {
			t.Fatalf("CrossEntropyAutograd failed: %v", err)
		}
		seed := FromScalar(8, Float32, CPU)
		if err := Backward(loss, seed); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		approxEqual(t, gradOf(t, logits), []float32{-4, 4}, 1e-5)
	})

	t.Run("label out of range", func(t *testing.T) {
		logits := leaf(t, []int{1, 2}, []float32{0, 0})
		if _, err := CrossEntropyAutograd(logits, []int{2}); err == nil {
			t.Error("expected error for out-of-range label")
		}
	})
}

func TestBackwardAccumulatesAcrossUses(t *testing.T) {
	x := leaf(t, []int{2}, []float32{1, 2})
	// y = x + x, so dy/dx = 2 per element.
	y, err := AddAutograd(x, x)
	if err != nil {
		t.Fatalf("AddAutograd failed: %v", err)
	}
	if err := Backward(y, nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	approxEqual(t, gradOf(t, x), []float32{2, 2}, 1e-6)
}

func TestGradDisabledBuildsNoGraph(t *testing.T) {
	prev := SetGradEnabled(false)
	defer SetGradEnabled(prev)

	a := leaf(t, []int{2, 2}, []float32{1, 2, 3, 4})
	b := leaf(t, []int{2, 2}, []float32{5, 6, 7, 8})
	out, err := MatMulAutograd(a, b)
	if err != nil {
		t.Fatalf("MatMulAutograd failed: %v", err)
	}
	if out.Creator() != nil {
		t.Error("expected no creator with grad disabled")
	}
	if out.RequiresGrad() {
		t.Error("expected output not to require grad")
	}
}

func TestFrozenLeafGetsNoGradient(t *testing.T) {
	a := leaf(t, []int{2, 2}, []float32{1, 2, 3, 4})
	frozen := newF32(t, []int{2, 2}, []float32{5, 6, 7, 8})
	out, err := MatMulAutograd(a, frozen)
	if err != nil {
		t.Fatalf("MatMulAutograd failed: %v", err)
	}
	if err := Backward(out, nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if frozen.Grad() != nil {
		t.Error("frozen tensor must not receive a gradient")
	}
	if a.Grad() == nil {
		t.Error("trainable tensor must receive a gradient")
	}
}

func TestPackLeftPadAndGather(t *testing.T) {
	// Embedding lengths 3 and 5: the shorter segment left-pads so both end at
	// the final column.
	segA := leaf(t, []int{3, 2}, []float32{1, 1, 2, 2, 3, 3})
	segB := leaf(t, []int{5, 2}, []float32{4, 4, 5, 5, 6, 6, 7, 7, 8, 8})
	packed, mask, err := PackLeftPadAutograd([]*Tensor{segA, segB})
	if err != nil {
		t.Fatalf("PackLeftPadAutograd failed: %v", err)
	}
	if got := packed.Shape; got[0] != 2 || got[1] != 5 || got[2] != 2 {
		t.Fatalf("unexpected packed shape %v", got)
	}

	maskData, _ := mask.GetFloat32Data()
	for i, rows := range []int{3, 5} {
		var sum int
		for tIdx := 0; tIdx < 5; tIdx++ {
			sum += int(maskData[i*5+tIdx])
		}
		if sum != rows {
			t.Errorf("mask row %d sums to %d, want %d", i, sum, rows)
		}
		pad := 5 - sum
		if idx := pad + sum - 1; idx != 4 {
			t.Errorf("classification index for row %d: got %d, want padded length - 1 = 4", i, idx)
		}
	}

	// Pad region must be zero, data right-aligned.
	pd, _ := packed.GetFloat32Data()
	for i := 0; i < 4; i++ {
		if pd[i] != 0 {
			t.Errorf("pad element %d not zero: %v", i, pd[i])
		}
	}
	if pd[4] != 1 || pd[9] != 3 {
		t.Errorf("segment A misplaced: %v", pd[:10])
	}

	gathered, err := GatherRowsAutograd(packed, []int{4, 4})
	if err != nil {
		t.Fatalf("GatherRowsAutograd failed: %v", err)
	}
	gd, _ := gathered.GetFloat32Data()
	approxEqual(t, gd, []float32{3, 3, 8, 8}, 1e-6)

	if err := Backward(gathered, nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	// Only the last row of each segment was used.
	approxEqual(t, gradOf(t, segA), []float32{0, 0, 0, 0, 1, 1}, 1e-6)
	approxEqual(t, gradOf(t, segB), []float32{0, 0, 0, 0, 0, 0, 0, 0, 1, 1}, 1e-6)
}

func TestSliceAndConcatRowsGradients(t *testing.T) {
	base := leaf(t, []int{4, 2}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	mid, err := SliceRowsAutograd(base, 1, 3)
	if err != nil {
		t.Fatalf("SliceRowsAutograd failed: %v", err)
	}
	prefix := leaf(t, []int{1, 2}, []float32{9, 9})
	joined, err := ConcatRowsAutograd(prefix, mid)
	if err != nil {
		t.Fatalf("ConcatRowsAutograd failed: %v", err)
	}
	if joined.Shape[0] != 3 {
		t.Fatalf("unexpected joined rows %d", joined.Shape[0])
	}
	if err := Backward(joined, nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	approxEqual(t, gradOf(t, prefix), []float32{1, 1}, 1e-6)
	approxEqual(t, gradOf(t, base), []float32{0, 0, 1, 1, 1, 1, 0, 0}, 1e-6)
}

func TestSoftmaxAutogradGradientRowsSumToZero(t *testing.T) {
	x := leaf(t, []int{2, 3}, []float32{0.2, -0.4, 1.3, 2.0, 0.0, -1.0})
	y, err := SoftmaxAutograd(x)
	if err != nil {
		t.Fatalf("SoftmaxAutograd failed: %v", err)
	}
	seed := newF32(t, []int{2, 3}, []float32{1, 0, 0, 0, 1, 0})
	if err := Backward(y, seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	g := gradOf(t, x)
	for row := 0; row < 2; row++ {
		var sum float64
		for j := 0; j < 3; j++ {
			sum += float64(g[row*3+j])
		}
		if math.Abs(sum) > 1e-5 {
			t.Errorf("softmax input gradient row %d sums to %v, want 0", row, sum)
		}
	}
}
