package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/logsentinel/tensor"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "projector.json")

	src, err := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPU, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	w, err := Capture("proj.in.weight", "proj.in", "weight", src)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if err := SaveWeights(path, []WeightTensor{w}); err != nil {
		t.Fatalf("SaveWeights failed: %v", err)
	}

	loaded, err := LoadWeights(path)
	if err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 weight, got %d", len(loaded))
	}

	dst, err := tensor.Zeros([]int{2, 2}, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}
	if err := Restore(loaded[0], dst); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	got, _ := dst.GetFloat32Data()
	for i, want := range []float32{1, 2, 3, 4} {
		if got[i] != want {
			t.Errorf("element %d: got %v, want %v", i, got[i], want)
		}
	}
}

func TestCaptureCopiesData(t *testing.T) {
	src, err := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{5, 6})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	w, err := Capture("w", "layer", "weight", src)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	data, _ := src.GetFloat32Data()
	data[0] = 99
	if w.Data[0] != 5 {
		t.Error("captured weights must not alias the live parameter")
	}
}

func TestLoadWeightsMissingFile(t *testing.T) {
	_, err := LoadWeights(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil {
		t.Fatal("expected error for a missing checkpoint")
	}
	if !os.IsNotExist(err) {
		t.Errorf("missing checkpoint must surface as os.IsNotExist, got %v", err)
	}
}

func TestRestoreShapeMismatch(t *testing.T) {
	w := WeightTensor{Name: "w", Shape: []int{3}, Data: []float32{1, 2, 3}}
	dst, err := tensor.Zeros([]int{2}, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}
	if err := Restore(w, dst); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestIndex(t *testing.T) {
	weights := []WeightTensor{
		{Name: "a"},
		{Name: "b"},
	}
	idx := Index(weights)
	if len(idx) != 2 {
		t.Fatalf("index size: got %d", len(idx))
	}
	if _, ok := idx["a"]; !ok {
		t.Error("missing key a")
	}
}
