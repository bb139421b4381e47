package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/logsentinel/tensor"
)

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "adapter_a", "adapter_b"
}

// Metadata contains checkpoint metadata
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is one JSON artifact file holding a named group of weights.
type Checkpoint struct {
	Weights  []WeightTensor `json:"weights"`
	Metadata Metadata       `json:"metadata"`
}

// SaveWeights writes a weight group as a JSON checkpoint, creating parent
// directories as needed.
func SaveWeights(path string, weights []WeightTensor) error {
	checkpoint := Checkpoint{
		Weights: weights,
		Metadata: Metadata{
			Version:   "1.0",
			Framework: "logsentinel",
			CreatedAt: time.Now(),
		},
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal checkpoint")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write checkpoint %s", path)
	}
	return nil
}

// LoadWeights reads a JSON checkpoint written by SaveWeights. A missing file
// surfaces as an os.IsNotExist error so callers can fall back to fresh
// initialization.
func LoadWeights(path string) ([]WeightTensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoint %s", path)
	}
	return checkpoint.Weights, nil
}

// Capture snapshots a parameter tensor into a serializable weight record.
func Capture(name, layer, kind string, t *tensor.Tensor) (WeightTensor, error) {
	data, err := t.GetFloat32Data()
	if err != nil {
		return WeightTensor{}, errors.Wrapf(err, "cannot capture %s", name)
	}
	cp := make([]float32, len(data))
	copy(cp, data)
	return WeightTensor{
		Name:  name,
		Shape: append([]int(nil), t.Shape...),
		Data:  cp,
		Layer: layer,
		Type:  kind,
	}, nil
}

// Restore copies a weight record back into its parameter tensor, checking
// shape agreement.
func Restore(w WeightTensor, t *tensor.Tensor) error {
	dst, err := t.GetFloat32Data()
	if err != nil {
		return errors.Wrapf(err, "cannot restore %s", w.Name)
	}
	if len(dst) != len(w.Data) {
		return errors.Errorf("weight %s has %d elements, parameter expects %d", w.Name, len(w.Data), len(dst))
	}
	copy(dst, w.Data)
	return nil
}

// Index builds a name lookup over a loaded weight group.
func Index(weights []WeightTensor) map[string]WeightTensor {
	m := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		m[w.Name] = w
	}
	return m
}
