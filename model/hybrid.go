package model

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/logsentinel/checkpoints"
	"github.com/tsawler/logsentinel/tensor"
)

// Artifact file names under a fine-tuned model directory.
const (
	AdapterArtifact    = "adapters.json"
	ProjectorArtifact  = "projector.json"
	ClassifierArtifact = "classifier.json"
)

const numClasses = 2

// Config holds the hybrid model's architecture hyperparameters.
type Config struct {
	EncoderVocab  int // hashing encoder bucket count
	EncoderHidden int // line embedding width out of the encoder
	Width         int // decoder embedding width
	DecoderLayers int
	PrefixLen     int // instruction prefix length in embedding positions
	MaxContentLen int // per-line character budget before encoding
	MaxSeqLen     int // per-sample line budget
	Adapter       AdapterConfig
	Policy        Policy
}

// DefaultConfig returns a compact configuration suitable for CPU training.
func DefaultConfig() Config {
	return Config{
		EncoderVocab:  4096,
		EncoderHidden: 32,
		Width:         64,
		DecoderLayers: 2,
		PrefixLen:     4,
		MaxContentLen: 100,
		MaxSeqLen:     128,
		Adapter:       DefaultAdapterConfig(),
		Policy:        DefaultPolicy(),
	}
}

// HybridModel chains a frozen line encoder, a trainable projector, a causal
// decoder with low-rank adapters, and a two-class classifier head.
type HybridModel struct {
	cfg        Config
	encoder    *HashingEncoder
	projIn     *Linear
	projOut    *Linear
	decoder    *Decoder
	classifier *Linear
	prefix     *tensor.Tensor
	training   bool
}

// labelIDs maps dataset labels to class ids; anything not anomalous is normal.
func labelID(label string) int {
	if label == "anomalous" {
		return 1
	}
	return 0
}

// NewHybridModel assembles the model. If artifactDir is non-empty, fine-tuned
// weights are loaded from it; when they are absent, inference mode proceeds
// uninitialized with a warning while training mode starts from fresh adapters.
func NewHybridModel(cfg Config, artifactDir string, inference bool) (*HybridModel, error) {
	encoder, err := NewHashingEncoder(cfg.EncoderVocab, cfg.EncoderHidden, nil, cfg.Policy.Device)
	if err != nil {
		return nil, err
	}
	projIn, err := NewLinear(cfg.EncoderHidden, cfg.Width, true, cfg.Policy.Device)
	if err != nil {
		return nil, errors.Wrap(err, "projector input layer")
	}
	projOut, err := NewLinear(cfg.Width, cfg.Width, true, cfg.Policy.Device)
	if err != nil {
		return nil, errors.Wrap(err, "projector output layer")
	}
	decoder, err := NewDecoder(cfg.Width, cfg.DecoderLayers, cfg.Adapter, cfg.Policy.Device)
	if err != nil {
		return nil, err
	}
	classifier, err := NewLinear(cfg.Width, numClasses, true, cfg.Policy.Device)
	if err != nil {
		return nil, errors.Wrap(err, "classifier head")
	}
	prefix, err := tensor.RandomNormal([]int{cfg.PrefixLen, cfg.Width}, 0, 0.02, tensor.Float32, cfg.Policy.Device)
	if err != nil {
		return nil, errors.Wrap(err, "instruction prefix")
	}

	m := &HybridModel{
		cfg:        cfg,
		encoder:    encoder,
		projIn:     projIn,
		projOut:    projOut,
		decoder:    decoder,
		classifier: classifier,
		prefix:     prefix,
		training:   !inference,
	}

	if artifactDir != "" {
		if err := m.LoadFineTuned(artifactDir); err != nil {
			if !os.IsNotExist(errors.Cause(err)) {
				return nil, err
			}
			if inference {
				klog.Warningf("no fine-tuned artifacts under %s; model runs uninitialized", artifactDir)
			} else {
				klog.V(2).Infof("no fine-tuned artifacts under %s; starting from fresh adapters", artifactDir)
			}
		} else {
			klog.Infof("loaded fine-tuned artifacts from %s", artifactDir)
		}
	}
	return m, nil
}

func (m *HybridModel) Config() Config { return m.cfg }

// Sentinel handling: dropped samples surface as logits rows with both classes
// at negative infinity.
var sentinelLogit = float32(math.Inf(-1))

// IsSentinelRow reports whether a logits row is the no-prediction marker.
func IsSentinelRow(row []float32) bool {
	for _, v := range row {
		if !math.IsInf(float64(v), -1) {
			return false
		}
	}
	return len(row) > 0
}

// truncateLine limits a log line to the configured character budget.
func (m *HybridModel) truncateLine(line string) string {
	if m.cfg.MaxContentLen <= 0 {
		return line
	}
	runes := []rune(line)
	if len(runes) <= m.cfg.MaxContentLen {
		return line
	}
	return string(runes[:m.cfg.MaxContentLen])
}

// getLogits runs the shared pipeline and returns logits for surviving samples
// plus their original indices. Both are nil when no sample survives.
func (m *HybridModel) getLogits(sequences [][]string) (*tensor.Tensor, []int, error) {
	// Truncate and flatten with per-sample start offsets so the encoder sees
	// one batched pass instead of per-sample calls.
	var allLines []string
	offsets := make([]int, len(sequences)+1)
	for i, seq := range sequences {
		if len(seq) > m.cfg.MaxSeqLen {
			seq = seq[:m.cfg.MaxSeqLen]
		}
		for _, line := range seq {
			allLines = append(allLines, m.truncateLine(line))
		}
		offsets[i+1] = len(allLines)
	}
	if len(allLines) == 0 {
		return nil, nil, nil
	}

	encoded, err := m.encoder.EncodeLines(allLines)
	if err != nil {
		return nil, nil, err
	}

	projected, err := m.projIn.Forward(encoded)
	if err != nil {
		return nil, nil, err
	}
	projected, err = tensor.GELUAutograd(projected)
	if err != nil {
		return nil, nil, err
	}
	projected, err = m.projOut.Forward(projected)
	if err != nil {
		return nil, nil, err
	}
	projected, err = m.cfg.Policy.Cast(projected)
	if err != nil {
		return nil, nil, err
	}

	// Split back per sample, prepend the instruction prefix, and drop samples
	// with no surviving lines while recording original indices.
	var segments []*tensor.Tensor
	var originalIndices []int
	for i := range sequences {
		start, end := offsets[i], offsets[i+1]
		if start == end {
			continue
		}
		seg, err := tensor.SliceRowsAutograd(projected, start, end)
		if err != nil {
			return nil, nil, err
		}
		seg, err = tensor.ConcatRowsAutograd(m.prefix, seg)
		if err != nil {
			return nil, nil, err
		}
		segments = append(segments, seg)
		originalIndices = append(originalIndices, i)
	}
	if len(segments) == 0 {
		return nil, nil, nil
	}

	packed, mask, err := tensor.PackLeftPadAutograd(segments)
	if err != nil {
		return nil, nil, err
	}
	hidden, err := m.decoder.Forward(packed, mask)
	if err != nil {
		return nil, nil, err
	}

	// With left padding every sample's last real position is the final column:
	// leading pad width plus mask row sum minus one.
	maskData, err := mask.GetFloat32Data()
	if err != nil {
		return nil, nil, err
	}
	seqLen := mask.Shape[1]
	indices := make([]int, mask.Shape[0])
	for i := range indices {
		var sum int
		for t := 0; t < seqLen; t++ {
			sum += int(maskData[i*seqLen+t])
		}
		indices[i] = (seqLen - sum) + sum - 1
	}

	clsInput, err := tensor.GatherRowsAutograd(hidden, indices)
	if err != nil {
		return nil, nil, err
	}
	logits, err := m.classifier.Forward(clsInput)
	if err != nil {
		return nil, nil, err
	}
	return logits, originalIndices, nil
}

// Forward classifies sequences in inference mode, with no gradient tracking.
// It always returns one row per input; dropped samples get a sentinel row and
// false in the validity slice.
func (m *HybridModel) Forward(sequences [][]string) (*tensor.Tensor, []bool, error) {
	if len(sequences) == 0 {
		return nil, nil, fmt.Errorf("empty batch")
	}
	m.Eval()
	prev := tensor.SetGradEnabled(false)
	defer tensor.SetGradEnabled(prev)

	logits, originalIndices, err := m.getLogits(sequences)
	if err != nil {
		return nil, nil, err
	}

	full := make([]float32, len(sequences)*numClasses)
	for i := range full {
		full[i] = sentinelLogit
	}
	valid := make([]bool, len(sequences))
	if logits != nil {
		data, err := logits.GetFloat32Data()
		if err != nil {
			return nil, nil, err
		}
		for row, orig := range originalIndices {
			copy(full[orig*numClasses:(orig+1)*numClasses], data[row*numClasses:(row+1)*numClasses])
			valid[orig] = true
		}
	}
	out, err := tensor.NewTensor([]int{len(sequences), numClasses}, tensor.Float32, m.cfg.Policy.Device, full)
	if err != nil {
		return nil, nil, err
	}
	return out, valid, nil
}

// TrainHelper classifies sequences in training mode and returns logits plus
// integer labels for the surviving samples only. A fully degenerate batch
// returns nil logits and no error.
func (m *HybridModel) TrainHelper(sequences [][]string, labels []string) (*tensor.Tensor, []int, error) {
	if len(sequences) != len(labels) {
		return nil, nil, fmt.Errorf("batch size mismatch: %d sequences, %d labels", len(sequences), len(labels))
	}
	m.Train()
	logits, originalIndices, err := m.getLogits(sequences)
	if err != nil {
		return nil, nil, err
	}
	if logits == nil {
		return nil, nil, nil
	}
	intLabels := make([]int, len(originalIndices))
	for i, orig := range originalIndices {
		intLabels[i] = labelID(labels[orig])
	}
	return logits, intLabels, nil
}

// Parameter groups for the staged training curriculum.

func (m *HybridModel) ProjectorParameters() []*tensor.Tensor {
	return append(m.projIn.Parameters(), m.projOut.Parameters()...)
}

func (m *HybridModel) ClassifierParameters() []*tensor.Tensor {
	return m.classifier.Parameters()
}

func (m *HybridModel) AdapterParameters() []*tensor.Tensor {
	return m.decoder.AdapterParameters()
}

func (m *HybridModel) Train() {
	m.training = true
	m.projIn.Train()
	m.projOut.Train()
	m.decoder.Train()
	m.classifier.Train()
}

func (m *HybridModel) Eval() {
	m.training = false
	m.projIn.Eval()
	m.projOut.Eval()
	m.decoder.Eval()
	m.classifier.Eval()
}

func (m *HybridModel) IsTraining() bool { return m.training }

// Release drops the model's large internal references so the caller's
// teardown can reclaim them promptly.
func (m *HybridModel) Release() {
	m.encoder = nil
	m.projIn = nil
	m.projOut = nil
	m.decoder = nil
	m.classifier = nil
	m.prefix = nil
}

// artifactWeights enumerates the trainable state by artifact group.
func (m *HybridModel) artifactWeights() (adapters, projector, classifier []checkpoints.WeightTensor, err error) {
	capture := func(dst *[]checkpoints.WeightTensor, name, layer, kind string, t *tensor.Tensor) {
		if err != nil {
			return
		}
		var w checkpoints.WeightTensor
		w, err = checkpoints.Capture(name, layer, kind, t)
		if err == nil {
			*dst = append(*dst, w)
		}
	}

	for i, layer := range m.decoder.Layers() {
		prefix := fmt.Sprintf("decoder.%d", i)
		capture(&adapters, prefix+".q.adapter_a", prefix, "adapter_a", layer.QueryAdapter().AdapterA())
		capture(&adapters, prefix+".q.adapter_b", prefix, "adapter_b", layer.QueryAdapter().AdapterB())
		capture(&adapters, prefix+".v.adapter_a", prefix, "adapter_a", layer.ValueAdapter().AdapterA())
		capture(&adapters, prefix+".v.adapter_b", prefix, "adapter_b", layer.ValueAdapter().AdapterB())
	}

	capture(&projector, "projector.in.weight", "projector.in", "weight", m.projIn.Weight())
	capture(&projector, "projector.in.bias", "projector.in", "bias", m.projIn.Bias())
	capture(&projector, "projector.out.weight", "projector.out", "weight", m.projOut.Weight())
	capture(&projector, "projector.out.bias", "projector.out", "bias", m.projOut.Bias())

	capture(&classifier, "classifier.weight", "classifier", "weight", m.classifier.Weight())
	capture(&classifier, "classifier.bias", "classifier", "bias", m.classifier.Bias())
	return adapters, projector, classifier, err
}

// SaveFineTuned writes the adapter, projector, and classifier weights as three
// JSON artifacts under dir.
func (m *HybridModel) SaveFineTuned(dir string) error {
	adapters, projector, classifier, err := m.artifactWeights()
	if err != nil {
		return err
	}
	if err := checkpoints.SaveWeights(filepath.Join(dir, AdapterArtifact), adapters); err != nil {
		return err
	}
	if err := checkpoints.SaveWeights(filepath.Join(dir, ProjectorArtifact), projector); err != nil {
		return err
	}
	return checkpoints.SaveWeights(filepath.Join(dir, ClassifierArtifact), classifier)
}

// LoadFineTuned restores the trainable state from the artifacts under dir.
// All three artifact files are read and validated before any weight is
// applied, so a failed load never leaves the model half restored. A directory
// with none of the files surfaces as os.IsNotExist; a directory with only
// some of them is a hard error, not the fresh-init fallback.
func (m *HybridModel) LoadFineTuned(dir string) error {
	adapters, projector, classifier, err := m.artifactWeights()
	if err != nil {
		return err
	}
	groups := []struct {
		file     string
		expected []checkpoints.WeightTensor
	}{
		{AdapterArtifact, adapters},
		{ProjectorArtifact, projector},
		{ClassifierArtifact, classifier},
	}

	var notExist error
	var missing []string
	loaded := make([]map[string]checkpoints.WeightTensor, len(groups))
	for i, g := range groups {
		weights, err := checkpoints.LoadWeights(filepath.Join(dir, g.file))
		if err != nil {
			if os.IsNotExist(err) {
				notExist = err
				missing = append(missing, g.file)
				continue
			}
			return errors.WithStack(err)
		}
		loaded[i] = checkpoints.Index(weights)
	}
	if len(missing) == len(groups) {
		return errors.WithStack(notExist)
	}
	if len(missing) > 0 {
		return errors.Errorf("incomplete fine-tuned artifacts under %s: missing %s",
			dir, strings.Join(missing, ", "))
	}

	targets := make(map[string]*tensor.Tensor)
	for i, layer := range m.decoder.Layers() {
		prefix := fmt.Sprintf("decoder.%d", i)
		targets[prefix+".q.adapter_a"] = layer.QueryAdapter().AdapterA()
		targets[prefix+".q.adapter_b"] = layer.QueryAdapter().AdapterB()
		targets[prefix+".v.adapter_a"] = layer.ValueAdapter().AdapterA()
		targets[prefix+".v.adapter_b"] = layer.ValueAdapter().AdapterB()
	}
	targets["projector.in.weight"] = m.projIn.Weight()
	targets["projector.in.bias"] = m.projIn.Bias()
	targets["projector.out.weight"] = m.projOut.Weight()
	targets["projector.out.bias"] = m.projOut.Bias()
	targets["classifier.weight"] = m.classifier.Weight()
	targets["classifier.bias"] = m.classifier.Bias()

	for i, g := range groups {
		for _, w := range g.expected {
			saved, ok := loaded[i][w.Name]
			if !ok {
				return errors.Errorf("artifact %s missing weight %s", g.file, w.Name)
			}
			if len(saved.Data) != targets[w.Name].Numel() {
				return errors.Errorf("weight %s has %d elements, parameter expects %d",
					w.Name, len(saved.Data), targets[w.Name].Numel())
			}
		}
	}
	for i, g := range groups {
		for _, w := range g.expected {
			if err := checkpoints.Restore(loaded[i][w.Name], targets[w.Name]); err != nil {
				return err
			}
		}
	}
	return nil
}
