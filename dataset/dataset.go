// Package dataset holds labelled log sequences for training and evaluation.
package dataset

import (
	"github.com/pkg/errors"
)

// Class labels. Anything other than LabelAnomalous maps to the normal class.
const (
	LabelNormal    = "normal"
	LabelAnomalous = "anomalous"
)

// Sample is one labelled log sequence.
type Sample struct {
	Sequence []string
	Label    string
}

// Loader is the seam for external data sources (CSV files, databases). The
// package itself only works on in-memory samples.
type Loader interface {
	Load(name string) ([]Sample, error)
}

// Dataset is an ordered collection of samples with minority/majority class
// partitions precomputed for oversampling.
type Dataset struct {
	samples     []Sample
	labels      []int
	minorityIdx []int
	majorityIdx []int
}

// LabelID maps a textual label to its class id.
func LabelID(label string) int {
	if label == LabelAnomalous {
		return 1
	}
	return 0
}

// New builds a dataset and partitions its indices by class, marking the
// smaller class as the minority.
func New(samples []Sample) (*Dataset, error) {
	if len(samples) == 0 {
		return nil, errors.New("dataset has no samples")
	}
	d := &Dataset{
		samples: samples,
		labels:  make([]int, len(samples)),
	}
	var byClass [2][]int
	for i, s := range samples {
		id := LabelID(s.Label)
		d.labels[i] = id
		byClass[id] = append(byClass[id], i)
	}
	if len(byClass[0]) <= len(byClass[1]) {
		d.minorityIdx, d.majorityIdx = byClass[0], byClass[1]
	} else {
		d.minorityIdx, d.majorityIdx = byClass[1], byClass[0]
	}
	return d, nil
}

func (d *Dataset) Len() int { return len(d.samples) }

// GetBatch returns the sequences and labels at the given indices.
func (d *Dataset) GetBatch(indices []int) ([][]string, []string, error) {
	seqs := make([][]string, len(indices))
	labels := make([]string, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(d.samples) {
			return nil, nil, errors.Errorf("index %d out of range [0,%d)", idx, len(d.samples))
		}
		seqs[i] = d.samples[idx].Sequence
		labels[i] = d.samples[idx].Label
	}
	return seqs, labels, nil
}

// GetAllLabels returns every sample's class id in dataset order.
func (d *Dataset) GetAllLabels() []int {
	out := make([]int, len(d.labels))
	copy(out, d.labels)
	return out
}

// NumMinority is the size of the smaller class.
func (d *Dataset) NumMinority() int { return len(d.minorityIdx) }

// NumMajority is the size of the larger class.
func (d *Dataset) NumMajority() int { return len(d.majorityIdx) }

// MinorityIndexes returns the indices of the minority class.
func (d *Dataset) MinorityIndexes() []int {
	out := make([]int, len(d.minorityIdx))
	copy(out, d.minorityIdx)
	return out
}
