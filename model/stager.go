package model

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/logsentinel/tensor"
)

// StageMode selects which parameter groups train during a phase. The four
// modes form a strictly additive curriculum ending with the decoder adapters,
// which unlock last so the projector and classifier are already warm.
type StageMode int

const (
	StageProjector StageMode = iota
	StageClassifier
	StageProjectorClassifier
	StageAll
)

func (s StageMode) String() string {
	switch s {
	case StageProjector:
		return "Projector"
	case StageClassifier:
		return "Classifier"
	case StageProjectorClassifier:
		return "Projector+Classifier"
	case StageAll:
		return "Fine-tuning All"
	default:
		return "Unknown"
	}
}

// ParameterStager owns the named parameter groups of a hybrid model and flips
// requiresGrad so that exactly one mode's union is trainable at a time.
type ParameterStager struct {
	groups map[string][]*tensor.Tensor
}

// NewParameterStager registers the model's groups at assembly time; no
// name-based lookup happens afterwards.
func NewParameterStager(m *HybridModel) *ParameterStager {
	return &ParameterStager{
		groups: map[string][]*tensor.Tensor{
			"projector":  m.ProjectorParameters(),
			"classifier": m.ClassifierParameters(),
			"adapters":   m.AdapterParameters(),
		},
	}
}

func (ps *ParameterStager) modeGroups(mode StageMode) ([]string, error) {
	switch mode {
	case StageProjector:
		return []string{"projector"}, nil
	case StageClassifier:
		return []string{"classifier"}, nil
	case StageProjectorClassifier:
		return []string{"projector", "classifier"}, nil
	case StageAll:
		return []string{"projector", "classifier", "adapters"}, nil
	default:
		return nil, errors.Errorf("unknown stage mode %d", mode)
	}
}

// Activate makes exactly the union of the mode's groups trainable and freezes
// everything else the stager owns.
func (ps *ParameterStager) Activate(mode StageMode) error {
	active, err := ps.modeGroups(mode)
	if err != nil {
		return err
	}
	for _, params := range ps.groups {
		for _, p := range params {
			p.SetRequiresGrad(false)
		}
	}
	count := 0
	for _, name := range active {
		for _, p := range ps.groups[name] {
			p.SetRequiresGrad(true)
			count++
		}
	}
	klog.V(2).Infof("stage %q active: %d trainable tensors", mode, count)
	return nil
}

// TrainableParameters returns the tensors currently marked trainable, in a
// stable group order.
func (ps *ParameterStager) TrainableParameters() []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, name := range []string{"projector", "classifier", "adapters"} {
		for _, p := range ps.groups[name] {
			if p.RequiresGrad() {
				out = append(out, p)
			}
		}
	}
	return out
}
