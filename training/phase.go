package training

import (
	"github.com/tsawler/logsentinel/model"
)

// Phase is one stage of the progressive-unfreezing curriculum.
type Phase struct {
	Name         string
	Mode         model.StageMode
	Epochs       int
	LearningRate float64
}

// phaseOutcome is the explicit per-phase result, replacing control flow by
// exception: a phase either completes, is aborted by the callback, or fails.
type phaseOutcome int

const (
	phaseCompleted phaseOutcome = iota
	phaseAborted
	phaseFailed
)

type phaseResult struct {
	outcome phaseOutcome
	err     error
}

// buildPhases binds the hyperparameters to the fixed four-stage curriculum.
func buildPhases(hp Hyperparameters) []Phase {
	epochs := hp.epochsPerPhase()
	lrs := hp.lrPerPhase()
	modes := [4]model.StageMode{
		model.StageProjector,
		model.StageClassifier,
		model.StageProjectorClassifier,
		model.StageAll,
	}
	phases := make([]Phase, 4)
	for i := range phases {
		phases[i] = Phase{
			Name:         modes[i].String(),
			Mode:         modes[i],
			Epochs:       epochs[i],
			LearningRate: lrs[i],
		}
	}
	return phases
}
