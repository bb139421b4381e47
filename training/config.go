package training

import (
	"github.com/pkg/errors"
)

// Hyperparameters is the run configuration snapshot persisted with each run.
type Hyperparameters struct {
	BatchSize      int     `json:"batch_size"`
	MicroBatchSize int     `json:"micro_batch_size"`
	NEpochsPhase1  int     `json:"n_epochs_phase1"`
	NEpochsPhase2  int     `json:"n_epochs_phase2"`
	NEpochsPhase3  int     `json:"n_epochs_phase3"`
	NEpochsPhase4  int     `json:"n_epochs_phase4"`
	LRPhase1       float64 `json:"lr_phase1"`
	LRPhase2       float64 `json:"lr_phase2"`
	LRPhase3       float64 `json:"lr_phase3"`
	LRPhase4       float64 `json:"lr_phase4"`
	MaxContentLen  int     `json:"max_content_len"`
	MaxSeqLen      int     `json:"max_seq_len"`
	MinLessPortion float64 `json:"min_less_portion"` // 0 disables oversampling
}

// DefaultHyperparameters mirrors the usual staged fine-tuning setup.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		BatchSize:      16,
		MicroBatchSize: 4,
		NEpochsPhase1:  2,
		NEpochsPhase2:  2,
		NEpochsPhase3:  2,
		NEpochsPhase4:  2,
		LRPhase1:       5e-4,
		LRPhase2:       5e-4,
		LRPhase3:       5e-4,
		LRPhase4:       5e-5,
		MaxContentLen:  100,
		MaxSeqLen:      128,
		MinLessPortion: 0.5,
	}
}

// Validate checks positivity and that BatchSize is a positive multiple of
// MicroBatchSize.
func (hp Hyperparameters) Validate() error {
	if hp.MicroBatchSize <= 0 {
		return errors.Errorf("micro batch size must be positive, got %d", hp.MicroBatchSize)
	}
	if hp.BatchSize <= 0 || hp.BatchSize%hp.MicroBatchSize != 0 {
		return errors.Errorf("batch size %d must be a positive multiple of micro batch size %d",
			hp.BatchSize, hp.MicroBatchSize)
	}
	for i, n := range hp.epochsPerPhase() {
		if n < 0 {
			return errors.Errorf("phase %d epoch count must be non-negative, got %d", i+1, n)
		}
	}
	for i, lr := range hp.lrPerPhase() {
		if lr < 0 {
			return errors.Errorf("phase %d learning rate must be non-negative, got %v", i+1, lr)
		}
	}
	if hp.MinLessPortion < 0 || hp.MinLessPortion >= 1 {
		return errors.Errorf("min less portion must be in [0,1), got %v", hp.MinLessPortion)
	}
	return nil
}

func (hp Hyperparameters) epochsPerPhase() [4]int {
	return [4]int{hp.NEpochsPhase1, hp.NEpochsPhase2, hp.NEpochsPhase3, hp.NEpochsPhase4}
}

func (hp Hyperparameters) lrPerPhase() [4]float64 {
	return [4]float64{hp.LRPhase1, hp.LRPhase2, hp.LRPhase3, hp.LRPhase4}
}

// GradAccumSteps is the number of micro-batches per optimizer step.
func (hp Hyperparameters) GradAccumSteps() int {
	return hp.BatchSize / hp.MicroBatchSize
}
