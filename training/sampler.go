package training

import (
	"math/rand"

	"github.com/tsawler/logsentinel/dataset"
)

// Sampler builds the epoch index set, oversampling the minority class up to
// the configured portion, and shuffles it before each epoch.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a sampler with its own seeded source so index draws are
// reproducible per run.
func NewSampler(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// BuildIndexes returns the base training indices, extended by resampled
// minority indices when the minority portion falls below minLessPortion.
// The oversampling count is
// floor(minLessPortion*majority/(1-minLessPortion)) - minority.
func (s *Sampler) BuildIndexes(ds *dataset.Dataset, minLessPortion float64) []int {
	indexes := make([]int, ds.Len())
	for i := range indexes {
		indexes[i] = i
	}
	if minLessPortion <= 0 || ds.NumMinority() == 0 {
		return indexes
	}
	if float64(ds.NumMinority())/float64(ds.Len()) >= minLessPortion {
		return indexes
	}

	addNum := int(minLessPortion*float64(ds.NumMajority())/(1-minLessPortion)) - ds.NumMinority()
	if addNum <= 0 {
		return indexes
	}
	minority := ds.MinorityIndexes()
	for i := 0; i < addNum; i++ {
		indexes = append(indexes, minority[s.rng.Intn(len(minority))])
	}
	return indexes
}

// Shuffle permutes the index set in place before an epoch.
func (s *Sampler) Shuffle(indexes []int) {
	s.rng.Shuffle(len(indexes), func(i, j int) {
		indexes[i], indexes[j] = indexes[j], indexes[i]
	})
}
