package training

import (
	"testing"

	"github.com/tsawler/logsentinel/dataset"
	"github.com/tsawler/logsentinel/model"
	"github.com/tsawler/logsentinel/tensor"
)

type recordingSink struct {
	events []Event
}

func (r *recordingSink) emit(e Event) { r.events = append(r.events, e) }

func TestEvaluatorExcludesSentinels(t *testing.T) {
	tensor.SetRandomSeed(41)
	m, err := model.NewHybridModel(smallModelConfig(), "", false)
	if err != nil {
		t.Fatalf("NewHybridModel failed: %v", err)
	}

	samples := []dataset.Sample{
		{Sequence: []string{"INFO a", "INFO b"}, Label: dataset.LabelNormal},
		{Sequence: []string{}, Label: dataset.LabelNormal}, // dropped: sentinel
		{Sequence: []string{"ERROR x"}, Label: dataset.LabelAnomalous},
		{Sequence: []string{"INFO c"}, Label: dataset.LabelNormal},
	}
	ds, err := dataset.New(samples)
	if err != nil {
		t.Fatalf("dataset.New failed: %v", err)
	}

	sink := &recordingSink{}
	ev := NewEvaluator(m, ds, 2, sink)
	metrics, err := ev.Evaluate([]float64{0.7, 0.6})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	totalSupport := metrics.PerClass[dataset.LabelNormal].Support +
		metrics.PerClass[dataset.LabelAnomalous].Support
	if totalSupport != 3 {
		t.Errorf("sentinel row must be excluded: support %d, want 3", totalSupport)
	}

	var cmTotal int
	for _, row := range metrics.ConfusionMatrix {
		for _, v := range row {
			cmTotal += v
		}
	}
	if cmTotal != 3 {
		t.Errorf("confusion matrix counts %d samples, want 3", cmTotal)
	}

	if len(metrics.TrainingLossSeries) != 2 {
		t.Errorf("loss series must pass through, got %d entries", len(metrics.TrainingLossSeries))
	}

	progressSeen := false
	for _, e := range sink.events {
		if e.Epoch == "Final Evaluation" && e.HasProgress {
			progressSeen = true
			if e.Progress < 0 || e.Progress > 1 {
				t.Errorf("evaluation progress out of range: %v", e.Progress)
			}
		}
	}
	if !progressSeen {
		t.Error("evaluation must report per-batch progress events")
	}
}
