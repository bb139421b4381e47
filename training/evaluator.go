package training

import (
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/logsentinel/dataset"
	"github.com/tsawler/logsentinel/model"
)

// ClassMetrics holds one class's detailed scores.
type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// OverallMetrics holds the binary scores with anomalous as the positive class.
type OverallMetrics struct {
	Accuracy        float64 `json:"accuracy"`
	Precision       float64 `json:"precision"`
	Recall          float64 `json:"recall"`
	F1Score         float64 `json:"f1_score"`
	TimePerRecordMS float64 `json:"time_per_record_ms"`
}

// PerformanceMetrics is the evaluation payload persisted for a completed run.
type PerformanceMetrics struct {
	Overall            OverallMetrics          `json:"overall"`
	PerClass           map[string]ClassMetrics `json:"per_class"`
	ConfusionMatrix    [][]int                 `json:"confusion_matrix"`
	TrainingLossSeries []float64               `json:"training_loss_series"`
	TotalRunTimeSec    float64                 `json:"total_run_time_sec"`
}

// Evaluator scores the model over the test set in fixed-size batches,
// reporting progress through the log sink. Evaluation does not honor
// cancellation; it runs to completion once started.
type Evaluator struct {
	model     *model.HybridModel
	testSet   *dataset.Dataset
	batchSize int
	sink      logSink
}

func NewEvaluator(m *model.HybridModel, testSet *dataset.Dataset, batchSize int, sink logSink) *Evaluator {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Evaluator{model: m, testSet: testSet, batchSize: batchSize, sink: sink}
}

// Evaluate runs inference over the whole test set. Sentinel rows are excluded
// from every metric. lossSeries is passed through into the payload.
func (e *Evaluator) Evaluate(lossSeries []float64) (*PerformanceMetrics, error) {
	logEvent(e.sink, "--- Starting Final Evaluation ---")

	gtLabels := e.testSet.GetAllLabels()
	total := e.testSet.Len()
	cm := NewConfusionMatrix(2)
	scored := 0
	start := time.Now()

	for i := 0; i < total; i += e.batchSize {
		end := i + e.batchSize
		if end > total {
			end = total
		}
		e.sink.emit(Event{
			Epoch:       "Final Evaluation",
			Progress:    float64(i+1) / float64(total),
			HasProgress: true,
		})

		indices := make([]int, end-i)
		for j := range indices {
			indices[j] = i + j
		}
		seqs, _, err := e.testSet.GetBatch(indices)
		if err != nil {
			return nil, err
		}
		logits, valid, err := e.model.Forward(seqs)
		if err != nil {
			return nil, err
		}
		data, err := logits.GetFloat32Data()
		if err != nil {
			return nil, err
		}
		for row := range indices {
			if !valid[row] {
				continue
			}
			pred := 0
			if data[row*2+1] > data[row*2] {
				pred = 1
			}
			cm.Update(gtLabels[indices[row]], pred)
			scored++
		}
	}

	elapsed := time.Since(start).Seconds()
	timePerRecordMS := 0.0
	if scored > 0 {
		timePerRecordMS = elapsed / float64(scored) * 1000
	}
	klog.V(2).Infof("evaluated %d/%d records in %.2fs", scored, total, elapsed)

	metrics := &PerformanceMetrics{
		Overall: OverallMetrics{
			Accuracy:        cm.Accuracy(),
			Precision:       cm.ClassPrecision(1),
			Recall:          cm.ClassRecall(1),
			F1Score:         cm.ClassF1(1),
			TimePerRecordMS: timePerRecordMS,
		},
		PerClass: map[string]ClassMetrics{
			dataset.LabelNormal: {
				Precision: cm.ClassPrecision(0),
				Recall:    cm.ClassRecall(0),
				F1:        cm.ClassF1(0),
				Support:   cm.ClassSupport(0),
			},
			dataset.LabelAnomalous: {
				Precision: cm.ClassPrecision(1),
				Recall:    cm.ClassRecall(1),
				F1:        cm.ClassF1(1),
				Support:   cm.ClassSupport(1),
			},
		},
		ConfusionMatrix:    cm.Rows(),
		TrainingLossSeries: append([]float64(nil), lossSeries...),
	}
	return metrics, nil
}
