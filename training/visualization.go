package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/logsentinel/monitor"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	ConfusionMatrixPlot PlotType = "confusion_matrix"
	OverallMetricsPlot  PlotType = "overall_metrics"
	TrainingLossPlot    PlotType = "training_loss"
	ResourceUsagePlot   PlotType = "resource_usage"
)

// PlotData represents the universal JSON format for an external plotting
// service; rendering happens outside this module.
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
	Config    PlotConfig   `json:"config"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name string      `json:"name"`
	Type string      `json:"type"` // "line", "bar", "heatmap"
	Data []DataPoint `json:"data"`
}

// DataPoint represents a single data point - flexible for different plot types
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Z     interface{} `json:"z,omitempty"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
}

// VisualizationCollector writes per-run plot-data files into the run's report
// directory.
type VisualizationCollector struct {
	modelName string
	reportDir string
}

// NewVisualizationCollector targets the given report directory, creating it
// if needed.
func NewVisualizationCollector(modelName, reportDir string) (*VisualizationCollector, error) {
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create report directory")
	}
	return &VisualizationCollector{modelName: modelName, reportDir: reportDir}, nil
}

func (vc *VisualizationCollector) write(name string, plot PlotData) error {
	plot.Timestamp = time.Now()
	plot.ModelName = vc.modelName
	data, err := json.MarshalIndent(plot, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s plot", name)
	}
	path := filepath.Join(vc.reportDir, name)
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write %s", path)
}

// PlotConfusionMatrix writes the confusion matrix heatmap data.
func (vc *VisualizationCollector) PlotConfusionMatrix(matrix [][]int, classNames []string) error {
	var points []DataPoint
	for i, row := range matrix {
		for j, count := range row {
			points = append(points, DataPoint{
				X: classNames[j], Y: classNames[i], Z: count,
			})
		}
	}
	return vc.write("confusion_matrix.json", PlotData{
		PlotType: ConfusionMatrixPlot,
		Title:    "Confusion Matrix",
		Series:   []SeriesData{{Name: "confusion", Type: "heatmap", Data: points}},
		Config: PlotConfig{
			XAxisLabel: "Predicted",
			YAxisLabel: "Actual",
		},
	})
}

// PlotOverallMetrics writes a bar chart of the headline scores.
func (vc *VisualizationCollector) PlotOverallMetrics(overall OverallMetrics) error {
	points := []DataPoint{
		{X: "accuracy", Y: overall.Accuracy},
		{X: "precision", Y: overall.Precision},
		{X: "recall", Y: overall.Recall},
		{X: "f1_score", Y: overall.F1Score},
	}
	return vc.write("overall_metrics.json", PlotData{
		PlotType: OverallMetricsPlot,
		Title:    "Overall Metrics",
		Series:   []SeriesData{{Name: "metrics", Type: "bar", Data: points}},
		Config: PlotConfig{
			XAxisLabel: "Metric",
			YAxisLabel: "Score",
			ShowGrid:   true,
		},
	})
}

// PlotTrainingLoss writes the per-micro-batch loss series.
func (vc *VisualizationCollector) PlotTrainingLoss(losses []float64) error {
	points := make([]DataPoint, len(losses))
	for i, l := range losses {
		points[i] = DataPoint{X: i, Y: l}
	}
	return vc.write("training_loss.json", PlotData{
		PlotType: TrainingLossPlot,
		Title:    "Training Loss",
		Series:   []SeriesData{{Name: "loss", Type: "line", Data: points}},
		Config: PlotConfig{
			XAxisLabel: "Micro-batch",
			YAxisLabel: "Loss",
			ShowGrid:   true,
		},
	})
}

// PlotResourceUsage writes the heap usage series sampled during the run.
func (vc *VisualizationCollector) PlotResourceUsage(samples []monitor.Sample) error {
	points := make([]DataPoint, len(samples))
	for i, s := range samples {
		points[i] = DataPoint{X: s.Timestamp.Format(time.RFC3339), Y: s.HeapAllocMB}
	}
	return vc.write("resource_usage.json", PlotData{
		PlotType: ResourceUsagePlot,
		Title:    "Resource Usage",
		Series:   []SeriesData{{Name: "heap_alloc_mb", Type: "line", Data: points}},
		Config: PlotConfig{
			XAxisLabel: "Time",
			YAxisLabel: "Heap MB",
			ShowLegend: true,
			ShowGrid:   true,
		},
	})
}
