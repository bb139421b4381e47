package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/tsawler/logsentinel/dataset"
	"github.com/tsawler/logsentinel/model"
	"github.com/tsawler/logsentinel/store"
	"github.com/tsawler/logsentinel/training"
)

var normalTemplates = []string{
	"INFO session %d opened for user u%d",
	"INFO request %d served in %dms",
	"DEBUG cache hit for key k%d on shard %d",
	"INFO heartbeat %d acknowledged by node n%d",
	"INFO job %d finished with exit code 0 after %ds",
}

var anomalousTemplates = []string{
	"ERROR session %d authentication failed for user u%d",
	"WARN request %d timed out after %dms",
	"ERROR disk quota exceeded on volume v%d shard %d",
	"FATAL node n%d unreachable, retry %d aborted",
	"ERROR job %d killed by oom after %ds",
}

// makeSamples generates labelled synthetic log sequences: anomalous sequences
// mix error templates into the tail of a normal prefix.
func makeSamples(rng *rand.Rand, n int, anomalousFraction float64) []dataset.Sample {
	samples := make([]dataset.Sample, n)
	for i := range samples {
		anomalous := rng.Float64() < anomalousFraction
		length := 3 + rng.Intn(6)
		lines := make([]string, length)
		for j := range lines {
			tmpl := normalTemplates[rng.Intn(len(normalTemplates))]
			if anomalous && j >= length-2 {
				tmpl = anomalousTemplates[rng.Intn(len(anomalousTemplates))]
			}
			lines[j] = fmt.Sprintf(tmpl, rng.Intn(10000), rng.Intn(500))
		}
		label := dataset.LabelNormal
		if anomalous {
			label = dataset.LabelAnomalous
		}
		samples[i] = dataset.Sample{Sequence: lines, Label: label}
	}
	return samples
}

func main() {
	klog.InitFlags(nil)
	workDir := flag.String("work-dir", "demo-output", "directory for the run database and reports")
	trainSize := flag.Int("train-size", 240, "number of synthetic training sequences")
	testSize := flag.Int("test-size", 80, "number of synthetic test sequences")
	seed := flag.Int64("seed", 42, "random seed for data generation and sampling")
	flag.Parse()

	if err := run(*workDir, *trainSize, *testSize, *seed); err != nil {
		log.Fatal(err)
	}
}

func run(workDir string, trainSize, testSize int, seed int64) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(seed))
	trainSet, err := dataset.New(makeSamples(rng, trainSize, 0.15))
	if err != nil {
		return err
	}
	testSet, err := dataset.New(makeSamples(rng, testSize, 0.15))
	if err != nil {
		return err
	}

	runStore, err := store.Open(filepath.Join(workDir, "runs.db"))
	if err != nil {
		return err
	}
	defer runStore.Close()

	hp := training.DefaultHyperparameters()
	hp.BatchSize = 8
	hp.MicroBatchSize = 4
	hp.NEpochsPhase1 = 1
	hp.NEpochsPhase2 = 1
	hp.NEpochsPhase3 = 1
	hp.NEpochsPhase4 = 1

	controller := training.NewController(training.ControllerConfig{
		ModelName:   "logsentinel-demo",
		DatasetName: "synthetic",
		Hyper:       hp,
		Model:       model.DefaultConfig(),
		Store:       runStore,
		TrainSet:    trainSet,
		TestSet:     testSet,
		ReportsDir:  filepath.Join(workDir, "reports"),
		Seed:        seed,
		Callback: func(e training.Event) training.Decision {
			switch {
			case e.Log != "":
				fmt.Println(e.Log)
			case e.Error != "":
				fmt.Printf("error: %s\n", e.Error)
			case e.Done:
				fmt.Printf("run finished: %s\n", e.Status)
			case e.HasLoss:
				fmt.Printf("\r%s  progress %5.1f%%  loss %.4f  etc %.0fs",
					e.Epoch, e.Progress*100, e.Loss, e.ETCSeconds)
			}
			return training.Continue
		},
	})

	status, err := controller.Run(context.Background())
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("terminal status: %s\n", status)
	return nil
}
