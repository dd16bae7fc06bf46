package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/jdecid/FaceGen/internal/config"
	"github.com/jdecid/FaceGen/ml/checkpoints"
	"github.com/jdecid/FaceGen/ml/data"
	"github.com/jdecid/FaceGen/ml/device"
	"github.com/jdecid/FaceGen/ml/strategies/adversarial"
	"github.com/jdecid/FaceGen/ml/strategies/variational"
	"github.com/jdecid/FaceGen/ml/train"
	"github.com/jdecid/FaceGen/ui/commandline"
	"github.com/jdecid/FaceGen/ui/plots"
	"github.com/jdecid/FaceGen/ui/sinks"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Files written in the run directory, next to the checkpoints.
const (
	metricsCSVFileName = "metrics.csv"
	samplesDirName     = "samples"
)

func runTrain(args []string) error {
	ctx := config.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flagModel := flag.String("model", "", `Model family to train, "vae" or "gan". Same as -set="model=<value>".`)
	flagData := flag.String("data", "", "Directory with the training images. Defaults to $"+config.EnvDatasetPath+".")
	flagCheckpoints := flag.String("checkpoints", "", "Root directory of the checkpoints. Defaults to $"+config.EnvCheckpointDir+".")
	flagSeed := flag.Int64("seed", 0, "Random seed. If 0 it is derived from the clock.")
	flagBackend := flag.String("backend", "", "Backend configuration, e.g. \"xla:cuda\". Defaults to $GOMLX_BACKEND.")
	flagProgress := flag.Bool("progress", true, "Display a progress bar with the latest metrics.")
	flagLogSteps := flag.Int("log_steps", 100, "Without -progress, log the latest metrics every that many iterations. 0 disables it.")
	if err := flag.CommandLine.Parse(args); err != nil {
		return err
	}

	if err := config.LoadEnv(); err != nil {
		return err
	}
	paths := config.PathsFromEnv(*flagData, *flagCheckpoints)
	if err := paths.Validate(); err != nil {
		klog.Exitf("%v", err)
	}
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		return err
	}
	if *flagModel != "" {
		ctx.SetParam("model", *flagModel)
		paramsSet = append(paramsSet, "model")
	}
	if modified := commandline.SprintModifiedContextSettings(ctx, paramsSet); modified != "" {
		fmt.Println(modified)
	}
	training, err := config.TrainingFromContext(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	seed := config.Seed(*flagSeed, now)
	runTag := config.RunTag(now, seed)
	klog.Infof("run %s: training %s on %q", runTag, training.Model, paths.Data)

	dev, err := device.New(*flagBackend)
	if err != nil {
		return err
	}
	trainDS, validDS, err := loadDatasets(paths.Data, training, seed)
	if err != nil {
		return err
	}

	store := checkpoints.NewStore(paths.Checkpoints).WithDType(training.CheckpointDType)
	family := variational.Family
	if training.Model == config.ModelGAN {
		family = adversarial.Family
	}
	runDir, err := store.RunDir(family, runTag)
	if err != nil {
		return err
	}

	// Metric sinks.
	points, err := sinks.NewPoints(filepath.Join(runDir, plots.TrainingPlotFileName))
	if err != nil {
		return err
	}
	defer func() { _ = points.Close() }()
	images, err := sinks.NewImageDir(filepath.Join(runDir, samplesDirName))
	if err != nil {
		return err
	}
	latest := sinks.NewLatest()
	sink := sinks.Multi{&sinks.Log{Verbosity: 2}, points, images, latest}

	strategy, err := newStrategy(ctx, training, seed, runTag, validDS, sink, store)
	if err != nil {
		return err
	}
	loop := train.NewLoop(strategy, trainDS, dev, sink)
	if *flagProgress {
		commandline.AttachProgressBar(loop, latest)
	} else {
		commandline.AttachLogger(loop, latest, *flagLogSteps)
	}
	outcome, err := loop.Run(training.NumEpochs, training.CheckpointInterval, training.SampleInterval)
	commandline.ReportOutcome(outcome, latest)
	if err != nil {
		return err
	}
	return saveReports(runDir, training.Model, points, images)
}

// loadDatasets loads the images, and splits a validation dataset from them for the variational model.
// validDS is nil for the adversarial model, which doesn't use one.
func loadDatasets(dir string, training config.Training, seed int64) (trainDS, validDS *data.InMemory, err error) {
	ds, err := data.LoadImageFolder(dir, training.ImageSize)
	if err != nil {
		return nil, nil, err
	}
	ds.WithRand(rand.New(rand.NewPCG(uint64(seed), 0xda7a))).Shuffle()
	trainDS = ds
	if training.Model == config.ModelVAE {
		if ds.NumExamples() <= training.ValidationSize {
			return nil, nil, errors.Errorf("dataset %q has %d images, it needs more than the %d used for validation",
				dir, ds.NumExamples(), training.ValidationSize)
		}
		trainDS, validDS, err = ds.Split(training.ValidationSize)
		if err != nil {
			return nil, nil, err
		}
		validDS.BatchSize(min(training.BatchSize, training.ValidationSize), false)
		klog.Infof("%s: %d images", validDS.Name(), validDS.NumExamples())
	}
	trainDS.BatchSize(training.BatchSize, true).Shuffle().RandomFlips(training.RandomFlips)
	klog.Infof("%s: %d images", trainDS.Name(), trainDS.NumExamples())
	return trainDS, validDS, nil
}

func newStrategy(ctx *context.Context, training config.Training, seed int64, runTag string,
	validDS *data.InMemory, sink train.MetricSink, store *checkpoints.Store) (train.Strategy, error) {
	if training.Model == config.ModelGAN {
		return adversarial.New(config.Adversarial(ctx, seed, runTag), sink, store)
	}
	return variational.New(config.Variational(ctx, seed, runTag), validDS, sink, store)
}

// saveReports writes the metrics table and the loss plots of the run.
func saveReports(runDir, model string, points *sinks.Points, images *sinks.ImageDir) error {
	if err := points.Close(); err != nil {
		return err
	}
	if err := images.Err(); err != nil {
		klog.Warningf("some sample grids were not saved: %v", err)
	}
	if len(points.Points()) == 0 {
		return nil
	}
	if err := points.WriteCSV(filepath.Join(runDir, metricsCSVFileName)); err != nil {
		return err
	}
	metrics := []string{variational.LossMetricName, variational.LossTermsMetricName}
	if model == config.ModelGAN {
		metrics = []string{adversarial.GeneratorLossMetricName, adversarial.DiscriminatorLossMetricName}
	}
	for _, metric := range metrics {
		plotPath := filepath.Join(runDir, lossPlotFileName(metric))
		if err := plots.SaveLossPlot(points.Points(), metric, plotPath); err != nil {
			return err
		}
		klog.Infof("saved %q", plotPath)
	}
	return nil
}
