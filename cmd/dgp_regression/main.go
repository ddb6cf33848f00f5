// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// dgp_regression trains doubly-stochastic deep GPs on the random train/test splits of a regression
// dataset (a CSV file, targets in the last columns), and reports the test negative log-likelihood,
// on the original scale of the targets, and the training time of each split.
//
// Reports are written to "<output>/<dataset>_<num_layers>_<num_inducing>.nll" and ".time", one line
// "Split <i>: <value>" per split followed by a line "Average: <value>".
//
// Gradients are estimated with central finite differences, so each training step costs 2·P evaluations
// of the ELBO, where P is the number of trainable values (dominated by the q_sqrt factors, NumOutputs·M²
// per layer for M inducing points). The defaults (20 inducing points, 1000 steps on batches of 256) keep
// a 2-layer model on a UCI-sized dataset within minutes per split; larger settings, e.g.
// "num_inducing=100;train_steps=10_000", grow the cost quadratically in M and are only practical for
// low-dimensional inputs.
//
// Example:
//
//	dgp_regression -data=~/data/boston.csv -splits=5 -set="num_layers=3;train_steps=2_000"
package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gomlx/deepgp/internal/workerspool"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/deepgp/pkg/ml/datasets"
	"github.com/gomlx/deepgp/pkg/ml/dgp"
	"github.com/gomlx/deepgp/pkg/ml/kernels"
	"github.com/gomlx/deepgp/pkg/ml/layers/svgp"
	"github.com/gomlx/deepgp/pkg/ml/likelihoods"
	"github.com/gomlx/deepgp/pkg/ml/train"
	"github.com/gomlx/deepgp/pkg/ml/train/optimizers"
	"github.com/gomlx/deepgp/ui/commandline"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDataPath   = flag.String("data", "", "Path to the CSV file with the dataset, targets in the last columns.")
	flagHeader     = flag.Bool("header", false, "Whether the CSV file has a header line.")
	flagNumTargets = flag.Int("targets", 1, "Number of target columns, at the end of each CSV row.")
	flagDataset    = flag.String("dataset", "", "Name of the dataset, used in report file names. Defaults to the CSV file name.")
	flagOutputDir  = flag.String("output", "~/tmp/deepgp", "Directory where reports (and plots) are written.")
	flagSplits     = flag.Int("splits", 20, "Number of random train/test splits.")
	flagParallel   = flag.Int("parallelism", 1, "Number of splits trained concurrently. Progress bars are only shown if 1.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	// Checkpointing.
	flagCheckpoint     = flag.String("checkpoint", "", "Directory to save and load checkpoints from, one sub-directory per split. If left empty, no checkpoints are created.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if --checkpoint is set.")
)

// Hyperparameters only used by the regression driver.
const (
	ParamNumInducing     = "num_inducing"
	ParamInducingInit    = "inducing_init"
	ParamTrainSteps      = "train_steps"
	ParamLogFrequency    = "logging_iter_freq"
	ParamBatchSize       = "batch_size"
	ParamTestSamples     = "test_samples"
	ParamTestFraction    = "test_fraction"
	ParamPlots           = "plots"
	ParamCheckpointEvery = "checkpoint_period"
)

// createDefaultContext sets the context with the default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		context.ParamInitialSeed: int64(0),

		// Model.
		dgp.ParamNumLayers:                2,
		ParamNumInducing:                  20,
		ParamInducingInit:                 "kmeans",
		dgp.ParamNumSamples:               1,
		dgp.ParamInnerLayersQSqrtScale:    1e-5,
		svgp.ParamJitter:                  1e-6,
		svgp.ParamWhiten:                  false,
		kernels.ParamVariance:             1.0,
		kernels.ParamLengthscale:          1.0,
		kernels.ParamWhiteVariance:        1e-5,
		likelihoods.ParamGaussianVariance: 0.05,

		// Training.
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.01,
		optimizers.ParamClipNaN:      false,
		train.ParamFDStep:            train.DefaultFDStep,
		train.ParamEvalNumSamples:    train.DefaultEvalNumSamples,
		ParamTrainSteps:              1_000,
		ParamLogFrequency:            100,
		ParamBatchSize:               256,
		ParamCheckpointEvery:         "1m",

		// Evaluation.
		ParamTestSamples:  100,
		ParamTestFraction: datasets.DefaultTestFraction,

		// ParamPlots saves PNG plots of the training curves (and of the predictive distribution
		// for 1-D inputs) for each split.
		ParamPlots: false,
	})
	return ctx
}

func main() {
	klog.InitFlags(nil)
	settings := commandline.CreateContextSettingsFlag(createDefaultContext(), "")
	flag.Parse()
	if *flagDataPath == "" {
		klog.Exitf("Please set the dataset CSV file with -data.")
	}

	// Settings are validated once here, and re-applied to a fresh context for each split.
	ctx := createDefaultContext()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagVerbosity >= 1 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	name := *flagDataset
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(*flagDataPath), filepath.Ext(*flagDataPath))
	}
	inputs, labels := must.M2(datasets.LoadCSV(*flagDataPath, *flagHeader, *flagNumTargets))
	numExamples, inputDim := inputs.Dims()

	exp := &experiment{
		name:           name,
		runID:          uuid.NewString(),
		settings:       *settings,
		outputDir:      must.M1(expandHome(*flagOutputDir)),
		checkpointDir:  *flagCheckpoint,
		checkpointKeep: *flagCheckpointKeep,
		verbosity:      *flagVerbosity,
		progressBar:    *flagParallel == 1 && *flagVerbosity >= 1,
	}
	if exp.checkpointDir != "" {
		exp.checkpointDir = must.M1(expandHome(exp.checkpointDir))
	}
	klog.Infof("Run %s: dataset %q with %d examples of dimension %d, %d splits", exp.runID, name, numExamples, inputDim, *flagSplits)

	results := make([]splitResult, *flagSplits)
	pool := workerspool.NewWithParallelism(*flagParallel)
	err := pool.Map(*flagSplits, func(splitIdx int) error {
		var err error
		results[splitIdx], err = exp.runSplit(inputs, labels, splitIdx)
		return err
	})
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}

	nllPath, timePath := must.M2(exp.writeReports(ctx, results))
	fmt.Printf("Reports written to %q and %q\n", nllPath, timePath)
}
