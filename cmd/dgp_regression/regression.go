// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/deepgp/pkg/ml/context/checkpoints"
	"github.com/gomlx/deepgp/pkg/ml/datasets"
	"github.com/gomlx/deepgp/pkg/ml/dgp"
	"github.com/gomlx/deepgp/pkg/ml/inducing"
	"github.com/gomlx/deepgp/pkg/ml/train"
	"github.com/gomlx/deepgp/pkg/ml/train/optimizers"
	"github.com/gomlx/deepgp/ui/commandline"
	"github.com/gomlx/deepgp/ui/plots"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// experiment holds the configuration shared by all splits.
type experiment struct {
	name, runID, settings    string
	outputDir, checkpointDir string
	checkpointKeep           int
	verbosity                int
	progressBar              bool
}

type splitResult struct {
	// NLL is the mean test negative log-likelihood on the original scale of the targets.
	NLL float64

	// TrainTime is the wall time spent training.
	TrainTime time.Duration
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "expanding %q", path)
	}
	return filepath.Join(home, path[1:]), nil
}

// newSplitContext creates the context for one split, with the experiment settings applied.
// If a random seed is set, it is offset by the split index.
func (exp *experiment) newSplitContext(splitIdx int) (*context.Context, []string, error) {
	ctx := createDefaultContext()
	paramsSet, err := commandline.ParseContextSettings(ctx, exp.settings)
	if err != nil {
		return nil, nil, err
	}
	if seed := context.GetParamOr(ctx, context.ParamInitialSeed, int64(0)); seed != 0 {
		ctx.SetParam(context.ParamInitialSeed, seed+int64(splitIdx))
	}
	ctx.RngStateReset()
	return ctx, paramsSet, nil
}

// runSplit trains a deep GP on the training part of split splitIdx and evaluates it on its test part.
func (exp *experiment) runSplit(inputs, labels *mat.Dense, splitIdx int) (result splitResult, err error) {
	ctx, paramsSet, err := exp.newSplitContext(splitIdx)
	if err != nil {
		return
	}
	split, err := datasets.NewSplit(inputs, labels, splitIdx, context.GetParamOr(ctx, ParamTestFraction, datasets.DefaultTestFraction))
	if err != nil {
		return
	}
	numTrain, _ := split.X.Dims()
	numTest, numOutputs := split.Ys.Dims()
	klog.V(1).Infof("Split %d: %d train and %d test examples", splitIdx, numTrain, numTest)

	// Checkpoints must be attached before the model variables are created, so they take the saved values.
	var checkpoint *checkpoints.Handler
	if exp.checkpointDir != "" {
		checkpoint, err = checkpoints.Build(ctx).
			Dir(filepath.Join(exp.checkpointDir, fmt.Sprintf("split_%02d", splitIdx))).
			Keep(exp.checkpointKeep).
			ExcludeParams(paramsSet...).
			Done()
		if err != nil {
			return
		}
	}

	numInducing := min(context.GetParamOr(ctx, ParamNumInducing, 20), numTrain)
	z, err := initInducing(ctx, split.X, numInducing)
	if err != nil {
		return
	}
	model, err := dgp.New(ctx.In("model"), split.X, z, numOutputs).Done()
	if err != nil {
		return
	}
	if exp.verbosity >= 2 {
		klog.Infof("Split %d: model with %d layers and %s parameters", splitIdx, len(model.Layers),
			humanize.Comma(int64(ctx.NumParameters())))
	}

	batchSize := min(context.GetParamOr(ctx, ParamBatchSize, 256), numTrain)
	trainDS, err := datasets.InMemory(fmt.Sprintf("train #%d", splitIdx), split.X, split.Y)
	if err != nil {
		return
	}
	trainDS.WithRand(ctx.Rand()).Shuffle().BatchSize(batchSize, false).Infinite(true)
	testDS, err := datasets.InMemory("test", split.Xs, split.Ys)
	if err != nil {
		return
	}
	testDS.BatchSize(batchSize, false)

	trainer := train.NewTrainer(ctx, model, optimizers.FromContext(ctx))
	loop := train.NewLoop(trainer)
	if exp.progressBar {
		commandline.AttachProgressBar(loop)
	}
	if freq := context.GetParamOr(ctx, ParamLogFrequency, 100); freq > 0 {
		train.EveryNSteps(loop, freq, "log ELBO", 100, func(loop *train.Loop, metrics []float64) error {
			klog.Infof("Split %d, step %d: ELBO (batch) %g", splitIdx, loop.LoopStep+1, -metrics[0])
			return nil
		})
	}
	if checkpoint != nil {
		period, err := time.ParseDuration(context.GetParamOr(ctx, ParamCheckpointEvery, "1m"))
		if err != nil {
			return result, errors.Wrapf(err, "parsing %q", ParamCheckpointEvery)
		}
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100, checkpoint.OnStepFn)
	}
	var plotsPrefix string
	if context.GetParamOr(ctx, ParamPlots, false) {
		plotsPrefix = filepath.Join(exp.outputDir, fmt.Sprintf("%s_%s_split%02d", exp.name, exp.runID[:8], splitIdx))
		if err = os.MkdirAll(exp.outputDir, 0o777); err != nil {
			return result, errors.Wrapf(err, "creating %q", exp.outputDir)
		}
		plots.NewPNGPlots(plotsPrefix).
			WithCheckpoint(checkpoint).
			WithDatasets(testDS).
			ScheduleExponential(loop, 50, 1.2)
	}

	trainSteps := context.GetParamOr(ctx, ParamTrainSteps, 1_000)
	start := time.Now()
	if globalStep := int(optimizers.GetGlobalStep(ctx)); globalStep < trainSteps {
		if _, err = loop.RunToGlobalStep(trainDS, trainSteps); err != nil {
			return result, errors.WithMessagef(err, "training split %d", splitIdx)
		}
	} else {
		klog.Infof("Split %d: train_steps=%d already reached", splitIdx, trainSteps)
	}
	result.TrainTime = time.Since(start)
	klog.Infof("Split %d: time taken to train: %s", splitIdx, commandline.FormatDuration(result.TrainTime))

	result.NLL, err = testNLL(model, split, context.GetParamOr(ctx, ParamTestSamples, 100))
	if err != nil {
		return
	}
	klog.Infof("Split %d: average test negative log-likelihood: %g", splitIdx, result.NLL)
	if exp.verbosity >= 2 {
		variances, err := layerVariances(model, split.Xs)
		if err != nil {
			return result, err
		}
		for ii, v := range variances {
			klog.Infof("Split %d: layer #%d mean test variance %g", splitIdx, ii, v)
		}
	}
	if exp.verbosity >= 1 && exp.progressBar {
		if err = commandline.ReportEval(trainer, testDS); err != nil {
			return
		}
	}
	if plotsPrefix != "" && model.InputDim() == 1 && numOutputs == 1 {
		err = savePredictivePlot(model, split, plotsPrefix+"_predictive.png")
	}
	return
}

// initInducing selects the initial inducing points among the rows of x, with the method set by
// ParamInducingInit: "kmeans" (cluster centers) or "random" (a random subset of the rows).
func initInducing(ctx *context.Context, x *mat.Dense, numInducing int) (*mat.Dense, error) {
	switch method := context.GetParamOr(ctx, ParamInducingInit, "kmeans"); method {
	case "kmeans":
		return inducing.KMeans(x, numInducing, ctx.Rand())
	case "random":
		return inducing.RandomSubset(x, numInducing, ctx.Rand())
	default:
		return nil, errors.Errorf("unknown %s=%q, valid values are \"kmeans\" and \"random\"", ParamInducingInit, method)
	}
}

// layerVariances returns, for each layer of the model, its mean predictive variance over the points
// of x and over the output dimensions, from one sample propagated through the layers.
func layerVariances(model *dgp.Model, x *mat.Dense) ([]float64, error) {
	_, _, variances, err := model.PredictAllLayers(tensors.FromMatrix(x), 1, false)
	if err != nil {
		return nil, err
	}
	means := make([]float64, len(variances))
	for ii, v := range variances {
		means[ii] = stat.Mean(v.Data(), nil)
	}
	return means, nil
}

// testNLL returns the mean negative log predictive density of the test examples of split, on the
// original scale of the targets.
func testNLL(model *dgp.Model, split *datasets.Split, numSamples int) (float64, error) {
	logDensities, err := model.PredictLogDensity(tensors.FromMatrix(split.Xs), tensors.FromMatrix(split.Ys), numSamples)
	if err != nil {
		return 0, err
	}
	var logStd float64
	for _, std := range split.YStd() {
		logStd += math.Log(std)
	}
	var sum float64
	for _, ld := range logDensities {
		sum += ld
	}
	return -sum/float64(len(logDensities)) + logStd, nil
}

// savePredictivePlot of a model with 1-D inputs and outputs, on the original scale of inputs and targets.
func savePredictivePlot(model *dgp.Model, split *datasets.Split, filePath string) error {
	const numPoints = 200
	trainX := split.InputsStandardizer.Inverse(split.X)
	trainY := split.LabelsStandardizer.Inverse(split.Y)
	lo, hi := mat.Min(split.X), mat.Max(split.X)
	margin := 0.1 * (hi - lo)
	grid := mat.NewDense(numPoints, 1, nil)
	for ii := range numPoints {
		grid.Set(ii, 0, lo-margin+(hi-lo+2*margin)*float64(ii)/float64(numPoints-1))
	}
	yMean, yVariance, err := model.PredictY(tensors.FromMatrix(grid), 100)
	if err != nil {
		return err
	}
	numSamples := yMean.Dim(0)
	mean, variance := make([]float64, numPoints), make([]float64, numPoints)
	for ii := range numPoints {
		// Moments of the mixture over samples.
		var m, m2 float64
		for s := range numSamples {
			mu := yMean.At(s, ii, 0)
			m += mu
			m2 += yVariance.At(s, ii, 0) + mu*mu
		}
		m /= float64(numSamples)
		mean[ii], variance[ii] = m, m2/float64(numSamples)-m*m
	}
	xMean, xStd := split.InputsStandardizer.Mean[0], split.InputsStandardizer.Std[0]
	yMeanOrig, yStd := split.LabelsStandardizer.Mean[0], split.LabelsStandardizer.Std[0]
	pd := &plots.Predictive1D{
		Title:    "Predictive distribution",
		X:        make([]float64, numPoints),
		Mean:     make([]float64, numPoints),
		Variance: make([]float64, numPoints),
		TrainX:   mat.Col(nil, 0, trainX),
		TrainY:   mat.Col(nil, 0, trainY),
	}
	for ii := range numPoints {
		pd.X[ii] = grid.At(ii, 0)*xStd + xMean
		pd.Mean[ii] = mean[ii]*yStd + yMeanOrig
		pd.Variance[ii] = max(variance[ii], 0) * yStd * yStd
	}
	return pd.Save(filePath)
}

// writeReports writes the ".nll" and ".time" report files, returning their paths.
func (exp *experiment) writeReports(ctx *context.Context, results []splitResult) (nllPath, timePath string, err error) {
	if err = os.MkdirAll(exp.outputDir, 0o777); err != nil {
		return "", "", errors.Wrapf(err, "creating %q", exp.outputDir)
	}
	base := filepath.Join(exp.outputDir, fmt.Sprintf("%s_%d_%d", exp.name,
		context.GetParamOr(ctx, dgp.ParamNumLayers, 2), context.GetParamOr(ctx, ParamNumInducing, 100)))
	nlls := make([]float64, len(results))
	times := make([]float64, len(results))
	for ii, r := range results {
		nlls[ii], times[ii] = r.NLL, r.TrainTime.Seconds()
	}
	nllPath, timePath = base+".nll", base+".time"
	if err = writeReport(nllPath, nlls); err != nil {
		return
	}
	err = writeReport(timePath, times)
	return
}

// writeReport writes one line "Split <i>: <value>" per value, with i starting at 1, followed by
// "Average: <mean>".
func writeReport(filePath string, values []float64) error {
	var sb strings.Builder
	var sum float64
	for ii, v := range values {
		fmt.Fprintf(&sb, "Split %d: %g\n", ii+1, v)
		sum += v
	}
	if len(values) > 0 {
		fmt.Fprintf(&sb, "Average: %g\n", sum/float64(len(values)))
	}
	if err := os.WriteFile(filePath, []byte(sb.String()), 0o666); err != nil {
		return errors.Wrapf(err, "writing report %q", filePath)
	}
	return nil
}
