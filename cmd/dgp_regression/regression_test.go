// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/deepgp/pkg/ml/dgp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func sineDataset(n int) (inputs, labels *mat.Dense) {
	rng := rand.New(rand.NewPCG(3, 5))
	inputs, labels = mat.NewDense(n, 1, nil), mat.NewDense(n, 1, nil)
	for ii := range n {
		x := 4*rng.Float64() - 2
		inputs.Set(ii, 0, 10*x+3)
		labels.Set(ii, 0, 100*math.Sin(3*x)+5*rng.NormFloat64())
	}
	return
}

func TestWriteReport(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "boston_2_100.nll")
	require.NoError(t, writeReport(filePath, []float64{2.5, 3.5}))
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "Split 1: 2.5\nSplit 2: 3.5\nAverage: 3\n", string(contents))
}

func TestRunSplits(t *testing.T) {
	inputs, labels := sineDataset(60)
	outputDir := t.TempDir()
	exp := &experiment{
		name:  "sine",
		runID: "0123456789abcdef",
		settings: "train_steps=5;num_inducing=5;batch_size=20;test_samples=5;logging_iter_freq=2;" +
			"rng_seed=7;plots=true",
		outputDir:      outputDir,
		checkpointDir:  filepath.Join(outputDir, "checkpoints"),
		checkpointKeep: 1,
	}

	results := make([]splitResult, 2)
	for splitIdx := range results {
		var err error
		results[splitIdx], err = exp.runSplit(inputs, labels, splitIdx)
		require.NoError(t, err)
		assert.False(t, math.IsNaN(results[splitIdx].NLL))
		assert.False(t, math.IsInf(results[splitIdx].NLL, 0))
		assert.Greater(t, results[splitIdx].TrainTime, time.Duration(0))
		assert.FileExists(t, filepath.Join(outputDir, "sine_01234567_split00_predictive.png"))
	}
	// Labels have a standard deviation of ~70, so the NLL on the original scale is far above the
	// NLL of standardized labels.
	assert.Greater(t, results[0].NLL, 2.0)

	ctx, _, err := exp.newSplitContext(0)
	require.NoError(t, err)
	nllPath, timePath, err := exp.writeReports(ctx, results)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputDir, "sine_2_5.nll"), nllPath)
	assert.Equal(t, filepath.Join(outputDir, "sine_2_5.time"), timePath)
	contents, err := os.ReadFile(nllPath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "Split 2: ")
	assert.Contains(t, string(contents), "Average: ")

	// Re-running a split resumes from its checkpoint, which already reached train_steps.
	entries, err := os.ReadDir(filepath.Join(exp.checkpointDir, "split_00"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	again, err := exp.runSplit(inputs, labels, 0)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(again.NLL))
}

func TestNewSplitContextSeeds(t *testing.T) {
	exp := &experiment{settings: "rng_seed=10;num_layers=3"}
	ctx, paramsSet, err := exp.newSplitContext(4)
	require.NoError(t, err)
	assert.Len(t, paramsSet, 2)
	seed, found := ctx.GetParam("rng_seed")
	require.True(t, found)
	assert.Equal(t, int64(14), seed)

	exp.settings = "unknown_param=1"
	_, _, err = exp.newSplitContext(0)
	require.Error(t, err)
}

func TestInitInducing(t *testing.T) {
	inputs, _ := sineDataset(30)
	for _, method := range []string{"kmeans", "random"} {
		ctx := createDefaultContext()
		ctx.SetParam(ParamInducingInit, method)
		ctx.SetParam(context.ParamInitialSeed, int64(3))
		ctx.RngStateReset()
		z, err := initInducing(ctx, inputs, 6)
		require.NoError(t, err, method)
		rows, cols := z.Dims()
		assert.Equal(t, 6, rows, method)
		assert.Equal(t, 1, cols, method)
		if method == "random" {
			// Every inducing point is one of the inputs.
			for ii := range rows {
				found := false
				for jj := range 30 {
					found = found || z.At(ii, 0) == inputs.At(jj, 0)
				}
				assert.True(t, found, "inducing point #%d", ii)
			}
		}
	}

	ctx := createDefaultContext()
	ctx.SetParam(ParamInducingInit, "grid")
	_, err := initInducing(ctx, inputs, 6)
	require.Error(t, err)
}

func TestLayerVariances(t *testing.T) {
	inputs, _ := sineDataset(30)
	ctx := createDefaultContext()
	ctx.SetParam(context.ParamInitialSeed, int64(5))
	ctx.RngStateReset()
	z, err := initInducing(ctx, inputs, 5)
	require.NoError(t, err)
	model, err := dgp.New(ctx.In("model"), inputs, z, 1).Done()
	require.NoError(t, err)
	variances, err := layerVariances(model, inputs)
	require.NoError(t, err)
	require.Len(t, variances, len(model.Layers))
	for ii, v := range variances {
		assert.GreaterOrEqual(t, v, 0.0, "layer #%d", ii)
		assert.False(t, math.IsNaN(v), "layer #%d", ii)
	}
}
