// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dgp

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/deepgp/pkg/ml/kernels"
	"github.com/gomlx/deepgp/pkg/ml/layers"
	"github.com/gomlx/deepgp/pkg/ml/layers/svgp"
	"github.com/gomlx/deepgp/pkg/ml/likelihoods"
	"github.com/gomlx/deepgp/pkg/ml/meanfns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func randomMatrix(rng *rand.Rand, rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	m.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() }, m)
	return m
}

func testContext(seed int64) *context.Context {
	ctx := context.New()
	ctx.SetParam(context.ParamInitialSeed, seed)
	ctx.RngStateReset()
	return ctx
}

func buildModel(t *testing.T, ctx *context.Context, rng *rand.Rand, n int) (*Model, *tensors.Tensor, *tensors.Tensor) {
	x := randomMatrix(rng, n, 3)
	y := randomMatrix(rng, n, 1)
	model, err := New(ctx, x, mat.DenseCopyOf(x.Slice(0, 5, 0, 3)), 1).
		NumLayers(3).
		HiddenDims(2, 4).
		NumSamples(4).
		Done()
	require.NoError(t, err)
	return model, tensors.FromMatrix(x), tensors.FromMatrix(y)
}

func TestBuild(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	ctx := testContext(42)
	model, _, _ := buildModel(t, ctx, rng, 20)
	require.Len(t, model.Layers, 3)
	assert.Equal(t, 20, model.NumData)
	assert.Equal(t, 4, model.NumSamples)

	wantDims := [][2]int{{3, 2}, {2, 4}, {4, 1}}
	for ii, l := range model.Layers {
		assert.Equal(t, wantDims[ii][0], l.InputDim(), "layer #%d", ii)
		assert.Equal(t, wantDims[ii][1], l.OutputDim(), "layer #%d", ii)
	}
	layer0 := model.Layers[0].(*svgp.Layer)
	linear, ok := layer0.MeanFunction().(*meanfns.Linear)
	require.True(t, ok, "stepping down uses a PCA projection")
	assert.False(t, linear.Weights().Trainable)
	assert.Equal(t, []int{5, 3}, layer0.InducingPoints().Shape().Dimensions)

	layer1 := model.Layers[1].(*svgp.Layer)
	padding := layer1.MeanFunction().(*meanfns.Linear).Weights().Value()
	assert.Equal(t, []float64{1, 0, 0, 0, 0, 1, 0, 0}, padding.Data(), "stepping up pads the identity with zeros")
	assert.Equal(t, []int{5, 2}, layer1.InducingPoints().Shape().Dimensions, "inducing points are projected")

	layer2 := model.Layers[2].(*svgp.Layer)
	_, isZero := layer2.MeanFunction().(meanfns.Zero)
	assert.True(t, isZero, "last layer has a zero mean function")

	// Inner layers start with a scaled down q_sqrt.
	assert.InDelta(t, 1e-5, layer0.QSqrt().Value().At(0, 0, 0)/layerKmmCholeskyDiag(t, layer0), 1e-9)
	assert.Greater(t, layer2.QSqrt().Value().At(0, 0, 0), 1e-3)

	// All variables are reachable, the likelihood is the default Gaussian.
	_, isGaussian := model.Likelihood.(*likelihoods.Gaussian)
	assert.True(t, isGaussian)
	assert.NotEmpty(t, model.TrainableVariables())
	assert.Less(t, len(model.TrainableVariables()), len(model.Variables()))
}

// layerKmmCholeskyDiag returns the first diagonal element of the Cholesky factor of K_mm + jitter.
func layerKmmCholeskyDiag(t *testing.T, l *svgp.Layer) float64 {
	kmm := l.Kernel().K(l.InducingPoints().Value().Matrix())
	return math.Sqrt(kmm.At(0, 0) + l.Jitter())
}

func TestBuildErrors(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	x := randomMatrix(rng, 10, 2)
	z := randomMatrix(rng, 3, 2)
	tests := []struct {
		name string
		cfg  func(ctx *context.Context) *Config
	}{
		{"no layers", func(ctx *context.Context) *Config { return New(ctx, x, z, 1).NumLayers(0) }},
		{"no outputs", func(ctx *context.Context) *Config { return New(ctx, x, z, 0) }},
		{"no inducing points", func(ctx *context.Context) *Config { return New(ctx, x, nil, 1) }},
		{"inducing dimension", func(ctx *context.Context) *Config { return New(ctx, x, randomMatrix(rng, 3, 1), 1) }},
		{"hidden dims count", func(ctx *context.Context) *Config { return New(ctx, x, z, 1).NumLayers(3).HiddenDims(2) }},
		{"hidden dim zero", func(ctx *context.Context) *Config { return New(ctx, x, z, 1).NumLayers(2).HiddenDims(0) }},
		{"num samples", func(ctx *context.Context) *Config { return New(ctx, x, z, 1).NumSamples(0) }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := test.cfg(testContext(1)).Done()
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestPredictAllLayers(t *testing.T) {
	rng := rand.New(rand.NewPCG(15, 16))
	model, x, _ := buildModel(t, testContext(17), rng, 6)
	samples, means, variances, err := model.PredictAllLayers(x, 2, false)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	require.Len(t, means, 3)
	require.Len(t, variances, 3)
	wantDims := []int{2, 4, 1}
	for ii := range model.Layers {
		require.NoError(t, means[ii].Shape().CheckDims(2, 6, wantDims[ii]), "layer #%d", ii)
		require.NoError(t, variances[ii].Shape().CheckDims(2, 6, wantDims[ii]), "layer #%d", ii)
	}

	// The first layer sees the inputs directly, so its moments don't depend on the sampling noise.
	_, propMeans, propVariances, err := model.Propagate(x, 2, false, nil)
	require.NoError(t, err)
	assert.True(t, tensors.InDelta(propMeans[0], means[0], 1e-12))
	assert.True(t, tensors.InDelta(propVariances[0], variances[0], 1e-12))
}

func TestPropagateShapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	model, x, _ := buildModel(t, testContext(7), rng, 8)
	wantDims := []int{2, 4, 1}
	for _, fullCov := range []bool{false, true} {
		samples, means, variances, err := model.Propagate(x, 3, fullCov, nil)
		require.NoError(t, err)
		for ii := range model.Layers {
			require.NoError(t, samples[ii].Shape().CheckDims(3, 8, wantDims[ii]))
			require.NoError(t, means[ii].Shape().CheckDims(3, 8, wantDims[ii]))
			if fullCov {
				require.NoError(t, variances[ii].Shape().CheckDims(3, 8, 8, wantDims[ii]))
			} else {
				require.NoError(t, variances[ii].Shape().CheckDims(3, 8, wantDims[ii]))
			}
		}
	}

	mean, variance, err := model.Predict(x, 2, false)
	require.NoError(t, err)
	require.NoError(t, mean.Shape().CheckDims(2, 8, 1))
	require.NoError(t, variance.Shape().CheckDims(2, 8, 1))

	yMean, yVar, err := model.PredictY(x, 2)
	require.NoError(t, err)
	require.NoError(t, yMean.Shape().CheckDims(2, 8, 1))
	for _, v := range yVar.Data() {
		assert.Greater(t, v, 0.0)
	}

	_, _, _, err = model.Propagate(tensors.Zeros(8, 2), 3, false, nil)
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
	_, _, _, err = model.Propagate(x, 3, false, model.SampleNoise(3, 8)[:1])
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
}

func TestZeroNoise(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	model, x, _ := buildModel(t, testContext(3), rng, 6)
	noise := model.SampleNoise(2, 6)
	for _, z := range noise {
		z.Apply(func(float64) float64 { return 0 })
	}
	samples, means, _, err := model.Propagate(x, 2, false, noise)
	require.NoError(t, err)
	for ii := range samples {
		assert.Equal(t, means[ii].Data(), samples[ii].Data(), "layer #%d", ii)
	}
}

func TestELBO(t *testing.T) {
	const n = 10
	rng := rand.New(rand.NewPCG(11, 12))
	model, x, y := buildModel(t, testContext(5), rng, n)
	noise := model.SampleNoise(model.NumSamples, n)

	ell, err := model.ExpectedLogLikelihood(x, y, noise)
	require.NoError(t, err)
	require.Len(t, ell, n)
	kl, err := model.PriorKL()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, kl, -1e-9)

	// Common noise makes the ELBO deterministic.
	elbo1, err := model.ELBO(x, y, noise)
	require.NoError(t, err)
	elbo2, err := model.ELBO(x, y, noise)
	require.NoError(t, err)
	assert.Equal(t, elbo1, elbo2)

	// NumData == N_batch is the same as no scaling.
	require.Equal(t, n, model.NumData)
	model.NumData = 0
	unscaled, err := model.ELBO(x, y, noise)
	require.NoError(t, err)
	assert.InDelta(t, elbo1, unscaled, 1e-9)
	assert.InDelta(t, floats.Sum(ell)-kl, unscaled, 1e-9)

	// Minibatch of a 4 times larger dataset.
	model.NumData = 4 * n
	scaled, err := model.ELBO(x, y, noise)
	require.NoError(t, err)
	assert.InDelta(t, 4*floats.Sum(ell)-kl, scaled, 1e-9)

	_, err = model.ELBO(tensors.Zeros(0, 3), tensors.Zeros(0, 1), nil)
	require.Error(t, err)
}

func TestPredictLogDensity(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	ctx := testContext(13)
	x := randomMatrix(rng, 6, 1)
	model, err := New(ctx, x, x, 1).NumLayers(1).Done()
	require.NoError(t, err)
	y := tensors.FromMatrix(randomMatrix(rng, 6, 1))

	// With a single layer the predictive distribution doesn't depend on the samples.
	logDensities, err := model.PredictLogDensity(tensors.FromMatrix(x), y, 5)
	require.NoError(t, err)
	require.Len(t, logDensities, 6)
	mean, variance, err := model.Predict(tensors.FromMatrix(x), 1, false)
	require.NoError(t, err)
	noiseVariance := model.Likelihood.(*likelihoods.Gaussian).Variance().Value().At(0)
	for ii, got := range logDensities {
		want := likelihoods.LogNormalDensity(y.At(ii, 0), mean.At(0, ii, 0), variance.At(0, ii, 0)+noiseVariance)
		assert.InDelta(t, want, got, 1e-9, "point #%d", ii)
	}
}

func TestInputPropagation(t *testing.T) {
	rng := rand.New(rand.NewPCG(15, 16))
	ctx := testContext(15)
	z := randomMatrix(rng, 4, 2)
	layer0, err := svgp.New(ctx.In("layer_0"), kernels.NewSquaredExponential(ctx.In("layer_0"), 2), z, 1).
		InputPropDim(2).Done()
	require.NoError(t, err)
	z1 := randomMatrix(rng, 4, 3)
	layer1, err := svgp.New(ctx.In("layer_1"), kernels.NewSquaredExponential(ctx.In("layer_1"), 3), z1, 1).Done()
	require.NoError(t, err)

	_, err = NewModel(ctx, []layers.Layer{layer1, layer0}, likelihoods.NewGaussian(ctx))
	require.ErrorIs(t, err, ErrInvalidConfig)
	model, err := NewModel(ctx.Reuse(), []layers.Layer{layer0, layer1}, likelihoods.NewGaussian(ctx.Reuse()))
	require.NoError(t, err)

	x := tensors.FromMatrix(randomMatrix(rng, 5, 2))
	samples, _, variances, err := model.Propagate(x, 2, false, nil)
	require.NoError(t, err)
	require.NoError(t, samples[0].Shape().CheckDims(2, 5, 3))
	for s := 0; s < 2; s++ {
		for ii := 0; ii < 5; ii++ {
			for d := 0; d < 2; d++ {
				assert.Equal(t, x.At(ii, d), samples[0].At(s, ii, d))
				assert.Equal(t, 0.0, variances[0].At(s, ii, d))
			}
		}
	}
	require.NoError(t, samples[1].Shape().CheckDims(2, 5, 1))
}
