// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dgp implements the doubly stochastic deep Gaussian process: a stack of sparse variational GP
// layers whose outputs are sampled (with the reparameterization trick) and fed to the next layer, and
// a likelihood on the last layer outputs.
//
// The evidence lower bound (ELBO) is estimated by Monte Carlo over the propagated samples, and it can be
// estimated on minibatches: the data term is scaled by NumData/N_batch.
//
// Build a Model with New(ctx, x, z, numOutputs)...Done(), or with NewModel from already built layers.
package dgp

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/deepgp/pkg/core/linalg"
	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/deepgp/pkg/ml/layers"
	"github.com/gomlx/deepgp/pkg/ml/likelihoods"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrInvalidConfig is returned (wrapped) for invalid model configurations.
var ErrInvalidConfig = errors.New("invalid deep GP configuration")

// ParamNumSamples is the context hyperparameter with the number of Monte Carlo samples used to estimate
// the ELBO. Default is 1.
const ParamNumSamples = "num_samples"

// Model is a doubly stochastic deep GP.
//
// A Model is not safe for concurrent use: layers cache factorizations, and the random number
// generator is shared.
type Model struct {
	Layers     []layers.Layer
	Likelihood likelihoods.Likelihood

	// NumData is the size of the full training set, used to scale minibatch estimates of the ELBO.
	// If 0 the data term is not scaled.
	NumData int

	// NumSamples used to estimate the ELBO.
	NumSamples int

	rng *rand.Rand
}

// NewModel creates a Model from the given layers, that must chain: each layer's OutputDim must be
// the next layer InputDim. The random number generator is taken from ctx.
func NewModel(ctx *context.Context, modelLayers []layers.Layer, likelihood likelihoods.Likelihood) (*Model, error) {
	if len(modelLayers) == 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "deep GP needs at least one layer")
	}
	if likelihood == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "likelihood not given")
	}
	for ii, l := range modelLayers[1:] {
		prev := modelLayers[ii]
		if prev.OutputDim() != l.InputDim() {
			return nil, errors.Wrapf(ErrInvalidConfig, "layer #%d outputs dimension %d, but layer #%d takes inputs of dimension %d",
				ii, prev.OutputDim(), ii+1, l.InputDim())
		}
	}
	return &Model{
		Layers:     modelLayers,
		Likelihood: likelihood,
		NumSamples: context.GetParamOr(ctx, ParamNumSamples, 1),
		rng:        ctx.Rand(),
	}, nil
}

// InputDim of the model, the input dimension of the first layer.
func (m *Model) InputDim() int { return m.Layers[0].InputDim() }

// OutputDim of the model, the output dimension of the last layer.
func (m *Model) OutputDim() int { return m.Layers[len(m.Layers)-1].OutputDim() }

// Variables of the model layers and likelihood. Variables shared among layers are listed once.
func (m *Model) Variables() []*context.Variable {
	seen := make(map[*context.Variable]bool)
	var vars []*context.Variable
	add := func(vs []*context.Variable) {
		for _, v := range vs {
			if !seen[v] {
				seen[v] = true
				vars = append(vars, v)
			}
		}
	}
	for _, l := range m.Layers {
		add(l.Variables())
	}
	add(m.Likelihood.Variables())
	return vars
}

// TrainableVariables returns the subset of Variables that are trainable.
func (m *Model) TrainableVariables() []*context.Variable {
	var vars []*context.Variable
	for _, v := range m.Variables() {
		if v.Trainable {
			vars = append(vars, v)
		}
	}
	return vars
}

// SampleNoise returns standard normal noise for the propagation of numSamples samples of n points, one
// tensor (numSamples, n, NumOutputs) per layer.
//
// Evaluating the ELBO with the same noise makes it a deterministic function of the variables, which is
// what the finite difference gradients of the trainer need.
func (m *Model) SampleNoise(numSamples, n int) []*tensors.Tensor {
	noise := make([]*tensors.Tensor, len(m.Layers))
	for ii, l := range m.Layers {
		noise[ii] = layers.StandardNormal(m.rng, numSamples, n, l.NumOutputs())
	}
	return noise
}

// Propagate numSamples samples of the inputs x (N, InputDim) through all layers.
//
// It returns for each layer the samples and mean (numSamples, N, OutputDim), and the variance, which is
// (numSamples, N, OutputDim) or (numSamples, N, N, OutputDim) if fullCov.
//
// noise is either nil, in which case it is sampled from the model random number generator, or one tensor
// (or nil) per layer, as returned by SampleNoise.
func (m *Model) Propagate(x *tensors.Tensor, numSamples int, fullCov bool, noise []*tensors.Tensor) (
	samples, means, variances []*tensors.Tensor, err error) {
	if err = x.Shape().CheckDims(-1, m.InputDim()); err != nil {
		return nil, nil, nil, errors.WithMessage(err, "deep GP inputs")
	}
	if x.Dim(0) == 0 {
		return nil, nil, nil, errors.Wrap(shapes.ErrShapeMismatch, "no input points given")
	}
	if numSamples < 1 {
		return nil, nil, nil, errors.Errorf("numSamples must be >= 1, got %d", numSamples)
	}
	if noise != nil && len(noise) != len(m.Layers) {
		return nil, nil, nil, errors.Wrapf(shapes.ErrShapeMismatch, "noise given for %d layers, model has %d", len(noise), len(m.Layers))
	}
	f := tensors.Tile(x, numSamples)
	samples = make([]*tensors.Tensor, len(m.Layers))
	means = make([]*tensors.Tensor, len(m.Layers))
	variances = make([]*tensors.Tensor, len(m.Layers))
	for ii, l := range m.Layers {
		var z *tensors.Tensor
		if noise != nil {
			z = noise[ii]
		}
		f, means[ii], variances[ii], err = layers.SampleFromConditional(l, f, z, fullCov, m.rng)
		if err != nil {
			return nil, nil, nil, errors.WithMessagef(err, "propagating through layer #%d", ii)
		}
		samples[ii] = f
	}
	return samples, means, variances, nil
}

// Predict returns the mean and variance of the last layer for numSamples samples of the inputs x.
// See Propagate for the shapes.
func (m *Model) Predict(x *tensors.Tensor, numSamples int, fullCov bool) (mean, variance *tensors.Tensor, err error) {
	return m.predict(x, numSamples, fullCov, nil)
}

func (m *Model) predict(x *tensors.Tensor, numSamples int, fullCov bool, noise []*tensors.Tensor) (mean, variance *tensors.Tensor, err error) {
	_, means, variances, err := m.Propagate(x, numSamples, fullCov, noise)
	if err != nil {
		return nil, nil, err
	}
	last := len(m.Layers) - 1
	return means[last], variances[last], nil
}

// PredictAllLayers returns the samples, means and variances of every layer. See Propagate.
func (m *Model) PredictAllLayers(x *tensors.Tensor, numSamples int, fullCov bool) (samples, means, variances []*tensors.Tensor, err error) {
	return m.Propagate(x, numSamples, fullCov, nil)
}

// PredictY returns the predictive mean and variance of the observations for numSamples samples,
// shapes (numSamples, N, OutputDim).
func (m *Model) PredictY(x *tensors.Tensor, numSamples int) (yMean, yVariance *tensors.Tensor, err error) {
	mean, variance, err := m.Predict(x, numSamples, false)
	if err != nil {
		return nil, nil, err
	}
	return m.Likelihood.PredictMeanAndVar(mean, variance)
}

// PredictLogDensity returns for each point the log predictive density of y (N, OutputDim) given x,
// estimated with numSamples samples: log (1/S)·Σ_s p(y|x, sample s).
func (m *Model) PredictLogDensity(x, y *tensors.Tensor, numSamples int) ([]float64, error) {
	mean, variance, err := m.Predict(x, numSamples, false)
	if err != nil {
		return nil, err
	}
	logDensities, err := m.Likelihood.PredictLogDensity(mean, variance, y)
	if err != nil {
		return nil, err
	}
	n := x.Dim(0)
	result := make([]float64, n)
	perSample := make([]float64, numSamples)
	logS := math.Log(float64(numSamples))
	for ii := range result {
		for s := range perSample {
			perSample[s] = logDensities.At(s, ii)
		}
		result[ii] = linalg.LogSumExp(perSample) - logS
	}
	return result, nil
}

// ExpectedLogLikelihood returns for each point of (x, y) the Monte Carlo estimate, over NumSamples
// samples, of E_q(f)[log p(y|f)].
//
// noise is as in Propagate, with NumSamples samples.
func (m *Model) ExpectedLogLikelihood(x, y *tensors.Tensor, noise []*tensors.Tensor) ([]float64, error) {
	numSamples := max(m.NumSamples, 1)
	mean, variance, err := m.predict(x, numSamples, false, noise)
	if err != nil {
		return nil, err
	}
	varExp, err := m.Likelihood.VariationalExpectations(mean, variance, y)
	if err != nil {
		return nil, err
	}
	n := x.Dim(0)
	ell := make([]float64, n)
	data := varExp.Data()
	for s := 0; s < numSamples; s++ {
		floats.Add(ell, data[s*n:(s+1)*n])
	}
	floats.Scale(1/float64(numSamples), ell)
	return ell, nil
}

// PriorKL returns the sum of the KL divergences of all layers.
func (m *Model) PriorKL() (float64, error) {
	var kl float64
	for ii, l := range m.Layers {
		layerKL, err := l.KL()
		if err != nil {
			return 0, errors.WithMessagef(err, "KL of layer #%d", ii)
		}
		kl += layerKL
	}
	return kl, nil
}

// ELBO returns the evidence lower bound estimated on the batch (x, y):
//
//	Σ_n E[log p(y_n|f_n)] · NumData/N - KL
//
// The scaling is skipped if NumData is 0. noise is as in Propagate.
func (m *Model) ELBO(x, y *tensors.Tensor, noise []*tensors.Tensor) (float64, error) {
	ell, err := m.ExpectedLogLikelihood(x, y, noise)
	if err != nil {
		return 0, err
	}
	kl, err := m.PriorKL()
	if err != nil {
		return 0, err
	}
	if len(ell) == 0 {
		return 0, errors.Wrap(shapes.ErrShapeMismatch, "ELBO of an empty batch")
	}
	scale := 1.0
	if m.NumData > 0 {
		scale = float64(m.NumData) / float64(len(ell))
	}
	return floats.Sum(ell)*scale - kl, nil
}
