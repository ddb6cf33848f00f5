// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package likelihoods implements the observation models p(y|f) of a deep GP. Only Gaussian is provided.
package likelihoods

import (
	"math"

	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/pkg/errors"
)

// Likelihood is the observation model p(y|f).
//
// Latent values are given as Gaussian marginals q(f) = N(mean, variance), with mean and variance of
// shape (S, N, D), and observations y of shape (N, D).
type Likelihood interface {
	// VariationalExpectations returns ∫ log p(y|f) q(f) df, summed over D, shape (S, N).
	VariationalExpectations(mean, variance, y *tensors.Tensor) (*tensors.Tensor, error)

	// PredictMeanAndVar returns the mean and variance of y under q(f), shapes (S, N, D).
	PredictMeanAndVar(mean, variance *tensors.Tensor) (yMean, yVariance *tensors.Tensor, err error)

	// PredictLogDensity returns log ∫ p(y|f) q(f) df, summed over D, shape (S, N).
	PredictLogDensity(mean, variance, y *tensors.Tensor) (*tensors.Tensor, error)

	// Variables returns the parameters of the likelihood.
	Variables() []*context.Variable
}

// ParamGaussianVariance is the context hyperparameter with the initial noise variance of Gaussian likelihoods.
var ParamGaussianVariance = "likelihood_variance"

// Gaussian likelihood: y = f + ε, ε ~ N(0, σ²).
type Gaussian struct {
	variance *context.Variable
}

var _ Likelihood = (*Gaussian)(nil)

// NewGaussian creates a Gaussian likelihood with its variance variable in scope "gaussian" under ctx.
// The initial value is taken from ParamGaussianVariance, default 1.0.
func NewGaussian(ctx *context.Context) *Gaussian {
	ctx = ctx.In("gaussian")
	variance := context.GetParamOr(ctx, ParamGaussianVariance, 1.0)
	return &Gaussian{
		variance: ctx.VariableWithValue("variance", tensors.FromFlat([]float64{variance}, 1), context.NewPositive()),
	}
}

// Variance returns the noise variance σ² variable.
func (g *Gaussian) Variance() *context.Variable { return g.variance }

// Variables implements Likelihood.
func (g *Gaussian) Variables() []*context.Variable { return []*context.Variable{g.variance} }

func checkInputs(mean, variance, y *tensors.Tensor) (s, n, d int, err error) {
	if err = mean.Shape().CheckRank(3); err != nil {
		return
	}
	s, n, d = mean.Dim(0), mean.Dim(1), mean.Dim(2)
	if err = shapes.CheckEqual("mean", mean.Shape(), "variance", variance.Shape()); err != nil {
		return
	}
	if y != nil {
		if err = y.Shape().CheckDims(n, d); err != nil {
			err = errors.WithMessagef(err, "observations y for mean of shape %s", mean.Shape())
		}
	}
	return
}

// VariationalExpectations implements Likelihood:
//
//	Σ_d -½ log(2π) - ½ log σ² - ½ ((y - μ)² + v) / σ²
func (g *Gaussian) VariationalExpectations(mean, variance, y *tensors.Tensor) (*tensors.Tensor, error) {
	s, n, d, err := checkInputs(mean, variance, y)
	if err != nil {
		return nil, err
	}
	sigma2 := g.variance.Value().Data()[0]
	out := tensors.Zeros(s, n)
	mu, v, obs, data := mean.Data(), variance.Data(), y.Data(), out.Data()
	for ii := 0; ii < s*n; ii++ {
		var sum float64
		point := ii % n
		for jj := 0; jj < d; jj++ {
			diff := obs[point*d+jj] - mu[ii*d+jj]
			sum += -0.5*math.Log(2*math.Pi) - 0.5*math.Log(sigma2) - 0.5*(diff*diff+v[ii*d+jj])/sigma2
		}
		data[ii] = sum
	}
	return out, nil
}

// PredictMeanAndVar implements Likelihood: (μ, v + σ²).
func (g *Gaussian) PredictMeanAndVar(mean, variance *tensors.Tensor) (yMean, yVariance *tensors.Tensor, err error) {
	if _, _, _, err = checkInputs(mean, variance, nil); err != nil {
		return
	}
	sigma2 := g.variance.Value().Data()[0]
	yMean = mean.Clone()
	yVariance = variance.Clone().Apply(func(v float64) float64 { return v + sigma2 })
	return
}

// PredictLogDensity implements Likelihood: Σ_d log N(y | μ, v + σ²).
func (g *Gaussian) PredictLogDensity(mean, variance, y *tensors.Tensor) (*tensors.Tensor, error) {
	s, n, d, err := checkInputs(mean, variance, y)
	if err != nil {
		return nil, err
	}
	sigma2 := g.variance.Value().Data()[0]
	out := tensors.Zeros(s, n)
	mu, v, obs, data := mean.Data(), variance.Data(), y.Data(), out.Data()
	for ii := 0; ii < s*n; ii++ {
		var sum float64
		point := ii % n
		for jj := 0; jj < d; jj++ {
			sum += LogNormalDensity(obs[point*d+jj], mu[ii*d+jj], v[ii*d+jj]+sigma2)
		}
		data[ii] = sum
	}
	return out, nil
}

// LogNormalDensity returns log N(x | mean, variance).
func LogNormalDensity(x, mean, variance float64) float64 {
	diff := x - mean
	return -0.5*math.Log(2*math.Pi) - 0.5*math.Log(variance) - 0.5*diff*diff/variance
}
