// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math/rand/v2"

	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/pkg/errors"
)

// MultisampleConditional computes the layer conditional for inputs x of shape (S, N, InputDim),
// each sample independently. It returns mean (S, N, NumOutputs) and variance (S, N, NumOutputs),
// or (S, N, N, NumOutputs) if fullCov.
//
// With diagonal covariance all S·N points are independent, so they go through one Conditional call.
// With full covariance points within a sample are correlated, and Conditional is called once per sample.
func MultisampleConditional(l Layer, x *tensors.Tensor, fullCov bool) (mean, variance *tensors.Tensor, err error) {
	if err = x.Shape().CheckDims(-1, -1, l.InputDim()); err != nil {
		return nil, nil, errors.WithMessage(err, "layer inputs")
	}
	if x.Dim(0) == 0 || x.Dim(1) == 0 {
		return nil, nil, errors.Wrapf(shapes.ErrShapeMismatch, "layer inputs of shape %v have no points", x.Shape())
	}
	numSamples, n, numOutputs := x.Dim(0), x.Dim(1), l.NumOutputs()
	if !fullCov {
		var flat *tensors.Tensor
		flat, err = x.Reshape(numSamples*n, l.InputDim())
		if err != nil {
			return
		}
		mean, variance, err = l.Conditional(flat, false)
		if err != nil {
			return nil, nil, err
		}
		if err = checkConditional(mean, variance, numSamples*n, numOutputs, false); err != nil {
			return nil, nil, err
		}
		if mean, err = mean.Reshape(numSamples, n, numOutputs); err != nil {
			return nil, nil, err
		}
		if variance, err = variance.Reshape(numSamples, n, numOutputs); err != nil {
			return nil, nil, err
		}
		return mean, variance, nil
	}

	means := make([]*tensors.Tensor, numSamples)
	variances := make([]*tensors.Tensor, numSamples)
	for s := 0; s < numSamples; s++ {
		means[s], variances[s], err = l.Conditional(x.Sample(s), true)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "conditional of sample %d", s)
		}
		if err = checkConditional(means[s], variances[s], n, numOutputs, true); err != nil {
			return nil, nil, err
		}
	}
	if mean, err = tensors.Stack(means); err != nil {
		return nil, nil, err
	}
	if variance, err = tensors.Stack(variances); err != nil {
		return nil, nil, err
	}
	return mean, variance, nil
}

func checkConditional(mean, variance *tensors.Tensor, n, numOutputs int, fullCov bool) error {
	if err := mean.Shape().CheckDims(n, numOutputs); err != nil {
		return errors.WithMessage(err, "conditional mean")
	}
	if fullCov {
		return errors.WithMessage(variance.Shape().CheckDims(n, n, numOutputs), "conditional full covariance")
	}
	return errors.WithMessage(variance.Shape().CheckDims(n, numOutputs), "conditional variance")
}

// SampleFromConditional computes the conditional of the layer for inputs x (S, N, InputDim) and draws
// samples with the reparameterization trick, using the standard normal noise z (S, N, NumOutputs).
//
// If z is nil, fresh noise is drawn from rng: the result is only reproducible if rng is seeded.
// If rng is also nil a clock-seeded generator is used.
//
// If the layer has InputPropDim W > 0, the first W dimensions of x are prepended to the samples and the
// mean, and zeros are prepended to the variance, so all outputs have OutputDim features: samples and mean
// are (S, N, W + NumOutputs) and variance is (S, N, W + NumOutputs), or (S, N, N, W + NumOutputs) if fullCov.
func SampleFromConditional(l Layer, x, z *tensors.Tensor, fullCov bool, rng *rand.Rand) (samples, mean, variance *tensors.Tensor, err error) {
	mean, variance, err = MultisampleConditional(l, x, fullCov)
	if err != nil {
		return
	}
	if z == nil {
		z = StandardNormal(rng, mean.Shape().Dimensions...)
	} else if err = shapes.CheckEqual("noise", z.Shape(), "conditional mean", mean.Shape()); err != nil {
		return nil, nil, nil, err
	}
	samples, err = Reparameterize(mean, variance, z, fullCov)
	if err != nil {
		return nil, nil, nil, err
	}

	w := l.InputPropDim()
	if w <= 0 {
		return samples, mean, variance, nil
	}
	if w > l.InputDim() {
		return nil, nil, nil, errors.Wrapf(shapes.ErrShapeMismatch, "input propagation of %d dimensions, but input has only %d",
			w, l.InputDim())
	}
	xProp := tensors.SliceLastAxis(x, 0, w)
	if samples, err = tensors.ConcatLastAxis(xProp, samples); err != nil {
		return nil, nil, nil, err
	}
	if mean, err = tensors.ConcatLastAxis(xProp, mean); err != nil {
		return nil, nil, nil, err
	}
	numSamples, n := x.Dim(0), x.Dim(1)
	var zeros *tensors.Tensor
	if fullCov {
		zeros = tensors.Zeros(numSamples, n, n, w)
	} else {
		zeros = tensors.Zeros(numSamples, n, w)
	}
	if variance, err = tensors.ConcatLastAxis(zeros, variance); err != nil {
		return nil, nil, nil, err
	}
	return samples, mean, variance, nil
}
