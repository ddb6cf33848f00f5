// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/deepgp/pkg/core/linalg"
	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ReparameterizeJitter is added to the diagonal of full covariances before factorizing them.
var ReparameterizeJitter = 1e-6

// StandardNormal returns a tensor of the given dimensions with independent N(0, 1) values.
//
// If rng is nil a clock-seeded generator is used, and the values are not reproducible.
func StandardNormal(rng *rand.Rand, dimensions ...int) *tensors.Tensor {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	t := tensors.Zeros(dimensions...)
	data := t.Data()
	for ii := range data {
		data[ii] = rng.NormFloat64()
	}
	return t
}

// Reparameterize returns samples of N(mean, variance) given standard normal noise z.
//
// mean and z have shape (S, N, D). If fullCov is false, variance has shape (S, N, D) and
//
//	sample = mean + sqrt(max(variance, 0)) * z
//
// If fullCov is true, variance has shape (S, N, N, D), and for each sample s and output d,
// sample[s, :, d] = mean[s, :, d] + L·z[s, :, d], where L·Lᵀ = variance[s, :, :, d] + jitter·I.
func Reparameterize(mean, variance, z *tensors.Tensor, fullCov bool) (*tensors.Tensor, error) {
	if err := mean.Shape().CheckRank(3); err != nil {
		return nil, errors.WithMessage(err, "Reparameterize mean")
	}
	if err := shapes.CheckEqual("mean", mean.Shape(), "noise", z.Shape()); err != nil {
		return nil, err
	}
	numSamples, n, d := mean.Dim(0), mean.Dim(1), mean.Dim(2)
	if !fullCov {
		if err := shapes.CheckEqual("mean", mean.Shape(), "variance", variance.Shape()); err != nil {
			return nil, err
		}
		samples := mean.Clone()
		data, v, noise := samples.Data(), variance.Data(), z.Data()
		for ii := range data {
			data[ii] += math.Sqrt(math.Max(v[ii], 0)) * noise[ii]
		}
		return samples, nil
	}

	if err := variance.Shape().CheckDims(numSamples, n, n, d); err != nil {
		return nil, errors.WithMessage(err, "Reparameterize full covariance")
	}
	samples := mean.Clone()
	noise := mat.NewVecDense(n, nil)
	lz := mat.NewVecDense(n, nil)
	for s := 0; s < numSamples; s++ {
		for dd := 0; dd < d; dd++ {
			l, err := linalg.Cholesky(variance.CovarianceBlock(s, dd), ReparameterizeJitter)
			if err != nil {
				return nil, errors.WithMessagef(err, "Reparameterize covariance of sample %d, output %d", s, dd)
			}
			for ii := 0; ii < n; ii++ {
				noise.SetVec(ii, z.At(s, ii, dd))
			}
			lz.MulVec(l, noise)
			for ii := 0; ii < n; ii++ {
				samples.Set(samples.At(s, ii, dd)+lz.AtVec(ii), s, ii, dd)
			}
		}
	}
	return samples, nil
}
