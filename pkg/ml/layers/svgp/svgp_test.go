// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package svgp

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/deepgp/pkg/ml/kernels"
	"github.com/gomlx/deepgp/pkg/ml/layers"
	"github.com/gomlx/deepgp/pkg/ml/meanfns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomMatrix(rng *rand.Rand, rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	m.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() }, m)
	return m
}

func newKernel(ctx *context.Context, inputDim int) kernels.Kernel {
	se := kernels.NewSquaredExponential(ctx, inputDim)
	must(se.Lengthscale().SetValue(tensors.Zeros(inputDim).Apply(func(float64) float64 { return 1.5 })))
	return se
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func TestConfigErrors(t *testing.T) {
	ctx := context.New()
	kernel := kernels.NewSquaredExponential(ctx, 2)
	z := mat.NewDense(3, 2, nil)

	_, err := New(ctx.In("a"), kernel, z, 0).Done()
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(ctx.In("b"), kernel, mat.NewDense(3, 1, nil), 1).Done()
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(ctx.In("c"), kernel, z, 1).InputPropDim(3).Done()
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(ctx.In("d"), kernel, z, 1).QSqrtScale(0).Done()
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(ctx.In("e"), kernel, z, 2).MeanFunction(meanfns.NewZero(1)).Done()
	require.ErrorIs(t, err, ErrInvalidConfig)

	l, err := New(ctx.In("ok"), kernel, z, 2).FixedInducingPoints().Done()
	require.NoError(t, err)
	assert.False(t, l.InducingPoints().Trainable)
	assert.True(t, l.QMu().Trainable)
	assert.Equal(t, []int{2, 3, 3}, l.QSqrt().Shape().Dimensions)

	// Creating a layer twice in the same scope fails, unless reusing.
	_, err = New(ctx.In("ok"), kernel, z, 2).Done()
	require.Error(t, err)
	reused, err := New(ctx.In("ok").Reuse(), kernel, z, 2).Done()
	require.NoError(t, err)
	assert.Same(t, l.QMu(), reused.QMu())
}

func TestKLAtPrior(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	for _, whiten := range []bool{true, false} {
		ctx := context.New()
		kernel := newKernel(ctx, 2)
		l, err := New(ctx, kernel, randomMatrix(rng, 6, 2), 3).Whiten(whiten).Done()
		require.NoError(t, err)
		kl, err := l.KL()
		require.NoError(t, err)
		assert.InDelta(t, 0.0, kl, 1e-8, "whiten=%v", whiten)

		// Any other posterior has a positive KL.
		raw := append([]float64(nil), l.QMu().Raw()...)
		for ii := range raw {
			raw[ii] = rng.NormFloat64()
		}
		require.NoError(t, l.QMu().SetRaw(raw))
		raw = append([]float64(nil), l.QSqrt().Raw()...)
		for ii := range raw {
			raw[ii] += 0.3 * rng.NormFloat64()
		}
		require.NoError(t, l.QSqrt().SetRaw(raw))
		kl, err = l.KL()
		require.NoError(t, err)
		assert.Greater(t, kl, 0.0, "whiten=%v", whiten)
	}
}

func TestWhitenedEquivalence(t *testing.T) {
	const m, inputDim, numOutputs, n = 5, 2, 2, 7
	rng := rand.New(rand.NewPCG(7, 3))
	z := randomMatrix(rng, m, inputDim)
	ctx := context.New()
	white, err := New(ctx.In("white"), newKernel(ctx.In("white"), inputDim), z, numOutputs).Whiten(true).Done()
	require.NoError(t, err)
	nonWhite, err := New(ctx.In("non_white"), newKernel(ctx.In("non_white"), inputDim), z, numOutputs).Whiten(false).Done()
	require.NoError(t, err)

	// Random whitened posterior.
	qMuW := randomMatrix(rng, m, numOutputs)
	qSqrtW := tensors.Zeros(numOutputs, m, m)
	for d := 0; d < numOutputs; d++ {
		for ii := 0; ii < m; ii++ {
			for jj := 0; jj < ii; jj++ {
				qSqrtW.Set(0.2*rng.NormFloat64(), d, ii, jj)
			}
			qSqrtW.Set(0.5+rng.Float64(), d, ii, ii)
		}
	}
	require.NoError(t, white.QMu().SetValue(tensors.FromMatrix(qMuW)))
	require.NoError(t, white.QSqrt().SetValue(qSqrtW))

	// Equivalent non-whitened posterior: q_mu = L·q_mu_w, q_sqrt_d = L·q_sqrt_w_d.
	_, lmm, err := nonWhite.choleskyKmm()
	require.NoError(t, err)
	var qMu mat.Dense
	qMu.Mul(lmm, qMuW)
	require.NoError(t, nonWhite.QMu().SetValue(tensors.FromMatrix(&qMu)))
	qSqrt := tensors.Zeros(numOutputs, m, m)
	for d := 0; d < numOutputs; d++ {
		block := mat.NewDense(m, m, qSqrtW.Data()[d*m*m:(d+1)*m*m])
		var product mat.Dense
		product.Mul(lmm, block)
		copy(qSqrt.Data()[d*m*m:], product.RawMatrix().Data)
	}
	require.NoError(t, nonWhite.QSqrt().SetValue(qSqrt))

	x := tensors.FromMatrix(randomMatrix(rng, n, inputDim))
	for _, fullCov := range []bool{false, true} {
		meanW, varW, err := white.Conditional(x, fullCov)
		require.NoError(t, err)
		meanNW, varNW, err := nonWhite.Conditional(x, fullCov)
		require.NoError(t, err)
		assert.True(t, tensors.InDelta(meanW, meanNW, 1e-6), "fullCov=%v: means %s vs %s", fullCov, meanW, meanNW)
		assert.True(t, tensors.InDelta(varW, varNW, 1e-6), "fullCov=%v: variances %s vs %s", fullCov, varW, varNW)
	}
	klW, err := white.KL()
	require.NoError(t, err)
	klNW, err := nonWhite.KL()
	require.NoError(t, err)
	assert.InDelta(t, klW, klNW, 1e-6)
}

func TestConditionalDiagonalMatchesFull(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	ctx := context.New()
	l, err := New(ctx, newKernel(ctx, 3), randomMatrix(rng, 4, 3), 2).QSqrtScale(0.5).Done()
	require.NoError(t, err)
	x := tensors.FromMatrix(randomMatrix(rng, 6, 3))
	mean, variance, err := l.Conditional(x, false)
	require.NoError(t, err)
	require.NoError(t, variance.Shape().CheckDims(6, 2))
	meanFull, cov, err := l.Conditional(x, true)
	require.NoError(t, err)
	require.NoError(t, cov.Shape().CheckDims(6, 6, 2))
	assert.True(t, tensors.InDelta(mean, meanFull, 1e-12))
	for ii := 0; ii < 6; ii++ {
		for d := 0; d < 2; d++ {
			assert.InDelta(t, variance.At(ii, d), cov.At(ii, ii, d), 1e-10)
			assert.GreaterOrEqual(t, variance.At(ii, d), 0.0)
			for jj := 0; jj < 6; jj++ {
				assert.InDelta(t, cov.At(ii, jj, d), cov.At(jj, ii, d), 1e-10)
			}
		}
	}

	_, _, err = l.Conditional(tensors.Zeros(6, 2), false)
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)

	// Multi-sample propagation through the shared helpers.
	samples, _, _, err := layers.SampleFromConditional(l, tensors.Tile(x, 3), nil, false, rng)
	require.NoError(t, err)
	require.NoError(t, samples.Shape().CheckDims(3, 6, 2))
}

func TestCacheInvalidation(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 13))
	ctx := context.New()
	kernel := kernels.NewSquaredExponential(ctx, 1)
	l, err := New(ctx, kernel, randomMatrix(rng, 3, 1), 1).Done()
	require.NoError(t, err)

	_, l1, err := l.choleskyKmm()
	require.NoError(t, err)
	_, l2, err := l.choleskyKmm()
	require.NoError(t, err)
	assert.Same(t, l1, l2, "unchanged variables must reuse the cached factor")

	require.NoError(t, kernel.Variance().SetValue(tensors.FromFlat([]float64{4}, 1)))
	_, l3, err := l.choleskyKmm()
	require.NoError(t, err)
	assert.NotSame(t, l1, l3)
	assert.InDelta(t, 2*l1.At(0, 0), l3.At(0, 0), 1e-6, "variance ×4 scales the Cholesky factor ×2")

	raw := append([]float64(nil), l.InducingPoints().Raw()...)
	raw[0] += 1
	require.NoError(t, l.InducingPoints().SetRaw(raw))
	_, l4, err := l.choleskyKmm()
	require.NoError(t, err)
	assert.NotSame(t, l3, l4)

	l.InvalidateCache()
	_, l5, err := l.choleskyKmm()
	require.NoError(t, err)
	assert.NotSame(t, l4, l5)
	assert.True(t, mat.EqualApprox(l4, l5, 1e-15))
}

// nearSingularKernel has K_mm = [[1, 1+5e-6], [1+5e-6, 1]] for any 2 points, with eigenvalue -5e-6.
type nearSingularKernel struct{}

func (nearSingularKernel) K(x *mat.Dense) *mat.SymDense {
	n, _ := x.Dims()
	k := mat.NewSymDense(n, nil)
	for ii := 0; ii < n; ii++ {
		for jj := ii; jj < n; jj++ {
			if ii == jj {
				k.SetSym(ii, jj, 1)
			} else {
				k.SetSym(ii, jj, 1+5e-6)
			}
		}
	}
	return k
}

func (nearSingularKernel) KCross(x, x2 *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	n2, _ := x2.Dims()
	k := mat.NewDense(n, n2, nil)
	k.Apply(func(_, _ int, _ float64) float64 { return 1 }, k)
	return k
}

func (nearSingularKernel) KDiag(x *mat.Dense) []float64 {
	n, _ := x.Dims()
	diag := make([]float64, n)
	for ii := range diag {
		diag[ii] = 1
	}
	return diag
}

func (nearSingularKernel) InputDim() int                  { return 1 }
func (nearSingularKernel) Variables() []*context.Variable { return nil }

func TestCholeskyRetryJitter(t *testing.T) {
	ctx := context.New()
	z := mat.NewDense(2, 1, []float64{0, 1})
	l, err := New(ctx, nearSingularKernel{}, z, 1).Jitter(1e-6).Done()
	require.NoError(t, err)

	kmm, lmm, err := l.choleskyKmm()
	require.NoError(t, err)
	assert.InDelta(t, 1+1e-4, kmm.At(0, 0), 1e-12, "retry uses 100x the configured jitter")
	assert.InDelta(t, 1+5e-6, kmm.At(0, 1), 1e-12)
	var llt mat.Dense
	llt.Mul(lmm, lmm.T())
	assert.True(t, mat.EqualApprox(&llt, kmm, 1e-12), "cached K_mm must match its Cholesky factor")

	_, variance, err := l.Conditional(tensors.FromFlat([]float64{0.5}, 1, 1), false)
	require.NoError(t, err)
	assert.False(t, variance.At(0, 0) < 0)
}

func TestConditionalNoPoints(t *testing.T) {
	ctx := context.New()
	l, err := New(ctx, newKernel(ctx, 1), mat.NewDense(3, 1, []float64{-1, 0, 1}), 1).Done()
	require.NoError(t, err)
	for _, fullCov := range []bool{false, true} {
		_, _, err = l.Conditional(tensors.Zeros(0, 1), fullCov)
		require.ErrorIs(t, err, shapes.ErrShapeMismatch)
	}
	_, _, err = layers.MultisampleConditional(l, tensors.Zeros(2, 0, 1), false)
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
}

// TestPriorMatching builds a single 1-D layer whose posterior equals its prior.
func TestPriorMatching(t *testing.T) {
	ctx := context.New()
	kernel := kernels.NewSquaredExponential(ctx, 1)
	z := mat.NewDense(5, 1, []float64{-2, -1, 0, 1, 2})
	l, err := New(ctx, kernel, z, 1).
		MeanFunction(meanfns.NewIdentity(1)).
		Whiten(false).
		FixedInducingPoints().
		Done()
	require.NoError(t, err)
	for _, v := range kernel.Variables() {
		v.SetTrainable(false)
	}
	kl, err := l.KL()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, kl, 1e-9)

	// q(f) is the prior: mean is the mean function, variance is the kernel variance.
	x := tensors.FromFlat([]float64{-2, -0.5, 0, 1, 3.5}, 5, 1)
	mean, variance, err := l.Conditional(x, false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, x.Data(), mean.Data(), 1e-9)
	assert.InDeltaSlice(t, []float64{1, 1, 1, 1, 1}, variance.Data(), 1e-6)

	// With a collapsed posterior (q_sqrt ~ 0) only the conditional p(f|u) variance remains:
	// K_nn - K_nm·K_mm⁻¹·K_mn, near zero at the inducing locations.
	collapsed, err := New(ctx.In("collapsed"), kernel, z, 1).
		MeanFunction(meanfns.NewIdentity(1)).
		Whiten(true).
		QSqrtScale(1e-5).
		Done()
	require.NoError(t, err)
	_, variance, err = collapsed.Conditional(tensors.FromMatrix(z), false)
	require.NoError(t, err)
	for ii, v := range variance.Data() {
		assert.InDelta(t, 0.0, v, 1e-4, "inducing point #%d", ii)
	}
	_, variance, err = collapsed.Conditional(tensors.FromFlat([]float64{10}, 1, 1), false)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, variance.At(0, 0), 1e-6, "far from the inducing points the prior variance remains")
}
