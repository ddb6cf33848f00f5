// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package svgp implements the sparse variational GP layer: a GP over the layer inputs approximated with
// M inducing points Z and a Gaussian variational posterior q(u) = N(q_mu, q_sqrt·q_sqrtᵀ) per output.
//
// Create it with New(...).Done(). It implements layers.Layer, so it can be used directly or stacked
// into a deep GP (see package dgp).
package svgp

import (
	"github.com/gomlx/deepgp/pkg/core/linalg"
	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/deepgp/pkg/ml/kernels"
	"github.com/gomlx/deepgp/pkg/ml/layers"
	"github.com/gomlx/deepgp/pkg/ml/meanfns"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Layer is a sparse variational GP layer.
//
// It is not safe for concurrent use: the Cholesky factor of K_mm is cached and rebuilt lazily.
type Layer struct {
	layers.Base

	kernel kernels.Kernel
	meanFn meanfns.MeanFunction
	whiten bool
	jitter float64

	z     *context.Variable // (M, InputDim)
	qMu   *context.Variable // (M, NumOutputs)
	qSqrt *context.Variable // (NumOutputs, M, M), lower triangular.

	// Cache of K_mm (with jitter) and its Cholesky factor, valid while cacheVars have cacheVersions.
	cacheVars     []*context.Variable
	cacheVersions []uint64
	kmm           *mat.SymDense
	lmm           *mat.TriDense
}

var _ layers.Layer = (*Layer)(nil)

// Kernel of the GP.
func (l *Layer) Kernel() kernels.Kernel { return l.kernel }

// MeanFunction added to the GP predictions.
func (l *Layer) MeanFunction() meanfns.MeanFunction { return l.meanFn }

// Whitened returns whether the variational posterior is parameterized over the whitened inducing values
// v = L_mm⁻¹·u, with prior N(0, I).
func (l *Layer) Whitened() bool { return l.whiten }

// Jitter added to the diagonal of K_mm before factorizing it.
func (l *Layer) Jitter() float64 { return l.jitter }

// NumInducing returns M, the number of inducing points.
func (l *Layer) NumInducing() int { return l.z.Shape().Dim(0) }

// InducingPoints variable Z, shape (M, InputDim).
func (l *Layer) InducingPoints() *context.Variable { return l.z }

// QMu variable, shape (M, NumOutputs).
func (l *Layer) QMu() *context.Variable { return l.qMu }

// QSqrt variable, shape (NumOutputs, M, M): one lower triangular factor per output.
func (l *Layer) QSqrt() *context.Variable { return l.qSqrt }

// Variables implements layers.Layer. It includes the kernel and mean function variables.
func (l *Layer) Variables() []*context.Variable {
	vars := append([]*context.Variable(nil), l.kernel.Variables()...)
	vars = append(vars, l.meanFn.Variables()...)
	return append(vars, l.z, l.qMu, l.qSqrt)
}

// InvalidateCache forces the Cholesky factor of K_mm to be recomputed on next use.
//
// Changes to the kernel variables or the inducing points are detected automatically through their
// versions, so this is only needed if the kernel changes by other means.
func (l *Layer) InvalidateCache() {
	l.cacheVersions = nil
	l.kmm, l.lmm = nil, nil
}

// choleskyKmm returns K_mm + jitter·I and its Cholesky factor, from cache if still valid.
// If the factorization needed the increased retry jitter, the returned K_mm includes it.
func (l *Layer) choleskyKmm() (kmm *mat.SymDense, lmm *mat.TriDense, err error) {
	if l.lmm != nil && context.VersionsEqual(l.cacheVars, l.cacheVersions) {
		return l.kmm, l.lmm, nil
	}
	k := l.kernel.K(l.z.Value().Matrix())
	lmm, jitter, err := linalg.CholeskyJitter(k, l.jitter)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "factorizing K_mm of layer with %d inducing points", l.NumInducing())
	}
	// K_mm carries the same jitter as its factor, including any increase from the retry.
	kmm = linalg.AddJitter(k, jitter)
	if klog.V(2).Enabled() {
		klog.Infof("svgp: rebuilt Cholesky of K_mm (M=%d)", l.NumInducing())
	}
	l.kmm, l.lmm = kmm, lmm
	l.cacheVars = append(append(l.cacheVars[:0], l.kernel.Variables()...), l.z)
	l.cacheVersions = context.Versions(l.cacheVars)
	return kmm, lmm, nil
}

// qSqrtMatrix returns the lower triangular factor of output d, as a view of the q_sqrt value.
func (l *Layer) qSqrtMatrix(d int) *mat.Dense {
	m := l.NumInducing()
	data := l.qSqrt.Value().Data()
	return mat.NewDense(m, m, data[d*m*m:(d+1)*m*m])
}

// Conditional implements layers.Layer: the predictive mean and variance of f(x) under q(u), for x
// of shape (N, InputDim).
//
// With A = L_mm⁻¹·K_mn (further multiplied by L_mm⁻ᵀ if not whitened) and S_d = q_sqrt_d·q_sqrt_dᵀ:
//
//	mean = Aᵀ·q_mu + meanFn(x)
//	cov_d = K_nn + Aᵀ·(S_d - P)·A, with P = I if whitened, K_mm otherwise.
//
// Negative variances, from round-off, are clipped to 0.
func (l *Layer) Conditional(x *tensors.Tensor, fullCov bool) (mean, variance *tensors.Tensor, err error) {
	if err = x.Shape().CheckDims(-1, l.InputDim()); err != nil {
		return nil, nil, errors.WithMessage(err, "svgp.Layer.Conditional inputs")
	}
	if x.Dim(0) == 0 {
		return nil, nil, errors.Wrap(shapes.ErrShapeMismatch, "svgp.Layer.Conditional of no input points")
	}
	kmm, lmm, err := l.choleskyKmm()
	if err != nil {
		return nil, nil, err
	}
	xm := x.Matrix()
	n, m, numOutputs := x.Dim(0), l.NumInducing(), l.NumOutputs()
	zm := l.z.Value().Matrix()

	a := linalg.SolveTriangular(lmm, l.kernel.KCross(zm, xm), false)
	if !l.whiten {
		a = linalg.SolveTriangular(lmm, a, true)
	}

	// Mean.
	meanM, err := l.meanFn.Eval(xm)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "svgp.Layer mean function")
	}
	if r, c := meanM.Dims(); r != n || c != numOutputs {
		return nil, nil, errors.Wrapf(shapes.ErrShapeMismatch, "mean function returned %dx%d, wanted %dx%d", r, c, n, numOutputs)
	}
	var projected mat.Dense
	projected.Mul(a.T(), l.qMu.Value().Matrix())
	meanM.Add(meanM, &projected)
	mean = tensors.FromMatrix(meanM)

	// Covariance: S_d - P for each output.
	var prior mat.Symmetric
	if l.whiten {
		prior = eye(m)
	} else {
		prior = kmm
	}
	sk := mat.NewDense(m, m, nil)
	var skA mat.Dense
	if fullCov {
		knn := l.kernel.K(xm)
		full := tensors.Zeros(1, n, n, numOutputs)
		var cov mat.Dense
		for d := 0; d < numOutputs; d++ {
			qs := l.qSqrtMatrix(d)
			sk.Mul(qs, qs.T())
			sk.Sub(sk, prior)
			skA.Mul(sk, a)
			cov.Mul(a.T(), &skA)
			cov.Add(&cov, knn)
			for ii := 0; ii < n; ii++ {
				if cov.At(ii, ii) < 0 {
					cov.Set(ii, ii, 0)
				}
			}
			full.SetCovarianceBlock(0, d, &cov)
		}
		variance, err = full.Reshape(n, n, numOutputs)
		return mean, variance, err
	}

	knnDiag := l.kernel.KDiag(xm)
	variance = tensors.Zeros(n, numOutputs)
	values := variance.Data()
	for d := 0; d < numOutputs; d++ {
		qs := l.qSqrtMatrix(d)
		sk.Mul(qs, qs.T())
		sk.Sub(sk, prior)
		skA.Mul(sk, a)
		for ii := 0; ii < n; ii++ {
			v := knnDiag[ii]
			for k := 0; k < m; k++ {
				v += a.At(k, ii) * skA.At(k, ii)
			}
			values[ii*numOutputs+d] = v
		}
	}
	linalg.ClipNonNegative(values)
	return mean, variance, nil
}

// KL implements layers.Layer: KL[q(u) ‖ p(u)] summed over the outputs, with p(u) = N(0, P) and
// P = I if whitened or K_mm otherwise:
//
//	0.5·Σ_d [ tr(P⁻¹·S_d) + q_mu_dᵀ·P⁻¹·q_mu_d - M + log|P| - log|S_d| ]
func (l *Layer) KL() (float64, error) {
	m, numOutputs := l.NumInducing(), l.NumOutputs()
	var lmm *mat.TriDense
	var logDetPrior float64
	if !l.whiten {
		var err error
		if _, lmm, err = l.choleskyKmm(); err != nil {
			return 0, err
		}
		logDetPrior = linalg.LogDet(lmm)
	}

	qMu := l.qMu.Value().Matrix()
	var kl float64
	for d := 0; d < numOutputs; d++ {
		qs := l.qSqrtMatrix(d)
		muD := mat.NewDense(m, 1, mat.Col(nil, d, qMu))
		var trace, mahalanobis float64
		if lmm == nil {
			trace, mahalanobis = linalg.SumSquares(qs), linalg.SumSquares(muD)
		} else {
			trace = linalg.SumSquares(linalg.SolveTriangular(lmm, qs, false))
			mahalanobis = linalg.SumSquares(linalg.SolveTriangular(lmm, muD, false))
		}
		var logDetS float64
		for ii := 0; ii < m; ii++ {
			logDetS += logAbs(qs.At(ii, ii))
		}
		kl += 0.5 * (trace + mahalanobis - float64(m) + logDetPrior - 2*logDetS)
	}
	return kl, nil
}
