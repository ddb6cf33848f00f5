// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package linalg holds the numerical primitives the sparse GP layers rely on:
// Cholesky factorization with a single jitter-increase retry, triangular solves and
// log-determinants computed from Cholesky factors.
//
// All functions work on gonum matrices.
package linalg

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// ErrNotPositiveDefinite is returned (wrapped) when a matrix cannot be Cholesky factorized,
// even after the retry with increased jitter.
var ErrNotPositiveDefinite = errors.New("matrix is not positive definite")

// JitterRetryFactor multiplies the jitter for the one retry of a failed Cholesky factorization.
const JitterRetryFactor = 100.0

// MinRetryJitter is the jitter used on retry when the original jitter was 0.
const MinRetryJitter = 1e-6

// AddJitter returns a copy of a with jitter added to the diagonal.
func AddJitter(a mat.Symmetric, jitter float64) *mat.SymDense {
	n := a.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	out.CopySym(a)
	if jitter != 0 {
		for ii := 0; ii < n; ii++ {
			out.SetSym(ii, ii, out.At(ii, ii)+jitter)
		}
	}
	return out
}

// Cholesky returns the lower triangular L such that L·Lᵀ = a + jitter·I.
//
// If the factorization fails it is retried once with jitter multiplied by JitterRetryFactor
// (or MinRetryJitter if jitter was 0). If that also fails it returns an error wrapping
// ErrNotPositiveDefinite: it never substitutes an identity.
func Cholesky(a mat.Symmetric, jitter float64) (*mat.TriDense, error) {
	l, _, err := CholeskyJitter(a, jitter)
	return l, err
}

// CholeskyJitter is like Cholesky, but it also returns the jitter actually added to the diagonal of a,
// which is larger than the one given if the factorization only succeeded on the retry.
func CholeskyJitter(a mat.Symmetric, jitter float64) (l *mat.TriDense, usedJitter float64, err error) {
	if l, ok := tryCholesky(a, jitter); ok {
		return l, jitter, nil
	}
	retryJitter := jitter * JitterRetryFactor
	if retryJitter <= 0 {
		retryJitter = MinRetryJitter
	}
	if l, ok := tryCholesky(a, retryJitter); ok {
		klog.Warningf("linalg.Cholesky: factorization failed with jitter=%g, succeeded with jitter=%g", jitter, retryJitter)
		return l, retryJitter, nil
	}
	return nil, 0, errors.Wrapf(ErrNotPositiveDefinite, "Cholesky of %dx%d matrix failed with jitter %g and %g",
		a.SymmetricDim(), a.SymmetricDim(), jitter, retryJitter)
}

func tryCholesky(a mat.Symmetric, jitter float64) (*mat.TriDense, bool) {
	n := a.SymmetricDim()
	if n == 0 {
		return nil, false
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(AddJitter(a, jitter)); !ok {
		return nil, false
	}
	l := mat.NewTriDense(n, mat.Lower, nil)
	chol.LTo(l)
	for ii := 0; ii < n; ii++ {
		if v := l.At(ii, ii); !(v > 0) || math.IsInf(v, 0) {
			return nil, false
		}
	}
	return l, true
}

// SolveTriangular solves op(L)·X = B for X, where L is lower triangular and op(L) is L
// (transpose=false, a forward substitution) or Lᵀ (transpose=true, a back substitution).
// B is not modified.
func SolveTriangular(l *mat.TriDense, b mat.Matrix, transpose bool) *mat.Dense {
	x := mat.DenseCopyOf(b)
	n, _ := l.Dims()
	rows, cols := x.Dims()
	if rows != n {
		exceptions.Panicf("linalg.SolveTriangular: L is %dx%d but B has %d rows", n, n, rows)
	}
	if cols == 0 {
		return x
	}
	trans := blas.NoTrans
	if transpose {
		trans = blas.Trans
	}
	blas64.Trsm(blas.Left, trans, 1, l.RawTriangular(), x.RawMatrix())
	return x
}

// LogDet returns log|L·Lᵀ| = 2·Σ log(L_ii) for a Cholesky factor L.
func LogDet(l *mat.TriDense) float64 {
	n, _ := l.Dims()
	var sum float64
	for ii := 0; ii < n; ii++ {
		sum += math.Log(l.At(ii, ii))
	}
	return 2 * sum
}

// SumSquares returns the squared Frobenius norm Σ_ij m_ij².
func SumSquares(m mat.Matrix) float64 {
	rows, cols := m.Dims()
	var sum float64
	for ii := 0; ii < rows; ii++ {
		for jj := 0; jj < cols; jj++ {
			v := m.At(ii, jj)
			sum += v * v
		}
	}
	return sum
}

// ClipNonNegative sets negative values of v to 0, in-place. NaNs are left untouched.
func ClipNonNegative(v []float64) {
	for ii, x := range v {
		if x < 0 {
			v[ii] = 0
		}
	}
}

// LogSumExp of the values, numerically stable.
func LogSumExp(v []float64) float64 {
	return floats.LogSumExp(v)
}
