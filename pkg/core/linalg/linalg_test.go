// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linalg

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestCholesky(t *testing.T) {
	a := mat.NewSymDense(3, []float64{
		4, 2, 0.4,
		2, 5, 1,
		0.4, 1, 3,
	})
	l, err := Cholesky(a, 0)
	require.NoError(t, err)
	var llt mat.Dense
	llt.Mul(l, l.T())
	assert.True(t, mat.EqualApprox(&llt, a, 1e-12))

	// log|A| matches gonum's determinant.
	assert.InDelta(t, math.Log(mat.Det(a)), LogDet(l), 1e-10)

	// Jitter is added to the diagonal.
	lj, err := Cholesky(a, 0.5)
	require.NoError(t, err)
	llt.Mul(lj, lj.T())
	assert.InDelta(t, 4.5, llt.At(0, 0), 1e-12)
	assert.InDelta(t, 2.0, llt.At(0, 1), 1e-12)
}

func TestCholeskyRetry(t *testing.T) {
	// Singular (rank 1) matrix: factorizes, at worst after the retry.
	a := mat.NewSymDense(2, []float64{1, 1, 1, 1})
	l, err := Cholesky(a, 1e-14)
	require.NoError(t, err)
	require.NotNil(t, l)

	// Slightly indefinite (eigenvalue -5e-6): only the retry, with 100x the jitter, succeeds.
	nearSingular := mat.NewSymDense(2, []float64{1, 1 + 5e-6, 1 + 5e-6, 1})
	l, used, err := CholeskyJitter(nearSingular, 1e-6)
	require.NoError(t, err)
	assert.InDelta(t, 1e-4, used, 1e-15)
	var llt mat.Dense
	llt.Mul(l, l.T())
	assert.True(t, mat.EqualApprox(&llt, AddJitter(nearSingular, used), 1e-12))
	_, used, err = CholeskyJitter(a, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.5, used)

	// Clearly indefinite: fails even after the retry.
	bad := mat.NewSymDense(2, []float64{1, 0, 0, -1})
	_, err = Cholesky(bad, 1e-6)
	require.ErrorIs(t, err, ErrNotPositiveDefinite)
}

func TestSolveTriangular(t *testing.T) {
	l := mat.NewTriDense(3, mat.Lower, []float64{
		2, 0, 0,
		1, 3, 0,
		-1, 0.5, 1.5,
	})
	b := mat.NewDense(3, 2, []float64{
		1, 2,
		3, 4,
		5, 6,
	})
	bCopy := mat.DenseCopyOf(b)

	x := SolveTriangular(l, b, false)
	var got mat.Dense
	got.Mul(l, x)
	assert.True(t, mat.EqualApprox(&got, b, 1e-12))
	assert.True(t, mat.Equal(b, bCopy), "B must not be modified")

	xt := SolveTriangular(l, b, true)
	got.Mul(l.T(), xt)
	assert.True(t, mat.EqualApprox(&got, b, 1e-12))

	require.Panics(t, func() { SolveTriangular(l, mat.NewDense(2, 2, nil), false) })
}

func TestHelpers(t *testing.T) {
	v := []float64{-1e-12, 0, 2, math.NaN()}
	ClipNonNegative(v)
	assert.Equal(t, 0.0, v[0])
	assert.Equal(t, 2.0, v[2])
	assert.True(t, math.IsNaN(v[3]))

	assert.InDelta(t, 1+4+9+16, SumSquares(mat.NewDense(2, 2, []float64{1, -2, 3, 4})), 1e-12)
	assert.InDelta(t, math.Log(3), LogSumExp([]float64{0, 0, 0}), 1e-12)

	a := AddJitter(mat.NewSymDense(2, []float64{1, 0, 0, 1}), 0.1)
	assert.InDelta(t, 1.1, a.At(1, 1), 1e-15)
	assert.Equal(t, 0.0, a.At(0, 1))
}
