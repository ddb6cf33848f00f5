// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestIndexing(t *testing.T) {
	x := Zeros(2, 3, 4)
	x.Set(7, 1, 2, 3)
	require.Equal(t, 7.0, x.At(1, 2, 3))
	require.Equal(t, 7.0, x.Data()[23])
	require.Panics(t, func() { x.At(2, 0, 0) })
	require.Panics(t, func() { x.At(0, 0) })
	require.Panics(t, func() { FromFlat([]float64{1, 2, 3}, 2, 2) })
}

func TestReshapeAndViews(t *testing.T) {
	x := FromFlat([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, 2, 3, 2)
	flat, err := x.Reshape(6, 2)
	require.NoError(t, err)
	flat.Set(100, 5, 1)
	assert.Equal(t, 100.0, x.At(1, 2, 1), "Reshape must share storage")

	_, err = x.Reshape(5, 2)
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)

	m := x.SampleMatrix(1)
	r, c := m.Dims()
	require.Equal(t, []int{3, 2}, []int{r, c})
	assert.Equal(t, 7.0, m.At(0, 0))
	m.Set(0, 0, -1)
	assert.Equal(t, -1.0, x.At(1, 0, 0), "SampleMatrix must share storage")

	sample := x.Sample(0)
	require.NoError(t, sample.Shape().CheckDims(3, 2))
	assert.Equal(t, 4.0, sample.At(1, 1))
}

func TestTileStackConcat(t *testing.T) {
	x := FromRows([][]float64{{1, 2}, {3, 4}})
	tiled := Tile(x, 3)
	require.NoError(t, tiled.Shape().CheckDims(3, 2, 2))
	for s := 0; s < 3; s++ {
		assert.True(t, mat.Equal(x.Matrix(), tiled.SampleMatrix(s)))
	}

	stacked, err := Stack([]*Tensor{x, x.Clone().Apply(func(v float64) float64 { return -v })})
	require.NoError(t, err)
	assert.Equal(t, -4.0, stacked.At(1, 1, 1))
	_, err = Stack([]*Tensor{x, Zeros(3, 2)})
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)

	y := FromRows([][]float64{{5}, {6}})
	cat, err := ConcatLastAxis(x, y)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 5, 3, 4, 6}, cat.Data())
	_, err = ConcatLastAxis(x, Zeros(3, 1))
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)

	sliced := SliceLastAxis(cat, 1, 3)
	assert.Equal(t, []float64{2, 5, 4, 6}, sliced.Data())
}

func TestCovarianceBlock(t *testing.T) {
	cov := Zeros(2, 3, 3, 2)
	m := mat.NewSymDense(3, []float64{
		2, 1, 0,
		1, 3, 1,
		0, 1, 4,
	})
	cov.SetCovarianceBlock(1, 1, m)
	got := cov.CovarianceBlock(1, 1)
	assert.True(t, mat.Equal(m, got))
	assert.Equal(t, 0.0, cov.CovarianceBlock(1, 0).At(1, 1))
	assert.Equal(t, 3.0, cov.At(1, 1, 1, 1))
}

func TestInDelta(t *testing.T) {
	a := FromFlat([]float64{1, 2}, 2)
	b := FromFlat([]float64{1.0001, 2}, 2)
	assert.True(t, InDelta(a, b, 1e-3))
	assert.False(t, InDelta(a, b, 1e-5))
	assert.False(t, InDelta(a, FromFlat([]float64{1, 2}, 1, 2), 1))
}
