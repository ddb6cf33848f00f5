// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package meanfns

import (
	"testing"

	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestMeanFunctions(t *testing.T) {
	x := mat.NewDense(2, 2, []float64{
		1, 2,
		3, 4,
	})

	zero, err := NewZero(3).Eval(x)
	require.NoError(t, err)
	assert.True(t, mat.Equal(mat.NewDense(2, 3, nil), zero))

	id := NewIdentity(2)
	got, err := id.Eval(x)
	require.NoError(t, err)
	assert.True(t, mat.Equal(x, got))
	got.Set(0, 0, 100)
	assert.Equal(t, 1.0, x.At(0, 0), "Identity must return a copy")
	_, err = NewIdentity(3).Eval(x)
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)

	ctx := context.New()
	w := mat.NewDense(2, 1, []float64{1, -1})
	linear := NewLinear(ctx, w, []float64{0.5})
	assert.Equal(t, 1, linear.OutputDim())
	assert.Len(t, linear.Variables(), 2)
	assert.False(t, linear.Weights().Trainable)
	got, err = linear.Eval(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-0.5, -0.5}, got.RawMatrix().Data, 1e-12)
	assert.True(t, linear.SetTrainable(true).Bias().Trainable)

	_, err = linear.Eval(mat.NewDense(2, 3, nil))
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
}
