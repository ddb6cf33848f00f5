// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(2, 3, 4)
	require.Equal(t, 3, s.Rank())
	require.Equal(t, 24, s.Size())
	require.Equal(t, 4, s.Dim(-1))
	require.Equal(t, 2, s.Dim(0))
	require.Equal(t, "[2 3 4]", s.String())
	require.True(t, s.Equal(Make(2, 3, 4)))
	require.False(t, s.Equal(Make(2, 3)))
	require.Panics(t, func() { _ = s.Dim(3) })
	require.Panics(t, func() { _ = Make(1, -1) })

	scalar := Make()
	require.True(t, scalar.IsScalar())
	require.Equal(t, 1, scalar.Size())
	require.Equal(t, "()", scalar.String())
}

func TestCheckDims(t *testing.T) {
	s := Make(5, 7, 3)
	require.NoError(t, s.CheckDims(5, 7, 3))
	require.NoError(t, s.CheckDims(UncheckedAxis, 7, UncheckedAxis))

	err := s.CheckDims(5, 7)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrShapeMismatch))

	err = s.CheckDims(5, 8, 3)
	require.ErrorIs(t, err, ErrShapeMismatch)

	require.NoError(t, s.CheckRank(3))
	require.ErrorIs(t, s.CheckRank(2), ErrShapeMismatch)
	require.Panics(t, func() { AssertDims(s, 1, 2, 3) })

	require.NoError(t, CheckEqual("a", s, "b", Make(5, 7, 3)))
	require.ErrorIs(t, CheckEqual("a", s, "b", Make(5, 7, 4)), ErrShapeMismatch)
}

func TestClone(t *testing.T) {
	s := Make(2, 2)
	s2 := s.Clone()
	s2.Dimensions[0] = 10
	require.Equal(t, 2, s.Dimensions[0])
}
