// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// sequentialData returns inputs (n, 2) with rows [i, 10*i] and labels (n, 1) with rows [-i].
func sequentialData(n int) (*mat.Dense, *mat.Dense) {
	x := mat.NewDense(n, 2, nil)
	y := mat.NewDense(n, 1, nil)
	for ii := range n {
		x.Set(ii, 0, float64(ii))
		x.Set(ii, 1, float64(10*ii))
		y.Set(ii, 0, -float64(ii))
	}
	return x, y
}

func TestInMemory(t *testing.T) {
	x, y := sequentialData(5)
	mds, err := InMemory("sequential", x, y)
	require.NoError(t, err)
	assert.Equal(t, "seq", mds.ShortName())
	mds.BatchSize(2, false)

	var sizes []int
	for {
		inputs, labels, err := mds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, inputs.Dim(0), labels.Dim(0))
		assert.Equal(t, -inputs.At(0, 0), labels.At(0, 0))
		assert.Equal(t, 10*inputs.At(0, 0), inputs.At(0, 1))
		sizes = append(sizes, inputs.Dim(0))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	// Dropping the incomplete batch.
	mds.Reset()
	mds.BatchSize(2, true)
	count := 0
	for {
		if _, _, err := mds.Yield(); err == io.EOF {
			break
		}
		count++
	}
	assert.Equal(t, 2, count)

	_, err = InMemory("empty", mat.NewDense(1, 1, nil), mat.NewDense(2, 1, nil))
	assert.Error(t, err)
}

func TestInMemoryShuffleInfinite(t *testing.T) {
	x, y := sequentialData(6)
	mds, err := InMemory("sequential", x, y)
	require.NoError(t, err)
	mds.WithRand(rand.New(rand.NewPCG(1, 1))).Shuffle().BatchSize(3, true).Infinite(true)

	var seen []float64
	for range 4 {
		inputs, _, err := mds.Yield()
		require.NoError(t, err)
		seen = append(seen, inputs.At(0, 0), inputs.At(1, 0), inputs.At(2, 0))
	}
	// Each epoch is a permutation.
	for _, epoch := range [][]float64{seen[:6], seen[6:]} {
		sorted := slices.Clone(epoch)
		slices.Sort(sorted)
		assert.Equal(t, []float64{0, 1, 2, 3, 4, 5}, sorted)
	}

	limited := mds.Copy().TakeN(1)
	limited.Reset()
	_, _, err = limited.Yield()
	require.NoError(t, err)
	_, _, err = limited.Yield()
	assert.Equal(t, io.EOF, err)

	taken := Take(mds, 2)
	assert.Equal(t, "sequential [Take 2]", taken.Name())
	for range 2 {
		_, _, err = taken.Yield()
		require.NoError(t, err)
	}
	_, _, err = taken.Yield()
	assert.Equal(t, io.EOF, err)
}

func TestReadCSV(t *testing.T) {
	csv := "a,b,target\n1,2,3\n4,5,6\n7,8,9\n"
	x, y, err := ReadCSV(strings.NewReader(csv), true, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 4, 5, 7, 8}, x.RawMatrix().Data)
	assert.Equal(t, []float64{3, 6, 9}, y.RawMatrix().Data)

	_, _, err = ReadCSV(strings.NewReader("1,2\n3,x\n"), false, 1)
	assert.Error(t, err)
	_, _, err = ReadCSV(strings.NewReader(csv), true, 3)
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	x, y := sequentialData(20)
	split, err := NewSplit(x, y, 3, DefaultTestFraction)
	require.NoError(t, err)
	assert.Equal(t, 18, split.X.RawMatrix().Rows)
	assert.Equal(t, 2, split.Xs.RawMatrix().Rows)

	// Train data is standardized.
	for col := range 2 {
		column := mat.Col(nil, col, split.X)
		mean, std := stat.MeanStdDev(column, nil)
		assert.InDelta(t, 0, mean, 1e-9)
		assert.InDelta(t, 1, std, 1e-9)
	}
	// Labels are recovered with the inverse transformation, and the relation y=-x is kept.
	ys := split.LabelsStandardizer.Inverse(split.Ys)
	xs := split.InputsStandardizer.Inverse(split.Xs)
	for row := range 2 {
		assert.InDelta(t, -xs.At(row, 0), ys.At(row, 0), 1e-9)
	}
	assert.Len(t, split.YStd(), 1)

	// Same split index, same split.
	again, err := NewSplit(x, y, 3, DefaultTestFraction)
	require.NoError(t, err)
	assert.True(t, mat.Equal(split.Xs, again.Xs))

	_, err = NewSplit(x, y, 0, 0.01)
	assert.Error(t, err)
}

func TestStandardizerConstantColumn(t *testing.T) {
	m := mat.NewDense(3, 1, []float64{2, 2, 2})
	s := FitStandardizer(m)
	assert.Equal(t, 1.0, s.Std[0])
	assert.Equal(t, []float64{0, 0, 0}, s.Transform(m).RawMatrix().Data)
}
