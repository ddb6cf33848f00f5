// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inducing

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestKMeans(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	// Three well separated clusters in 2D.
	centers := [][]float64{{-10, 0}, {0, 10}, {10, 0}}
	const perCluster = 30
	x := mat.NewDense(3*perCluster, 2, nil)
	for c, center := range centers {
		for ii := 0; ii < perCluster; ii++ {
			x.Set(c*perCluster+ii, 0, center[0]+0.1*rng.NormFloat64())
			x.Set(c*perCluster+ii, 1, center[1]+0.1*rng.NormFloat64())
		}
	}

	// Restart until the initialization picks one point per cluster: with a fixed seed this is deterministic.
	var z *mat.Dense
	for attempt := 0; attempt < 20; attempt++ {
		var err error
		z, err = KMeans(x, 3, rng)
		require.NoError(t, err)
		if distinctClusters(z) {
			break
		}
	}
	require.True(t, distinctClusters(z))
	xs := make([]float64, 3)
	for ii := range xs {
		xs[ii] = z.At(ii, 0)
	}
	sort.Float64s(xs)
	assert.InDeltaSlice(t, []float64{-10, 0, 10}, xs, 0.1)
}

func distinctClusters(z *mat.Dense) bool {
	seen := make(map[int]bool)
	for ii := 0; ii < 3; ii++ {
		seen[int(z.At(ii, 0)/5+0.5*sign(z.At(ii, 0)))] = true
	}
	return len(seen) == 3
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

func TestKMeansEdgeCases(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	x := mat.NewDense(3, 1, []float64{1, 2, 3})
	z, err := KMeans(x, 3, rng)
	require.NoError(t, err)
	assert.True(t, mat.Equal(x, z))

	_, err = KMeans(x, 4, rng)
	require.ErrorIs(t, err, ErrTooFewPoints)
	_, err = KMeans(x, 0, rng)
	require.Error(t, err)

	z, err = RandomSubset(x, 2, rng)
	require.NoError(t, err)
	r, _ := z.Dims()
	assert.Equal(t, 2, r)
	assert.NotEqual(t, z.At(0, 0), z.At(1, 0))
}
