// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inducing initializes the inducing points of sparse GP layers from the training inputs.
package inducing

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// ErrTooFewPoints is returned (wrapped) when there are fewer input points than requested inducing points.
var ErrTooFewPoints = errors.New("fewer points than requested inducing points")

// DefaultKMeansIterations is the maximum number of Lloyd iterations used by KMeans.
const DefaultKMeansIterations = 100

// KMeans returns numInducing cluster centers of the rows of x, found with Lloyd's algorithm started
// from numInducing distinct rows of x chosen at random with rng.
//
// Empty clusters keep their previous center. If numInducing equals the number of rows, x itself is returned.
func KMeans(x *mat.Dense, numInducing int, rng *rand.Rand) (*mat.Dense, error) {
	n, dim := x.Dims()
	if numInducing < 1 {
		return nil, errors.Errorf("numInducing must be >= 1, got %d", numInducing)
	}
	if n < numInducing {
		return nil, errors.Wrapf(ErrTooFewPoints, "%d inducing points requested from %d points", numInducing, n)
	}
	if n == numInducing {
		return mat.DenseCopyOf(x), nil
	}

	centers := mat.NewDense(numInducing, dim, nil)
	for ii, row := range rng.Perm(n)[:numInducing] {
		centers.SetRow(ii, x.RawRowView(row))
	}
	assignments := make([]int, n)
	for ii := range assignments {
		assignments[ii] = -1
	}
	counts := make([]int, numInducing)
	sums := mat.NewDense(numInducing, dim, nil)
	for iter := 0; iter < DefaultKMeansIterations; iter++ {
		changed := 0
		for ii := 0; ii < n; ii++ {
			best := nearest(centers, x.RawRowView(ii))
			if best != assignments[ii] {
				assignments[ii] = best
				changed++
			}
		}
		if changed == 0 {
			klog.V(1).Infof("inducing.KMeans: converged after %d iterations", iter)
			break
		}
		sums.Zero()
		clear(counts)
		for ii, c := range assignments {
			floats.Add(sums.RawRowView(c), x.RawRowView(ii))
			counts[c]++
		}
		for c, count := range counts {
			if count == 0 {
				continue
			}
			row := centers.RawRowView(c)
			copy(row, sums.RawRowView(c))
			floats.Scale(1/float64(count), row)
		}
	}
	return centers, nil
}

func nearest(centers *mat.Dense, point []float64) int {
	numCenters, _ := centers.Dims()
	best, bestDist := 0, math.Inf(1)
	for c := 0; c < numCenters; c++ {
		if d := floats.Distance(centers.RawRowView(c), point, 2); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// RandomSubset returns numInducing distinct rows of x chosen at random with rng.
func RandomSubset(x *mat.Dense, numInducing int, rng *rand.Rand) (*mat.Dense, error) {
	n, dim := x.Dims()
	if numInducing < 1 || numInducing > n {
		return nil, errors.Wrapf(ErrTooFewPoints, "%d inducing points requested from %d points", numInducing, n)
	}
	z := mat.NewDense(numInducing, dim, nil)
	for ii, row := range rng.Perm(n)[:numInducing] {
		z.SetRow(ii, x.RawRowView(row))
	}
	return z, nil
}
