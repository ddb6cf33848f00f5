// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Standardizer holds the per-column mean and standard deviation used to standardize data.
type Standardizer struct {
	Mean, Std []float64
}

// FitStandardizer computes the mean and standard deviation of each column of m.
// Constant columns get a standard deviation of 1, so they are only centered.
func FitStandardizer(m *mat.Dense) *Standardizer {
	rows, cols := m.Dims()
	s := &Standardizer{Mean: make([]float64, cols), Std: make([]float64, cols)}
	column := make([]float64, rows)
	for col := range cols {
		mat.Col(column, col, m)
		mean, std := stat.MeanStdDev(column, nil)
		if rows < 2 || std == 0 {
			std = 1
		}
		s.Mean[col], s.Std[col] = mean, std
	}
	return s
}

// Transform returns a standardized copy of m.
func (s *Standardizer) Transform(m *mat.Dense) *mat.Dense {
	result := mat.DenseCopyOf(m)
	result.Apply(func(_, col int, v float64) float64 {
		return (v - s.Mean[col]) / s.Std[col]
	}, result)
	return result
}

// Inverse maps standardized values back to the original scale.
func (s *Standardizer) Inverse(m *mat.Dense) *mat.Dense {
	result := mat.DenseCopyOf(m)
	result.Apply(func(_, col int, v float64) float64 {
		return v*s.Std[col] + s.Mean[col]
	}, result)
	return result
}

// DefaultTestFraction is the fraction of examples held out for testing in each split.
const DefaultTestFraction = 0.1

// Split holds a standardized train/test split of a regression dataset.
type Split struct {
	// X, Y are the standardized train inputs and labels, and Xs, Ys the test ones, standardized
	// with the train statistics.
	X, Y, Xs, Ys *mat.Dense

	// InputsStandardizer and LabelsStandardizer were fitted on the train data.
	InputsStandardizer, LabelsStandardizer *Standardizer
}

// YStd returns the standard deviation of the labels: multiply standardized predictions by it to get
// back to the original scale.
func (s *Split) YStd() []float64 { return s.LabelsStandardizer.Std }

// NewSplit randomly splits (inputs, labels) into train and test, holding out testFraction of the
// examples for testing, and standardizes both with the train statistics.
//
// The permutation is determined by the splitIdx, so each split is reproducible.
func NewSplit(inputs, labels *mat.Dense, splitIdx int, testFraction float64) (*Split, error) {
	n, inputDim := inputs.Dims()
	if numLabels, _ := labels.Dims(); numLabels != n {
		return nil, errors.Errorf("NewSplit: %d inputs and %d labels", n, numLabels)
	}
	if testFraction <= 0 || testFraction >= 1 {
		return nil, errors.Errorf("NewSplit: testFraction must be in (0, 1), got %g", testFraction)
	}
	numTest := int(float64(n) * testFraction)
	numTrain := n - numTest
	if numTest < 1 || numTrain < 1 {
		return nil, errors.Errorf("NewSplit: %d examples are not enough for a %g test fraction", n, testFraction)
	}
	rng := rand.New(rand.NewPCG(uint64(splitIdx), 0x5eed))
	perm := rng.Perm(n)
	_, outputDim := labels.Dims()
	gather := func(m *mat.Dense, rows []int, cols int) *mat.Dense {
		result := mat.NewDense(len(rows), cols, nil)
		for ii, row := range rows {
			result.SetRow(ii, m.RawRowView(row))
		}
		return result
	}
	x, y := gather(inputs, perm[:numTrain], inputDim), gather(labels, perm[:numTrain], outputDim)
	xs, ys := gather(inputs, perm[numTrain:], inputDim), gather(labels, perm[numTrain:], outputDim)

	split := &Split{
		InputsStandardizer: FitStandardizer(x),
		LabelsStandardizer: FitStandardizer(y),
	}
	split.X, split.Xs = split.InputsStandardizer.Transform(x), split.InputsStandardizer.Transform(xs)
	split.Y, split.Ys = split.LabelsStandardizer.Transform(y), split.LabelsStandardizer.Transform(ys)
	return split, nil
}
