// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements the covariance functions of the GP layers: SquaredExponential (with
// one lengthscale per input dimension), White noise and the Sum of kernels.
//
// Kernel hyperparameters are context.Variable with a Positive transform, created in the scope of the
// context passed to the constructor, so they are trained along with the rest of the model.
package kernels

import (
	"github.com/gomlx/deepgp/pkg/ml/context"
	"gonum.org/v1/gonum/mat"
)

// Kernel is a positive semi-definite covariance function over input vectors.
//
// Inputs are matrices with one point per row, with InputDim columns.
type Kernel interface {
	// K returns the N×N covariance of the N points in x.
	K(x *mat.Dense) *mat.SymDense

	// KCross returns the N×N2 cross-covariance between the points in x and the points in x2.
	KCross(x, x2 *mat.Dense) *mat.Dense

	// KDiag returns the N variances of the points in x, the diagonal of K(x).
	KDiag(x *mat.Dense) []float64

	// InputDim is the dimension of the input points.
	InputDim() int

	// Variables returns the hyperparameters of the kernel.
	Variables() []*context.Variable
}

var (
	// ParamVariance is the context hyperparameter with the initial variance of SquaredExponential kernels.
	ParamVariance = "kernel_variance"

	// ParamLengthscale is the context hyperparameter with the initial lengthscale (the same for every
	// dimension) of SquaredExponential kernels.
	ParamLengthscale = "kernel_lengthscale"

	// ParamWhiteVariance is the context hyperparameter with the initial variance of White kernels.
	ParamWhiteVariance = "kernel_white_variance"
)

// Sum of kernels: k(x, x') = Σ_i k_i(x, x').
type Sum struct {
	Kernels []Kernel
}

var _ Kernel = (*Sum)(nil)

// NewSum returns the sum of the given kernels. They must all have the same InputDim.
func NewSum(kernels ...Kernel) *Sum {
	return &Sum{Kernels: kernels}
}

// K implements Kernel.
func (s *Sum) K(x *mat.Dense) *mat.SymDense {
	n, _ := x.Dims()
	total := mat.NewSymDense(n, nil)
	for _, k := range s.Kernels {
		total.AddSym(total, k.K(x))
	}
	return total
}

// KCross implements Kernel.
func (s *Sum) KCross(x, x2 *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	n2, _ := x2.Dims()
	total := mat.NewDense(n, n2, nil)
	for _, k := range s.Kernels {
		total.Add(total, k.KCross(x, x2))
	}
	return total
}

// KDiag implements Kernel.
func (s *Sum) KDiag(x *mat.Dense) []float64 {
	n, _ := x.Dims()
	total := make([]float64, n)
	for _, k := range s.Kernels {
		for ii, v := range k.KDiag(x) {
			total[ii] += v
		}
	}
	return total
}

// InputDim implements Kernel.
func (s *Sum) InputDim() int {
	if len(s.Kernels) == 0 {
		return 0
	}
	return s.Kernels[0].InputDim()
}

// Variables implements Kernel.
func (s *Sum) Variables() []*context.Variable {
	var vars []*context.Variable
	for _, k := range s.Kernels {
		vars = append(vars, k.Variables()...)
	}
	return vars
}
