// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"math"
	"slices"

	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Transform is a bijection from raw (unconstrained) values to the constrained values of a Variable.
type Transform interface {
	// Name identifies the transform, it is used by checkpoints.
	Name() string

	// RawSize is the number of raw values for a variable of the given shape.
	RawSize(shape shapes.Shape) int

	// Forward maps raw values to a new slice of constrained values of the given shape.
	Forward(raw []float64, shape shapes.Shape) []float64

	// Inverse maps constrained values to a new slice of raw values. It returns an error
	// if the values are outside the domain of the transform.
	Inverse(values []float64, shape shapes.Shape) ([]float64, error)
}

// ErrOutOfDomain is returned (wrapped) by Transform.Inverse for values the transform can't represent.
var ErrOutOfDomain = errors.New("value outside of transform domain")

// Identity transform: raw and constrained values are the same.
type Identity struct{}

// Name implements Transform.
func (Identity) Name() string { return "identity" }

// RawSize implements Transform.
func (Identity) RawSize(shape shapes.Shape) int { return shape.Size() }

// Forward implements Transform.
func (Identity) Forward(raw []float64, _ shapes.Shape) []float64 { return slices.Clone(raw) }

// Inverse implements Transform.
func (Identity) Inverse(values []float64, _ shapes.Shape) ([]float64, error) {
	return slices.Clone(values), nil
}

// DefaultPositiveLowerBound is the lower bound used by NewPositive.
const DefaultPositiveLowerBound = 1e-6

// Positive constrains values to be > Lower, with value = Softplus(raw) + Lower.
// Used for kernel variances, lengthscales and the likelihood noise variance.
type Positive struct {
	Lower float64
}

// NewPositive returns a Positive transform with DefaultPositiveLowerBound.
func NewPositive() Positive { return Positive{Lower: DefaultPositiveLowerBound} }

// Name implements Transform.
func (Positive) Name() string { return "positive" }

// RawSize implements Transform.
func (Positive) RawSize(shape shapes.Shape) int { return shape.Size() }

// Forward implements Transform.
func (p Positive) Forward(raw []float64, _ shapes.Shape) []float64 {
	values := make([]float64, len(raw))
	for ii, r := range raw {
		values[ii] = Softplus(r) + p.Lower
	}
	return values
}

// Inverse implements Transform.
func (p Positive) Inverse(values []float64, _ shapes.Shape) ([]float64, error) {
	raw := make([]float64, len(values))
	for ii, v := range values {
		if !(v > p.Lower) || math.IsInf(v, 0) {
			return nil, errors.Wrapf(ErrOutOfDomain, "positive transform requires values > %g, got %g at position %d",
				p.Lower, v, ii)
		}
		raw[ii] = SoftplusInverse(v - p.Lower)
	}
	return raw, nil
}

// LowerTriangular constrains a (D, M, M) value to be D lower triangular matrices with a positive
// diagonal. The raw values are the packed lower triangles (M·(M+1)/2 per matrix, row-major), with
// the diagonal elements passed through Softplus.
//
// This is the parameterization of the variational covariance factor q_sqrt: every value it
// produces is a valid Cholesky factor.
type LowerTriangular struct{}

// Name implements Transform.
func (LowerTriangular) Name() string { return "lower_triangular" }

func triangularDims(shape shapes.Shape) (numMatrices, m int) {
	shape.AssertDims(-1, -1, shape.Dim(-2))
	return shape.Dim(0), shape.Dim(1)
}

// RawSize implements Transform.
func (LowerTriangular) RawSize(shape shapes.Shape) int {
	numMatrices, m := triangularDims(shape)
	return numMatrices * m * (m + 1) / 2
}

// Forward implements Transform.
func (LowerTriangular) Forward(raw []float64, shape shapes.Shape) []float64 {
	numMatrices, m := triangularDims(shape)
	values := make([]float64, shape.Size())
	pos := 0
	for d := 0; d < numMatrices; d++ {
		base := d * m * m
		for ii := 0; ii < m; ii++ {
			for jj := 0; jj <= ii; jj++ {
				r := raw[pos]
				pos++
				if ii == jj {
					r = Softplus(r)
				}
				values[base+ii*m+jj] = r
			}
		}
	}
	return values
}

// Inverse implements Transform. Values above the diagonal are ignored.
func (LowerTriangular) Inverse(values []float64, shape shapes.Shape) ([]float64, error) {
	numMatrices, m := triangularDims(shape)
	raw := make([]float64, numMatrices*m*(m+1)/2)
	pos := 0
	for d := 0; d < numMatrices; d++ {
		base := d * m * m
		for ii := 0; ii < m; ii++ {
			for jj := 0; jj <= ii; jj++ {
				v := values[base+ii*m+jj]
				if ii == jj {
					if !(v > 0) || math.IsInf(v, 0) {
						return nil, errors.Wrapf(ErrOutOfDomain,
							"lower triangular transform requires a positive diagonal, got %g at [%d, %d, %d]", v, d, ii, ii)
					}
					v = SoftplusInverse(v)
				}
				raw[pos] = v
				pos++
			}
		}
	}
	return raw, nil
}

// TransformByName returns the transform with the given Name, and false if there is none.
//
// Positive transforms are returned with DefaultPositiveLowerBound.
func TransformByName(name string) (Transform, bool) {
	switch name {
	case Identity{}.Name():
		return Identity{}, true
	case Positive{}.Name():
		return NewPositive(), true
	case LowerTriangular{}.Name():
		return LowerTriangular{}, true
	}
	return nil, false
}

// Softplus returns log(1+exp(x)), computed without overflow.
func Softplus(x float64) float64 {
	return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
}

// SoftplusInverse returns the x such that Softplus(x) = y, for y > 0.
func SoftplusInverse(y float64) float64 {
	return y + math.Log(-math.Expm1(-y))
}
