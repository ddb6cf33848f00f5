// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and the checks used to keep tensor dimensions honest.
//
// All values propagated through a deep GP carry a leading sample axis S, a data axis N
// and a feature axis D, so most shapes seen in this module are (S, N, D), or (S, N, N, D) for
// full covariances. Single-sample values are (N, D) and (N, N, D).
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//   - Scalar: is a shape where there are no axes (or dimensions), only a single value.
//
// There is no compile-time checking of dimensions, so validation only happens in runtime.
// Use CheckDims (returns an error wrapping ErrShapeMismatch) at API boundaries, and AssertDims
// (panics) for internal invariants.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrShapeMismatch is wrapped by every error reporting incompatible ranks or dimensions.
var ErrShapeMismatch = errors.New("shape mismatch")

// UncheckedAxis can be used in CheckDims or AssertDims functions for an axis
// whose dimension doesn't matter.
const UncheckedAxis = int(-1)

// Shape of a float64 tensor.
//
// Use Make to create a new shape.
type Shape struct {
	Dimensions []int
}

// HasShape is an interface for objects that have an associated Shape.
type HasShape interface {
	Shape() Shape
}

// Make returns a Shape structure filled with the values given.
// It panics if any dimension is < 0.
func Make(dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension < 0", s)
		}
	}
	return s
}

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return "()"
	}
	return fmt.Sprintf("%v", s.Dimensions)
}

// Size returns the number of elements needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Equal compares two shapes for equality.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// CheckDims checks that the shape has the given dimensions and rank. A value of -1 in
// dimensions means it can take any value and is not checked.
//
// It returns an error wrapping ErrShapeMismatch if the rank is different or if any of the
// dimensions don't match.
func (s Shape) CheckDims(dimensions ...int) error {
	if s.Rank() != len(dimensions) {
		return errors.Wrapf(ErrShapeMismatch, "shape %s has incompatible rank %d (wanted %d)",
			s, s.Rank(), len(dimensions))
	}
	for ii, wantDim := range dimensions {
		if wantDim != UncheckedAxis && s.Dimensions[ii] != wantDim {
			return errors.Wrapf(ErrShapeMismatch, "shape %s axis %d has dimension %d, wanted %d (shape wanted=%v)",
				s, ii, s.Dimensions[ii], wantDim, dimensions)
		}
	}
	return nil
}

// CheckRank checks that the shape has the given rank.
func (s Shape) CheckRank(rank int) error {
	if s.Rank() != rank {
		return errors.Wrapf(ErrShapeMismatch, "shape %s has incompatible rank %d -- wanted %d", s, s.Rank(), rank)
	}
	return nil
}

// AssertDims checks that the shape has the given dimensions and rank. A value of -1 in
// dimensions means it can take any value and is not checked.
//
// It panics if it doesn't match.
func (s Shape) AssertDims(dimensions ...int) {
	if err := s.CheckDims(dimensions...); err != nil {
		exceptions.Panicf("shapes.AssertDims(%v): %+v", dimensions, err)
	}
}

// CheckDims checks that the shaped object has the given dimensions and rank.
// See Shape.CheckDims.
func CheckDims(shaped HasShape, dimensions ...int) error {
	return shaped.Shape().CheckDims(dimensions...)
}

// AssertDims checks that the shaped object has the given dimensions and rank, and panics otherwise.
func AssertDims(shaped HasShape, dimensions ...int) {
	shaped.Shape().AssertDims(dimensions...)
}

// CheckEqual returns an error wrapping ErrShapeMismatch if the two shapes differ.
// The names are used in the error message.
func CheckEqual(name1 string, s1 Shape, name2 string, s2 Shape) error {
	if !s1.Equal(s2) {
		return errors.Wrapf(ErrShapeMismatch, "%s shape %s and %s shape %s differ", name1, s1, name2, s2)
	}
	return nil
}
