// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a dense, row-major float64 Tensor used to carry Monte-Carlo
// samples, means and variances between deep GP layers.
//
// The convention is that propagated quantities have shape (S, N, D): S independent samples,
// N data points and D features. Full covariances have shape (S, N, N, D). Single-sample results
// of a layer conditional are (N, D), or (N, N, D) for full covariances.
//
// Linear algebra is done with gonum: Matrix and SampleMatrix return zero-copy *mat.Dense
// views over the underlying storage.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Tensor is a multidimensional array of float64 stored in row-major order.
//
// A Tensor is not safe for concurrent mutation.
type Tensor struct {
	shape shapes.Shape
	data  []float64
}

// Zeros creates a tensor with the given dimensions filled with zeros.
func Zeros(dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	return &Tensor{shape: shape, data: make([]float64, shape.Size())}
}

// FromFlat creates a tensor with the given dimensions using data as its storage (not copied).
// It panics if len(data) doesn't match the shape size.
func FromFlat(data []float64, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlat: data has %d elements, but shape %s requires %d", len(data), shape, shape.Size())
	}
	return &Tensor{shape: shape, data: data}
}

// FromMatrix copies a gonum matrix into a new rank-2 tensor.
func FromMatrix(m mat.Matrix) *Tensor {
	rows, cols := m.Dims()
	t := Zeros(rows, cols)
	dst := mat.NewDense(rows, cols, t.data)
	dst.Copy(m)
	return t
}

// FromRows creates a rank-2 tensor from a slice of rows. All rows must have the same length.
func FromRows(rows [][]float64) *Tensor {
	if len(rows) == 0 {
		return Zeros(0, 0)
	}
	cols := len(rows[0])
	t := Zeros(len(rows), cols)
	for ii, row := range rows {
		if len(row) != cols {
			exceptions.Panicf("tensors.FromRows: row %d has %d columns, expected %d", ii, len(row), cols)
		}
		copy(t.data[ii*cols:], row)
	}
	return t
}

// Shape of the tensor. It implements shapes.HasShape.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Dim returns the dimension of the given axis; negative axes count from the end.
func (t *Tensor) Dim(axis int) int { return t.shape.Dim(axis) }

// Size is the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the underlying flat storage. Changes to it are reflected in the tensor.
func (t *Tensor) Data() []float64 { return t.data }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), data: slices.Clone(t.data)}
}

// flatIndex converts a multi-dimensional index to the flat storage index.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.Rank() {
		exceptions.Panicf("tensors: index %v has rank %d, tensor has shape %s", indices, len(indices), t.shape)
	}
	flat := 0
	for axis, idx := range indices {
		dim := t.shape.Dimensions[axis]
		if idx < 0 || idx >= dim {
			exceptions.Panicf("tensors: index %v out of bounds for shape %s", indices, t.shape)
		}
		flat = flat*dim + idx
	}
	return flat
}

// At returns the value at the given multi-dimensional index.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the value at the given multi-dimensional index.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// Reshape returns a tensor sharing the same storage with a new shape of the same size.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	shape := shapes.Make(dimensions...)
	if shape.Size() != t.Size() {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch, "cannot reshape %s (size %d) to %s (size %d)",
			t.shape, t.Size(), shape, shape.Size())
	}
	return &Tensor{shape: shape, data: t.data}, nil
}

// Matrix returns a *mat.Dense view (no copy) of a rank-2 tensor.
func (t *Tensor) Matrix() *mat.Dense {
	shapes.AssertDims(t, -1, -1)
	return mat.NewDense(t.shape.Dimensions[0], t.shape.Dimensions[1], t.data)
}

// SampleMatrix returns a *mat.Dense (N, D) view (no copy) of sample s of a rank-3 (S, N, D) tensor.
func (t *Tensor) SampleMatrix(s int) *mat.Dense {
	shapes.AssertDims(t, -1, -1, -1)
	n, d := t.shape.Dimensions[1], t.shape.Dimensions[2]
	return mat.NewDense(n, d, t.data[s*n*d:(s+1)*n*d])
}

// Sample returns sample s of the leading axis as a tensor sharing storage.
// E.g. for an (S, N, D) tensor it returns a (N, D) tensor.
func (t *Tensor) Sample(s int) *Tensor {
	if t.Rank() < 1 {
		exceptions.Panicf("tensors.Sample: scalar tensor has no sample axis")
	}
	inner := t.shape.Dimensions[1:]
	size := shapes.Make(inner...).Size()
	return &Tensor{shape: shapes.Make(inner...), data: t.data[s*size : (s+1)*size]}
}

// Tile creates a tensor with a new leading axis of dimension count, with count copies of t.
// So a (N, D) tensor becomes (count, N, D).
func Tile(t *Tensor, count int) *Tensor {
	dims := append([]int{count}, t.shape.Dimensions...)
	out := Zeros(dims...)
	size := t.Size()
	for ii := 0; ii < count; ii++ {
		copy(out.data[ii*size:], t.data)
	}
	return out
}

// Stack stacks tensors of equal shape along a new leading axis.
func Stack(parts []*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensors.Stack: nothing to stack")
	}
	inner := parts[0].shape
	for ii, p := range parts[1:] {
		if !p.shape.Equal(inner) {
			return nil, errors.Wrapf(shapes.ErrShapeMismatch, "tensors.Stack: part #%d has shape %s, but part #0 has shape %s",
				ii+1, p.shape, inner)
		}
	}
	dims := append([]int{len(parts)}, inner.Dimensions...)
	out := Zeros(dims...)
	size := inner.Size()
	for ii, p := range parts {
		copy(out.data[ii*size:], p.data)
	}
	return out, nil
}

// ConcatLastAxis concatenates tensors along their last axis. All other dimensions must match.
func ConcatLastAxis(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensors.ConcatLastAxis: nothing to concatenate")
	}
	rank := parts[0].Rank()
	if rank == 0 {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch, "tensors.ConcatLastAxis: cannot concatenate scalars")
	}
	outer := parts[0].shape.Dimensions[:rank-1]
	lastDims := make([]int, len(parts))
	total := 0
	for ii, p := range parts {
		if p.Rank() != rank || !slices.Equal(p.shape.Dimensions[:rank-1], outer) {
			return nil, errors.Wrapf(shapes.ErrShapeMismatch, "tensors.ConcatLastAxis: part #%d has shape %s, incompatible with %s",
				ii, p.shape, parts[0].shape)
		}
		lastDims[ii] = p.shape.Dimensions[rank-1]
		total += lastDims[ii]
	}
	dims := append(slices.Clone(outer), total)
	out := Zeros(dims...)
	rows := shapes.Make(outer...).Size()
	for row := 0; row < rows; row++ {
		pos := row * total
		for ii, p := range parts {
			width := lastDims[ii]
			copy(out.data[pos:pos+width], p.data[row*width:(row+1)*width])
			pos += width
		}
	}
	return out, nil
}

// SliceLastAxis returns a copy of t restricted to [from, to) in the last axis.
func SliceLastAxis(t *Tensor, from, to int) *Tensor {
	rank := t.Rank()
	last := t.shape.Dimensions[rank-1]
	if from < 0 || to > last || from > to {
		exceptions.Panicf("tensors.SliceLastAxis(%d, %d) out of bounds for shape %s", from, to, t.shape)
	}
	dims := slices.Clone(t.shape.Dimensions)
	dims[rank-1] = to - from
	out := Zeros(dims...)
	var rows int
	if last > 0 {
		rows = t.Size() / last
	}
	width := to - from
	for row := 0; row < rows; row++ {
		copy(out.data[row*width:(row+1)*width], t.data[row*last+from:row*last+to])
	}
	return out
}

// CovarianceBlock returns the (N, N) covariance of output d of sample s of a (S, N, N, D) tensor,
// as a new symmetric matrix.
func (t *Tensor) CovarianceBlock(s, d int) *mat.SymDense {
	shapes.AssertDims(t, -1, -1, -1, -1)
	n, numD := t.shape.Dimensions[1], t.shape.Dimensions[3]
	sym := mat.NewSymDense(n, nil)
	base := s * n * n * numD
	for ii := 0; ii < n; ii++ {
		for jj := ii; jj < n; jj++ {
			sym.SetSym(ii, jj, t.data[base+(ii*n+jj)*numD+d])
		}
	}
	return sym
}

// SetCovarianceBlock sets the (N, N) covariance of output d of sample s of a (S, N, N, D) tensor.
func (t *Tensor) SetCovarianceBlock(s, d int, m mat.Matrix) {
	shapes.AssertDims(t, -1, -1, -1, -1)
	n, numD := t.shape.Dimensions[1], t.shape.Dimensions[3]
	base := s * n * n * numD
	for ii := 0; ii < n; ii++ {
		for jj := 0; jj < n; jj++ {
			t.data[base+(ii*n+jj)*numD+d] = m.At(ii, jj)
		}
	}
}

// Apply applies fn in-place to every element and returns t.
func (t *Tensor) Apply(fn func(v float64) float64) *Tensor {
	for ii, v := range t.data {
		t.data[ii] = fn(v)
	}
	return t
}

// InDelta reports whether both tensors have the same shape and all elements differ by at most delta.
func InDelta(a, b *Tensor, delta float64) bool {
	if !a.shape.Equal(b.shape) {
		return false
	}
	for ii, v := range a.data {
		diff := v - b.data[ii]
		if diff > delta || diff < -delta {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer. Large tensors are truncated.
func (t *Tensor) String() string {
	const maxValues = 32
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Tensor%s{", t.shape)
	for ii, v := range t.data {
		if ii == maxValues {
			_, _ = fmt.Fprintf(&sb, ", ...(%d more)", len(t.data)-maxValues)
			break
		}
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%.6g", v)
	}
	sb.WriteString("}")
	return sb.String()
}
