// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"
	"slices"

	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Variable is a value of a model, usually a parameter being learned.
//
// It is stored in its raw (unconstrained) form, and its Transform maps the raw values to the
// constrained value used in computations (see Value). Optimizers only see the raw values (Raw and SetRaw),
// so constraints like positivity hold by construction.
//
// Every change of value increments Version, which lets derived quantities (like a Cholesky factor of
// a kernel matrix) be cached and safely invalidated.
type Variable struct {
	name, scope string

	// Trainable indicates whether the variable is trainable.
	// If set to false, it won't be touched by trainers.
	Trainable bool

	shape     shapes.Shape
	transform Transform
	raw       []float64

	// value caches the constrained value for the current raw values.
	value   *tensors.Tensor
	version uint64
}

// Name of the variable within the scope.
func (v *Variable) Name() string {
	if v == nil {
		return "<nil>"
	}
	return v.name
}

// Scope where the variable was created.
func (v *Variable) Scope() string { return v.scope }

// ScopeAndName is a convenience function that returns the combined "<scope>/<name>".
func (v *Variable) ScopeAndName() string {
	return JoinScope(v.scope, v.name)
}

// String implements stringer.
func (v *Variable) String() string {
	if v == nil {
		return "INVALID (NIL) VARIABLE"
	}
	return v.ScopeAndName()
}

// Shape of the constrained value.
func (v *Variable) Shape() shapes.Shape { return v.shape }

// Transform that maps raw values to the constrained value.
func (v *Variable) Transform() Transform { return v.transform }

// Version is incremented every time the variable value changes.
func (v *Variable) Version() uint64 { return v.version }

// SetTrainable sets the variable trainable status and returns itself, so it can be chained.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.Trainable = trainable
	return v
}

// Value returns the constrained value of the variable.
//
// The returned tensor must not be modified: use SetValue instead.
func (v *Variable) Value() *tensors.Tensor {
	if v.value == nil {
		v.value = tensors.FromFlat(v.transform.Forward(v.raw, v.shape), v.shape.Dimensions...)
	}
	return v.value
}

// SetValue sets the constrained value of the variable, converting it to raw values with the inverse
// of its Transform. It returns an error if the shape differs or the value is not in the transform domain.
func (v *Variable) SetValue(value *tensors.Tensor) error {
	if err := shapes.CheckEqual(v.String(), v.shape, "new value", value.Shape()); err != nil {
		return err
	}
	raw, err := v.transform.Inverse(value.Data(), v.shape)
	if err != nil {
		return errors.WithMessagef(err, "setting value of variable %s", v)
	}
	v.raw = raw
	v.changed()
	return nil
}

// RawSize is the number of raw (unconstrained) scalars.
func (v *Variable) RawSize() int {
	if v.raw == nil {
		return v.transform.RawSize(v.shape)
	}
	return len(v.raw)
}

// Raw returns the raw (unconstrained) values. The returned slice must not be modified: use SetRaw.
func (v *Variable) Raw() []float64 { return v.raw }

// SetRaw sets the raw (unconstrained) values of the variable. The slice is copied.
func (v *Variable) SetRaw(raw []float64) error {
	if len(raw) != v.RawSize() {
		return errors.Wrapf(shapes.ErrShapeMismatch, "variable %s has %d raw values, got %d", v, v.RawSize(), len(raw))
	}
	if v.raw == nil {
		v.raw = make([]float64, len(raw))
	}
	copy(v.raw, raw)
	v.changed()
	return nil
}

func (v *Variable) changed() {
	v.value = nil
	v.version++
}

// Versions returns the current versions of the given variables, to be compared later with VersionsEqual.
func Versions(vars []*Variable) []uint64 {
	versions := make([]uint64, len(vars))
	for ii, v := range vars {
		versions[ii] = v.version
	}
	return versions
}

// VersionsEqual returns whether the variables still have the given versions.
func VersionsEqual(vars []*Variable, versions []uint64) bool {
	if len(vars) != len(versions) {
		return false
	}
	return slices.Equal(Versions(vars), versions)
}

// FlattenRaw concatenates the raw values of the variables into dst, which is resized if needed,
// and returns it.
func FlattenRaw(vars []*Variable, dst []float64) []float64 {
	total := 0
	for _, v := range vars {
		total += v.RawSize()
	}
	if cap(dst) < total {
		dst = make([]float64, total)
	}
	dst = dst[:total]
	pos := 0
	for _, v := range vars {
		pos += copy(dst[pos:], v.raw)
	}
	return dst
}

// UnflattenRaw sets the raw values of the variables from the concatenated values, the reverse of FlattenRaw.
func UnflattenRaw(vars []*Variable, flat []float64) error {
	pos := 0
	for _, v := range vars {
		size := v.RawSize()
		if pos+size > len(flat) {
			return errors.Wrapf(shapes.ErrShapeMismatch, "UnflattenRaw: only %d values given, not enough for variable %s",
				len(flat), v)
		}
		if err := v.SetRaw(flat[pos : pos+size]); err != nil {
			return err
		}
		pos += size
	}
	if pos != len(flat) {
		return errors.Wrapf(shapes.ErrShapeMismatch, "UnflattenRaw: %d values given, but variables only take %d", len(flat), pos)
	}
	return nil
}

// Describe returns a one-line description of the variable, used for logging.
func (v *Variable) Describe() string {
	trainable := ""
	if !v.Trainable {
		trainable = ", fixed"
	}
	return fmt.Sprintf("%s: shape=%s, transform=%s%s", v, v.shape, v.transform.Name(), trainable)
}
