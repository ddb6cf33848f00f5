// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package meanfns implements the deterministic mean functions added to the GP layers predictions:
// Zero, Identity and Linear.
package meanfns

import (
	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MeanFunction is a deterministic function of the inputs.
type MeanFunction interface {
	// Eval returns the N×OutputDim mean for the N input points (rows) of x.
	Eval(x *mat.Dense) (*mat.Dense, error)

	// OutputDim is the number of columns returned by Eval. For Identity it is the input dimension.
	OutputDim() int

	// Variables returns the parameters of the mean function, if any.
	Variables() []*context.Variable
}

// Zero mean function.
type Zero struct {
	outputDim int
}

var _ MeanFunction = Zero{}

// NewZero returns a zero mean function with outputDim outputs.
func NewZero(outputDim int) Zero { return Zero{outputDim: outputDim} }

// Eval implements MeanFunction.
func (z Zero) Eval(x *mat.Dense) (*mat.Dense, error) {
	n, _ := x.Dims()
	return mat.NewDense(n, z.outputDim, nil), nil
}

// OutputDim implements MeanFunction.
func (z Zero) OutputDim() int { return z.outputDim }

// Variables implements MeanFunction.
func (Zero) Variables() []*context.Variable { return nil }

// Identity mean function: returns its input, so OutputDim is the input dimension.
type Identity struct {
	dim int
}

var _ MeanFunction = Identity{}

// NewIdentity returns the identity mean function for inputs (and outputs) of dimension dim.
func NewIdentity(dim int) Identity { return Identity{dim: dim} }

// Eval implements MeanFunction.
func (id Identity) Eval(x *mat.Dense) (*mat.Dense, error) {
	_, d := x.Dims()
	if d != id.dim {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch, "identity mean function of dimension %d given inputs of dimension %d",
			id.dim, d)
	}
	return mat.DenseCopyOf(x), nil
}

// OutputDim implements MeanFunction.
func (id Identity) OutputDim() int { return id.dim }

// Variables implements MeanFunction.
func (Identity) Variables() []*context.Variable { return nil }

// Linear mean function: m(x) = x·W + b, with W of shape (inputDim, outputDim) and b of shape (outputDim).
type Linear struct {
	w, b *context.Variable
}

var _ MeanFunction = (*Linear)(nil)

// NewLinear creates a Linear mean function with variables "weights" and "bias" in the scope "linear"
// under ctx. If b is nil it is initialized to zeros.
//
// The variables are created not trainable: call SetTrainable(true) to learn them.
func NewLinear(ctx *context.Context, w *mat.Dense, b []float64) *Linear {
	ctx = ctx.In("linear")
	_, outputDim := w.Dims()
	if b == nil {
		b = make([]float64, outputDim)
	}
	return &Linear{
		w: ctx.VariableWithValue("weights", tensors.FromMatrix(w), nil).SetTrainable(false),
		b: ctx.VariableWithValue("bias", tensors.FromFlat(append([]float64(nil), b...), outputDim), nil).SetTrainable(false),
	}
}

// SetTrainable sets whether the weights and bias are trainable, and returns itself.
func (l *Linear) SetTrainable(trainable bool) *Linear {
	l.w.SetTrainable(trainable)
	l.b.SetTrainable(trainable)
	return l
}

// Weights variable W, shape (inputDim, outputDim).
func (l *Linear) Weights() *context.Variable { return l.w }

// Bias variable b, shape (outputDim).
func (l *Linear) Bias() *context.Variable { return l.b }

// Eval implements MeanFunction.
func (l *Linear) Eval(x *mat.Dense) (*mat.Dense, error) {
	n, d := x.Dims()
	inputDim := l.w.Shape().Dim(0)
	if d != inputDim {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch, "linear mean function for input dimension %d given inputs of dimension %d",
			inputDim, d)
	}
	out := mat.NewDense(n, l.OutputDim(), nil)
	out.Mul(x, l.w.Value().Matrix())
	bias := l.b.Value().Data()
	out.Apply(func(_, j int, v float64) float64 { return v + bias[j] }, out)
	return out, nil
}

// OutputDim implements MeanFunction.
func (l *Linear) OutputDim() int { return l.w.Shape().Dim(1) }

// Variables implements MeanFunction.
func (l *Linear) Variables() []*context.Variable {
	return []*context.Variable{l.w, l.b}
}
