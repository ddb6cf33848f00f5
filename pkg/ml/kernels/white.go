// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"gonum.org/v1/gonum/mat"
)

// White noise kernel: k(x, x') = σ² if x and x' are the same point (same position in the same input),
// 0 otherwise. So the cross-covariance between two inputs is always 0.
type White struct {
	inputDim int
	variance *context.Variable
}

var _ Kernel = (*White)(nil)

// NewWhite creates a White kernel with its variance in the scope "white" under ctx.
// The initial variance is taken from the hyperparameter ParamWhiteVariance (default 1e-5).
func NewWhite(ctx *context.Context, inputDim int) *White {
	ctx = ctx.In("white")
	variance := context.GetParamOr(ctx, ParamWhiteVariance, 1e-5)
	return &White{
		inputDim: inputDim,
		variance: ctx.VariableWithValue("variance", tensors.FromFlat([]float64{variance}, 1), context.NewPositive()),
	}
}

// Variance returns the σ² variable.
func (k *White) Variance() *context.Variable { return k.variance }

// InputDim implements Kernel.
func (k *White) InputDim() int { return k.inputDim }

// Variables implements Kernel.
func (k *White) Variables() []*context.Variable { return []*context.Variable{k.variance} }

// K implements Kernel.
func (k *White) K(x *mat.Dense) *mat.SymDense {
	n, _ := x.Dims()
	variance := k.variance.Value().Data()[0]
	out := mat.NewSymDense(n, nil)
	for ii := 0; ii < n; ii++ {
		out.SetSym(ii, ii, variance)
	}
	return out
}

// KCross implements Kernel.
func (k *White) KCross(x, x2 *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	n2, _ := x2.Dims()
	return mat.NewDense(n, n2, nil)
}

// KDiag implements Kernel.
func (k *White) KDiag(x *mat.Dense) []float64 {
	n, _ := x.Dims()
	diag := make([]float64, n)
	variance := k.variance.Value().Data()[0]
	for ii := range diag {
		diag[ii] = variance
	}
	return diag
}
