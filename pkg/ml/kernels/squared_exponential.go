// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"

	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/mat"
)

// SquaredExponential (a.k.a. RBF) kernel with automatic relevance determination:
//
//	k(x, x') = σ² · exp(-½ Σ_d (x_d - x'_d)² / ℓ_d²)
type SquaredExponential struct {
	inputDim    int
	variance    *context.Variable // Shape (1).
	lengthscale *context.Variable // Shape (inputDim).
}

var _ Kernel = (*SquaredExponential)(nil)

// NewSquaredExponential creates a SquaredExponential kernel for inputs of dimension inputDim, with
// its variables in the scope "squared_exponential" under ctx.
//
// Initial values are taken from the hyperparameters ParamVariance and ParamLengthscale (both default to 1).
func NewSquaredExponential(ctx *context.Context, inputDim int) *SquaredExponential {
	if inputDim < 1 {
		exceptions.Panicf("kernels.NewSquaredExponential: inputDim must be >= 1, got %d", inputDim)
	}
	ctx = ctx.In("squared_exponential")
	variance := context.GetParamOr(ctx, ParamVariance, 1.0)
	lengthscale := context.GetParamOr(ctx, ParamLengthscale, 1.0)
	lengthscales := make([]float64, inputDim)
	for ii := range lengthscales {
		lengthscales[ii] = lengthscale
	}
	return &SquaredExponential{
		inputDim:    inputDim,
		variance:    ctx.VariableWithValue("variance", tensors.FromFlat([]float64{variance}, 1), context.NewPositive()),
		lengthscale: ctx.VariableWithValue("lengthscale", tensors.FromFlat(lengthscales, inputDim), context.NewPositive()),
	}
}

// Variance returns the σ² variable.
func (k *SquaredExponential) Variance() *context.Variable { return k.variance }

// Lengthscale returns the ℓ variable, one per input dimension.
func (k *SquaredExponential) Lengthscale() *context.Variable { return k.lengthscale }

// InputDim implements Kernel.
func (k *SquaredExponential) InputDim() int { return k.inputDim }

// Variables implements Kernel.
func (k *SquaredExponential) Variables() []*context.Variable {
	return []*context.Variable{k.variance, k.lengthscale}
}

// scaled returns x with each column divided by its lengthscale.
func (k *SquaredExponential) scaled(x *mat.Dense) *mat.Dense {
	n, d := x.Dims()
	if d != k.inputDim {
		exceptions.Panicf("SquaredExponential kernel for input dimension %d given points of dimension %d", k.inputDim, d)
	}
	lengthscales := k.lengthscale.Value().Data()
	out := mat.NewDense(n, d, nil)
	out.Apply(func(_, j int, v float64) float64 { return v / lengthscales[j] }, x)
	return out
}

// K implements Kernel.
func (k *SquaredExponential) K(x *mat.Dense) *mat.SymDense {
	xs := k.scaled(x)
	n, _ := xs.Dims()
	variance := k.variance.Value().Data()[0]
	out := mat.NewSymDense(n, nil)
	for ii := 0; ii < n; ii++ {
		out.SetSym(ii, ii, variance)
		rowI := xs.RawRowView(ii)
		for jj := ii + 1; jj < n; jj++ {
			out.SetSym(ii, jj, variance*math.Exp(-0.5*squaredDistance(rowI, xs.RawRowView(jj))))
		}
	}
	return out
}

// KCross implements Kernel.
func (k *SquaredExponential) KCross(x, x2 *mat.Dense) *mat.Dense {
	xs, x2s := k.scaled(x), k.scaled(x2)
	n, _ := xs.Dims()
	n2, _ := x2s.Dims()
	variance := k.variance.Value().Data()[0]
	out := mat.NewDense(n, n2, nil)
	for ii := 0; ii < n; ii++ {
		rowI := xs.RawRowView(ii)
		for jj := 0; jj < n2; jj++ {
			out.Set(ii, jj, variance*math.Exp(-0.5*squaredDistance(rowI, x2s.RawRowView(jj))))
		}
	}
	return out
}

// KDiag implements Kernel.
func (k *SquaredExponential) KDiag(x *mat.Dense) []float64 {
	n, d := x.Dims()
	if d != k.inputDim {
		exceptions.Panicf("SquaredExponential kernel for input dimension %d given points of dimension %d", k.inputDim, d)
	}
	variance := k.variance.Value().Data()[0]
	diag := make([]float64, n)
	for ii := range diag {
		diag[ii] = variance
	}
	return diag
}

func squaredDistance(a, b []float64) float64 {
	var sum float64
	for ii, v := range a {
		diff := v - b[ii]
		sum += diff * diff
	}
	return sum
}
