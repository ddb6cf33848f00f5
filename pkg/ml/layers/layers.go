// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers defines the Layer contract of deep GP layers and the operations shared by all of
// them: the multi-sample conditional, reparameterized sampling and input propagation.
//
// Concrete layers (see package svgp) embed Base and implement Conditional and KL. The functions
// MultisampleConditional and SampleFromConditional take any Layer and do the rest.
//
// Every propagated value has shape (S, N, D): S samples, N data points, D features.
// Full covariances have shape (S, N, N, D).
package layers

import (
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/pkg/errors"
)

// ErrNotImplemented is returned by Base.Conditional: the concrete layer didn't implement it.
var ErrNotImplemented = errors.New("layer operation not implemented")

// Layer is a stochastic layer of a deep GP.
type Layer interface {
	// Conditional returns the predictive mean (N, NumOutputs) and variance of a single sample's worth of
	// inputs x (N, InputDim). The variance is (N, NumOutputs), or (N, N, NumOutputs) if fullCov.
	Conditional(x *tensors.Tensor, fullCov bool) (mean, variance *tensors.Tensor, err error)

	// KL returns the divergence from the layer variational posterior to its prior, summed over outputs.
	KL() (float64, error)

	// InputDim is the dimension of the inputs.
	InputDim() int

	// NumOutputs is the number of outputs of the GP (not counting propagated inputs).
	NumOutputs() int

	// InputPropDim is the number of leading input dimensions copied to the output, before the GP outputs.
	InputPropDim() int

	// OutputDim is InputPropDim() + NumOutputs().
	OutputDim() int

	// Variables returns all the variables of the layer, trainable or not.
	Variables() []*context.Variable
}

// Base implements the defaults of a Layer. Embed it in concrete layers.
type Base struct {
	inputDim, numOutputs, inputPropDim int
}

// NewBase creates a Base for a layer with the given dimensions.
func NewBase(inputDim, numOutputs, inputPropDim int) Base {
	return Base{inputDim: inputDim, numOutputs: numOutputs, inputPropDim: inputPropDim}
}

// Conditional returns ErrNotImplemented: concrete layers must implement it.
func (b *Base) Conditional(_ *tensors.Tensor, _ bool) (mean, variance *tensors.Tensor, err error) {
	return nil, nil, errors.Wrap(ErrNotImplemented, "Conditional() not implemented by layer")
}

// KL returns 0, the divergence of deterministic layers.
func (b *Base) KL() (float64, error) { return 0, nil }

// InputDim implements Layer.
func (b *Base) InputDim() int { return b.inputDim }

// NumOutputs implements Layer.
func (b *Base) NumOutputs() int { return b.numOutputs }

// InputPropDim implements Layer.
func (b *Base) InputPropDim() int { return b.inputPropDim }

// OutputDim implements Layer.
func (b *Base) OutputDim() int { return b.inputPropDim + b.numOutputs }

// Variables returns nil.
func (b *Base) Variables() []*context.Variable { return nil }

var _ Layer = (*Base)(nil)
