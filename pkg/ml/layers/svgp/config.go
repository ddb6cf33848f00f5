// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package svgp

import (
	"math"

	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/deepgp/pkg/ml/kernels"
	"github.com/gomlx/deepgp/pkg/ml/layers"
	"github.com/gomlx/deepgp/pkg/ml/meanfns"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidConfig is returned (wrapped) by Config.Done for invalid layer configurations.
var ErrInvalidConfig = errors.New("invalid svgp layer configuration")

const (
	// ParamJitter is the context hyperparameter with the jitter added to the diagonal of K_mm.
	// Default is DefaultJitter.
	ParamJitter = "jitter"

	// ParamWhiten is the context hyperparameter that sets whether layers are whitened by default.
	// Default is false.
	ParamWhiten = "whiten"
)

// DefaultJitter added to the diagonal of K_mm, if ParamJitter is not set.
const DefaultJitter = 1e-6

// Config holds the configuration of a Layer under construction. Create it with New, set the options
// and call Done.
type Config struct {
	ctx          *context.Context
	kernel       kernels.Kernel
	z            *mat.Dense
	numOutputs   int
	meanFn       meanfns.MeanFunction
	whiten       bool
	inputPropDim int
	qSqrtScale   float64
	fixedZ       bool
	jitter       float64
}

// New starts the configuration of a sparse variational GP layer with numOutputs outputs, using kernel
// and the initial inducing points z (one per row). The layer variables are created in the scope of ctx:
// use a distinct scope per layer.
//
// Defaults: zero mean function, no input propagation, whitening and jitter from the context
// hyperparameters ParamWhiten and ParamJitter.
func New(ctx *context.Context, kernel kernels.Kernel, z *mat.Dense, numOutputs int) *Config {
	return &Config{
		ctx:        ctx,
		kernel:     kernel,
		z:          z,
		numOutputs: numOutputs,
		whiten:     context.GetParamOr(ctx, ParamWhiten, false),
		qSqrtScale: 1.0,
		jitter:     context.GetParamOr(ctx, ParamJitter, DefaultJitter),
	}
}

// MeanFunction sets the mean function added to the GP, it must have NumOutputs outputs.
// Default is a zero mean.
func (c *Config) MeanFunction(meanFn meanfns.MeanFunction) *Config {
	c.meanFn = meanFn
	return c
}

// Whiten sets whether the variational posterior is parameterized over the whitened inducing values.
func (c *Config) Whiten(whiten bool) *Config {
	c.whiten = whiten
	return c
}

// InputPropDim sets the number of leading input dimensions copied to the layer outputs. Default is 0.
func (c *Config) InputPropDim(inputPropDim int) *Config {
	c.inputPropDim = inputPropDim
	return c
}

// QSqrtScale multiplies the initial q_sqrt. Inner layers of deep GPs usually start with a small
// factor (1e-5), so they initially behave like their mean functions. Default is 1.
func (c *Config) QSqrtScale(scale float64) *Config {
	c.qSqrtScale = scale
	return c
}

// FixedInducingPoints makes the inducing points not trainable.
func (c *Config) FixedInducingPoints() *Config {
	c.fixedZ = true
	return c
}

// Jitter overrides the jitter added to the diagonal of K_mm.
func (c *Config) Jitter(jitter float64) *Config {
	c.jitter = jitter
	return c
}

// Done validates the configuration, creates the variables and returns the new Layer.
//
// The variational posterior is initialized with q_mu = 0 and q_sqrt = I (whitened) or the Cholesky factor
// of K_mm (not whitened), that is, q(u) starts at the prior. q_sqrt is then multiplied by QSqrtScale.
func (c *Config) Done() (*Layer, error) {
	if c.kernel == nil || c.z == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "kernel and inducing points must be given")
	}
	m, inputDim := c.z.Dims()
	switch {
	case m < 1:
		return nil, errors.Wrapf(ErrInvalidConfig, "at least one inducing point required, got %d", m)
	case c.numOutputs < 1:
		return nil, errors.Wrapf(ErrInvalidConfig, "numOutputs must be >= 1, got %d", c.numOutputs)
	case inputDim != c.kernel.InputDim():
		return nil, errors.Wrapf(ErrInvalidConfig, "inducing points have dimension %d, but kernel takes inputs of dimension %d",
			inputDim, c.kernel.InputDim())
	case c.inputPropDim < 0 || c.inputPropDim > inputDim:
		return nil, errors.Wrapf(ErrInvalidConfig, "inputPropDim=%d must be between 0 and the input dimension %d",
			c.inputPropDim, inputDim)
	case !(c.qSqrtScale > 0) || math.IsInf(c.qSqrtScale, 0):
		return nil, errors.Wrapf(ErrInvalidConfig, "QSqrtScale must be positive, got %g", c.qSqrtScale)
	case c.jitter < 0:
		return nil, errors.Wrapf(ErrInvalidConfig, "jitter must be >= 0, got %g", c.jitter)
	}
	if c.meanFn == nil {
		c.meanFn = meanfns.NewZero(c.numOutputs)
	}
	if c.meanFn.OutputDim() != c.numOutputs {
		return nil, errors.Wrapf(ErrInvalidConfig, "mean function has %d outputs, layer has %d", c.meanFn.OutputDim(), c.numOutputs)
	}

	l := &Layer{
		Base:   layers.NewBase(inputDim, c.numOutputs, c.inputPropDim),
		kernel: c.kernel,
		meanFn: c.meanFn,
		whiten: c.whiten,
		jitter: c.jitter,
	}
	err := exceptions.TryCatch[error](func() {
		l.z = c.ctx.VariableWithValue("inducing_points", tensors.FromMatrix(c.z), nil).SetTrainable(!c.fixedZ)
		l.qMu = c.ctx.VariableWithValue("q_mu", tensors.Zeros(m, c.numOutputs), nil)
	})
	if err != nil {
		return nil, err
	}

	// Initial q_sqrt, replicated for each output.
	var factor mat.Matrix = eye(m)
	if !c.whiten {
		_, lmm, err := l.choleskyKmm()
		if err != nil {
			return nil, err
		}
		factor = lmm
	}
	qSqrt := tensors.Zeros(c.numOutputs, m, m)
	data := qSqrt.Data()
	for d := 0; d < c.numOutputs; d++ {
		for ii := 0; ii < m; ii++ {
			for jj := 0; jj <= ii; jj++ {
				data[(d*m+ii)*m+jj] = c.qSqrtScale * factor.At(ii, jj)
			}
		}
	}
	err = exceptions.TryCatch[error](func() {
		l.qSqrt = c.ctx.VariableWithValue("q_sqrt", qSqrt, context.LowerTriangular{})
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// eye returns the m×m identity.
func eye(m int) *mat.DiagDense {
	ones := make([]float64, m)
	for ii := range ones {
		ones[ii] = 1
	}
	return mat.NewDiagDense(m, ones)
}

func logAbs(v float64) float64 { return math.Log(math.Abs(v)) }
