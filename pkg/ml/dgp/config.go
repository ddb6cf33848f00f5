// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dgp

import (
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/deepgp/pkg/ml/kernels"
	"github.com/gomlx/deepgp/pkg/ml/layers"
	"github.com/gomlx/deepgp/pkg/ml/layers/svgp"
	"github.com/gomlx/deepgp/pkg/ml/likelihoods"
	"github.com/gomlx/deepgp/pkg/ml/meanfns"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

const (
	// ParamNumLayers is the context hyperparameter with the default number of layers. Default is 2.
	ParamNumLayers = "num_layers"

	// ParamInnerLayersQSqrtScale is the context hyperparameter with the factor applied to the initial
	// q_sqrt of all layers but the last. Default is 1e-5.
	ParamInnerLayersQSqrtScale = "inner_layers_q_sqrt_scale"
)

// KernelFn creates the kernel of layer layerIdx, for inputs of dimension inputDim, in the scope of ctx.
type KernelFn func(ctx *context.Context, layerIdx, inputDim int) kernels.Kernel

// DefaultKernel is a SquaredExponential plus a small White kernel, which keeps the covariance of the
// inputs of inner layers well conditioned.
func DefaultKernel(ctx *context.Context, _, inputDim int) kernels.Kernel {
	return kernels.NewSum(kernels.NewSquaredExponential(ctx, inputDim), kernels.NewWhite(ctx, inputDim))
}

// Config for a deep GP model under construction. Create it with New, set options and call Done.
type Config struct {
	ctx                   *context.Context
	x, z                  *mat.Dense
	numOutputs, numLayers int
	hiddenDims            []int
	kernelFn              KernelFn
	likelihood            likelihoods.Likelihood
	numSamples, numData   int
	whiten                bool
	innerQSqrtScale       float64
}

// New starts the configuration of a deep GP with numOutputs outputs, for the training inputs x (one point
// per row) and initial inducing points z, the same for every layer (after projection to the layer inputs).
//
// x is used only in the initialization of the mean functions of the inner layers, and may be nil,
// in which case z is used instead.
//
// Defaults: ParamNumLayers layers (2), hidden layers with the same dimension as the input, DefaultKernel,
// a Gaussian likelihood and NumSamples from ParamNumSamples.
func New(ctx *context.Context, x, z *mat.Dense, numOutputs int) *Config {
	c := &Config{
		ctx:             ctx,
		x:               x,
		z:               z,
		numOutputs:      numOutputs,
		numLayers:       context.GetParamOr(ctx, ParamNumLayers, 2),
		kernelFn:        DefaultKernel,
		numSamples:      context.GetParamOr(ctx, ParamNumSamples, 1),
		whiten:          context.GetParamOr(ctx, svgp.ParamWhiten, false),
		innerQSqrtScale: context.GetParamOr(ctx, ParamInnerLayersQSqrtScale, 1e-5),
	}
	if x != nil {
		c.numData, _ = x.Dims()
	}
	return c
}

// NumLayers sets the number of GP layers.
func (c *Config) NumLayers(numLayers int) *Config {
	c.numLayers = numLayers
	return c
}

// HiddenDims sets the output dimensions of the inner layers, it must have NumLayers-1 values.
// Default is the input dimension for all of them.
func (c *Config) HiddenDims(dims ...int) *Config {
	c.hiddenDims = dims
	return c
}

// Kernels sets the function that creates the kernel of each layer.
func (c *Config) Kernels(fn KernelFn) *Config {
	c.kernelFn = fn
	return c
}

// Likelihood sets the likelihood. Default is likelihoods.NewGaussian.
func (c *Config) Likelihood(likelihood likelihoods.Likelihood) *Config {
	c.likelihood = likelihood
	return c
}

// NumSamples sets the number of samples used to estimate the ELBO.
func (c *Config) NumSamples(numSamples int) *Config {
	c.numSamples = numSamples
	return c
}

// NumData sets the size of the full training set, used to scale minibatch estimates of the ELBO.
// Default is the number of rows of x. Set to 0 to disable scaling.
func (c *Config) NumData(numData int) *Config {
	c.numData = numData
	return c
}

// Whiten sets whether the layers use whitened variational posteriors.
func (c *Config) Whiten(whiten bool) *Config {
	c.whiten = whiten
	return c
}

// InnerLayersQSqrtScale sets the factor applied to the initial q_sqrt of all layers but the last,
// so the model starts close to the composition of the inner layers mean functions.
func (c *Config) InnerLayersQSqrtScale(scale float64) *Config {
	c.innerQSqrtScale = scale
	return c
}

// Done builds the model.
//
// Inner layers get a fixed linear mean function: the identity if the dimension doesn't change,
// a projection on the principal components of the (projected) inputs x if the dimension decreases, or
// the identity padded with zeros if it increases. The inducing points (and x) are projected the same way
// from layer to layer. The last layer has a zero mean function.
func (c *Config) Done() (*Model, error) {
	if c.z == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "inducing points not given")
	}
	numInducing, inputDim := c.z.Dims()
	switch {
	case c.numLayers < 1:
		return nil, errors.Wrapf(ErrInvalidConfig, "numLayers must be >= 1, got %d", c.numLayers)
	case numInducing < 1:
		return nil, errors.Wrap(ErrInvalidConfig, "at least one inducing point required")
	case c.numOutputs < 1:
		return nil, errors.Wrapf(ErrInvalidConfig, "numOutputs must be >= 1, got %d", c.numOutputs)
	case c.numSamples < 1:
		return nil, errors.Wrapf(ErrInvalidConfig, "numSamples must be >= 1, got %d", c.numSamples)
	case c.numData < 0:
		return nil, errors.Wrapf(ErrInvalidConfig, "numData must be >= 0, got %d", c.numData)
	}
	if c.x != nil {
		if _, xDim := c.x.Dims(); xDim != inputDim {
			return nil, errors.Wrapf(ErrInvalidConfig, "inputs have dimension %d, but inducing points have dimension %d",
				xDim, inputDim)
		}
	}
	hiddenDims := c.hiddenDims
	if hiddenDims == nil {
		hiddenDims = make([]int, c.numLayers-1)
		for ii := range hiddenDims {
			hiddenDims[ii] = inputDim
		}
	}
	if len(hiddenDims) != c.numLayers-1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "%d layers require %d hidden dimensions, got %v",
			c.numLayers, c.numLayers-1, hiddenDims)
	}
	for ii, dim := range hiddenDims {
		if dim < 1 {
			return nil, errors.Wrapf(ErrInvalidConfig, "hidden dimension #%d must be >= 1, got %d", ii, dim)
		}
	}

	xRunning, zRunning := c.x, c.z
	if xRunning == nil {
		xRunning = c.z
	}
	modelLayers := make([]layers.Layer, 0, c.numLayers)
	dimIn := inputDim
	for layerIdx := 0; layerIdx < c.numLayers; layerIdx++ {
		layerCtx := c.ctx.Inf("layer_%d", layerIdx)
		isLast := layerIdx == c.numLayers-1
		dimOut := c.numOutputs
		if !isLast {
			dimOut = hiddenDims[layerIdx]
		}

		var meanFn meanfns.MeanFunction
		var w *mat.Dense
		err := exceptions.TryCatch[error](func() {
			switch {
			case isLast:
				meanFn = meanfns.NewZero(dimOut)
			case dimIn == dimOut:
				meanFn = meanfns.NewIdentity(dimIn)
			default:
				w = linearInit(xRunning, dimIn, dimOut)
				meanFn = meanfns.NewLinear(layerCtx, w, nil)
			}
		})
		if err != nil {
			return nil, err
		}
		var kernel kernels.Kernel
		if err = exceptions.TryCatch[error](func() { kernel = c.kernelFn(layerCtx, layerIdx, dimIn) }); err != nil {
			return nil, errors.WithMessagef(err, "creating kernel of layer #%d", layerIdx)
		}
		layerCfg := svgp.New(layerCtx, kernel, zRunning, dimOut).
			MeanFunction(meanFn).
			Whiten(c.whiten)
		if !isLast {
			layerCfg.QSqrtScale(c.innerQSqrtScale)
		}
		layer, err := layerCfg.Done()
		if err != nil {
			if errors.Is(err, svgp.ErrInvalidConfig) {
				err = errors.Wrapf(ErrInvalidConfig, "layer #%d: %v", layerIdx, err)
			}
			return nil, err
		}
		modelLayers = append(modelLayers, layer)
		klog.V(1).Infof("dgp: layer #%d: %d -> %d, %d inducing points, mean function %T", layerIdx, dimIn, dimOut, numInducing, meanFn)

		if w != nil {
			var zNext, xNext mat.Dense
			zNext.Mul(zRunning, w)
			xNext.Mul(xRunning, w)
			zRunning, xRunning = &zNext, &xNext
		}
		dimIn = dimOut
	}

	likelihood := c.likelihood
	if likelihood == nil {
		if err := exceptions.TryCatch[error](func() { likelihood = likelihoods.NewGaussian(c.ctx) }); err != nil {
			return nil, err
		}
	}
	model, err := NewModel(c.ctx, modelLayers, likelihood)
	if err != nil {
		return nil, err
	}
	model.NumSamples = c.numSamples
	model.NumData = c.numData
	return model, nil
}

// linearInit returns the (dimIn, dimOut) weights of the linear mean function of an inner layer:
// the top dimOut principal directions of x when stepping down, the identity padded with zeros when
// stepping up.
func linearInit(x *mat.Dense, dimIn, dimOut int) *mat.Dense {
	w := mat.NewDense(dimIn, dimOut, nil)
	if dimOut > dimIn {
		for ii := 0; ii < dimIn; ii++ {
			w.Set(ii, ii, 1)
		}
		return w
	}
	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		exceptions.Panicf("dgp: SVD of layer inputs (%d dimensions) failed", dimIn)
	}
	var v mat.Dense
	svd.VTo(&v)
	if _, cols := v.Dims(); cols < dimOut {
		exceptions.Panicf("dgp: cannot project %d dimensions to %d principal components with only %d points",
			dimIn, dimOut, cols)
	}
	w.Copy(v.Slice(0, dimIn, 0, dimOut))
	return w
}
