// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/exceptions"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// AdamDefaultScope is the default scope name for moments and step used by Adam.
	AdamDefaultScope = "AdamOptimizer"

	// ParamAdamEpsilon can be used to configure the default value of epsilon. It must be a float64.
	ParamAdamEpsilon = "adam_epsilon"

	// ParamAdamWeightDecay defaults to 0.0. See AdamConfig.WeightDecay.
	ParamAdamWeightDecay = "adam_weight_decay"

	// ParamAdamBeta1 is the moving average coefficient for the gradient (momentum), the numerator.
	// The default value is 0.9
	ParamAdamBeta1 = "adam_beta1"

	// ParamAdamBeta2 is the moving average coefficient for the variance, the denominator.
	// The default value is 0.999
	ParamAdamBeta2 = "adam_beta2"

	// ParamAdamBackoffSteps default to 0. Values > 0 prevents any gradient steps to be taken
	// for those many steps, to allow a better estimate of the momentum and variance.
	ParamAdamBackoffSteps = "adam_backoff"
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments, see [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done.
// See [AdamConfig.FromContext] to configure it from the context hyperparameters.
func Adam() *AdamConfig {
	return &AdamConfig{
		scopeName:    AdamDefaultScope,
		learningRate: -1, // < 0 means use the default.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// RMSProp divides the learning rate for a weight by a running average of the recent gradients magnitudes (L2)
// for that weight. It is implemented as an Adam without the 1st moment of the gradients.
func RMSProp() *AdamConfig {
	c := Adam()
	c.rmsProp = true
	return c
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam-based optimizer.Interface.
type AdamConfig struct {
	scopeName    string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
	rmsProp      bool    // Works as RMSProp.
	backoffSteps int
}

// FromContext will configure Adam with hyperparameters set in the given context.
// E.g.: "adam_epsilon" (see [ParamAdamEpsilon]) is used to set [AdamConfig.Epsilon].
func (c *AdamConfig) FromContext(ctx *context.Context) *AdamConfig {
	c.Epsilon(context.GetParamOr(ctx, ParamAdamEpsilon, c.epsilon))
	c.WeightDecay(context.GetParamOr(ctx, ParamAdamWeightDecay, c.weightDecay))
	c.beta1 = context.GetParamOr(ctx, ParamAdamBeta1, c.beta1)
	c.beta2 = context.GetParamOr(ctx, ParamAdamBeta2, c.beta2)
	c.backoffSteps = context.GetParamOr(ctx, ParamAdamBackoffSteps, c.backoffSteps)
	return c
}

// Scope defines the top-level scope to use to store the 1st and 2nd order moments of the gradients and the step number.
// It defaults to AdamDefaultScope.
func (c *AdamConfig) Scope(name string) *AdamConfig {
	c.scopeName = name
	return c
}

// LearningRate sets the base learning rate.
//
// Default is either the value of ParamLearningRate ("learning_rate") global parameter in Context if defined, or 0.001 if not.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas set the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configure Adam to use an L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay,
// applied to the raw values.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// WithBackoffSteps prevents any gradient steps to be taken, until numSteps steps have been taken
// to allow for a better estimate of the gradient moments.
func (c *AdamConfig) WithBackoffSteps(numSteps int) *AdamConfig {
	c.backoffSteps = numSteps
	return c
}

// Done will finish the configuration and construct an optimizer.Interface that implements Adam.
func (c *AdamConfig) Done() Interface {
	return &adam{config: c}
}

// adam implements the Adam algorithm as an optimizer.Interface.
type adam struct {
	config *AdamConfig
}

// UpdateWithGradients implements optimizers.Interface.
func (o *adam) UpdateWithGradients(ctx *context.Context, vars []*context.Variable, grads []float64) error {
	if err := checkGradients(vars, grads); err != nil {
		return err
	}
	cfg := o.config
	learningRate := cfg.learningRate
	if learningRate < 0 {
		learningRate = context.GetParamOr(ctx, ParamLearningRate, AdamDefaultLearningRate)
	}

	// Increment the global step, but keep a separate step count for Adam: it can be reset separately.
	var adamStep int64
	err := exceptions.TryCatch[error](func() {
		IncrementGlobalStep(ctx)
		adamStep = IncrementGlobalStep(ctx.InAbsPath(context.RootScope + cfg.scopeName))
	})
	if err != nil {
		return err
	}
	if cfg.backoffSteps > 0 && adamStep <= int64(cfg.backoffSteps) {
		learningRate = 0
	}
	debiasTermBeta1 := 1 / (1 - math.Pow(cfg.beta1, float64(adamStep)))
	debiasTermBeta2 := 1 / (1 - math.Pow(cfg.beta2, float64(adamStep)))
	clipByValue := context.GetParamOr(ctx, ParamClipStepByValue, 0.0)
	ClipNaNsInGradients(ctx, grads)

	steps := make([]float64, len(grads))
	pos := 0
	for _, v := range vars {
		size := v.RawSize()
		var m1, m2 *context.Variable
		err = exceptions.TryCatch[error](func() { m1, m2 = o.getMomentVariables(ctx, v) })
		if err != nil {
			return err
		}
		var moment1 []float64
		if m1 != nil {
			moment1 = m1.Value().Clone().Data()
		}
		moment2 := m2.Value().Clone().Data()
		raw := v.Raw()
		for ii := 0; ii < size; ii++ {
			grad := grads[pos+ii]
			debiasedMoment1 := grad
			if moment1 != nil {
				moment1[ii] = cfg.beta1*moment1[ii] + (1-cfg.beta1)*grad
				debiasedMoment1 = moment1[ii] * debiasTermBeta1
			}
			var denominator float64
			if cfg.adamax {
				moment2[ii] = max(cfg.beta2*moment2[ii], math.Abs(grad))
				denominator = moment2[ii] + cfg.epsilon
			} else {
				moment2[ii] = cfg.beta2*moment2[ii] + (1-cfg.beta2)*grad*grad
				denominator = math.Sqrt(moment2[ii]*debiasTermBeta2) + cfg.epsilon
			}
			step := learningRate * debiasedMoment1 / denominator
			if cfg.weightDecay > 0 {
				step += learningRate * cfg.weightDecay * raw[ii]
			}
			steps[pos+ii] = clipStep(clipByValue, step)
		}
		if m1 != nil {
			if err = m1.SetValue(tensors.FromFlat(moment1, size)); err != nil {
				return err
			}
		}
		if err = m2.SetValue(tensors.FromFlat(moment2, size)); err != nil {
			return err
		}
		pos += size
	}
	return applySteps(ctx, vars, steps)
}

// getMomentVariables returns the moment variables corresponding to the trainable variable given, creating
// them with zeros if they don't exist yet. m1 is nil for RMSProp.
func (o *adam) getMomentVariables(ctx *context.Context, trainable *context.Variable) (m1, m2 *context.Variable) {
	scopePath := context.RootScope + o.config.scopeName
	if trainable.Scope() != context.RootScope {
		scopePath += trainable.Scope()
	}
	ctx = ctx.InAbsPath(scopePath).Reuse()
	size := trainable.RawSize()
	if !o.config.rmsProp {
		m1 = ctx.VariableWithValue(trainable.Name()+"_1st_moment", tensors.Zeros(size), nil).SetTrainable(false)
	}
	m2 = ctx.VariableWithValue(trainable.Name()+"_2nd_moment", tensors.Zeros(size), nil).SetTrainable(false)
	return
}

// Clear all optimizer variables.
func (o *adam) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.RootScope + o.config.scopeName).DeleteVariablesInScope()
}
