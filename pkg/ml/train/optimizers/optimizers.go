// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizers used by train.Trainer, or by themselves.
// They all implement optimizers.Interface.
//
// Optimizers work on the raw (unconstrained) values of the variables, see context.Variable.
package optimizers

import (
	"maps"
	"math"
	"slices"

	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// UpdateWithGradients takes one optimization step: it updates the raw values of vars given the
	// gradients of the loss with respect to them, concatenated in the order of vars (see context.FlattenRaw).
	//
	// The ctx holds the hyperparameters used by the optimizer and the non-trainable variables the
	// optimizer itself may create. It also increments the global step.
	UpdateWithGradients(ctx *context.Context, vars []*context.Variable, grads []float64) error

	// Clear deletes all temporary variables used by the optimizer.
	Clear(ctx *context.Context) error
}

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors.
	KnownOptimizers = map[string]func(ctx *context.Context) Interface{
		"sgd":     func(ctx *context.Context) Interface { return StochasticGradientDescent() },
		"adam":    func(ctx *context.Context) Interface { return Adam().FromContext(ctx).Done() },
		"adamax":  func(ctx *context.Context) Interface { return Adam().Adamax().FromContext(ctx).Done() },
		"adamw":   func(ctx *context.Context) Interface { return Adam().WeightDecay(0.004).FromContext(ctx).Done() },
		"rmsprop": func(ctx *context.Context) Interface { return RMSProp().FromContext(ctx).Done() },
	}

	// ParamOptimizer is the context parameter with the name of the optimizer.
	// The default value is "adam", and the valid values are the keys of KnownOptimizers.
	ParamOptimizer = "optimizer"

	// ParamLearningRate is the context parameter name for the default value of learning rate.
	ParamLearningRate = "learning_rate"

	// ParamClipStepByValue is a scalar value used to clip each value of the step, after
	// being scaled by the learning rate and the optimizer.
	// Defaults to no clipping (0).
	ParamClipStepByValue = "clip_step_by_value"

	// ParamClipNaN will drop any gradients and updates with NaNs or infinities.
	// The default is false.
	ParamClipNaN = "clip_nan"
)

const (
	// GlobalStepVariableName as stored in context.Context, usually in the root scope.
	GlobalStepVariableName = "global_step"

	// Scope reserved for optimizers.
	Scope = "optimizers"
)

// FromContext creates an optimizer from context hyperparameters.
// See [ParamOptimizer]. The default is "adam".
func FromContext(ctx *context.Context) Interface {
	optName := context.GetParamOr(ctx, ParamOptimizer, "adam")
	return ByName(ctx, optName)
}

// ByName returns an optimizer given the name, or panics if one does not exist.
func ByName(ctx *context.Context, optName string) Interface {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		names := slices.Sorted(maps.Keys(KnownOptimizers))
		exceptions.Panicf("Unknown optimizer %q, valid values are %v.", optName, names)
	}
	return optBuilder(ctx)
}

// GetGlobalStepVar returns the global step counter variable, creating it (initialized with 0) if not
// already there. If a checkpoint is being loaded, the created variable takes the saved value.
func GetGlobalStepVar(ctx *context.Context) *context.Variable {
	return ctx.Reuse().VariableWithValue(GlobalStepVariableName, tensors.Zeros(), nil).SetTrainable(false)
}

// GetGlobalStep returns the current global step value.
// It creates the global step variable if it does not yet exist.
func GetGlobalStep(ctx *context.Context) int64 {
	return int64(GetGlobalStepVar(ctx).Value().Data()[0])
}

// IncrementGlobalStep increments the global step, and returns its new value: the first returned value is 1.
func IncrementGlobalStep(ctx *context.Context) int64 {
	v := GetGlobalStepVar(ctx)
	step := int64(v.Value().Data()[0]) + 1
	if err := v.SetValue(tensors.FromFlat([]float64{float64(step)})); err != nil {
		panic(err)
	}
	return step
}

// DeleteGlobalStep in case one wants to reset the model state, or hide how many steps were taken.
func DeleteGlobalStep(ctx *context.Context) error {
	return ctx.DeleteVariable(ctx.Scope(), GlobalStepVariableName)
}

// checkGradients verifies the number of gradients matches the variables raw values.
func checkGradients(vars []*context.Variable, grads []float64) error {
	total := 0
	for _, v := range vars {
		total += v.RawSize()
	}
	if total != len(grads) {
		return errors.Wrapf(shapes.ErrShapeMismatch, "%d gradients given for %d variables with %d raw values",
			len(grads), len(vars), total)
	}
	return nil
}

// ClipNaNsInGradients zeroes the gradients if any is NaN or infinite, when ParamClipNaN is set.
// It returns whether gradients were zeroed.
func ClipNaNsInGradients(ctx *context.Context, grads []float64) bool {
	if !context.GetParamOr(ctx, ParamClipNaN, false) {
		return false
	}
	for _, g := range grads {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			clear(grads)
			return true
		}
	}
	return false
}

// clipStep applies ParamClipStepByValue to a step value, if set.
func clipStep(clipByValue, step float64) float64 {
	if clipByValue <= 0 {
		return step
	}
	return max(-clipByValue, min(clipByValue, step))
}

// applySteps subtracts steps from the raw values of vars. NaN updates are dropped if ParamClipNaN is set.
func applySteps(ctx *context.Context, vars []*context.Variable, steps []float64) error {
	clipNaN := context.GetParamOr(ctx, ParamClipNaN, false)
	pos := 0
	for _, v := range vars {
		raw := slices.Clone(v.Raw())
		for ii := range raw {
			updated := raw[ii] - steps[pos+ii]
			if clipNaN && (math.IsNaN(updated) || math.IsInf(updated, 0)) {
				continue
			}
			raw[ii] = updated
		}
		pos += len(raw)
		if err := v.SetRaw(raw); err != nil {
			return err
		}
	}
	return nil
}

// SGDConfig implements a Stochastic Gradient Descent optimizer.
type SGDConfig struct {
	initialLearningRate float64
	// Whether to decay the learning rate with the global step.
	useDecay bool
}

// SGDDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SGDDefaultLearningRate = 0.1

// StochasticGradientDescent creates an optimizer that performs SGD.
// It looks for "learning_rate" in Context.Params for the initial
// learning rate, otherwise it defaults to SGDDefaultLearningRate.
//
// By default, it has a learning rate decay given by: `learning_rate = initial_learning_rate / Sqrt(global_step)`
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{
		initialLearningRate: -1, // -1 means not set.
		useDecay:            true,
	}
}

// WithDecay sets whether to use a learning rate decay with the global step.
//
// It returns itself to allow chaining.
func (sgd *SGDConfig) WithDecay(enabled bool) *SGDConfig {
	sgd.useDecay = enabled
	return sgd
}

// WithLearningRate sets the initial learning rate. The default value is SGDDefaultLearningRate.
//
// It returns itself to allow chaining.
func (sgd *SGDConfig) WithLearningRate(initialLearningRate float64) *SGDConfig {
	sgd.initialLearningRate = initialLearningRate
	return sgd
}

// Done returns an optimizer.Interface.
func (sgd *SGDConfig) Done() Interface {
	return sgd
}

// UpdateWithGradients implements optimizers.Interface.
func (sgd *SGDConfig) UpdateWithGradients(ctx *context.Context, vars []*context.Variable, grads []float64) error {
	if err := checkGradients(vars, grads); err != nil {
		return err
	}
	learningRate := sgd.initialLearningRate
	if learningRate <= 0 {
		learningRate = context.GetParamOr(ctx, ParamLearningRate, SGDDefaultLearningRate)
	}
	var globalStep int64
	if err := exceptions.TryCatch[error](func() { globalStep = IncrementGlobalStep(ctx) }); err != nil {
		return err
	}
	if sgd.useDecay {
		learningRate /= math.Sqrt(float64(globalStep))
	}
	ClipNaNsInGradients(ctx, grads)
	clipByValue := context.GetParamOr(ctx, ParamClipStepByValue, 0.0)
	steps := make([]float64, len(grads))
	for ii, g := range grads {
		steps[ii] = clipStep(clipByValue, learningRate*g)
	}
	return applySteps(ctx, vars, steps)
}

// Clear all optimizer variables.
// There are none for sgd, so this is a non-op.
func (sgd *SGDConfig) Clear(_ *context.Context) error {
	return nil
}
