// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds tools to help run a training loop of a deep GP model.
//
// The Trainer estimates the gradient of the negative ELBO with respect to the unconstrained values of the
// trainable variables with central finite differences, using the same noise for every evaluation of a step,
// and applies an optimizers.Interface update. The Loop drives the Trainer over a Dataset, calling hooks
// (checkpointing, progress bars, plots) along the way.
package train

import (
	"io"
	"math"

	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/deepgp/pkg/ml/dgp"
	"github.com/gomlx/deepgp/pkg/ml/train/metrics"
	"github.com/gomlx/deepgp/pkg/ml/train/optimizers"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

const (
	// TrainerAbsoluteScope is the scope used by the Trainer for its own variables.
	TrainerAbsoluteScope = context.RootScope + "trainer"

	// ParamFDStep is the context hyperparameter with the step used by the finite differences gradient,
	// in the space of the unconstrained variable values.
	ParamFDStep = "fd_step"

	// DefaultFDStep is the default value for ParamFDStep.
	DefaultFDStep = 1e-5

	// ParamEvalNumSamples is the context hyperparameter with the number of samples used to estimate the
	// predictive density in Trainer.Eval.
	ParamEvalNumSamples = "eval_num_samples"

	// DefaultEvalNumSamples is the default value for ParamEvalNumSamples.
	DefaultEvalNumSamples = 100
)

// Trainer is a helper object to orchestrate a training step and evaluation of a deep GP model.
//
// Given a context with the model variables, a dgp.Model and an optimizers.Interface, TrainStep
// estimates the gradient of the loss (the negative ELBO) with central finite differences and
// applies the optimizer update.
//
// A Trainer is not safe for concurrent use.
type Trainer struct {
	ctx       *context.Context
	model     *dgp.Model
	optimizer optimizers.Interface

	trainMetrics, evalMetrics []metrics.Interface

	// rawValues is a buffer with the flattened raw values of the trainable variables.
	rawValues []float64
}

// NewTrainer constructs a trainer for the model, whose variables are in ctx.
//
// The train metrics are the batch loss and a moving average of the loss. The eval metrics are the
// mean negative log predictive density and the RMSE of the predictive mean.
func NewTrainer(ctx *context.Context, model *dgp.Model, optimizer optimizers.Interface) *Trainer {
	return &Trainer{
		ctx:       ctx,
		model:     model,
		optimizer: optimizer,
		trainMetrics: []metrics.Interface{
			metrics.NewLastValueMetric("Batch Loss", "batch", metrics.LossMetricType, nil),
			metrics.NewExponentialMovingAverageMetric("Moving Average Loss", "~loss", metrics.LossMetricType, nil, 0.01),
		},
		evalMetrics: []metrics.Interface{
			metrics.NewMeanMetric("Mean NLL", "nll", metrics.NLLMetricType, nil),
			metrics.NewRootMeanMetric("RMSE", "rmse", metrics.RMSEMetricType, nil),
		},
	}
}

// Context returns the current context used by the Trainer.
func (r *Trainer) Context() *context.Context { return r.ctx }

// SetContext sets the context used by the Trainer.
func (r *Trainer) SetContext(ctx *context.Context) { r.ctx = ctx }

// Model being trained.
func (r *Trainer) Model() *dgp.Model { return r.model }

// Optimizer used by the Trainer.
func (r *Trainer) Optimizer() optimizers.Interface { return r.optimizer }

// TrainMetrics returns the train metrics: the values returned by TrainStep are in the same order.
func (r *Trainer) TrainMetrics() []metrics.Interface { return r.trainMetrics }

// EvalMetrics returns the eval metrics: the values returned by Eval are in the same order.
func (r *Trainer) EvalMetrics() []metrics.Interface { return r.evalMetrics }

// GlobalStep returns the current global step, creating the variable if needed.
func (r *Trainer) GlobalStep() int64 {
	var step int64
	err := exceptions.TryCatch[error](func() { step = optimizers.GetGlobalStep(r.ctx) })
	if err != nil {
		klog.Errorf("failed to read global step: %+v", err)
		return 0
	}
	return step
}

// ResetTrainMetrics resets the train metrics, so the moving averages start afresh.
func (r *Trainer) ResetTrainMetrics() {
	for _, m := range r.trainMetrics {
		m.Reset()
	}
}

// Loss returns the negative ELBO of the batch (x, y), using noise as in dgp.Model.Propagate.
func (r *Trainer) Loss(x, y *tensors.Tensor, noise []*tensors.Tensor) (float64, error) {
	elbo, err := r.model.ELBO(x, y, noise)
	if err != nil {
		return 0, err
	}
	return -elbo, nil
}

// Gradient returns the loss on the batch and its gradient with respect to the raw values of vars
// (see context.FlattenRaw), estimated with central finite differences.
//
// All evaluations use the same noise, so the loss is a deterministic function of the raw values.
// The raw values of vars are restored before returning.
func (r *Trainer) Gradient(vars []*context.Variable, x, y *tensors.Tensor, noise []*tensors.Tensor) (
	loss float64, grads []float64, err error) {
	r.rawValues = context.FlattenRaw(vars, r.rawValues[:0])
	origin := r.rawValues
	loss, err = r.Loss(x, y, noise)
	if err != nil {
		return 0, nil, err
	}

	var evalErr error
	lossFn := func(raw []float64) float64 {
		if evalErr != nil {
			return math.NaN()
		}
		if err := context.UnflattenRaw(vars, raw); err != nil {
			evalErr = err
			return math.NaN()
		}
		value, err := r.Loss(x, y, noise)
		if err != nil {
			evalErr = err
			return math.NaN()
		}
		return value
	}
	step := context.GetParamOr(r.ctx, ParamFDStep, DefaultFDStep)
	grads = fd.Gradient(nil, lossFn, origin, &fd.Settings{
		Formula:     fd.Central,
		Step:        step,
		OriginKnown: true,
		OriginValue: loss,
	})
	if err = context.UnflattenRaw(vars, origin); err != nil {
		return 0, nil, errors.WithMessage(err, "restoring variables after finite differences")
	}
	if evalErr != nil {
		return 0, nil, errors.WithMessage(evalErr, "evaluating loss for finite differences")
	}
	return loss, grads, nil
}

// TrainStep runs one training step on the batch (x, y): it estimates the gradient of the loss and
// applies the optimizer update, which increments the global step.
//
// It returns the values of the train metrics after the step, see TrainMetrics.
func (r *Trainer) TrainStep(x, y *tensors.Tensor) ([]float64, error) {
	vars := r.model.TrainableVariables()
	if len(vars) == 0 {
		return nil, errors.New("model has no trainable variables")
	}
	noise := r.model.SampleNoise(max(r.model.NumSamples, 1), x.Dim(0))
	loss, grads, err := r.Gradient(vars, x, y, noise)
	if err != nil {
		return nil, errors.WithMessage(err, "Trainer.TrainStep")
	}
	if err = r.optimizer.UpdateWithGradients(r.ctx, vars, grads); err != nil {
		return nil, errors.WithMessage(err, "Trainer.TrainStep: optimizer update")
	}
	values := make([]float64, len(r.trainMetrics))
	for ii, m := range r.trainMetrics {
		values[ii] = m.Update(loss, float64(x.Dim(0)))
	}
	return values, nil
}

// EvalStep updates the eval metrics with the batch (x, y), and returns their current values.
func (r *Trainer) EvalStep(x, y *tensors.Tensor) ([]float64, error) {
	numSamples := context.GetParamOr(r.ctx, ParamEvalNumSamples, DefaultEvalNumSamples)
	logDensities, err := r.model.PredictLogDensity(x, y, numSamples)
	if err != nil {
		return nil, errors.WithMessage(err, "Trainer.EvalStep")
	}
	n := float64(len(logDensities))
	nll := -floats.Sum(logDensities) / n

	yMean, _, err := r.model.PredictY(x, numSamples)
	if err != nil {
		return nil, errors.WithMessage(err, "Trainer.EvalStep")
	}
	mse := squaredError(yMean, y) / float64(y.Size())

	r.evalMetrics[0].Update(nll, n)
	r.evalMetrics[1].Update(mse, n)
	values := make([]float64, len(r.evalMetrics))
	for ii, m := range r.evalMetrics {
		values[ii] = m.Value()
	}
	return values, nil
}

// Eval resets the eval metrics, runs EvalStep over the whole dataset (until io.EOF) and returns
// the final eval metrics values. The dataset is reset before and after.
func (r *Trainer) Eval(ds Dataset) ([]float64, error) {
	for _, m := range r.evalMetrics {
		m.Reset()
	}
	ds.Reset()
	defer ds.Reset()
	var values []float64
	count := 0
	for {
		x, y, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "Trainer.Eval(%q): failed reading from dataset", ds.Name())
		}
		values, err = r.EvalStep(x, y)
		if err != nil {
			return nil, errors.WithMessagef(err, "Trainer.Eval(%q): batch #%d", ds.Name(), count)
		}
		count++
	}
	if count == 0 {
		return nil, errors.Errorf("Trainer.Eval(%q): dataset yielded no batches", ds.Name())
	}
	return values, nil
}

// squaredError returns the sum over the points of the squared difference between the mean over the
// samples of yMean (S, N, D) and y (N, D).
func squaredError(yMean, y *tensors.Tensor) float64 {
	numSamples := yMean.Dim(0)
	size := y.Size()
	data := yMean.Data()
	mean := make([]float64, size)
	for s := range numSamples {
		floats.Add(mean, data[s*size:(s+1)*size])
	}
	floats.Scale(1/float64(numSamples), mean)
	floats.Sub(mean, y.Data())
	return floats.Dot(mean, mean)
}
