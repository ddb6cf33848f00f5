// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the metrics reported by train.Trainer during training and evaluation.
//
// Metrics are updated in Go, one value (usually a per-batch value) at a time.
package metrics

import (
	"fmt"
	"math"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.:
	// "Moving Average Loss" and "Batch Loss" would both have the same "loss" metric type, and
	// can be displayed on the same plot, sharing the Y-axis.
	MetricType() string

	// Update the metric with a new value, with the given weight (usually the batch size), and
	// return the current metric value.
	Update(value, weight float64) float64

	// Value returns the current metric value, NaN if it has seen no values.
	Value() float64

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value float64) string

	// Reset metrics internal state when starting a new evaluation.
	Reset()
}

const (
	// LossMetricType is the type of loss metrics: the negative ELBO.
	LossMetricType = "loss"

	// NLLMetricType is the type of the negative log predictive density metrics.
	NLLMetricType = "nll"

	// RMSEMetricType is the type of the root mean squared error metrics.
	RMSEMetricType = "rmse"
)

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

// baseMetric implements the naming part of metrics.Interface.
type baseMetric struct {
	name, shortName, metricType string
	pPrintFn                    PrettyPrintFn // if nil will display default.
}

// Name implements metrics.Interface.
func (m *baseMetric) Name() string { return m.name }

// ShortName implements metrics.Interface.
func (m *baseMetric) ShortName() string { return m.shortName }

// MetricType implements metrics.Interface.
func (m *baseMetric) MetricType() string { return m.metricType }

// PrettyPrint implements metrics.Interface.
func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn != nil {
		return m.pPrintFn(value)
	}
	if math.Abs(value) >= 1e4 || (value != 0 && math.Abs(value) < 1e-3) {
		return fmt.Sprintf("%.3e", value)
	}
	return fmt.Sprintf("%.3f", value)
}

// LastValueMetric reports the last value seen: e.g. the loss of the last batch.
type LastValueMetric struct {
	baseMetric
	last float64
	seen bool
}

// NewLastValueMetric creates a metric that reports the last value it was updated with.
func NewLastValueMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn) *LastValueMetric {
	return &LastValueMetric{baseMetric: baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn}}
}

// Update implements metrics.Interface.
func (m *LastValueMetric) Update(value, _ float64) float64 {
	m.last, m.seen = value, true
	return value
}

// Value implements metrics.Interface.
func (m *LastValueMetric) Value() float64 {
	if !m.seen {
		return math.NaN()
	}
	return m.last
}

// Reset implements metrics.Interface.
func (m *LastValueMetric) Reset() { m.seen = false }

// MeanMetric keeps the weighted mean of the values.
type MeanMetric struct {
	baseMetric
	sum, totalWeight float64
}

// NewMeanMetric creates a metric that reports the weighted mean of all values since the last Reset.
func NewMeanMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn) *MeanMetric {
	return &MeanMetric{baseMetric: baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn}}
}

// Update implements metrics.Interface.
func (m *MeanMetric) Update(value, weight float64) float64 {
	m.sum += value * weight
	m.totalWeight += weight
	return m.Value()
}

// Value implements metrics.Interface.
func (m *MeanMetric) Value() float64 {
	if m.totalWeight == 0 {
		return math.NaN()
	}
	return m.sum / m.totalWeight
}

// Reset implements metrics.Interface.
func (m *MeanMetric) Reset() { m.sum, m.totalWeight = 0, 0 }

// movingAverageMetric implements a metric that keeps the mean of a metric.
//
// It behaves just like a MeanMetric, but each new value has weight of newExampleWeight, and
// the stored weight is capped at (1-newExampleWeight).
type movingAverageMetric struct {
	MeanMetric
	newExampleWeight float64
}

// NewExponentialMovingAverageMetric creates a metric that takes new values with the given weight
// (newExampleWeight), and decays the rest to 1-newExampleWeight.
//
// A typical value of newExampleWeight is 0.01, the smaller the value, the slower the moving average moves.
// pPrintFn can be left as nil, and a default will be used.
//
// This doesn't have a set prior, it will start being a normal average until there are enough terms, and it becomes
// an exponential moving average.
func NewExponentialMovingAverageMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn,
	newExampleWeight float64) Interface {
	return &movingAverageMetric{
		MeanMetric: MeanMetric{baseMetric: baseMetric{
			name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn}},
		newExampleWeight: newExampleWeight,
	}
}

// Update implements metrics.Interface. The weight is ignored.
func (m *movingAverageMetric) Update(value, _ float64) float64 {
	if m.totalWeight == 0 {
		m.sum, m.totalWeight = value, 1
		return value
	}
	mean := m.Value()
	weight := max(1/(m.totalWeight+1), m.newExampleWeight)
	m.sum = mean*(1-weight) + value*weight
	m.totalWeight = min(m.totalWeight+1, 1/m.newExampleWeight)
	m.sum *= m.totalWeight
	return m.Value()
}

// RootMeanMetric keeps the weighted mean of the values, and reports its square root.
// Updated with per-batch mean squared errors, it reports the RMSE over all batches.
type RootMeanMetric struct {
	MeanMetric
}

// NewRootMeanMetric creates a metric that reports the square root of the weighted mean of the values.
func NewRootMeanMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn) *RootMeanMetric {
	return &RootMeanMetric{MeanMetric: MeanMetric{baseMetric: baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn}}}
}

// Update implements metrics.Interface.
func (m *RootMeanMetric) Update(value, weight float64) float64 {
	m.MeanMetric.Update(value, weight)
	return m.Value()
}

// Value implements metrics.Interface.
func (m *RootMeanMetric) Value() float64 {
	return math.Sqrt(m.MeanMetric.Value())
}
