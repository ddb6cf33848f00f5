// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeanMetric(t *testing.T) {
	m := NewMeanMetric("Mean Loss", "loss", LossMetricType, nil)
	assert.True(t, math.IsNaN(m.Value()))
	m.Update(1, 1)
	assert.InDelta(t, 2.5, m.Update(3, 3), 1e-12)
	m.Reset()
	assert.True(t, math.IsNaN(m.Value()))
	assert.Equal(t, "1.500", m.PrettyPrint(1.5))
	assert.Equal(t, "1.235e+05", m.PrettyPrint(123456))
}

func TestMovingAverage(t *testing.T) {
	m := NewExponentialMovingAverageMetric("Moving Average Loss", "~loss", LossMetricType, nil, 0.5)
	assert.Equal(t, 2.0, m.Update(2, 1))
	assert.InDelta(t, 3.0, m.Update(4, 1), 1e-12)
	// Weight is now capped at 0.5: 0.5·3 + 0.5·5.
	assert.InDelta(t, 4.0, m.Update(5, 1), 1e-12)
	assert.Equal(t, LossMetricType, m.MetricType())
}

func TestLastValueAndMedian(t *testing.T) {
	last := NewLastValueMetric("Batch Loss", "batch", LossMetricType, func(v float64) string { return "x" })
	last.Update(3, 1)
	last.Update(1, 1)
	assert.Equal(t, 1.0, last.Value())
	assert.Equal(t, "x", last.PrettyPrint(1))

	median := NewMedianMetric("Median", "med", LossMetricType, nil).WithSampleSize(100)
	for ii := 1; ii <= 5; ii++ {
		median.Update(float64(ii*ii), 1)
	}
	assert.Equal(t, 9.0, median.Value())
}

func TestRootMeanMetric(t *testing.T) {
	m := NewRootMeanMetric("RMSE", "rmse", RMSEMetricType, nil)
	assert.True(t, math.IsNaN(m.Value()))
	m.Update(1, 1)
	assert.InDelta(t, 2.0, m.Update(7, 1), 1e-12)
}
