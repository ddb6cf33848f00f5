// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gomlx/deepgp/pkg/ml/context/checkpoints"
	"github.com/gomlx/deepgp/pkg/ml/train"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

const pngPlotsHookName = "plots.PNGPlots"

// PNGPlots collects training and evaluation metrics during training and draws them into PNG files,
// one per metric type (loss, nll, ...). Create it with NewPNGPlots.
type PNGPlots struct {
	points Points

	// EvalDatasets registered to be used during evaluation when capturing points during training.
	EvalDatasets []train.Dataset

	customMetricFn CustomMetricFn

	// lastStepCollected avoids collecting twice at the same step.
	lastStepCollected int

	scheduledOnEnd bool
	filePrefix     string

	fileWriter    chan<- Point
	errFileWriter <-chan error
}

// NewPNGPlots creates a PNGPlots that, at the end of training, will save its plots to
// "<filePrefix>_<metric type>.png". If filePrefix is empty, nothing is saved automatically, see Save.
//
// Typical use:
//
//	plots.NewPNGPlots("/tmp/run_0").
//		WithDatasets(testDS).
//		ScheduleNTimes(loop, 100)
func NewPNGPlots(filePrefix string) *PNGPlots {
	return &PNGPlots{
		points:            make(Points),
		filePrefix:        filePrefix,
		lastStepCollected: -1,
	}
}

// WithDatasets configures the datasets to evaluate at each collecting step (see `Schedule*` methods).
func (pp *PNGPlots) WithDatasets(datasets ...train.Dataset) *PNGPlots {
	pp.EvalDatasets = datasets
	return pp
}

// WithCustomMetricFn registers the given function to run at every step it collects metrics.
// Only one function can be registered. Set to nil to reset.
func (pp *PNGPlots) WithCustomMetricFn(fn CustomMetricFn) *PNGPlots {
	pp.customMetricFn = fn
	return pp
}

// WithCheckpoint loads the points previously saved in the checkpoint directory, and appends the
// new points to it. If checkpoint is nil, it's a no-op.
func (pp *PNGPlots) WithCheckpoint(checkpoint *checkpoints.Handler) *PNGPlots {
	if checkpoint == nil {
		return pp
	}
	// Ignore errors while loading: maybe nothing was written yet.
	if rawPoints, err := LoadPointsFromCheckpoint(checkpoint.Dir()); err == nil {
		pp.points.Add(NewPoints(rawPoints))
	}
	pp.fileWriter, pp.errFileWriter = CreatePointsWriter(filepath.Join(checkpoint.Dir(), TrainingPlotFileName))
	return pp
}

// ScheduleNTimes collections of plot points.
func (pp *PNGPlots) ScheduleNTimes(loop *train.Loop, numPoints int) *PNGPlots {
	train.NTimesDuringLoop(loop, numPoints, pngPlotsHookName, 0, pp.addMetrics)
	pp.attachOnEnd(loop)
	return pp
}

// ScheduleEveryNSteps to collect metrics.
func (pp *PNGPlots) ScheduleEveryNSteps(loop *train.Loop, n int) *PNGPlots {
	train.EveryNSteps(loop, n, pngPlotsHookName, 0, pp.addMetrics)
	pp.attachOnEnd(loop)
	return pp
}

// ScheduleExponential collection of plot points, starting at `startStep` and with an increasing step factor
// of `stepFactor`. Typical values where could be 100 and 1.1.
func (pp *PNGPlots) ScheduleExponential(loop *train.Loop, startStep int, stepFactor float64) *PNGPlots {
	train.ExponentialCallback(loop, startStep, stepFactor, true, pngPlotsHookName, 0, pp.addMetrics)
	pp.attachOnEnd(loop)
	return pp
}

func (pp *PNGPlots) addMetrics(loop *train.Loop, metrics []float64) error {
	if pp.lastStepCollected >= loop.LoopStep {
		return nil
	}
	pp.lastStepCollected = loop.LoopStep
	if pp.customMetricFn != nil {
		if err := pp.customMetricFn(pp, float64(loop.Trainer.GlobalStep())); err != nil {
			return errors.WithMessagef(err, "plots.PNGPlots CustomMetricFn returned an error at step %d", loop.LoopStep)
		}
	}
	return AddTrainAndEvalMetrics(pp, loop, metrics, pp.EvalDatasets)
}

func (pp *PNGPlots) attachOnEnd(loop *train.Loop) {
	if pp.scheduledOnEnd {
		return
	}
	pp.scheduledOnEnd = true
	loop.OnEnd(pngPlotsHookName, 120, func(_ *train.Loop, _ []float64) error {
		pp.stopWriting()
		if pp.filePrefix == "" {
			return nil
		}
		files, err := pp.Save(pp.filePrefix)
		if err != nil {
			return err
		}
		klog.V(1).Infof("Saved plots to %v", files)
		return nil
	})
}

// stopWriting closes the asynchronous job writing new points.
func (pp *PNGPlots) stopWriting() {
	if pp.fileWriter == nil {
		return
	}
	close(pp.fileWriter)
	pp.fileWriter = nil
	if err := <-pp.errFileWriter; err != nil {
		klog.Errorf("Failed to write plots data: %+v", err)
	}
}

// AddPoint implements Plotter.
func (pp *PNGPlots) AddPoint(pt Point) {
	pp.points[pt.Step] = append(pp.points[pt.Step], pt)
	if pp.fileWriter != nil {
		pp.fileWriter <- pt
	}
}

// DynamicSampleDone implements Plotter.
func (pp *PNGPlots) DynamicSampleDone(incomplete bool) {
	if incomplete {
		klog.V(1).Info("Some metrics were not finite and were not plotted")
	}
}

// Points collected so far.
func (pp *PNGPlots) Points() Points { return pp.points }

// Save draws one plot per metric type, each with one line per metric, to "<filePrefix>_<metric type>.png".
// It returns the files written.
func (pp *PNGPlots) Save(filePrefix string) ([]string, error) {
	var files []string
	for _, metricType := range pp.points.MetricsTypes() {
		p, err := pp.plotMetricType(metricType)
		if err != nil {
			return files, err
		}
		filePath := fmt.Sprintf("%s_%s.png", filePrefix, strings.ReplaceAll(metricType, " ", "_"))
		if err := p.Save(10*vg.Inch, 5*vg.Inch, filePath); err != nil {
			return files, errors.Wrapf(err, "saving plot to %q", filePath)
		}
		files = append(files, filePath)
	}
	return files, nil
}

func (pp *PNGPlots) plotMetricType(metricType string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = metricType
	p.X.Label.Text = "global step"
	p.Y.Label.Text = metricType
	p.Legend.Top = true

	lines := make(map[string]plotter.XYs)
	var names []string
	pp.points.Map(func(pt *Point) {
		if pt.MetricType != metricType {
			return
		}
		if _, found := lines[pt.MetricName]; !found {
			names = append(names, pt.MetricName)
		}
		lines[pt.MetricName] = append(lines[pt.MetricName], plotter.XY{X: pt.Step, Y: pt.Value})
	})
	for ii, name := range names {
		line, points, err := plotter.NewLinePoints(lines[name])
		if err != nil {
			return nil, errors.Wrapf(err, "plotting metric %q", name)
		}
		line.Color = plotutil.Color(ii)
		points.Color = plotutil.Color(ii)
		points.Shape = plotutil.Shape(ii)
		p.Add(line, points)
		p.Legend.Add(name, line, points)
	}
	return p, nil
}
