// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"cmp"
	"image/color"
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Predictive1D describes the predictive distribution of a model with 1-D inputs and outputs, for plotting.
type Predictive1D struct {
	Title string

	// X are the inputs where the predictive distribution was evaluated, Mean and Variance the
	// predictive mean and variance at those points.
	X, Mean, Variance []float64

	// TrainX and TrainY are the training points, drawn as a scatter plot. Optional.
	TrainX, TrainY []float64
}

// Save draws the predictive mean with a band of two standard deviations, and the training data,
// into a PNG (or any other format supported by gonum/plot, given by the extension) file.
func (pd *Predictive1D) Save(filePath string) error {
	n := len(pd.X)
	if n == 0 || len(pd.Mean) != n || len(pd.Variance) != n {
		return errors.Errorf("Predictive1D: %d inputs, %d means and %d variances", n, len(pd.Mean), len(pd.Variance))
	}
	if len(pd.TrainX) != len(pd.TrainY) {
		return errors.Errorf("Predictive1D: %d train inputs and %d train labels", len(pd.TrainX), len(pd.TrainY))
	}
	order := make([]int, n)
	for ii := range order {
		order[ii] = ii
	}
	slices.SortFunc(order, func(a, b int) int { return cmp.Compare(pd.X[a], pd.X[b]) })

	mean := make(plotter.XYs, n)
	band := make(plotter.XYs, 0, 2*n)
	for ii, idx := range order {
		mean[ii] = plotter.XY{X: pd.X[idx], Y: pd.Mean[idx]}
		band = append(band, plotter.XY{X: pd.X[idx], Y: pd.Mean[idx] + 2*math.Sqrt(pd.Variance[idx])})
	}
	for _, idx := range slices.Backward(order) {
		band = append(band, plotter.XY{X: pd.X[idx], Y: pd.Mean[idx] - 2*math.Sqrt(pd.Variance[idx])})
	}

	p := plot.New()
	p.Title.Text = pd.Title
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	polygon, err := plotter.NewPolygon(band)
	if err != nil {
		return errors.Wrap(err, "Predictive1D band")
	}
	polygon.Color = color.RGBA{R: 112, G: 80, B: 144, A: 64}
	polygon.LineStyle.Width = 0
	meanLine, err := plotter.NewLine(mean)
	if err != nil {
		return errors.Wrap(err, "Predictive1D mean")
	}
	meanLine.Color = color.RGBA{R: 112, G: 80, B: 144, A: 255}
	meanLine.Width = vg.Points(2)
	p.Add(polygon, meanLine)
	p.Legend.Add("mean", meanLine)
	p.Legend.Add("±2σ", polygon)

	if len(pd.TrainX) > 0 {
		trainPoints := make(plotter.XYs, len(pd.TrainX))
		for ii := range trainPoints {
			trainPoints[ii] = plotter.XY{X: pd.TrainX[ii], Y: pd.TrainY[ii]}
		}
		scatter, err := plotter.NewScatter(trainPoints)
		if err != nil {
			return errors.Wrap(err, "Predictive1D train points")
		}
		scatter.Color = color.Black
		p.Add(scatter)
		p.Legend.Add("train", scatter)
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "saving plot to %q", filePath)
	}
	return nil
}
