// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"math"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ReadCSV reads a numeric CSV table and splits its columns into inputs and labels: the last numTargets
// columns are the labels, all the others are the inputs.
//
// Missing or non-numeric values are reported as errors.
func ReadCSV(r io.Reader, hasHeader bool, numTargets int) (inputs, labels *mat.Dense, err error) {
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(hasHeader),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Float))
	if df.Err != nil {
		return nil, nil, errors.Wrap(df.Err, "reading CSV")
	}
	numRows, numCols := df.Dims()
	if numRows == 0 {
		return nil, nil, errors.New("CSV has no rows")
	}
	if numTargets < 1 || numTargets >= numCols {
		return nil, nil, errors.Errorf("CSV has %d columns, can't take %d of them as targets", numCols, numTargets)
	}
	numInputs := numCols - numTargets
	inputs = mat.NewDense(numRows, numInputs, nil)
	labels = mat.NewDense(numRows, numTargets, nil)
	for colIdx, name := range df.Names() {
		values := df.Col(name).Float()
		for row, v := range values {
			if math.IsNaN(v) {
				return nil, nil, errors.Errorf("CSV column %q, row %d: missing or invalid value", name, row)
			}
			if colIdx < numInputs {
				inputs.Set(row, colIdx, v)
			} else {
				labels.Set(row, colIdx-numInputs, v)
			}
		}
	}
	return inputs, labels, nil
}

// LoadCSV reads the CSV file in filePath, see ReadCSV.
func LoadCSV(filePath string, hasHeader bool, numTargets int) (inputs, labels *mat.Dense, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening CSV file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	inputs, labels, err = ReadCSV(f, hasHeader, numTargets)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "loading %q", filePath)
	}
	return inputs, labels, nil
}
