// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/deepgp/pkg/core/tensors"
)

// Dataset for a train.Trainer provides the data, one batch at a time: inputs shaped (N, InputDim) and
// labels shaped (N, OutputDim).
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached,
	// for instance when running another evaluation on a test dataset.
	Reset()

	// Yield one batch or an error.
	//
	// If the error is io.EOF the training/evaluation terminates normally, as it indicates end of data for
	// finite datasets -- maybe the end of the epoch. Any other errors should interrupt the training/evaluation
	// and be returned to the user.
	//
	// If using Loop.RunSteps for training having an infinite dataset stream is ok. But careful
	// not to use Loop.RunEpochs on a dataset configured to loop indefinitely.
	Yield() (inputs, labels *tensors.Tensor, err error)
}

// HasShortName allows a dataset to specify a short name (used when displaying a short version of metric names).
// It defaults to the first 3 letters of the dataset name.
//
// It's optional.
type HasShortName interface {
	// ShortName returns the short name of the dataset.
	ShortName() string
}

// ShortName returns the dataset short name, see HasShortName.
func ShortName(ds Dataset) string {
	if named, ok := ds.(HasShortName); ok {
		return named.ShortName()
	}
	name := ds.Name()
	if len(name) > 3 {
		name = name[:3]
	}
	return name
}
