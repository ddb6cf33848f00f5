// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gomlx/deepgp/pkg/core/shapes"
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// InMemoryDataset is a Dataset of inputs (N, InputDim) and labels (N, OutputDim) held in memory.
//
// It supports batching, shuffling (with and without replacement) and looping indefinitely.
// It is safe for concurrent use.
type InMemoryDataset struct {
	name, shortName string

	// inputs and labels of all examples, one example per row.
	inputs, labels *mat.Dense

	numExamples int

	// muSampling serializes the sampling information, all the member variables below.
	muSampling sync.Mutex

	// batchSize to yield. If set to 0 yields only one example at a time.
	batchSize int

	// dropIncompleteBatch, when there are not enough remaining examples in the epoch.
	dropIncompleteBatch bool

	// next record to be sampled. If shuffle is given, this is an index in shuffle. If randomWithReplacement,
	// this is a count only.
	//
	// If it is set to -1, it means the dataset has been exhausted already.
	next int

	randomWithReplacement bool

	// shuffle holds the current permutation, if Shuffle was selected.
	shuffle []int

	infinite bool

	// rng used when random sampling, allows for deterministic random datasets.
	rng *rand.Rand

	// takeN is the maximum number of examples to take, before forcing an end of epoch.
	// If <= 0, take as many as available (or continuously if InMemoryDataset.infinite=true)
	takeN int
}

// InMemory creates a dataset with the given inputs and labels, one example per row. The matrices are
// not copied, they must not be changed while the dataset is in use.
//
// It returns an InMemoryDataset that is initially not shuffled and not batched. You can configure how you
// want to use it with the other configuration methods.
func InMemory(name string, inputs, labels *mat.Dense) (*InMemoryDataset, error) {
	if inputs == nil || labels == nil {
		return nil, errors.New("InMemory dataset requires inputs and labels")
	}
	numExamples, _ := inputs.Dims()
	if numLabels, _ := labels.Dims(); numLabels != numExamples {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch, "InMemory(%q): %d inputs and %d labels", name, numExamples, numLabels)
	}
	if numExamples == 0 {
		return nil, errors.Errorf("InMemory(%q): no examples", name)
	}
	mds := &InMemoryDataset{
		inputs:      inputs,
		labels:      labels,
		numExamples: numExamples,
		rng:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	mds.SetName(name)
	return mds, nil
}

// NumExamples cached in the dataset.
func (mds *InMemoryDataset) NumExamples() int {
	return mds.numExamples
}

// Copy returns a copy of the dataset, sharing the underlying data, but with its own sampling state.
// The configuration is copied, and the copy starts from the beginning.
func (mds *InMemoryDataset) Copy() *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	return &InMemoryDataset{
		name:                  mds.name,
		shortName:             mds.shortName,
		inputs:                mds.inputs,
		labels:                mds.labels,
		numExamples:           mds.numExamples,
		batchSize:             mds.batchSize,
		dropIncompleteBatch:   mds.dropIncompleteBatch,
		randomWithReplacement: mds.randomWithReplacement,
		shuffle:               append([]int(nil), mds.shuffle...),
		infinite:              mds.infinite,
		rng:                   rand.New(rand.NewPCG(mds.rng.Uint64(), mds.rng.Uint64())),
		takeN:                 mds.takeN,
	}
}

// Name implements `train.Dataset`
func (mds *InMemoryDataset) Name() string {
	return mds.name
}

// ShortName implements `train.HasShortName`
func (mds *InMemoryDataset) ShortName() string {
	return mds.shortName
}

// SetName sets the name of the dataset and optionally its ShortName, and returns the updated dataset.
func (mds *InMemoryDataset) SetName(name string, shortName ...string) *InMemoryDataset {
	mds.name = name
	switch {
	case len(shortName) > 0:
		mds.shortName = shortName[0]
	case len(name) > 3:
		mds.shortName = name[:3]
	default:
		mds.shortName = name
	}
	return mds
}

// Reset implements `train.Dataset`
func (mds *InMemoryDataset) Reset() {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.next = 0
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
}

// indicesNextYield retrieve the indices for the next Yield call.
func (mds *InMemoryDataset) indicesNextYield() (indices []int) {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	if mds.next == -1 {
		return // dataset already exhausted.
	}
	n := mds.batchSize
	if n <= 0 {
		n = 1
	}
	indices = make([]int, 0, n)
	for mds.next < mds.numExamples && len(indices) < n {
		switch {
		case len(mds.shuffle) > 0:
			indices = append(indices, mds.shuffle[mds.next])
		case mds.randomWithReplacement:
			indices = append(indices, mds.rng.IntN(mds.numExamples))
		default:
			indices = append(indices, mds.next)
		}
		mds.next++
	}
	if len(indices) < n && mds.dropIncompleteBatch {
		indices = nil
	}
	if mds.next >= mds.numExamples {
		mds.next = -1
	}
	if mds.takeN > 0 && mds.next >= mds.takeN*n {
		mds.next = -1
	}
	return
}

// Yield implements `train.Dataset`. It returns a batch of inputs (batchSize, InputDim) and labels
// (batchSize, OutputDim); the last batch of an epoch may be smaller, unless configured to drop it.
func (mds *InMemoryDataset) Yield() (inputs, labels *tensors.Tensor, err error) {
	indices := mds.indicesNextYield()
	if len(indices) == 0 {
		if !mds.infinite {
			err = io.EOF
			return
		}
		// If looping infinitely, automatically Reset and pull new indices.
		mds.Reset()
		indices = mds.indicesNextYield()
		if len(indices) == 0 {
			klog.Errorf("InMemoryDataset %q configured for infinite loop, but Reset failed to generate new examples", mds.name)
			err = io.EOF
			return
		}
	}
	return gatherRows(mds.inputs, indices), gatherRows(mds.labels, indices), nil
}

// gatherRows returns a (len(indices), cols) tensor with the given rows of m.
func gatherRows(m *mat.Dense, indices []int) *tensors.Tensor {
	_, cols := m.Dims()
	t := tensors.Zeros(len(indices), cols)
	data := t.Data()
	for ii, row := range indices {
		copy(data[ii*cols:(ii+1)*cols], m.RawRowView(row))
	}
	return t
}

// RandomWithReplacement configures the InMemoryDataset to return random elements with replacement.
// If this is configured, Shuffle is canceled.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) RandomWithReplacement() *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.randomWithReplacement = true
	mds.shuffle = nil
	return mds
}

// Shuffle configures the InMemoryDataset to shuffle the order of the data. It returns random elements
// without replacement. If this is configured, RandomWithReplacement is canceled.
//
// At each call to Reset() it is reshuffled. It happens automatically if dataset is configured to loop.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) Shuffle() *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.randomWithReplacement = false
	mds.shuffleLocked()
	return mds
}

// shuffleLocked shuffles dataset yield order. It assumes muSampling is locked.
func (mds *InMemoryDataset) shuffleLocked() {
	if mds.shuffle == nil {
		mds.shuffle = make([]int, mds.numExamples)
	}
	for ii := range mds.shuffle {
		mds.shuffle[ii] = ii
	}
	mds.rng.Shuffle(len(mds.shuffle), func(i, j int) {
		mds.shuffle[i], mds.shuffle[j] = mds.shuffle[j], mds.shuffle[i]
	})
}

// BatchSize configures the InMemoryDataset to return batches of the given size. If dropIncompleteBatch
// is set to true, it will simply drop examples if there are not enough to fill a batch -- this can only
// happen on the last batch of an epoch. Otherwise, it will return a partially filled batch.
//
// If `n` is set to 0, it reverts back to yielding one example at a time.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) BatchSize(n int, dropIncompleteBatch bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.batchSize = n
	mds.dropIncompleteBatch = dropIncompleteBatch
	return mds
}

// WithRand sets the random number generator (RNG) for shuffling or random sampling. This allows for repeatable
// deterministic random sampling, if one wants. The default is to use an RNG initialized with the current
// nanosecond time.
//
// If dataset is configured with Shuffle, this re-shuffles the dataset immediately.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) WithRand(rng *rand.Rand) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.rng = rng
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
	return mds
}

// Infinite sets whether the dataset should loop indefinitely. The default is `infinite = false`, which
// causes the dataset to going through the data only once before returning io.EOF.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) Infinite(infinite bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.infinite = infinite
	return mds
}

// TakeN configures dataset to only take N batches (or examples, if not batched) before returning io.EOF.
// If set to 0 or -1, it takes as many as there is data.
// If configured, it automatically disables InMemoryDataset.Infinite
func (mds *InMemoryDataset) TakeN(n int) *InMemoryDataset {
	if n > 0 {
		mds.Infinite(false)
	}
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.takeN = n
	return mds
}
