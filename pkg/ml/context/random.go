// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"math/rand/v2"
	"time"

	"k8s.io/klog/v2"
)

// ParamInitialSeed is the key for the hyperparameter with the seed (int64) of the context random
// number generator. The default is 0, which makes it non-deterministic. Set it to a value different
// from 0 for deterministic initialization and sampling.
var ParamInitialSeed = "rng_seed"

// Rand returns the context random number generator, shared by all references of the context.
//
// It is created on first use, seeded from ParamInitialSeed, or from the clock if that is not set.
// Like the Context itself, it is not safe for concurrent use.
func (ctx *Context) Rand() *rand.Rand {
	if ctx.data.rng == nil {
		ctx.RngStateReset()
	}
	return ctx.data.rng
}

// RngStateReset resets the context random number generator from ParamInitialSeed, or from the
// clock if the seed is not set (or 0).
func (ctx *Context) RngStateReset() {
	seed := GetParamOr(ctx.InAbsPath(RootScope), ParamInitialSeed, int64(0))
	if seed == 0 {
		seed = time.Now().UnixNano()
		klog.V(1).Infof("context random number generator seeded from clock with %d", seed)
	}
	ctx.RngStateFromSeed(seed)
}

// RngStateFromSeed resets the context random number generator with the given seed.
func (ctx *Context) RngStateFromSeed(seed int64) {
	ctx.data.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}
