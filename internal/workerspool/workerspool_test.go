// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolMapLimitsParallelism(t *testing.T) {
	pool := NewWithParallelism(3)
	var running, maxRunning atomic.Int32
	results := make([]int, 10)
	err := pool.Map(len(results), func(i int) error {
		current := running.Add(1)
		for {
			old := maxRunning.Load()
			if current <= old || maxRunning.CompareAndSwap(old, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		results[i] = i * i
		running.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, maxRunning.Load(), int32(3))
	assert.Greater(t, maxRunning.Load(), int32(1))
	for i, v := range results {
		assert.Equal(t, i*i, v)
	}
	assert.Equal(t, 0, pool.NumRunning())
}

func TestPoolMapErrors(t *testing.T) {
	pool := New()
	var count atomic.Int32
	err := pool.Map(6, func(i int) error {
		count.Add(1)
		if i == 2 || i == 4 {
			return fmt.Errorf("split %d diverged", i)
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task #2 failed")
	assert.Contains(t, err.Error(), "split 2 diverged")
	assert.Equal(t, int32(6), count.Load())
}

func TestPoolInlineAndUnlimited(t *testing.T) {
	pool := NewWithParallelism(0)
	assert.False(t, pool.IsEnabled())
	var order []int
	require.NoError(t, pool.Map(4, func(i int) error {
		order = append(order, i)
		return nil
	}))
	assert.Equal(t, []int{0, 1, 2, 3}, order)

	pool.SetMaxParallelism(-1)
	assert.True(t, pool.IsUnlimited())
	var count atomic.Int32
	require.NoError(t, pool.Map(20, func(int) error {
		count.Add(1)
		return nil
	}))
	assert.Equal(t, int32(20), count.Load())
}
