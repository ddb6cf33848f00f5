// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"testing"

	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/deepgp/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildModel creates the variables of a tiny "model".
func buildModel(ctx *context.Context) (variance, z *context.Variable) {
	variance = ctx.In("kernel").VariableWithValue("variance", tensors.FromFlat([]float64{1}, 1), context.NewPositive())
	z = ctx.In("inducing").VariableWithValue("z", tensors.Zeros(2, 1), nil)
	return
}

func TestCheckpoints(t *testing.T) {
	var dir string
	{
		ctx := context.New()
		ctx.SetParam("learning_rate", 0.01)
		ctx.SetParam("num_samples", 5)
		ctx.In("layer_1").SetParam("jitter", 1e-5)
		ctx.SetParam("hidden_dims", []int{3, 2})
		checkpoint, err := Build(ctx).TempDir("", "test_checkpoints_").Keep(3).Done()
		require.NoError(t, err)
		assert.Equal(t, 0, checkpoint.checkpointsCount)
		dir = checkpoint.Dir()

		variance, z := buildModel(ctx)
		for ii := 0; ii < 10; ii++ {
			optimizers.IncrementGlobalStep(ctx)
			require.NoError(t, variance.SetValue(tensors.FromFlat([]float64{float64(ii) + 1}, 1)))
			require.NoError(t, checkpoint.Save())
		}
		require.NoError(t, z.SetValue(tensors.FromFlat([]float64{-1, 1}, 2, 1)))
		require.NoError(t, checkpoint.Save())

		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		assert.Len(t, list, 3)
		assert.Equal(t, 10, maxCheckpointCount(list))
	}

	{
		// Reload: params immediately, variables when created.
		ctx := context.New()
		ctx.SetParam("learning_rate", 1.0)
		checkpoint, err := Load(ctx).Dir(dir).ExcludeParams("num_samples").Done()
		require.NoError(t, err)
		assert.Equal(t, 11, checkpoint.checkpointsCount)
		assert.Equal(t, 0.01, context.GetParamOr(ctx, "learning_rate", 0.0))
		assert.Equal(t, 1e-5, context.GetParamOr(ctx.In("layer_1"), "jitter", 0.0))
		assert.Equal(t, []int{3, 2}, context.GetParamOr[[]int](ctx, "hidden_dims", nil))
		_, found := ctx.GetParam("num_samples")
		assert.False(t, found)
		assert.Equal(t, int64(10), optimizers.GetGlobalStep(ctx))

		variance, z := buildModel(ctx)
		assert.InDelta(t, 10.0, variance.Value().At(0), 1e-9)
		assert.Equal(t, []float64{-1, 1}, z.Value().Data())
	}
}

func TestLoadMissing(t *testing.T) {
	ctx := context.New()
	_, err := Load(ctx).TempDir("", "test_checkpoints_").Done()
	require.Error(t, err)
	_, err = Build(ctx).Done()
	require.Error(t, err)

	var h *Handler
	assert.NoError(t, h.Save())
	assert.Equal(t, "", h.Dir())
}
