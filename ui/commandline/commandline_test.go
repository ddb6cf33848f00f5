// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParam("x", 11.0)
	ctx.SetParam("y", 7)
	ctx.SetParam("z", false)
	ctx.SetParam("s", "foo")
	ctx.SetParam("list_int", []int{})
	ctx.SetParam("list_float", []float64{})
	ctx.SetParam("list_str", []string{})
	return ctx
}

func TestParseContextSettings(t *testing.T) {
	ctx := createTestContext()

	paramsSet, err := ParseContextSettings(ctx, "x=13;/a/z=true;/a/b/y=3;s=bar;list_int=1,3,7;list_float=0.1,1.2,3e3;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "/a/z", "/a/b/y", "s", "list_int", "list_float", "list_str"}, paramsSet)
	x, found := ctx.GetParam("x")
	assert.True(t, found)
	assert.Equal(t, 13.0, x.(float64))

	y, found := ctx.GetParam("y")
	assert.True(t, found)
	assert.Equal(t, 7, y)
	y, _ = ctx.In("a").GetParam("y")
	assert.Equal(t, 7, y)
	y, _ = ctx.In("a").In("b").GetParam("y")
	assert.Equal(t, 3, y)

	z, _ := ctx.GetParam("z")
	assert.False(t, z.(bool))
	z, _ = ctx.In("a").GetParam("z")
	assert.True(t, z.(bool))

	assert.Equal(t, "bar", context.GetParamOr(ctx, "s", ""))
	assert.Equal(t, []int{1, 3, 7}, context.GetParamOr(ctx, "list_int", []int{}))
	assert.Equal(t, []float64{0.1, 1.2, 3e3}, context.GetParamOr(ctx, "list_float", []float64{}))
	assert.Equal(t, []string{"a", "b"}, context.GetParamOr(ctx, "list_str", []string{}))

	modified := SprintModifiedContextSettings(ctx, append(paramsSet, "x"))
	assert.Contains(t, modified, `"/a/b/y": (int) 3`)
	assert.Contains(t, SprintContextSettings(ctx), `"/x": (float64) 13`)

	// Parameter "q" is unknown.
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)

	// Parameter "q" is still unknown in root.
	ctx.In("c").SetParam("q", 13)
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)

	// Cannot set the wrong type of value.
	_, err = ParseContextSettings(ctx, "y=3.14")
	require.Error(t, err)

	// Cannot parse setting with scope not absolute.
	_, err = ParseContextSettings(ctx, "a/abc=3.14")
	require.Error(t, err)

	// Missing value.
	_, err = ParseContextSettings(ctx, "x")
	require.Error(t, err)
}

func TestParseContextSettingsFile(t *testing.T) {
	ctx := createTestContext()
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	contents := "# Comment\nx=1.5\n\ny=1_000;s=from_file\n"
	require.NoError(t, os.WriteFile(filePath, []byte(contents), 0o644))

	paramsSet, err := ParseContextSettings(ctx, "file:"+filePath+";z=true")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "s", "z"}, paramsSet)
	assert.Equal(t, 1.5, context.GetParamOr(ctx, "x", 0.0))
	assert.Equal(t, 1000, context.GetParamOr(ctx, "y", 0))
	assert.Equal(t, "from_file", context.GetParamOr(ctx, "s", ""))

	_, err = ParseContextSettings(ctx, "file:"+filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567*time.Microsecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345678*time.Nanosecond))
}
