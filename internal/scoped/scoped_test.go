// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scoped_test

import (
	"fmt"
	"testing"

	"github.com/gomlx/deepgp/internal/scoped"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	p := scoped.New("/")
	p.Set("/", "jitter", 1e-6)
	p.Set("/", "whiten", true)
	p.Set("/", "num_samples", 5)
	p.Set("/layer_0", "jitter", 1e-4)
	p.Set("/layer_0/kernel", "whiten", false)

	testCases := []struct {
		scope, key string
		want       any
		found      bool
	}{
		{"/layer_0/kernel", "whiten", false, true},
		{"/layer_0/kernel", "jitter", 1e-4, true},
		{"/layer_0/kernel", "num_samples", 5, true},
		{"/layer_1", "jitter", 1e-6, true},
		{"/a/b/c", "whiten", true, true},
		{"/layer_0", "missing", nil, false},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s:%s", tc.scope, tc.key), func(t *testing.T) {
			value, found := p.Get(tc.scope, tc.key)
			require.Equal(t, tc.found, found)
			assert.Equal(t, tc.want, value)
		})
	}

	p.Delete("/layer_0", "jitter")
	value, found := p.Get("/layer_0", "jitter")
	require.True(t, found)
	assert.Equal(t, 1e-6, value)
}

func TestParent(t *testing.T) {
	p := scoped.New("/")
	parent, ok := p.Parent("/a/b")
	require.True(t, ok)
	assert.Equal(t, "/a", parent)
	parent, ok = p.Parent("/a")
	require.True(t, ok)
	assert.Equal(t, "/", parent)
	_, ok = p.Parent("/")
	assert.False(t, ok)
}

func TestEnumerateAndClone(t *testing.T) {
	p := scoped.New("/")
	p.Set("/b", "y", 2)
	p.Set("/", "z", 3)
	p.Set("/", "a", 1)

	var got []string
	p.Enumerate(func(scope, key string, value any) {
		got = append(got, fmt.Sprintf("%s:%s=%v", scope, key, value))
	})
	assert.Equal(t, []string{"/:a=1", "/:z=3", "/b:y=2"}, got)

	cloned := p.Clone()
	cloned.Set("/", "a", 100)
	value, _ := p.Get("/", "a")
	assert.Equal(t, 1, value)
}
