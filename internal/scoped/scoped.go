// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from (scope, key) to values of any type, where a lookup
// falls back to the parent scopes.
//
// It backs the hyperparameters of context.Context: a parameter set in "/" applies to every
// layer, one set in "/layer_1" overrides it only for that layer and its sub-scopes.
package scoped

import (
	"slices"
	"strings"

	"golang.org/x/exp/constraints"
)

// Params holds for every scope a map of key to value.
//
// Example: with
//
//	"/":         { "jitter": 1e-6, "whiten": true }
//	"/layer_0":  { "jitter": 1e-4 }
//
// Get("/layer_0/kernel", "jitter") returns 1e-4, Get("/layer_1", "jitter") returns 1e-6.
//
// The root scope is the separator itself, and every scope must start with it.
type Params struct {
	Separator  string
	scopeToMap map[string]map[string]any
}

// New creates an empty Params.
func New(separator string) *Params {
	return &Params{
		Separator:  separator,
		scopeToMap: make(map[string]map[string]any),
	}
}

// Clone returns a copy of the Params: the maps are copied, the values are not.
func (p *Params) Clone() *Params {
	cloned := New(p.Separator)
	for scope, values := range p.scopeToMap {
		m := make(map[string]any, len(values))
		for key, value := range values {
			m[key] = value
		}
		cloned.scopeToMap[scope] = m
	}
	return cloned
}

// Set the value of key in the given scope.
func (p *Params) Set(scope, key string, value any) {
	values := p.scopeToMap[scope]
	if values == nil {
		values = make(map[string]any)
		p.scopeToMap[scope] = values
	}
	values[key] = value
}

// Delete removes key from the given scope only. Parent scopes are not affected.
func (p *Params) Delete(scope, key string) {
	values := p.scopeToMap[scope]
	if values == nil {
		return
	}
	delete(values, key)
	if len(values) == 0 {
		delete(p.scopeToMap, scope)
	}
}

// Parent returns the parent of scope, and false if scope is the root scope.
func (p *Params) Parent(scope string) (string, bool) {
	if scope == p.Separator || scope == "" {
		return "", false
	}
	idx := strings.LastIndex(scope, p.Separator)
	if idx <= 0 {
		return p.Separator, true
	}
	return scope[:idx], true
}

// Get retrieves the value of key in scope or, if not set there, in the closest parent scope where
// it is set.
func (p *Params) Get(scope, key string) (value any, found bool) {
	for {
		if values := p.scopeToMap[scope]; values != nil {
			if value, found = values[key]; found {
				return
			}
		}
		var ok bool
		scope, ok = p.Parent(scope)
		if !ok {
			return nil, false
		}
	}
}

// Enumerate calls fn for every value set, sorted by scope and then by key.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	for _, scope := range sortedKeys(p.scopeToMap) {
		values := p.scopeToMap[scope]
		for _, key := range sortedKeys(values) {
			fn(scope, key, values[key])
		}
	}
}

func sortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
