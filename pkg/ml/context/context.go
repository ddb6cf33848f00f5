// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package context defines the Context and Variable types: Context organizes hyperparameters and
// variables in scopes, and Variable holds the (constrained) values of a model's parameters.
package context

import (
	"encoding"
	"fmt"
	"math/rand/v2"
	"reflect"
	"strings"

	"github.com/gomlx/deepgp/internal/scoped"
	"github.com/gomlx/deepgp/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Context organizes information shared in a model: the Variables (parameters being learned, like
// kernel lengthscales, inducing points and variational parameters) and the hyperparameters (like
// the jitter, the number of samples or the learning rate).
//
// Both are organized in "scopes". The Context object is a thin wrapper that contains the current
// scope (similar to a current directory) and a link to the actual data. Context.In("new_scope")
// returns a new Context with the new scope set, still sharing all the data. E.g.:
//
//	ctx := context.New()
//	ctx.SetParam("jitter", 1e-6)               // Default jitter for every layer.
//	ctx.In("layer_0").SetParam("jitter", 1e-5) // Only "layer_0" and its sub-scopes use 1e-5.
//
// Variable creation is checked by default: creating a variable that already exists panics, unless
// the context is marked with Context.Reuse(), in which case the existing variable is returned.
//
// A Context is not safe for concurrent use.
type Context struct {
	// scope for currently created variables and registration.
	scope string

	// reuse of variables, if set to true.
	reuse bool

	// data is shared among all references.
	data *contextData
}

// contextData stores all context information and is shared among various Context, which
// serve only as scoped references.
type contextData struct {
	// params holds a model's (hyper)parameters. Context is agnostic about their semantics, they are
	// interpreted by the various components independently.
	params *scoped.Params

	// variablesMap for this context organized per scope.
	variablesMap map[string]map[string]*Variable

	// variables is a plain list of all variables, in creation order.
	variables []*Variable

	// rng is created on first use, see Context.Rand.
	rng *rand.Rand

	// loader, if set, is called to check whether there is a previous value of a variable being created.
	loader Loader
}

// Loader can be implemented by any library providing loading of variables for Context.
// Loader implementations need to provide values on demand, as a variable is created, because
// variables are created as the model is built.
//
// See package checkpoints for an implementation.
type Loader interface {
	// LoadVariable returns the raw values for the variable with the given scope and name, if found.
	// Once loaded, the Loader may discard its copy.
	LoadVariable(ctx *Context, scope, name string) (raw []float64, found bool)
}

const (
	// ScopeSeparator is used between levels of scope. Scope names cannot use this character.
	ScopeSeparator = "/"

	// RootScope of the Context.
	RootScope = ScopeSeparator
)

// New returns an empty context, with the scope set to the root scope.
func New() *Context {
	return &Context{
		scope: RootScope,
		data: &contextData{
			params:       scoped.New(ScopeSeparator),
			variablesMap: make(map[string]map[string]*Variable),
		},
	}
}

// copy creates a copy of the Context, but sharing the same "data" component.
func (ctx *Context) copy() *Context {
	ctx2 := &Context{}
	*ctx2 = *ctx
	return ctx2
}

// JoinScope and name into a single string.
// If scope is empty, name is returned.
func JoinScope(scope, name string) string {
	if strings.HasSuffix(scope, ScopeSeparator) {
		return scope + name
	}
	if scope == "" {
		return name
	}
	return fmt.Sprintf("%s%s%s", scope, ScopeSeparator, name)
}

// SplitScope splits the scope from the name for a combined string, typically created by JoinScope.
// If there is no scope configured, scope is set to "".
func SplitScope(scopeAndName string) (scope, name string) {
	if !strings.HasPrefix(scopeAndName, ScopeSeparator) {
		return "", scopeAndName
	}
	idx := strings.LastIndex(scopeAndName, ScopeSeparator)
	name = scopeAndName[idx+1:]
	if idx == 0 {
		scope = RootScope
	} else {
		scope = scopeAndName[:idx]
	}
	return
}

// Scope returns the full scope path.
func (ctx *Context) Scope() string {
	return ctx.scope
}

// In returns a new reference to the Context with the extra given scope. No ScopeSeparator ("/") is
// allowed in scope.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		exceptions.Panicf("cannot use empty scope for Context.In()")
	}
	if strings.Contains(scope, ScopeSeparator) {
		exceptions.Panicf("cannot use separator %q in scope element %q", ScopeSeparator, scope)
	}
	return ctx.InAbsPath(JoinScope(ctx.scope, scope))
}

// Inf returns a new reference to the Context with the extra given scope, formatted with fmt.Sprintf.
func (ctx *Context) Inf(format string, args ...any) *Context {
	return ctx.In(fmt.Sprintf(format, args...))
}

// InAbsPath returns a new reference to the Context with the given absolute scope. It should start with
// ScopeSeparator.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		exceptions.Panicf("absolute scope path must start with separator %q, instead got %q", ScopeSeparator, scopePath)
	}
	ctx2 := ctx.copy()
	ctx2.scope = scopePath
	return ctx2
}

// Reuse returns a new reference to the Context set to reuse existing variables.
func (ctx *Context) Reuse() *Context {
	if ctx.reuse {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.reuse = true
	return ctx2
}

// IsReuse returns whether Context is marked for reuse.
func (ctx *Context) IsReuse() bool { return ctx.reuse }

// GetParam returns the value for the given param key, searching successively from
// the current scope back to the root scope ("/"), in case the key is not found.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return ctx.data.params.Get(ctx.scope, key)
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// MustGetParam is like GetParam, but panics if the parameter is not found, or if it cannot be
// converted to type T.
//
// Numeric values are converted (so an `int` set with SetParam is read back as `float64` transparently),
// and strings are decoded for types implementing encoding.TextUnmarshaler.
func MustGetParam[T any](ctx *Context, key string) T {
	var t T
	valueAny, found := ctx.GetParam(key)
	if !found {
		exceptions.Panicf("parameter %q (of type %T) not found in scope %q (and its parents)", key, t, ctx.Scope())
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(t)
	valueT := reflect.New(typeOfT)
	if valueT.Type().Implements(textUnmarshalerType) && v.Kind() == reflect.String {
		if err := valueT.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(v.String())); err != nil {
			exceptions.Panicf("can't UnmarshalText %q to %s: %v", v.String(), typeOfT, err)
		}
		return valueT.Elem().Interface().(T)
	}
	if !v.IsValid() || !v.CanConvert(typeOfT) {
		exceptions.Panicf("MustGetParam/GetParamOr[%T](ctx, %q): ctx(scope=%q)[%q]=(%T) %#v, and cannot be converted to %T",
			t, key, ctx.Scope(), key, valueAny, valueAny, t)
	}
	return v.Convert(typeOfT).Interface().(T)
}

// GetParamOr either returns the value for the given param key in the context `ctx`,
// searching successively from the current scope back to the root scope ("/"), or if the
// key is not found or the key is set to nil, it returns the given default value.
//
// See MustGetParam for the conversions applied.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	return MustGetParam[T](ctx, key)
}

// SetParam sets the given param in the current scope. It will be visible (by GetParam)
// within this scope and descendant scopes (but not by other scopes).
//
// Note: params are saved by the checkpoints package using JSON. This works well for `string`,
// `float64`, `int` and `bool`, but other types may not be recovered correctly later.
func (ctx *Context) SetParam(key string, value any) {
	ctx.data.params.Set(ctx.scope, key, value)
}

// SetParams sets a collection of parameters in the current scope.
func (ctx *Context) SetParams(keyValues map[string]any) {
	for key, value := range keyValues {
		ctx.data.params.Set(ctx.scope, key, value)
	}
}

// EnumerateParams enumerates all parameters for all scopes calls fn with their values.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	ctx.data.params.Enumerate(fn)
}

// GetVariableByScopeAndName returns the variable with the given scope and name, or nil if it doesn't exist.
func (ctx *Context) GetVariableByScopeAndName(scope, name string) *Variable {
	scopeVars := ctx.data.variablesMap[scope]
	if scopeVars == nil {
		return nil
	}
	return scopeVars[name]
}

// GetVariable returns the variable with the given name in the current scope, or nil if it doesn't exist.
func (ctx *Context) GetVariable(name string) *Variable {
	return ctx.GetVariableByScopeAndName(ctx.scope, name)
}

// VariableWithValue creates a variable named name in the current scope, initialized with value and
// constrained by transform (Identity if nil).
//
// If the variable already exists and the context is not in Reuse mode, it panics. In Reuse mode
// the existing variable is returned and value is ignored: this is what allows a model to be rebuilt
// over a context loaded from a checkpoint.
//
// It panics if value is not representable by transform (e.g.: a non-positive value for Positive).
func (ctx *Context) VariableWithValue(name string, value *tensors.Tensor, transform Transform) *Variable {
	if name == "" || strings.Contains(name, ScopeSeparator) {
		exceptions.Panicf("invalid variable name %q", name)
	}
	if v := ctx.GetVariable(name); v != nil {
		if !ctx.reuse {
			exceptions.Panicf("variable %q already exists in scope %q -- use Context.Reuse() to reuse it", name, ctx.scope)
		}
		if !v.shape.Equal(value.Shape()) {
			exceptions.Panicf("reusing variable %s with shape %s, but requested shape %s", v, v.shape, value.Shape())
		}
		return v
	}
	if transform == nil {
		transform = Identity{}
	}
	v := &Variable{
		name:      name,
		scope:     ctx.scope,
		shape:     value.Shape().Clone(),
		transform: transform,
		Trainable: true,
	}
	if err := v.SetValue(value); err != nil {
		panic(errors.WithMessagef(err, "creating variable %s/%s", ctx.scope, name))
	}
	if ctx.data.loader != nil {
		if raw, found := ctx.data.loader.LoadVariable(ctx, ctx.scope, name); found {
			if err := v.SetRaw(raw); err != nil {
				panic(errors.WithMessagef(err, "loading variable %s/%s", ctx.scope, name))
			}
		}
	}
	scopeVars := ctx.data.variablesMap[ctx.scope]
	if scopeVars == nil {
		scopeVars = make(map[string]*Variable)
		ctx.data.variablesMap[ctx.scope] = scopeVars
	}
	scopeVars[name] = v
	ctx.data.variables = append(ctx.data.variables, v)
	return v
}

// Loader returns the current configured Loader for this context. See SetLoader for details.
func (ctx *Context) Loader() Loader {
	return ctx.data.loader
}

// SetLoader configures Loader to use for newly created variables.
func (ctx *Context) SetLoader(loader Loader) {
	ctx.data.loader = loader
}

// EnumerateVariables calls fn for every variable in the context, in creation order.
func (ctx *Context) EnumerateVariables(fn func(v *Variable)) {
	for _, v := range ctx.data.variables {
		fn(v)
	}
}

// EnumerateVariablesInScope calls fn for the variables in the current scope or its sub-scopes,
// in creation order.
func (ctx *Context) EnumerateVariablesInScope(fn func(v *Variable)) {
	prefix := ctx.scope
	if prefix != RootScope {
		prefix += ScopeSeparator
	}
	for _, v := range ctx.data.variables {
		if v.scope == ctx.scope || strings.HasPrefix(v.scope, prefix) {
			fn(v)
		}
	}
}

// TrainableVariables returns the trainable variables, in creation order.
func (ctx *Context) TrainableVariables() []*Variable {
	var vars []*Variable
	for _, v := range ctx.data.variables {
		if v.Trainable {
			vars = append(vars, v)
		}
	}
	return vars
}

// NumVariables return the number of variables in this Context.
func (ctx *Context) NumVariables() int {
	return len(ctx.data.variables)
}

// NumParameters returns the summed-up number of raw (unconstrained) scalars of all trainable variables.
func (ctx *Context) NumParameters() int {
	total := 0
	for _, v := range ctx.data.variables {
		if v.Trainable {
			total += v.RawSize()
		}
	}
	return total
}

// DeleteVariable removes the variable from the context. It returns an error if it doesn't exist.
func (ctx *Context) DeleteVariable(scope, name string) error {
	v := ctx.GetVariableByScopeAndName(scope, name)
	if v == nil {
		return errors.Errorf("variable %q not found in scope %q", name, scope)
	}
	delete(ctx.data.variablesMap[scope], name)
	for ii, v2 := range ctx.data.variables {
		if v2 == v {
			ctx.data.variables = append(ctx.data.variables[:ii], ctx.data.variables[ii+1:]...)
			break
		}
	}
	return nil
}

// DeleteVariablesInScope removes all variables in the current scope and its sub-scopes.
func (ctx *Context) DeleteVariablesInScope() error {
	var toDelete []*Variable
	ctx.EnumerateVariablesInScope(func(v *Variable) { toDelete = append(toDelete, v) })
	for _, v := range toDelete {
		if err := ctx.DeleteVariable(v.Scope(), v.Name()); err != nil {
			return err
		}
	}
	return nil
}
