// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements saving and loading of a context.Context (variables and
// hyperparameters) to a directory.
//
// The main object is the Handler, created by calling Build, followed by the options and finally
// Config.Done. If a previous checkpoint exists in the directory, its hyperparameters are loaded
// immediately into the Context, and the variable values are loaded as the variables are created
// (when the model is built). Call Handler.Save at any time to save a new checkpoint, typically
// attached to the training loop with train.EveryNSteps:
//
//	ctx := context.New()
//	checkpoint, err := checkpoints.Build(ctx).Dir(*flagCheckpoint).Keep(3).Done()
//	must.M(err)
//	model, err := dgp.New(ctx, x, z, 1).NumLayers(2).Done() // Variables restored from the checkpoint.
//	…
//	train.EveryNSteps(loop, 500, "checkpointing", 100, checkpoint.OnStepFn)
//
// Checkpoints are JSON files holding the raw (unconstrained) values of the variables: they are exact
// and human-readable, which for deep GP models (a few thousand parameters) is small enough.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/gomlx/deepgp/pkg/ml/train"
	"github.com/gomlx/deepgp/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done().
type Config struct {
	ctx *context.Context
	err error

	dir      string
	keep     int
	mustLoad bool

	includeParams   bool
	paramsToExclude map[string]bool
}

// Build a configuration for building a checkpoints.Handler. After configuring the
// Config object returned, call `Done` to get the configured checkpoints.Handler.
func Build(ctx *context.Context) *Config {
	return &Config{
		ctx:             ctx,
		keep:            1,
		includeParams:   true,
		paramsToExclude: make(map[string]bool),
	}
}

// Load creates the configuration to load a checkpoint.
// It's identical to Build, except Done will fail if no checkpoint exists yet.
func Load(ctx *context.Context) *Config {
	c := Build(ctx)
	c.mustLoad = true
	return c
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist.
func (c *Config) Dir(dir string) *Config {
	if c.err != nil {
		return c
	}
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			c.err = errors.Wrapf(err, "checkpoints: failed to expand %q", dir)
			return c
		}
		dir = filepath.Join(home, dir[2:])
	}
	c.dir = dir
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		c.err = errors.Wrapf(err, "checkpoints: failed to create directory %q", dir)
	}
	return c
}

// TempDir creates a temporary directory under dir, with the pattern name, and uses it.
// See os.MkdirTemp.
func (c *Config) TempDir(dir, pattern string) *Config {
	if c.err != nil {
		return c
	}
	tmpDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.err = errors.Wrapf(err, "checkpoints: failed to create temporary directory")
		return c
	}
	c.dir = tmpDir
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// ExcludeAllParams configures the Handler not to load or save the hyperparameters.
func (c *Config) ExcludeAllParams() *Config {
	c.includeParams = false
	return c
}

// ExcludeParams configures parameters not to be loaded: either by key (any scope) or by
// "<scope>/<key>".
func (c *Config) ExcludeParams(paramsToExclude ...string) *Config {
	for _, p := range paramsToExclude {
		c.paramsToExclude[p] = true
	}
	return c
}

// Done creates a Handler with the current configuration, loading the latest checkpoint if one exists.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("checkpoints: directory not configured, use Config.Dir or Config.TempDir")
	}
	h := &Handler{config: c, pending: make(map[string]serializedVar)}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 && c.mustLoad {
		return nil, errors.Errorf("checkpoints: no checkpoints found in %q", c.dir)
	}
	h.checkpointsCount = maxCheckpointCount(list) + 1
	if len(list) > 0 {
		if err := h.loadFile(list[len(list)-1]); err != nil {
			return nil, err
		}
	}
	h.attachTo(c.ctx)
	return h, nil
}

// Handler handles saving and loading of checkpoints for a context.Context.
//
// Variables loaded and not yet created in the Context are kept pending (and saved with the next
// checkpoint) until the model creates them.
type Handler struct {
	config           *Config
	ctx              *context.Context
	loaded           *serializedData
	pending          map[string]serializedVar
	checkpointsCount int
}

type serializedData struct {
	GlobalStep int64
	Params     []serializedParam
	Variables  []serializedVar
}

type serializedVar struct {
	Scope, Name string
	Dimensions  []int
	Transform   string
	Trainable   bool
	Raw         []float64
}

// serializedParam includes the original ValueType, because the JSON decoder
// does not recover the original type of an `any` value.
type serializedParam struct {
	Scope, Key string
	Value      any
	ValueType  string
}

// typeConvert converts the value decoded by JSON back to the original ValueType.
// JSON decodes all numbers to float64.
func (p *serializedParam) typeConvert() {
	switch value := p.Value.(type) {
	case float64:
		switch p.ValueType {
		case "int":
			p.Value = int(value)
		case "int64":
			p.Value = int64(value)
		case "int32":
			p.Value = int32(value)
		case "float32":
			p.Value = float32(value)
		}
	case []any:
		switch p.ValueType {
		case "[]int":
			ints := make([]int, len(value))
			for ii, v := range value {
				f, _ := v.(float64)
				ints[ii] = int(f)
			}
			p.Value = ints
		case "[]float64":
			floats := make([]float64, len(value))
			for ii, v := range value {
				floats[ii], _ = v.(float64)
			}
			p.Value = floats
		case "[]string":
			strs := make([]string, len(value))
			for ii, v := range value {
				strs[ii], _ = v.(string)
			}
			p.Value = strs
		}
	}
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory the Handler is configured to. It returns "" if the Handler is nil.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the checkpoint files.
	JsonNameSuffix = ".json"
)

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// ListCheckpoints returns the base names of the checkpoints in the directory in order (older first).
func (h *Handler) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	var list []string
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		list = append(list, strings.TrimSuffix(fileName, JsonNameSuffix))
	}
	sort.Strings(list)
	return list, nil
}

// maxCheckpointCount returns the largest count in the names of the checkpoints, or -1 if there are none.
func maxCheckpointCount(list []string) int {
	maxID := -1
	for _, name := range list {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		if id, err := strconv.Atoi(matches[1]); err == nil && id > maxID {
			maxID = id
		}
	}
	return maxID
}

func (h *Handler) loadFile(baseName string) error {
	fileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	klog.V(1).Infof("loading checkpoint %q", fileName)
	f, err := os.Open(fileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open checkpoint", h)
	}
	defer func() { _ = f.Close() }()
	var data serializedData
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return errors.Wrapf(err, "%s: failed to decode checkpoint %q", h, fileName)
	}
	for ii := range data.Params {
		data.Params[ii].typeConvert()
	}
	for _, v := range data.Variables {
		h.pending[context.JoinScope(v.Scope, v.Name)] = v
	}
	h.loaded = &data
	return nil
}

// attachTo sets the loaded params in the context, updates the variables already created and
// registers the Handler as the context Loader for the variables created later.
func (h *Handler) attachTo(ctx *context.Context) {
	h.ctx = ctx
	if h.loaded != nil && h.config.includeParams {
		for _, p := range h.loaded.Params {
			if h.config.paramsToExclude[p.Key] || h.config.paramsToExclude[context.JoinScope(p.Scope, p.Key)] {
				continue
			}
			ctx.InAbsPath(p.Scope).SetParam(p.Key, p.Value)
		}
	}
	ctx.EnumerateVariables(func(v *context.Variable) {
		if raw, found := h.LoadVariable(ctx, v.Scope(), v.Name()); found {
			if err := v.SetRaw(raw); err != nil {
				klog.Errorf("%s: failed to restore variable %s: %+v", h, v, err)
			}
		}
	})
	ctx.SetLoader(h)
}

// LoadVariable implements context.Loader. It returns the raw values of the variable from the loaded
// checkpoint, and forgets about it.
func (h *Handler) LoadVariable(_ *context.Context, scope, name string) (raw []float64, found bool) {
	key := context.JoinScope(scope, name)
	v, found := h.pending[key]
	if !found {
		return nil, false
	}
	delete(h.pending, key)
	return v.Raw, true
}

// Save writes a new checkpoint with the current variables and params, and removes the older
// checkpoints exceeding the number configured with Config.Keep.
//
// If the handler is nil, this is a no-op.
func (h *Handler) Save() error {
	if h == nil {
		return nil
	}
	data := serializedData{GlobalStep: optimizers.GetGlobalStep(h.ctx)}
	if h.config.includeParams {
		h.ctx.EnumerateParams(func(scope, key string, value any) {
			data.Params = append(data.Params, serializedParam{
				Scope: scope, Key: key, Value: value, ValueType: fmt.Sprintf("%T", value)})
		})
	}
	h.ctx.EnumerateVariables(func(v *context.Variable) {
		data.Variables = append(data.Variables, serializedVar{
			Scope:      v.Scope(),
			Name:       v.Name(),
			Dimensions: v.Shape().Dimensions,
			Transform:  v.Transform().Name(),
			Trainable:  v.Trainable,
			Raw:        v.Raw(),
		})
	})
	for _, v := range h.pending {
		data.Variables = append(data.Variables, v)
	}

	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, time.Now().Format("20060102-150405"))
	if data.GlobalStep > 0 {
		baseName = fmt.Sprintf("%s-step-%08d", baseName, data.GlobalStep)
	} else {
		baseName += "-initial"
	}
	h.checkpointsCount++
	fileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint file", h)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err = enc.Encode(&data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "%s: failed to write checkpoint file %s", h, fileName)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint file %s", h, fileName)
	}
	return h.keepNCheckpoints()
}

// OnStepFn implements train.OnStepFn, to attach Save to a training loop.
func (h *Handler) OnStepFn(_ *train.Loop, _ []float64) error {
	return h.Save()
}

func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) <= h.config.keep {
		return nil
	}
	for _, baseName := range list[:len(list)-h.config.keep] {
		fileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
		if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
		}
	}
	return nil
}
