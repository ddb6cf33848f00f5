// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/deepgp/pkg/ml/context"
	"github.com/pkg/errors"
)

// ParseContextSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in the context `ctx`. The default values are also used to set the type to which the
// string values will be parsed to.
//
// It updates `ctx` parameters accordingly and returns the list of parameters set, or an error
// in case a parameter is unknown or the parsing failed.
//
// One can also provide a scope for the parameters: "/layer_1/jitter=1e-5" will work, as long
// as a default "jitter" is defined in the root scope of `ctx`.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// A setting "file:<path>" reads settings from the file, one or more per line, ignoring empty lines
// and lines starting with "#".
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

// replaceTildeInPath replaces a leading "~" by the user home directory.
func replaceTildeInPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "expanding %q", path)
	}
	return filepath.Join(home, path[1:]), nil
}

func parseSettingsFile(ctx *context.Context, filePath string, paramsSet []string) ([]string, error) {
	filePath, err := replaceTildeInPath(filePath)
	if err != nil {
		return paramsSet, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parseContextSetting(ctx, setting, paramsSet)
			if err != nil {
				return paramsSet, errors.WithMessagef(err, "in settings file %q", filePath)
			}
		}
	}
	return paramsSet, nil
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		return parseSettingsFile(ctx, filePath, paramsSet)
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		return paramsSet, errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\"",
			setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return paramsSet, errors.Errorf("can't set parameter %q because some scope is set, but it is not absolute (it does not start with %q)",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.InAbsPath(context.RootScope).GetParam(paramName)
	if !found {
		return paramsSet, errors.Errorf("can't set parameter %q because the param %q is not known in the root context",
			paramPath, paramName)
	}
	value, err := parseValue(defaultValue, valueStr)
	if err != nil {
		return paramsSet, errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	ctxInScope := ctx.InAbsPath(context.RootScope)
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

// parseValue parses valueStr to the type of defaultValue.
func parseValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return parseJSON[int](valueStr, true)
	case int32:
		return parseJSON[int32](valueStr, true)
	case int64:
		return parseJSON[int64](valueStr, true)
	case uint:
		return parseJSON[uint](valueStr, true)
	case uint64:
		return parseJSON[uint64](valueStr, true)
	case float64:
		return parseJSON[float64](valueStr, false)
	case float32:
		return parseJSON[float32](valueStr, false)
	case bool:
		return parseJSON[bool](valueStr, false)
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	case []int:
		return parseList[int](valueStr, true)
	case []float64:
		return parseList[float64](valueStr, false)
	default:
		return nil, errors.Errorf("don't know how to parse type %T", defaultValue)
	}
}

func parseJSON[T any](valueStr string, isInteger bool) (T, error) {
	var value T
	if isInteger {
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	}
	err := json.Unmarshal([]byte(valueStr), &value)
	return value, errors.WithStack(err)
}

func parseList[T any](valueStr string, isInteger bool) ([]T, error) {
	if valueStr == "" {
		return []T{}, nil
	}
	parts := strings.Split(valueStr, ",")
	values := make([]T, len(parts))
	for ii, part := range parts {
		var err error
		values[ii], err = parseJSON[T](strings.TrimSpace(part), isInteger)
		if err != nil {
			return nil, err
		}
	}
	return values, nil
}

// CreateContextSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the current defined parameters in the context `ctx`.
//
// The flag should be created before the call to `flags.Parse()`.
//
// Example usage:
//
//	func main() {
//		ctx := createDefaultContext()
//		settings := commandline.CreateContextSettingsFlag(ctx, "")
//		flag.Parse()
//		paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
//		if err != nil { klog.Fatalf("%+v", err) }
//		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
//		...
//	}
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{fmt.Sprintf(
		`Set context parameters defining the model and its training. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Scoped settings are allowed, by using %q to separated scopes. `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Current available parameters that can be set:`,
		context.ScopeSeparator)}
	var params []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		params = append(params, fmt.Sprintf("%q: default value is %v", key, value))
	})
	slices.Sort(params)
	parts = append(parts, params...)
	return flag.String(flagName, "", strings.Join(parts, "\n"))
}

// SprintContextSettings pretty-print values for the current hyperparameters settings into a string.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			scope = ""
		}
		parts = append(parts, fmt.Sprintf("\t\"%s/%s\": (%T) %v", scope, key, value, value))
	})
	slices.Sort(parts)
	return strings.Join(parts, "\n")
}

// SprintModifiedContextSettings pretty-prints the values of the parameters in paramsSet, as returned
// by ParseContextSettings.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	var parts []string
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	for _, paramPath := range slices.Compact(paramsSet) {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		value, found := ctx.InAbsPath(paramScope).GetParam(paramName)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(parts, "\n")
}
