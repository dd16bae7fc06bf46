package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/jdecid/FaceGen/ml/data"
	"github.com/pkg/errors"
)

// ParseContextSettings parses the hyperparameter overrides in settings, typically the value of the
// flag created by CreateContextSettingsFlag, and sets them in ctx.
//
// The settings are a list separated by ";", e.g.: "batch_size=32;gan_beta1=0.4". An entry
// "file:<path>" reads more settings from a file, one or more per line, with "#" starting a comment line.
//
// Every parameter must already have a default value in the root scope of ctx: the default value also
// defines the type the string is parsed to. A parameter can be set in a scope with an absolute path,
// e.g. "/generator/batch_size=16". Integers may use "_" as a separator: 1_000_000.
//
// It returns the paths of the parameters set, in order.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
		if err != nil {
			return nil, err
		}
	}
	return paramsSet, nil
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, ok := strings.CutPrefix(setting, "file:"); ok {
		return parseSettingsFile(ctx, data.ReplaceTildeInDir(filePath), paramsSet)
	}

	paramPath, valueStr, ok := strings.Cut(setting, "=")
	if !ok || strings.Contains(valueStr, "=") {
		return paramsSet, errors.Errorf("can't parse setting %q: the format is \"<param>=<value>\"", setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return paramsSet, errors.Errorf("can't set parameter %q: its scope must be absolute (start with %q)",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		return paramsSet, errors.Errorf("can't set parameter %q: %q is not a known hyperparameter", paramPath, paramName)
	}
	value, err := parseValue(defaultValue, valueStr)
	if err != nil {
		return paramsSet, errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

func parseSettingsFile(ctx *context.Context, filePath string, paramsSet []string) ([]string, error) {
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
			paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
			if err != nil {
				return paramsSet, errors.WithMessagef(err, "in settings file %q", filePath)
			}
		}
	}
	return paramsSet, nil
}

// parseValue parses valueStr to the type of defaultValue.
func parseValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return unmarshalNumber[int](valueStr)
	case int32:
		return unmarshalNumber[int32](valueStr)
	case int64:
		return unmarshalNumber[int64](valueStr)
	case uint64:
		return unmarshalNumber[uint64](valueStr)
	case float64:
		return unmarshalNumber[float64](valueStr)
	case float32:
		return unmarshalNumber[float32](valueStr)
	case bool:
		var v bool
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, errors.WithStack(err)
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	case []int:
		return unmarshalList[int](valueStr)
	case []float64:
		return unmarshalList[float64](valueStr)
	}
	return nil, errors.Errorf("parameters of type %T can't be set from the command line", defaultValue)
}

func unmarshalNumber[T int | int32 | int64 | uint64 | float32 | float64](valueStr string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v); err != nil {
		return v, errors.WithStack(err)
	}
	return v, nil
}

func unmarshalList[T int | float64](valueStr string) ([]T, error) {
	parts := strings.Split(valueStr, ",")
	values := make([]T, 0, len(parts))
	for _, part := range parts {
		v, err := unmarshalNumber[T](strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// CreateContextSettingsFlag creates a string flag named flagName ("set" if empty), whose usage lists the
// hyperparameters defined in the root scope of ctx with their default values.
//
// Create it before calling flag.Parse, and parse its value with ParseContextSettings:
//
//	ctx := config.CreateDefaultContext()
//	settings := commandline.CreateContextSettingsFlag(ctx, "")
//	flag.Parse()
//	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
//	fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{fmt.Sprintf(
		`Set hyperparameters, as a list of "param=value" separated by ";". `+
			`Scoped settings use %q to separate scopes. `+
			`An entry "file:<path>" reads settings from a file, one or more per line, "#" starts a comment. `+
			`Available parameters:`,
		context.ScopeSeparator)}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintContextSettings pretty-prints all hyperparameters into a string.
func SprintContextSettings(ctx *context.Context) string {
	var rows [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			scope = ""
		}
		rows = append(rows, []string{scope + context.ScopeSeparator + key, fmt.Sprintf("%v", value)})
	})
	return twoColumnTable("Hyperparameter", "Value", rows)
}

// SprintModifiedContextSettings pretty-prints the values of the parameters in paramsSet, as returned
// by ParseContextSettings. It returns an empty string if none were set.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	paramsSet = slices.Compact(slices.Sorted(slices.Values(paramsSet)))
	var rows [][]string
	for _, paramPath := range paramsSet {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		value, found := ctx.InAbsPath(paramScope).GetParam(paramName)
		if !found {
			continue
		}
		rows = append(rows, []string{paramPath, fmt.Sprintf("%v", value)})
	}
	if len(rows) == 0 {
		return ""
	}
	return twoColumnTable("Hyperparameter", "Value", rows)
}

func twoColumnTable(keyHeader, valueHeader string, rows [][]string) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		}).
		Headers(keyHeader, valueHeader).
		Rows(rows...)
	return table.String()
}
