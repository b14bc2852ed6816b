package deploy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/eugenetaranov/rig/internal/connector"
)

// varPattern matches {{ variable }} syntax.
var varPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// interpolate replaces {{ var }} patterns in s with values from vars.
// Undefined variables without a default filter are an error.
func interpolate(s string, vars map[string]any) (string, error) {
	var firstErr error
	result := varPattern.ReplaceAllStringFunc(s, func(match string) string {
		expr := varPattern.FindStringSubmatch(match)[1]
		val, err := resolve(expr, vars)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return fmt.Sprintf("%v", val)
	})
	return result, firstErr
}

// resolve evaluates "name" or "name | filter(arg)".
func resolve(expr string, vars map[string]any) (any, error) {
	name, filter, hasFilter := strings.Cut(expr, "|")
	name = strings.TrimSpace(name)
	val, found := lookup(name, vars)

	if hasFilter {
		return applyFilter(val, found, strings.TrimSpace(filter))
	}
	if !found {
		return nil, fmt.Errorf("undefined variable %s", name)
	}
	return val, nil
}

// lookup finds a variable by name or dotted path.
func lookup(name string, vars map[string]any) (any, bool) {
	if val, ok := vars[name]; ok {
		return val, true
	}

	var current any = vars
	for _, part := range strings.Split(name, ".") {
		switch c := current.(type) {
		case map[string]any:
			v, ok := c[part]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := c[part]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}

func applyFilter(val any, found bool, filter string) (any, error) {
	name, arg := filter, ""
	if idx := strings.Index(filter, "("); idx > 0 {
		name = strings.TrimSpace(filter[:idx])
		argPart := filter[idx+1:]
		if end := strings.LastIndex(argPart, ")"); end >= 0 {
			arg = strings.Trim(strings.TrimSpace(argPart[:end]), `'"`)
		}
	}

	if name == "default" {
		if !found || val == nil || val == "" {
			return arg, nil
		}
		return val, nil
	}
	if !found {
		return nil, fmt.Errorf("undefined variable in filter %s", name)
	}

	switch name {
	case "lower":
		return strings.ToLower(fmt.Sprintf("%v", val)), nil
	case "upper":
		return strings.ToUpper(fmt.Sprintf("%v", val)), nil
	case "trim":
		return strings.TrimSpace(fmt.Sprintf("%v", val)), nil
	case "quote":
		return connector.Quote(fmt.Sprintf("%v", val)), nil
	case "join":
		slice, ok := val.([]any)
		if !ok {
			return val, nil
		}
		sep := arg
		if sep == "" {
			sep = ","
		}
		parts := make([]string, 0, len(slice))
		for _, item := range slice {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		return strings.Join(parts, sep), nil
	default:
		return nil, fmt.Errorf("unknown filter: %s", name)
	}
}

// templated interpolates every command with the host's vars before handing
// it to the wrapped runner.
type templated struct {
	connector.Runner
	vars map[string]any
}

func (t *templated) Call(ctx context.Context, cmd string, opts ...connector.CallOption) (string, error) {
	expanded, err := interpolate(cmd, t.vars)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	return t.Runner.Call(ctx, expanded, opts...)
}
