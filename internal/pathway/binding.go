// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pathway

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sgrun/sgrun/internal/sgerr"
)

// refPattern matches the tiny binding DSL's reference form: {name} or
// {name.field}. No other expression form is permitted.
var refPattern = regexp.MustCompile(`^\{([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)\}$`)

var refNamePattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*\}`)

// resolveRef evaluates expr against bindings. A bare {name} or
// {name.field...} reference walks bindings as nested maps; anything else is
// taken as a literal value.
func resolveRef(expr string, bindings map[string]any) (any, error) {
	m := refPattern.FindStringSubmatch(expr)
	if m == nil {
		return expr, nil
	}
	parts := strings.Split(m[1], ".")
	var cur any = bindings
	for i, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, sgerr.New(sgerr.BindingError, fmt.Errorf("pathway: %q is not addressable at %q", expr, strings.Join(parts[:i], ".")))
		}
		v, ok := asMap[p]
		if !ok {
			return nil, sgerr.New(sgerr.BindingError, fmt.Errorf("pathway: unknown reference %q", expr))
		}
		cur = v
	}
	return cur, nil
}

// referencedNames returns every step/input name referenced by expr's {...}
// forms, used to infer implicit DAG dependencies.
func referencedNames(expr string) []string {
	var out []string
	for _, m := range refNamePattern.FindAllStringSubmatch(expr, -1) {
		out = append(out, m[1])
	}
	return out
}

// evalGuard evaluates a "<ref> = <literal>" guard expression. An empty
// guard always passes.
func evalGuard(guard string, bindings map[string]any) (bool, error) {
	if strings.TrimSpace(guard) == "" {
		return true, nil
	}
	parts := strings.SplitN(guard, "=", 2)
	if len(parts) != 2 {
		return false, sgerr.New(sgerr.BindingError, fmt.Errorf("pathway: malformed guard %q", guard))
	}
	lhs, err := resolveRef(strings.TrimSpace(parts[0]), bindings)
	if err != nil {
		return false, err
	}
	rhsLiteral := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
	return fmt.Sprintf("%v", lhs) == rhsLiteral, nil
}

// buildInput resolves every param's binding expression against bindings.
func buildInput(inputs map[string]string, bindings map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for name, expr := range inputs {
		v, err := resolveRef(expr, bindings)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func snapshotBindings(b map[string]any) map[string]any {
	cp := make(map[string]any, len(b))
	for k, v := range b {
		cp[k] = v
	}
	return cp
}
