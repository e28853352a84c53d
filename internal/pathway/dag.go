// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pathway

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/sgrun/sgrun/internal/contract"
)

// ordinalAliases maps the "stepN" form (1-based position in the pathway's
// declared step order) to each step's real Name, so a `{stepN.field}`
// reference (no space between "step" and N) resolves to the same step a `{name.field}` reference would,
// whichever form a given contract's author used.
func ordinalAliases(steps []contract.StepSpec) map[string]string {
	out := make(map[string]string, len(steps))
	for i, s := range steps {
		out["step"+strconv.Itoa(i+1)] = s.Name
	}
	return out
}

// resolveName maps a reference token (a declared step name or a "stepN"
// ordinal alias) to the step name it denotes, or "" if it denotes neither.
func resolveName(ref string, names map[string]bool, aliases map[string]string) string {
	if names[ref] {
		return ref
	}
	if real, ok := aliases[ref]; ok {
		return real
	}
	return ""
}

// bindingKeys returns every key under which step i's output should be
// stored in the pathway's binding environment: its declared Name and its
// 1-based "stepN" ordinal alias.
func bindingKeys(steps []contract.StepSpec, i int) []string {
	return []string{steps[i].Name, "step" + strconv.Itoa(i+1)}
}

// buildDependencies derives each step's dependency set from its explicit
// Needs plus implicit {name}/{name.field} and {stepN.field} references in
// its Inputs, Guard, and Iterate expressions.
func buildDependencies(steps []contract.StepSpec) map[string][]string {
	names := make(map[string]bool, len(steps))
	for _, s := range steps {
		names[s.Name] = true
	}
	aliases := ordinalAliases(steps)
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		set := map[string]bool{}
		for _, n := range s.Needs {
			set[n] = true
		}
		addRefs := func(expr string) {
			for _, ref := range referencedNames(expr) {
				if dep := resolveName(ref, names, aliases); dep != "" && dep != s.Name {
					set[dep] = true
				}
			}
		}
		for _, expr := range s.Inputs {
			addRefs(expr)
		}
		addRefs(s.Guard)
		addRefs(s.Iterate)
		list := make([]string, 0, len(set))
		for n := range set {
			list = append(list, n)
		}
		sort.Strings(list)
		deps[s.Name] = list
	}
	return deps
}

// reverseDependencies returns, for each step, the steps that depend on it.
func reverseDependencies(deps map[string][]string) map[string][]string {
	rev := make(map[string][]string, len(deps))
	for name, ds := range deps {
		for _, d := range ds {
			rev[d] = append(rev[d], name)
		}
	}
	return rev
}

// buildLayers topologically orders steps into layers via Kahn's algorithm:
// within a layer every step's dependencies are already satisfied by an
// earlier layer, so layer members may run in any order.
func buildLayers(steps []contract.StepSpec) ([][]contract.StepSpec, map[string][]string, error) {
	deps := buildDependencies(steps)
	byName := make(map[string]contract.StepSpec, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}

	remaining := make(map[string]bool, len(steps))
	for _, s := range steps {
		remaining[s.Name] = true
	}

	var layers [][]contract.StepSpec
	for len(remaining) > 0 {
		var ready []string
		for name := range remaining {
			satisfied := true
			for _, d := range deps[name] {
				if remaining[d] {
					satisfied = false
					break
				}
			}
			if satisfied {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			return nil, nil, fmt.Errorf("pathway: dependency cycle detected among steps")
		}
		sort.Strings(ready)
		layer := make([]contract.StepSpec, 0, len(ready))
		for _, n := range ready {
			layer = append(layer, byName[n])
			delete(remaining, n)
		}
		layers = append(layers, layer)
	}
	return layers, deps, nil
}

// descendants returns every step name transitively dependent on start,
// using rev (the reverse-dependency map from reverseDependencies).
func descendants(start string, rev map[string][]string) map[string]bool {
	out := map[string]bool{}
	var walk func(string)
	walk = func(name string) {
		for _, child := range rev[name] {
			if !out[child] {
				out[child] = true
				walk(child)
			}
		}
	}
	walk(start)
	return out
}
