// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sandbox loads allele source into an executable unit via an
// embedded Starlark interpreter (go.starlark.net). Starlark's own language
// design already forbids unbounded recursion and ambient I/O; this package
// adds the remaining pieces of the loader contract: a fixed
// module allowlist (denying anything else with SandboxImportDenied), a
// single `execute(input) -> output` entry point, and a wall-clock deadline
// enforced by cancelling the interpreter thread from a watchdog goroutine.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/sgrun/sgrun/internal/sgerr"
)

// DefaultTimeout is the wall-clock deadline applied when a locus does not
// override it.
const DefaultTimeout = 30 * time.Second

// entryPoint is the single function name every allele must define.
const entryPoint = "execute"

// allowedModules is the fixed whitelist available to load()-statements in
// allele source. Regex, hashing, and richer containers have no standard
// Starlark module in go.starlark.net, so the capability object is expected
// to expose any hashing the gene needs rather than importing it directly.
var allowedModules = map[string]starlark.StringDict{
	"json": {"json": starlarkjson.Module},
	"math": {"math": starlarkmath.Module},
	"time": {"time": starlarktime.Module},
}

// predeclaredNames lists the names injected into every allele's global
// scope before the locus's own top-level statements run.
var predeclaredNames = []string{"gene_sdk"}

func isPredeclared(name string) bool {
	for _, n := range predeclaredNames {
		if n == name {
			return true
		}
	}
	return false
}

// Engine compiles and caches allele programs by digest.
type Engine struct {
	mu    sync.Mutex
	cache map[string]*starlark.Program
}

// New returns a ready-to-use loader.
func New() *Engine {
	return &Engine{cache: make(map[string]*starlark.Program)}
}

// Loaded is a compiled allele, ready to be invoked repeatedly with
// different capability objects and inputs.
type Loaded struct {
	digest string
	locus  string
	prog   *starlark.Program
	engine *Engine
}

// Load compiles source (if not already cached under digest) and returns a
// handle that can be invoked many times.
func (e *Engine) Load(digest, locus, source string) (*Loaded, error) {
	e.mu.Lock()
	prog, ok := e.cache[digest]
	e.mu.Unlock()
	if ok {
		return &Loaded{digest: digest, locus: locus, prog: prog, engine: e}, nil
	}

	file, compiled, err := starlark.SourceProgram(locus+".star", source, isPredeclared)
	if err != nil {
		return nil, sgerr.New(sgerr.SandboxRuntimeFault, fmt.Errorf("compile: %w", err)).WithLocus(locus).WithDigest(digest)
	}

	hasEntry := false
	if mod, ok := file.Module.(*resolve.Module); ok {
		for _, global := range mod.Globals {
			if global.First != nil && global.First.Name == entryPoint {
				hasEntry = true
				break
			}
		}
	}
	if !hasEntry {
		return nil, sgerr.New(sgerr.SandboxRuntimeFault, fmt.Errorf("allele does not define %s", entryPoint)).WithLocus(locus).WithDigest(digest)
	}

	e.mu.Lock()
	e.cache[digest] = compiled
	e.mu.Unlock()
	return &Loaded{digest: digest, locus: locus, prog: compiled, engine: e}, nil
}

func (e *Engine) loadModule(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	dict, ok := allowedModules[module]
	if !ok {
		return nil, sgerr.New(sgerr.SandboxImportDenied, fmt.Errorf("module %q is not permitted", module))
	}
	return dict, nil
}

// Invoke runs execute(input) against capability, enforcing timeout (or
// DefaultTimeout if zero). capability is injected as the gene_sdk global;
// callers typically pass a value built by internal/safety so mutating
// calls are recorded for rollback.
func (l *Loaded) Invoke(ctx context.Context, capability starlark.Value, input string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	thread := &starlark.Thread{Name: l.locus, Load: l.engine.loadModule}
	predeclared := starlark.StringDict{"gene_sdk": capability}

	globals, err := l.prog.Init(thread, predeclared)
	if err != nil {
		return "", classify(err, l.locus, l.digest)
	}
	fn, ok := globals[entryPoint]
	if !ok {
		return "", sgerr.New(sgerr.SandboxRuntimeFault, fmt.Errorf("allele does not define %s", entryPoint)).WithLocus(l.locus).WithDigest(l.digest)
	}
	callable, ok := fn.(starlark.Callable)
	if !ok {
		return "", sgerr.New(sgerr.SandboxRuntimeFault, fmt.Errorf("%s is not callable", entryPoint)).WithLocus(l.locus).WithDigest(l.digest)
	}

	type callResult struct {
		val starlark.Value
		err error
	}
	done := make(chan callResult, 1)
	timer := time.AfterFunc(timeout, func() { thread.Cancel("sandbox: execution timeout") })
	defer timer.Stop()

	go func() {
		v, callErr := starlark.Call(thread, callable, starlark.Tuple{starlark.String(input)}, nil)
		done <- callResult{val: v, err: callErr}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", classify(res.err, l.locus, l.digest)
		}
		out, ok := res.val.(starlark.String)
		if !ok {
			return "", sgerr.New(sgerr.SandboxRuntimeFault, fmt.Errorf("execute returned %s, expected string", res.val.Type())).WithLocus(l.locus).WithDigest(l.digest)
		}
		return string(out), nil
	case <-ctx.Done():
		thread.Cancel("sandbox: context cancelled")
		<-done // wait for the goroutine to observe the cancellation and exit
		return "", sgerr.New(sgerr.SandboxTimeout, ctx.Err()).WithLocus(l.locus).WithDigest(l.digest)
	}
}

// classify maps a Starlark evaluation error onto the runtime's closed error
// kind set. Import denials already carry their kind (sgerr.Error) from
// loadModule and are returned unchanged via errors.As.
func classify(err error, locus, digest string) error {
	var sg *sgerr.Error
	if errors.As(err, &sg) {
		return sg
	}
	msg := err.Error()
	if strings.Contains(msg, "cancelled") {
		return sgerr.New(sgerr.SandboxTimeout, err).WithLocus(locus).WithDigest(digest)
	}
	if strings.Contains(msg, "undefined:") || strings.Contains(msg, "not permitted") {
		return sgerr.New(sgerr.SandboxBuiltinDenied, err).WithLocus(locus).WithDigest(digest)
	}
	return sgerr.New(sgerr.SandboxRuntimeFault, err).WithLocus(locus).WithDigest(digest)
}
