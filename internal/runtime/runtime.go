// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package runtime assembles the core components — registry, phenotype map,
// sandbox, arena, fusion tracker, mutation driver, pathway executor — into
// one handle with an explicit Open/Close lifecycle rooted at a project
// directory. It also owns the ambient concerns no single component should:
// regression-event persistence, tracer provider setup, and snapshots.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/sgrun/sgrun/internal/arena"
	"github.com/sgrun/sgrun/internal/config"
	"github.com/sgrun/sgrun/internal/contract"
	"github.com/sgrun/sgrun/internal/fusion"
	"github.com/sgrun/sgrun/internal/mutation"
	"github.com/sgrun/sgrun/internal/pathway"
	"github.com/sgrun/sgrun/internal/phenotype"
	"github.com/sgrun/sgrun/internal/registry"
	"github.com/sgrun/sgrun/internal/sandbox"
	"github.com/sgrun/sgrun/pkg/logging"
)

// maxRegressionEvents bounds <root>/.sg/regression.json.
const maxRegressionEvents = 100

// Options customizes Open beyond what the config file covers.
type Options struct {
	// Logger overrides the default logger.
	Logger *logging.Logger
	// Engine overrides the engine selected by the config's mutation
	// section. Tests inject stubs here.
	Engine mutation.Engine
	// CapabilityTable supplies the per-locus capability surface genes see
	// as gene_sdk. Nil means every locus gets an empty table.
	CapabilityTable pathway.CapabilityTable
}

// Runtime is one project root's fully wired evolutionary function runtime.
type Runtime struct {
	Root      string
	Config    config.Config
	Log       *logging.Logger
	Registry  *registry.Registry
	Phenotype *phenotype.Map
	Arena     *arena.Arena
	Fusion    *fusion.Tracker
	Sandbox   *sandbox.Engine
	Contracts *contract.Set
	Mutator   *mutation.Driver
	Executor  *pathway.Executor

	regressionPath string
	regressionMu   sync.Mutex

	tp *sdktrace.TracerProvider
}

// RegressionEvent is one entry of <root>/.sg/regression.json.
type RegressionEvent struct {
	Locus     string    `json:"locus"`
	Digest    string    `json:"digest"`
	Severity  string    `json:"severity"` // "mild" | "severe"
	Timestamp time.Time `json:"timestamp"`
}

// hookBridge fans the arena/pathway/fusion callbacks into the mutation
// driver, and records regression events durably on the way through. It
// exists because the fusion tracker needs its hook at Open time, before the
// driver (which needs the tracker) can be constructed.
type hookBridge struct {
	rt *Runtime
}

func (h *hookBridge) OnLocusExhausted(locus string) {
	h.rt.Mutator.OnLocusExhausted(locus)
}

func (h *hookBridge) OnRegression(locus, digest, severity string) {
	h.rt.recordRegression(RegressionEvent{Locus: locus, Digest: digest, Severity: severity, Timestamp: time.Now()})
	h.rt.Mutator.OnRegression(locus, digest, severity)
}

func (h *hookBridge) OnStackExhausted(locus, failingInput string) {
	h.rt.Mutator.OnStackExhausted(locus, failingInput)
}

func (h *hookBridge) OnFuseRequest(pathwayName string, composition []string) {
	h.rt.Mutator.OnFuseRequest(pathwayName, composition)
}

// Open wires a runtime at root, loading (or creating) its config file.
func Open(root string, opts Options) (*Runtime, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logging.New(logging.Config{
			Level:   parseLevel(cfg.Logging.Level),
			LogDir:  cfg.Logging.Dir,
			Service: "sgrun",
			JSON:    cfg.Logging.JSON,
		})
	}

	rt := &Runtime{
		Root:           root,
		Config:         cfg,
		Log:            log,
		Contracts:      contract.NewSet(),
		Sandbox:        sandbox.New(),
		regressionPath: filepath.Join(root, ".sg", "regression.json"),
	}
	bridge := &hookBridge{rt: rt}

	if cfg.Tracing.Enabled {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("runtime: tracer exporter: %w", err)
		}
		rt.tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(rt.tp)
	}

	rt.Registry, err = registry.Open(root, log)
	if err != nil {
		return nil, err
	}
	rt.Phenotype, err = phenotype.Open(root, log)
	if err != nil {
		rt.Registry.Close()
		return nil, err
	}
	rt.Fusion, err = fusion.Open(root, log, bridge, cfg.Fusion.Threshold)
	if err != nil {
		rt.Registry.Close()
		return nil, err
	}

	rt.Arena = arena.New(rt.Registry, rt.Phenotype, log, bridge)
	rt.Arena.ConvergenceWindow = cfg.ConvergenceWindow()
	rt.Arena.ResilienceWindow = cfg.ResilienceWindow()

	engine := opts.Engine
	if engine == nil {
		engine, err = buildEngine(cfg.Mutation, root)
		if err != nil {
			rt.Registry.Close()
			return nil, err
		}
	}
	rt.Mutator = mutation.NewDriver(rt.Registry, rt.Phenotype, rt.Fusion, rt.Sandbox, rt.Contracts, engine, log)

	rt.Executor = pathway.New(rt.Registry, rt.Phenotype, rt.Arena, rt.Fusion, rt.Sandbox, rt.Contracts, opts.CapabilityTable, bridge, log)
	rt.Executor.DefaultTimeout = cfg.SandboxTimeout()

	return rt, nil
}

// Close releases every component that holds resources.
func (r *Runtime) Close() error {
	var first error
	if err := r.Phenotype.Close(); err != nil && first == nil {
		first = err
	}
	if err := r.Registry.Close(); err != nil && first == nil {
		first = err
	}
	if r.tp != nil {
		if err := r.tp.Shutdown(context.Background()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Seed registers source as an allele for locus and installs it in the
// phenotype: dominant if the locus has none yet, otherwise appended to the
// fallback stack. Seeding is how a project bootstraps each locus before
// evolution takes over.
func (r *Runtime) Seed(locus, source string) (string, error) {
	digest, err := r.Registry.Put(source, locus, "", registry.MutationContext{})
	if err != nil {
		return "", err
	}
	if r.Phenotype.Resolve(locus) == "" {
		if err := r.Phenotype.Promote(locus, digest); err != nil {
			return "", err
		}
		if err := r.Registry.SetState(digest, registry.Dominant); err != nil {
			return "", err
		}
		return digest, nil
	}
	if err := r.Phenotype.AddToFallback(locus, digest); err != nil {
		return "", err
	}
	return digest, nil
}

// Run executes a pathway by name.
func (r *Runtime) Run(ctx context.Context, pathwayName, inputJSON string) (*pathway.Result, error) {
	return r.Executor.Run(ctx, pathwayName, inputJSON)
}

// InvokeGene runs a single locus outside any pathway: it resolves the
// allele stack, invokes in order until one succeeds, and scores each
// attempt. Used by the CLI's one-shot invoke command and by callers that
// want a gene without declaring a wrapper pathway.
func (r *Runtime) InvokeGene(ctx context.Context, locus, inputJSON string) (string, error) {
	name := "__invoke_" + locus
	pc := contract.Contract{
		Name: name, Kind: contract.KindPathway,
		Steps:     []contract.StepSpec{{Name: locus, Locus: locus}},
		OnFailure: contract.FailureReportPartial,
	}
	if err := r.Contracts.Add(pc); err != nil {
		return "", err
	}
	res, err := r.Executor.Run(ctx, name, inputJSON)
	if err != nil {
		return "", err
	}
	if !res.Success || len(res.Steps) == 0 {
		return "", fmt.Errorf("runtime: locus %s failed", locus)
	}
	return res.Steps[0].Output, nil
}

// RegressionEvents returns the persisted recent regression events.
func (r *Runtime) RegressionEvents() ([]RegressionEvent, error) {
	r.regressionMu.Lock()
	defer r.regressionMu.Unlock()
	return r.loadRegressionLocked()
}

func (r *Runtime) recordRegression(ev RegressionEvent) {
	r.regressionMu.Lock()
	defer r.regressionMu.Unlock()
	events, err := r.loadRegressionLocked()
	if err != nil {
		r.Log.Warn("regression log unreadable, starting fresh", "error", err)
		events = nil
	}
	events = append(events, ev)
	if len(events) > maxRegressionEvents {
		events = events[len(events)-maxRegressionEvents:]
	}
	b, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return
	}
	tmp := r.regressionPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		r.Log.Warn("regression log write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, r.regressionPath); err != nil {
		r.Log.Warn("regression log rename failed", "error", err)
	}
}

func (r *Runtime) loadRegressionLocked() ([]RegressionEvent, error) {
	b, err := os.ReadFile(r.regressionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var events []RegressionEvent
	if err := json.Unmarshal(b, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func buildEngine(mc config.MutationConfig, root string) (mutation.Engine, error) {
	switch mc.Engine {
	case "", "none":
		return nil, nil
	case "fixture":
		dir := mc.FixturesDir
		if dir == "" {
			dir = filepath.Join(root, "fixtures")
		} else if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		return &mutation.FixtureEngine{Dir: dir}, nil
	case "openai":
		key := os.Getenv(mc.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("runtime: mutation engine openai selected but %s is not set", mc.APIKeyEnv)
		}
		return mutation.NewOpenAIEngine(key, mc.Model), nil
	default:
		return nil, fmt.Errorf("runtime: unknown mutation engine %q", mc.Engine)
	}
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

var (
	_ arena.Hooks   = (*hookBridge)(nil)
	_ pathway.Hooks = (*hookBridge)(nil)
	_ fusion.Hooks  = (*hookBridge)(nil)
)
