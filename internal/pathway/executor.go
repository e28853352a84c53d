// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pathway sequences contract-declared steps into multi-step
// operations: it resolves each step's locus through the phenotype map,
// loads and invokes alleles under the safety wrapper, evaluates iteration
// and guard specifiers, falls back across an allele's stack on failure,
// and hands reinforced/failed compositions to the fusion tracker.
package pathway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sgrun/sgrun/internal/arena"
	"github.com/sgrun/sgrun/internal/contract"
	"github.com/sgrun/sgrun/internal/fusion"
	"github.com/sgrun/sgrun/internal/phenotype"
	"github.com/sgrun/sgrun/internal/registry"
	"github.com/sgrun/sgrun/internal/safety"
	"github.com/sgrun/sgrun/internal/sandbox"
	"github.com/sgrun/sgrun/internal/sgerr"
	"github.com/sgrun/sgrun/pkg/logging"
)

var tracer = otel.Tracer("github.com/sgrun/sgrun/internal/pathway")

// Contracts resolves the parsed contract for a locus or pathway name.
// internal/contract.Set satisfies this.
type Contracts interface {
	Locus(name string) (contract.Contract, bool)
	Pathway(name string) (contract.Contract, bool)
}

// CapabilityTable returns the capability registration table a locus's gene
// should be invoked against. Most runtimes return the same table for every
// locus; the indirection exists because a topology's capability surface is
// injected by the surrounding runtime, not the core.
type CapabilityTable func(locus string) safety.Table

// Executor runs pathways against a registry/phenotype/arena/fusion
// quadruple.
type Executor struct {
	reg       *registry.Registry
	phen      *phenotype.Map
	arena     *arena.Arena
	fusion    *fusion.Tracker
	sbx       *sandbox.Engine
	contracts Contracts
	capTable  CapabilityTable
	hooks     Hooks
	log       *logging.Logger

	// Scheduler dispatches a delayed callback; overridable for tests that
	// inject a manual clock — the executor does not own timers. Defaults to
	// a real time.AfterFunc wrapper.
	Scheduler func(delay time.Duration, fn func())

	DefaultTimeout time.Duration
}

// New builds an Executor. hooks may be nil (defaults to NopHooks).
func New(reg *registry.Registry, phen *phenotype.Map, ar *arena.Arena, ft *fusion.Tracker, sbx *sandbox.Engine, contracts Contracts, capTable CapabilityTable, hooks Hooks, log *logging.Logger) *Executor {
	if log == nil {
		log = logging.Default()
	}
	if hooks == nil {
		hooks = NopHooks{}
	}
	if capTable == nil {
		capTable = func(string) safety.Table { return safety.Table{} }
	}
	return &Executor{
		reg:            reg,
		phen:           phen,
		arena:          ar,
		fusion:         ft,
		sbx:            sbx,
		contracts:      contracts,
		capTable:       capTable,
		hooks:          hooks,
		log:            log,
		Scheduler:      func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		DefaultTimeout: sandbox.DefaultTimeout,
	}
}

// execState is the mutable scratchpad threaded through one pathway run.
type execState struct {
	mu       sync.Mutex
	bindings map[string]any
	results  map[string]*StepResult
	order    []string

	compMu      sync.Mutex
	composition []string

	txnMu   sync.Mutex
	pending []*safety.Transaction

	failMu     sync.Mutex
	failed     bool
	exhausted  string
	skip       map[string]bool
}

func newExecState(input map[string]any) *execState {
	return &execState{
		bindings: map[string]any{"input": input},
		results:  map[string]*StepResult{},
		skip:     map[string]bool{},
	}
}

func (st *execState) snapshotBindings() map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	return snapshotBindings(st.bindings)
}

func (st *execState) bind(key string, value any) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.bindings[key] = value
}

func (st *execState) recordResult(r StepResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.results[r.Name] = &r
	st.order = append(st.order, r.Name)
}

func (st *execState) appendComposition(digests ...string) {
	st.compMu.Lock()
	defer st.compMu.Unlock()
	st.composition = append(st.composition, digests...)
}

func (st *execState) addPendingTxn(t *safety.Transaction) {
	if t == nil {
		return
	}
	st.txnMu.Lock()
	defer st.txnMu.Unlock()
	st.pending = append(st.pending, t)
}

func (st *execState) markFailed(locus string) {
	st.failMu.Lock()
	defer st.failMu.Unlock()
	if !st.failed {
		st.failed = true
		st.exhausted = locus
	}
}

func (st *execState) isFailed() bool {
	st.failMu.Lock()
	defer st.failMu.Unlock()
	return st.failed
}

func (st *execState) markSkipped(names ...string) {
	st.failMu.Lock()
	defer st.failMu.Unlock()
	for _, n := range names {
		st.skip[n] = true
	}
}

func (st *execState) isSkipped(name string) bool {
	st.failMu.Lock()
	defer st.failMu.Unlock()
	return st.skip[name]
}

// orderedResults returns recorded step results in execution order.
func (st *execState) orderedResults() []StepResult {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]StepResult, 0, len(st.order))
	for _, n := range st.order {
		out = append(out, *st.results[n])
	}
	return out
}

// Run executes pathway name against inputJSON: fused allele first if one
// is installed, otherwise the step DAG with per-step allele fallback.
func (e *Executor) Run(ctx context.Context, name, inputJSON string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "pathway.Run", trace.WithAttributes(attribute.String("pathway", name)))
	defer span.End()

	pc, ok := e.contracts.Pathway(name)
	if !ok {
		return nil, fmt.Errorf("pathway: unknown pathway %q", name)
	}

	var inputMap map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &inputMap); err != nil {
		return nil, sgerr.New(sgerr.BindingError, fmt.Errorf("pathway input must be a JSON object: %w", err))
	}

	if res, handled, err := e.tryFused(ctx, name, pc, inputJSON); handled {
		return res, err
	}

	return e.runStepwise(ctx, name, pc, inputJSON, inputMap)
}

// tryFused attempts step 1 of the resolution algorithm: invoking the
// pathway's fused allele, if one is installed and live. handled is false
// when there is no usable fused allele or the fused invocation failed,
// signalling the caller to fall through to stepwise execution; a fused
// allele that is unknown, deprecated or failing is decomposed first.
func (e *Executor) tryFused(ctx context.Context, name string, pc contract.Contract, inputJSON string) (*Result, bool, error) {
	fs := e.fusion.State(name)
	if fs.FusedAllele == "" {
		return nil, false, nil
	}
	al, err := e.reg.Get(fs.FusedAllele)
	if err != nil || al.State == registry.Deprecated {
		_ = e.fusion.Decompose(name)
		return nil, false, nil
	}

	timeout := e.DefaultTimeout
	outcome := e.invokeAllele(ctx, name, pc.Risk, pc.Gives, al.Digest, al.Source, inputJSON, timeout, true)
	if outcome.txn != nil {
		if outcome.ok {
			outcome.txn.Commit()
		} else {
			outcome.txn.Rollback()
		}
	}

	if !outcome.ok {
		_ = e.fusion.Decompose(name)
		return nil, false, nil
	}

	if err := e.fusion.Observe(name, fs.Composition, registry.Ok); err != nil {
		e.log.Warn("pathway: fusion observe failed", "pathway", name, "error", err)
	}
	return &Result{
		PathwayName: name,
		Success:     true,
		FusedAllele: al.Digest,
		Composition: append([]string(nil), fs.Composition...),
		Steps: []StepResult{{
			Name:    "fused",
			Digest:  al.Digest,
			Outcome: StepOK,
			Output:  outcome.output,
		}},
	}, true, nil
}

// runStepwise implements steps 2-3 of the resolution algorithm: build the
// step DAG, execute it layer by layer, and apply the pathway's failure
// policy on exhaustion.
func (e *Executor) runStepwise(ctx context.Context, name string, pc contract.Contract, inputJSON string, inputMap map[string]any) (*Result, error) {
	layers, deps, err := buildLayers(pc.Steps)
	if err != nil {
		return nil, sgerr.New(sgerr.BindingError, err)
	}
	rev := reverseDependencies(deps)

	st := newExecState(inputMap)
	for _, layer := range layers {
		if err := e.runLayer(ctx, layer, pc, st); err != nil {
			return nil, err
		}
		if st.isFailed() {
			if pc.OnFailure == contract.FailureRollbackAll {
				break
			}
			// report_partial: skip every descendant of the failed step(s)
			// recorded so far and keep executing independent branches.
			for _, sr := range st.orderedResults() {
				if sr.Outcome == StepFailed {
					for d := range descendants(sr.Name, rev) {
						st.markSkipped(d)
					}
				}
			}
		}
	}

	success := !st.isFailed()
	result := &Result{
		PathwayName: name,
		Success:     success,
		Composition: append([]string(nil), st.composition...),
		Steps:       st.orderedResults(),
	}

	if !success {
		if pc.OnFailure == contract.FailureRollbackAll {
			e.rollbackAll(st)
		} else {
			// report_partial: steps that committed already keep their effect.
			e.commitAll(st)
		}
		if err := e.fusion.Observe(name, result.Composition, registry.Fail); err != nil {
			e.log.Warn("pathway: fusion observe failed", "pathway", name, "error", err)
		}
		if st.exhausted != "" {
			e.hooks.OnStackExhausted(st.exhausted, inputJSON)
		}
		return result, nil
	}

	e.commitAll(st)
	if err := e.fusion.Observe(name, result.Composition, registry.Ok); err != nil {
		e.log.Warn("pathway: fusion observe failed", "pathway", name, "error", err)
	}
	e.scheduleVerification(name, pc, result, inputJSON)
	return result, nil
}

func (e *Executor) rollbackAll(st *execState) {
	st.txnMu.Lock()
	defer st.txnMu.Unlock()
	for i := len(st.pending) - 1; i >= 0; i-- {
		if failures := st.pending[i].Rollback(); len(failures) > 0 {
			e.log.Warn("pathway: rollback-all left residual state", "failures", failures)
		}
	}
	st.pending = nil
}

func (e *Executor) commitAll(st *execState) {
	st.txnMu.Lock()
	defer st.txnMu.Unlock()
	for _, t := range st.pending {
		t.Commit()
	}
	st.pending = nil
}

// runLayer executes one topological layer. Configuration-family steps run
// sequentially, in name order, so their side effects keep a deterministic
// total order; everything else in the layer (any step whose locus has no
// configuration-family contract) fans out concurrently via errgroup.
func (e *Executor) runLayer(ctx context.Context, layer []contract.StepSpec, pc contract.Contract, st *execState) error {
	var configSteps, otherSteps []contract.StepSpec
	for _, s := range layer {
		if st.isSkipped(s.Name) {
			st.recordResult(StepResult{Name: s.Name, Locus: s.Locus, Outcome: StepSkipped})
			continue
		}
		if loc, ok := e.contracts.Locus(s.Locus); ok && loc.Family == contract.FamilyConfiguration {
			configSteps = append(configSteps, s)
		} else {
			otherSteps = append(otherSteps, s)
		}
	}
	sort.Slice(configSteps, func(i, j int) bool { return configSteps[i].Name < configSteps[j].Name })

	for _, s := range configSteps {
		if st.isFailed() && pc.OnFailure == contract.FailureRollbackAll {
			st.recordResult(StepResult{Name: s.Name, Locus: s.Locus, Outcome: StepSkipped})
			continue
		}
		if err := e.runStep(ctx, s, pc, st); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range otherSteps {
		s := s
		if st.isFailed() && pc.OnFailure == contract.FailureRollbackAll {
			st.recordResult(StepResult{Name: s.Name, Locus: s.Locus, Outcome: StepSkipped})
			continue
		}
		g.Go(func() error { return e.runStep(gctx, s, pc, st) })
	}
	return g.Wait()
}

// runStep evaluates one step's guard and iteration specifier, resolves its
// locus (or recurses into a sub-pathway), and records the outcome. A
// non-nil error here is always fatal (BindingError); invocation failures
// are recorded on st instead of returned.
func (e *Executor) runStep(ctx context.Context, s contract.StepSpec, pc contract.Contract, st *execState) error {
	bindings := st.snapshotBindings()

	ok, err := evalGuard(s.Guard, bindings)
	if err != nil {
		return err
	}
	if !ok {
		st.recordResult(StepResult{Name: s.Name, Locus: s.Locus, Outcome: StepSkipped})
		return nil
	}

	if s.Iterate != "" {
		return e.runIterated(ctx, s, pc, st, bindings)
	}

	var input map[string]any
	if len(s.Inputs) == 0 {
		// No binding map declared: the step receives the pathway input as-is.
		input, _ = bindings["input"].(map[string]any)
	} else {
		input, err = buildInput(s.Inputs, bindings)
		if err != nil {
			return err
		}
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("pathway: marshal step %q input: %w", s.Name, err)
	}

	output, digest, obsID, ok2 := e.dispatchStep(ctx, s, pc, string(inputJSON), st)
	e.finishStep(st, s, output, digest, obsID, ok2)
	if ok2 {
		for _, k := range bindingKeysForName(pc.Steps, s.Name) {
			st.bind(k, decodeOutput(output))
		}
	}
	return nil
}

func (e *Executor) runIterated(ctx context.Context, s contract.StepSpec, pc contract.Contract, st *execState, bindings map[string]any) error {
	seq, err := resolveRef(s.Iterate, bindings)
	if err != nil {
		return err
	}
	elems, ok := seq.([]any)
	if !ok {
		return sgerr.New(sgerr.BindingError, fmt.Errorf("pathway: step %q iterate expression is not a sequence", s.Name))
	}

	outputs := make([]any, 0, len(elems))
	for _, elem := range elems {
		local := snapshotBindings(bindings)
		if s.IterateAs != "" {
			local[s.IterateAs] = elem
		}
		input, err := buildInput(s.Inputs, local)
		if err != nil {
			return err
		}
		inputJSON, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("pathway: marshal step %q iteration input: %w", s.Name, err)
		}
		output, digest, _, ok := e.dispatchStep(ctx, s, pc, string(inputJSON), st)
		if !ok {
			e.finishStep(st, s, "", digest, "", false)
			return nil
		}
		st.appendComposition(digest)
		outputs = append(outputs, decodeOutput(output))
	}
	st.recordResult(StepResult{Name: s.Name, Locus: s.Locus, Outcome: StepOK})
	for _, k := range bindingKeysForName(pc.Steps, s.Name) {
		st.bind(k, map[string]any{"value": outputs})
	}
	return nil
}

// dispatchStep invokes s (recursing for a sub-pathway, resolving the
// allele fallback stack for a gene) and returns its raw output, the digest
// used (empty for a sub-pathway), the arena observation ID (empty for a
// sub-pathway), and whether it succeeded.
func (e *Executor) dispatchStep(ctx context.Context, s contract.StepSpec, pc contract.Contract, inputJSON string, st *execState) (string, string, string, bool) {
	if s.SubPathway != "" {
		res, err := e.Run(ctx, s.SubPathway, inputJSON)
		if err != nil || res == nil || !res.Success {
			return "", "", "", false
		}
		st.appendComposition(res.Composition...)
		out, _ := json.Marshal(res)
		return string(out), "", "", true
	}

	loc, _ := e.contracts.Locus(s.Locus)
	stack := e.phen.ResolveWithStack(s.Locus)
	for _, digest := range stack {
		al, err := e.reg.Get(digest)
		if err != nil {
			continue // digest unreferenced (missing source file); skip it
		}
		deferCommit := pc.OnFailure == contract.FailureRollbackAll
		outcome := e.invokeAllele(ctx, s.Locus, loc.Risk, loc.Gives, al.Digest, al.Source, inputJSON, e.DefaultTimeout, deferCommit)
		if outcome.txn != nil {
			st.addPendingTxn(outcome.txn)
		}
		if outcome.ok {
			return outcome.output, al.Digest, outcome.obsID, true
		}
	}
	st.markFailed(s.Locus)
	return "", "", "", false
}

func (e *Executor) finishStep(st *execState, s contract.StepSpec, output, digest, obsID string, ok bool) {
	if !ok {
		st.recordResult(StepResult{Name: s.Name, Locus: s.Locus, Outcome: StepFailed})
		return
	}
	if digest != "" {
		st.appendComposition(digest)
	}
	st.recordResult(StepResult{Name: s.Name, Locus: s.Locus, Digest: digest, ObservationID: obsID, Outcome: StepOK, Output: output})
}

// bindingKeysForName finds name's position in steps and returns its binding
// aliases (its declared name plus the "stepN" ordinal form).
func bindingKeysForName(steps []contract.StepSpec, name string) []string {
	for i, s := range steps {
		if s.Name == name {
			return bindingKeys(steps, i)
		}
	}
	return []string{name}
}

func decodeOutput(output string) any {
	var v any
	if err := json.Unmarshal([]byte(output), &v); err == nil {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return map[string]any{"value": output}
}

// invokeOutcome is one allele invocation's result.
type invokeOutcome struct {
	output string
	ok     bool
	txn    *safety.Transaction
	obsID  string
}

// invokeAllele loads digest, wraps it per risk's transaction policy, runs
// it, validates its output against gives, and records the observation with
// the arena. deferCommit, when true, leaves a successful transaction
// uncommitted for the caller to finalize later (used by rollback-all
// pathways so a later step's failure can still undo an earlier step).
func (e *Executor) invokeAllele(ctx context.Context, locus string, risk contract.Risk, gives []contract.Field, digest, source, inputJSON string, timeout time.Duration, deferCommit bool) invokeOutcome {
	loaded, err := e.sbx.Load(digest, locus, source)
	if err != nil {
		obsID := e.recordObservation(ctx, locus, digest, inputJSON, registry.Fail)
		return invokeOutcome{obsID: obsID}
	}

	var txn *safety.Transaction
	if safety.RequiresTransaction(risk) {
		txn = safety.NewTransaction(locus)
	}
	capVal := safety.NewCapability(e.capTable(locus), txn)

	out, invokeErr := loaded.Invoke(ctx, capVal, inputJSON, timeout)
	ok := invokeErr == nil
	if ok {
		if verr := contract.ValidatePayload(gives, []byte(out)); verr != nil {
			ok = false
		}
	}

	if txn != nil {
		if !ok {
			txn.Rollback()
			txn = nil
		} else if !deferCommit {
			txn.Commit()
			txn = nil
		}
	}

	immediate := registry.Fail
	if ok {
		immediate = registry.Ok
	}
	obsID := e.recordObservation(ctx, locus, digest, inputJSON, immediate)

	return invokeOutcome{output: out, ok: ok, txn: txn, obsID: obsID}
}

func (e *Executor) recordObservation(ctx context.Context, locus, digest, inputJSON string, result registry.Result) string {
	if e.arena == nil {
		return ""
	}
	obsID, err := e.arena.Record(ctx, locus, digest, registry.Digest(inputJSON), result)
	if err != nil {
		e.log.Warn("pathway: arena record failed", "locus", locus, "error", err)
	}
	return obsID
}

// scheduleVerification dispatches the pathway's declared verify calls
// after Within elapses (or immediately, if zero), invoking each diagnostic
// locus's dominant allele and feeding the result back into the arena (see
// runVerification) for the steps whose loci the diagnostic's contract
// lists in its feeds. The executor does not own timers; Scheduler is the seam a
// surrounding runtime overrides to drive this from its own clock.
func (e *Executor) scheduleVerification(pathwayName string, pc contract.Contract, result *Result, inputJSON string) {
	if len(pc.Verify) == 0 {
		return
	}
	for _, v := range pc.Verify {
		v := v
		e.Scheduler(v.Within, func() {
			e.runVerification(pathwayName, v, result, inputJSON)
		})
	}
}

// runVerification invokes the diagnostic locus v.Locus and feeds its
// verdict back into the arena as a convergence or resilience resolution
// for every prior step whose locus the diagnostic's own contract declares
// a `feeds` relationship to.
func (e *Executor) runVerification(pathwayName string, v contract.VerifyCall, result *Result, inputJSON string) {
	ctx := context.Background()
	digest := e.phen.Resolve(v.Locus)
	if digest == "" {
		return
	}
	al, err := e.reg.Get(digest)
	if err != nil {
		return
	}
	loaded, err := e.sbx.Load(al.Digest, v.Locus, al.Source)
	if err != nil {
		return
	}
	capVal := safety.NewCapability(e.capTable(v.Locus), nil)
	out, invokeErr := loaded.Invoke(ctx, capVal, inputJSON, e.DefaultTimeout)
	healthy := invokeErr == nil && diagnosticHealthy(out)

	diagContract, _ := e.contracts.Locus(v.Locus)
	for _, feed := range diagContract.Feeds {
		for _, sr := range result.Steps {
			if sr.Locus != feed.Locus || sr.ObservationID == "" {
				continue
			}
			var recErr error
			switch feed.Timescale {
			case "resilience":
				recErr = e.arena.RecordResilience(ctx, sr.Locus, sr.Digest, sr.ObservationID, healthy)
			default:
				recErr = e.arena.RecordConvergence(ctx, sr.Locus, sr.Digest, sr.ObservationID, healthy)
			}
			if recErr != nil {
				e.log.Warn("pathway: verification feed failed", "locus", sr.Locus, "error", recErr)
			}
		}
	}
}

// diagnosticHealthy applies the narrow convention every fixture/engine in
// this runtime follows: a diagnostic's output reports "healthy" or
// "success" as a JSON boolean field, defaulting to true when neither is
// present (an opaque but well-formed diagnostic output with no explicit
// verdict is treated as passing).
func diagnosticHealthy(output string) bool {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(output), &decoded); err != nil {
		return false
	}
	if v, ok := decoded["healthy"].(bool); ok {
		return v
	}
	if v, ok := decoded["success"].(bool); ok {
		return v
	}
	return true
}
