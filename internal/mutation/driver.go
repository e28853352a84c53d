// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mutation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sgrun/sgrun/internal/contract"
	"github.com/sgrun/sgrun/internal/fusion"
	"github.com/sgrun/sgrun/internal/phenotype"
	"github.com/sgrun/sgrun/internal/registry"
	"github.com/sgrun/sgrun/internal/safety"
	"github.com/sgrun/sgrun/internal/sandbox"
	"github.com/sgrun/sgrun/internal/sgerr"
	"github.com/sgrun/sgrun/pkg/logging"
)

// Contracts is the narrow lookup the driver needs to render contract text
// and decide risk policy for a locus. internal/contract.Set satisfies it.
type Contracts interface {
	Locus(name string) (contract.Contract, bool)
}

// Request carries the failure context that accompanies a mutation trigger.
type Request struct {
	FailingInput    string
	OffendingDigest string
	ErrorSummary    string
	Diagnostics     []string
}

// Driver is the mutation orchestrator: it satisfies the arena, pathway, and
// fusion hook interfaces, so every exhaustion/regression/fuse signal lands
// here, gets turned into a prompt Document, and — if the engine produces a
// loadable allele — is installed per risk policy.
type Driver struct {
	reg       *registry.Registry
	phen      *phenotype.Map
	tracker   *fusion.Tracker
	sbx       *sandbox.Engine
	contracts Contracts
	engine    Engine
	log       *logging.Logger

	// lastFailing remembers the most recent failing input per locus, so the
	// arena's locus_exhausted signal (which carries no input) can still
	// build a useful prompt.
	failMu      sync.Mutex
	lastFailing map[string]string

	// inflight dedupes concurrent mutation attempts for the same locus or
	// pathway; the arena and the executor can both report the same
	// exhaustion, and one new allele per failure is enough.
	inflightMu sync.Mutex
	inflight   map[string]bool
}

// NewDriver builds a Driver. engine may be nil, in which case every trigger
// is recorded and dropped (a runtime with mutation disabled).
func NewDriver(reg *registry.Registry, phen *phenotype.Map, tracker *fusion.Tracker, sbx *sandbox.Engine, contracts Contracts, engine Engine, log *logging.Logger) *Driver {
	if log == nil {
		log = logging.Default()
	}
	return &Driver{
		reg:         reg,
		phen:        phen,
		tracker:     tracker,
		sbx:         sbx,
		contracts:   contracts,
		engine:      engine,
		log:         log,
		lastFailing: make(map[string]string),
		inflight:    make(map[string]bool),
	}
}

func (d *Driver) tryAcquire(key string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if d.inflight[key] {
		return false
	}
	d.inflight[key] = true
	return true
}

func (d *Driver) release(key string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	delete(d.inflight, key)
}

// Mutate requests a new allele for locus from the engine and installs it
// per risk policy: shadow for high/critical loci, recessive (appended to
// the fallback stack) otherwise, except that on a locus whose phenotype
// stack is empty it is promoted straight to dominant. It returns the new
// allele's digest.
//
// If the engine fails, or produces source without an execute entry point,
// nothing is persisted and a MutationEngineFailure is returned.
func (d *Driver) Mutate(ctx context.Context, locus string, trigger Trigger, req Request) (string, error) {
	if d.engine == nil {
		return "", sgerr.New(sgerr.MutationEngineFailure, fmt.Errorf("no mutation engine configured")).WithLocus(locus)
	}

	doc := Document{
		Locus:        locus,
		Trigger:      trigger,
		FailingInput: req.FailingInput,
		ErrorSummary: req.ErrorSummary,
		Diagnostics:  req.Diagnostics,
	}
	loc, hasContract := d.contracts.Locus(locus)
	if hasContract {
		doc.ContractText = renderContract(loc)
	}
	if req.OffendingDigest != "" {
		if src, err := d.reg.LoadSource(req.OffendingDigest); err == nil {
			doc.FailingSource = src
		}
	}

	source, err := d.engine.Generate(ctx, doc)
	if err != nil {
		d.log.Warn("mutation engine failed", "locus", locus, "trigger", trigger, "error", err)
		return "", sgerr.New(sgerr.MutationEngineFailure, err).WithLocus(locus)
	}

	digest := registry.Digest(source)
	if _, err := d.sbx.Load(digest, locus, source); err != nil {
		d.log.Warn("mutation produced unloadable source", "locus", locus, "error", err)
		return "", sgerr.New(sgerr.MutationEngineFailure, err).WithLocus(locus)
	}

	mutCtx := registry.MutationContext{
		Trigger:           string(trigger),
		ErrorSummary:      req.ErrorSummary,
		DiagnosticSummary: strings.Join(req.Diagnostics, "; "),
	}
	if req.FailingInput != "" {
		mutCtx.FailingInputSHA = registry.Digest(req.FailingInput)
	}
	digest, err = d.reg.Put(source, locus, req.OffendingDigest, mutCtx)
	if err != nil {
		return "", fmt.Errorf("mutation: persist allele: %w", err)
	}

	risk := contract.RiskNone
	if hasContract {
		risk = loc.Risk
	}
	if safety.IsShadowOnly(risk) {
		if err := d.reg.SetState(digest, registry.Shadow); err != nil {
			return "", err
		}
		d.log.Info("mutated allele installed as shadow", "locus", locus, "digest", digest, "trigger", trigger)
		return digest, nil
	}

	if err := d.reg.SetState(digest, registry.Recessive); err != nil {
		return "", err
	}
	if d.phen.Resolve(locus) == "" && len(d.phen.ResolveWithStack(locus)) == 0 {
		// An exhausted locus has no dominant left; the new allele takes the
		// slot directly so the next invocation has something to run.
		if err := d.phen.Promote(locus, digest); err != nil {
			return "", err
		}
		_ = d.reg.SetState(digest, registry.Dominant)
	} else if err := d.phen.AddToFallback(locus, digest); err != nil {
		return "", err
	}
	d.log.Info("mutated allele installed as recessive", "locus", locus, "digest", digest, "trigger", trigger)
	return digest, nil
}

// FulfillFusion asks the engine for a single merged allele replacing
// composition for pathwayName, and installs it as the pathway's fused
// allele. The new allele's mutation context records the exact composition
// it replaces, so decomposition always has the step form to fall back to.
func (d *Driver) FulfillFusion(ctx context.Context, pathwayName string, composition []string) (string, error) {
	if d.engine == nil {
		return "", sgerr.New(sgerr.MutationEngineFailure, fmt.Errorf("no mutation engine configured"))
	}

	doc := Document{
		PathwayName: pathwayName,
		Trigger:     TriggerFusion,
	}
	for _, dg := range composition {
		al, err := d.reg.Get(dg)
		if err != nil {
			return "", fmt.Errorf("mutation: fusion constituent %s: %w", dg, err)
		}
		src, err := d.reg.LoadSource(dg)
		if err != nil {
			return "", fmt.Errorf("mutation: fusion constituent source %s: %w", dg, err)
		}
		doc.CompositionSources = append(doc.CompositionSources, src)
		doc.CompositionLoci = append(doc.CompositionLoci, al.Locus)
	}

	source, err := d.engine.Generate(ctx, doc)
	if err != nil {
		d.log.Warn("fusion engine failed", "pathway", pathwayName, "error", err)
		return "", sgerr.New(sgerr.MutationEngineFailure, err)
	}

	digest := registry.Digest(source)
	if _, err := d.sbx.Load(digest, pathwayName, source); err != nil {
		d.log.Warn("fusion produced unloadable source", "pathway", pathwayName, "error", err)
		return "", sgerr.New(sgerr.MutationEngineFailure, err)
	}

	digest, err = d.reg.Put(source, pathwayName, "", registry.MutationContext{
		Trigger:     string(TriggerFusion),
		Composition: append([]string(nil), composition...),
	})
	if err != nil {
		return "", fmt.Errorf("mutation: persist fused allele: %w", err)
	}
	if err := d.tracker.SetFusedAllele(pathwayName, digest); err != nil {
		return "", err
	}
	if err := d.phen.SetFusion(pathwayName, digest, composition); err != nil {
		return "", err
	}
	d.log.Info("pathway fused", "pathway", pathwayName, "digest", digest)
	return digest, nil
}

// ShadowQualify runs digest against a mock capability table until it either
// reaches the shadow promotion threshold of consecutive successes (and
// advances to canary) or fails once. sampleInput is replayed on every run.
func (d *Driver) ShadowQualify(ctx context.Context, locus, digest string, mock safety.Table, sampleInput string) (bool, error) {
	al, err := d.reg.Get(digest)
	if err != nil {
		return false, err
	}
	src, err := d.reg.LoadSource(digest)
	if err != nil {
		return false, err
	}
	if al.State != registry.Shadow {
		return false, fmt.Errorf("mutation: allele %s is %s, not shadow", digest, al.State)
	}

	loaded, err := d.sbx.Load(digest, locus, src)
	if err != nil {
		return false, err
	}
	for i := 0; i < safety.ShadowPromotionThreshold; i++ {
		capVal := safety.NewCapability(mock, nil)
		if _, err := loaded.Invoke(ctx, capVal, sampleInput, 0); err != nil {
			d.log.Warn("shadow qualification failed", "locus", locus, "digest", digest, "run", i+1, "error", err)
			return false, nil
		}
		if err := d.reg.UpdateFitness(digest, func(f *registry.FitnessRecord) {
			f.ShadowSuccesses++
		}); err != nil {
			return false, err
		}
	}
	if err := d.reg.SetState(digest, registry.Canary); err != nil {
		return false, err
	}
	if err := d.phen.AddToFallback(locus, digest); err != nil {
		return false, err
	}
	d.log.Info("shadow allele advanced to canary", "locus", locus, "digest", digest)
	return true, nil
}

// OnStackExhausted implements pathway.Hooks: a pathway step ran out of
// alleles for locus, so a reactive mutation is requested with the failing
// input in hand.
func (d *Driver) OnStackExhausted(locus, failingInput string) {
	d.failMu.Lock()
	d.lastFailing[locus] = failingInput
	d.failMu.Unlock()
	d.mutateLocus(locus, TriggerExhausted, failingInput, "allele stack exhausted")
}

// OnLocusExhausted implements arena.Hooks: demotion emptied the locus's
// phenotype stack.
func (d *Driver) OnLocusExhausted(locus string) {
	d.failMu.Lock()
	input := d.lastFailing[locus]
	d.failMu.Unlock()
	d.mutateLocus(locus, TriggerExhausted, input, "all alleles demoted")
}

// OnRegression implements arena.Hooks. Mild regression triggers a proactive
// mutation; severe regression is already handled by the arena's immediate
// demotion and only logged here.
func (d *Driver) OnRegression(locus, digest, severity string) {
	if severity != "mild" {
		d.log.Info("severe regression", "locus", locus, "digest", digest)
		return
	}
	key := "regression:" + locus
	if !d.tryAcquire(key) {
		return
	}
	defer d.release(key)
	_, err := d.Mutate(context.Background(), locus, TriggerRegression, Request{
		OffendingDigest: digest,
		ErrorSummary:    "fitness regressed below recorded peak",
	})
	if err != nil {
		d.log.Warn("regression mutation failed", "locus", locus, "error", err)
	}
}

// OnFuseRequest implements fusion.Hooks.
func (d *Driver) OnFuseRequest(pathwayName string, composition []string) {
	key := "fusion:" + pathwayName
	if !d.tryAcquire(key) {
		return
	}
	defer d.release(key)
	if _, err := d.FulfillFusion(context.Background(), pathwayName, composition); err != nil {
		d.log.Warn("fuse request failed", "pathway", pathwayName, "error", err)
	}
}

func (d *Driver) mutateLocus(locus string, trigger Trigger, failingInput, summary string) {
	key := "locus:" + locus
	if !d.tryAcquire(key) {
		return
	}
	defer d.release(key)

	// An exhaustion trigger only fires once the phenotype stack is truly
	// empty. A single failing run reports exhaustion too, but while living
	// alleles remain (the arena has not demoted them all yet) the failure
	// is still the arena's to arbitrate, not grounds for a new allele.
	if trigger == TriggerExhausted && len(d.phen.ResolveWithStack(locus)) > 0 {
		return
	}

	var offending string
	if digests := d.reg.List(locus); len(digests) > 0 {
		offending = digests[0]
	}
	_, err := d.Mutate(context.Background(), locus, trigger, Request{
		FailingInput:    failingInput,
		OffendingDigest: offending,
		ErrorSummary:    summary,
	})
	if err != nil {
		d.log.Warn("reactive mutation failed", "locus", locus, "trigger", trigger, "error", err)
	}
}

// renderContract summarizes a locus contract for the prompt document.
func renderContract(c contract.Contract) string {
	var b strings.Builder
	if c.Does != "" {
		fmt.Fprintf(&b, "Description: %s\n", c.Does)
	}
	fmt.Fprintf(&b, "Risk: %s\nFamily: %s\n", c.Risk, c.Family)
	if len(c.Takes) > 0 {
		b.WriteString("Input schema:")
		for _, f := range c.Takes {
			fmt.Fprintf(&b, " %s:%s", f.Name, fieldTypeToken(f.Type))
		}
		b.WriteString("\n")
	}
	if len(c.Gives) > 0 {
		b.WriteString("Output schema:")
		for _, f := range c.Gives {
			fmt.Fprintf(&b, " %s:%s", f.Name, fieldTypeToken(f.Type))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func fieldTypeToken(t contract.FieldType) string {
	s := t.Base
	if t.Sequence {
		s += "[]"
	}
	if t.Nullable {
		s += "?"
	}
	return s
}
