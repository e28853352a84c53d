// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package arena is the central scoring and lifecycle authority: it records
// invocation observations, computes fitness, and drives promotion,
// demotion, and regression detection against the phenotype map.
package arena

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sgrun/sgrun/internal/phenotype"
	"github.com/sgrun/sgrun/internal/registry"
	"github.com/sgrun/sgrun/pkg/logging"
)

var tracer = otel.Tracer("github.com/sgrun/sgrun/internal/arena")

// Hooks lets the arena hand off to the mutation orchestrator without
// importing it directly (internal/mutation depends on internal/arena's
// types, not the reverse).
type Hooks interface {
	OnLocusExhausted(locus string)
	OnRegression(locus, digest, severity string)
}

// NopHooks implements Hooks with no-ops, for tests and standalone use.
type NopHooks struct{}

func (NopHooks) OnLocusExhausted(string)         {}
func (NopHooks) OnRegression(string, string, string) {}

// Arena ties a registry and phenotype map together with per-locus locking,
// so that observations, promotions, and fallback-stack rewrites for one
// locus always serialize.
type Arena struct {
	reg  *registry.Registry
	phen *phenotype.Map
	log  *logging.Logger
	hook Hooks

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// ConvergenceWindow/ResilienceWindow bound how long an observation's
	// convergence/resilience slot may stay pending before it defaults to
	// fail. Callers may override per instance.
	ConvergenceWindow time.Duration
	ResilienceWindow  time.Duration
}

// New builds an Arena over reg/phen. hook may be nil (defaults to NopHooks).
func New(reg *registry.Registry, phen *phenotype.Map, log *logging.Logger, hook Hooks) *Arena {
	if log == nil {
		log = logging.Default()
	}
	if hook == nil {
		hook = NopHooks{}
	}
	return &Arena{
		reg:               reg,
		phen:              phen,
		log:               log,
		hook:              hook,
		locks:             make(map[string]*sync.Mutex),
		ConvergenceWindow: 30 * time.Second,
		ResilienceWindow:  time.Hour,
	}
}

func (a *Arena) lockFor(locus string) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	l, ok := a.locks[locus]
	if !ok {
		l = &sync.Mutex{}
		a.locks[locus] = l
	}
	return l
}

// Record appends an immediate-result observation for digest at locus, with
// its convergence/resilience slots left pending (ExpirePendingSlots, driven
// by the caller, later defaults expired slots to fail), then evaluates the
// locus for promotion/demotion/regression. It returns the observation ID used by RecordConvergence and
// RecordResilience.
func (a *Arena) Record(ctx context.Context, locus, digest, inputDigest string, immediate registry.Result) (string, error) {
	ctx, span := tracer.Start(ctx, "arena.Record", trace.WithAttributes(
		attribute.String("locus", locus), attribute.String("digest", digest), attribute.String("result", string(immediate)),
	))
	defer span.End()

	obsID := uuid.NewString()
	lock := a.lockFor(locus)
	lock.Lock()
	defer lock.Unlock()

	err := a.reg.UpdateFitness(digest, func(f *registry.FitnessRecord) {
		f.Invocations++
		if immediate == registry.Ok {
			f.Successes++
			f.ConsecutiveFailures = 0
		} else {
			f.ConsecutiveFailures++
		}
		f.Observations = append(f.Observations, registry.Observation{
			ID:          obsID,
			Immediate:   immediate,
			Convergence: registry.PendingWaiting,
			Resilience:  registry.PendingWaiting,
			SourceLocus: inputDigest,
			Timestamp:   time.Now(),
		})
	})
	if err != nil {
		return "", fmt.Errorf("arena: record: %w", err)
	}
	observationsTotal.WithLabelValues(locus, string(immediate)).Inc()

	// A canary-stage allele advances to the recessive pool on its first
	// successful live invocation (the staged shadow/canary/recessive/
	// dominant rollout); only recessive-or-dominant alleles are eligible
	// for evaluateLocus's fitness-driven promotion below.
	if immediate == registry.Ok {
		if al, gerr := a.reg.Get(digest); gerr == nil && al.State == registry.Canary {
			_ = a.reg.SetState(digest, registry.Recessive)
		}
	}

	a.evaluateLocus(ctx, locus)
	return obsID, nil
}

// RecordConvergence resolves the convergence slot of a previously recorded
// observation, applying retroactive decay to the allele's fitness if it
// resolves to failure, then re-evaluates the locus.
func (a *Arena) RecordConvergence(ctx context.Context, locus, digest, obsID string, ok bool) error {
	return a.resolveSlot(ctx, locus, digest, obsID, ok, true)
}

// RecordResilience resolves the resilience slot, mirroring RecordConvergence.
func (a *Arena) RecordResilience(ctx context.Context, locus, digest, obsID string, ok bool) error {
	return a.resolveSlot(ctx, locus, digest, obsID, ok, false)
}

func (a *Arena) resolveSlot(ctx context.Context, locus, digest, obsID string, ok, convergence bool) error {
	lock := a.lockFor(locus)
	lock.Lock()
	defer lock.Unlock()

	result := registry.PendingFail
	if ok {
		result = registry.PendingOk
	}
	err := a.reg.UpdateFitness(digest, func(f *registry.FitnessRecord) {
		for i := range f.Observations {
			if f.Observations[i].ID != obsID {
				continue
			}
			if convergence {
				f.Observations[i].Convergence = result
			} else {
				f.Observations[i].Resilience = result
			}
			break
		}
	})
	if err != nil {
		return fmt.Errorf("arena: resolve slot: %w", err)
	}
	a.evaluateLocus(ctx, locus)
	return nil
}

// ExpirePendingSlots defaults any observation's still-pending convergence
// or resilience slot to fail once its window has elapsed, so no slot stays
// pending forever. Callers drive this from an external timer; the arena
// does not own one.
func (a *Arena) ExpirePendingSlots(ctx context.Context, locus, digest string) error {
	lock := a.lockFor(locus)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	err := a.reg.UpdateFitness(digest, func(f *registry.FitnessRecord) {
		for i := range f.Observations {
			o := &f.Observations[i]
			if o.Convergence == registry.PendingWaiting && now.Sub(o.Timestamp) > a.ConvergenceWindow {
				o.Convergence = registry.PendingFail
			}
			if o.Resilience == registry.PendingWaiting && now.Sub(o.Timestamp) > a.ResilienceWindow {
				o.Resilience = registry.PendingFail
			}
		}
	})
	if err != nil {
		return fmt.Errorf("arena: expire pending slots: %w", err)
	}
	a.evaluateLocus(ctx, locus)
	return nil
}

// EffectiveFitness returns digest's fitness blended with a peer
// observation. The arena does not fetch peer data itself; callers supply
// it (e.g. from a federation layer outside the core).
func (a *Arena) EffectiveFitness(digest string, peerInvocations int, peerFitness float64) (float64, error) {
	al, err := a.reg.Get(digest)
	if err != nil {
		return 0, err
	}
	local := ComputeFitness(&al.Fitness)
	return EffectiveFitness(local, peerInvocations, peerFitness), nil
}

// RecordPeerObservation persists an externally supplied peer fitness report
// for digest and returns the resulting blended fitness. A federation layer
// outside the core calls this when remote observations arrive.
func (a *Arena) RecordPeerObservation(digest string, peerInvocations int, peerFitness float64) (float64, error) {
	if err := a.reg.SetPeerObservation(digest, peerInvocations, peerFitness); err != nil {
		return 0, err
	}
	return a.EffectiveFitness(digest, peerInvocations, peerFitness)
}

// evaluateLocus re-derives promotion/demotion/regression state for locus.
// Callers must hold a.lockFor(locus).
func (a *Arena) evaluateLocus(ctx context.Context, locus string) {
	stack := a.phen.ResolveWithStack(locus)
	var dominant string
	if len(stack) > 0 {
		dominant = stack[0]
	}

	var domFitness float64
	if dominant != "" {
		if al, err := a.reg.Get(dominant); err == nil {
			domFitness = ComputeFitness(&al.Fitness)
			dominantFitnessGauge.WithLabelValues(locus).Set(domFitness)
			a.checkRegression(ctx, locus, al, domFitness)
			if al.Fitness.ConsecutiveFailures >= DemotionConsecutiveFailures {
				a.demote(ctx, locus)
				return
			}
		}
	}

	candidates := a.reg.List(locus)
	var best *registry.Allele
	var bestFitness float64
	for _, d := range candidates {
		if d == dominant {
			continue
		}
		al, err := a.reg.Get(d)
		if err != nil || al.State == registry.Deprecated || al.State == registry.Shadow || al.State == registry.Canary {
			continue
		}
		if al.Fitness.Invocations < PromotionMinInvocations {
			continue
		}
		fit := ComputeFitness(&al.Fitness)
		threshold := domFitness + PromotionAdvantage
		if dominant == "" {
			threshold = 0
		}
		if fit <= threshold {
			continue
		}
		if best == nil || fit > bestFitness || (fit == bestFitness && al.Digest < best.Digest) {
			best = al
			bestFitness = fit
		}
	}
	if best != nil {
		if err := a.phen.Promote(locus, best.Digest); err == nil {
			_ = a.reg.SetState(best.Digest, registry.Dominant)
			if dominant != "" {
				_ = a.reg.SetState(dominant, registry.Recessive)
			}
			promotionsTotal.WithLabelValues(locus).Inc()
			a.log.Info("allele promoted", "locus", locus, "digest", best.Digest, "fitness", bestFitness)
		}
	}

	a.reorderFallback(locus)
}

// reorderFallback rewrites locus's fallback stack in descending-fitness
// order (ties broken by ascending digest), dropping deprecated members.
// Membership itself is managed by demotion and the mutation driver's
// installs; this only keeps the order fitness-derived. Callers must hold
// a.lockFor(locus).
func (a *Arena) reorderFallback(locus string) {
	stack := a.phen.ResolveWithStack(locus)
	dominant := a.phen.Resolve(locus)

	type member struct {
		digest  string
		fitness float64
	}
	var current []string
	var members []member
	for _, d := range stack {
		if d == dominant {
			continue
		}
		current = append(current, d)
		al, err := a.reg.Get(d)
		if err != nil || al.State == registry.Deprecated {
			continue
		}
		members = append(members, member{digest: d, fitness: ComputeFitness(&al.Fitness)})
	}
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].fitness != members[j].fitness {
			return members[i].fitness > members[j].fitness
		}
		return members[i].digest < members[j].digest
	})

	ordered := make([]string, len(members))
	for i, m := range members {
		ordered[i] = m.digest
	}
	if slices.Equal(ordered, current) {
		return // already in fitness order; skip the document rewrite
	}
	if err := a.phen.ReorderFallback(locus, ordered); err != nil {
		a.log.Warn("fallback reorder failed", "locus", locus, "error", err)
	}
}

func (a *Arena) demote(ctx context.Context, locus string) {
	var demoted string
	if stack := a.phen.ResolveWithStack(locus); len(stack) > 0 {
		demoted = stack[0]
	}
	err := a.phen.Demote(locus)
	demotionsTotal.WithLabelValues(locus).Inc()
	// Mirror the promotion path: the registry's lifecycle state must track
	// the phenotype slot, or a demoted allele would still read as dominant.
	if demoted != "" {
		_ = a.reg.SetState(demoted, registry.Recessive)
	}
	if err == phenotype.ErrLocusExhausted {
		a.log.Warn("locus exhausted", "locus", locus)
		a.hook.OnLocusExhausted(locus)
		return
	}
	if err != nil {
		a.log.Warn("demote failed", "locus", locus, "error", err)
		return
	}
	if newDominant := a.phen.Resolve(locus); newDominant != "" {
		_ = a.reg.SetState(newDominant, registry.Dominant)
	}
	a.reorderFallback(locus)
}

// checkRegression tracks the dominant allele's running peak fitness and
// reports mild/severe regression: a drop of >= 0.4 from peak
// demotes immediately, a drop of >= 0.2 (with enough invocations) notifies
// the mutation orchestrator for a proactive fix without demoting yet.
func (a *Arena) checkRegression(ctx context.Context, locus string, al *registry.Allele, fitness float64) {
	if fitness > al.Fitness.PeakFitness {
		_ = a.reg.UpdateFitness(al.Digest, func(f *registry.FitnessRecord) {
			f.PeakFitness = fitness
		})
		return
	}
	if al.Fitness.Invocations < MinInvocationsForScore {
		return
	}
	drop := al.Fitness.PeakFitness - fitness
	switch {
	case drop >= SevereRegression:
		regressionsTotal.WithLabelValues(locus, "severe").Inc()
		a.hook.OnRegression(locus, al.Digest, "severe")
		a.demote(ctx, locus)
	case drop >= RegressionThreshold:
		regressionsTotal.WithLabelValues(locus, "mild").Inc()
		a.hook.OnRegression(locus, al.Digest, "mild")
	}
}
