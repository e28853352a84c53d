// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package arena

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrun/sgrun/internal/phenotype"
	"github.com/sgrun/sgrun/internal/registry"
)

type recordingHooks struct {
	exhausted  []string
	regressed  []string
	severities []string
}

func (h *recordingHooks) OnLocusExhausted(locus string) {
	h.exhausted = append(h.exhausted, locus)
}

func (h *recordingHooks) OnRegression(locus, digest, severity string) {
	h.regressed = append(h.regressed, locus+"/"+digest)
	h.severities = append(h.severities, severity)
}

func newTestArena(t *testing.T) (*Arena, *registry.Registry, *phenotype.Map, *recordingHooks) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	phen, err := phenotype.Open(dir, nil)
	require.NoError(t, err)
	hooks := &recordingHooks{}
	return New(reg, phen, nil, hooks), reg, phen, hooks
}

// seedDominant registers source as locus's dominant allele directly, without
// going through the arena's own promotion path.
func seedDominant(t *testing.T, reg *registry.Registry, phen *phenotype.Map, locus, source string) string {
	t.Helper()
	digest, err := reg.Put(source, locus, "", registry.MutationContext{})
	require.NoError(t, err)
	require.NoError(t, reg.SetState(digest, registry.Dominant))
	require.NoError(t, phen.Promote(locus, digest))
	return digest
}

// evaluateLocusForTest exposes evaluateLocus to the test file, holding the
// same per-locus lock a caller must hold per its contract.
func (a *Arena) evaluateLocusForTest(t *testing.T, locus string) {
	t.Helper()
	lock := a.lockFor(locus)
	lock.Lock()
	defer lock.Unlock()
	a.evaluateLocus(context.Background(), locus)
}

func TestPromotionRequiresThresholdAndInvocations(t *testing.T) {
	a, reg, phen, _ := newTestArena(t)

	dominant, err := reg.Put("dominant", "x", "", registry.MutationContext{})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateFitness(dominant, func(f *registry.FitnessRecord) {
		f.Invocations = 60
		f.Successes = 30 // ratio 0.5
	}))
	require.NoError(t, reg.SetState(dominant, registry.Dominant))
	require.NoError(t, phen.Promote("x", dominant))

	tooFewInvocations, err := reg.Put("too-few-invocations", "x", "", registry.MutationContext{})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateFitness(tooFewInvocations, func(f *registry.FitnessRecord) {
		f.Invocations = 49 // below PromotionMinInvocations
		f.Successes = 49   // ratio 1.0, would easily clear the advantage otherwise
	}))

	atThreshold, err := reg.Put("at-threshold", "x", "", registry.MutationContext{})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateFitness(atThreshold, func(f *registry.FitnessRecord) {
		f.Invocations = 50
		f.Successes = 30 // ratio 0.6 == domFitness(0.5) + PromotionAdvantage(0.1), not strictly greater
	}))

	beyondThreshold, err := reg.Put("beyond-threshold", "x", "", registry.MutationContext{})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateFitness(beyondThreshold, func(f *registry.FitnessRecord) {
		f.Invocations = 50
		f.Successes = 31 // ratio 0.62, clears the advantage
	}))

	a.evaluateLocusForTest(t, "x")

	assert.Equal(t, beyondThreshold, phen.Resolve("x"))

	winner, err := reg.Get(beyondThreshold)
	require.NoError(t, err)
	assert.Equal(t, registry.Dominant, winner.State)

	previous, err := reg.Get(dominant)
	require.NoError(t, err)
	assert.Equal(t, registry.Recessive, previous.State)

	stillRecessive, err := reg.Get(atThreshold)
	require.NoError(t, err)
	assert.Equal(t, registry.Recessive, stillRecessive.State, "exactly the advantage threshold must not promote")
}

func TestDemotionAtThirdConsecutiveFailure(t *testing.T) {
	a, reg, phen, hooks := newTestArena(t)
	dominant := seedDominant(t, reg, phen, "y", "only-allele")

	ctx := context.Background()
	_, err := a.Record(ctx, "y", dominant, "", registry.Fail)
	require.NoError(t, err)
	assert.Equal(t, dominant, phen.Resolve("y"), "one failure must not demote")

	_, err = a.Record(ctx, "y", dominant, "", registry.Fail)
	require.NoError(t, err)
	assert.Equal(t, dominant, phen.Resolve("y"), "two consecutive failures must not demote")

	_, err = a.Record(ctx, "y", dominant, "", registry.Fail)
	require.NoError(t, err)
	assert.Empty(t, phen.Resolve("y"), "third consecutive failure with no fallback exhausts the locus")
	require.Len(t, hooks.exhausted, 1)
	assert.Equal(t, "y", hooks.exhausted[0])

	demoted, err := reg.Get(dominant)
	require.NoError(t, err)
	assert.Equal(t, registry.Recessive, demoted.State, "a demoted allele's registry state must leave dominant")
}

func TestDemotionFallsBackWhenFallbackExists(t *testing.T) {
	a, reg, phen, hooks := newTestArena(t)
	dominant := seedDominant(t, reg, phen, "z", "primary")

	fallback, err := reg.Put("backup", "z", "", registry.MutationContext{})
	require.NoError(t, err)
	require.NoError(t, phen.AddToFallback("z", fallback))
	require.Equal(t, dominant, phen.Resolve("z"))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := a.Record(ctx, "z", dominant, "", registry.Fail)
		require.NoError(t, err)
	}

	assert.Equal(t, fallback, phen.Resolve("z"))
	assert.Empty(t, hooks.exhausted)

	demoted, err := reg.Get(dominant)
	require.NoError(t, err)
	assert.Equal(t, registry.Recessive, demoted.State)
	promoted, err := reg.Get(fallback)
	require.NoError(t, err)
	assert.Equal(t, registry.Dominant, promoted.State, "the fallback allele that took the slot must read as dominant")
}

func TestFallbackReorderedByDescendingFitness(t *testing.T) {
	a, reg, phen, _ := newTestArena(t)
	dominant := seedDominant(t, reg, phen, "r", "primary")
	require.NoError(t, reg.UpdateFitness(dominant, func(f *registry.FitnessRecord) {
		f.Invocations = 60
		f.Successes = 54 // ratio 0.9, out of reach of the promotion rule below
	}))

	weak, err := reg.Put("weak", "r", "", registry.MutationContext{})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateFitness(weak, func(f *registry.FitnessRecord) {
		f.Invocations = 50
		f.Successes = 10 // ratio 0.2
	}))
	strong, err := reg.Put("strong", "r", "", registry.MutationContext{})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateFitness(strong, func(f *registry.FitnessRecord) {
		f.Invocations = 50
		f.Successes = 25 // ratio 0.5
	}))
	dead, err := reg.Put("dead", "r", "", registry.MutationContext{})
	require.NoError(t, err)
	require.NoError(t, reg.SetState(dead, registry.Deprecated))

	// Installed in ascending-fitness order, with a deprecated straggler.
	require.NoError(t, phen.AddToFallback("r", weak))
	require.NoError(t, phen.AddToFallback("r", strong))
	require.NoError(t, phen.AddToFallback("r", dead))

	a.evaluateLocusForTest(t, "r")

	assert.Equal(t, dominant, phen.Resolve("r"), "no candidate clears the promotion advantage")
	assert.Equal(t, []string{dominant, strong, weak}, phen.ResolveWithStack("r"),
		"fallback must be reordered by descending fitness, dropping deprecated alleles")
}

func TestRegressionMildDoesNotDemote(t *testing.T) {
	a, reg, phen, hooks := newTestArena(t)
	digest := seedDominant(t, reg, phen, "m", "mild-regressor")
	require.NoError(t, reg.UpdateFitness(digest, func(f *registry.FitnessRecord) {
		f.Invocations = 50
		f.PeakFitness = 0.8
	}))
	al, err := reg.Get(digest)
	require.NoError(t, err)

	a.checkRegression(context.Background(), "m", al, 0.65) // drop 0.15, below RegressionThreshold
	assert.Empty(t, hooks.regressed)

	a.checkRegression(context.Background(), "m", al, 0.55) // drop 0.25, mild
	require.Len(t, hooks.regressed, 1)
	assert.Equal(t, "mild", hooks.severities[0])
	assert.Equal(t, digest, phen.Resolve("m"), "mild regression notifies but does not demote")
}

func TestRegressionSevereDemotes(t *testing.T) {
	a, reg, phen, hooks := newTestArena(t)
	digest := seedDominant(t, reg, phen, "s", "severe-regressor")
	require.NoError(t, reg.UpdateFitness(digest, func(f *registry.FitnessRecord) {
		f.Invocations = 50
		f.PeakFitness = 0.9
	}))
	al, err := reg.Get(digest)
	require.NoError(t, err)

	a.checkRegression(context.Background(), "s", al, 0.4) // drop 0.5, severe
	require.Len(t, hooks.regressed, 1)
	assert.Equal(t, "severe", hooks.severities[0])
	assert.Empty(t, phen.Resolve("s"), "severe regression demotes; with no fallback the locus is exhausted")
}

func TestRegressionIgnoredBelowMinInvocations(t *testing.T) {
	a, reg, phen, hooks := newTestArena(t)
	digest := seedDominant(t, reg, phen, "n", "too-new")
	require.NoError(t, reg.UpdateFitness(digest, func(f *registry.FitnessRecord) {
		f.Invocations = MinInvocationsForScore - 1
		f.PeakFitness = 0.9
	}))
	al, err := reg.Get(digest)
	require.NoError(t, err)

	a.checkRegression(context.Background(), "n", al, 0.1) // would be severe, but too few invocations
	assert.Empty(t, hooks.regressed)
}

func TestRetroactiveDecayLowersFitnessAfterConvergenceFlip(t *testing.T) {
	reg, err := registry.Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer reg.Close()

	digest, err := reg.Put("decay-target", "locus", "", registry.MutationContext{})
	require.NoError(t, err)

	require.NoError(t, reg.UpdateFitness(digest, func(f *registry.FitnessRecord) {
		for i := 0; i < 12; i++ {
			f.Invocations++
			f.Successes++
			f.Observations = append(f.Observations, registry.Observation{
				ID:          "obs",
				Immediate:   registry.Ok,
				Convergence: registry.PendingOk,
				Resilience:  registry.PendingOk,
			})
		}
	}))
	al, err := reg.Get(digest)
	require.NoError(t, err)
	before := ComputeFitness(&al.Fitness)

	require.NoError(t, reg.UpdateFitness(digest, func(f *registry.FitnessRecord) {
		f.Observations[0].Convergence = registry.PendingFail
	}))
	al, err = reg.Get(digest)
	require.NoError(t, err)
	after := ComputeFitness(&al.Fitness)

	assert.Less(t, after, before, "a convergence failure must retroactively decay fitness")
}

func TestEffectiveFitnessBlendsOnlyWithSufficientPeerData(t *testing.T) {
	a, reg, _, _ := newTestArena(t)
	digest, err := reg.Put("blend-source", "blend", "", registry.MutationContext{})
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		_, err := a.Record(ctx, "blend", digest, "", registry.Ok)
		require.NoError(t, err)
	}

	al, err := reg.Get(digest)
	require.NoError(t, err)
	local := ComputeFitness(&al.Fitness)

	unblended, err := a.EffectiveFitness(digest, MinInvocationsForScore-1, 0.0)
	require.NoError(t, err)
	assert.Equal(t, local, unblended, "insufficient peer invocations must not blend")

	blended, err := a.EffectiveFitness(digest, MinInvocationsForScore, 0.0)
	require.NoError(t, err)
	assert.Less(t, blended, local, "a low peer fitness with enough invocations must pull the blend down")
}
