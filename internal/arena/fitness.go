// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package arena

import "github.com/sgrun/sgrun/internal/registry"

// Weights and thresholds governing fitness scoring and lifecycle
// transitions.
const (
	ImmediateWeight   = 0.30
	ConvergenceWeight = 0.50
	ResilienceWeight  = 0.20

	// ConvergenceDecayFactor drives "retroactive decay": the aggregate
	// immediate success ratio is multiplied by
	// 1 - ConvergenceDecayFactor*(number of failed convergence slots),
	// floored at 0.
	ConvergenceDecayFactor = 0.2

	MinInvocationsForScore = 10
	PromotionAdvantage     = 0.1
	PromotionMinInvocations = 50
	DemotionConsecutiveFailures = 3
	RegressionThreshold    = 0.2
	SevereRegression       = 0.4
)

// ComputeFitness derives the scalar fitness in [0, 1] for a FitnessRecord:
// the weighted temporal formula once enough resolved convergence/resilience
// signal exists, otherwise the simple success ratio.
func ComputeFitness(f *registry.FitnessRecord) float64 {
	if f.Invocations == 0 {
		return 0
	}
	if f.Invocations >= MinInvocationsForScore && hasDiagnosticFeedback(f) {
		return clamp01(temporalFitness(f))
	}
	denom := f.Invocations
	if denom < MinInvocationsForScore {
		denom = MinInvocationsForScore
	}
	return clamp01(float64(f.Successes) / float64(denom))
}

func hasDiagnosticFeedback(f *registry.FitnessRecord) bool {
	for _, o := range f.Observations {
		if o.Convergence != registry.PendingWaiting || o.Resilience != registry.PendingWaiting {
			return true
		}
	}
	return false
}

func temporalFitness(f *registry.FitnessRecord) float64 {
	var immediateOK, immediateTotal int
	var convergenceOK, convergenceTotal int
	var resilienceOK, resilienceTotal int
	var convergenceFailures int

	for _, o := range f.Observations {
		immediateTotal++
		if o.Immediate == registry.Ok {
			immediateOK++
		}
		if o.Convergence == registry.PendingOk || o.Convergence == registry.PendingFail {
			convergenceTotal++
			if o.Convergence == registry.PendingOk {
				convergenceOK++
			} else {
				convergenceFailures++
			}
		}
		if o.Resilience == registry.PendingOk || o.Resilience == registry.PendingFail {
			resilienceTotal++
			if o.Resilience == registry.PendingOk {
				resilienceOK++
			}
		}
	}

	pImmediate := ratio(immediateOK, immediateTotal, 0)
	pConvergence := ratio(convergenceOK, convergenceTotal, 1.0)
	pResilience := ratio(resilienceOK, resilienceTotal, 1.0)

	if convergenceFailures > 0 {
		decay := 1 - ConvergenceDecayFactor*float64(convergenceFailures)
		if decay < 0 {
			decay = 0
		}
		pImmediate *= decay
	}

	return ImmediateWeight*pImmediate + ConvergenceWeight*pConvergence + ResilienceWeight*pResilience
}

// ratio returns ok/total, or dflt when total == 0 (a slot with no resolved
// observations yet defaults to the weight's "no evidence" value rather than
// zero, so pending slots never lower the score).
func ratio(ok, total int, dflt float64) float64 {
	if total == 0 {
		return dflt
	}
	return float64(ok) / float64(total)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// EffectiveFitness blends local fitness with an externally supplied peer
// observation: the peer component only counts if it itself reflects at
// least MinInvocationsForScore invocations.
func EffectiveFitness(local float64, peerInvocations int, peerFitness float64) float64 {
	if peerInvocations < MinInvocationsForScore {
		return local
	}
	return 0.7*local + 0.3*peerFitness
}
