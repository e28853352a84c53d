// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import "time"

// State is an allele's position in the shadow -> canary -> recessive ->
// dominant -> deprecated lifecycle.
type State string

const (
	Shadow     State = "shadow"
	Canary     State = "canary"
	Recessive  State = "recessive"
	Dominant   State = "dominant"
	Deprecated State = "deprecated"
)

// Result is a resolved ok/fail observation slot.
type Result string

const (
	Ok   Result = "ok"
	Fail Result = "fail"
)

// PendingResult extends Result with a not-yet-resolved state, used for the
// convergence and resilience slots of an observation.
type PendingResult string

const (
	PendingOk      PendingResult = "ok"
	PendingFail    PendingResult = "fail"
	PendingWaiting PendingResult = "pending"
)

// MaxObservations bounds the per-allele observation ring so fitness history
// does not grow without limit.
const MaxObservations = 200

// Observation is one recorded invocation outcome.
type Observation struct {
	ID          string        `json:"id"`
	Immediate   Result        `json:"immediate"`
	Convergence PendingResult `json:"convergence"`
	Resilience  PendingResult `json:"resilience"`
	SourceLocus string        `json:"source_locus,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// FitnessRecord is the aggregate embedded in every Allele.
type FitnessRecord struct {
	Invocations         int           `json:"invocations"`
	Successes           int           `json:"successes"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ShadowSuccesses     int           `json:"shadow_successes"`
	PeakFitness         float64       `json:"peak_fitness"`
	Observations        []Observation `json:"observations"`
}

// MutationContext captures why an allele was generated, when it was born
// from a mutation request rather than as a seed.
type MutationContext struct {
	Trigger           string   `json:"trigger,omitempty"` // "exhausted" | "regression" | "fusion" | "proactive" | ""
	FailingInputSHA   string   `json:"failing_input_sha,omitempty"`
	ErrorSummary      string   `json:"error_summary,omitempty"`
	DiagnosticSummary string   `json:"diagnostic_summary,omitempty"`
	Composition       []string `json:"composition,omitempty"` // for fused alleles: the digests it replaces
}

// Allele is one immutable implementation of a locus.
type Allele struct {
	Digest     string          `json:"digest"`
	Source     string          `json:"-"` // stored separately on disk, not duplicated in the index
	Locus      string          `json:"locus"`
	Generation int             `json:"generation"`
	ParentSHA  string          `json:"parent_sha,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	State      State           `json:"state"`
	MutationCtx MutationContext `json:"mutation_ctx"`
	Fitness    FitnessRecord   `json:"fitness"`

	// PeerInvocations/PeerFitness hold the most recent externally supplied
	// distributed-fitness observation for this digest, if any.
	PeerInvocations int     `json:"peer_invocations,omitempty"`
	PeerFitness     float64 `json:"peer_fitness,omitempty"`
}

// TotalInvocations is a convenience accessor for Fitness.Invocations.
func (a *Allele) TotalInvocations() int { return a.Fitness.Invocations }
