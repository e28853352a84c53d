// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package safety implements the transaction/undo-log machinery and the
// per-risk-class policy table: wrapping a mutating
// invocation's capability object so every call records an inverse, and
// draining that undo log in reverse on any failure.
package safety

import "github.com/sgrun/sgrun/internal/contract"

// Policy describes how the safety layer treats invocations for one risk
// class.
type Policy struct {
	RequiresTransaction bool
	ShadowPrequalified  bool
	VerificationRequired bool
	ResilienceRequired  bool
}

// ShadowPromotionThreshold is how many consecutive shadow-kernel successes
// a high/critical allele needs before advancing to canary.
const ShadowPromotionThreshold = 3

var policyTable = map[contract.Risk]Policy{
	contract.RiskNone:     {RequiresTransaction: false, ShadowPrequalified: false, VerificationRequired: false, ResilienceRequired: false},
	contract.RiskLow:      {RequiresTransaction: true, ShadowPrequalified: false, VerificationRequired: true, ResilienceRequired: false},
	contract.RiskMedium:   {RequiresTransaction: true, ShadowPrequalified: false, VerificationRequired: true, ResilienceRequired: false},
	contract.RiskHigh:     {RequiresTransaction: true, ShadowPrequalified: true, VerificationRequired: true, ResilienceRequired: false},
	contract.RiskCritical: {RequiresTransaction: true, ShadowPrequalified: true, VerificationRequired: true, ResilienceRequired: true},
}

// PolicyFor returns the risk policy for risk, defaulting to the none-risk
// policy for an unrecognized class.
func PolicyFor(risk contract.Risk) Policy {
	if p, ok := policyTable[risk]; ok {
		return p
	}
	return policyTable[contract.RiskNone]
}

// RequiresTransaction reports whether risk needs undo-log wrapping.
func RequiresTransaction(risk contract.Risk) bool {
	return PolicyFor(risk).RequiresTransaction
}

// IsShadowOnly reports whether a newly mutated allele at this risk class
// must pass shadow pre-qualification before it may run against the live
// capability.
func IsShadowOnly(risk contract.Risk) bool {
	return PolicyFor(risk).ShadowPrequalified
}
