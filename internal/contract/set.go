// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contract

import "fmt"

// Set is an in-memory lookup of parsed contracts, keyed by kind. The text
// DSL that produces Contract values is out of the core's scope; Set
// only holds whatever a caller has already parsed and handed to the
// runtime.
type Set struct {
	loci     map[string]Contract
	pathways map[string]Contract
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{loci: map[string]Contract{}, pathways: map[string]Contract{}}
}

// Add registers c under its own name, in the loci or pathway table
// according to its Kind. It validates c first.
func (s *Set) Add(c Contract) error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch c.Kind {
	case KindGene:
		s.loci[c.Name] = c
	case KindPathway:
		s.pathways[c.Name] = c
	case KindTopology:
		// Topology contracts carry no locus/pathway behavior the core acts on.
	default:
		return fmt.Errorf("contract: %s: unknown kind %q", c.Name, c.Kind)
	}
	return nil
}

// Locus returns the gene contract registered for name.
func (s *Set) Locus(name string) (Contract, bool) {
	c, ok := s.loci[name]
	return c, ok
}

// Pathway returns the pathway contract registered for name.
func (s *Set) Pathway(name string) (Contract, bool) {
	c, ok := s.pathways[name]
	return c, ok
}

// LocusNames returns every registered gene locus name.
func (s *Set) LocusNames() []string {
	out := make([]string, 0, len(s.loci))
	for n := range s.loci {
		out = append(out, n)
	}
	return out
}
