// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fusion tracks, per pathway, how many consecutive runs have
// succeeded with an identical allele composition, and drives the
// fuse/decompose transitions: a reinforced
// composition gets consolidated into a single synthesized allele, and any
// failure of that fused allele decomposes back to the step-by-step form.
package fusion

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sgrun/sgrun/internal/registry"
	"github.com/sgrun/sgrun/pkg/logging"
)

// Tracker is the process handle for one project root's fusion state,
// mirrored to <root>/fusion_tracker.json.
type Tracker struct {
	path      string
	log       *logging.Logger
	hook      Hooks
	threshold int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	statesMu sync.RWMutex
	states   map[string]*State

	saveMu sync.Mutex
}

// document is the on-disk shape of fusion_tracker.json.
type document struct {
	Pathways map[string]*State `json:"pathways"`
}

// Open loads (or initializes) the fusion tracker at <root>/fusion_tracker.json.
// hook may be nil (defaults to NopHooks); threshold <= 0 defaults to
// DefaultThreshold.
func Open(root string, log *logging.Logger, hook Hooks, threshold int) (*Tracker, error) {
	if log == nil {
		log = logging.Default()
	}
	if hook == nil {
		hook = NopHooks{}
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	t := &Tracker{
		path:      filepath.Join(root, "fusion_tracker.json"),
		log:       log,
		hook:      hook,
		threshold: threshold,
		locks:     make(map[string]*sync.Mutex),
		states:    make(map[string]*State),
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) lockFor(pathwayName string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	l, ok := t.locks[pathwayName]
	if !ok {
		l = &sync.Mutex{}
		t.locks[pathwayName] = l
	}
	return l
}

func (t *Tracker) entry(pathwayName string) *State {
	t.statesMu.Lock()
	defer t.statesMu.Unlock()
	s, ok := t.states[pathwayName]
	if !ok {
		s = &State{}
		t.states[pathwayName] = s
	}
	return s
}

// State returns a copy of pathwayName's current fusion state (zero value if
// never observed).
func (t *Tracker) State(pathwayName string) State {
	t.statesMu.RLock()
	defer t.statesMu.RUnlock()
	s, ok := t.states[pathwayName]
	if !ok {
		return State{}
	}
	cp := *s
	cp.Composition = append([]string(nil), s.Composition...)
	return cp
}

// Observe records the outcome of one pathway run with the given allele
// composition (sequence of digests used), applying the reinforcement
// transitions. It persists the updated state and, only once the per-pathway lock
// has been released, invokes the fuse-request hook if the threshold was
// just reached.
func (t *Tracker) Observe(pathwayName string, composition []string, outcome registry.Result) error {
	lock := t.lockFor(pathwayName)
	lock.Lock()

	s := t.entry(pathwayName)
	fuseRequested := false
	var fuseComposition []string

	if outcome == registry.Ok {
		if sameComposition(s.Composition, composition) {
			s.ConsecutiveSuccesses++
		} else {
			s.Composition = append([]string(nil), composition...)
			s.ConsecutiveSuccesses = 1
		}
		if s.FusedAllele == "" && s.ConsecutiveSuccesses >= t.threshold {
			fuseRequested = true
			fuseComposition = append([]string(nil), s.Composition...)
		}
	} else {
		s.FusedAllele = ""
		s.ConsecutiveSuccesses = 0
	}

	err := t.saveLocked()
	lock.Unlock()
	if err != nil {
		return fmt.Errorf("fusion: save: %w", err)
	}

	if fuseRequested {
		t.hook.OnFuseRequest(pathwayName, fuseComposition)
	}
	return nil
}

// SetFusedAllele installs digest as the fused allele for pathwayName, once
// the mutation orchestrator has fulfilled a fuse request. The composition
// it replaces is whatever was last observed (the invariant that the fused
// allele's mutation context records its exact replaced composition is
// enforced by the caller, which has that composition in hand from the
// fuse-request callback).
func (t *Tracker) SetFusedAllele(pathwayName, digest string) error {
	lock := t.lockFor(pathwayName)
	lock.Lock()
	defer lock.Unlock()
	s := t.entry(pathwayName)
	s.FusedAllele = digest
	return t.saveLocked()
}

// Decompose clears pathwayName's fused allele, making the pathway fall back
// to its step-by-step form. Reinforcement resets.
func (t *Tracker) Decompose(pathwayName string) error {
	lock := t.lockFor(pathwayName)
	lock.Lock()
	defer lock.Unlock()
	s := t.entry(pathwayName)
	s.FusedAllele = ""
	s.ConsecutiveSuccesses = 0
	return t.saveLocked()
}

func sameComposition(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *Tracker) saveLocked() error {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()

	t.statesMu.RLock()
	doc := document{Pathways: make(map[string]*State, len(t.states))}
	for k, v := range t.states {
		cp := *v
		cp.Composition = append([]string(nil), v.Composition...)
		doc.Pathways[k] = &cp
	}
	t.statesMu.RUnlock()

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}

func (t *Tracker) load() error {
	b, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("fusion: parse %s: %w", t.path, err)
	}
	if doc.Pathways == nil {
		doc.Pathways = map[string]*State{}
	}
	t.states = doc.Pathways
	return nil
}
