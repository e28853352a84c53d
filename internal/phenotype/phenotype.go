// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package phenotype holds the current selection of dominant/fallback
// alleles for every locus, plus per-pathway fusion state, durably written
// to a TOML document with atomic rename semantics.
package phenotype

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"

	"github.com/sgrun/sgrun/pkg/logging"
)

// LocusEntry is one locus's current selection.
type LocusEntry struct {
	Dominant string   `toml:"dominant"`
	Fallback []string `toml:"fallback"`
}

// PathwayFusion is one pathway's reinforcement/fusion state.
type PathwayFusion struct {
	FusedAllele        string   `toml:"fused_allele,omitempty"`
	FusedFallback      []string `toml:"fused_fallback,omitempty"`
	ReinforcementCount int      `toml:"reinforcement_count"`
	LastComposition    []string `toml:"last_composition,omitempty"`
}

// document is the literal TOML shape: one [locus.<name>]
// table per locus and one [pathway_fusion.<name>] table per pathway.
type document struct {
	Locus          map[string]LocusEntry    `toml:"locus"`
	PathwayFusion  map[string]PathwayFusion `toml:"pathway_fusion"`
}

// Map is the process handle for one project root's phenotype document.
type Map struct {
	path string
	log  *logging.Logger

	mu   sync.RWMutex
	doc  document

	watcher *fsnotify.Watcher
	onChange func()
}

// ErrLocusExhausted is returned by Demote when the fallback stack is empty
// and there is no further allele to fall back to.
var ErrLocusExhausted = fmt.Errorf("phenotype: locus exhausted")

// Open loads (or initializes) the phenotype document at <root>/phenotype.toml.
func Open(root string, log *logging.Logger) (*Map, error) {
	if log == nil {
		log = logging.Default()
	}
	m := &Map{
		path: filepath.Join(root, "phenotype.toml"),
		log:  log,
		doc: document{
			Locus:         map[string]LocusEntry{},
			PathwayFusion: map[string]PathwayFusion{},
		},
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Watch starts an fsnotify watch on the phenotype file and invokes onChange
// whenever it is modified externally (e.g. by an operator or sibling
// process). This is advisory: the in-process map stays authoritative for
// any pathway run already underway. Close stops the watch.
func (m *Map) Watch(onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("phenotype: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return fmt.Errorf("phenotype: watch dir: %w", err)
	}
	m.watcher = w
	m.onChange = onChange
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name == m.path && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					if err := m.load(); err != nil {
						m.log.Warn("phenotype: reload after external change failed", "error", err)
						continue
					}
					if m.onChange != nil {
						m.onChange()
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.log.Warn("phenotype: watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (m *Map) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// Resolve returns the current dominant digest for locus, or "" if unset.
func (m *Map) Resolve(locus string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.Locus[locus].Dominant
}

// ResolveWithStack returns [dominant, fallback...] for locus, skipping an
// empty dominant slot.
func (m *Map) ResolveWithStack(locus string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.doc.Locus[locus]
	if e.Dominant == "" {
		return append([]string(nil), e.Fallback...)
	}
	return append([]string{e.Dominant}, e.Fallback...)
}

// EnsureLocus makes sure locus has an entry (idempotent).
func (m *Map) EnsureLocus(locus string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.doc.Locus[locus]; !ok {
		m.doc.Locus[locus] = LocusEntry{}
	}
}

// Promote makes digest dominant for locus, pushing the previous dominant to
// the head of fallback (removing digest from fallback if it was already
// there).
func (m *Map) Promote(locus, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.doc.Locus[locus]
	if e.Dominant == digest {
		return nil
	}
	newFallback := make([]string, 0, len(e.Fallback)+1)
	if e.Dominant != "" {
		newFallback = append(newFallback, e.Dominant)
	}
	for _, d := range e.Fallback {
		if d != digest {
			newFallback = append(newFallback, d)
		}
	}
	e.Dominant = digest
	e.Fallback = newFallback
	m.doc.Locus[locus] = e
	return m.saveLocked()
}

// AddToFallback appends digest to locus's fallback stack if not already
// present (and not the current dominant).
func (m *Map) AddToFallback(locus, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.doc.Locus[locus]
	if e.Dominant == digest {
		return nil
	}
	for _, d := range e.Fallback {
		if d == digest {
			return nil
		}
	}
	e.Fallback = append(e.Fallback, digest)
	m.doc.Locus[locus] = e
	return m.saveLocked()
}

// Demote pops the current dominant down to recessive and promotes the next
// fallback entry to dominant. Returns ErrLocusExhausted if there is no
// fallback to promote.
func (m *Map) Demote(locus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.doc.Locus[locus]
	if len(e.Fallback) == 0 {
		e.Dominant = ""
		m.doc.Locus[locus] = e
		_ = m.saveLocked()
		return ErrLocusExhausted
	}
	e.Dominant = e.Fallback[0]
	e.Fallback = e.Fallback[1:]
	m.doc.Locus[locus] = e
	return m.saveLocked()
}

// ReorderFallback replaces locus's fallback stack with ordered, typically
// called by the arena after a fitness-driven reordering of the recessive
// pool. The dominant slot is untouched and removed from ordered if present.
func (m *Map) ReorderFallback(locus string, ordered []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.doc.Locus[locus]
	filtered := make([]string, 0, len(ordered))
	for _, d := range ordered {
		if d != e.Dominant {
			filtered = append(filtered, d)
		}
	}
	e.Fallback = filtered
	m.doc.Locus[locus] = e
	return m.saveLocked()
}

// PathwayState returns a copy of the fusion state for name (zero value if
// unset).
func (m *Map) PathwayState(name string) PathwayFusion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.PathwayFusion[name]
}

// SetFusion records digest as the fused allele for pathway name.
func (m *Map) SetFusion(name, digest string, composition []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.doc.PathwayFusion[name]
	p.FusedAllele = digest
	p.LastComposition = composition
	m.doc.PathwayFusion[name] = p
	return m.saveLocked()
}

// ClearFusion removes the fused allele for pathway name (decomposition).
func (m *Map) ClearFusion(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.doc.PathwayFusion[name]
	p.FusedAllele = ""
	m.doc.PathwayFusion[name] = p
	return m.saveLocked()
}

// UpdateReinforcement sets the reinforcement counter and last-seen
// composition for pathway name.
func (m *Map) UpdateReinforcement(name string, count int, composition []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.doc.PathwayFusion[name]
	p.ReinforcementCount = count
	p.LastComposition = composition
	m.doc.PathwayFusion[name] = p
	return m.saveLocked()
}

// Loci returns all known locus names, sorted.
func (m *Map) Loci() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.doc.Locus))
	for k := range m.doc.Locus {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Map) saveLocked() error {
	b, err := toml.Marshal(m.doc)
	if err != nil {
		return fmt.Errorf("phenotype: marshal: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return fmt.Errorf("phenotype: write: %w", err)
	}
	return os.Rename(tmp, m.path)
}

func (m *Map) load() error {
	b, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("phenotype: read: %w", err)
	}
	var doc document
	if err := toml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("phenotype: parse: %w", err)
	}
	if doc.Locus == nil {
		doc.Locus = map[string]LocusEntry{}
	}
	if doc.PathwayFusion == nil {
		doc.PathwayFusion = map[string]PathwayFusion{}
	}
	m.mu.Lock()
	m.doc = doc
	m.mu.Unlock()
	return nil
}
