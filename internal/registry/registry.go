// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry is the content-addressed allele store: append-only
// source files on disk keyed by SHA-256 digest, a canonical JSON index
// rebuilt atomically on every write, and a disposable BadgerDB mirror for
// range scans by locus or lifecycle state.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sgrun/sgrun/internal/sgerr"
	"github.com/sgrun/sgrun/internal/storage"
	"github.com/sgrun/sgrun/pkg/logging"
)

const indexFileName = "index.json"

// Registry is the process handle for one project root's allele store.
// Open it with Open and release it with Close; it is safe for concurrent
// use by multiple goroutines.
type Registry struct {
	root       string
	sourcesDir string
	indexPath  string

	mu      sync.RWMutex
	alleles map[string]*Allele

	kv  *storage.DB
	log *logging.Logger
}

// Open loads (or initializes) a registry rooted at <root>/.sg/registry.
func Open(root string, log *logging.Logger) (*Registry, error) {
	if log == nil {
		log = logging.Default()
	}
	base := filepath.Join(root, ".sg", "registry")
	sourcesDir := base
	if err := os.MkdirAll(sourcesDir, 0o750); err != nil {
		return nil, fmt.Errorf("registry: create sources dir: %w", err)
	}

	r := &Registry{
		root:       root,
		sourcesDir: sourcesDir,
		indexPath:  filepath.Join(base, indexFileName),
		alleles:    make(map[string]*Allele),
		log:        log,
	}

	if err := r.loadIndex(); err != nil {
		log.Warn("registry index load failed, rebuilding from source files", "error", err)
		if rebuildErr := r.rebuildFromSources(); rebuildErr != nil {
			return nil, sgerr.New(sgerr.RegistryCorrupt, rebuildErr)
		}
	}

	kv, err := storage.Open(storage.DefaultConfig(filepath.Join(base, "kv")))
	if err != nil {
		return nil, fmt.Errorf("registry: open kv mirror: %w", err)
	}
	r.kv = kv
	if err := r.refreshMirror(); err != nil {
		log.Warn("registry kv mirror refresh failed", "error", err)
	}

	return r, nil
}

// Close releases the kv mirror handle. The JSON index needs no close.
func (r *Registry) Close() error {
	if r.kv != nil {
		return r.kv.Close()
	}
	return nil
}

// Digest returns the canonical content digest of source.
func Digest(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Put stores source for locus, deduplicating by digest. If an allele with
// this digest already exists, the existing record is returned unchanged.
func (r *Registry) Put(source, locus string, parent string, mutCtx MutationContext) (string, error) {
	digest := Digest(source)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.alleles[digest]; ok {
		return existing.Digest, nil
	}

	state := Recessive
	a := &Allele{
		Digest:      digest,
		Source:      source,
		Locus:       locus,
		ParentSHA:   parent,
		CreatedAt:   time.Now(),
		State:       state,
		MutationCtx: mutCtx,
	}
	if parent != "" {
		if p, ok := r.alleles[parent]; ok {
			a.Generation = p.Generation + 1
		}
	}

	if err := r.writeSourceFile(digest, source); err != nil {
		return "", fmt.Errorf("registry: write source: %w", err)
	}
	r.alleles[digest] = a
	if err := r.saveIndexLocked(); err != nil {
		return "", fmt.Errorf("registry: save index: %w", err)
	}
	r.mirrorPutLocked(a)
	return digest, nil
}

// Get returns a copy of the allele for digest.
func (r *Registry) Get(digest string) (*Allele, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.alleles[digest]
	if !ok {
		return nil, fmt.Errorf("registry: unknown digest %s", digest)
	}
	cp := *a
	return &cp, nil
}

// List returns every digest registered for locus, ordered by descending
// fitness (ties broken by ascending digest for determinism).
func (r *Registry) List(locus string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Allele
	for _, a := range r.alleles {
		if a.Locus == locus {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		fi, fj := simpleFitness(&out[i].Fitness), simpleFitness(&out[j].Fitness)
		if fi != fj {
			return fi > fj
		}
		return out[i].Digest < out[j].Digest
	})
	digests := make([]string, len(out))
	for i, a := range out {
		digests[i] = a.Digest
	}
	return digests
}

// UpdateFitness applies mutate to digest's FitnessRecord and persists the
// change. mutate must not retain rec beyond the call.
func (r *Registry) UpdateFitness(digest string, mutate func(rec *FitnessRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alleles[digest]
	if !ok {
		return fmt.Errorf("registry: unknown digest %s", digest)
	}
	mutate(&a.Fitness)
	if len(a.Fitness.Observations) > MaxObservations {
		a.Fitness.Observations = a.Fitness.Observations[len(a.Fitness.Observations)-MaxObservations:]
	}
	if err := r.saveIndexLocked(); err != nil {
		return err
	}
	r.mirrorPutLocked(a)
	return nil
}

// SetState transitions digest to newState and persists the change.
func (r *Registry) SetState(digest string, newState State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alleles[digest]
	if !ok {
		return fmt.Errorf("registry: unknown digest %s", digest)
	}
	a.State = newState
	if err := r.saveIndexLocked(); err != nil {
		return err
	}
	r.mirrorPutLocked(a)
	return nil
}

// SetPeerObservation stores the most recent externally supplied
// distributed-fitness report for digest. The registry keeps only the latest
// report; blending happens in the arena.
func (r *Registry) SetPeerObservation(digest string, invocations int, fitness float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alleles[digest]
	if !ok {
		return fmt.Errorf("registry: unknown digest %s", digest)
	}
	a.PeerInvocations = invocations
	a.PeerFitness = fitness
	if err := r.saveIndexLocked(); err != nil {
		return err
	}
	r.mirrorPutLocked(a)
	return nil
}

// Lineage walks parent links from digest back to its root seed allele.
func (r *Registry) Lineage(digest string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var chain []string
	cur := digest
	seen := map[string]bool{}
	for cur != "" {
		if seen[cur] {
			return nil, fmt.Errorf("registry: lineage cycle detected at %s", cur)
		}
		seen[cur] = true
		a, ok := r.alleles[cur]
		if !ok {
			break
		}
		chain = append(chain, cur)
		cur = a.ParentSHA
	}
	return chain, nil
}

// LoadSource reads the source text for digest from disk.
func (r *Registry) LoadSource(digest string) (string, error) {
	r.mu.RLock()
	a, ok := r.alleles[digest]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("registry: unknown digest %s", digest)
	}
	if a.Source != "" {
		return a.Source, nil
	}
	b, err := os.ReadFile(r.sourcePath(digest))
	if err != nil {
		return "", fmt.Errorf("registry: read source: %w", err)
	}
	return string(b), nil
}

func (r *Registry) sourcePath(digest string) string {
	return filepath.Join(r.sourcesDir, digest+".src")
}

func (r *Registry) writeSourceFile(digest, source string) error {
	path := r.sourcePath(digest)
	if _, err := os.Stat(path); err == nil {
		return nil // append-only: never overwrite an existing source file
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(source), 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// indexDoc is the on-disk shape of index.json.
type indexDoc struct {
	Alleles map[string]*Allele `json:"alleles"`
}

func (r *Registry) saveIndexLocked() error {
	doc := indexDoc{Alleles: r.alleles}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.indexPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, r.indexPath)
}

func (r *Registry) loadIndex() error {
	b, err := os.ReadFile(r.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // fresh registry
		}
		return err
	}
	var doc indexDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc.Alleles == nil {
		doc.Alleles = map[string]*Allele{}
	}
	// Source is not serialised in the index; reattach it from disk.
	for d, a := range doc.Alleles {
		if b, err := os.ReadFile(r.sourcePath(d)); err == nil {
			a.Source = string(b)
		}
	}
	r.alleles = doc.Alleles
	return nil
}

// rebuildFromSources reconstructs a minimal index purely from *.src files
// present on disk when the JSON index is missing or unparseable. Locus,
// lifecycle, and fitness history are lost; only digest/source survive.
func (r *Registry) rebuildFromSources() error {
	entries, err := os.ReadDir(r.sourcesDir)
	if err != nil {
		return err
	}
	r.alleles = make(map[string]*Allele)
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".src" {
			continue
		}
		digest := name[:len(name)-len(".src")]
		b, err := os.ReadFile(filepath.Join(r.sourcesDir, name))
		if err != nil {
			continue
		}
		r.alleles[digest] = &Allele{
			Digest:    digest,
			Source:    string(b),
			State:     Recessive,
			CreatedAt: time.Now(),
		}
	}
	return r.saveIndexLocked()
}

func (r *Registry) mirrorPutLocked(a *Allele) {
	if r.kv == nil {
		return
	}
	b, err := json.Marshal(a)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s/%s/%s", a.Locus, a.State, a.Digest)
	_ = r.kv.Put([]byte(key), b)
}

func (r *Registry) refreshMirror() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.alleles {
		r.mirrorPutLocked(a)
	}
	return nil
}

// simpleFitness computes the fallback ratio fitness (successes / max(invocations, 10))
// used for ordering when no richer temporal scoring is needed locally. The
// arena package computes the full temporal/decay-aware score; this helper
// exists so List() can order without importing arena (which itself imports
// registry).
func simpleFitness(f *FitnessRecord) float64 {
	denom := f.Invocations
	if denom < 10 {
		denom = 10
	}
	return float64(f.Successes) / float64(denom)
}
