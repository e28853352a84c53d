// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutDeduplicates(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer r.Close()

	d1, err := r.Put("def execute(x): return x", "noop", "", MutationContext{})
	require.NoError(t, err)
	d2, err := r.Put("def execute(x): return x", "noop", "", MutationContext{})
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, 1, len(r.List("noop")))
}

func TestPutGetRoundTrip(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer r.Close()

	source := "def execute(x): return x + 1"
	digest, err := r.Put(source, "increment", "", MutationContext{})
	require.NoError(t, err)
	assert.Equal(t, Digest(source), digest)

	a, err := r.Get(digest)
	require.NoError(t, err)
	assert.Equal(t, "increment", a.Locus)
	assert.Equal(t, Recessive, a.State)

	loaded, err := r.LoadSource(digest)
	require.NoError(t, err)
	assert.Equal(t, source, loaded)
}

func TestLineage(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer r.Close()

	root, err := r.Put("v1", "x", "", MutationContext{})
	require.NoError(t, err)
	child, err := r.Put("v2", "x", root, MutationContext{Trigger: "regression"})
	require.NoError(t, err)

	chain, err := r.Lineage(child)
	require.NoError(t, err)
	assert.Equal(t, []string{child, root}, chain)

	a, err := r.Get(child)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Generation)
}

func TestUpdateFitnessAndSetState(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer r.Close()

	digest, err := r.Put("v1", "x", "", MutationContext{})
	require.NoError(t, err)

	err = r.UpdateFitness(digest, func(f *FitnessRecord) {
		f.Invocations++
		f.Successes++
	})
	require.NoError(t, err)

	a, err := r.Get(digest)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Fitness.Invocations)
	assert.Equal(t, 1, a.Fitness.Successes)

	require.NoError(t, r.SetState(digest, Dominant))
	a, err = r.Get(digest)
	require.NoError(t, err)
	assert.Equal(t, Dominant, a.State)
}

func TestReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, nil)
	require.NoError(t, err)
	digest, err := r.Put("v1", "x", "", MutationContext{})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r2, err := Open(dir, nil)
	require.NoError(t, err)
	defer r2.Close()

	a, err := r2.Get(digest)
	require.NoError(t, err)
	assert.Equal(t, "x", a.Locus)
}
