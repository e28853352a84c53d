// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package phenotype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromoteDemote(t *testing.T) {
	m, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Promote("x", "digestA"))
	assert.Equal(t, "digestA", m.Resolve("x"))

	require.NoError(t, m.Promote("x", "digestB"))
	assert.Equal(t, "digestB", m.Resolve("x"))
	assert.Equal(t, []string{"digestB", "digestA"}, m.ResolveWithStack("x"))

	require.NoError(t, m.Demote("x"))
	assert.Equal(t, "digestA", m.Resolve("x"))

	err = m.Demote("x")
	assert.ErrorIs(t, err, ErrLocusExhausted)
	assert.Equal(t, "", m.Resolve("x"))
}

func TestFusionLifecycle(t *testing.T) {
	m, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.UpdateReinforcement("p", 9, []string{"a", "b"}))
	st := m.PathwayState("p")
	assert.Equal(t, 9, st.ReinforcementCount)
	assert.Empty(t, st.FusedAllele)

	require.NoError(t, m.SetFusion("p", "fused1", []string{"a", "b"}))
	st = m.PathwayState("p")
	assert.Equal(t, "fused1", st.FusedAllele)

	require.NoError(t, m.ClearFusion("p"))
	st = m.PathwayState("p")
	assert.Empty(t, st.FusedAllele)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, m.Promote("noop", "d1"))
	require.NoError(t, m.Close())

	m2, err := Open(dir, nil)
	require.NoError(t, err)
	defer m2.Close()
	assert.Equal(t, "d1", m2.Resolve("noop"))
}
