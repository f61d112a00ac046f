// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryReads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	usa := env.addCountry(t, "usa")
	can := env.addCountry(t, "ca")
	region := env.addArea(t, "Region", usa.PublicID, false)
	crag := env.addArea(t, "Crag", region.PublicID, true)
	sector := env.addArea(t, "Sector", usa.PublicID, false)

	t.Run("GetArea", func(t *testing.T) {
		got, err := env.query.GetArea(ctx, region.PublicID)
		require.NoError(t, err)
		assert.Equal(t, region.ID, got.ID)

		_, err = env.query.GetArea(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListRoots sorted by name", func(t *testing.T) {
		roots, err := env.query.ListRoots(ctx)
		require.NoError(t, err)
		require.Len(t, roots, 2)
		assert.Equal(t, can.ID, roots[0].ID) // Canada before United States
		assert.Equal(t, usa.ID, roots[1].ID)
	})

	t.Run("ResolveAncestors by public id", func(t *testing.T) {
		chain, err := env.query.ResolveAncestors(ctx, crag.PublicID)
		require.NoError(t, err)
		require.Len(t, chain, 3)
		assert.Equal(t, usa.ID, chain[0].ID)
	})

	t.Run("ListDescendants full depth", func(t *testing.T) {
		nodes, err := env.query.ListDescendants(ctx, usa.PublicID, 0)
		require.NoError(t, err)
		ids := make([]string, len(nodes))
		for i, n := range nodes {
			ids[i] = n.ID
		}
		assert.ElementsMatch(t, []string{region.ID, sector.ID, crag.ID}, ids)
	})

	t.Run("ListDescendants bounded depth", func(t *testing.T) {
		nodes, err := env.query.ListDescendants(ctx, usa.PublicID, 1)
		require.NoError(t, err)
		ids := make([]string, len(nodes))
		for i, n := range nodes {
			ids[i] = n.ID
		}
		assert.ElementsMatch(t, []string{region.ID, sector.ID}, ids)
	})
}

func TestQueryChangeHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	usa := env.addCountry(t, "usa")
	region := env.addArea(t, "Region", usa.PublicID, false)
	newName := "Region Renamed"
	renamed, err := env.mutator.UpdateArea(ctx, UpdateAreaOptions{
		Editor: env.editor, AreaPublicID: region.PublicID, Name: &newName,
	})
	require.NoError(t, err)
	env.drainFeed(t)

	t.Run("GetChangeSetsFor returns the area's history newest first", func(t *testing.T) {
		sets, err := env.query.GetChangeSetsFor(ctx, region.PublicID)
		require.NoError(t, err)
		require.Len(t, sets, 2)
		assert.Equal(t, OperationUpdateArea, sets[0].Operation)
		assert.Equal(t, OperationAddArea, sets[1].Operation)
		assert.Equal(t, renamed.Change.HistoryID, sets[0].ID)
	})

	t.Run("country history includes child creation but not the rename", func(t *testing.T) {
		sets, err := env.query.GetChangeSetsFor(ctx, usa.PublicID)
		require.NoError(t, err)
		ops := make([]OperationType, len(sets))
		for i, cs := range sets {
			ops[i] = cs.Operation
		}
		assert.ElementsMatch(t, []OperationType{OperationAddCountry, OperationAddArea}, ops)
	})

	t.Run("GetChangeSets caps and orders", func(t *testing.T) {
		sets, err := env.query.GetChangeSets(ctx, 2)
		require.NoError(t, err)
		require.Len(t, sets, 2)
		assert.False(t, sets[0].CreatedAt.Before(sets[1].CreatedAt))
	})

	t.Run("GetChangeSet by id", func(t *testing.T) {
		cs, err := env.query.GetChangeSet(ctx, renamed.Change.HistoryID)
		require.NoError(t, err)
		assert.Equal(t, OperationUpdateArea, cs.Operation)

		_, err = env.query.GetChangeSet(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
