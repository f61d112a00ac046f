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

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAncestors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	usa := env.addCountry(t, "usa")
	region := env.addArea(t, "Region", usa.PublicID, false)
	crag := env.addArea(t, "Crag", region.PublicID, true)

	require.NoError(t, env.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		chain, err := env.resolver.ResolveAncestors(txn, crag.ID)
		require.NoError(t, err)
		require.Len(t, chain, 3)
		assert.Equal(t, usa.ID, chain[0].ID)
		assert.Equal(t, region.ID, chain[1].ID)
		assert.Equal(t, crag.ID, chain[2].ID)

		root, err := env.resolver.ResolveAncestors(txn, usa.ID)
		require.NoError(t, err)
		require.Len(t, root, 1)

		_, err = env.resolver.ResolveAncestors(txn, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestResolveAncestorsCorruption(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("parent cycle terminates", func(t *testing.T) {
		a := testArea("Cycle A", "")
		b := testArea("Cycle B", "")
		a.Parent = b.ID
		b.Parent = a.ID
		require.NoError(t, env.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			if err := env.store.InsertArea(txn, a); err != nil {
				return err
			}
			return env.store.InsertArea(txn, b)
		}))

		require.NoError(t, env.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
			_, err := env.resolver.ResolveAncestors(txn, a.ID)
			assert.ErrorIs(t, err, ErrIntegrityViolation)
			return nil
		}))
	})

	t.Run("dangling parent pointer detected", func(t *testing.T) {
		orphan := testArea("Orphan", "gone")
		require.NoError(t, env.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			return env.store.InsertArea(txn, orphan)
		}))

		require.NoError(t, env.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
			_, err := env.resolver.ResolveAncestors(txn, orphan.ID)
			assert.ErrorIs(t, err, ErrIntegrityViolation)
			return nil
		}))
	})
}

func TestChainContains(t *testing.T) {
	chain := []AncestorEntry{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	assert.True(t, ChainContains(chain, "b"))
	assert.False(t, ChainContains(chain, "d"))
	assert.False(t, ChainContains(nil, "a"))
}
