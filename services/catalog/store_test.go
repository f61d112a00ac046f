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
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	catbadger "github.com/opencrag/atlas/services/catalog/storage/badger"
)

func newStoreEnv(t *testing.T) (*catbadger.DB, *Store) {
	t.Helper()
	db, err := catbadger.OpenDB(catbadger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, NewStore(nil)
}

func testArea(name, parent string) *AreaNode {
	node := &AreaNode{
		ID:       NewAreaID(),
		PublicID: NewPublicID(),
		Name:     name,
		Parent:   parent,
		Metadata: Metadata{LeftRightIndex: -1},
		Version:  1,
	}
	node.Relations.Ancestors = []AncestorEntry{node.SelfEntry()}
	return node
}

func TestStoreAreaRoundTrip(t *testing.T) {
	db, store := newStoreEnv(t)
	ctx := context.Background()

	node := testArea("Test Area", "")
	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return store.InsertArea(txn, node)
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		byID, err := store.GetAreaByID(txn, node.ID)
		require.NoError(t, err)
		assert.Equal(t, node.Name, byID.Name)

		byPub, err := store.GetAreaByPublicID(txn, node.PublicID)
		require.NoError(t, err)
		assert.Equal(t, node.ID, byPub.ID)

		_, err = store.GetAreaByID(txn, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.GetAreaByPublicID(txn, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestStoreRejectsDuplicatePublicID(t *testing.T) {
	db, store := newStoreEnv(t)
	ctx := context.Background()

	node := testArea("First", "")
	clone := testArea("Second", "")
	clone.PublicID = node.PublicID

	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return store.InsertArea(txn, node)
	}))
	err := db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return store.InsertArea(txn, clone)
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStoreDeletedAreasInvisibleThroughActiveReads(t *testing.T) {
	db, store := newStoreEnv(t)
	ctx := context.Background()

	node := testArea("Doomed", "")
	now := time.Now().UTC()
	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := store.InsertArea(txn, node); err != nil {
			return err
		}
		node.DeletedAt = &now
		return store.UpdateArea(txn, node, node.Parent)
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		_, err := store.GetActiveAreaByID(txn, node.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.GetAreaByPublicID(txn, node.PublicID)
		assert.ErrorIs(t, err, ErrNotFound)

		// raw read still sees it, the sweeper depends on that
		raw, err := store.GetAreaByID(txn, node.ID)
		require.NoError(t, err)
		assert.NotNil(t, raw.DeletedAt)
		return nil
	}))
}

func TestStoreParentIndexFollowsParentChanges(t *testing.T) {
	db, store := newStoreEnv(t)
	ctx := context.Background()

	p1 := testArea("Parent One", "")
	p2 := testArea("Parent Two", "")
	child := testArea("Child", p1.ID)

	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		for _, n := range []*AreaNode{p1, p2, child} {
			if err := store.InsertArea(txn, n); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		prev := child.Parent
		child.Parent = p2.ID
		return store.UpdateArea(txn, child, prev)
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		old, err := store.ListChildIDs(txn, p1.ID)
		require.NoError(t, err)
		assert.Empty(t, old)

		now, err := store.ListChildIDs(txn, p2.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{child.ID}, now)

		roots, err := store.ListChildIDs(txn, rootScope)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{p1.ID, p2.ID}, roots)
		return nil
	}))
}

func TestStoreChildIndexReconciliation(t *testing.T) {
	db, store := newStoreEnv(t)
	ctx := context.Background()

	holder := testArea("Holder", "")
	other := testArea("Other", "")
	childID := NewAreaID()

	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := store.InsertArea(txn, holder); err != nil {
			return err
		}
		if err := store.InsertArea(txn, other); err != nil {
			return err
		}
		if err := store.SetChildren(txn, holder, []string{childID}); err != nil {
			return err
		}
		return store.SetChildren(txn, other, []string{childID})
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		holders, err := store.ListChildHolders(txn, childID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{holder.ID, other.ID}, holders)
		return nil
	}))

	// dropping the reference removes the back-index entry
	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return store.SetChildren(txn, other, nil)
	}))
	require.NoError(t, db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		holders, err := store.ListChildHolders(txn, childID)
		require.NoError(t, err)
		assert.Equal(t, []string{holder.ID}, holders)
		return nil
	}))
}

func TestStoreDeleteAreaPhysical(t *testing.T) {
	db, store := newStoreEnv(t)
	ctx := context.Background()

	node := testArea("Ephemeral", "")
	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := store.InsertArea(txn, node); err != nil {
			return err
		}
		return store.SetChildren(txn, node, []string{"child-1"})
	}))

	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return store.DeleteAreaPhysical(txn, node)
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		_, err := store.GetAreaByID(txn, node.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		taken, err := store.HasPublicID(txn, node.PublicID)
		require.NoError(t, err)
		assert.False(t, taken)

		holders, err := store.ListChildHolders(txn, "child-1")
		require.NoError(t, err)
		assert.Empty(t, holders)

		roots, err := store.ListChildIDs(txn, rootScope)
		require.NoError(t, err)
		assert.Empty(t, roots)
		return nil
	}))
}

func TestStoreOutboxAndCheckpoint(t *testing.T) {
	db, store := newStoreEnv(t)
	ctx := context.Background()

	doc := testArea("Doc", "")
	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		for seq := uint64(1); seq <= 3; seq++ {
			evt := &FeedEvent{Seq: seq, DBOp: DBOpUpdate, Kind: KindAreas, DocID: doc.ID, HistoryID: "cs", Doc: *doc}
			if err := store.AppendEvent(txn, evt, time.Hour); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		checkpoint, err := store.GetCheckpoint(txn)
		require.NoError(t, err)
		assert.Zero(t, checkpoint)

		var seqs []uint64
		require.NoError(t, store.ForEachEventFrom(txn, 1, func(evt *FeedEvent) error {
			seqs = append(seqs, evt.Seq)
			return nil
		}))
		assert.Equal(t, []uint64{2, 3}, seqs)
		return nil
	}))

	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return store.SetCheckpoint(txn, 3)
	}))
	require.NoError(t, db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		checkpoint, err := store.GetCheckpoint(txn)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), checkpoint)
		return nil
	}))
}

// Two transactions touching the same document must not both commit; the
// loser surfaces badger.ErrConflict and retries at the caller's
// discretion.
func TestStoreConcurrentWriteConflict(t *testing.T) {
	db, store := newStoreEnv(t)
	ctx := context.Background()

	node := testArea("Contended", "")
	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return store.InsertArea(txn, node)
	}))

	txn1 := db.NewTransaction(true)
	defer txn1.Discard()
	txn2 := db.NewTransaction(true)
	defer txn2.Discard()

	read1, err := store.GetAreaByID(txn1, node.ID)
	require.NoError(t, err)
	read2, err := store.GetAreaByID(txn2, node.ID)
	require.NoError(t, err)

	read1.Name = "Writer One"
	require.NoError(t, store.UpdateArea(txn1, read1, read1.Parent))
	require.NoError(t, txn1.Commit())

	read2.Name = "Writer Two"
	require.NoError(t, store.UpdateArea(txn2, read2, read2.Parent))
	assert.ErrorIs(t, txn2.Commit(), dgbadger.ErrConflict)

	verify := db.NewTransaction(false)
	defer verify.Discard()
	final, err := store.GetAreaByID(verify, node.ID)
	require.NoError(t, err)
	assert.Equal(t, "Writer One", final.Name)
}
