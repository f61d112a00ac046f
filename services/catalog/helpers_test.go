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
	"github.com/stretchr/testify/require"

	catbadger "github.com/opencrag/atlas/services/catalog/storage/badger"
)

// testEnv is a fully wired in-memory catalog for tests. The listener is
// constructed but not started; tests drain the feed synchronously with
// ProcessOnce.
type testEnv struct {
	db       *catbadger.DB
	store    *Store
	resolver *Resolver
	mutator  *Mutator
	listener *Listener
	query    *Query
	editor   uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := catbadger.OpenDB(catbadger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(nil)
	resolver := NewResolver(store)

	mutator, err := NewMutator(MutatorConfig{
		DB:             db,
		Store:          store,
		Resolver:       resolver,
		CascadeTimeout: 10 * time.Second,
		EventRetention: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mutator.Close() })

	listener, err := NewListener(ListenerConfig{DB: db, Store: store})
	require.NoError(t, err)

	query, err := NewQuery(QueryConfig{DB: db, Store: store, Resolver: resolver})
	require.NoError(t, err)

	return &testEnv{
		db:       db,
		store:    store,
		resolver: resolver,
		mutator:  mutator,
		listener: listener,
		query:    query,
		editor:   uuid.New(),
	}
}

// addCountry creates a country root or fails the test.
func (e *testEnv) addCountry(t *testing.T, code string) *AreaNode {
	t.Helper()
	node, err := e.mutator.AddCountry(context.Background(), e.editor, code)
	require.NoError(t, err)
	return node
}

// addArea creates an area under the given parent or fails the test.
func (e *testEnv) addArea(t *testing.T, name string, parent uuid.UUID, leaf bool) *AreaNode {
	t.Helper()
	opts := AddAreaOptions{Editor: e.editor, Name: name, ParentPublicID: &parent}
	if leaf {
		opts.IsLeaf = &leaf
	}
	node, err := e.mutator.AddArea(context.Background(), opts)
	require.NoError(t, err)
	return node
}

// reload fetches the current committed state of an area by internal id.
func (e *testEnv) reload(t *testing.T, id string) *AreaNode {
	t.Helper()
	var node *AreaNode
	err := e.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		var err error
		node, err = e.store.GetAreaByID(txn, id)
		return err
	})
	require.NoError(t, err)
	return node
}

// drainFeed processes all pending outbox events.
func (e *testEnv) drainFeed(t *testing.T) int {
	t.Helper()
	n, err := e.listener.ProcessOnce(context.Background())
	require.NoError(t, err)
	return n
}

// changeSet loads a change-set by id or fails the test.
func (e *testEnv) changeSet(t *testing.T, id string) *ChangeSet {
	t.Helper()
	var cs *ChangeSet
	err := e.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		var err error
		cs, err = e.store.GetChangeSet(txn, id)
		return err
	})
	require.NoError(t, err)
	return cs
}

// requireAncestorsConsistent verifies that the denormalized ancestors of
// every area equal the chain obtained by walking parent pointers, and
// that no children set holds a stale reference.
func (e *testEnv) requireAncestorsConsistent(t *testing.T) {
	t.Helper()
	err := e.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		ids, err := e.store.ListAllAreaIDs(txn)
		if err != nil {
			return err
		}
		for _, id := range ids {
			node, err := e.store.GetAreaByID(txn, id)
			if err != nil {
				return err
			}
			if node.DeletedAt != nil {
				continue
			}

			chain, err := e.resolver.ResolveAncestors(txn, id)
			require.NoError(t, err)
			require.Equal(t, chain, node.Relations.Ancestors,
				"denormalized ancestors of %q diverge from parent pointers", node.Name)

			for _, childID := range node.Relations.Children {
				child, err := e.store.GetAreaByID(txn, childID)
				require.NoError(t, err, "children of %q reference missing area %s", node.Name, childID)
				require.Equal(t, node.ID, child.Parent,
					"stale child reference: %q lists %q but its parent is %q", node.Name, child.Name, child.Parent)
			}
		}
		return nil
	})
	require.NoError(t, err)
}
