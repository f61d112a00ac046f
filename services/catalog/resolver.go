// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"errors"
	"fmt"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// MaxTreeDepth is the hard ceiling on ancestor-walk iterations and cascade
// depth. A healthy catalog is a handful of levels deep (country, region,
// crag, climb groupings); hitting the ceiling means the parent relation is
// corrupted.
const MaxTreeDepth = 128

// Resolver computes the authoritative ancestor chain for a node by
// walking parent pointers in the store. It is the ground truth against
// which the denormalized Relations.Ancestors data is built and validated.
//
// Thread Safety: stateless; safe for concurrent use with per-goroutine
// transactions.
type Resolver struct {
	store *Store
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveAncestors returns the ordered root-to-self ancestor chain for the
// area with the given internal id.
//
// Description:
//
//	Constrained upward traversal: follow Parent until absent. Bounded by
//	MaxTreeDepth; if corrupted data forms a parent cycle the walk
//	terminates and reports ErrIntegrityViolation instead of looping.
//
// Inputs:
//
//	txn - Caller's transaction; the walk sees that transaction's view.
//	id - Internal id of the starting node.
//
// Outputs:
//
//	[]AncestorEntry - Root first, the node itself last.
//	error - ErrNotFound if the node does not exist; ErrIntegrityViolation
//	        on cycles, dangling parent pointers, or depth overflow.
func (r *Resolver) ResolveAncestors(txn *dgbadger.Txn, id string) ([]AncestorEntry, error) {
	start, err := r.store.GetActiveAreaByID(txn, id)
	if err != nil {
		return nil, err
	}

	// Collect self-upward, then reverse into root-first order.
	reversed := []AncestorEntry{start.SelfEntry()}
	seen := map[string]bool{start.ID: true}

	current := start
	for depth := 0; current.Parent != ""; depth++ {
		if depth >= MaxTreeDepth {
			return nil, fmt.Errorf("%w: ancestor chain of %q exceeds depth %d", ErrIntegrityViolation, start.Name, MaxTreeDepth)
		}

		parent, err := r.store.GetAreaByID(txn, current.Parent)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: area %q has dangling parent pointer %s", ErrIntegrityViolation, current.Name, current.Parent)
			}
			return nil, err
		}
		if seen[parent.ID] {
			return nil, fmt.Errorf("%w: parent cycle through area %q", ErrIntegrityViolation, parent.Name)
		}
		seen[parent.ID] = true

		reversed = append(reversed, parent.SelfEntry())
		current = parent
	}

	chain := make([]AncestorEntry, len(reversed))
	for i, entry := range reversed {
		chain[len(reversed)-1-i] = entry
	}
	return chain, nil
}

// ChainContains reports whether an ancestor chain includes the given
// internal id. Used for cycle prevention before re-parenting.
func ChainContains(chain []AncestorEntry, id string) bool {
	for _, entry := range chain {
		if entry.ID == id {
			return true
		}
	}
	return false
}
