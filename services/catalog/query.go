// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/opencrag/atlas/pkg/logging"
	catbadger "github.com/opencrag/atlas/services/catalog/storage/badger"
)

// MaxChangeSetPage caps how many change-sets a single history query
// returns.
const MaxChangeSetPage = 500

// Query is the read-side API of the catalog. Every method runs in its own
// read-only transaction and sees a consistent snapshot.
//
// Thread Safety: safe for concurrent use.
type Query struct {
	db               *catbadger.DB
	store            *Store
	resolver         *Resolver
	traversalTimeout time.Duration
	logger           *logging.Logger
}

// QueryConfig wires a Query. DB and Store are required.
type QueryConfig struct {
	DB    *catbadger.DB
	Store *Store

	// Resolver computes authoritative ancestor chains.
	// Default: NewResolver(Store).
	Resolver *Resolver

	// TraversalTimeout bounds descendant walks. Default: 5s.
	TraversalTimeout time.Duration

	// Logger for read-side warnings. Default: logging.Default().
	Logger *logging.Logger
}

// NewQuery creates a Query.
func NewQuery(cfg QueryConfig) (*Query, error) {
	if cfg.DB == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store must not be nil")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver(cfg.Store)
	}
	if cfg.TraversalTimeout <= 0 {
		cfg.TraversalTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Query{
		db:               cfg.DB,
		store:            cfg.Store,
		resolver:         cfg.Resolver,
		traversalTimeout: cfg.TraversalTimeout,
		logger:           cfg.Logger,
	}, nil
}

// GetArea loads an active area by public id.
func (q *Query) GetArea(ctx context.Context, publicID uuid.UUID) (*AreaNode, error) {
	var node *AreaNode
	err := q.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		node, err = q.store.GetAreaByPublicID(txn, publicID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// ResolveAncestors returns the authoritative root-to-self ancestor chain
// for an area, computed by walking parent pointers rather than read from
// the denormalized Relations data.
func (q *Query) ResolveAncestors(ctx context.Context, publicID uuid.UUID) ([]AncestorEntry, error) {
	var chain []AncestorEntry
	err := q.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		node, err := q.store.GetAreaByPublicID(txn, publicID)
		if err != nil {
			return err
		}
		chain, err = q.resolver.ResolveAncestors(txn, node.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// ListRoots returns every root (country) area, sorted by name.
func (q *Query) ListRoots(ctx context.Context) ([]*AreaNode, error) {
	var roots []*AreaNode
	err := q.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		ids, err := q.store.ListChildIDs(txn, rootScope)
		if err != nil {
			return err
		}
		for _, id := range ids {
			node, err := q.store.GetAreaByID(txn, id)
			if err != nil {
				return err
			}
			if node.DeletedAt != nil {
				continue
			}
			roots = append(roots, node)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Name < roots[j].Name })
	return roots, nil
}

// ListChildren returns an area's direct active children, ordered by the
// manual sort index where set, then by name.
func (q *Query) ListChildren(ctx context.Context, publicID uuid.UUID) ([]*AreaNode, error) {
	var children []*AreaNode
	err := q.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		parent, err := q.store.GetAreaByPublicID(txn, publicID)
		if err != nil {
			return err
		}
		for _, id := range parent.Relations.Children {
			child, err := q.store.GetAreaByID(txn, id)
			if err != nil {
				return err
			}
			if child.DeletedAt != nil {
				continue
			}
			children = append(children, child)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(children, func(i, j int) bool {
		a, b := children[i], children[j]
		ai, bi := a.Metadata.LeftRightIndex, b.Metadata.LeftRightIndex
		switch {
		case ai >= 0 && bi >= 0 && ai != bi:
			return ai < bi
		case ai >= 0 && bi < 0:
			return true
		case ai < 0 && bi >= 0:
			return false
		default:
			return a.Name < b.Name
		}
	})
	return children, nil
}

// ListDescendants walks an area's subtree breadth-first through the
// denormalized children sets, down to maxDepth levels (0 means unlimited,
// bounded by MaxTreeDepth).
//
// Description:
//
//	The walk is read-only and best-effort: if the traversal deadline
//	expires mid-walk, the nodes collected so far are returned together
//	with ErrTimeout so the caller can distinguish a partial listing.
//
// Outputs:
//
//	[]*AreaNode - Descendants in breadth-first order, the starting area
//	              excluded. On ErrTimeout this holds the partial result.
//	error - ErrNotFound, ErrTimeout, ErrIntegrityViolation on cycles.
func (q *Query) ListDescendants(ctx context.Context, publicID uuid.UUID, maxDepth int) ([]*AreaNode, error) {
	if maxDepth <= 0 || maxDepth > MaxTreeDepth {
		maxDepth = MaxTreeDepth
	}
	ctx, cancel := context.WithTimeout(ctx, q.traversalTimeout)
	defer cancel()

	var out []*AreaNode
	err := q.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		start, err := q.store.GetAreaByPublicID(txn, publicID)
		if err != nil {
			return err
		}

		type frame struct {
			id    string
			depth int
		}
		queue := make([]frame, 0, len(start.Relations.Children))
		for _, c := range start.Relations.Children {
			queue = append(queue, frame{id: c, depth: 1})
		}
		visited := map[string]bool{start.ID: true}

		for len(queue) > 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%w: descendant walk of %q: %v", ErrTimeout, start.Name, ctxErr)
			}

			head := queue[0]
			queue = queue[1:]

			if visited[head.id] {
				return fmt.Errorf("%w: children cycle through area %s", ErrIntegrityViolation, head.id)
			}
			visited[head.id] = true

			node, err := q.store.GetAreaByID(txn, head.id)
			if err != nil {
				return err
			}
			if node.DeletedAt != nil {
				continue
			}
			out = append(out, node)

			if head.depth >= maxDepth {
				continue
			}
			for _, c := range node.Relations.Children {
				queue = append(queue, frame{id: c, depth: head.depth + 1})
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return out, err
		}
		return nil, err
	}
	return out, nil
}

// GetChangeSet loads one change-set by id.
func (q *Query) GetChangeSet(ctx context.Context, id string) (*ChangeSet, error) {
	var cs *ChangeSet
	err := q.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		cs, err = q.store.GetChangeSet(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// GetChangeSets returns the most recent change-sets across the whole
// catalog, newest first. limit is capped at MaxChangeSetPage; 0 means the
// cap.
func (q *Query) GetChangeSets(ctx context.Context, limit int) ([]*ChangeSet, error) {
	if limit <= 0 || limit > MaxChangeSetPage {
		limit = MaxChangeSetPage
	}

	var all []*ChangeSet
	err := q.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		return q.store.ForEachChangeSet(txn, func(cs *ChangeSet) error {
			all = append(all, cs)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// GetChangeSetsFor returns every change-set that touched the given area,
// newest first. Areas marked for deletion still resolve: history remains
// queryable for the whole retention window.
func (q *Query) GetChangeSetsFor(ctx context.Context, publicID uuid.UUID) ([]*ChangeSet, error) {
	var touched []*ChangeSet
	err := q.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		id, err := q.store.lookupPublicID(txn, publicID)
		if err != nil {
			return err
		}
		return q.store.ForEachChangeSet(txn, func(cs *ChangeSet) error {
			for _, rec := range cs.Changes {
				if rec.DocID == id {
					touched = append(touched, cs)
					return nil
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(touched, func(i, j int) bool { return touched[i].CreatedAt.After(touched[j].CreatedAt) })
	if len(touched) > MaxChangeSetPage {
		touched = touched[:MaxChangeSetPage]
	}
	return touched, nil
}
