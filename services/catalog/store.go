// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/opencrag/atlas/pkg/logging"
)

// -----------------------------------------------------------------------------
// Key Scheme
// -----------------------------------------------------------------------------

// The whole catalog lives in one badger keyspace:
//
//	area:<id>                    -> AreaNode JSON
//	idx:pub:<publicId>           -> internal id
//	idx:parent:<scope>:<id>      -> "" (parent-scope membership; scope is
//	                                the parent's internal id, or rootScope
//	                                for parentless areas)
//	idx:child:<childId>:<holder> -> "" (holder's children set contains
//	                                childId; used to find stale refs)
//	changeset:<id>               -> ChangeSet JSON
//	evt:<seq>                    -> FeedEvent JSON (transactional outbox)
//	feed:checkpoint              -> last processed outbox seq
//
// Secondary indexes are maintained inside the same transaction as the
// document writes they describe, so they are never observably stale.

const (
	areaKeyPrefix      = "area:"
	pubIndexPrefix     = "idx:pub:"
	parentIndexPrefix  = "idx:parent:"
	childIndexPrefix   = "idx:child:"
	changeSetKeyPrefix = "changeset:"
	eventKeyPrefix     = "evt:"
	checkpointKey      = "feed:checkpoint"

	// rootScope is the parent-index scope shared by all parentless areas.
	// Internal ids are UUID strings, so the sentinel can never collide.
	rootScope = "_root_"
)

func areaKey(id string) []byte      { return []byte(areaKeyPrefix + id) }
func pubIndexKey(p uuid.UUID) []byte { return []byte(pubIndexPrefix + p.String()) }
func changeSetKey(id string) []byte { return []byte(changeSetKeyPrefix + id) }
func eventKey(seq uint64) []byte    { return []byte(fmt.Sprintf("%s%020d", eventKeyPrefix, seq)) }

func parentIndexKey(scope, id string) []byte {
	return []byte(parentIndexPrefix + scope + ":" + id)
}

func childIndexKey(childID, holderID string) []byte {
	return []byte(childIndexPrefix + childID + ":" + holderID)
}

// parentScopeOf returns the parent-index scope for a node with the given
// parent pointer.
func parentScopeOf(parent string) string {
	if parent == "" {
		return rootScope
	}
	return parent
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store is the flat persisted collection of area records plus the
// change-set collection and feed outbox. All methods are transaction
// scoped: they operate on the caller's badger transaction and perform no
// commits themselves.
//
// The Store maintains the secondary indexes but never touches Relations
// or Parent semantics; structural consistency is the Mutator's job.
//
// Thread Safety: Store itself is stateless and safe for concurrent use;
// badger transactions are not, and must not be shared across goroutines.
type Store struct {
	logger *logging.Logger
}

// NewStore creates a Store. A nil logger falls back to the default.
func NewStore(logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{logger: logger}
}

// -----------------------------------------------------------------------------
// Area Documents
// -----------------------------------------------------------------------------

// GetAreaByID loads an area by internal id, including areas marked for
// deletion. Returns ErrNotFound if no document exists.
func (s *Store) GetAreaByID(txn *dgbadger.Txn, id string) (*AreaNode, error) {
	item, err := txn.Get(areaKey(id))
	if err != nil {
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: area %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get area %s: %w", id, err)
	}

	var node AreaNode
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &node)
	}); err != nil {
		return nil, fmt.Errorf("decode area %s: %w", id, err)
	}
	return &node, nil
}

// GetActiveAreaByID loads an area by internal id, treating areas marked
// for deletion as absent.
func (s *Store) GetActiveAreaByID(txn *dgbadger.Txn, id string) (*AreaNode, error) {
	node, err := s.GetAreaByID(txn, id)
	if err != nil {
		return nil, err
	}
	if node.DeletedAt != nil {
		return nil, fmt.Errorf("%w: area %s is marked for deletion", ErrNotFound, id)
	}
	return node, nil
}

// GetAreaByPublicID resolves a public identifier through the public-id
// index and loads the active area document.
func (s *Store) GetAreaByPublicID(txn *dgbadger.Txn, publicID uuid.UUID) (*AreaNode, error) {
	id, err := s.lookupPublicID(txn, publicID)
	if err != nil {
		return nil, err
	}
	return s.GetActiveAreaByID(txn, id)
}

// HasPublicID reports whether a public identifier is already assigned.
func (s *Store) HasPublicID(txn *dgbadger.Txn, publicID uuid.UUID) (bool, error) {
	_, err := txn.Get(pubIndexKey(publicID))
	if err != nil {
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("probe public id %s: %w", publicID, err)
	}
	return true, nil
}

func (s *Store) lookupPublicID(txn *dgbadger.Txn, publicID uuid.UUID) (string, error) {
	item, err := txn.Get(pubIndexKey(publicID))
	if err != nil {
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: area with public id %s", ErrNotFound, publicID)
		}
		return "", fmt.Errorf("lookup public id %s: %w", publicID, err)
	}
	var id string
	if err := item.Value(func(val []byte) error {
		id = string(val)
		return nil
	}); err != nil {
		return "", fmt.Errorf("read public id index %s: %w", publicID, err)
	}
	return id, nil
}

// InsertArea writes a brand-new area document and its index entries.
// The public id must not already be assigned.
func (s *Store) InsertArea(txn *dgbadger.Txn, node *AreaNode) error {
	taken, err := s.HasPublicID(txn, node.PublicID)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: public id %s already exists", ErrInvalidInput, node.PublicID)
	}

	if err := s.writeAreaDoc(txn, node); err != nil {
		return err
	}
	if err := txn.Set(pubIndexKey(node.PublicID), []byte(node.ID)); err != nil {
		return fmt.Errorf("index public id %s: %w", node.PublicID, err)
	}
	if err := txn.Set(parentIndexKey(parentScopeOf(node.Parent), node.ID), nil); err != nil {
		return fmt.Errorf("index parent scope for %s: %w", node.ID, err)
	}
	return nil
}

// UpdateArea rewrites an existing area document. prevParent is the parent
// pointer the document held before this transaction modified it; when the
// parent changed, the parent-scope index entry is moved accordingly.
func (s *Store) UpdateArea(txn *dgbadger.Txn, node *AreaNode, prevParent string) error {
	if err := s.writeAreaDoc(txn, node); err != nil {
		return err
	}
	if prevParent != node.Parent {
		if err := txn.Delete(parentIndexKey(parentScopeOf(prevParent), node.ID)); err != nil {
			return fmt.Errorf("unindex old parent scope for %s: %w", node.ID, err)
		}
		if err := txn.Set(parentIndexKey(parentScopeOf(node.Parent), node.ID), nil); err != nil {
			return fmt.Errorf("index new parent scope for %s: %w", node.ID, err)
		}
	}
	return nil
}

func (s *Store) writeAreaDoc(txn *dgbadger.Txn, node *AreaNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode area %s: %w", node.ID, err)
	}
	if err := txn.Set(areaKey(node.ID), data); err != nil {
		return fmt.Errorf("write area %s: %w", node.ID, err)
	}
	return nil
}

// SetChildren replaces a node's denormalized children set and reconciles
// the child index so every holder of a child id can be found later.
func (s *Store) SetChildren(txn *dgbadger.Txn, node *AreaNode, children []string) error {
	next := make(map[string]bool, len(children))
	for _, c := range children {
		next[c] = true
	}

	for _, old := range node.Relations.Children {
		if !next[old] {
			if err := txn.Delete(childIndexKey(old, node.ID)); err != nil {
				return fmt.Errorf("unindex child %s of %s: %w", old, node.ID, err)
			}
		}
	}
	prev := make(map[string]bool, len(node.Relations.Children))
	for _, c := range node.Relations.Children {
		prev[c] = true
	}
	for _, c := range children {
		if !prev[c] {
			if err := txn.Set(childIndexKey(c, node.ID), nil); err != nil {
				return fmt.Errorf("index child %s of %s: %w", c, node.ID, err)
			}
		}
	}

	node.Relations.Children = children
	return nil
}

// DeleteAreaPhysical removes an area document and all its index entries.
// Used only by the expiry sweeper after the retention window.
func (s *Store) DeleteAreaPhysical(txn *dgbadger.Txn, node *AreaNode) error {
	if err := txn.Delete(areaKey(node.ID)); err != nil {
		return fmt.Errorf("delete area %s: %w", node.ID, err)
	}
	if err := txn.Delete(pubIndexKey(node.PublicID)); err != nil {
		return fmt.Errorf("unindex public id %s: %w", node.PublicID, err)
	}
	if err := txn.Delete(parentIndexKey(parentScopeOf(node.Parent), node.ID)); err != nil {
		return fmt.Errorf("unindex parent scope for %s: %w", node.ID, err)
	}
	for _, c := range node.Relations.Children {
		if err := txn.Delete(childIndexKey(c, node.ID)); err != nil {
			return fmt.Errorf("unindex child %s of %s: %w", c, node.ID, err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Index Scans
// -----------------------------------------------------------------------------

// ListChildIDs returns the internal ids of all areas whose parent pointer
// equals the given scope (use rootScope for parentless areas). The result
// reflects parent pointers, not the denormalized children sets.
func (s *Store) ListChildIDs(txn *dgbadger.Txn, scope string) ([]string, error) {
	prefix := []byte(parentIndexPrefix + scope + ":")
	return s.scanSuffixes(txn, prefix)
}

// ListChildHolders returns the internal ids of every area whose children
// set currently contains childID. In a consistent tree this is at most the
// child's real parent; extra entries are stale references.
func (s *Store) ListChildHolders(txn *dgbadger.Txn, childID string) ([]string, error) {
	prefix := []byte(childIndexPrefix + childID + ":")
	return s.scanSuffixes(txn, prefix)
}

func (s *Store) scanSuffixes(txn *dgbadger.Txn, prefix []byte) ([]string, error) {
	opts := dgbadger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		out = append(out, string(key[len(prefix):]))
	}
	return out, nil
}

// ListAllAreaIDs returns every area document id, including ones marked for
// deletion. Used by the expiry sweeper and integrity checks.
func (s *Store) ListAllAreaIDs(txn *dgbadger.Txn) ([]string, error) {
	return s.scanSuffixes(txn, []byte(areaKeyPrefix))
}

// -----------------------------------------------------------------------------
// Change-Sets
// -----------------------------------------------------------------------------

// PutChangeSet writes a change-set document.
func (s *Store) PutChangeSet(txn *dgbadger.Txn, cs *ChangeSet) error {
	data, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("encode change-set %s: %w", cs.ID, err)
	}
	if err := txn.Set(changeSetKey(cs.ID), data); err != nil {
		return fmt.Errorf("write change-set %s: %w", cs.ID, err)
	}
	return nil
}

// GetChangeSet loads a change-set by id. Returns ErrNotFound if absent.
func (s *Store) GetChangeSet(txn *dgbadger.Txn, id string) (*ChangeSet, error) {
	item, err := txn.Get(changeSetKey(id))
	if err != nil {
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: change-set %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get change-set %s: %w", id, err)
	}

	var cs ChangeSet
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &cs)
	}); err != nil {
		return nil, fmt.Errorf("decode change-set %s: %w", id, err)
	}
	return &cs, nil
}

// ForEachChangeSet invokes fn for every stored change-set. Iteration order
// is key order, not recency; callers sort.
func (s *Store) ForEachChangeSet(txn *dgbadger.Txn, fn func(cs *ChangeSet) error) error {
	opts := dgbadger.DefaultIteratorOptions
	opts.Prefix = []byte(changeSetKeyPrefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var cs ChangeSet
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &cs)
		}); err != nil {
			return fmt.Errorf("decode change-set %s: %w", it.Item().Key(), err)
		}
		if err := fn(&cs); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Feed Outbox
// -----------------------------------------------------------------------------

// AppendEvent writes a committed-write event to the transactional outbox.
// The entry carries a TTL so badger reclaims it long after the listener's
// checkpoint has passed it.
func (s *Store) AppendEvent(txn *dgbadger.Txn, evt *FeedEvent, ttl time.Duration) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode feed event %d: %w", evt.Seq, err)
	}
	entry := dgbadger.NewEntry(eventKey(evt.Seq), data)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	if err := txn.SetEntry(entry); err != nil {
		return fmt.Errorf("write feed event %d: %w", evt.Seq, err)
	}
	return nil
}

// ForEachEventFrom invokes fn for every outbox event with seq > afterSeq,
// in ascending seq order. fn returning a non-nil error stops iteration.
func (s *Store) ForEachEventFrom(txn *dgbadger.Txn, afterSeq uint64, fn func(evt *FeedEvent) error) error {
	opts := dgbadger.DefaultIteratorOptions
	opts.Prefix = []byte(eventKeyPrefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(eventKey(afterSeq + 1)); it.Valid(); it.Next() {
		var evt FeedEvent
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &evt)
		}); err != nil {
			return fmt.Errorf("decode feed event %s: %w", it.Item().Key(), err)
		}
		if err := fn(&evt); err != nil {
			return err
		}
	}
	return nil
}

// GetCheckpoint returns the last outbox seq the listener has durably
// processed, or 0 when no checkpoint exists yet.
func (s *Store) GetCheckpoint(txn *dgbadger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(checkpointKey))
	if err != nil {
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get feed checkpoint: %w", err)
	}
	var seq uint64
	if err := item.Value(func(val []byte) error {
		_, scanErr := fmt.Sscanf(string(val), "%d", &seq)
		return scanErr
	}); err != nil {
		return 0, fmt.Errorf("decode feed checkpoint: %w", err)
	}
	return seq, nil
}

// SetCheckpoint records the last processed outbox seq.
func (s *Store) SetCheckpoint(txn *dgbadger.Txn, seq uint64) error {
	if err := txn.Set([]byte(checkpointKey), []byte(fmt.Sprintf("%d", seq))); err != nil {
		return fmt.Errorf("write feed checkpoint: %w", err)
	}
	return nil
}
