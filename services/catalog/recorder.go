// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var changeSetsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "catalog_change_sets_created_total",
	Help: "Total change-sets created, by operation kind",
}, []string{"operation"})

// -----------------------------------------------------------------------------
// Recorder
// -----------------------------------------------------------------------------

// Recorder creates change-sets and stamps document writes with change
// metadata. One change-set is opened per mutation, inside the mutation's
// transaction; the change-set collection is written only here (creation)
// and by the feed listener (append).
type Recorder struct {
	store *Store
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// Begin creates a new empty change-set for a mutation.
//
// Description:
//
//	Writes the change-set document in the caller's transaction and
//	returns a ChangeStamp that hands out monotonic per-change-set
//	sequence numbers for the mutation's document writes. If the
//	transaction aborts, the change-set document aborts with it.
//
// Inputs:
//
//	txn - The mutation's transaction.
//	editor - User performing the mutation.
//	op - Logical operation kind.
//
// Outputs:
//
//	*ChangeStamp - Stamping handle scoped to this change-set.
//	error - Non-nil if the change-set document cannot be written.
func (r *Recorder) Begin(txn *dgbadger.Txn, editor uuid.UUID, op OperationType) (*ChangeStamp, error) {
	if editor == uuid.Nil {
		return nil, fmt.Errorf("%w: editor is required", ErrInvalidInput)
	}

	cs := &ChangeSet{
		ID:        uuid.NewString(),
		EditedBy:  editor,
		Operation: op,
		CreatedAt: time.Now().UTC(),
		Changes:   []ChangeRecord{},
	}
	if err := r.store.PutChangeSet(txn, cs); err != nil {
		return nil, err
	}

	changeSetsCreatedTotal.WithLabelValues(string(op)).Inc()
	return &ChangeStamp{changeSet: cs}, nil
}

// ChangeStamp stamps document writes within one change-set.
//
// Sequence numbers distinguish writes to different documents within the
// same logical operation: a rename writes the renamed node at seq 0 and
// each touched descendant at later seqs.
//
// Thread Safety: not safe for concurrent use; a stamp lives inside a
// single transaction.
type ChangeStamp struct {
	changeSet *ChangeSet
	nextSeq   int
}

// ChangeSetID returns the id documents are stamped with.
func (st *ChangeStamp) ChangeSetID() string { return st.changeSet.ID }

// Operation returns the change-set's logical operation kind.
func (st *ChangeStamp) Operation() OperationType { return st.changeSet.Operation }

// Stamp writes change metadata into a node about to be persisted: the
// change-set id, a pointer to the node's previous change-set, and the next
// sequence number. Also bumps the document version and update bookkeeping.
func (st *ChangeStamp) Stamp(node *AreaNode) {
	st.StampWithSeq(node, st.nextSeq)
	st.nextSeq++
}

// StampWithSeq is Stamp with an explicit sequence number, used by bulk
// operations that derive seq from input position. It does not advance the
// internal counter.
func (st *ChangeStamp) StampWithSeq(node *AreaNode, seq int) {
	node.Change = ChangeMeta{
		Editor:        st.changeSet.EditedBy,
		HistoryID:     st.changeSet.ID,
		PrevHistoryID: node.Change.HistoryID,
		Operation:     st.changeSet.Operation,
		Seq:           seq,
	}
	node.Version++
	node.UpdatedAt = time.Now().UTC()
	node.UpdatedBy = st.changeSet.EditedBy
}
