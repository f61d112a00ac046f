// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// OperationType identifies the logical mutation that produced a change-set.
type OperationType string

const (
	// OperationAddCountry creates a root area from an ISO country code.
	OperationAddCountry OperationType = "addCountry"

	// OperationAddArea creates a non-root area under a parent.
	OperationAddArea OperationType = "addArea"

	// OperationUpdateArea renames an area or edits its editable fields.
	OperationUpdateArea OperationType = "updateArea"

	// OperationSetParent moves an area (and its subtree) to a new parent.
	OperationSetParent OperationType = "setAreaParent"

	// OperationDeleteArea marks an area for deletion.
	OperationDeleteArea OperationType = "deleteArea"

	// OperationOrderAreas updates manual sibling sort indexes in bulk.
	OperationOrderAreas OperationType = "orderAreas"
)

// DBOperation labels a single document write within a change-set.
type DBOperation string

const (
	// DBOpInsert is the first write of a document (Version 1).
	DBOpInsert DBOperation = "insert"

	// DBOpUpdate is any subsequent write of a document.
	DBOpUpdate DBOperation = "update"
)

// DocumentKind identifies which collection a change record belongs to.
// Sibling content stores (climbs) feed the same change-sets, so the kind
// travels with every record.
type DocumentKind string

// KindAreas is the area node collection.
const KindAreas DocumentKind = "areas"

// -----------------------------------------------------------------------------
// Area Node
// -----------------------------------------------------------------------------

// AncestorEntry is one element of a node's denormalized root-to-self path.
type AncestorEntry struct {
	// ID is the internal storage identity of the ancestor.
	ID string `json:"id"`

	// PublicID is the ancestor's immutable external identifier.
	PublicID uuid.UUID `json:"public_id"`

	// Name is a denormalized copy of the ancestor's display name, kept in
	// sync by rename propagation.
	Name string `json:"name"`
}

// Relations is the denormalized view of a node's place in the tree.
//
// Children is computed from every node whose Parent equals this node.
// Ancestors is computed by walking Parent pointers up to the root and
// always ends with the node itself. Both are maintained exclusively by
// the Mutator; no other component writes them.
type Relations struct {
	// Children holds the internal IDs of direct children. Unordered set;
	// sibling display order is carried by Metadata.LeftRightIndex.
	Children []string `json:"children"`

	// Ancestors is the ordered root-to-self chain, self inclusive.
	Ancestors []AncestorEntry `json:"ancestors"`
}

// Metadata carries the structural flags of an area.
type Metadata struct {
	// Leaf marks an area eligible to hold climbs directly. An area with
	// children can never be a leaf.
	Leaf bool `json:"leaf,omitempty"`

	// IsBoulder marks a boulder area. A boulder is always also a leaf.
	IsBoulder bool `json:"is_boulder,omitempty"`

	// LeftRightIndex is the optional manual sibling sort position.
	// -1 means unset.
	LeftRightIndex int `json:"left_right_index"`
}

// Content holds the freeform editable body of an area.
type Content struct {
	Description string `json:"description,omitempty"`
}

// ChangeMeta records the most recent change-set a document participated
// in. The HistoryID -> PrevHistoryID chain across change-sets forms a
// strict causal history per document.
type ChangeMeta struct {
	// Editor is the user who performed the mutation.
	Editor uuid.UUID `json:"editor"`

	// HistoryID is the change-set this write belongs to.
	HistoryID string `json:"history_id,omitempty"`

	// PrevHistoryID is the change-set of the document's previous write.
	PrevHistoryID string `json:"prev_history_id,omitempty"`

	// Operation is the logical operation of the change-set.
	Operation OperationType `json:"operation,omitempty"`

	// Seq orders this write among all writes of the same change-set.
	Seq int `json:"seq"`
}

// StatsSummary is the aggregate block recomputed up the ancestor chain
// after tree-shape or leaf-content changes. Grade breakdowns live with the
// climb module; only the totals needed for propagation are kept here.
type StatsSummary struct {
	TotalClimbs int `json:"total_climbs"`
}

// AreaNode is one entry in the hierarchical catalog.
//
// Physical storage is flat: nodes are linked only by the single Parent
// pointer. Relations is a materialized view of that linkage and must obey
// the tree invariants after every committed mutation:
//
//   - Ancestors equals the path obtained by following Parent pointers,
//     ending with the node itself.
//   - Children contains exactly the IDs of nodes whose Parent is this
//     node; no stale back-references.
//   - The parent relation is acyclic.
//   - Leaf/boulder areas never have children.
//   - Sibling names are unique under normalized comparison.
type AreaNode struct {
	// ID is the opaque internal identity (storage key).
	ID string `json:"id"`

	// PublicID is the globally unique external identifier, immutable once
	// assigned. Root areas derive it deterministically from their country
	// code so repeated creation of the same country is detectable.
	PublicID uuid.UUID `json:"public_id"`

	// Name is the display name, unique among siblings under case- and
	// whitespace-normalized comparison.
	Name string `json:"name"`

	// Parent is the internal ID of the parent node; empty only for roots.
	Parent string `json:"parent,omitempty"`

	Relations Relations `json:"relations"`
	Metadata  Metadata  `json:"metadata"`
	Content   Content   `json:"content"`

	// Change is the stamp of the most recent change-set.
	Change ChangeMeta `json:"change"`

	// Aggregate carries the propagated statistics summary.
	Aggregate StatsSummary `json:"aggregate"`

	// TotalClimbs is maintained by the climb module for leaf areas and by
	// stats propagation for branches.
	TotalClimbs int `json:"total_climbs"`

	// DeletedAt schedules the node for expiry. Set instead of physical
	// removal so the change feed can capture the final state; the expiry
	// sweeper removes the document after the retention window.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// Version counts committed writes of this document. Version 1 is
	// reported to the change feed as an insert, later versions as updates.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// CreatedBy and UpdatedBy track authorship.
	CreatedBy uuid.UUID `json:"created_by"`
	UpdatedBy uuid.UUID `json:"updated_by"`
}

// IsRoot reports whether the node is a root (country) area.
func (a *AreaNode) IsRoot() bool { return a.Parent == "" }

// IsLeafLike reports whether the node is currently a leaf or boulder.
func (a *AreaNode) IsLeafLike() bool { return a.Metadata.Leaf || a.Metadata.IsBoulder }

// SelfEntry returns the node's own ancestor entry (always the last element
// of Relations.Ancestors).
func (a *AreaNode) SelfEntry() AncestorEntry {
	return AncestorEntry{ID: a.ID, PublicID: a.PublicID, Name: a.Name}
}

// -----------------------------------------------------------------------------
// Change-Sets
// -----------------------------------------------------------------------------

// ChangeRecord is one document write captured within a change-set,
// appended asynchronously by the change feed listener.
type ChangeRecord struct {
	// DBOp is insert or update.
	DBOp DBOperation `json:"db_op"`

	// Kind is the source collection of the document.
	Kind DocumentKind `json:"kind"`

	// DocID is the written document's internal ID.
	DocID string `json:"doc_id"`

	// Seq is the write's sequence number within the change-set.
	Seq int `json:"seq"`

	// FullDocument is the committed snapshot of the document.
	FullDocument AreaNode `json:"full_document"`
}

// ChangeSet is one causally-grouped batch of document writes produced by a
// single logical mutation.
//
// Ownership: created by the Recorder inside the mutation's transaction;
// appended to by the change feed listener after commit; read-only to every
// other consumer.
type ChangeSet struct {
	// ID identifies the change-set and is stamped into every document
	// written by the mutation as ChangeMeta.HistoryID.
	ID string `json:"id"`

	// EditedBy is the user who performed the mutation.
	EditedBy uuid.UUID `json:"edited_by"`

	// Operation is the logical mutation kind.
	Operation OperationType `json:"operation"`

	CreatedAt time.Time `json:"created_at"`

	// Changes accumulates grouped write events, held sorted by descending
	// Seq. Visibility is eventual: readers may observe a change-set before
	// its records have landed.
	Changes []ChangeRecord `json:"changes"`
}
