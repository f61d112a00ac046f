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
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opencrag/atlas/pkg/logging"
	"github.com/opencrag/atlas/pkg/validation"
	catbadger "github.com/opencrag/atlas/services/catalog/storage/badger"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_mutations_total",
		Help: "Total tree mutations by operation and status",
	}, []string{"operation", "status"})

	cascadeSizeHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_cascade_documents",
		Help:    "Documents written per descendant cascade",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	})
)

var tracer = otel.Tracer("github.com/opencrag/atlas/services/catalog")

// -----------------------------------------------------------------------------
// Mutator
// -----------------------------------------------------------------------------

// MutatorConfig wires the Mutator's collaborators. DB and Store are
// required; everything else has a default.
type MutatorConfig struct {
	// DB is the managed badger instance. Required.
	DB *catbadger.DB

	// Store is the node store. Required.
	Store *Store

	// Resolver computes authoritative ancestor chains.
	// Default: NewResolver(Store).
	Resolver *Resolver

	// Recorder creates and stamps change-sets.
	// Default: NewRecorder(Store).
	Recorder *Recorder

	// ContentChecker answers climb-existence queries.
	// Default: NoLeafContent().
	ContentChecker LeafContentChecker

	// Summarizer recomputes aggregate statistics.
	// Default: TotalsSummarizer().
	Summarizer Summarizer

	// CascadeTimeout bounds descendant cascades. Default: 30s.
	CascadeTimeout time.Duration

	// EventRetention is the TTL on feed outbox entries. Default: 72h.
	EventRetention time.Duration

	// Logger for mutation events. Default: logging.Default().
	Logger *logging.Logger
}

// Mutator is the tree mutation engine: the single entry point for every
// structural change to the catalog. Each operation runs in one badger
// read-write transaction; either the whole set of consistency writes
// commits, or nothing does. A commit conflict surfaces as
// badger.ErrConflict and is never retried here; retry policy belongs to
// the caller.
//
// No collaborator may write Parent or Relations directly.
//
// Thread Safety: safe for concurrent use; concurrent mutations against
// overlapping subtrees serialize through badger's conflict detection.
type Mutator struct {
	db             *catbadger.DB
	store          *Store
	resolver       *Resolver
	recorder       *Recorder
	content        LeafContentChecker
	summarizer     Summarizer
	cascadeTimeout time.Duration
	eventRetention time.Duration
	feedSeq        *dgbadger.Sequence
	validate       *validator.Validate
	logger         *logging.Logger
}

// NewMutator creates a Mutator.
//
// Outputs:
//
//	*Mutator - Ready for use. Call Close() on shutdown to release the
//	           feed sequence.
//	error - Non-nil if required collaborators are missing.
func NewMutator(cfg MutatorConfig) (*Mutator, error) {
	if cfg.DB == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store must not be nil")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver(cfg.Store)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NewRecorder(cfg.Store)
	}
	if cfg.ContentChecker == nil {
		cfg.ContentChecker = NoLeafContent()
	}
	if cfg.Summarizer == nil {
		cfg.Summarizer = TotalsSummarizer()
	}
	if cfg.CascadeTimeout <= 0 {
		cfg.CascadeTimeout = 30 * time.Second
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = 72 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	seq, err := cfg.DB.GetSequence([]byte("seq:feed"), 128)
	if err != nil {
		return nil, fmt.Errorf("acquire feed sequence: %w", err)
	}

	return &Mutator{
		db:             cfg.DB,
		store:          cfg.Store,
		resolver:       cfg.Resolver,
		recorder:       cfg.Recorder,
		content:        cfg.ContentChecker,
		summarizer:     cfg.Summarizer,
		cascadeTimeout: cfg.CascadeTimeout,
		eventRetention: cfg.EventRetention,
		feedSeq:        seq,
		validate:       validator.New(),
		logger:         cfg.Logger,
	}, nil
}

// Close releases the feed sequence lease.
func (m *Mutator) Close() error {
	return m.feedSeq.Release()
}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// AddAreaOptions are the inputs to AddArea. Exactly one of ParentPublicID
// or CountryCode must be supplied.
type AddAreaOptions struct {
	// Editor is the user performing the mutation.
	Editor uuid.UUID `validate:"required"`

	// Name is the display name of the new area.
	Name string `validate:"required"`

	// ParentPublicID targets an existing parent area.
	ParentPublicID *uuid.UUID

	// CountryCode targets the deterministic root area of a country.
	CountryCode string

	// IsLeaf marks the new area as a climbable leaf.
	IsLeaf *bool

	// IsBoulder marks the new area as a boulder. Implies leaf.
	IsBoulder *bool
}

// UpdateAreaOptions are the inputs to UpdateArea. Nil fields are left
// untouched.
type UpdateAreaOptions struct {
	Editor       uuid.UUID `validate:"required"`
	AreaPublicID uuid.UUID `validate:"required"`

	// Name renames the area; rename propagates into every descendant's
	// denormalized ancestor path.
	Name *string

	Description *string
	IsLeaf      *bool
	IsBoulder   *bool
}

// SortingOrderInput assigns a manual sibling sort position to one area.
type SortingOrderInput struct {
	AreaPublicID   uuid.UUID `validate:"required"`
	LeftRightIndex int
}

// -----------------------------------------------------------------------------
// AddCountry
// -----------------------------------------------------------------------------

// AddCountry creates a root area from an ISO alpha-2 or alpha-3 country
// code.
//
// Description:
//
//	The root's public id is derived deterministically from the country
//	code, so creating the same country twice fails on the public-id
//	index with ErrInvalidInput instead of duplicating the root. The new
//	root's ancestors chain is initialized to itself.
//
// Outputs:
//
//	*AreaNode - The created root area.
//	error - ErrInvalidInput for bad codes, duplicates, or root-scope
//	        sibling name collisions.
func (m *Mutator) AddCountry(ctx context.Context, editor uuid.UUID, countryCode string) (*AreaNode, error) {
	ctx, span := tracer.Start(ctx, "catalog.AddCountry")
	defer span.End()
	span.SetAttributes(attribute.String("country_code", countryCode))

	publicID, countryName, err := CountryCodeToPublicID(countryCode)
	if err != nil {
		return nil, m.fail(span, OperationAddCountry, err)
	}

	var created *AreaNode
	err = m.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		taken, err := m.store.HasPublicID(txn, publicID)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: country %s already exists", ErrInvalidInput, countryCode)
		}

		if err := m.validateUniqueSiblingName(txn, rootScope, countryName, ""); err != nil {
			return err
		}

		stamp, err := m.recorder.Begin(txn, editor, OperationAddCountry)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		node := &AreaNode{
			ID:        NewAreaID(),
			PublicID:  publicID,
			Name:      countryName,
			Metadata:  Metadata{LeftRightIndex: -1},
			CreatedAt: now,
			CreatedBy: editor,
		}
		node.Relations.Ancestors = []AncestorEntry{node.SelfEntry()}

		stamp.Stamp(node)
		if err := m.store.InsertArea(txn, node); err != nil {
			return err
		}
		if err := m.emitEvent(txn, node); err != nil {
			return err
		}
		created = node
		return nil
	})
	if err != nil {
		return nil, m.fail(span, OperationAddCountry, err)
	}

	mutationsTotal.WithLabelValues(string(OperationAddCountry), "ok").Inc()
	m.logger.Info("country created", "name", created.Name, "public_id", created.PublicID.String())
	return created, nil
}

// -----------------------------------------------------------------------------
// AddArea
// -----------------------------------------------------------------------------

// AddArea creates a new area under a parent.
//
// Description:
//
//	The parent is located by public id or country code (exactly one of
//	the two). A parent that is currently an empty leaf or boulder, with
//	no children and no attached climbs, is demoted to a branch to make
//	room for the child; a non-empty leaf rejects with
//	ErrStructureViolation. Sibling names must be unique under normalized
//	comparison. The child's ancestors chain extends the parent's, and
//	the parent's children set gains the new id, all in one transaction,
//	parent stamped at seq 0 and the child inserted at seq 1.
//
// Outputs:
//
//	*AreaNode - The created area.
//	error - ErrInvalidInput, ErrStructureViolation, or storage errors.
func (m *Mutator) AddArea(ctx context.Context, opts AddAreaOptions) (*AreaNode, error) {
	ctx, span := tracer.Start(ctx, "catalog.AddArea")
	defer span.End()
	span.SetAttributes(attribute.String("area.name", opts.Name))

	if err := m.validate.Struct(opts); err != nil {
		return nil, m.fail(span, OperationAddArea, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	if (opts.ParentPublicID == nil) == (opts.CountryCode == "") {
		return nil, m.fail(span, OperationAddArea,
			fmt.Errorf("%w: adding area %q requires exactly one of parent id or country code", ErrInvalidInput, opts.Name))
	}
	if err := validation.ValidateAreaName(opts.Name); err != nil {
		return nil, m.fail(span, OperationAddArea, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	name := validation.SanitizeName(opts.Name)

	parentPublicID := uuid.Nil
	if opts.ParentPublicID != nil {
		parentPublicID = *opts.ParentPublicID
	} else {
		derived, _, err := CountryCodeToPublicID(opts.CountryCode)
		if err != nil {
			return nil, m.fail(span, OperationAddArea, err)
		}
		parentPublicID = derived
	}

	var created *AreaNode
	err := m.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		parent, err := m.store.GetAreaByPublicID(txn, parentPublicID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: adding %q: expecting country or area parent, found none with id %s",
					ErrInvalidInput, name, parentPublicID)
			}
			return err
		}

		if err := m.prepareParentForChild(ctx, txn, parent, name); err != nil {
			return err
		}

		if err := m.validateUniqueSiblingName(txn, parent.ID, name, ""); err != nil {
			return err
		}

		stamp, err := m.recorder.Begin(txn, opts.Editor, OperationAddArea)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		child := &AreaNode{
			ID:        NewAreaID(),
			PublicID:  NewPublicID(),
			Name:      name,
			Parent:    parent.ID,
			Metadata:  Metadata{LeftRightIndex: -1},
			CreatedAt: now,
			CreatedBy: opts.Editor,
		}
		if opts.IsLeaf != nil {
			child.Metadata.Leaf = *opts.IsLeaf
		}
		if opts.IsBoulder != nil {
			child.Metadata.IsBoulder = *opts.IsBoulder
			if *opts.IsBoulder {
				// a boulder is also a leaf area
				child.Metadata.Leaf = true
			}
		}
		child.Relations.Ancestors = append(append([]AncestorEntry{}, parent.Relations.Ancestors...), child.SelfEntry())

		// Parent first: children append plus any leaf demotion, seq 0.
		stamp.Stamp(parent)
		if err := m.store.SetChildren(txn, parent, append(parent.Relations.Children, child.ID)); err != nil {
			return err
		}
		if err := m.store.UpdateArea(txn, parent, parent.Parent); err != nil {
			return err
		}
		if err := m.emitEvent(txn, parent); err != nil {
			return err
		}

		stamp.Stamp(child)
		if err := m.store.InsertArea(txn, child); err != nil {
			return err
		}
		if err := m.emitEvent(txn, child); err != nil {
			return err
		}

		created = child
		return nil
	})
	if err != nil {
		return nil, m.fail(span, OperationAddArea, err)
	}

	mutationsTotal.WithLabelValues(string(OperationAddArea), "ok").Inc()
	m.logger.Info("area created", "name", created.Name, "public_id", created.PublicID.String())
	return created, nil
}

// prepareParentForChild enforces the leaf rule on the receiving parent:
// an empty leaf/boulder is demoted to a branch, a non-empty one rejects.
func (m *Mutator) prepareParentForChild(ctx context.Context, txn *dgbadger.Txn, parent *AreaNode, childName string) error {
	if !parent.IsLeafLike() {
		return nil
	}
	hasClimbs, err := m.content.HasContent(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("check leaf content of %q: %w", parent.Name, err)
	}
	if len(parent.Relations.Children) > 0 || hasClimbs {
		return fmt.Errorf("%w: [%s]: adding new areas to a leaf or boulder area is not allowed", ErrStructureViolation, childName)
	}
	parent.Metadata.Leaf = false
	parent.Metadata.IsBoulder = false
	return nil
}

// -----------------------------------------------------------------------------
// UpdateArea (rename + editable fields)
// -----------------------------------------------------------------------------

// UpdateArea edits an area's editable fields. A name change cascades into
// the denormalized ancestor path of every descendant.
//
// Description:
//
//	Root areas reject name changes (countries are named by ISO data).
//	Leaf/boulder flag changes reject while the area has children, and a
//	transition into leaf classification rejects while climbs are
//	attached. A name change that lands on a different normalized form is
//	validated for sibling uniqueness; any change to the exact stored
//	name, case and spacing included, is propagated to every document
//	whose ancestors reference this area, rewriting only entries whose
//	stored name differs.
//
// Outputs:
//
//	*AreaNode - The updated area.
//	error - ErrNotFound, ErrInvalidInput, ErrStructureViolation,
//	        ErrTimeout if the propagation exceeds its bound.
func (m *Mutator) UpdateArea(ctx context.Context, opts UpdateAreaOptions) (*AreaNode, error) {
	ctx, span := tracer.Start(ctx, "catalog.UpdateArea")
	defer span.End()
	span.SetAttributes(attribute.String("area.public_id", opts.AreaPublicID.String()))

	if err := m.validate.Struct(opts); err != nil {
		return nil, m.fail(span, OperationUpdateArea, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}

	ctx, cancel := context.WithTimeout(ctx, m.cascadeTimeout)
	defer cancel()

	var updated *AreaNode
	err := m.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		area, err := m.store.GetAreaByPublicID(txn, opts.AreaPublicID)
		if err != nil {
			return err
		}

		if area.IsRoot() && opts.Name != nil {
			return fmt.Errorf("%w: [%s]: updating country name is not allowed", ErrStructureViolation, area.Name)
		}

		if err := m.validateLeafTransition(ctx, txn, area, opts.IsLeaf, opts.IsBoulder); err != nil {
			return err
		}

		newName := ""
		renaming := false
		if opts.Name != nil {
			if err := validation.ValidateAreaName(*opts.Name); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			newName = validation.SanitizeName(*opts.Name)
			// Any exact change must propagate; only a normalized change can
			// collide with a sibling, a case or spacing adjustment keeps the
			// same normalized slot.
			renaming = newName != area.Name
			if validation.NormalizeName(newName) != validation.NormalizeName(area.Name) {
				if err := m.validateUniqueSiblingName(txn, parentScopeOf(area.Parent), newName, area.ID); err != nil {
					return err
				}
			}
		}

		stamp, err := m.recorder.Begin(txn, opts.Editor, OperationUpdateArea)
		if err != nil {
			return err
		}

		if opts.Name != nil {
			area.Name = newName
			// The self entry is the last element of the ancestors chain.
			area.Relations.Ancestors[len(area.Relations.Ancestors)-1].Name = newName
		}
		if opts.Description != nil {
			area.Content.Description = validation.SanitizeDescription(*opts.Description)
		}
		if opts.IsLeaf != nil {
			area.Metadata.Leaf = *opts.IsLeaf
		}
		if opts.IsBoulder != nil {
			area.Metadata.IsBoulder = *opts.IsBoulder
			if *opts.IsBoulder {
				area.Metadata.Leaf = true
			}
		}

		stamp.Stamp(area)
		if err := m.store.UpdateArea(txn, area, area.Parent); err != nil {
			return err
		}
		if err := m.emitEvent(txn, area); err != nil {
			return err
		}

		if renaming {
			if err := m.propagateRename(ctx, txn, stamp, area); err != nil {
				return err
			}
		}

		updated = area
		return nil
	})
	if err != nil {
		return nil, m.fail(span, OperationUpdateArea, err)
	}

	mutationsTotal.WithLabelValues(string(OperationUpdateArea), "ok").Inc()
	return updated, nil
}

// validateLeafTransition guards leaf/boulder flag edits: an area with
// children can never become a leaf, and an area with climbs attached
// stays climbable.
func (m *Mutator) validateLeafTransition(ctx context.Context, txn *dgbadger.Txn, area *AreaNode, isLeaf, isBoulder *bool) error {
	if isLeaf == nil && isBoulder == nil {
		return nil
	}
	if len(area.Relations.Children) > 0 {
		return fmt.Errorf("%w: [%s]: updating leaf or boulder status of an area with subareas is not allowed", ErrStructureViolation, area.Name)
	}

	becomingLeaf := (isLeaf != nil && *isLeaf) || (isBoulder != nil && *isBoulder)
	if becomingLeaf && !area.IsLeafLike() {
		hasClimbs, err := m.content.HasContent(ctx, area.ID)
		if err != nil {
			return fmt.Errorf("check leaf content of %q: %w", area.Name, err)
		}
		if hasClimbs {
			return fmt.Errorf("%w: [%s]: area already has climbs attached", ErrStructureViolation, area.Name)
		}
	}
	return nil
}

// propagateRename rewrites the renamed area's entry in the denormalized
// ancestor path of every descendant.
//
// Only entries whose stored name actually differs are rewritten: the feed
// consumer observes every committed write, and rewriting identical values
// turns a rename into avoidable feed traffic.
func (m *Mutator) propagateRename(ctx context.Context, txn *dgbadger.Txn, stamp *ChangeStamp, renamed *AreaNode) error {
	written := 0
	visited := map[string]bool{renamed.ID: true}

	type frame struct {
		id    string
		depth int
	}
	worklist := make([]frame, 0, len(renamed.Relations.Children))
	for _, c := range renamed.Relations.Children {
		worklist = append(worklist, frame{id: c, depth: 1})
	}

	for len(worklist) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: rename propagation from %q: %v", ErrTimeout, renamed.Name, err)
		}

		top := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		if visited[top.id] {
			return fmt.Errorf("%w: children cycle through area %s", ErrIntegrityViolation, top.id)
		}
		if top.depth > MaxTreeDepth {
			return fmt.Errorf("%w: subtree of %q exceeds depth %d", ErrIntegrityViolation, renamed.Name, MaxTreeDepth)
		}
		visited[top.id] = true

		node, err := m.store.GetAreaByID(txn, top.id)
		if err != nil {
			return err
		}

		changed := false
		for i := range node.Relations.Ancestors {
			entry := &node.Relations.Ancestors[i]
			if entry.ID == renamed.ID && entry.Name != renamed.Name {
				entry.Name = renamed.Name
				changed = true
			}
		}
		if changed {
			stamp.Stamp(node)
			if err := m.store.UpdateArea(txn, node, node.Parent); err != nil {
				return err
			}
			if err := m.emitEvent(txn, node); err != nil {
				return err
			}
			written++
		}

		for _, c := range node.Relations.Children {
			worklist = append(worklist, frame{id: c, depth: top.depth + 1})
		}
	}

	cascadeSizeHistogram.Observe(float64(written))
	return nil
}

// -----------------------------------------------------------------------------
// SetAreaParent
// -----------------------------------------------------------------------------

// SetAreaParent moves an area, and with it its whole subtree, under a new
// parent.
//
// Description:
//
//	Roots may never be re-parented and an area may not become its own
//	parent. Before any write the new parent's authoritative ancestor
//	chain is resolved; if the moving area appears in it the operation
//	would create a cycle and rejects. On success the old parent (and any
//	holder of a stale child reference) drops the area id, the new parent
//	gains it, and the area's ancestors are recomputed from the new
//	parent's chain. The fresh chain is threaded down a worklist so every
//	descendant is read and rewritten exactly once, with its children
//	snapshot refreshed from its direct children. The entire cascade
//	shares the mutation's transaction: either every descendant commits
//	with updated ancestry or none do.
//
// Outputs:
//
//	*AreaNode - The moved area with recomputed relations.
//	error - ErrStructureViolation (root, self, cycle, non-empty leaf
//	        target), ErrNotFound, ErrTimeout.
func (m *Mutator) SetAreaParent(ctx context.Context, editor uuid.UUID, areaPublicID, newParentPublicID uuid.UUID) (*AreaNode, error) {
	ctx, span := tracer.Start(ctx, "catalog.SetAreaParent")
	defer span.End()
	span.SetAttributes(
		attribute.String("area.public_id", areaPublicID.String()),
		attribute.String("parent.public_id", newParentPublicID.String()),
	)

	ctx, cancel := context.WithTimeout(ctx, m.cascadeTimeout)
	defer cancel()

	var moved *AreaNode
	err := m.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		area, err := m.store.GetAreaByPublicID(txn, areaPublicID)
		if err != nil {
			return err
		}
		if area.IsRoot() {
			return fmt.Errorf("%w: [%s]: country areas cannot be re-parented", ErrStructureViolation, area.Name)
		}

		newParent, err := m.store.GetAreaByPublicID(txn, newParentPublicID)
		if err != nil {
			return err
		}
		if newParent.ID == area.ID {
			return fmt.Errorf("%w: [%s]: cannot set self as parent", ErrStructureViolation, area.Name)
		}
		if newParent.ID == area.Parent {
			moved = area
			return nil // already in place
		}

		// Walk up from the new parent; finding the moving area there
		// means the move would close a cycle.
		parentChain, err := m.resolver.ResolveAncestors(txn, newParent.ID)
		if err != nil {
			return err
		}
		if ChainContains(parentChain, area.ID) {
			return fmt.Errorf("%w: [%s]: moving under %q would create a cycle", ErrStructureViolation, area.Name, newParent.Name)
		}

		if err := m.validateUniqueSiblingName(txn, newParent.ID, area.Name, area.ID); err != nil {
			return err
		}
		if err := m.prepareParentForChild(ctx, txn, newParent, area.Name); err != nil {
			return err
		}

		stamp, err := m.recorder.Begin(txn, editor, OperationSetParent)
		if err != nil {
			return err
		}

		// Drop every stale back-reference: any holder of this child id
		// other than the new parent.
		holders, err := m.store.ListChildHolders(txn, area.ID)
		if err != nil {
			return err
		}
		for _, holderID := range holders {
			if holderID == newParent.ID {
				continue
			}
			holder, err := m.store.GetAreaByID(txn, holderID)
			if err != nil {
				return err
			}
			stamp.Stamp(holder)
			if err := m.store.SetChildren(txn, holder, removeID(holder.Relations.Children, area.ID)); err != nil {
				return err
			}
			if err := m.store.UpdateArea(txn, holder, holder.Parent); err != nil {
				return err
			}
			if err := m.emitEvent(txn, holder); err != nil {
				return err
			}
		}

		stamp.Stamp(newParent)
		if err := m.store.SetChildren(txn, newParent, append(newParent.Relations.Children, area.ID)); err != nil {
			return err
		}
		if err := m.store.UpdateArea(txn, newParent, newParent.Parent); err != nil {
			return err
		}
		if err := m.emitEvent(txn, newParent); err != nil {
			return err
		}

		oldParent := area.Parent
		area.Parent = newParent.ID
		area.Relations.Ancestors = append(append([]AncestorEntry{}, parentChain...), area.SelfEntry())
		stamp.Stamp(area)
		if err := m.store.UpdateArea(txn, area, oldParent); err != nil {
			return err
		}
		if err := m.emitEvent(txn, area); err != nil {
			return err
		}

		if err := m.cascadeAncestors(ctx, txn, stamp, area); err != nil {
			return err
		}

		moved = area
		return nil
	})
	if err != nil {
		return nil, m.fail(span, OperationSetParent, err)
	}

	mutationsTotal.WithLabelValues(string(OperationSetParent), "ok").Inc()
	m.logger.Info("area re-parented", "name", moved.Name, "public_id", moved.PublicID.String())
	return moved, nil
}

// cascadeAncestors rewrites the ancestor chain of every descendant of the
// moved area, threading the freshly computed parent chain down the
// worklist instead of re-querying ancestry at each level. Each node's
// children snapshot is refreshed from its active direct children while we
// hold it.
func (m *Mutator) cascadeAncestors(ctx context.Context, txn *dgbadger.Txn, stamp *ChangeStamp, moved *AreaNode) error {
	type frame struct {
		id          string
		parentChain []AncestorEntry
		depth       int
	}

	visited := map[string]bool{moved.ID: true}
	written := 0

	worklist := make([]frame, 0, len(moved.Relations.Children))
	for _, c := range moved.Relations.Children {
		worklist = append(worklist, frame{id: c, parentChain: moved.Relations.Ancestors, depth: 1})
	}

	for len(worklist) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: re-parent cascade from %q: %v", ErrTimeout, moved.Name, err)
		}

		top := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		if visited[top.id] {
			return fmt.Errorf("%w: children cycle through area %s", ErrIntegrityViolation, top.id)
		}
		if top.depth > MaxTreeDepth {
			return fmt.Errorf("%w: subtree of %q exceeds depth %d", ErrIntegrityViolation, moved.Name, MaxTreeDepth)
		}
		visited[top.id] = true

		node, err := m.store.GetAreaByID(txn, top.id)
		if err != nil {
			return err
		}

		node.Relations.Ancestors = append(append([]AncestorEntry{}, top.parentChain...), node.SelfEntry())

		directChildren, err := m.store.ListChildIDs(txn, node.ID)
		if err != nil {
			return err
		}
		// The parent index still lists deletion-marked areas until the
		// sweeper removes them; they must not re-enter the children set.
		active := make([]string, 0, len(directChildren))
		for _, childID := range directChildren {
			child, err := m.store.GetAreaByID(txn, childID)
			if err != nil {
				return err
			}
			if child.DeletedAt != nil {
				continue
			}
			active = append(active, childID)
		}
		if err := m.store.SetChildren(txn, node, active); err != nil {
			return err
		}

		stamp.Stamp(node)
		if err := m.store.UpdateArea(txn, node, node.Parent); err != nil {
			return err
		}
		if err := m.emitEvent(txn, node); err != nil {
			return err
		}
		written++

		for _, c := range node.Relations.Children {
			worklist = append(worklist, frame{id: c, parentChain: node.Relations.Ancestors, depth: top.depth + 1})
		}
	}

	cascadeSizeHistogram.Observe(float64(written))
	return nil
}

// -----------------------------------------------------------------------------
// DeleteArea
// -----------------------------------------------------------------------------

// DeleteArea marks an area for deletion.
//
// Description:
//
//	Deletion is forbidden while the area has child areas or attached
//	climbs. The parent's children set drops the id, aggregate statistics
//	are recomputed up the remaining ancestor chain (the deleted area
//	excluded), and the document itself is stamped with a deletion marker
//	instead of being removed; the feed listener still needs to capture
//	its final state. The expiry sweeper removes it physically after the
//	retention window.
//
// Outputs:
//
//	*AreaNode - The area as marked for deletion.
//	error - ErrNotFound, ErrStructureViolation.
func (m *Mutator) DeleteArea(ctx context.Context, editor uuid.UUID, areaPublicID uuid.UUID) (*AreaNode, error) {
	ctx, span := tracer.Start(ctx, "catalog.DeleteArea")
	defer span.End()
	span.SetAttributes(attribute.String("area.public_id", areaPublicID.String()))

	var deleted *AreaNode
	err := m.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		area, err := m.store.GetAreaByPublicID(txn, areaPublicID)
		if err != nil {
			return err
		}
		if len(area.Relations.Children) > 0 {
			return fmt.Errorf("%w: [%s]: subareas not empty", ErrStructureViolation, area.Name)
		}
		hasClimbs, err := m.content.HasContent(ctx, area.ID)
		if err != nil {
			return fmt.Errorf("check leaf content of %q: %w", area.Name, err)
		}
		if hasClimbs {
			return fmt.Errorf("%w: [%s]: climbs not empty", ErrStructureViolation, area.Name)
		}

		stamp, err := m.recorder.Begin(txn, editor, OperationDeleteArea)
		if err != nil {
			return err
		}

		if area.Parent != "" {
			parent, err := m.store.GetAreaByID(txn, area.Parent)
			if err != nil {
				return err
			}
			stamp.Stamp(parent)
			if err := m.store.SetChildren(txn, parent, removeID(parent.Relations.Children, area.ID)); err != nil {
				return err
			}

			// Recompute aggregates up the remaining chain, excluding the
			// deleted area's contribution. Only climbable areas carried
			// stats worth propagating.
			if area.IsLeafLike() {
				if err := m.propagateStats(ctx, txn, stamp, parent, area.ID); err != nil {
					return err
				}
			} else {
				if err := m.store.UpdateArea(txn, parent, parent.Parent); err != nil {
					return err
				}
				if err := m.emitEvent(txn, parent); err != nil {
					return err
				}
			}
		}

		now := time.Now().UTC()
		area.DeletedAt = &now
		stamp.Stamp(area)
		if err := m.store.UpdateArea(txn, area, area.Parent); err != nil {
			return err
		}
		if err := m.emitEvent(txn, area); err != nil {
			return err
		}

		deleted = area
		return nil
	})
	if err != nil {
		return nil, m.fail(span, OperationDeleteArea, err)
	}

	mutationsTotal.WithLabelValues(string(OperationDeleteArea), "ok").Inc()
	m.logger.Info("area marked for deletion", "name", deleted.Name, "public_id", deleted.PublicID.String())
	return deleted, nil
}

// propagateStats recomputes aggregate statistics for start and each of its
// ancestors, excluding excludeID from every children reduction. start is
// a node the caller has already modified in this transaction; it is
// stamped by the caller and written here.
func (m *Mutator) propagateStats(ctx context.Context, txn *dgbadger.Txn, stamp *ChangeStamp, start *AreaNode, excludeID string) error {
	current := start
	var childSummary *StatsSummary
	fromID := excludeID

	for depth := 0; ; depth++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: stats propagation: %v", ErrTimeout, err)
		}
		if depth > MaxTreeDepth {
			return fmt.Errorf("%w: ancestor chain of %q exceeds depth %d", ErrIntegrityViolation, start.Name, MaxTreeDepth)
		}

		summaries := make([]StatsSummary, 0, len(current.Relations.Children))
		for _, childID := range current.Relations.Children {
			if childID == excludeID {
				continue
			}
			if childID == fromID && childSummary != nil {
				summaries = append(summaries, *childSummary)
				continue
			}
			child, err := m.store.GetAreaByID(txn, childID)
			if err != nil {
				return err
			}
			summaries = append(summaries, leafSummary(child))
		}

		summary := m.summarizer.Summarize(current, summaries)
		current.Aggregate = summary
		if !current.IsLeafLike() {
			current.TotalClimbs = summary.TotalClimbs
		}

		if current != start {
			stamp.Stamp(current)
		}
		if err := m.store.UpdateArea(txn, current, current.Parent); err != nil {
			return err
		}
		if err := m.emitEvent(txn, current); err != nil {
			return err
		}

		if current.Parent == "" {
			return nil
		}
		parent, err := m.store.GetAreaByID(txn, current.Parent)
		if err != nil {
			return err
		}
		childSummary = &summary
		fromID = current.ID
		current = parent
	}
}

// -----------------------------------------------------------------------------
// UpdateSortingOrder
// -----------------------------------------------------------------------------

// UpdateSortingOrder assigns manual sibling sort positions in bulk, one
// change-set for the whole batch with seq derived from input position.
func (m *Mutator) UpdateSortingOrder(ctx context.Context, editor uuid.UUID, input []SortingOrderInput) ([]uuid.UUID, error) {
	ctx, span := tracer.Start(ctx, "catalog.UpdateSortingOrder")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(input)))

	if len(input) == 0 {
		return nil, m.fail(span, OperationOrderAreas, fmt.Errorf("%w: empty sorting order batch", ErrInvalidInput))
	}
	for _, item := range input {
		if err := m.validate.Struct(item); err != nil {
			return nil, m.fail(span, OperationOrderAreas, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		}
	}

	var ordered []uuid.UUID
	err := m.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		stamp, err := m.recorder.Begin(txn, editor, OperationOrderAreas)
		if err != nil {
			return err
		}

		ordered = ordered[:0]
		for i, item := range input {
			area, err := m.store.GetAreaByPublicID(txn, item.AreaPublicID)
			if err != nil {
				return err
			}
			area.Metadata.LeftRightIndex = item.LeftRightIndex
			stamp.StampWithSeq(area, i)
			if err := m.store.UpdateArea(txn, area, area.Parent); err != nil {
				return err
			}
			if err := m.emitEvent(txn, area); err != nil {
				return err
			}
			ordered = append(ordered, item.AreaPublicID)
		}
		return nil
	})
	if err != nil {
		return nil, m.fail(span, OperationOrderAreas, err)
	}

	mutationsTotal.WithLabelValues(string(OperationOrderAreas), "ok").Inc()
	return ordered, nil
}

// -----------------------------------------------------------------------------
// Shared Helpers
// -----------------------------------------------------------------------------

// validateUniqueSiblingName checks that name is unique among the active
// areas in the given parent scope, under normalized comparison. excludeID
// skips the area being renamed.
func (m *Mutator) validateUniqueSiblingName(txn *dgbadger.Txn, scope, name, excludeID string) error {
	siblingIDs, err := m.store.ListChildIDs(txn, scope)
	if err != nil {
		return err
	}

	normalized := validation.NormalizeName(name)
	for _, id := range siblingIDs {
		if id == excludeID {
			continue
		}
		sibling, err := m.store.GetAreaByID(txn, id)
		if err != nil {
			return err
		}
		if sibling.DeletedAt != nil {
			continue
		}
		if validation.NormalizeName(sibling.Name) == normalized {
			return fmt.Errorf("%w: [%s]: this name already exists for some other area in this parent", ErrInvalidInput, name)
		}
	}
	return nil
}

// emitEvent appends a committed-write event for the node to the
// transactional outbox. The event commits iff the mutation commits.
func (m *Mutator) emitEvent(txn *dgbadger.Txn, node *AreaNode) error {
	n, err := m.feedSeq.Next()
	if err != nil {
		return fmt.Errorf("next feed seq: %w", err)
	}

	op := DBOpUpdate
	if node.Version == 1 {
		op = DBOpInsert
	}

	evt := &FeedEvent{
		Seq:       n + 1, // sequence is zero-based; outbox seqs start at 1
		DBOp:      op,
		Kind:      KindAreas,
		DocID:     node.ID,
		HistoryID: node.Change.HistoryID,
		Doc:       *node,
	}
	return m.store.AppendEvent(txn, evt, m.eventRetention)
}

// fail records the error on the span and in metrics, and passes it
// through.
func (m *Mutator) fail(span trace.Span, op OperationType, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	mutationsTotal.WithLabelValues(string(op), "error").Inc()
	return err
}

func removeID(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
