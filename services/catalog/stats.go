// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import "context"

// -----------------------------------------------------------------------------
// External Collaborator Interfaces
// -----------------------------------------------------------------------------

// LeafContentChecker answers whether an area currently has attached leaf
// content (climbs). The climb module owns the content; the catalog only
// consults existence when validating leaf-flag transitions, child
// creation, and deletion.
type LeafContentChecker interface {
	// HasContent reports whether the area identified by its internal id
	// currently has attached climbs.
	HasContent(ctx context.Context, areaID string) (bool, error)
}

// Summarizer recomputes an area's aggregate statistics from its own state
// and its children's summaries. Invoked while propagating a deletion or
// leaf-content change up the ancestor chain. Implementations must be pure:
// no store access, no side effects.
type Summarizer interface {
	Summarize(node *AreaNode, childSummaries []StatsSummary) StatsSummary
}

// -----------------------------------------------------------------------------
// Defaults
// -----------------------------------------------------------------------------

// noContentChecker is the default checker for deployments without a climb
// module attached: no area has leaf content.
type noContentChecker struct{}

func (noContentChecker) HasContent(ctx context.Context, areaID string) (bool, error) {
	return false, nil
}

// NoLeafContent returns a LeafContentChecker that always reports no
// attached climbs.
func NoLeafContent() LeafContentChecker { return noContentChecker{} }

// totalsSummarizer sums child climb totals. Leaf areas contribute their
// own maintained count.
type totalsSummarizer struct{}

func (totalsSummarizer) Summarize(node *AreaNode, childSummaries []StatsSummary) StatsSummary {
	total := 0
	for _, cs := range childSummaries {
		total += cs.TotalClimbs
	}
	if node.IsLeafLike() {
		total += node.TotalClimbs
	}
	return StatsSummary{TotalClimbs: total}
}

// TotalsSummarizer returns the default Summarizer, which propagates climb
// totals only. Grade and discipline breakdowns belong to the climb module.
func TotalsSummarizer() Summarizer { return totalsSummarizer{} }

// leafSummary is the summary a child contributes when its parent is being
// recomputed (the equivalent of reducing a leaf in place).
func leafSummary(node *AreaNode) StatsSummary {
	if node.IsLeafLike() {
		return StatsSummary{TotalClimbs: node.TotalClimbs}
	}
	return node.Aggregate
}
