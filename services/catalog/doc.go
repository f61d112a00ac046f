// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package catalog implements the hierarchical area catalog: countries,
// regions, crags and the climbable leaves beneath them, stored flat in an
// embedded BadgerDB keyspace and linked by single parent pointers.
//
// Each node additionally carries a denormalized view of its place in the
// tree (the root-to-self ancestor path and the direct children set) so
// reads never walk the hierarchy. Keeping that view consistent is the job
// of the Mutator, the single entry point for structural changes: every
// mutation runs in one serializable transaction that rewrites the node,
// its relatives, and any cascade over the subtree together.
//
// Every mutation also opens a change-set, stamps each document it writes
// with the change-set id and a per-mutation sequence number, and records
// the write in a transactional outbox. The feed Listener tails the outbox
// from a durable checkpoint and folds each committed write back into its
// change-set, building a queryable, causally-grouped edit history.
//
// Deletion is two-phased: the Mutator marks nodes and the Sweeper removes
// them physically after a retention window, so history capture always wins
// the race against disappearance.
package catalog
