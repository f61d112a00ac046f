// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import "errors"

// -----------------------------------------------------------------------------
// Error Taxonomy
// -----------------------------------------------------------------------------

// The catalog exposes five error kinds. Every failure returned by this
// package wraps exactly one of these sentinels so callers can classify
// with errors.Is while still receiving a human-readable reason that names
// the offending area and rule.

var (
	// ErrNotFound is returned when a referenced area or change-set does
	// not exist (or is marked for deletion and therefore invisible).
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed identifiers, missing
	// required fields, and duplicate sibling names.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStructureViolation is returned when an operation would break a
	// tree invariant: adding children to a non-empty leaf, deleting a
	// non-empty area, re-parenting a root, self-parenting, or creating
	// a cycle.
	ErrStructureViolation = errors.New("structure violation")

	// ErrIntegrityViolation is returned when stored data is already
	// inconsistent (dangling parent pointer, ancestor walk exceeding the
	// depth ceiling). Defensive; should not occur under correct operation.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrTimeout is returned when a cascade or traversal exceeds its
	// deadline. The enclosing transaction is aborted in full.
	ErrTimeout = errors.New("operation timed out")
)

// ErrListenerClosed is returned when operations are called on a stopped
// change feed listener.
var ErrListenerClosed = errors.New("change feed listener is closed")
