// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for the area
// catalog.
//
// This package contains validators and normalizers for user-provided text
// that ends up in stored documents and index keys. Sibling-name uniqueness
// is defined over the normalized form, so every comparison in the catalog
// must go through NormalizeName.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// MaxAreaNameLength bounds display names. Longer names are rejected rather
// than truncated so the stored value always matches what the caller sent.
const MaxAreaNameLength = 120

var multiSpacePattern = regexp.MustCompile(`\s+`)

// NormalizeName returns the canonical comparison form of an area name:
// trimmed, lower-cased, with interior whitespace runs collapsed to a
// single space.
//
// Two sibling names are considered duplicates when their normalized forms
// are equal. The stored display name keeps its original casing.
func NormalizeName(name string) string {
	return strings.ToLower(multiSpacePattern.ReplaceAllString(strings.TrimSpace(name), " "))
}

// SanitizeName cleans a display name for storage: trims surrounding
// whitespace, collapses interior whitespace runs, and strips control
// characters.
func SanitizeName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	return multiSpacePattern.ReplaceAllString(strings.TrimSpace(cleaned), " ")
}

// ValidateAreaName checks that a display name is usable.
//
// Valid names:
//   - non-empty after sanitization
//   - at most MaxAreaNameLength characters
//
// Returns an error naming the rule that failed.
func ValidateAreaName(name string) error {
	sanitized := SanitizeName(name)
	if sanitized == "" {
		return fmt.Errorf("area name cannot be empty")
	}
	if len(sanitized) > MaxAreaNameLength {
		return fmt.Errorf("area name exceeds %d characters", MaxAreaNameLength)
	}
	return nil
}

// SanitizeDescription cleans freeform description text: strips control
// characters except newlines and tabs, and trims surrounding whitespace.
func SanitizeDescription(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(cleaned)
}
