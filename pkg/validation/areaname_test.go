// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	t.Run("case folding", func(t *testing.T) {
		assert.Equal(t, NormalizeName("Big Rock"), NormalizeName("big rock"))
	})

	t.Run("whitespace collapse", func(t *testing.T) {
		assert.Equal(t, "big rock", NormalizeName("  Big \t Rock  "))
	})

	t.Run("distinct names stay distinct", func(t *testing.T) {
		assert.NotEqual(t, NormalizeName("Big Rock"), NormalizeName("Big Rocks"))
	})
}

func TestSanitizeName(t *testing.T) {
	t.Run("strips control characters", func(t *testing.T) {
		assert.Equal(t, "El Cap", SanitizeName("El\x00 Cap\x07"))
	})

	t.Run("preserves casing", func(t *testing.T) {
		assert.Equal(t, "El Capitan", SanitizeName("  El  Capitan "))
	})
}

func TestValidateAreaName(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Error(t, ValidateAreaName("   "))
	})

	t.Run("too long", func(t *testing.T) {
		assert.Error(t, ValidateAreaName(strings.Repeat("x", MaxAreaNameLength+1)))
	})

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, ValidateAreaName("Red River Gorge"))
	})
}

func TestSanitizeDescription(t *testing.T) {
	assert.Equal(t, "line one\nline two", SanitizeDescription("line one\nline two\x00\n"))
}
