// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountryCodeToPublicID(t *testing.T) {
	t.Run("alpha2 and alpha3 converge on one id", func(t *testing.T) {
		byAlpha2, name2, err := CountryCodeToPublicID("us")
		require.NoError(t, err)
		byAlpha3, name3, err := CountryCodeToPublicID("USA")
		require.NoError(t, err)

		assert.Equal(t, byAlpha2, byAlpha3)
		assert.Equal(t, name2, name3)
		assert.NotEmpty(t, name2)
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		first, _, err := CountryCodeToPublicID("deu")
		require.NoError(t, err)
		second, _, err := CountryCodeToPublicID(" DEU ")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("distinct countries get distinct ids", func(t *testing.T) {
		usa, _, err := CountryCodeToPublicID("usa")
		require.NoError(t, err)
		can, _, err := CountryCodeToPublicID("can")
		require.NoError(t, err)
		assert.NotEqual(t, usa, can)
	})

	t.Run("rejects unknown and empty codes", func(t *testing.T) {
		_, _, err := CountryCodeToPublicID("zz")
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, _, err = CountryCodeToPublicID("")
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, _, err = CountryCodeToPublicID("not a code")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestNewIdentifiers(t *testing.T) {
	assert.NotEqual(t, NewAreaID(), NewAreaID())
	assert.NotEqual(t, NewPublicID(), NewPublicID())
}
