// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"fmt"
	"strings"

	"github.com/biter777/countries"
	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Identity Generation
// -----------------------------------------------------------------------------

// NewAreaID returns a fresh opaque internal identity for a node.
func NewAreaID() string {
	return uuid.NewString()
}

// NewPublicID returns a fresh globally unique external identifier.
func NewPublicID() uuid.UUID {
	return uuid.New()
}

// CountryCodeToPublicID derives the deterministic public identifier of a
// root (country) area from an ISO alpha-2 or alpha-3 country code.
//
// Description:
//
//	Normalizes the code to upper-case alpha-3 and hashes it into a v5
//	UUID under the NIL namespace. The same country code always yields the
//	same identifier, so repeated creation of a country collides on the
//	public-id index instead of silently duplicating the root.
//
// Inputs:
//
//	code - ISO 3166-1 alpha-2 or alpha-3 country code, any case.
//
// Outputs:
//
//	uuid.UUID - Deterministic public identifier.
//	string - Canonical English country name.
//	error - Wraps ErrInvalidInput if the code is not a known country.
func CountryCodeToPublicID(code string) (uuid.UUID, string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if trimmed == "" {
		return uuid.Nil, "", fmt.Errorf("%w: country code is required", ErrInvalidInput)
	}

	country := countries.ByName(trimmed)
	if !country.IsValid() {
		return uuid.Nil, "", fmt.Errorf("%w: invalid country code %q, expect alpha2 or alpha3", ErrInvalidInput, code)
	}

	alpha3 := strings.ToUpper(country.Alpha3())
	return uuid.NewSHA1(uuid.Nil, []byte(alpha3)), country.String(), nil
}
