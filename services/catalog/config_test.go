// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigValidate(t *testing.T) {
	t.Run("defaults with a path are valid", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Path = t.TempDir()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("in-memory needs no path", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.InMemory = true
		assert.NoError(t, cfg.Validate())
	})

	t.Run("persistent config requires a path", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects non-positive durations", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.InMemory = true
		cfg.CascadeTimeout = 0
		assert.Error(t, cfg.Validate())

		cfg = DefaultConfig()
		cfg.InMemory = true
		cfg.FeedPollInterval = -time.Second
		assert.Error(t, cfg.Validate())
	})
}

func TestConfigYAML(t *testing.T) {
	raw := `
path: /var/lib/atlas
cascade_timeout: 45s
feed_poll_interval: 250ms
deletion_retention: 48h
`
	cfg := DefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))

	assert.Equal(t, "/var/lib/atlas", cfg.Path)
	assert.Equal(t, 45*time.Second, cfg.CascadeTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.FeedPollInterval)
	assert.Equal(t, 48*time.Hour, cfg.DeletionRetention)
	// untouched keys keep their defaults
	assert.Equal(t, 5*time.Second, cfg.TraversalTimeout)
	require.NoError(t, cfg.Validate())
}
