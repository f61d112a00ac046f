// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures the catalog subsystem.
//
// All durations have production defaults; a zero-value Config is not valid
// on its own, use DefaultConfig() and override.
type Config struct {
	// Path is the directory for the badger keyspace. Required unless
	// InMemory is true.
	Path string `yaml:"path"`

	// InMemory runs the store without disk persistence (testing).
	InMemory bool `yaml:"in_memory"`

	// CascadeTimeout bounds descendant cascades inside a mutation.
	// Exceeding it aborts the whole transaction. Default: 30s.
	CascadeTimeout time.Duration `yaml:"cascade_timeout"`

	// TraversalTimeout bounds read-only tree traversals. Exceeding it
	// returns a best-effort partial result. Default: 5s.
	TraversalTimeout time.Duration `yaml:"traversal_timeout"`

	// FeedPollInterval is the listener's fallback wakeup when no commit
	// notification arrives. Default: 500ms.
	FeedPollInterval time.Duration `yaml:"feed_poll_interval"`

	// EventRetention is how long feed outbox entries are kept before
	// badger's TTL reclaims them. Must comfortably exceed any listener
	// downtime. Default: 72h.
	EventRetention time.Duration `yaml:"event_retention"`

	// DeletionRetention is how long areas marked for deletion are kept
	// before the expiry sweeper removes them physically. Default: 24h.
	DeletionRetention time.Duration `yaml:"deletion_retention"`

	// SweepInterval is how often the expiry sweeper scans. Default: 1h.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CascadeTimeout:    30 * time.Second,
		TraversalTimeout:  5 * time.Second,
		FeedPollInterval:  500 * time.Millisecond,
		EventRetention:    72 * time.Hour,
		DeletionRetention: 24 * time.Hour,
		SweepInterval:     time.Hour,
	}
}

// UnmarshalYAML decodes the config, accepting Go duration strings
// ("30s", "72h") for the duration fields. Keys absent from the document
// keep whatever value the receiver already holds, so unmarshalling over
// DefaultConfig() merges file settings into the defaults.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type plain struct {
		Path              string `yaml:"path"`
		InMemory          bool   `yaml:"in_memory"`
		CascadeTimeout    string `yaml:"cascade_timeout"`
		TraversalTimeout  string `yaml:"traversal_timeout"`
		FeedPollInterval  string `yaml:"feed_poll_interval"`
		EventRetention    string `yaml:"event_retention"`
		DeletionRetention string `yaml:"deletion_retention"`
		SweepInterval     string `yaml:"sweep_interval"`
	}

	p := plain{Path: c.Path, InMemory: c.InMemory}
	if err := node.Decode(&p); err != nil {
		return err
	}
	c.Path = p.Path
	c.InMemory = p.InMemory

	set := func(dst *time.Duration, val, key string) error {
		if val == "" {
			return nil
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
		return nil
	}
	if err := set(&c.CascadeTimeout, p.CascadeTimeout, "cascade_timeout"); err != nil {
		return err
	}
	if err := set(&c.TraversalTimeout, p.TraversalTimeout, "traversal_timeout"); err != nil {
		return err
	}
	if err := set(&c.FeedPollInterval, p.FeedPollInterval, "feed_poll_interval"); err != nil {
		return err
	}
	if err := set(&c.EventRetention, p.EventRetention, "event_retention"); err != nil {
		return err
	}
	if err := set(&c.DeletionRetention, p.DeletionRetention, "deletion_retention"); err != nil {
		return err
	}
	return set(&c.SweepInterval, p.SweepInterval, "sweep_interval")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required for a persistent catalog")
	}
	if c.CascadeTimeout <= 0 {
		return errors.New("cascade_timeout must be positive")
	}
	if c.TraversalTimeout <= 0 {
		return errors.New("traversal_timeout must be positive")
	}
	if c.FeedPollInterval <= 0 {
		return errors.New("feed_poll_interval must be positive")
	}
	if c.EventRetention <= 0 {
		return errors.New("event_retention must be positive")
	}
	if c.DeletionRetention < 0 {
		return errors.New("deletion_retention must be non-negative")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}
	return nil
}
