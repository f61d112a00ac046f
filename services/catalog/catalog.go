// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"context"
	"fmt"

	"github.com/opencrag/atlas/pkg/logging"
	catbadger "github.com/opencrag/atlas/services/catalog/storage/badger"
)

// Catalog bundles the subsystem: one badger keyspace, the mutation
// engine, the read API, the change feed listener, and the expiry sweeper,
// opened and shut down together.
type Catalog struct {
	DB      *catbadger.DB
	Store   *Store
	Mutator *Mutator
	Query   *Query

	listener *Listener
	sweeper  *Sweeper
	logger   *logging.Logger
}

// Options are the optional collaborators for Open.
type Options struct {
	// ContentChecker connects the climb module. Default: NoLeafContent().
	ContentChecker LeafContentChecker

	// Summarizer recomputes aggregates. Default: TotalsSummarizer().
	Summarizer Summarizer

	// Logger for the whole subsystem. Default: logging.Default().
	Logger *logging.Logger
}

// Open builds a Catalog from configuration, opens the store, and starts
// the listener and sweeper.
//
// Outputs:
//
//	*Catalog - Running subsystem. Call Close() on shutdown.
//	error - Non-nil on invalid config or storage failure.
func Open(ctx context.Context, cfg Config, opts Options) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("catalog config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	dbCfg := catbadger.DefaultConfig()
	dbCfg.Path = cfg.Path
	dbCfg.InMemory = cfg.InMemory
	if cfg.InMemory {
		dbCfg = catbadger.InMemoryConfig()
	}
	dbCfg.Logger = logger.Slog()

	db, err := catbadger.OpenDB(dbCfg)
	if err != nil {
		return nil, err
	}

	store := NewStore(logger)
	resolver := NewResolver(store)

	mutator, err := NewMutator(MutatorConfig{
		DB:             db,
		Store:          store,
		Resolver:       resolver,
		ContentChecker: opts.ContentChecker,
		Summarizer:     opts.Summarizer,
		CascadeTimeout: cfg.CascadeTimeout,
		EventRetention: cfg.EventRetention,
		Logger:         logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	query, err := NewQuery(QueryConfig{
		DB:               db,
		Store:            store,
		Resolver:         resolver,
		TraversalTimeout: cfg.TraversalTimeout,
		Logger:           logger,
	})
	if err != nil {
		mutator.Close()
		db.Close()
		return nil, err
	}

	listener, err := NewListener(ListenerConfig{
		DB:           db,
		Store:        store,
		PollInterval: cfg.FeedPollInterval,
		Logger:       logger,
	})
	if err != nil {
		mutator.Close()
		db.Close()
		return nil, err
	}
	if err := listener.Start(ctx); err != nil {
		mutator.Close()
		db.Close()
		return nil, err
	}

	sweeper, err := NewSweeper(SweeperConfig{
		DB:        db,
		Store:     store,
		Retention: cfg.DeletionRetention,
		Interval:  cfg.SweepInterval,
		Logger:    logger,
	})
	if err != nil {
		listener.Stop()
		mutator.Close()
		db.Close()
		return nil, err
	}
	sweeper.Start()

	logger.Info("catalog opened", "path", cfg.Path, "in_memory", cfg.InMemory)
	return &Catalog{
		DB:       db,
		Store:    store,
		Mutator:  mutator,
		Query:    query,
		listener: listener,
		sweeper:  sweeper,
		logger:   logger,
	}, nil
}

// Listener exposes the change feed listener, mainly so callers can force
// a synchronous drain with ProcessOnce.
func (c *Catalog) Listener() *Listener { return c.listener }

// Sweeper exposes the expiry sweeper for manual sweeps.
func (c *Catalog) Sweeper() *Sweeper { return c.sweeper }

// Close shuts the subsystem down in dependency order: sweeper, listener
// (with a final feed drain), mutation engine, then the store.
func (c *Catalog) Close() error {
	c.sweeper.Stop()
	if err := c.listener.Stop(); err != nil {
		c.logger.Warn("listener shutdown", "error", err.Error())
	}
	if err := c.Mutator.Close(); err != nil {
		c.logger.Warn("mutator shutdown", "error", err.Error())
	}
	return c.DB.Close()
}
