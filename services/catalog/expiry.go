// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"context"
	"errors"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opencrag/atlas/pkg/logging"
	catbadger "github.com/opencrag/atlas/services/catalog/storage/badger"
)

var areasSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "catalog_areas_swept_total",
	Help: "Areas physically removed after the deletion retention window",
})

// SweeperConfig wires the expiry sweeper. DB and Store are required.
type SweeperConfig struct {
	DB    *catbadger.DB
	Store *Store

	// Retention is how long an area marked for deletion survives before
	// physical removal. Default: 24h.
	Retention time.Duration

	// Interval is how often the sweeper scans. Default: 1h.
	Interval time.Duration

	// Logger for sweep events. Default: logging.Default().
	Logger *logging.Logger
}

// Sweeper physically removes areas whose deletion marker has aged past
// the retention window. Deletion marking is the Mutator's job; by the
// time the sweeper sees a marked area its change-set history is long
// since captured, so removal needs no change-set of its own.
//
// Thread Safety: Start/Stop are safe from any goroutine.
type Sweeper struct {
	db        *catbadger.DB
	store     *Store
	retention time.Duration
	interval  time.Duration
	logger    *logging.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a Sweeper. Not started until Start is called.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.DB == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store must not be nil")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Sweeper{
		db:        cfg.DB,
		store:     cfg.Store,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		logger:    cfg.Logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins periodic sweeping.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop halts sweeping and waits for the loop to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(context.Background()); err != nil {
				s.logger.Error("expiry sweep failed", "error", err.Error())
			} else if n > 0 {
				s.logger.Info("expiry sweep removed areas", "count", n)
			}
		}
	}
}

// SweepOnce scans for areas whose deletion marker predates the retention
// cutoff and removes them physically, one transaction per area so a
// conflict on one does not abort the rest.
//
// Outputs:
//
//	int - Number of areas removed.
//	error - First storage error encountered; already-removed areas are
//	        counted, not failed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.retention)

	var expired []string
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		ids, err := s.store.ListAllAreaIDs(txn)
		if err != nil {
			return err
		}
		for _, id := range ids {
			node, err := s.store.GetAreaByID(txn, id)
			if err != nil {
				return err
			}
			if node.DeletedAt != nil && node.DeletedAt.Before(cutoff) {
				expired = append(expired, id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range expired {
		err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			node, err := s.store.GetAreaByID(txn, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil // already gone
				}
				return err
			}
			// Re-check under the write transaction; the marker could have
			// been cleared or the doc rewritten since the scan.
			if node.DeletedAt == nil || !node.DeletedAt.Before(cutoff) {
				return nil
			}
			return s.store.DeleteAreaPhysical(txn, node)
		})
		if err != nil {
			return removed, err
		}
		removed++
		areasSweptTotal.Inc()
	}
	return removed, nil
}
