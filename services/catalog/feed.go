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
	"fmt"
	"sort"
	"sync"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	badgerpb "github.com/dgraph-io/badger/v4/pb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/opencrag/atlas/pkg/logging"
	catbadger "github.com/opencrag/atlas/services/catalog/storage/badger"
)

// -----------------------------------------------------------------------------
// Feed Events
// -----------------------------------------------------------------------------

// FeedEvent is one committed document write, recorded in the transactional
// outbox by the mutation that produced it. The outbox commits atomically
// with the mutation, so the feed observes exactly the writes that
// committed, in outbox seq order.
type FeedEvent struct {
	// Seq is the global outbox position. Strictly increasing.
	Seq uint64 `json:"seq"`

	// DBOp is insert (first version) or update.
	DBOp DBOperation `json:"db_op"`

	// Kind is the source collection of the document.
	Kind DocumentKind `json:"kind"`

	// DocID is the written document's internal id.
	DocID string `json:"doc_id"`

	// HistoryID is the change-set the write was stamped with.
	HistoryID string `json:"history_id"`

	// Doc is the committed snapshot of the document.
	Doc AreaNode `json:"doc"`
}

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	feedEventsAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_feed_events_applied_total",
		Help: "Outbox events appended to their change-set",
	})

	feedEventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_feed_events_dropped_total",
		Help: "Outbox events dropped instead of applied",
	}, []string{"reason"})

	feedCheckpointSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "catalog_feed_checkpoint_seq",
		Help: "Last outbox seq durably processed by the listener",
	})
)

// -----------------------------------------------------------------------------
// Listener
// -----------------------------------------------------------------------------

// ListenerConfig wires the change feed listener.
type ListenerConfig struct {
	// DB is the managed badger instance. Required.
	DB *catbadger.DB

	// Store is the node store. Required.
	Store *Store

	// PollInterval is the fallback wakeup when no commit notification
	// arrives. Default: 500ms.
	PollInterval time.Duration

	// Logger for feed events. Default: logging.Default().
	Logger *logging.Logger
}

// Listener is the change feed consumer: it tails the transactional outbox
// and appends each committed write to its change-set as a ChangeRecord.
//
// Description:
//
//	Progress is tracked by a durable checkpoint key, so a restarted
//	listener resumes where it left off and replays nothing it already
//	applied. Badger's commit subscription is used purely as a wakeup
//	signal; the outbox scan from the checkpoint is the source of truth.
//	Appending is idempotent: a record with the same document id and seq
//	already present in the change-set is skipped. An event whose
//	change-set cannot be found is logged and dropped, never retried.
//
// Thread Safety: Start/Stop are safe to call from any goroutine. The
// processing loop itself is single-goroutine.
type Listener struct {
	db     *catbadger.DB
	store  *Store
	poll   time.Duration
	logger *logging.Logger

	wake chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	closed bool
}

// NewListener creates a change feed listener. Call Start to begin
// consuming.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.DB == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store must not be nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Listener{
		db:     cfg.DB,
		store:  cfg.Store,
		poll:   cfg.PollInterval,
		logger: cfg.Logger,
		wake:   make(chan struct{}, 1),
	}, nil
}

// Start launches the subscription and processing goroutines. Returns
// ErrListenerClosed if the listener was already stopped.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrListenerClosed
	}
	if l.cancel != nil {
		return errors.New("listener already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	l.cancel = cancel
	l.group = group

	group.Go(func() error { return l.subscribe(ctx) })
	group.Go(func() error { return l.run(ctx) })
	return nil
}

// Stop cancels the goroutines, drains the outbox one final time, and
// marks the listener closed. Safe to call more than once.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	cancel, group := l.cancel, l.group
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := group.Wait()

	// Final drain so writes committed just before shutdown still reach
	// their change-sets.
	if _, drainErr := l.processOnce(context.Background()); drainErr != nil {
		l.logger.Warn("final feed drain failed", "error", drainErr.Error())
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// subscribe registers for commit notifications on the outbox prefix and
// turns each into a wakeup. Returns when ctx is cancelled.
func (l *Listener) subscribe(ctx context.Context) error {
	err := l.db.Subscribe(ctx, func(kv *dgbadger.KVList) error {
		select {
		case l.wake <- struct{}{}:
		default:
		}
		return nil
	}, []badgerpb.Match{{Prefix: []byte(eventKeyPrefix)}})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("outbox subscription: %w", err)
	}
	return nil
}

// run is the processing loop: drain on wakeup, and on a timer as a
// fallback for missed notifications.
func (l *Listener) run(ctx context.Context) error {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		case <-ticker.C:
		}

		if _, err := l.processOnce(ctx); err != nil {
			if errors.Is(err, dgbadger.ErrConflict) {
				// Lost a race against a mutation touching the same
				// change-set. The next wakeup rescans from the checkpoint.
				l.logger.Debug("feed drain conflicted, will retry")
				continue
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			l.logger.Error("feed drain failed", "error", err.Error())
		}
	}
}

// ProcessOnce drains all pending outbox events in one transaction and
// advances the checkpoint. Exposed so tests and callers needing
// read-your-writes feed visibility can force a synchronous pass.
//
// Outputs:
//
//	int - Number of events processed (applied or dropped).
//	error - Non-nil on storage failures, including badger.ErrConflict
//	        when racing a concurrent mutation.
func (l *Listener) ProcessOnce(ctx context.Context) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrListenerClosed
	}
	l.mu.Unlock()
	return l.processOnce(ctx)
}

func (l *Listener) processOnce(ctx context.Context) (int, error) {
	processed := 0
	err := l.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		processed = 0
		checkpoint, err := l.store.GetCheckpoint(txn)
		if err != nil {
			return err
		}

		last := checkpoint
		dirty := make(map[string]*ChangeSet)

		err = l.store.ForEachEventFrom(txn, checkpoint, func(evt *FeedEvent) error {
			processed++
			last = evt.Seq
			return l.applyEvent(txn, evt, dirty)
		})
		if err != nil {
			return err
		}
		if last == checkpoint {
			return nil
		}

		for _, cs := range dirty {
			if err := l.store.PutChangeSet(txn, cs); err != nil {
				return err
			}
		}
		return l.store.SetCheckpoint(txn, last)
	})
	if err != nil {
		return 0, err
	}
	if processed > 0 {
		_ = l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
			if seq, err := l.store.GetCheckpoint(txn); err == nil {
				feedCheckpointSeq.Set(float64(seq))
			}
			return nil
		})
	}
	return processed, nil
}

// applyEvent folds one outbox event into its change-set. dirty caches
// change-sets already loaded in this pass so multi-write mutations are
// read once and written once.
func (l *Listener) applyEvent(txn *dgbadger.Txn, evt *FeedEvent, dirty map[string]*ChangeSet) error {
	if evt.HistoryID == "" {
		feedEventsDroppedTotal.WithLabelValues("no_history").Inc()
		l.logger.Warn("feed event without change-set id dropped", "doc_id", evt.DocID, "seq", evt.Seq)
		return nil
	}

	cs, ok := dirty[evt.HistoryID]
	if !ok {
		loaded, err := l.store.GetChangeSet(txn, evt.HistoryID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				feedEventsDroppedTotal.WithLabelValues("unmatched_history").Inc()
				l.logger.Error("feed event references unknown change-set, dropping",
					"history_id", evt.HistoryID, "doc_id", evt.DocID, "seq", evt.Seq)
				return nil
			}
			return err
		}
		cs = loaded
		dirty[evt.HistoryID] = cs
	}

	for _, existing := range cs.Changes {
		if existing.DocID == evt.DocID && existing.Seq == evt.Doc.Change.Seq {
			feedEventsDroppedTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
	}

	record := ChangeRecord{
		DBOp:         evt.DBOp,
		Kind:         evt.Kind,
		DocID:        evt.DocID,
		Seq:          evt.Doc.Change.Seq,
		FullDocument: evt.Doc,
	}

	// Changes are held sorted by descending seq.
	idx := sort.Search(len(cs.Changes), func(i int) bool {
		return cs.Changes[i].Seq < record.Seq
	})
	cs.Changes = append(cs.Changes, ChangeRecord{})
	copy(cs.Changes[idx+1:], cs.Changes[idx:])
	cs.Changes[idx] = record

	feedEventsAppliedTotal.Inc()
	return nil
}
