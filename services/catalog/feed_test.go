// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"context"
	"testing"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerFoldsEventsIntoChangeSets(t *testing.T) {
	env := newTestEnv(t)

	usa := env.addCountry(t, "usa")
	region := env.addArea(t, "Region", usa.PublicID, false)

	processed := env.drainFeed(t)
	assert.Equal(t, 3, processed) // country insert, parent update, child insert

	t.Run("change-set holds records sorted by descending seq", func(t *testing.T) {
		cs := env.changeSet(t, region.Change.HistoryID)
		require.Len(t, cs.Changes, 2)
		assert.Equal(t, 1, cs.Changes[0].Seq)
		assert.Equal(t, region.ID, cs.Changes[0].DocID)
		assert.Equal(t, DBOpInsert, cs.Changes[0].DBOp)
		assert.Equal(t, 0, cs.Changes[1].Seq)
		assert.Equal(t, usa.ID, cs.Changes[1].DocID)
		assert.Equal(t, DBOpUpdate, cs.Changes[1].DBOp)
		assert.Equal(t, KindAreas, cs.Changes[0].Kind)
		assert.Equal(t, region.Name, cs.Changes[0].FullDocument.Name)
	})

	t.Run("insert classified by first version", func(t *testing.T) {
		cs := env.changeSet(t, usa.Change.HistoryID)
		require.Len(t, cs.Changes, 1)
		assert.Equal(t, DBOpInsert, cs.Changes[0].DBOp)
	})

	t.Run("drain is idempotent across checkpoint", func(t *testing.T) {
		assert.Equal(t, 0, env.drainFeed(t))
		cs := env.changeSet(t, region.Change.HistoryID)
		assert.Len(t, cs.Changes, 2)
	})
}

func TestListenerResumesFromCheckpoint(t *testing.T) {
	env := newTestEnv(t)

	usa := env.addCountry(t, "usa")
	env.drainFeed(t)

	var checkpoint uint64
	require.NoError(t, env.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		var err error
		checkpoint, err = env.store.GetCheckpoint(txn)
		return err
	}))
	assert.Equal(t, uint64(1), checkpoint)

	env.addArea(t, "Region", usa.PublicID, false)
	assert.Equal(t, 2, env.drainFeed(t))
}

func TestListenerDropsUnmatchedHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	usa := env.addCountry(t, "usa")
	env.drainFeed(t)

	// an event referencing a change-set that was never written
	err := env.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return env.store.AppendEvent(txn, &FeedEvent{
			Seq:       99,
			DBOp:      DBOpUpdate,
			Kind:      KindAreas,
			DocID:     usa.ID,
			HistoryID: "no-such-change-set",
			Doc:       *usa,
		}, time.Hour)
	})
	require.NoError(t, err)

	processed, err := env.listener.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	// dropped, not retried: checkpoint moved past it
	assert.Equal(t, 0, env.drainFeed(t))
}

func TestListenerDuplicateEventsSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	usa := env.addCountry(t, "usa")
	env.drainFeed(t)

	// replay the same write under a fresh outbox seq
	err := env.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return env.store.AppendEvent(txn, &FeedEvent{
			Seq:       50,
			DBOp:      DBOpInsert,
			Kind:      KindAreas,
			DocID:     usa.ID,
			HistoryID: usa.Change.HistoryID,
			Doc:       *usa,
		}, time.Hour)
	})
	require.NoError(t, err)
	env.drainFeed(t)

	cs := env.changeSet(t, usa.Change.HistoryID)
	assert.Len(t, cs.Changes, 1)
}

func TestListenerLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.listener.Start(ctx))

	usa := env.addCountry(t, "usa")
	require.Eventually(t, func() bool {
		cs := env.changeSet(t, usa.Change.HistoryID)
		return len(cs.Changes) == 1
	}, 5*time.Second, 20*time.Millisecond, "listener never applied the commit")

	require.NoError(t, env.listener.Stop())
	require.NoError(t, env.listener.Stop(), "stop must be idempotent")

	_, err := env.listener.ProcessOnce(ctx)
	assert.ErrorIs(t, err, ErrListenerClosed)
}
