// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenValidation(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err, "persistent open without a path must fail")
}

func TestOpenPersistent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "catalog")

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	assert.Equal(t, dir, db.Path())
	assert.False(t, db.InMemory())
	require.NoError(t, db.Close())
}

func TestWithTxn(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	t.Run("commits on nil error", func(t *testing.T) {
		require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
			return txn.Set([]byte("k"), []byte("v"))
		}))

		require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			item, err := txn.Get([]byte("k"))
			require.NoError(t, err)
			return item.Value(func(val []byte) error {
				assert.Equal(t, []byte("v"), val)
				return nil
			})
		}))
	})

	t.Run("discards on error", func(t *testing.T) {
		sentinel := errors.New("abort")
		err := db.WithTxn(ctx, func(txn *badger.Txn) error {
			if err := txn.Set([]byte("rollback"), []byte("x")); err != nil {
				return err
			}
			return sentinel
		})
		require.ErrorIs(t, err, sentinel)

		require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			_, err := txn.Get([]byte("rollback"))
			assert.ErrorIs(t, err, badger.ErrKeyNotFound)
			return nil
		}))
	})

	t.Run("refuses cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, db.WithTxn(cancelled, func(txn *badger.Txn) error { return nil }))
	})
}

func TestConflictDetection(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("contended"), []byte("0"))
	}))

	txn1 := db.NewTransaction(true)
	defer txn1.Discard()
	txn2 := db.NewTransaction(true)
	defer txn2.Discard()

	_, err = txn1.Get([]byte("contended"))
	require.NoError(t, err)
	_, err = txn2.Get([]byte("contended"))
	require.NoError(t, err)

	require.NoError(t, txn1.Set([]byte("contended"), []byte("1")))
	require.NoError(t, txn1.Commit())

	require.NoError(t, txn2.Set([]byte("contended"), []byte("2")))
	assert.ErrorIs(t, txn2.Commit(), badger.ErrConflict)
}
