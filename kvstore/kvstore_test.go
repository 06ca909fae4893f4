// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kvstore

import (
	"sync"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/tabcore/corecontext"
)

func newTestStore(t *testing.T) KVStore {
	ctx := corecontext.New(ids.GenerateTestNodeID(), corecontext.NewMockClock(), nil, log.NewNoOpLogger(), corecontext.FastTestConfig())
	return New(ctx, memdb.New())
}

func TestPutGetRoundTrip(t *testing.T) {
	kv := newTestStore(t)
	require.NoError(t, kv.Put(StoreSettings, "theme", []byte("dark")))
	v, ok, err := kv.Get(StoreSettings, "theme")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("dark"), v)
}

func TestGetMissingKeyIsNotAnError(t *testing.T) {
	kv := newTestStore(t)
	v, ok, err := kv.Get(StoreSettings, "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, v)
}

func TestDeleteThenGetMisses(t *testing.T) {
	kv := newTestStore(t)
	require.NoError(t, kv.Put(StoreTokens, "k", []byte("v")))
	require.NoError(t, kv.Delete(StoreTokens, "k"))
	_, ok, err := kv.Get(StoreTokens, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCountAndGetAll(t *testing.T) {
	kv := newTestStore(t)
	require.NoError(t, kv.Put(StoreChatSessions, "s1", []byte("a")))
	require.NoError(t, kv.Put(StoreChatSessions, "s2", []byte("b")))
	n, err := kv.Count(StoreChatSessions)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	all, err := kv.GetAll(StoreChatSessions)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"s1": []byte("a"), "s2": []byte("b")}, all)
}

func TestNextIDIsMonotonicAndUnique(t *testing.T) {
	kv := newTestStore(t)
	seen := make(map[uint64]struct{})
	var last uint64
	for i := 0; i < 10; i++ {
		id, err := kv.NextID(StoreChunks)
		require.NoError(t, err)
		require.Greater(t, id, last)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
		last = id
	}
}

func TestConcurrentPutsOnOneStoreAreSerialized(t *testing.T) {
	kv := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := kv.NextID(StoreEmbeddings)
			require.NoError(t, err)
			require.NoError(t, kv.Put(StoreEmbeddings, EncodeUint64Key(id), []byte("x")))
		}(i)
	}
	wg.Wait()
	n, err := kv.Count(StoreEmbeddings)
	require.NoError(t, err)
	require.Equal(t, 50, n)
}

func TestTransactionRejectsStoreOutsideScope(t *testing.T) {
	kv := newTestStore(t)
	err := kv.Transaction([]string{StoreStreams}, ReadWrite, func(tx Tx) error {
		_, _, err := tx.Get(StoreChunks, "x")
		return err
	})
	require.Error(t, err)
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	kv := newTestStore(t)
	err := kv.Transaction([]string{StoreStreams}, ReadOnly, func(tx Tx) error {
		return tx.Put(StoreStreams, "x", []byte("y"))
	})
	require.Error(t, err)
}

func TestTransactionCommitsAllWritesOnSuccess(t *testing.T) {
	kv := newTestStore(t)
	err := kv.Transaction([]string{StoreStreams, StoreChunks}, ReadWrite, func(tx Tx) error {
		if err := tx.Put(StoreStreams, "a", []byte("1")); err != nil {
			return err
		}
		return tx.Put(StoreChunks, "b", []byte("2"))
	})
	require.NoError(t, err)

	v1, ok, _ := kv.Get(StoreStreams, "a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v1)
	v2, ok, _ := kv.Get(StoreChunks, "b")
	require.True(t, ok)
	require.Equal(t, []byte("2"), v2)
}

func TestMetaStoresAreExemptFromTransactionScope(t *testing.T) {
	require.True(t, IsMetaStore(StoreMigration))
	require.True(t, IsMetaStore(StoreTransactionJournal))
	require.True(t, IsMetaStore(StoreTransactionCompensation))
	require.False(t, IsMetaStore(StoreConfig))
}
