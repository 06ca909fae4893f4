// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package txncoord

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/tabcore/corecontext"
	"github.com/luxfi/tabcore/kvstore"
)

func newTestCoord(t *testing.T) (TxnCoord, kvstore.KVStore) {
	ctx := corecontext.New(ids.GenerateTestNodeID(), corecontext.NewMockClock(), nil, log.NewNoOpLogger(), corecontext.FastTestConfig())
	kv := kvstore.New(ctx, memdb.New())
	return New(ctx, kv), kv
}

// failingResource always fails Prepare, recording which ops it saw.
type failingResource struct {
	mu  sync.Mutex
	ops []Op
}

func (f *failingResource) Prepare(txnID string, ops []Op) error {
	f.mu.Lock()
	f.ops = append(f.ops, ops...)
	f.mu.Unlock()
	return assertErr
}
func (f *failingResource) Commit(string) error                     { return nil }
func (f *failingResource) Rollback(string) error                   { return nil }
func (f *failingResource) Recover(string, RecoverIntent) error { return nil }

var assertErr = &corecontext.Error{Kind: corecontext.KindUnknown, Op: "failingResource"}

func TestTransactionAtomicFailureRollsBackPreparedResources(t *testing.T) {
	ctx := corecontext.New(ids.GenerateTestNodeID(), corecontext.NewMockClock(), nil, log.NewNoOpLogger(), corecontext.FastTestConfig())
	kv := kvstore.New(ctx, memdb.New())
	coord := New(ctx, kv)

	r1 := NewKVResource(ctx, kv, kvstore.StoreStreams)
	r2 := &failingResource{}

	// seed an existing value so rollback has something to restore to.
	require.NoError(t, kv.Put(kvstore.StoreStreams, "k1", []byte("original")))

	ops := []Op{
		{Store: kvstore.StoreStreams, Key: "k1", Value: []byte("new"), Kind: OpPut},
		{Store: "r2store", Key: "k2", Value: []byte("x"), Kind: OpPut},
	}
	resources := map[string]Resource{kvstore.StoreStreams: r1, "r2store": r2}

	err := coord.Execute("exec-1", ops, resources)
	require.Error(t, err)
	require.Equal(t, corecontext.KindPrepareFailed, corecontext.KindOf(err))

	v, ok, err := kv.Get(kvstore.StoreStreams, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("original"), v, "rollback must restore the prior value")
}

// TestRollbackRestoresOriginalValueAfterRepeatedWriteToSameKey covers a
// transaction whose PREPARE phase writes the same key twice: Rollback
// must restore the value from before either write, not whichever of
// the two compensation entries happens to be processed last.
func TestRollbackRestoresOriginalValueAfterRepeatedWriteToSameKey(t *testing.T) {
	ctx := corecontext.New(ids.GenerateTestNodeID(), corecontext.NewMockClock(), nil, log.NewNoOpLogger(), corecontext.FastTestConfig())
	kv := kvstore.New(ctx, memdb.New())
	r := NewKVResource(ctx, kv, kvstore.StoreStreams)

	require.NoError(t, kv.Put(kvstore.StoreStreams, "k1", []byte("original")))

	require.NoError(t, r.Prepare("txn-1", []Op{
		{Store: kvstore.StoreStreams, Key: "k1", Value: []byte("first"), Kind: OpPut},
		{Store: kvstore.StoreStreams, Key: "k1", Value: []byte("second"), Kind: OpPut},
	}))

	v, ok, err := kv.Get(kvstore.StoreStreams, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("second"), v)

	require.NoError(t, r.Rollback("txn-1"))

	v, ok, err = kv.Get(kvstore.StoreStreams, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("original"), v, "rollback must restore the value from before either write")
}

// TestRollbackDeletesKeyThatDidNotExistBeforeRepeatedWrites covers the
// same repeated-write scenario but for a key with no pre-transaction
// value: rollback must delete it, not leave an intermediate write.
func TestRollbackDeletesKeyThatDidNotExistBeforeRepeatedWrites(t *testing.T) {
	ctx := corecontext.New(ids.GenerateTestNodeID(), corecontext.NewMockClock(), nil, log.NewNoOpLogger(), corecontext.FastTestConfig())
	kv := kvstore.New(ctx, memdb.New())
	r := NewKVResource(ctx, kv, kvstore.StoreStreams)

	require.NoError(t, r.Prepare("txn-1", []Op{
		{Store: kvstore.StoreStreams, Key: "k2", Value: []byte("first"), Kind: OpPut},
		{Store: kvstore.StoreStreams, Key: "k2", Value: []byte("second"), Kind: OpPut},
	}))

	require.NoError(t, r.Rollback("txn-1"))

	_, ok, err := kv.Get(kvstore.StoreStreams, "k2")
	require.NoError(t, err)
	require.False(t, ok, "rollback must remove a key that never existed before this transaction")
}

func TestNestedTransactionForbidden(t *testing.T) {
	coord, kv := newTestCoord(t)
	ctx := coord.(*txnCoord).ctx
	r1 := NewKVResource(ctx, kv, kvstore.StoreStreams)
	resources := map[string]Resource{kvstore.StoreStreams: r1}

	coord.(*txnCoord).mu.Lock()
	coord.(*txnCoord).inTxn["exec-1"] = true
	coord.(*txnCoord).mu.Unlock()

	err := coord.Execute("exec-1", []Op{{Store: kvstore.StoreStreams, Key: "a", Value: []byte("1")}}, resources)
	require.Error(t, err)
	require.Equal(t, corecontext.KindNestedTransactionForbidden, corecontext.KindOf(err))
}

func TestSuccessfulTransactionCommitsAllOps(t *testing.T) {
	coord, kv := newTestCoord(t)
	ctx := coord.(*txnCoord).ctx
	r1 := NewKVResource(ctx, kv, kvstore.StoreStreams)
	r2 := NewKVResource(ctx, kv, kvstore.StoreChunks)
	resources := map[string]Resource{kvstore.StoreStreams: r1, kvstore.StoreChunks: r2}

	ops := []Op{
		{Store: kvstore.StoreStreams, Key: "a", Value: []byte("1"), Kind: OpPut},
		{Store: kvstore.StoreChunks, Key: "b", Value: []byte("2"), Kind: OpPut},
	}
	require.NoError(t, coord.Execute("exec-1", ops, resources))

	v1, ok, _ := kv.Get(kvstore.StoreStreams, "a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v1)
	v2, ok, _ := kv.Get(kvstore.StoreChunks, "b")
	require.True(t, ok)
	require.Equal(t, []byte("2"), v2)

	// the execution context is free again once the transaction ends.
	require.NoError(t, coord.Execute("exec-1", ops, resources))
}

func TestFatalStateBlocksNewTransactionsUntilCleared(t *testing.T) {
	coord, kv := newTestCoord(t)
	impl := coord.(*txnCoord)
	impl.enterFatal("manual test trigger")

	ctx := impl.ctx
	r1 := NewKVResource(ctx, kv, kvstore.StoreStreams)
	resources := map[string]Resource{kvstore.StoreStreams: r1}

	err := coord.Execute("exec-1", []Op{{Store: kvstore.StoreStreams, Key: "a", Value: []byte("1")}}, resources)
	require.Error(t, err)
	require.Equal(t, corecontext.KindFatalState, corecontext.KindOf(err))

	coord.ClearFatal()
	require.NoError(t, coord.Execute("exec-1", []Op{{Store: kvstore.StoreStreams, Key: "a", Value: []byte("1")}}, resources))
}

// TestRecoveryForwardRollsPreparedTransaction mirrors §8 scenario 5:
// a journal record left in PREPARED state for a crashed transaction is
// forward-rolled to COMMITTED, calling Recover(COMMIT) on every
// resource it named; a second recovery pass is a no-op.
func TestRecoveryForwardRollsPreparedTransaction(t *testing.T) {
	coord, kv := newTestCoord(t)
	impl := coord.(*txnCoord)

	rec := journalRecord{
		TxnID:     "txn-crashed",
		Phase:     PhasePrepared,
		Resources: []string{"r1", "r2"},
		Ops:       nil,
		CreatedAt: impl.ctx.Clock.Now(),
	}
	require.NoError(t, impl.writeJournal(rec))

	r1 := &recordingResource{}
	r2 := &recordingResource{}
	resources := map[string]Resource{"r1": r1, "r2": r2}

	require.NoError(t, coord.Recover(resources))
	require.Equal(t, 1, r1.recoverCalls)
	require.Equal(t, 1, r2.recoverCalls)
	require.Equal(t, RecoverCommit, r1.lastIntent)

	raw, ok, err := kv.Get(kvstore.StoreTransactionJournal, "txn-crashed")
	require.NoError(t, err)
	require.True(t, ok)
	var got journalRecord
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, PhaseCommitted, got.Phase)

	// a second recovery pass must not re-invoke Recover on an already
	// COMMITTED record.
	require.NoError(t, coord.Recover(resources))
	require.Equal(t, 1, r1.recoverCalls, "recovery must be idempotent")
}

type recordingResource struct {
	mu           sync.Mutex
	recoverCalls int
	lastIntent   RecoverIntent
}

func (r *recordingResource) Prepare(string, []Op) error { return nil }
func (r *recordingResource) Commit(string) error        { return nil }
func (r *recordingResource) Rollback(string) error       { return nil }
func (r *recordingResource) Recover(txnID string, intent RecoverIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoverCalls++
	r.lastIntent = intent
	return nil
}
