// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package txncoord

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/tabcore/corecontext"
	"github.com/luxfi/tabcore/kvstore"
)

// compensationEntry is one CompensationLog record (§6.3): the prior
// value of a (store, key) pair, captured before PREPARE mutates it, so
// ABORT can restore it.
type compensationEntry struct {
	TxnID        string `json:"txn_id"`
	Store        string `json:"store"`
	Key          string `json:"key"`
	PriorExisted bool   `json:"prior_existed"`
	PriorValue   []byte `json:"prior_value,omitempty"`
	Kind         OpKind `json:"kind"`
}

// kvResource adapts one named kvstore store into a txncoord Resource.
// PREPARE applies each op directly (after recording its prior value
// into the compensation log), so a PREPARE failure partway through a
// multi-resource transaction can still be fully undone by rolling back
// every resource that already prepared. COMMIT is a no-op beyond
// durability confirmation: the mutation is already visible and
// persisted once PREPARE returns. This mirrors the spec's framing that
// CompensationLog is written "during PREPARE before mutation" and
// consulted "by ABORT to restore prior values" — if PREPARE only
// staged in memory, no compensation would ever be needed.
type kvResource struct {
	ctx       *corecontext.Context
	kv        kvstore.KVStore
	storeName string

	mu      sync.Mutex
	applied map[string][]Op // txnID -> ops actually applied during prepare
}

// NewKVResource constructs the default §4.5 Resource for storeName.
func NewKVResource(ctx *corecontext.Context, kv kvstore.KVStore, storeName string) Resource {
	return &kvResource{
		ctx:       ctx.Component("txncoord.resource." + storeName),
		kv:        kv,
		storeName: storeName,
		applied:   make(map[string][]Op),
	}
}

// Prepare applies ops one at a time, compensation-logging each before
// it mutates the store. If an op partway through fails, this resource
// was never added to the coordinator's prepared set, so abort() will
// never call Rollback on it (abort() only rolls back resources that
// fully prepared) — Prepare must therefore undo its own partial work
// before returning, using the same compensation log Rollback would.
func (r *kvResource) Prepare(txnID string, ops []Op) error {
	for _, op := range ops {
		prior, existed, err := r.kv.Get(r.storeName, op.Key)
		if err != nil {
			return r.failPartialPrepare(txnID, "kvresource.prepare", op.Key, err)
		}
		if err := r.appendCompensation(compensationEntry{
			TxnID: txnID, Store: r.storeName, Key: op.Key,
			PriorExisted: existed, PriorValue: prior, Kind: op.Kind,
		}); err != nil {
			return r.failPartialPrepare(txnID, "kvresource.prepare", op.Key, err)
		}

		if err := r.apply(op); err != nil {
			return r.failPartialPrepare(txnID, "kvresource.prepare", op.Key, err)
		}
	}

	r.mu.Lock()
	r.applied[txnID] = append(append([]Op{}, r.applied[txnID]...), ops...)
	r.mu.Unlock()
	return nil
}

// failPartialPrepare restores every op this transaction already
// applied to this resource before returning err, so a partial PREPARE
// failure never leaves an uncompensated mutation on disk.
func (r *kvResource) failPartialPrepare(txnID, op, key string, cause error) error {
	if undoErr := r.restoreFromCompensationLog(txnID); undoErr != nil {
		r.ctx.Logger.Error("failed to self-rollback after partial PREPARE failure",
			log.String("txn_id", txnID), log.Err(undoErr))
	}
	return corecontext.New(corecontext.KindPersistenceFailed, op, cause,
		"store", r.storeName, "key", key)
}

func (r *kvResource) apply(op Op) error {
	switch op.Kind {
	case OpDelete:
		return r.kv.Delete(r.storeName, op.Key)
	default:
		return r.kv.Put(r.storeName, op.Key, op.Value)
	}
}

func (r *kvResource) appendCompensation(entry compensationEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	id, err := r.kv.NextID(kvstore.StoreTransactionCompensation)
	if err != nil {
		return err
	}
	return r.kv.Put(kvstore.StoreTransactionCompensation, kvstore.EncodeUint64Key(id), raw)
}

// Commit is a no-op: PREPARE already durably applied the mutation.
func (r *kvResource) Commit(txnID string) error {
	r.mu.Lock()
	delete(r.applied, txnID)
	r.mu.Unlock()
	return nil
}

// Rollback restores every (store, key) this resource prepared for
// txnID to its pre-transaction value, using the compensation log.
func (r *kvResource) Rollback(txnID string) error {
	return r.restoreFromCompensationLog(txnID)
}

// Recover keeps (COMMIT intent) or reverts (ABORT intent) a
// transaction discovered mid-flight at startup. Because PREPARE
// already mutated the store durably, COMMIT intent needs no further
// action; ABORT intent runs the same restoration as Rollback.
func (r *kvResource) Recover(txnID string, intent RecoverIntent) error {
	if intent == RecoverCommit {
		r.mu.Lock()
		delete(r.applied, txnID)
		r.mu.Unlock()
		return nil
	}
	return r.restoreFromCompensationLog(txnID)
}

// restoreFromCompensationLog restores every (store, key) this
// transaction touched back to its pre-transaction value. A key mutated
// more than once during PREPARE has more than one compensation entry;
// since each entry's key is an auto-incrementing ID encoded to sort in
// creation order (kvstore.EncodeUint64Key), entries are processed in
// that order and only the first one seen per target key is applied —
// it alone captures the value before any of this transaction's writes.
// Applying every entry in GetAll's randomized map order would instead
// restore whichever one happened to run last, an arbitrary intermediate
// value rather than the true original.
func (r *kvResource) restoreFromCompensationLog(txnID string) error {
	all, err := r.kv.GetAll(kvstore.StoreTransactionCompensation)
	if err != nil {
		return err
	}

	logKeys := make([]string, 0, len(all))
	for key := range all {
		logKeys = append(logKeys, key)
	}
	sort.Strings(logKeys)

	restored := make(map[string]struct{}, len(all))
	for _, logKey := range logKeys {
		var entry compensationEntry
		if err := json.Unmarshal(all[logKey], &entry); err != nil {
			continue
		}
		if entry.TxnID != txnID || entry.Store != r.storeName {
			continue
		}
		if _, done := restored[entry.Key]; !done {
			var restoreErr error
			if entry.PriorExisted {
				restoreErr = r.kv.Put(r.storeName, entry.Key, entry.PriorValue)
			} else {
				restoreErr = r.kv.Delete(r.storeName, entry.Key)
			}
			if restoreErr != nil {
				r.ctx.Logger.Error("failed to restore compensation entry",
					log.String("txn_id", txnID), log.String("key", entry.Key), log.Err(restoreErr))
				return restoreErr
			}
			restored[entry.Key] = struct{}{}
		}
		_ = r.kv.Delete(kvstore.StoreTransactionCompensation, logKey)
	}

	r.mu.Lock()
	delete(r.applied, txnID)
	r.mu.Unlock()
	return nil
}
