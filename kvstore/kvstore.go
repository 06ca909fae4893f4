// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package kvstore implements §4.6: named object stores with
// get/put/delete/count/getAll over a linearizable key-value database,
// a scoped transaction primitive with retry, and a serial per-store
// FIFO queue for mutating operations issued outside an explicit
// transaction. Grounded on the teacher's crypto/database.Database
// interface and chains/atomic.Memory's chain-scoped key namespacing.
package kvstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/tabcore/corecontext"
)

// Canonical store names, laid out in §6.1/§6.3.
const (
	StoreStreams                 = "streams"
	StoreChunks                  = "chunks"
	StoreEmbeddings              = "embeddings"
	StorePersonality             = "personality"
	StoreSettings                = "settings"
	StoreChatSessions            = "chat_sessions"
	StoreConfig                  = "config"
	StoreTokens                  = "tokens"
	StoreMigration                = "migration"
	StoreEventLog                 = "event_log"
	StoreEventCheckpoint          = "event_checkpoint"
	StoreTransactionJournal       = "transaction_journal"
	StoreTransactionCompensation  = "transaction_compensation"
	StoreDemoStreams              = "demo_streams"
)

// metaStores are exempt from TxnCoord's transactional semantics (§5
// "Cross-tab shared state").
var metaStores = map[string]struct{}{
	StoreMigration:               {},
	StoreTransactionJournal:      {},
	StoreTransactionCompensation: {},
}

// IsMetaStore reports whether name is exempt from transaction scoping.
func IsMetaStore(name string) bool {
	_, ok := metaStores[name]
	return ok
}

// KVStore is the object-store abstraction of §4.6.
type KVStore interface {
	Get(storeName, key string) ([]byte, bool, error)
	Put(storeName, key string, value []byte) error
	Delete(storeName, key string) error
	Has(storeName, key string) (bool, error)
	Count(storeName string) (int, error)
	GetAll(storeName string) (map[string][]byte, error)
	// NextID returns the next auto-incrementing integer key for
	// storeName (chunks, embeddings, demo_streams,
	// transaction_journal, transaction_compensation use this).
	NextID(storeName string) (uint64, error)
	// Transaction runs fn against a Tx scoped to the named stores,
	// retrying transient failures up to TxnRetryMaxAttempts with
	// exponential backoff. mode ReadOnly forbids mutation.
	Transaction(scope []string, mode Mode, fn func(Tx) error) error
}

// Mode is a transaction's access mode.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// Tx is a transaction-scoped view over the stores named in its scope.
type Tx interface {
	Get(storeName, key string) ([]byte, bool, error)
	Put(storeName, key string, value []byte) error
	Delete(storeName, key string) error
	GetAll(storeName string) (map[string][]byte, error)
}

type store struct {
	mu      sync.RWMutex
	data    map[string][]byte
	autoID  uint64
	jobs    chan func()
}

type kv struct {
	ctx *corecontext.Context
	db  database.Database

	mu     sync.Mutex
	stores map[string]*store
}

// New constructs a KVStore backed by db (typically an in-process
// memdb.Database; see the teacher's engine/bft/util_test.go wiring).
func New(ctx *corecontext.Context, db database.Database) KVStore {
	ctx = ctx.Component("kvstore")
	k := &kv{ctx: ctx, db: db, stores: make(map[string]*store)}
	return k
}

func (k *kv) storeFor(name string) *store {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.stores[name]
	if !ok {
		s = &store{data: make(map[string][]byte), jobs: make(chan func(), 64)}
		go s.runQueue()
		k.stores[name] = s
	}
	return s
}

// runQueue drains s.jobs in submission order, giving mutating
// operations on this store FIFO serialization even when issued
// concurrently from multiple goroutines without an explicit
// transaction (§4.6 "serial queue per store").
func (s *store) runQueue() {
	for job := range s.jobs {
		job()
	}
}

func (s *store) enqueue(fn func() error) error {
	done := make(chan error, 1)
	s.jobs <- func() { done <- fn() }
	return <-done
}

func namespacedKey(storeName, key string) []byte {
	return []byte(storeName + "\x00" + key)
}

func (k *kv) Get(storeName, key string) ([]byte, bool, error) {
	s := k.storeFor(storeName)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (k *kv) Has(storeName, key string) (bool, error) {
	s := k.storeFor(storeName)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

func (k *kv) Put(storeName, key string, value []byte) error {
	s := k.storeFor(storeName)
	return s.enqueue(func() error {
		if err := k.db.Put(namespacedKey(storeName, key), value); err != nil {
			return corecontext.New(corecontext.KindPersistenceFailed, "kvstore.put", err,
				"store", storeName, "key", key)
		}
		s.mu.Lock()
		cp := make([]byte, len(value))
		copy(cp, value)
		s.data[key] = cp
		s.mu.Unlock()
		return nil
	})
}

func (k *kv) Delete(storeName, key string) error {
	s := k.storeFor(storeName)
	return s.enqueue(func() error {
		if err := k.db.Delete(namespacedKey(storeName, key)); err != nil {
			return corecontext.New(corecontext.KindPersistenceFailed, "kvstore.delete", err,
				"store", storeName, "key", key)
		}
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return nil
	})
}

func (k *kv) Count(storeName string) (int, error) {
	s := k.storeFor(storeName)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data), nil
}

func (k *kv) GetAll(storeName string) (map[string][]byte, error) {
	s := k.storeFor(storeName)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.data))
	for kk, v := range s.data {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[kk] = cp
	}
	return out, nil
}

func (k *kv) NextID(storeName string) (uint64, error) {
	s := k.storeFor(storeName)
	var id uint64
	err := s.enqueue(func() error {
		s.mu.Lock()
		s.autoID++
		id = s.autoID
		s.mu.Unlock()
		return nil
	})
	return id, err
}

// EncodeUint64Key renders v as a fixed-width big-endian string key, so
// auto-incrementing keys (chunks, embeddings, event_log sequences)
// sort lexicographically in the same order as numerically.
func EncodeUint64Key(v uint64) string {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return string(b)
}

func (k *kv) Transaction(scope []string, mode Mode, fn func(Tx) error) error {
	backoff := k.ctx.Config.TxnRetryBackoffMin
	var lastErr error
	for attempt := 1; attempt <= k.ctx.Config.TxnRetryMaxAttempts; attempt++ {
		tx := &scopedTx{k: k, scope: asSet(scope), mode: mode}
		err := tx.run(fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) || attempt == k.ctx.Config.TxnRetryMaxAttempts {
			break
		}
		k.ctx.Logger.Warn("kvstore transaction retrying",
			log.Int("attempt", attempt), log.Err(err))
		<-afterChan(k.ctx, backoff)
		backoff *= 2
		if backoff > k.ctx.Config.TxnRetryBackoffMax {
			backoff = k.ctx.Config.TxnRetryBackoffMax
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	return corecontext.KindOf(err) == corecontext.KindPersistenceFailed
}

// afterChan fires once after d on ctx's clock, used instead of
// time.After so tests can drive retries with a MockClock.
func afterChan(ctx *corecontext.Context, d corecontext.Duration) <-chan struct{} {
	ch := make(chan struct{}, 1)
	ctx.Clock.SetTimer(d, func() { ch <- struct{}{} })
	return ch
}

// pendingWrite mirrors one batched Put/Delete so the in-memory read
// path can be updated once the batch backing it has durably committed.
type pendingWrite struct {
	store string
	key   string
	value []byte
	isDel bool
}

// scopedTx implements Tx, rejecting access to any store outside its
// declared scope and refusing mutation entirely when mode is ReadOnly.
// A ReadWrite transaction stages its writes into a single
// database.Batch (per the teacher's chains/atomic.Memory wiring of
// database.Batch) and commits them with one atomic Write() call at the
// end of fn, so a mid-transaction failure leaves nothing durably
// applied — reads against the live store inside the transaction still
// see pre-transaction values until that commit happens.
type scopedTx struct {
	k       *kv
	scope   map[string]struct{}
	mode    Mode
	active  bool
	mu      sync.Mutex
	batch   database.Batch
	pending []pendingWrite
}

func (tx *scopedTx) run(fn func(Tx) error) error {
	if tx.mode == ReadWrite {
		tx.batch = tx.k.db.NewBatch()
	}
	tx.active = true
	err := fn(tx)
	tx.active = false
	if err != nil {
		return err
	}
	if tx.batch == nil || tx.batch.Size() == 0 {
		return nil
	}
	if err := tx.batch.Write(); err != nil {
		return corecontext.New(corecontext.KindPersistenceFailed, "kvstore.tx.commit", err)
	}
	for _, w := range tx.pending {
		s := tx.k.storeFor(w.store)
		s.mu.Lock()
		if w.isDel {
			delete(s.data, w.key)
		} else {
			cp := make([]byte, len(w.value))
			copy(cp, w.value)
			s.data[w.key] = cp
		}
		s.mu.Unlock()
	}
	return nil
}

func (tx *scopedTx) checkScope(storeName string) error {
	if _, ok := tx.scope[storeName]; !ok {
		return fmt.Errorf("kvstore: store %q not in transaction scope", storeName)
	}
	if !tx.active {
		return corecontext.New(corecontext.KindUnknown, "kvstore.tx", fmt.Errorf("transaction is not active"))
	}
	return nil
}

func (tx *scopedTx) Get(storeName, key string) ([]byte, bool, error) {
	if err := tx.checkScope(storeName); err != nil {
		return nil, false, err
	}
	return tx.k.Get(storeName, key)
}

func (tx *scopedTx) GetAll(storeName string) (map[string][]byte, error) {
	if err := tx.checkScope(storeName); err != nil {
		return nil, err
	}
	return tx.k.GetAll(storeName)
}

func (tx *scopedTx) Put(storeName, key string, value []byte) error {
	if err := tx.checkScope(storeName); err != nil {
		return err
	}
	if tx.mode == ReadOnly {
		return fmt.Errorf("kvstore: write against a read-only transaction")
	}
	if err := tx.batch.Put(namespacedKey(storeName, key), value); err != nil {
		return corecontext.New(corecontext.KindPersistenceFailed, "kvstore.tx.put", err,
			"store", storeName, "key", key)
	}
	tx.pending = append(tx.pending, pendingWrite{store: storeName, key: key, value: value})
	return nil
}

func (tx *scopedTx) Delete(storeName, key string) error {
	if err := tx.checkScope(storeName); err != nil {
		return err
	}
	if tx.mode == ReadOnly {
		return fmt.Errorf("kvstore: write against a read-only transaction")
	}
	if err := tx.batch.Delete(namespacedKey(storeName, key)); err != nil {
		return corecontext.New(corecontext.KindPersistenceFailed, "kvstore.tx.delete", err,
			"store", storeName, "key", key)
	}
	tx.pending = append(tx.pending, pendingWrite{store: storeName, key: key, isDel: true})
	return nil
}

func asSet(ss []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}
