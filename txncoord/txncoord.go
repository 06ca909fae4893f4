// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package txncoord implements §4.5: a two-phase commit coordinator
// over object-store resources, with a durable journal, a compensation
// log for rollback, forward-roll recovery on startup, and a FATAL
// escape valve that preserves "every transaction eventually reaches
// COMMITTED or ABORTED" even when a resource misbehaves mid-commit.
// Grounded on the teacher's engine/chain block-acceptance pipeline
// (prepare/accept/reject staging) and golang.org/x/sync/errgroup for
// fanning prepare, rollback and recovery calls out across resources;
// commit calls run sequentially.
package txncoord

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/tabcore/corecontext"
	"github.com/luxfi/tabcore/kvstore"
)

// OpKind is the mutation kind of one Op.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one mutation scoped to a single store.
type Op struct {
	Store string `json:"store"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
	Kind  OpKind `json:"kind"`
}

// RecoverIntent tells a Resource which way a recovered transaction
// should be resolved.
type RecoverIntent int

const (
	RecoverAbort RecoverIntent = iota
	RecoverCommit
)

// Resource is the four-hook object abstraction of §4.5. KVStore-backed
// stores are the default resource, via NewKVResource.
type Resource interface {
	Prepare(txnID string, ops []Op) error
	Commit(txnID string) error
	Rollback(txnID string) error
	Recover(txnID string, intent RecoverIntent) error
}

// Phase is a transaction's position in the journal lifecycle.
type Phase string

const (
	PhasePreparing Phase = "PREPARING"
	PhasePrepared  Phase = "PREPARED"
	PhaseCommitting Phase = "COMMITTING"
	PhaseCommitted  Phase = "COMMITTED"
	PhaseAborting   Phase = "ABORTING"
	PhaseAborted    Phase = "ABORTED"
)

type journalRecord struct {
	TxnID     string    `json:"txn_id"`
	Phase     Phase     `json:"phase"`
	Resources []string  `json:"resources"`
	Ops       []Op      `json:"ops"`
	CreatedAt time.Time `json:"created_at"`
}

// TxnCoord is the two-phase commit coordinator of §4.5.
type TxnCoord interface {
	// Execute runs the full BEGIN/PREPARE/COMMIT lifecycle for ops
	// against resources (keyed by store name), under execCtx — the
	// caller's logical execution context id, used to forbid nested
	// transactions on the same flow.
	Execute(execCtx string, ops []Op, resources map[string]Resource) error
	// Recover scans the journal and forward-rolls or aborts every
	// incomplete transaction found. Call once at startup.
	Recover(resources map[string]Resource) error
	// ClearFatal allows begin() to proceed again after an operator
	// has investigated a FATAL coordinator state.
	ClearFatal()
	Fatal() (bool, string)
}

type txnCoord struct {
	ctx *corecontext.Context
	kv  kvstore.KVStore

	mu        sync.Mutex
	inTxn     map[string]bool
	fatal     bool
	fatalWhy  string
	nextTxnID uint64
}

// New constructs a TxnCoord persisting its journal and compensation
// log through kv.
func New(ctx *corecontext.Context, kv kvstore.KVStore) TxnCoord {
	return &txnCoord{
		ctx:   ctx.Component("txncoord"),
		kv:    kv,
		inTxn: make(map[string]bool),
	}
}

func (c *txnCoord) Fatal() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal, c.fatalWhy
}

func (c *txnCoord) ClearFatal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fatal = false
	c.fatalWhy = ""
}

func (c *txnCoord) enterFatal(reason string) {
	c.mu.Lock()
	c.fatal = true
	c.fatalWhy = reason
	c.mu.Unlock()
	c.ctx.Logger.Error("transaction coordinator entering fatal state", log.String("reason", reason))
}

func (c *txnCoord) begin(execCtx string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal {
		return "", corecontext.New(corecontext.KindFatalState, "txncoord.begin", nil, "reason", c.fatalWhy)
	}
	if c.inTxn[execCtx] {
		return "", corecontext.New(corecontext.KindNestedTransactionForbidden, "txncoord.begin", nil,
			"exec_ctx", execCtx)
	}
	c.inTxn[execCtx] = true
	c.nextTxnID++
	txnID := fmt.Sprintf("txn-%d", c.nextTxnID)
	return txnID, nil
}

func (c *txnCoord) end(execCtx string) {
	c.mu.Lock()
	delete(c.inTxn, execCtx)
	c.mu.Unlock()
}

// Execute implements the §4.5 life cycle table.
func (c *txnCoord) Execute(execCtx string, ops []Op, resources map[string]Resource) error {
	txnID, err := c.begin(execCtx)
	if err != nil {
		return err
	}
	defer c.end(execCtx)

	involved := involvedStores(ops, resources)
	if err := c.writeJournal(journalRecord{
		TxnID: txnID, Phase: PhasePreparing, Resources: involved, Ops: ops, CreatedAt: c.ctx.Clock.Now(),
	}); err != nil {
		return corecontext.New(corecontext.KindPersistenceFailed, "txncoord.begin", err, "txn_id", txnID)
	}

	opsByStore := make(map[string][]Op, len(involved))
	for _, op := range ops {
		opsByStore[op.Store] = append(opsByStore[op.Store], op)
	}

	prepared := make([]string, 0, len(involved))
	var prepareErr error
	var mu sync.Mutex
	g := new(errgroup.Group)
	for _, name := range involved {
		name := name
		g.Go(func() error {
			if err := resources[name].Prepare(txnID, opsByStore[name]); err != nil {
				mu.Lock()
				if prepareErr == nil {
					prepareErr = err
				}
				mu.Unlock()
				return err
			}
			mu.Lock()
			prepared = append(prepared, name)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if prepareErr != nil {
		return c.abort(txnID, involved, ops, prepared, resources, prepareErr)
	}

	sort.Strings(prepared)
	if err := c.writeJournal(journalRecord{
		TxnID: txnID, Phase: PhasePrepared, Resources: involved, Ops: ops, CreatedAt: c.ctx.Clock.Now(),
	}); err != nil {
		return corecontext.New(corecontext.KindPersistenceFailed, "txncoord.prepared", err, "txn_id", txnID)
	}

	if err := c.writeJournal(journalRecord{
		TxnID: txnID, Phase: PhaseCommitting, Resources: involved, Ops: ops, CreatedAt: c.ctx.Clock.Now(),
	}); err != nil {
		return corecontext.New(corecontext.KindPersistenceFailed, "txncoord.committing", err, "txn_id", txnID)
	}

	committed := make([]string, 0, len(involved))
	for _, name := range involved {
		if err := resources[name].Commit(txnID); err != nil {
			if len(committed) > 0 {
				c.enterFatal(fmt.Sprintf("txn %s: resource %q commit failed after %d resource(s) already committed: %v",
					txnID, name, len(committed), err))
				return corecontext.New(corecontext.KindCommitFailed, "txncoord.commit", err,
					"txn_id", txnID, "resource", name)
			}
			return c.abort(txnID, involved, ops, prepared, resources, err)
		}
		committed = append(committed, name)
	}

	if err := c.writeJournal(journalRecord{
		TxnID: txnID, Phase: PhaseCommitted, Resources: involved, Ops: ops, CreatedAt: c.ctx.Clock.Now(),
	}); err != nil {
		c.ctx.Logger.Warn("failed to durably record COMMITTED phase", log.String("txn_id", txnID), log.Err(err))
	}
	return nil
}

func (c *txnCoord) abort(txnID string, involved []string, ops []Op, prepared []string, resources map[string]Resource, cause error) error {
	if err := c.writeJournal(journalRecord{
		TxnID: txnID, Phase: PhaseAborting, Resources: involved, Ops: ops, CreatedAt: c.ctx.Clock.Now(),
	}); err != nil {
		c.ctx.Logger.Warn("failed to durably record ABORTING phase", log.String("txn_id", txnID), log.Err(err))
	}

	g := new(errgroup.Group)
	for _, name := range prepared {
		name := name
		g.Go(func() error {
			if err := resources[name].Rollback(txnID); err != nil {
				c.ctx.Logger.Error("rollback failed, compensation log retained for manual replay",
					log.String("txn_id", txnID), log.String("resource", name), log.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := c.writeJournal(journalRecord{
		TxnID: txnID, Phase: PhaseAborted, Resources: involved, Ops: ops, CreatedAt: c.ctx.Clock.Now(),
	}); err != nil {
		c.ctx.Logger.Warn("failed to durably record ABORTED phase", log.String("txn_id", txnID), log.Err(err))
	}

	return corecontext.New(corecontext.KindPrepareFailed, "txncoord.prepare", cause, "txn_id", txnID)
}

func (c *txnCoord) writeJournal(rec journalRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.kv.Put(kvstore.StoreTransactionJournal, rec.TxnID, raw)
}

// Recover implements the §4.5 startup recovery scan.
func (c *txnCoord) Recover(resources map[string]Resource) error {
	all, err := c.kv.GetAll(kvstore.StoreTransactionJournal)
	if err != nil {
		return err
	}

	retentionCutoff := c.ctx.Clock.Now().Add(-c.ctx.Config.JournalRetention)
	for key, raw := range all {
		var rec journalRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}

		switch rec.Phase {
		case PhasePreparing, PhaseAborting:
			c.recoverResources(rec, RecoverAbort, resources)
			rec.Phase = PhaseAborted
			if err := c.writeJournal(rec); err != nil {
				c.ctx.Logger.Warn("failed to persist recovered ABORTED phase", log.String("txn_id", rec.TxnID), log.Err(err))
			}
		case PhasePrepared, PhaseCommitting:
			c.recoverResources(rec, RecoverCommit, resources)
			rec.Phase = PhaseCommitted
			if err := c.writeJournal(rec); err != nil {
				c.ctx.Logger.Warn("failed to persist recovered COMMITTED phase", log.String("txn_id", rec.TxnID), log.Err(err))
			}
		case PhaseCommitted, PhaseAborted:
			if rec.CreatedAt.Before(retentionCutoff) {
				if err := c.kv.Delete(kvstore.StoreTransactionJournal, key); err != nil {
					c.ctx.Logger.Warn("failed to garbage-collect journal record", log.String("txn_id", rec.TxnID), log.Err(err))
				}
			}
		}
	}
	return nil
}

func (c *txnCoord) recoverResources(rec journalRecord, intent RecoverIntent, resources map[string]Resource) {
	g := new(errgroup.Group)
	for _, name := range rec.Resources {
		name := name
		res, ok := resources[name]
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := res.Recover(rec.TxnID, intent); err != nil {
				c.ctx.Logger.Error("resource recovery failed; coordinator entering fatal state",
					log.String("txn_id", rec.TxnID), log.String("resource", name), log.Err(err))
				c.enterFatal(fmt.Sprintf("txn %s: resource %q failed to recover: %v", rec.TxnID, name, err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func involvedStores(ops []Op, resources map[string]Resource) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(resources))
	for _, op := range ops {
		if _, ok := seen[op.Store]; ok {
			continue
		}
		if _, ok := resources[op.Store]; !ok {
			continue
		}
		seen[op.Store] = struct{}{}
		out = append(out, op.Store)
	}
	sort.Strings(out)
	return out
}
