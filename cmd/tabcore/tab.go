// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/tabcore/configcipher"
	"github.com/luxfi/tabcore/corecontext"
	"github.com/luxfi/tabcore/elector"
	"github.com/luxfi/tabcore/eventlog"
	"github.com/luxfi/tabcore/kvstore"
	"github.com/luxfi/tabcore/oplock"
	"github.com/luxfi/tabcore/provhealth"
	"github.com/luxfi/tabcore/transport"
	"github.com/luxfi/tabcore/txncoord"
)

// tab bundles one fully wired tab's worth of the coordination core,
// boot-strapped against an in-memory database and a loopback Transport
// primitive.
type tab struct {
	ctx *corecontext.Context

	transport transport.Transport
	elector   elector.Elector
	kv        kvstore.KVStore
	eventLog  eventlog.EventLog
	opLock    oplock.OpLock
	txns      txncoord.TxnCoord
	config    configcipher.ConfigCipher
	health    provhealth.ProvHealth
}

// lockRegistry is the process's static operation-to-level assignment,
// per §4.4; every caller of OpLock.Acquire must name an op registered
// here (or accept the default USER level LevelOf falls back to).
var lockRegistry = oplock.Registry{
	"config.migrate":  oplock.SYSTEM,
	"session.rotate":   oplock.SYSTEM,
	"stream.write":     oplock.DATA,
	"chunk.write":      oplock.DATA,
	"pattern.edit":     oplock.USER,
	"personality.edit": oplock.USER,
}

func bootTab() *tab {
	bus := &loopbackBus{}
	tabID := ids.GenerateTestNodeID()
	logger := log.NewLogger("tabcore")
	crypto := configcipher.NewAEADCrypto()

	cfg := corecontext.DefaultConfig()
	ctx := corecontext.New(tabID, corecontext.NewClock(), crypto, logger, cfg)

	tr := transport.New(ctx, bus, nil)
	kv := kvstore.New(ctx, memdb.New())
	el := elector.New(ctx, tr, nil)
	evl := eventlog.New(ctx, kv, tr, el)
	lock := oplock.New(ctx, lockRegistry)
	txn := txncoord.New(ctx, kv)
	cc := configcipher.New(ctx, kv, []byte("tabcore-process-secret"), []byte("tabcore-session-salt"))
	ph := provhealth.New(ctx)

	return &tab{
		ctx:       ctx,
		transport: tr,
		elector:   el,
		kv:        kv,
		eventLog:  evl,
		opLock:    lock,
		txns:      txn,
		config:    cc,
		health:    ph,
	}
}
