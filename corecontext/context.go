// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package corecontext

import (
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
)

// Config aggregates every tunable named across the coordination spec, in
// the teacher's config.Parameters style: one flat struct of named
// duration/numeric fields plus a Default constructor and named presets
// for tests (see config/config.go, config/presets.go).
type Config struct {
	// Transport
	GapBufferMax   int
	ReorderWindow  Duration
	HeartbeatEvery Duration

	// Elector
	ElectionWindow   Duration
	PrimaryHeartbeat Duration
	PrimaryTimeout   Duration

	// EventLog
	WatermarkBroadcastEvery     Duration
	WatermarkBroadcastEveryNEvt int
	ReplayPageSize              int

	// OpLock
	LockBackoffMin Duration
	LockBackoffMax Duration

	// TxnCoord
	TxnRetryBackoffMin Duration
	TxnRetryBackoffMax Duration
	TxnRetryMaxAttempts int
	JournalRetention    Duration

	// ProvHealth
	CircuitOpenThreshold   int
	CircuitHalfOpenMaxCall int
	CircuitBaseCooldown    Duration
	CircuitMaxCooldown     Duration
	BlacklistThreshold     int
	BlacklistCooldown      Duration

	// ConfigCipher
	KDFIterations int
}

// Duration is time.Duration, aliased so the field table above reads as
// a plain config schema.
type Duration = time.Duration

// DefaultConfig returns the literal defaults named throughout the spec.
func DefaultConfig() Config {
	return Config{
		GapBufferMax:                10,
		ReorderWindow:               100 * time.Millisecond,
		HeartbeatEvery:              2 * time.Second,
		ElectionWindow:              50 * time.Millisecond,
		PrimaryHeartbeat:            2 * time.Second,
		PrimaryTimeout:              5 * time.Second,
		WatermarkBroadcastEvery:     250 * time.Millisecond,
		WatermarkBroadcastEveryNEvt: 10,
		ReplayPageSize:              500,
		LockBackoffMin:              10 * time.Millisecond,
		LockBackoffMax:              80 * time.Millisecond,
		TxnRetryBackoffMin:          100 * time.Millisecond,
		TxnRetryBackoffMax:          400 * time.Millisecond,
		TxnRetryMaxAttempts:         3,
		JournalRetention:            24 * time.Hour,
		CircuitOpenThreshold:        5,
		CircuitHalfOpenMaxCall:      1,
		CircuitBaseCooldown:         30 * time.Second,
		CircuitMaxCooldown:          30 * time.Minute,
		BlacklistThreshold:          8,
		BlacklistCooldown:           30 * time.Minute,
		KDFIterations:               600000,
	}
}

// FastTestConfig scales the timing constants down for unit tests: the
// transport, election and watermark intervals by 100x, the lock and
// transaction backoffs by 10x, the circuit and blacklist cooldowns by
// 1000x, and KDFIterations is set to 2.
func FastTestConfig() Config {
	c := DefaultConfig()
	c.ReorderWindow /= 100
	c.HeartbeatEvery /= 100
	c.ElectionWindow /= 100
	c.PrimaryHeartbeat /= 100
	c.PrimaryTimeout /= 100
	c.WatermarkBroadcastEvery /= 100
	c.LockBackoffMin /= 10
	c.LockBackoffMax /= 10
	c.TxnRetryBackoffMin /= 10
	c.TxnRetryBackoffMax /= 10
	c.CircuitBaseCooldown /= 1000
	c.CircuitMaxCooldown /= 1000
	c.BlacklistCooldown /= 1000
	c.KDFIterations = 2
	return c
}

// Context is the explicit, process-scoped service container every
// component is constructed from. It replaces the source's module-level
// globals (dependency graph, provider registry) with values passed
// explicitly at construction, per the spec's Design Notes.
type Context struct {
	TabID  ids.NodeID
	Clock  Clock
	Crypto Crypto
	Logger log.Logger
	Config Config
}

// New builds a Context holding logger as given (a no-op logger when it
// is nil); Component derives the component-scoped child loggers.
func New(tabID ids.NodeID, clock Clock, crypto Crypto, logger log.Logger, cfg Config) *Context {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Context{TabID: tabID, Clock: clock, Crypto: crypto, Logger: logger, Config: cfg}
}

// Component returns a child Context whose Logger is scoped with
// component=name, the way every subsystem constructor in the teacher
// repo takes a pre-scoped log.Logger rather than a bare one.
func (c *Context) Component(name string) *Context {
	child := *c
	child.Logger = c.Logger.With("component", name)
	return &child
}
