// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oplock implements §4.4: a hierarchical cooperative operation
// lock that forbids ordering violations across SYSTEM/DATA/USER levels
// and proactively refuses any acquisition that would create a cycle in
// the wait-for graph, rather than letting two acquirers race to a
// reactively-detected deadlock. Grounded on the teacher's DFS-based
// conflict resolution style in consensus/conflicts and the
// mockable.Clock-driven backoff used throughout networking/timeout.
package oplock

import (
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/tabcore/corecontext"
)

// Level is a lock's position in the static ordering hierarchy.
type Level int

const (
	SYSTEM Level = 0
	DATA   Level = 1
	USER   Level = 2
)

func (l Level) String() string {
	switch l {
	case SYSTEM:
		return "system"
	case DATA:
		return "data"
	case USER:
		return "user"
	default:
		return "unknown"
	}
}

// Registry maps operation names to their lock level. Operations not
// present default to USER, per §4.4.
type Registry map[string]Level

// LevelOf looks up op's level, defaulting to USER.
func (r Registry) LevelOf(op string) Level {
	if l, ok := r[op]; ok {
		return l
	}
	return USER
}

// Token is an opaque release credential. Releasing with a stale or
// zero-value Token is a no-op.
type Token struct {
	holderID string
	op       string
	seq      uint64
}

// OpLock is the hierarchical operation lock of §4.4.
type OpLock interface {
	// Acquire attempts to acquire op on behalf of holderID, retrying
	// with exponential backoff until deadline. Returns a release Token
	// on success, or a *corecontext.Error with Kind CircularWait,
	// BlockedByHigherLevel, or Timeout on failure.
	Acquire(op, holderID string, deadline corecontext.Duration) (Token, error)
	// Release is a no-op when token is stale (already released, or
	// from a lock instance/holder that no longer holds it).
	Release(token Token)
}

type heldOp struct {
	op    string
	level Level
}

type opLock struct {
	ctx      *corecontext.Context
	registry Registry

	mu          sync.Mutex
	byHolderOps map[string][]heldOp          // holderID -> ops it currently holds (its call stack)
	byOp        map[string]map[string]struct{} // opName -> holders currently holding it
	systemHolders map[string]struct{}         // holders currently holding any SYSTEM-level op
	waitFor     map[string]map[string]struct{} // holderID -> set of holderIDs it is waiting on
	tokens      map[uint64]Token
	nextSeq     uint64
}

// New constructs an OpLock using registry to resolve operation levels.
func New(ctx *corecontext.Context, registry Registry) OpLock {
	return &opLock{
		ctx:           ctx.Component("oplock"),
		registry:      registry,
		byHolderOps:   make(map[string][]heldOp),
		byOp:          make(map[string]map[string]struct{}),
		systemHolders: make(map[string]struct{}),
		waitFor:       make(map[string]map[string]struct{}),
		tokens:        make(map[uint64]Token),
	}
}

func (o *opLock) Acquire(op, holderID string, deadline corecontext.Duration) (Token, error) {
	level := o.registry.LevelOf(op)
	backoff := o.ctx.Config.LockBackoffMin
	elapsed := corecontext.Duration(0)

	for {
		tok, err, conflict := o.tryAcquire(op, holderID, level)
		if err != nil {
			return Token{}, err
		}
		if !conflict {
			return tok, nil
		}

		if elapsed >= deadline {
			o.clearWaitEdges(holderID)
			return Token{}, corecontext.New(corecontext.KindTimeout, "oplock.acquire", nil,
				"op", op, "holder", holderID)
		}
		wait := backoff
		if elapsed+wait > deadline {
			wait = deadline - elapsed
		}
		<-afterChan(o.ctx, wait)
		elapsed += wait
		backoff *= 2
		if backoff > o.ctx.Config.LockBackoffMax {
			backoff = o.ctx.Config.LockBackoffMax
		}
	}
}

// tryAcquire executes the atomic §4.4 acquire region once. conflict
// reports whether the caller should back off and retry; err is set
// only for terminal (non-retryable) outcomes.
func (o *opLock) tryAcquire(op, holderID string, level Level) (Token, error, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// Re-entrance by the same holder for the same op is circular wait.
	for _, h := range o.byHolderOps[holderID] {
		if h.op == op {
			return Token{}, corecontext.New(corecontext.KindCircularWait, "oplock.acquire", nil,
				"op", op, "holder", holderID, "reason", "reentrant"), false
		}
	}

	blockers := o.blockersFor(op, holderID, level)

	// Proactive cycle detection runs before the ordering rule (§4.4):
	// would holderID -> blockers create a cycle reachable from
	// holderID? Equivalent to: can any blocker already reach holderID
	// via existing wait edges? A conflated scenario — both a cycle and
	// an ordering violation — must resolve to the retryable
	// CircularWait, not the terminal BlockedByHigherLevel.
	for b := range blockers {
		if o.canReachLocked(b, holderID) {
			return Token{}, corecontext.New(corecontext.KindCircularWait, "oplock.acquire", nil,
				"op", op, "holder", holderID, "blocked_on", b), false
		}
	}

	// Ordering rule: op_req's level must be >= every op this holder
	// already holds (its own nesting stack), else abort, never wait.
	for _, h := range o.byHolderOps[holderID] {
		if level < h.level {
			return Token{}, corecontext.New(corecontext.KindBlockedByHigherLevel, "oplock.acquire", nil,
				"op", op, "holder", holderID, "held_level", h.level.String(), "req_level", level.String()), false
		}
	}

	if len(blockers) == 0 {
		o.grantLocked(op, holderID, level)
		delete(o.waitFor, holderID)
		return o.newTokenLocked(op, holderID), nil, false
	}

	if o.waitFor[holderID] == nil {
		o.waitFor[holderID] = make(map[string]struct{})
	}
	for b := range blockers {
		o.waitFor[holderID][b] = struct{}{}
	}
	return Token{}, nil, true
}

func (o *opLock) blockersFor(op, holderID string, level Level) map[string]struct{} {
	blockers := make(map[string]struct{})
	if level == SYSTEM {
		for h := range o.systemHolders {
			if h != holderID {
				blockers[h] = struct{}{}
			}
		}
		return blockers
	}
	for h := range o.byOp[op] {
		if h != holderID {
			blockers[h] = struct{}{}
		}
	}
	return blockers
}

// canReachLocked reports whether there is a directed path from -> to
// in the wait-for graph. Must be called with o.mu held.
func (o *opLock) canReachLocked(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range o.waitFor[cur] {
			if next == to {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

func (o *opLock) grantLocked(op, holderID string, level Level) {
	o.byHolderOps[holderID] = append(o.byHolderOps[holderID], heldOp{op: op, level: level})
	if o.byOp[op] == nil {
		o.byOp[op] = make(map[string]struct{})
	}
	o.byOp[op][holderID] = struct{}{}
	if level == SYSTEM {
		o.systemHolders[holderID] = struct{}{}
	}
}

func (o *opLock) newTokenLocked(op, holderID string) Token {
	o.nextSeq++
	seq := o.nextSeq
	tok := Token{holderID: holderID, op: op, seq: seq}
	o.tokens[seq] = tok
	return tok
}

func (o *opLock) clearWaitEdges(holderID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.waitFor, holderID)
}

// Release clears holderID's hold on token.op and removes every
// `* -> holderID` wait edge, since holderID is no longer a valid
// blocker for that op once released. Fairness is not guaranteed:
// waiters simply race on their next backoff retry.
func (o *opLock) Release(token Token) {
	o.mu.Lock()
	defer o.mu.Unlock()

	stored, ok := o.tokens[token.seq]
	if !ok || stored != token {
		return // stale token: no-op
	}
	delete(o.tokens, token.seq)

	ops := o.byHolderOps[token.holderID]
	for i, h := range ops {
		if h.op == token.op {
			o.byHolderOps[token.holderID] = append(ops[:i], ops[i+1:]...)
			break
		}
	}
	if len(o.byHolderOps[token.holderID]) == 0 {
		delete(o.byHolderOps, token.holderID)
	}

	if holders, ok := o.byOp[token.op]; ok {
		delete(holders, token.holderID)
		if len(holders) == 0 {
			delete(o.byOp, token.op)
		}
	}
	stillHoldsSystem := false
	for _, h := range o.byHolderOps[token.holderID] {
		if h.level == SYSTEM {
			stillHoldsSystem = true
			break
		}
	}
	if !stillHoldsSystem {
		delete(o.systemHolders, token.holderID)
	}

	for waiter, blockers := range o.waitFor {
		delete(blockers, token.holderID)
		if len(blockers) == 0 {
			delete(o.waitFor, waiter)
		}
	}

	o.ctx.Logger.Debug("lock released", log.String("holder", token.holderID), log.String("op", token.op))
}

// afterChan fires once after d on ctx's clock, so tests can drive
// backoff retries with a MockClock instead of real sleeps.
func afterChan(ctx *corecontext.Context, d corecontext.Duration) <-chan struct{} {
	ch := make(chan struct{}, 1)
	ctx.Clock.SetTimer(d, func() { ch <- struct{}{} })
	return ch
}
