// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package elector implements §4.2 of the coordination spec: a
// deterministic lowest-id election that keeps invariant I1 (at most one
// primary) and I2 (a tab claims primary only after ruling out a
// concession or an incoming claim) as tabs join, heartbeat, and die.
// Grounded on the teacher's engine/chain.Runtime wiring style (a
// Transitive engine driven by network events) and
// pkg/go/utils/timer/mockable.Clock for deterministic deadlines.
package elector

import (
	"encoding/json"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/tabcore/corecontext"
	"github.com/luxfi/tabcore/transport"
)

// Role is a tab's current position in the election protocol.
type Role int

const (
	Follower Role = iota
	Candidate
	Primary
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Primary:
		return "primary"
	default:
		return "unknown"
	}
}

// EventType names the events Elector emits to subscribers.
type EventType string

const (
	EventPrimaryClaimed EventType = "primary_claimed"
	EventPrimaryLost    EventType = "primary_lost"
	EventRoleChanged    EventType = "role_changed"
)

// Event is one notification delivered to Elector subscribers.
type Event struct {
	Type    EventType
	TabID   ids.NodeID
	Round   uint64
	Primary ids.NodeID
}

// Persister is the best-effort durability hook for a freshly claimed
// primary record (§4.2 step 4: "persist {tab_id, is_primary:true,
// timestamp} to the shared key-value (best-effort; failure is logged,
// not fatal)"). A nil Persister disables persistence entirely.
type Persister interface {
	PersistPrimaryClaim(tabID ids.NodeID, round uint64) error
}

// Elector owns the election state machine for one tab.
type Elector interface {
	// Start begins participating in the mesh: subscribes to Transport
	// and enters the first election round.
	Start() error
	// Stop releases primary status (broadcasting RELEASE_PRIMARY
	// best-effort) and unsubscribes from Transport.
	Stop()
	Role() Role
	IsPrimary() bool
	PrimaryID() (ids.NodeID, bool)
	Round() uint64
	Subscribe(handler func(Event)) (unsubscribe func())
}

type candidatePayload struct {
	Round uint64 `json:"round"`
}

type claimPayload struct {
	Round uint64 `json:"round"`
}

type elector struct {
	ctx       *corecontext.Context
	transport transport.Transport
	persister Persister

	mu                     sync.Mutex
	role                   Role
	round                  uint64
	candidates             map[ids.NodeID]struct{}
	hasConceded            bool
	receivedClaim          bool
	primaryID              ids.NodeID
	havePrimary            bool
	lastHeartbeatFrom      map[ids.NodeID]int64 // unix nano
	lastHeartbeatFromPrim  int64
	electionDeadlineTimer  corecontext.TimerHandle
	heartbeatTimer         corecontext.TimerHandle
	timeoutCheckerTimer    corecontext.TimerHandle
	lastClaimSeenAt        int64 // unix nano, 0 = never
	concededAt             int64 // unix nano, 0 = never conceded without later claiming primary

	unsubscribeTransport func()
	handlers             map[int]func(Event)
	nextHID              int
	stopped              bool
}

// New constructs an Elector bound to transport t. persister may be nil.
func New(ctx *corecontext.Context, t transport.Transport, persister Persister) Elector {
	return &elector{
		ctx:               ctx.Component("elector"),
		transport:         t,
		persister:         persister,
		candidates:        make(map[ids.NodeID]struct{}),
		lastHeartbeatFrom: make(map[ids.NodeID]int64),
		handlers:          make(map[int]func(Event)),
	}
}

func (e *elector) Start() error {
	e.unsubscribeTransport = e.transport.Subscribe(e.onMessage)
	e.scheduleTimeoutChecker()
	e.becomeCandidate(1)
	return nil
}

func (e *elector) Stop() {
	e.mu.Lock()
	e.stopped = true
	wasPrimary := e.role == Primary
	e.cancelTimersLocked()
	e.mu.Unlock()

	if wasPrimary {
		_ = e.transport.Send(transport.TypeReleasePrimary, nil)
	}
	if e.unsubscribeTransport != nil {
		e.unsubscribeTransport()
	}
}

func (e *elector) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

func (e *elector) IsPrimary() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role == Primary
}

func (e *elector) PrimaryID() (ids.NodeID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primaryID, e.havePrimary
}

func (e *elector) Round() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

func (e *elector) Subscribe(handler func(Event)) func() {
	e.mu.Lock()
	id := e.nextHID
	e.nextHID++
	e.handlers[id] = handler
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

func (e *elector) emit(ev Event) {
	e.mu.Lock()
	handlers := make([]func(Event), 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// becomeCandidate enters round, broadcasting CANDIDATE and arming the
// election deadline timer (§4.2 step 1).
func (e *elector) becomeCandidate(round uint64) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.role = Candidate
	e.round = round
	e.candidates = map[ids.NodeID]struct{}{e.ctx.TabID: {}}
	e.hasConceded = false
	e.receivedClaim = false
	e.concededAt = 0
	if e.electionDeadlineTimer != nil {
		e.ctx.Clock.ClearTimer(e.electionDeadlineTimer)
	}
	e.electionDeadlineTimer = e.ctx.Clock.SetTimer(e.ctx.Config.ElectionWindow, func() {
		e.onElectionDeadline(round)
	})
	e.mu.Unlock()

	e.ctx.Logger.Info("entering candidate round", log.Uint64("round", round))
	payload, _ := json.Marshal(candidatePayload{Round: round})
	_ = e.transport.Send(transport.TypeCandidate, payload)
	e.emit(Event{Type: EventRoleChanged, TabID: e.ctx.TabID, Round: round})
}

// onElectionDeadline implements §4.2 step 4, including the split-brain
// re-check immediately before the CLAIM_PRIMARY send (Design Notes:
// "the spec requires the pre-send re-check").
func (e *elector) onElectionDeadline(round uint64) {
	e.mu.Lock()
	if e.stopped || e.round != round || e.role != Candidate {
		e.mu.Unlock()
		return
	}

	loses := e.hasConceded || e.receivedClaim
	if !loses {
		for c := range e.candidates {
			if c != e.ctx.TabID && less(c, e.ctx.TabID) {
				loses = true
				break
			}
		}
	}
	if loses {
		e.role = Follower
		e.concededAt = e.ctx.Clock.Now().UnixNano()
		e.mu.Unlock()
		e.ctx.Logger.Info("conceding election round", log.Uint64("round", round))
		return
	}
	e.mu.Unlock()

	payload, _ := json.Marshal(claimPayload{Round: round})

	// Split-brain prevention: re-acquire the lock and re-check right
	// before the send, as close to Send as the lock can get us. Send
	// itself must run unlocked: the bus delivers synchronously,
	// including back to this tab's own handlers, so holding e.mu across
	// Send would deadlock the first time onClaimPrimary tried to
	// re-enter this mutex.
	e.mu.Lock()
	if e.stopped || e.round != round || e.role != Candidate || e.hasConceded || e.receivedClaim {
		e.role = Follower
		e.concededAt = e.ctx.Clock.Now().UnixNano()
		e.mu.Unlock()
		return
	}
	e.role = Primary
	e.primaryID = e.ctx.TabID
	e.havePrimary = true
	e.lastHeartbeatFromPrim = e.ctx.Clock.Now().UnixNano()
	e.mu.Unlock()

	_ = e.transport.Send(transport.TypeClaimPrimary, payload)

	if e.persister != nil {
		if err := e.persister.PersistPrimaryClaim(e.ctx.TabID, round); err != nil {
			e.ctx.Logger.Warn("best-effort primary claim persistence failed", log.Err(err))
		}
	}

	e.ctx.Logger.Info("claimed primary", log.Uint64("round", round))
	e.emit(Event{Type: EventPrimaryClaimed, TabID: e.ctx.TabID, Round: round, Primary: e.ctx.TabID})
	e.scheduleHeartbeat()
}

func (e *elector) scheduleHeartbeat() {
	e.mu.Lock()
	if e.stopped || e.role != Primary {
		e.mu.Unlock()
		return
	}
	if e.heartbeatTimer != nil {
		e.ctx.Clock.ClearTimer(e.heartbeatTimer)
	}
	e.heartbeatTimer = e.ctx.Clock.SetTimer(e.ctx.Config.PrimaryHeartbeat, e.onHeartbeatTick)
	e.mu.Unlock()
}

func (e *elector) onHeartbeatTick() {
	e.mu.Lock()
	isPrimary := e.role == Primary && !e.stopped
	e.mu.Unlock()
	if !isPrimary {
		return
	}
	_ = e.transport.Send(transport.TypeHeartbeat, nil)
	e.scheduleHeartbeat()
}

// scheduleTimeoutChecker arms a recurring check for primary death, per
// §4.2 "Heartbeat & failure detection".
func (e *elector) scheduleTimeoutChecker() {
	interval := e.ctx.Config.PrimaryTimeout / 5
	if interval <= 0 {
		interval = e.ctx.Config.ElectionWindow
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.timeoutCheckerTimer = e.ctx.Clock.SetTimer(interval, e.checkPrimaryTimeout)
	e.mu.Unlock()
}

func (e *elector) checkPrimaryTimeout() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	now := e.ctx.Clock.Now().UnixNano()
	noRecentClaim := e.lastClaimSeenAt == 0 || now-e.lastClaimSeenAt > e.ctx.Config.ElectionWindow.Nanoseconds()

	if e.role != Primary && e.havePrimary {
		elapsed := now - e.lastHeartbeatFromPrim
		timedOut := elapsed > e.ctx.Config.PrimaryTimeout.Nanoseconds()
		if timedOut && noRecentClaim && e.role != Candidate {
			nextRound := e.round + 1
			e.havePrimary = false
			e.mu.Unlock()
			e.ctx.Logger.Warn("primary heartbeat timed out, starting re-election",
				log.Uint64("round", nextRound))
			e.becomeCandidate(nextRound)
			e.scheduleTimeoutChecker()
			return
		}
	} else if e.role == Follower && !e.havePrimary && e.concededAt != 0 {
		// Conceded to a candidate that never followed through with
		// CLAIM_PRIMARY (e.g. it died mid-election): havePrimary never
		// becomes true, so the branch above never fires. Without this,
		// a tab that lost an election to a since-dead candidate would
		// stay Follower with no primary forever.
		elapsed := now - e.concededAt
		if elapsed > e.ctx.Config.PrimaryTimeout.Nanoseconds() && noRecentClaim {
			nextRound := e.round + 1
			e.concededAt = 0
			e.mu.Unlock()
			e.ctx.Logger.Warn("conceded candidate never claimed primary, starting re-election",
				log.Uint64("round", nextRound))
			e.becomeCandidate(nextRound)
			e.scheduleTimeoutChecker()
			return
		}
	}
	e.mu.Unlock()
	e.scheduleTimeoutChecker()
}

func (e *elector) cancelTimersLocked() {
	if e.electionDeadlineTimer != nil {
		e.ctx.Clock.ClearTimer(e.electionDeadlineTimer)
		e.electionDeadlineTimer = nil
	}
	if e.heartbeatTimer != nil {
		e.ctx.Clock.ClearTimer(e.heartbeatTimer)
		e.heartbeatTimer = nil
	}
	if e.timeoutCheckerTimer != nil {
		e.ctx.Clock.ClearTimer(e.timeoutCheckerTimer)
		e.timeoutCheckerTimer = nil
	}
}

func (e *elector) onMessage(msg transport.Message) {
	switch msg.Type {
	case transport.TypeCandidate:
		e.onCandidate(msg)
	case transport.TypeClaimPrimary:
		e.onClaimPrimary(msg)
	case transport.TypeReleasePrimary:
		e.onReleasePrimary(msg)
	case transport.TypeHeartbeat:
		e.onHeartbeat(msg)
	}
}

func (e *elector) onCandidate(msg transport.Message) {
	var p candidatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	e.mu.Lock()
	if p.Round == e.round {
		e.candidates[msg.Sender] = struct{}{}
	}
	e.mu.Unlock()
}

// onClaimPrimary implements §4.2 rules 2 and 3.
func (e *elector) onClaimPrimary(msg transport.Message) {
	var p claimPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	if !less(msg.Sender, e.ctx.TabID) && msg.Sender != e.ctx.TabID {
		return // rule 3: sender's id is greater, ignore
	}

	e.mu.Lock()
	e.hasConceded = true
	e.receivedClaim = true
	e.lastClaimSeenAt = e.ctx.Clock.Now().UnixNano()
	e.role = Follower
	e.concededAt = 0
	e.primaryID = msg.Sender
	e.havePrimary = true
	e.lastHeartbeatFromPrim = e.ctx.Clock.Now().UnixNano()
	if p.Round > e.round {
		e.round = p.Round
	}
	// the timeout checker stays armed so a lapsed primary heartbeat
	// still triggers re-election.
	if e.electionDeadlineTimer != nil {
		e.ctx.Clock.ClearTimer(e.electionDeadlineTimer)
		e.electionDeadlineTimer = nil
	}
	if e.heartbeatTimer != nil {
		e.ctx.Clock.ClearTimer(e.heartbeatTimer)
		e.heartbeatTimer = nil
	}
	e.mu.Unlock()

	e.ctx.Logger.Info("conceded to primary claim", log.Stringer("primary", msg.Sender))
	e.emit(Event{Type: EventRoleChanged, TabID: e.ctx.TabID, Round: p.Round, Primary: msg.Sender})
}

func (e *elector) onReleasePrimary(msg transport.Message) {
	e.mu.Lock()
	isCurrentPrimary := e.havePrimary && e.primaryID == msg.Sender
	if !isCurrentPrimary {
		e.mu.Unlock()
		return
	}
	e.havePrimary = false
	nextRound := e.round + 1
	e.mu.Unlock()

	e.ctx.Logger.Info("primary released, starting immediate re-election")
	e.emit(Event{Type: EventPrimaryLost, TabID: e.ctx.TabID, Round: e.round, Primary: msg.Sender})
	e.becomeCandidate(nextRound)
}

func (e *elector) onHeartbeat(msg transport.Message) {
	e.mu.Lock()
	e.lastHeartbeatFrom[msg.Sender] = e.ctx.Clock.Now().UnixNano()
	if e.havePrimary && e.primaryID == msg.Sender {
		e.lastHeartbeatFromPrim = e.ctx.Clock.Now().UnixNano()
	}
	e.mu.Unlock()
}

// less is the lexicographic tiebreaker of §3.1: tab_id ordering decides
// elections deterministically.
func less(a, b ids.NodeID) bool {
	return a.String() < b.String()
}
