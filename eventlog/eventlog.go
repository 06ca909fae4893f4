// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package eventlog implements §4.3: a monotonically sequenced,
// durably-persisted event stream with a throttled watermark broadcast
// and primary-served replay. Grounded on the teacher's codec
// versioning pattern (transport.Encode/Decode) and
// golang.org/x/sync/singleflight for collapsing concurrent replay
// requests covering the same range.
package eventlog

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"
	"golang.org/x/sync/singleflight"

	"github.com/luxfi/tabcore/corecontext"
	"github.com/luxfi/tabcore/kvstore"
	"github.com/luxfi/tabcore/transport"
)

// Event is one durably-sequenced record.
type Event struct {
	Sequence  uint64            `json:"sequence"`
	Type      string            `json:"type"`
	Payload   json.RawMessage   `json:"payload"`
	VClock    map[string]uint64 `json:"vclock"`
	Timestamp time.Time         `json:"timestamp"`
}

// PersistFailedEventType is the kind surfaced to subscribers when a
// durable write fails, per §4.3 "Failure semantics": never thrown,
// only ever observed on the subscription.
const PersistFailedEventType = "event_log:persist_failed"

// PrimaryOracle reports whether this tab currently holds primary
// status; EventLog's write path and replay-response path are gated on
// it (only the primary assigns sequences and answers REPLAY_REQUEST).
type PrimaryOracle interface {
	IsPrimary() bool
}

// EventLog is the coordination core's append-only event stream.
type EventLog interface {
	// Append assigns the next sequence and persists event on the
	// primary tab. Called on a non-primary tab, it returns an error;
	// callers should route writes through the primary via their own
	// domain protocol.
	Append(eventType string, payload []byte) (Event, error)
	// Tail returns events with sequence > afterSequence, oldest first,
	// up to the configured page size.
	Tail(afterSequence uint64) ([]Event, error)
	// SubscribeLive delivers events, including persist-failure
	// telemetry events, in sequence order as they are appended.
	SubscribeLive(handler func(Event)) (unsubscribe func())
	// Watermark returns the effective watermark: min(max persisted,
	// lowest failed-to-persist sequence - 1).
	Watermark() uint64
	Start() error
	Stop()
}

type eventLog struct {
	ctx       *corecontext.Context
	kv        kvstore.KVStore
	transport transport.Transport
	primary   PrimaryOracle

	mu            sync.Mutex
	maxPersisted  uint64
	failedPersist map[uint64]Event
	sinceBroadcast int
	broadcastTimer corecontext.TimerHandle
	outstanding    map[string]uint64 // replay request id -> from_seq we asked for

	handlers map[int]func(Event)
	nextHID  int

	sf      singleflight.Group
	unsub   func()
	stopped bool
}

type replayRequestPayload struct {
	RequestID string `json:"request_id"`
	FromSeq   uint64 `json:"from_seq"`
	ToSeq     uint64 `json:"to_seq"` // 0 means "no upper bound"
}

type replayResponsePayload struct {
	RequestID string  `json:"request_id"`
	Events    []Event `json:"events"`
	FromSeq   uint64  `json:"from_seq"`
	ToSeq     uint64  `json:"to_seq"`
}

type watermarkPayload struct {
	Sequence uint64 `json:"sequence"`
}

type checkpointRecord struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// New constructs an EventLog over kv (persistence) and t (broadcast),
// gated by primary for the write and replay-serving paths.
func New(ctx *corecontext.Context, kv kvstore.KVStore, t transport.Transport, primary PrimaryOracle) EventLog {
	return &eventLog{
		ctx:           ctx.Component("eventlog"),
		kv:            kv,
		transport:     t,
		primary:       primary,
		failedPersist: make(map[uint64]Event),
		outstanding:   make(map[string]uint64),
		handlers:      make(map[int]func(Event)),
	}
}

func (l *eventLog) Start() error {
	l.mu.Lock()
	cp, ok, err := l.loadCheckpointLocked()
	l.mu.Unlock()
	if err != nil {
		l.ctx.Logger.Warn("failed to load event log checkpoint", log.Err(err))
	}
	var fromSeq uint64
	if ok {
		l.mu.Lock()
		l.maxPersisted = cp.Sequence
		l.mu.Unlock()
		fromSeq = cp.Sequence
	}

	l.unsub = l.transport.Subscribe(l.onMessage)
	l.sendReplayRequest(fromSeq, 0)
	return nil
}

func (l *eventLog) Stop() {
	l.mu.Lock()
	l.stopped = true
	if l.broadcastTimer != nil {
		l.ctx.Clock.ClearTimer(l.broadcastTimer)
		l.broadcastTimer = nil
	}
	l.mu.Unlock()
	if l.unsub != nil {
		l.unsub()
	}
}

func (l *eventLog) loadCheckpointLocked() (checkpointRecord, bool, error) {
	raw, ok, err := l.kv.Get(kvstore.StoreEventCheckpoint, "watermark")
	if err != nil || !ok {
		return checkpointRecord{}, false, err
	}
	var cp checkpointRecord
	if err := json.Unmarshal(raw, &cp); err != nil {
		return checkpointRecord{}, false, err
	}
	return cp, true, nil
}

func (l *eventLog) persistCheckpoint(seq uint64) error {
	cp := checkpointRecord{Sequence: seq, Timestamp: l.ctx.Clock.Now()}
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return l.kv.Put(kvstore.StoreEventCheckpoint, "watermark", raw)
}

// Append implements the §4.3 write path. Primary only.
func (l *eventLog) Append(eventType string, payload []byte) (Event, error) {
	if l.primary != nil && !l.primary.IsPrimary() {
		return Event{}, corecontext.New(corecontext.KindUnknown, "eventlog.append",
			fmt.Errorf("append called on a non-primary tab"))
	}

	// Reserve the sequence while still holding the lock so two
	// concurrent Append calls can never be handed the same number
	// (I4): the slot is claimed here, before persistEvent runs, not
	// after it succeeds.
	l.mu.Lock()
	seq := l.maxPersisted + 1
	l.maxPersisted = seq
	l.mu.Unlock()

	ev := Event{
		Sequence:  seq,
		Type:      eventType,
		Payload:   payload,
		VClock:    map[string]uint64{l.ctx.TabID.String(): seq},
		Timestamp: l.ctx.Clock.Now(),
	}

	l.retryFailedPersists()

	if err := l.persistEvent(ev); err != nil {
		l.mu.Lock()
		l.failedPersist[seq] = ev
		l.mu.Unlock()
		l.ctx.Logger.Error("event persist failed, watermark held back", log.Uint64("sequence", seq), log.Err(err))
		l.emit(Event{
			Sequence:  seq,
			Type:      PersistFailedEventType,
			Payload:   payload,
			Timestamp: l.ctx.Clock.Now(),
		})
		return ev, err
	}

	l.mu.Lock()
	l.sinceBroadcast++
	shouldBroadcastNow := l.sinceBroadcast >= l.ctx.Config.WatermarkBroadcastEveryNEvt
	if shouldBroadcastNow && l.broadcastTimer != nil {
		l.ctx.Clock.ClearTimer(l.broadcastTimer)
		l.broadcastTimer = nil
	}
	if !shouldBroadcastNow && l.broadcastTimer == nil {
		l.broadcastTimer = l.ctx.Clock.SetTimer(l.ctx.Config.WatermarkBroadcastEvery, l.onBroadcastTimeout)
	}
	l.mu.Unlock()

	if shouldBroadcastNow {
		l.broadcastWatermark()
	}

	l.emit(ev)
	return ev, nil
}

func (l *eventLog) persistEvent(ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return l.kv.Put(kvstore.StoreEventLog, kvstore.EncodeUint64Key(ev.Sequence), raw)
}

// retryFailedPersists attempts to re-persist entries in failedPersist,
// oldest first, per §4.3 step 4.
func (l *eventLog) retryFailedPersists() {
	l.mu.Lock()
	if len(l.failedPersist) == 0 {
		l.mu.Unlock()
		return
	}
	seqs := make([]uint64, 0, len(l.failedPersist))
	for seq := range l.failedPersist {
		seqs = append(seqs, seq)
	}
	l.mu.Unlock()
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		l.mu.Lock()
		ev, ok := l.failedPersist[seq]
		l.mu.Unlock()
		if !ok {
			continue
		}
		if err := l.persistEvent(ev); err != nil {
			continue
		}
		l.mu.Lock()
		delete(l.failedPersist, seq)
		if seq > l.maxPersisted {
			l.maxPersisted = seq
		}
		l.mu.Unlock()
	}
}

func (l *eventLog) onBroadcastTimeout() {
	l.mu.Lock()
	l.broadcastTimer = nil
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return
	}
	l.broadcastWatermark()
}

func (l *eventLog) broadcastWatermark() {
	seq := l.Watermark()
	l.mu.Lock()
	l.sinceBroadcast = 0
	l.mu.Unlock()
	if seq == 0 {
		return
	}
	if err := l.persistCheckpoint(seq); err != nil {
		l.ctx.Logger.Warn("failed to persist event log checkpoint", log.Err(err))
	}
	payload, _ := json.Marshal(watermarkPayload{Sequence: seq})
	_ = l.transport.Send(transport.TypeEventWatermark, payload)
}

// Watermark returns min(max_persisted, (min failed_persist) - 1), per
// the Design Notes' retained "safety over progress" interpretation.
func (l *eventLog) Watermark() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.failedPersist) == 0 {
		return l.maxPersisted
	}
	minFailed := uint64(0)
	for seq := range l.failedPersist {
		if minFailed == 0 || seq < minFailed {
			minFailed = seq
		}
	}
	if minFailed == 0 {
		return 0
	}
	eff := minFailed - 1
	if eff < l.maxPersisted {
		return eff
	}
	return l.maxPersisted
}

func (l *eventLog) Tail(afterSequence uint64) ([]Event, error) {
	all, err := l.kv.GetAll(kvstore.StoreEventLog)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0)
	for _, raw := range all {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		if ev.Sequence > afterSequence {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if len(out) > l.ctx.Config.ReplayPageSize {
		out = out[:l.ctx.Config.ReplayPageSize]
	}
	return out, nil
}

func (l *eventLog) SubscribeLive(handler func(Event)) func() {
	l.mu.Lock()
	id := l.nextHID
	l.nextHID++
	l.handlers[id] = handler
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	}
}

func (l *eventLog) emit(ev Event) {
	l.mu.Lock()
	handlers := make([]func(Event), 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()
	for i, h := range handlers {
		func(idx int, handler func(Event)) {
			defer func() {
				if r := recover(); r != nil {
					l.ctx.Logger.Error("event subscriber panicked",
						log.Int("subscriber_index", idx), log.Int("total", len(handlers)))
				}
			}()
			handler(ev)
		}(i, h)
	}
}

func (l *eventLog) onMessage(msg transport.Message) {
	switch msg.Type {
	case transport.TypeEventWatermark:
		l.onWatermark(msg)
	case transport.TypeReplayRequest:
		l.onReplayRequest(msg)
	case transport.TypeReplayResponse:
		l.onReplayResponse(msg)
	}
}

func (l *eventLog) onWatermark(msg transport.Message) {
	var p watermarkPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	local := l.Watermark()
	if p.Sequence > local {
		l.sendReplayRequest(local, 0)
	}
}

func (l *eventLog) sendReplayRequest(fromSeq, toSeq uint64) {
	l.mu.Lock()
	reqID := fmt.Sprintf("%s-%d", l.ctx.TabID.String(), len(l.outstanding)+1)
	l.outstanding[reqID] = fromSeq
	l.mu.Unlock()

	payload, _ := json.Marshal(replayRequestPayload{RequestID: reqID, FromSeq: fromSeq, ToSeq: toSeq})
	_ = l.transport.Send(transport.TypeReplayRequest, payload)
}

// onReplayRequest answers REPLAY_REQUEST when this tab is primary,
// collapsing concurrent requests for the same range via singleflight
// so a burst of rejoining tabs doesn't cause redundant store scans.
func (l *eventLog) onReplayRequest(msg transport.Message) {
	if l.primary == nil || !l.primary.IsPrimary() {
		return
	}
	var p replayRequestPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}

	key := fmt.Sprintf("%d:%d", p.FromSeq, p.ToSeq)
	v, _, _ := l.sf.Do(key, func() (interface{}, error) {
		return l.Tail(p.FromSeq)
	})
	events, _ := v.([]Event)
	if p.ToSeq != 0 {
		// singleflight.Do may hand this same slice to other concurrent
		// callers collapsed onto the same key; filtering must build a
		// fresh slice rather than truncate-and-reuse the shared backing
		// array (events[:0]), which would race with those other callers.
		filtered := make([]Event, 0, len(events))
		for _, ev := range events {
			if ev.Sequence <= p.ToSeq {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}

	resp := replayResponsePayload{RequestID: p.RequestID, Events: events, FromSeq: p.FromSeq, ToSeq: p.ToSeq}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = l.transport.Send(transport.TypeReplayResponse, payload)
}

// onReplayResponse applies REPLAY_RESPONSE in order, ignoring
// responses to requests this tab did not issue and tolerating
// redundant re-application of an already-applied response (idempotent
// since persistEvent is a plain upsert by sequence key).
func (l *eventLog) onReplayResponse(msg transport.Message) {
	var p replayResponsePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	l.mu.Lock()
	_, issued := l.outstanding[p.RequestID]
	if issued {
		delete(l.outstanding, p.RequestID)
	}
	l.mu.Unlock()
	if !issued {
		return
	}

	for _, ev := range p.Events {
		if err := l.persistEvent(ev); err != nil {
			l.ctx.Logger.Warn("failed to persist replayed event", log.Uint64("sequence", ev.Sequence), log.Err(err))
			continue
		}
		l.mu.Lock()
		if ev.Sequence > l.maxPersisted {
			l.maxPersisted = ev.Sequence
		}
		l.mu.Unlock()
		l.emit(ev)
	}
}
