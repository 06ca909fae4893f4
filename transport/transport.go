// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/tabcore/corecontext"
)

// Transport delivers typed messages to all peer tabs of the same
// origin, assigning per-sender ordered delivery with best-effort
// small-gap reordering (§4.1).
type Transport interface {
	// Send broadcasts msgType/payload as a new message from this tab,
	// stamping it with the next outgoing sequence and vector clock.
	Send(msgType Type, payload []byte) error
	// Subscribe registers handler, invoked exactly once per
	// (sender, seq) delivered to this tab, in per-sender seq order.
	// The returned func unsubscribes.
	Subscribe(handler func(Message)) (unsubscribe func())
	// Peers snapshots currently known peer tab ids.
	Peers() []ids.NodeID
	// Degraded reports whether the underlying primitive has failed and
	// Transport is running in best-effort mode.
	Degraded() bool
}

type senderState struct {
	expectedNext uint64
	buffer       map[uint64]Message
	timer        corecontext.TimerHandle
}

type transport struct {
	ctx       *corecontext.Context
	primary   Primitive
	heartbeat HeartbeatPrimitive // nil => fall back to main channel

	mu        sync.Mutex
	handlers  map[int]func(Message)
	nextHID   int
	senders   map[ids.NodeID]*senderState
	peers     map[ids.NodeID]time.Time
	outSeq    uint64
	vclock    map[string]uint64
	degraded  bool
}

// New constructs a Transport over primary (required) and an optional
// dedicated heartbeat primitive. When heartbeat is nil, HEARTBEAT
// messages are sent over primary and bypass reorder buffering, per the
// spec's fallback rule.
func New(ctx *corecontext.Context, primary Primitive, heartbeat HeartbeatPrimitive) Transport {
	ctx = ctx.Component("transport")
	t := &transport{
		ctx:       ctx,
		primary:   primary,
		heartbeat: heartbeat,
		handlers:  make(map[int]func(Message)),
		senders:   make(map[ids.NodeID]*senderState),
		peers:     make(map[ids.NodeID]time.Time),
		vclock:    make(map[string]uint64),
	}
	primary.OnMessage(t.onRaw(false))
	if heartbeat != nil {
		heartbeat.OnMessage(t.onRaw(true))
	}
	return t
}

func (t *transport) Send(msgType Type, payload []byte) error {
	t.mu.Lock()
	t.outSeq++
	seq := t.outSeq
	t.vclock[t.ctx.TabID.String()] = seq
	vclock := cloneClock(t.vclock)
	t.mu.Unlock()

	msg := Message{
		Type:    msgType,
		Sender:  t.ctx.TabID,
		Seq:     seq,
		VClock:  vclock,
		TS:      t.ctx.Clock.Now(),
		Payload: payload,
	}
	data, err := Encode(msg)
	if err != nil {
		return corecontext.New(corecontext.KindUnknown, "transport.send", err)
	}

	prim := t.primary
	if msgType == TypeHeartbeat && t.heartbeat != nil {
		prim = t.heartbeat
	}
	if err := prim.Broadcast(data); err != nil {
		t.mu.Lock()
		t.degraded = true
		t.mu.Unlock()
		t.ctx.Logger.Warn("transport send failed, entering degraded mode", log.Err(err))
		return nil // send never throws to callers; best-effort in degraded mode
	}
	t.mu.Lock()
	t.degraded = false
	t.mu.Unlock()
	return nil
}

func (t *transport) Subscribe(handler func(Message)) func() {
	t.mu.Lock()
	id := t.nextHID
	t.nextHID++
	t.handlers[id] = handler
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.handlers, id)
		t.mu.Unlock()
	}
}

func (t *transport) Peers() []ids.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.ctx.Clock.Now().Add(-t.ctx.Config.HeartbeatEvery * 3)
	out := make([]ids.NodeID, 0, len(t.peers))
	for id, last := range t.peers {
		if !t.degraded || last.After(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

func (t *transport) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

func (t *transport) onRaw(bypassReorder bool) func([]byte) {
	return func(data []byte) {
		msg, err := Decode(data)
		if err != nil {
			t.ctx.Logger.Debug("dropping undecodable message", log.Err(err))
			return
		}
		t.onMessage(msg, bypassReorder || msg.Type == TypeHeartbeat)
	}
}

func (t *transport) onMessage(msg Message, bypassReorder bool) {
	if msg.Sender == (ids.NodeID{}) {
		return // messages without a sender id are dropped
	}
	if msg.Sender == t.ctx.TabID {
		return // messages from self are ignored
	}

	t.mu.Lock()
	t.peers[msg.Sender] = t.ctx.Clock.Now()
	t.mergeClock(msg.VClock)
	t.mu.Unlock()

	if bypassReorder {
		t.deliver(msg)
		return
	}

	t.mu.Lock()
	st, ok := t.senders[msg.Sender]
	if !ok {
		st = &senderState{expectedNext: 1, buffer: make(map[uint64]Message)}
		t.senders[msg.Sender] = st
	}
	gapMax := uint64(t.ctx.Config.GapBufferMax)
	toDeliver := t.classify(st, msg, gapMax)
	t.mu.Unlock()

	for _, m := range toDeliver {
		t.deliver(m)
	}
}

// classify applies the §4.1 delivery contract to msg for sender state
// st and returns the messages that become immediately deliverable. Must
// be called with t.mu held.
func (t *transport) classify(st *senderState, msg Message, gapMax uint64) []Message {
	k := msg.Seq
	switch {
	case k == 0 || k <= st.expectedNext-1:
		return nil // duplicate or old

	case k == st.expectedNext:
		out := []Message{msg}
		st.expectedNext++
		// drain any contiguous buffered successors
		for {
			next, ok := st.buffer[st.expectedNext]
			if !ok {
				break
			}
			delete(st.buffer, st.expectedNext)
			out = append(out, next)
			st.expectedNext++
		}
		if len(st.buffer) == 0 && st.timer != nil {
			t.ctx.Clock.ClearTimer(st.timer)
			st.timer = nil
		}
		return out

	case k <= st.expectedNext+gapMax:
		st.buffer[k] = msg
		if st.timer != nil {
			t.ctx.Clock.ClearTimer(st.timer)
		}
		sender := msg.Sender
		st.timer = t.ctx.Clock.SetTimer(t.ctx.Config.ReorderWindow, func() {
			t.onReorderTimeout(sender)
		})
		return nil

	default:
		// large gap: evidence of sender restart or drop; don't stall
		st.expectedNext = k + 1
		if st.timer != nil {
			t.ctx.Clock.ClearTimer(st.timer)
			st.timer = nil
		}
		st.buffer = make(map[uint64]Message)
		return []Message{msg}
	}
}

func (t *transport) onReorderTimeout(sender ids.NodeID) {
	t.mu.Lock()
	st, ok := t.senders[sender]
	if !ok {
		t.mu.Unlock()
		return
	}
	st.timer = nil
	// deliver whatever is buffered in seq order, recording the gap
	seqs := make([]uint64, 0, len(st.buffer))
	for seq := range st.buffer {
		seqs = append(seqs, seq)
	}
	sortUint64s(seqs)
	out := make([]Message, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, st.buffer[seq])
		delete(st.buffer, seq)
		if seq >= st.expectedNext {
			st.expectedNext = seq + 1
		}
	}
	t.mu.Unlock()

	if len(seqs) > 0 {
		t.ctx.Logger.Debug("reorder timer expired, advancing past gap",
			log.Stringer("sender", sender))
	}
	for _, m := range out {
		t.deliver(m)
	}
}

func (t *transport) deliver(msg Message) {
	t.mu.Lock()
	handlers := make([]func(Message), 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	for i, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.ctx.Logger.Error("subscriber panicked",
						log.Int("subscriber_index", i),
						log.Int("total", len(handlers)))
				}
			}()
			h(msg)
		}()
	}
}

func (t *transport) mergeClock(other map[string]uint64) {
	for k, v := range other {
		if cur, ok := t.vclock[k]; !ok || v > cur {
			t.vclock[k] = v
		}
	}
}

func cloneClock(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
