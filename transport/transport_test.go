// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/tabcore/corecontext"
)

// fakeBus is an in-process broadcast primitive shared by every tab in a
// test, simulating a same-origin BroadcastChannel: every Broadcast is
// fanned out to every registered handler, including the sender's own
// (Transport is responsible for self-filtering).
type fakeBus struct {
	handlers []func([]byte)
	fail     bool
}

func (b *fakeBus) Broadcast(data []byte) error {
	if b.fail {
		return errFakeFailure
	}
	for _, h := range b.handlers {
		h(data)
	}
	return nil
}

func (b *fakeBus) OnMessage(h func([]byte)) {
	b.handlers = append(b.handlers, h)
}

var errFakeFailure = &corecontext.Error{Kind: corecontext.KindUnknown, Op: "fakeBus"}

func newTestTransport(t *testing.T, bus *fakeBus, clock *corecontext.MockClock) (Transport, ids.NodeID) {
	tabID := ids.GenerateTestNodeID()
	ctx := corecontext.New(tabID, clock, nil, log.NewNoOpLogger(), corecontext.FastTestConfig())
	return New(ctx, bus, nil), tabID
}

func TestPerSenderFIFODelivery(t *testing.T) {
	bus := &fakeBus{}
	clock := corecontext.NewMockClock()
	sender, _ := newTestTransport(t, bus, clock)
	receiver, _ := newTestTransport(t, bus, clock)

	var received []uint64
	receiver.Subscribe(func(m Message) {
		received = append(received, m.Seq)
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, sender.Send(TypeSafeModeChanged, nil))
	}

	require.Equal(t, []uint64{1, 2, 3, 4, 5}, received)
}

func TestSmallGapBuffersAndDrainsOnTimeout(t *testing.T) {
	bus := &fakeBus{}
	clock := corecontext.NewMockClock()
	senderT, senderID := newTestTransport(t, bus, clock)
	receiver, _ := newTestTransport(t, bus, clock)
	_ = senderID

	var received []uint64
	receiver.Subscribe(func(m Message) { received = append(received, m.Seq) })

	// simulate seq 1 dropped in flight: send 1, 2, 3 but only deliver 2 and 3
	// by constructing messages directly against the receiver's internal path
	// via the public Send API is impossible to "drop" one, so drive the
	// gap by sending seq 2 and 3 only (seq 1 never sent in this run).
	realTransport := senderT.(*transport)
	msg2 := Message{Type: TypeSafeModeChanged, Sender: realTransport.ctx.TabID, Seq: 2, VClock: map[string]uint64{}, TS: clock.Now()}
	msg3 := Message{Type: TypeSafeModeChanged, Sender: realTransport.ctx.TabID, Seq: 3, VClock: map[string]uint64{}, TS: clock.Now()}
	data2, _ := Encode(msg2)
	data3, _ := Encode(msg3)
	require.NoError(t, bus.Broadcast(data2))
	require.NoError(t, bus.Broadcast(data3))

	require.Empty(t, received, "gap of 1 within GAP_BUFFER_MAX should buffer, not deliver immediately")

	clock.Advance(realTransport.ctx.Config.ReorderWindow + 1)

	require.Equal(t, []uint64{2, 3}, received)
}

func TestLargeGapDeliversImmediately(t *testing.T) {
	bus := &fakeBus{}
	clock := corecontext.NewMockClock()
	senderT, _ := newTestTransport(t, bus, clock)
	receiver, _ := newTestTransport(t, bus, clock)

	var received []uint64
	receiver.Subscribe(func(m Message) { received = append(received, m.Seq) })

	realTransport := senderT.(*transport)
	gapMax := uint64(realTransport.ctx.Config.GapBufferMax)
	msg := Message{Type: TypeSafeModeChanged, Sender: realTransport.ctx.TabID, Seq: gapMax + 2, VClock: map[string]uint64{}, TS: clock.Now()}
	data, _ := Encode(msg)
	require.NoError(t, bus.Broadcast(data))

	require.Equal(t, []uint64{gapMax + 2}, received, "gap beyond GAP_BUFFER_MAX must deliver immediately")
}

func TestZeroOrNegativeSeqTreatedAsDuplicate(t *testing.T) {
	bus := &fakeBus{}
	clock := corecontext.NewMockClock()
	senderT, _ := newTestTransport(t, bus, clock)
	receiver, _ := newTestTransport(t, bus, clock)

	var received []uint64
	receiver.Subscribe(func(m Message) { received = append(received, m.Seq) })

	realTransport := senderT.(*transport)
	msg := Message{Type: TypeSafeModeChanged, Sender: realTransport.ctx.TabID, Seq: 0, VClock: map[string]uint64{}, TS: clock.Now()}
	data, _ := Encode(msg)
	require.NoError(t, bus.Broadcast(data))

	require.Empty(t, received)
}

func TestSelfMessagesIgnored(t *testing.T) {
	bus := &fakeBus{}
	clock := corecontext.NewMockClock()
	tr, _ := newTestTransport(t, bus, clock)

	var received []uint64
	tr.Subscribe(func(m Message) { received = append(received, m.Seq) })

	require.NoError(t, tr.Send(TypeSafeModeChanged, nil))
	require.Empty(t, received)
}

func TestDegradedModeOnPrimitiveFailure(t *testing.T) {
	bus := &fakeBus{fail: true}
	clock := corecontext.NewMockClock()
	tr, _ := newTestTransport(t, bus, clock)

	require.False(t, tr.Degraded())
	require.NoError(t, tr.Send(TypeSafeModeChanged, nil)) // send never throws
	require.True(t, tr.Degraded())
}
