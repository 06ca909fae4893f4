// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

// Primitive is the underlying broadcast mechanism the host runtime
// provides (a BroadcastChannel in a browser, a gossip fanout primitive
// elsewhere). It may fail; Transport degrades gracefully rather than
// propagating the failure to callers. Mirrors the spec's §6.4
// "Transport primitive: broadcast(bytes), onMessage(handler)".
type Primitive interface {
	Broadcast(data []byte) error
	OnMessage(handler func(data []byte))
}

// HeartbeatPrimitive is the optional dedicated heartbeat channel of
// §4.1. When the host runtime cannot provide one, Transport falls back
// to sending HEARTBEAT-typed messages over the main Primitive, bypassing
// reorder buffering for that type.
type HeartbeatPrimitive interface {
	Primitive
}
