// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport implements the broadcast primitive of the
// coordination core: per-sender ordered delivery with small-gap
// reordering, a dedicated heartbeat channel, and best-effort degraded
// mode on primitive failure. Grounded on the teacher's
// networking/router (Op taxonomy) and networking/timeout (Manager
// lifecycle) packages.
package transport

import (
	"encoding/json"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/tabcore/corecontext"
)

// Type enumerates the broadcast message types of the coordination
// wire protocol.
type Type string

const (
	TypeHeartbeat         Type = "HEARTBEAT"
	TypeHeartbeatResponse Type = "HEARTBEAT_RESPONSE"
	TypeCandidate         Type = "CANDIDATE"
	TypeClaimPrimary      Type = "CLAIM_PRIMARY"
	TypeReleasePrimary    Type = "RELEASE_PRIMARY"
	TypeEventWatermark    Type = "EVENT_WATERMARK"
	TypeReplayRequest     Type = "REPLAY_REQUEST"
	TypeReplayResponse    Type = "REPLAY_RESPONSE"
	TypeSafeModeChanged   Type = "SAFE_MODE_CHANGED"
	TypeProviderHealth    Type = "PROVIDER:HEALTH"
)

// wireVersion is bumped whenever the Message envelope's wire shape
// changes, following the teacher's codec.CodecVersion convention
// (codec/codec.go).
const wireVersion uint16 = 0

// Message is one broadcast unit: self-describing, with a monotonic
// per-sender sequence and an embedded vector clock for causal ordering.
type Message struct {
	Type     Type              `json:"type"`
	Sender   ids.NodeID        `json:"sender_tab_id"`
	Seq      uint64            `json:"seq"`
	VClock   map[string]uint64 `json:"vclock"`
	TS       time.Time         `json:"ts"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
}

// Encode marshals m with the wire version prefix, mirroring the
// teacher's JSONCodec.Marshal(version, v) pattern.
func Encode(m Message) ([]byte, error) {
	env := struct {
		Version uint16  `json:"version"`
		Message Message `json:"message"`
	}{Version: wireVersion, Message: m}
	return json.Marshal(env)
}

// Decode unmarshals bytes produced by Encode. It rejects an envelope
// whose Version does not match wireVersion, mirroring the teacher's
// codec.Manager refusing an unregistered version rather than
// unmarshaling a payload it cannot be sure of the shape of.
func Decode(data []byte) (Message, error) {
	var env struct {
		Version uint16  `json:"version"`
		Message Message `json:"message"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, err
	}
	if env.Version != wireVersion {
		return Message{}, corecontext.New(corecontext.KindProtocolVersion, "transport.decode", nil,
			"got_version", env.Version, "want_version", wireVersion)
	}
	return env.Message, nil
}
