// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/tabcore/corecontext"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{
		Type:    TypeHeartbeat,
		Sender:  ids.GenerateTestNodeID(),
		Seq:     7,
		VClock:  map[string]uint64{"a": 1},
		TS:      time.Unix(0, 0).UTC(),
		Payload: json.RawMessage(`{"x":1}`),
	}

	data, err := Encode(m)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	env := struct {
		Version uint16  `json:"version"`
		Message Message `json:"message"`
	}{Version: wireVersion + 1, Message: Message{Type: TypeHeartbeat}}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = Decode(data)
	require.Error(t, err)
	require.Equal(t, corecontext.KindProtocolVersion, corecontext.KindOf(err))
}
