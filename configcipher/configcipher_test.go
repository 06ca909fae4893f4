// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package configcipher

import (
	"encoding/json"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/tabcore/corecontext"
	"github.com/luxfi/tabcore/kvstore"
)

func newTestCipher(t *testing.T) (ConfigCipher, kvstore.KVStore) {
	t.Helper()
	ctx := corecontext.New(ids.GenerateTestNodeID(), corecontext.NewMockClock(), NewAEADCrypto(), log.NewNoOpLogger(), corecontext.FastTestConfig())
	kv := kvstore.New(ctx, memdb.New())
	return New(ctx, kv, []byte("process-secret"), []byte("session-salt")), kv
}

func TestSensitiveValueIsEncryptedAtRest(t *testing.T) {
	cc, kv := newTestCipher(t)

	require.NoError(t, cc.Put(kvstore.StoreConfig, "openai_api_key", []byte("sk-abcdefghijklmno")))

	raw, ok, err := kv.Get(kvstore.StoreConfig, "openai_api_key")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, string(raw), "sk-abcdefghijklmno", "plaintext secret must never touch the store")

	value, ok, err := cc.Get(kvstore.StoreConfig, "openai_api_key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("sk-abcdefghijklmno"), value)
}

func TestNonSensitiveValueStoredPlaintext(t *testing.T) {
	cc, _ := newTestCipher(t)
	require.NoError(t, cc.Put(kvstore.StoreConfig, "theme", []byte("dark")))

	value, ok, err := cc.Get(kvstore.StoreConfig, "theme")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("dark"), value)
}

func TestUnclassifiedStoreNeverEncrypted(t *testing.T) {
	cc, _ := newTestCipher(t)
	require.NoError(t, cc.Put(kvstore.StoreStreams, "token", []byte("sk-abcdefghijklmno")))

	value, ok, err := cc.Get(kvstore.StoreStreams, "token")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("sk-abcdefghijklmno"), value)
}

// TestSessionRotationInvalidatesPriorCiphertexts mirrors §8 scenario 6:
// rotating the session key makes an existing encrypted record
// undecryptable, and Get reports it as simply missing.
func TestSessionRotationInvalidatesPriorCiphertexts(t *testing.T) {
	cc, _ := newTestCipher(t)
	require.NoError(t, cc.Put(kvstore.StoreConfig, "api_token", []byte("sk-abcdefghijklmno")))

	cc.RotateSession()

	value, ok, err := cc.Get(kvstore.StoreConfig, "api_token")
	require.NoError(t, err)
	require.False(t, ok, "a record encrypted under a rotated-away session must read back as missing")
	require.Nil(t, value)
}

func TestDeleteScrubsCiphertextBeforeRemoval(t *testing.T) {
	cc, kv := newTestCipher(t)
	require.NoError(t, cc.Put(kvstore.StoreConfig, "api_token", []byte("sk-abcdefghijklmno")))

	require.NoError(t, cc.Delete(kvstore.StoreConfig, "api_token"))

	_, ok, err := kv.Get(kvstore.StoreConfig, "api_token")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMigrateEncryptsPlaintextClassifiedRecords(t *testing.T) {
	cc, kv := newTestCipher(t)

	// simulate a pre-ConfigCipher plaintext write, bypassing Put.
	plainValue, err := json.Marshal([]byte("sk-abcdefghijklmno"))
	require.NoError(t, err)
	raw, err := json.Marshal(record{Value: plainValue, UpdatedAt: cc.(*configCipher).ctx.Clock.Now()})
	require.NoError(t, err)
	require.NoError(t, kv.Put(kvstore.StoreConfig, "legacy_key", raw))

	n, err := cc.Migrate(kvstore.StoreConfig)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	value, ok, err := cc.Get(kvstore.StoreConfig, "legacy_key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("sk-abcdefghijklmno"), value)

	stored, _, err := kv.Get(kvstore.StoreConfig, "legacy_key")
	require.NoError(t, err)
	require.NotContains(t, string(stored), "sk-abcdefghijklmno")
}
