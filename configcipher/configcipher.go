// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package configcipher

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/tabcore/corecontext"
	"github.com/luxfi/tabcore/kvstore"
)

// record is the on-store shape of every value written through a
// ConfigCipher, encrypted or not: {value, encrypted, iv, version}.
type record struct {
	Value     json.RawMessage `json:"value"`
	Encrypted bool            `json:"encrypted,omitempty"`
	IV        []byte          `json:"iv,omitempty"`
	Version   int             `json:"version,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ConfigCipher transparently encrypts classified values written to a
// KVStore store (the config store by default, or an equivalent named
// sensitive store) and decrypts them on read, binding the data key to
// a session salt and version so rotating the session invalidates every
// ciphertext written under the old one.
type ConfigCipher interface {
	// Put classifies (key, value); if sensitive it is sealed before
	// being written, otherwise it is stored as plaintext. Either way
	// the on-store record carries the same {value, encrypted, iv,
	// version} envelope.
	Put(store, key string, value []byte) error

	// Get reads and, if necessary, decrypts the value stored under
	// key. A decryption failure (wrong/rotated session key) is
	// reported as "missing", never surfaced as a hard error, per the
	// spec's swallow-on-rotation behavior.
	Get(store, key string) ([]byte, bool, error)

	// Delete securely erases a classified record: its ciphertext is
	// overwritten with a same-size random blob before the key is
	// removed, so no stale ciphertext can be recovered from a prior
	// durable write.
	Delete(store, key string) error

	// RotateSession bumps the session version, deriving a fresh data
	// key on the next write and deterministically invalidating every
	// value encrypted under a previous version.
	RotateSession()

	// Migrate performs the one-shot plaintext-to-encrypted pass over
	// store: every record holding a classified plaintext value is
	// re-written encrypted. It returns the number of records migrated.
	Migrate(store string) (int, error)
}

// sensitiveStores lists the stores ConfigCipher treats as carrying
// classifiable content: kvstore.StoreConfig, chat sessions and tokens.
var sensitiveStores = map[string]struct{}{
	kvstore.StoreConfig:       {},
	kvstore.StoreChatSessions: {},
	kvstore.StoreTokens:       {},
}

// IsSensitiveStore reports whether store is subject to ConfigCipher
// classification at all; stores outside this set are never inspected.
func IsSensitiveStore(store string) bool {
	_, ok := sensitiveStores[store]
	return ok
}

type configCipher struct {
	ctx        *corecontext.Context
	kv         kvstore.KVStore
	classifier Classifier

	processSecret []byte
	salt          []byte

	mu      sync.Mutex
	version int
}

// sessionVersion returns the current session version under lock.
func (c *configCipher) sessionVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// New constructs the default ConfigCipher. processSecret is a
// caller-supplied high-entropy secret (e.g. derived from the browser
// profile) that never itself touches storage; salt is the session
// salt the data key is bound to alongside the session version.
func New(ctx *corecontext.Context, kv kvstore.KVStore, processSecret, salt []byte) ConfigCipher {
	return &configCipher{
		ctx:           ctx.Component("configcipher"),
		kv:            kv,
		classifier:    NewDefaultClassifier(),
		processSecret: processSecret,
		salt:          salt,
		version:       1,
	}
}

func (c *configCipher) sessionKey(version int) (corecontext.Key, error) {
	versionedSalt := append(append([]byte{}, c.salt...), byte(version>>24), byte(version>>16), byte(version>>8), byte(version))
	return c.ctx.Crypto.DeriveKey(c.processSecret, versionedSalt, c.ctx.Config.KDFIterations)
}

func (c *configCipher) Put(store, key string, value []byte) error {
	rec := record{UpdatedAt: c.ctx.Clock.Now()}

	if IsSensitiveStore(store) && c.classifier.IsSensitive(key, string(value)) {
		version := c.sessionVersion()
		dataKey, err := c.sessionKey(version)
		if err != nil {
			return corecontext.New(corecontext.KindPersistenceFailed, "configcipher.put", err, "store", store, "key", key)
		}
		sealed, err := c.ctx.Crypto.Encrypt(value, dataKey)
		if err != nil {
			return corecontext.New(corecontext.KindPersistenceFailed, "configcipher.put", err, "store", store, "key", key)
		}
		rec.Encrypted = true
		rec.IV = sealed.IV
		rec.Version = version
		rec.Value, err = json.Marshal(sealed.Ciphertext)
		if err != nil {
			return corecontext.New(corecontext.KindPersistenceFailed, "configcipher.put", err, "store", store, "key", key)
		}
	} else {
		raw, err := json.Marshal(value)
		if err != nil {
			return corecontext.New(corecontext.KindPersistenceFailed, "configcipher.put", err, "store", store, "key", key)
		}
		rec.Value = raw
	}

	buf, err := json.Marshal(rec)
	if err != nil {
		return corecontext.New(corecontext.KindPersistenceFailed, "configcipher.put", err, "store", store, "key", key)
	}
	return c.kv.Put(store, key, buf)
}

func (c *configCipher) Get(store, key string) ([]byte, bool, error) {
	raw, ok, err := c.kv.Get(store, key)
	if err != nil {
		return nil, false, corecontext.New(corecontext.KindPersistenceFailed, "configcipher.get", err, "store", store, "key", key)
	}
	if !ok {
		return nil, false, nil
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, corecontext.New(corecontext.KindPersistenceFailed, "configcipher.get", err, "store", store, "key", key)
	}

	if !rec.Encrypted {
		var value []byte
		if err := json.Unmarshal(rec.Value, &value); err != nil {
			return nil, false, corecontext.New(corecontext.KindPersistenceFailed, "configcipher.get", err, "store", store, "key", key)
		}
		return value, true, nil
	}

	var ciphertext []byte
	if err := json.Unmarshal(rec.Value, &ciphertext); err != nil {
		return nil, false, corecontext.New(corecontext.KindPersistenceFailed, "configcipher.get", err, "store", store, "key", key)
	}

	dataKey, err := c.sessionKey(c.sessionVersion())
	if err != nil {
		return nil, false, corecontext.New(corecontext.KindPersistenceFailed, "configcipher.get", err, "store", store, "key", key)
	}
	plaintext, err := c.ctx.Crypto.Decrypt(corecontext.Sealed{IV: rec.IV, Ciphertext: ciphertext}, dataKey)
	if err != nil {
		// a rotated session (or corrupted record) cannot be told apart
		// from a tampered one; both report as missing rather than
		// surfacing a hard error to the caller.
		c.ctx.Logger.Warn("decryption failed, treating key as missing",
			log.String("store", store), log.String("key", key), log.Int("record_version", rec.Version), log.Err(err))
		return nil, false, nil
	}
	return plaintext, true, nil
}

func (c *configCipher) Delete(store, key string) error {
	raw, ok, err := c.kv.Get(store, key)
	if err != nil {
		return corecontext.New(corecontext.KindPersistenceFailed, "configcipher.delete", err, "store", store, "key", key)
	}
	if ok {
		var rec record
		if err := json.Unmarshal(raw, &rec); err == nil && rec.Encrypted {
			blob, err := c.ctx.Crypto.RandomBytes(len(rec.Value))
			if err != nil {
				return corecontext.New(corecontext.KindPersistenceFailed, "configcipher.delete", err, "store", store, "key", key)
			}
			rec.Value, _ = json.Marshal(blob)
			rec.IV, _ = c.ctx.Crypto.RandomBytes(len(rec.IV))
			if scrubbed, err := json.Marshal(rec); err == nil {
				_ = c.kv.Put(store, key, scrubbed)
			}
		}
	}
	return c.kv.Delete(store, key)
}

func (c *configCipher) RotateSession() {
	c.mu.Lock()
	c.version++
	v := c.version
	c.mu.Unlock()
	c.ctx.Logger.Info("config session rotated", log.Int("version", v))
}

func (c *configCipher) Migrate(store string) (int, error) {
	all, err := c.kv.GetAll(store)
	if err != nil {
		return 0, corecontext.New(corecontext.KindPersistenceFailed, "configcipher.migrate", err, "store", store)
	}

	migrated := 0
	for key, raw := range all {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Encrypted {
			continue
		}
		var plaintext []byte
		if err := json.Unmarshal(rec.Value, &plaintext); err != nil {
			continue
		}
		if !c.classifier.IsSensitive(key, string(plaintext)) {
			continue
		}
		if err := c.Put(store, key, plaintext); err != nil {
			return migrated, err
		}
		migrated++
	}
	return migrated, nil
}
