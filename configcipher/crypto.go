// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package configcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/luxfi/tabcore/corecontext"
)

// aeadCrypto is the production corecontext.Crypto: PBKDF2-SHA256 key
// derivation feeding AES-256-GCM, matching the AEAD shape the spec's
// Sealed{IV, Ciphertext} pair implies.
type aeadCrypto struct{}

// NewAEADCrypto returns the default corecontext.Crypto collaborator.
func NewAEADCrypto() corecontext.Crypto { return aeadCrypto{} }

func (aeadCrypto) DeriveKey(password, salt []byte, iterations int) (corecontext.Key, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("configcipher: non-positive KDF iteration count %d", iterations)
	}
	return pbkdf2.Key(password, salt, iterations, 32, sha256.New), nil
}

func (aeadCrypto) Encrypt(plaintext []byte, key corecontext.Key) (corecontext.Sealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return corecontext.Sealed{}, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return corecontext.Sealed{}, err
	}
	ct := gcm.Seal(nil, iv, plaintext, nil)
	return corecontext.Sealed{IV: iv, Ciphertext: ct}, nil
}

func (aeadCrypto) Decrypt(s corecontext.Sealed, key corecontext.Key) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, s.IV, s.Ciphertext, nil)
}

func (aeadCrypto) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func newGCM(key corecontext.Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
