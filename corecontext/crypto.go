// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package corecontext

// Sealed is the on-the-wire/on-disk shape of one encryption, matching
// the `{iv, ct}` pair the spec's Crypto collaborator produces.
type Sealed struct {
	IV         []byte
	Ciphertext []byte
}

// Key is an opaque derived data-encryption key.
type Key []byte

// Crypto is the collaborator interface of the spec's §6.4 `Crypto` black
// box: deriveKey/encrypt/decrypt/randomBytes. configcipher is the only
// component that calls it; every other component treats encryption as
// none of its business, matching the spec's "cryptographic primitives
// ... used as a black box" scoping. The production implementation
// (configcipher/crypto.go) derives keys with golang.org/x/crypto/pbkdf2
// and seals with stdlib crypto/aes + crypto/cipher (AES-256-GCM); this
// interface exists so tests can substitute a fake without pulling in
// the real KDF cost.
type Crypto interface {
	DeriveKey(password []byte, salt []byte, iterations int) (Key, error)
	Encrypt(plaintext []byte, key Key) (Sealed, error)
	Decrypt(s Sealed, key Key) ([]byte, error)
	RandomBytes(n int) ([]byte, error)
}
