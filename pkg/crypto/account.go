// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
)

// OlmAccount is the connection's long-term identity (spec.md §4.7): an
// Ed25519 signing keypair and a Curve25519 identity keypair, pickled and
// persisted under a pickling key the way original_source/lib/e2ee/qolmaccount.cpp's
// QOlmAccount::pickle does (there, libolm's internal pickle format; here,
// NaCl secretbox, since no cgo libolm binding appears anywhere in the pack).
type OlmAccount struct {
	Ed25519Public   ed25519.PublicKey
	ed25519Private  ed25519.PrivateKey
	Curve25519Public  [32]byte
	curve25519Private [32]byte
}

// NewOlmAccount generates a fresh identity.
func NewOlmAccount() (*OlmAccount, error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ed25519 identity: %w", err)
	}
	var curvePriv [32]byte
	if _, err := rand.Read(curvePriv[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate curve25519 identity: %w", err)
	}
	// Clamp per RFC 7748 so the scalar is a valid X25519 private key.
	curvePriv[0] &= 248
	curvePriv[31] &= 127
	curvePriv[31] |= 64
	var curvePub [32]byte
	pub, err := curve25519.X25519(curvePriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive curve25519 public key: %w", err)
	}
	copy(curvePub[:], pub)
	return &OlmAccount{
		Ed25519Public:      edPub,
		ed25519Private:     edPriv,
		Curve25519Public:   curvePub,
		curve25519Private:  curvePriv,
	}, nil
}

// IdentityKeys returns the base64 forms of both identity keys, as published
// via `POST /keys/upload` (spec.md §6).
func (a *OlmAccount) IdentityKeys() (curve25519B64, ed25519B64 string) {
	return base64.RawStdEncoding.EncodeToString(a.Curve25519Public[:]),
		base64.RawStdEncoding.EncodeToString(a.Ed25519Public)
}

// ECDH performs a Curve25519 ECDH with a peer's public key, used by the
// recovery-style file encryption envelope (spec.md §4.7).
func (a *OlmAccount) ECDH(peerPublic [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(a.curve25519Private[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: ecdh: %w", err)
	}
	return shared, nil
}

// pickledAccount is the plaintext form sealed inside a pickle.
type pickledAccount struct {
	Ed25519Private    []byte `json:"ed25519_private"`
	Curve25519Private []byte `json:"curve25519_private"`
}

// Pickle serialises and seals the account under key using NaCl secretbox,
// mirroring QOlmAccount::pickle's "encrypt the account under a pickling
// key" role without depending on libolm's bespoke pickle cipher.
func (a *OlmAccount) Pickle(key [32]byte) ([]byte, error) {
	plain := make([]byte, 0, 96)
	plain = append(plain, a.ed25519Private...)
	plain = append(plain, a.curve25519Private[:]...)

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate pickle nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &key)
	return sealed, nil
}

// Unpickle reverses Pickle.
func Unpickle(key [32]byte, pickled []byte) (*OlmAccount, error) {
	if len(pickled) < 24 {
		return nil, fmt.Errorf("crypto: pickle too short")
	}
	var nonce [24]byte
	copy(nonce[:], pickled[:24])
	plain, ok := secretbox.Open(nil, pickled[24:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("crypto: failed to open pickle (wrong key or corrupt data)")
	}
	if len(plain) != ed25519.PrivateKeySize+32 {
		return nil, fmt.Errorf("crypto: unexpected pickle payload size %d", len(plain))
	}
	edPriv := ed25519.PrivateKey(append([]byte(nil), plain[:ed25519.PrivateKeySize]...))
	var curvePriv [32]byte
	copy(curvePriv[:], plain[ed25519.PrivateKeySize:])
	pub, err := curve25519.X25519(curvePriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive curve25519 public key: %w", err)
	}
	var curvePub [32]byte
	copy(curvePub[:], pub)
	return &OlmAccount{
		Ed25519Public:      edPriv.Public().(ed25519.PublicKey),
		ed25519Private:     edPriv,
		Curve25519Public:   curvePub,
		curve25519Private:  curvePriv,
	}, nil
}

// PicklingKeyFromPassphrase derives a 32-byte pickling key from a user
// passphrase via PBKDF2-HMAC-SHA-512 (spec.md §4.7).
func PicklingKeyFromPassphrase(passphrase string, salt []byte, iterations int) [32]byte {
	var key [32]byte
	copy(key[:], pbkdf2Key([]byte(passphrase), salt, iterations, 32))
	return key
}
