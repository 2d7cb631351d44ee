// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// hmacSHA256 implements the HMAC-SHA-256 primitive of spec.md §4.7.
func hmacSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// derivedKeys is the pair of 32-byte keys HKDF-SHA-256 derives for one
// message: an AES-256 key and an HMAC-SHA-256 MAC key (spec.md §4.7
// "HKDF-SHA-256 deriving 32-byte AES and 32-byte MAC keys").
type derivedKeys struct {
	AESKey [32]byte
	MACKey [32]byte
}

// deriveKeys runs HKDF-SHA-256 over secret, producing 64 bytes split into
// an AES key and a MAC key.
func deriveKeys(secret, salt, info []byte) (derivedKeys, error) {
	reader := hkdf.New(sha256.New, secret, salt, info)
	var out derivedKeys
	if _, err := io.ReadFull(reader, out.AESKey[:]); err != nil {
		return derivedKeys{}, fmt.Errorf("crypto: hkdf aes key: %w", err)
	}
	if _, err := io.ReadFull(reader, out.MACKey[:]); err != nil {
		return derivedKeys{}, fmt.Errorf("crypto: hkdf mac key: %w", err)
	}
	return out, nil
}

// pbkdf2Key derives a key from a passphrase using PBKDF2-HMAC-SHA-512
// (spec.md §4.7, used for recovery-key/pickling-key derivation).
func pbkdf2Key(passphrase, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(passphrase, salt, iterations, keyLen, sha512.New)
}

// aesCTR encrypts or decrypts (the operation is its own inverse) data with
// AES-CTR-256 under key/iv (spec.md §4.7, §4.6 encrypted file envelope).
func aesCTR(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	out := make([]byte, len(data))
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(out, data)
	return out, nil
}
