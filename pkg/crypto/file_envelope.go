// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// JWK is the unpadded base64url symmetric key descriptor spec.md §4.6
// requires for an encrypted attachment: `kty="oct", alg="A256CTR",
// key_ops=[encrypt,decrypt], ext=true` (grounded on
// original_source/Quotient/events/filesourceinfo.cpp's JsonObjectConverter,
// SPEC_FULL.md §4 "JWK key_ops order").
type JWK struct {
	Kty    string   `json:"kty"`
	Key    string   `json:"k"`
	Alg    string   `json:"alg"`
	KeyOps []string `json:"key_ops"`
	Ext    bool     `json:"ext"`
}

// EncryptedFileMetadata is the `m.encrypted` file descriptor clients attach
// to outgoing encrypted media and must resolve before downloading incoming
// media (spec.md §4.6). Field names/order mirror filesourceinfo.cpp's wire
// format exactly: url, key, iv, hashes, v.
type EncryptedFileMetadata struct {
	URL    string            `json:"url"`
	Key    JWK               `json:"key"`
	IV     string            `json:"iv"`
	Hashes map[string]string `json:"hashes"`
	V      string            `json:"v"`
}

const fileEnvelopeVersion = "v2"

// EncryptFile implements spec.md §4.6's EncryptedFile envelope: plaintext is
// encrypted with AES-CTR-256 under a random 256-bit key and 128-bit IV; the
// key is serialised as an unpadded base64url JWK; the ciphertext's SHA-256
// hash is stored as unpadded standard base64 in hashes.sha256. URL is left
// empty; the caller fills it in once the ciphertext has been uploaded.
func EncryptFile(plaintext []byte) (ciphertext []byte, metadata *EncryptedFileMetadata, err error) {
	key := make([]byte, 32)
	if _, err = rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("crypto: generate file key: %w", err)
	}
	iv := make([]byte, 16)
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("crypto: generate file iv: %w", err)
	}
	ciphertext, err = aesCTR(key, iv, plaintext)
	if err != nil {
		return nil, nil, err
	}
	sum := sha256.Sum256(ciphertext)
	metadata = &EncryptedFileMetadata{
		Key: JWK{
			Kty:    "oct",
			Key:    base64.RawURLEncoding.EncodeToString(key),
			Alg:    "A256CTR",
			KeyOps: []string{"encrypt", "decrypt"},
			Ext:    true,
		},
		IV:     base64.RawStdEncoding.EncodeToString(iv),
		Hashes: map[string]string{"sha256": base64.RawStdEncoding.EncodeToString(sum[:])},
		V:      fileEnvelopeVersion,
	}
	return ciphertext, metadata, nil
}

// DecryptFile reverses EncryptFile. It verifies the ciphertext's SHA-256
// hash against metadata before attempting decryption, refusing the payload
// on mismatch (spec.md §4.6).
func DecryptFile(ciphertext []byte, metadata *EncryptedFileMetadata) ([]byte, error) {
	want, ok := metadata.Hashes["sha256"]
	if !ok {
		return nil, fmt.Errorf("crypto: encrypted file metadata missing sha256 hash")
	}
	sum := sha256.Sum256(ciphertext)
	got := base64.RawStdEncoding.EncodeToString(sum[:])
	if !constantTimeEqualString(got, want) {
		return nil, ErrHashMismatch
	}
	key, err := base64.RawURLEncoding.DecodeString(metadata.Key.Key)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode file key: %w", err)
	}
	iv, err := base64.RawStdEncoding.DecodeString(metadata.IV)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode file iv: %w", err)
	}
	return aesCTR(key, iv, ciphertext)
}

func constantTimeEqualString(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
