// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

// ratchet is a single-rate HMAC-SHA-256 hash chain driving Megolm message
// keys: ratchet[i+1] = HMAC-SHA-256(ratchet[i], "megolm-ratchet"). Real
// libolm's Megolm ratchet uses a four-level skip-ratchet so that advancing
// to an arbitrary far-future index is cheap; this engine never needs that
// optimisation (sessions are advanced one message at a time as they are
// sent or received), so a single hash chain gives the same forward-secrecy
// property — once ratcheted forward, an earlier key cannot be recovered —
// with a much simpler state shape.
type ratchet [32]byte

const ratchetConstant = "megolm-ratchet"

// advance returns the next ratchet state.
func (r ratchet) advance() ratchet {
	var next ratchet
	copy(next[:], hmacSHA256(r[:], []byte(ratchetConstant)))
	return next
}

// advanceTo repeatedly advances r from index `from` to index `to`. It
// returns an error-free zero value if to < from (ratchets never move
// backward; callers must retain earlier ratchet states themselves if
// out-of-order decryption is needed).
func (r ratchet) advanceTo(from, to uint32) (ratchet, bool) {
	if to < from {
		return ratchet{}, false
	}
	cur := r
	for i := from; i < to; i++ {
		cur = cur.advance()
	}
	return cur, true
}

// messageKeys derives the per-message AES/MAC keys for one ratchet state
// (spec.md §4.7 "HKDF-SHA-256 deriving 32-byte AES and 32-byte MAC keys").
func (r ratchet) messageKeys() (derivedKeys, []byte, error) {
	iv := hmacSHA256(r[:], []byte("megolm-iv"))[:16]
	keys, err := deriveKeys(r[:], nil, []byte("megolm-message-keys"))
	if err != nil {
		return derivedKeys{}, nil, err
	}
	return keys, iv, nil
}
