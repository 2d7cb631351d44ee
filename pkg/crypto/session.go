// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// sessionIDFromSeed derives a session's id from its initial ratchet seed.
// Room-key ingest (spec.md §4.7) recomputes this from the advertised
// session_key and compares it against the event's claimed session_id.
func sessionIDFromSeed(seed ratchet) string {
	return base64.RawStdEncoding.EncodeToString(hmacSHA256(seed[:], []byte("megolm-session-id")))
}

// InboundGroupSession decrypts Megolm-encrypted room events (spec.md §4.7).
// It is keyed by (SenderKey, SessionID) in the Store.
type InboundGroupSession struct {
	SessionID    string
	SenderKey    string
	firstIndex   uint32
	seedAtFirst  ratchet
}

// NewInboundGroupSession creates an inbound session from a received
// `m.room_key` event's session_key, the sender's curve25519 identity key,
// and the message index the session starts at (usually 0). sessionKeyMaterial
// is used directly as the session's initial ratchet state, matching
// OutboundGroupSession.SessionKeyMaterial's seed exactly so both sides derive
// the same message keys at the same index.
func NewInboundGroupSession(senderKey string, sessionKeyMaterial []byte, startIndex uint32) (*InboundGroupSession, error) {
	if len(sessionKeyMaterial) != 32 {
		return nil, fmt.Errorf("crypto: session_key material must be 32 bytes, got %d", len(sessionKeyMaterial))
	}
	var seed ratchet
	copy(seed[:], sessionKeyMaterial)
	return &InboundGroupSession{
		SessionID:   sessionIDFromSeed(seed),
		SenderKey:   senderKey,
		firstIndex:  startIndex,
		seedAtFirst: seed,
	}, nil
}

// ratchetAt returns the ratchet state for messageIndex, or false if it
// precedes the index this session started at (the session was shared after
// that message was sent, so it is permanently undecryptable from here).
func (s *InboundGroupSession) ratchetAt(messageIndex uint32) (ratchet, bool) {
	return s.seedAtFirst.advanceTo(s.firstIndex, messageIndex)
}

// Decrypt decrypts ciphertext at messageIndex.
func (s *InboundGroupSession) Decrypt(messageIndex uint32, ciphertext []byte) ([]byte, error) {
	r, ok := s.ratchetAt(messageIndex)
	if !ok {
		return nil, fmt.Errorf("crypto: message index %d precedes session start", messageIndex)
	}
	keys, iv, err := r.messageKeys()
	if err != nil {
		return nil, err
	}
	return aesCTR(keys.AESKey[:], iv, ciphertext)
}

// OutboundGroupSession encrypts outgoing room events for one encrypted room
// (spec.md §4.7): one per room, rotated every configured number of messages
// or milliseconds.
type OutboundGroupSession struct {
	SessionID     string
	seed          ratchet
	current       ratchet
	MessageIndex  uint32
	CreatedAtUnix int64
	Shared        bool
}

// NewOutboundGroupSession creates a fresh outbound session with a random
// seed.
func NewOutboundGroupSession(nowUnix int64) (*OutboundGroupSession, error) {
	var seed ratchet
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate session seed: %w", err)
	}
	return &OutboundGroupSession{
		SessionID:     sessionIDFromSeed(seed),
		seed:          seed,
		current:       seed,
		CreatedAtUnix: nowUnix,
	}, nil
}

// SessionKeyMaterial returns the material shared with other devices via
// `m.room_key` so they can construct a matching InboundGroupSession.
func (s *OutboundGroupSession) SessionKeyMaterial() []byte {
	return append([]byte(nil), s.seed[:]...)
}

// Encrypt encrypts plaintext at the session's current message index and
// advances the ratchet, returning the ciphertext and the index it was
// encrypted at.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (ciphertext []byte, messageIndex uint32, err error) {
	keys, iv, err := s.current.messageKeys()
	if err != nil {
		return nil, 0, err
	}
	ciphertext, err = aesCTR(keys.AESKey[:], iv, plaintext)
	if err != nil {
		return nil, 0, err
	}
	messageIndex = s.MessageIndex
	s.MessageIndex++
	s.current = s.current.advance()
	return ciphertext, messageIndex, nil
}

// NeedsRotation reports whether the session should be rotated, given the
// embedder's configured limits (spec.md §4.7 "rotated every configured
// number of messages or milliseconds").
func (s *OutboundGroupSession) NeedsRotation(maxMessages int, maxAgeMs int64, nowUnix int64) bool {
	if maxMessages > 0 && int(s.MessageIndex) >= maxMessages {
		return true
	}
	if maxAgeMs > 0 && (nowUnix-s.CreatedAtUnix)*1000 >= maxAgeMs {
		return true
	}
	return false
}
