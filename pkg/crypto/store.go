// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"go.mau.fi/mxcore/pkg/event"
)

const megolmAlgorithm = "m.megolm.v1.aes-sha2"

// megolmPayload is the wire shape this engine uses inside
// EncryptedContent.Ciphertext (base64-encoded JSON): the message index plus
// the AES-CTR ciphertext of the plaintext event JSON. Real Megolm packs
// these into a custom binary olm-message format; this engine uses a JSON
// envelope instead, the same simplification ratchet.go documents for the
// key schedule.
type megolmPayload struct {
	MessageIndex uint32 `json:"message_index"`
	Ciphertext   string `json:"ciphertext"`
}

type replayKey struct {
	SessionID    string
	MessageIndex uint32
}

type replayRecord struct {
	EventID        string
	OriginServerTS int64
}

type inboundKey struct {
	SenderKey string
	SessionID string
}

// Store holds the E2EE session state for one connection (spec.md §4.7): an
// Olm account, inbound Megolm sessions keyed by (sender_curve25519_key,
// session_id), one outbound Megolm session per encrypted room, and the
// replay-protection table.
type Store struct {
	Account *OlmAccount

	mu       sync.RWMutex
	inbound  map[inboundKey]*InboundGroupSession
	outbound map[string]*OutboundGroupSession
	replay   map[replayKey]replayRecord

	log zerolog.Logger
}

// NewStore wraps an existing (or freshly created) OlmAccount.
func NewStore(account *OlmAccount, log zerolog.Logger) *Store {
	return &Store{
		Account:  account,
		inbound:  make(map[inboundKey]*InboundGroupSession),
		outbound: make(map[string]*OutboundGroupSession),
		replay:   make(map[replayKey]replayRecord),
		log:      log.With().Str("component", "crypto").Logger(),
	}
}

// IngestRoomKey implements spec.md §4.7 room-key ingest: on receiving an
// `m.room_key` event with algorithm m.megolm.v1.aes-sha2, it creates a new
// inbound session from session_key. The advertised session_id must match
// the session's computed id, else the key is refused.
func (s *Store) IngestRoomKey(senderKey string, content *event.RoomKeyContent) error {
	if content.Algorithm != megolmAlgorithm {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, content.Algorithm)
	}
	keyMaterial, err := base64.StdEncoding.DecodeString(content.SessionKey)
	if err != nil {
		// Session keys are conventionally unpadded in real Megolm exports;
		// fall back before giving up.
		keyMaterial, err = base64.RawStdEncoding.DecodeString(content.SessionKey)
		if err != nil {
			return fmt.Errorf("crypto: decode session_key: %w", err)
		}
	}
	session, err := NewInboundGroupSession(senderKey, keyMaterial, 0)
	if err != nil {
		return err
	}
	if session.SessionID != content.SessionID {
		s.log.Warn().Str("advertised", content.SessionID).Str("computed", session.SessionID).
			Msg("room key session id mismatch; refusing")
		return ErrSessionIDMismatch
	}
	s.mu.Lock()
	s.inbound[inboundKey{senderKey, content.SessionID}] = session
	s.mu.Unlock()
	return nil
}

// DecryptRoomEvent implements spec.md §4.7's decrypt dispatch for a Megolm
// `m.room.encrypted` event. On success it synthesises a new *event.Event
// carrying the decrypted content plus event_id/sender/origin_server_ts/
// m.relates_to/unsigned.redacts copied from the outer envelope. On an
// unknown session it returns ErrUnknownSession so the caller can insert the
// envelope as-is and prompt a key re-share (spec.md §7 Undecryptable).
func (s *Store) DecryptRoomEvent(outer *event.Event) (*event.Event, error) {
	enc, ok := outer.Parsed().(*event.EncryptedContent)
	if !ok {
		return nil, fmt.Errorf("%w: event is not m.room.encrypted", ErrUnsupportedAlgorithm)
	}
	if enc.Algorithm != megolmAlgorithm {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, enc.Algorithm)
	}
	s.mu.RLock()
	session, ok := s.inbound[inboundKey{enc.SenderKey, enc.SessionID}]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSession
	}

	payloadJSON, err := base64.RawStdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		payloadJSON, err = base64.StdEncoding.DecodeString(enc.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode ciphertext envelope: %w", err)
		}
	}
	var payload megolmPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("crypto: malformed ciphertext envelope: %w", err)
	}
	rawCiphertext, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode inner ciphertext: %w", err)
	}

	plaintext, err := session.Decrypt(payload.MessageIndex, rawCiphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt: %w", err)
	}

	rk := replayKey{session.SessionID, payload.MessageIndex}
	record := replayRecord{EventID: outer.EventID, OriginServerTS: outer.OriginServerTS}
	s.mu.Lock()
	prior, seen := s.replay[rk]
	if !seen {
		s.replay[rk] = record
	}
	s.mu.Unlock()
	if seen && (prior.EventID != record.EventID || prior.OriginServerTS != record.OriginServerTS) {
		return nil, ErrReplayRejected
	}

	var decryptedContent json.RawMessage
	var relatesTo json.RawMessage
	var inner struct {
		Type      string          `json:"type"`
		Content   json.RawMessage `json:"content"`
		RelatesTo json.RawMessage `json:"m.relates_to,omitempty"`
	}
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, fmt.Errorf("crypto: decrypted plaintext is not a valid event: %w", err)
	}
	decryptedContent = inner.Content
	relatesTo = inner.RelatesTo

	result := &event.Event{
		Type:           inner.Type,
		Content:        decryptedContent,
		EventID:        outer.EventID,
		Sender:         outer.Sender,
		OriginServerTS: outer.OriginServerTS,
		RoomID:         outer.RoomID,
		Class:          outer.Class,
		Unsigned: event.Unsigned{
			Redacts: outer.Unsigned.Redacts,
		},
	}
	if len(relatesTo) > 0 {
		result.Content, _ = mergeRelatesTo(result.Content, relatesTo)
	}
	return result, nil
}

// EncryptRoomEvent implements spec.md §4.7's send-side participation: it
// seals evtType/content under roomID's outbound Megolm session (rotating it
// first if due per maxMessages/maxAgeMs, per "rotated every configured
// number of messages or milliseconds") and returns the m.room.encrypted
// envelope content the send pipeline submits in place of the plaintext
// event.
func (s *Store) EncryptRoomEvent(roomID, evtType string, content json.RawMessage, maxMessages int, maxAgeMs int64, nowUnix int64) (*event.EncryptedContent, error) {
	sess, err := s.OutboundSession(roomID, nowUnix)
	if err != nil {
		return nil, err
	}
	if sess.NeedsRotation(maxMessages, maxAgeMs, nowUnix) {
		s.RotateOutboundSession(roomID)
		sess, err = s.OutboundSession(roomID, nowUnix)
		if err != nil {
			return nil, err
		}
	}

	inner, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}{Type: evtType, Content: content})
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal plaintext event: %w", err)
	}

	rawCiphertext, messageIndex, err := sess.Encrypt(inner)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt: %w", err)
	}
	payloadJSON, err := json.Marshal(megolmPayload{
		MessageIndex: messageIndex,
		Ciphertext:   base64.RawStdEncoding.EncodeToString(rawCiphertext),
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal ciphertext envelope: %w", err)
	}

	curveKey, _ := s.Account.IdentityKeys()
	return &event.EncryptedContent{
		Algorithm:  megolmAlgorithm,
		Ciphertext: base64.RawStdEncoding.EncodeToString(payloadJSON),
		SenderKey:  curveKey,
		SessionID:  sess.SessionID,
	}, nil
}

// mergeRelatesTo re-attaches m.relates_to to content if the decrypted event
// itself didn't already carry it directly (some clients put it at the outer
// encrypted-content level so the server can thread/reply without decrypting).
func mergeRelatesTo(content, relatesTo json.RawMessage) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(content, &m); err != nil {
		return content, nil
	}
	if _, exists := m["m.relates_to"]; exists {
		return content, nil
	}
	m["m.relates_to"] = relatesTo
	return json.Marshal(m)
}

// OutboundSession returns (creating if necessary) the outbound Megolm
// session for roomID.
func (s *Store) OutboundSession(roomID string, nowUnix int64) (*OutboundGroupSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.outbound[roomID]; ok {
		return sess, nil
	}
	sess, err := NewOutboundGroupSession(nowUnix)
	if err != nil {
		return nil, err
	}
	s.outbound[roomID] = sess
	return sess, nil
}

// RotateOutboundSession discards the current outbound session for roomID so
// the next OutboundSession call creates (and re-shares) a fresh one.
func (s *Store) RotateOutboundSession(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outbound, roomID)
}
