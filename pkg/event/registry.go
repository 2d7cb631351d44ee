// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import "encoding/json"

// registry maps a Matrix event `type` to a constructor for its typed
// content. Only the types the engine actually branches on are registered;
// everything else falls back to *Unknown (see Event.Parsed).
var registry = map[string]func(json.RawMessage) (any, error){
	"m.room.message":         unmarshalAs[MessageContent],
	"m.room.member":          unmarshalAs[MemberContent],
	"m.room.encrypted":       unmarshalAs[EncryptedContent],
	"m.room.redaction":       unmarshalAs[RedactionContent],
	"m.room_key":             unmarshalAs[RoomKeyContent],
	"m.room.name":            unmarshalAs[NameContent],
	"m.room.topic":           unmarshalAs[TopicContent],
	"m.room.avatar":          unmarshalAs[AvatarContent],
	"m.room.canonical_alias": unmarshalAs[CanonicalAliasContent],
	"m.room.create":          unmarshalAs[CreateContent],
	"m.room.tombstone":       unmarshalAs[TombstoneContent],
	"m.room.encryption":      unmarshalAs[EncryptionContent],
	"m.reaction":             unmarshalAs[ReactionContent],
}

func unmarshalAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// RegisterContentType allows an embedder to register a constructor for a
// vendor or unstable event type without forking this package.
func RegisterContentType(evtType string, ctor func(json.RawMessage) (any, error)) {
	registry[evtType] = ctor
}
