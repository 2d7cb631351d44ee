// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package room

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"go.mau.fi/mxcore/pkg/event"
)

// contentWhitelist lists the per-type content keys a redaction preserves
// (spec.md §4.3.3 "per event type, a small whitelist of content keys").
// Unlisted types keep no content keys at all.
var contentWhitelist = map[string][]string{
	"m.room.member":            {"membership"},
	"m.room.create":            {"creator"},
	"m.room.join_rules":        {"join_rule"},
	"m.room.power_levels":      {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"},
	"m.room.history_visibility": {"history_visibility"},
	"m.room.aliases":           {"aliases"},
}

// redactContent rebuilds a content object keeping only the whitelisted
// keys for evtType, using gjson to read and sjson to write so unrecognised
// keys are dropped without requiring a full struct round-trip.
func redactContent(evtType string, content json.RawMessage) json.RawMessage {
	keep := contentWhitelist[evtType]
	out := []byte(`{}`)
	for _, key := range keep {
		v := gjson.GetBytes(content, key)
		if !v.Exists() {
			continue
		}
		var err error
		out, err = sjson.SetBytes(out, key, v.Value())
		if err != nil {
			continue
		}
	}
	return json.RawMessage(out)
}

// ApplyRedaction implements spec.md §4.3.3: it produces a new Event value
// equal to target but with all non-whitelisted top-level fields and
// content fields erased, and unsigned.redacted_because set to the
// redaction event. It does not mutate target.
func ApplyRedaction(target, redaction *event.Event) *event.Event {
	redacted := &event.Event{
		Type:           target.Type,
		EventID:        target.EventID,
		Sender:         target.Sender,
		RoomID:         target.RoomID,
		StateKey:       target.StateKey,
		OriginServerTS: target.OriginServerTS,
		Content:        redactContent(target.Type, target.Content),
	}
	becauseJSON, err := json.Marshal(redaction)
	if err == nil {
		redacted.Unsigned.RedactedBecause = becauseJSON
	}
	return redacted
}
