// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package event implements the tagged-variant Matrix event model: parsing
// raw JSON events into a typed value with polymorphic accessors, the same
// way maunium.net/go/mautrix's event package does, but scoped to the event
// classes this core engine actually needs to reason about.
package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Class distinguishes the envelope an Event arrived in. A single Matrix
// `type` string (e.g. "m.room.member") can appear in more than one class
// (state vs. stripped invite state), so Class is set by the caller's
// context, not derived from Type alone.
type Class int

const (
	UnknownClass Class = iota
	RoomEventClass
	StateEventClass
	EphemeralEventClass
	AccountDataClass
	ToDeviceClass
	CallEventClass
)

func (c Class) String() string {
	switch c {
	case RoomEventClass:
		return "room"
	case StateEventClass:
		return "state"
	case EphemeralEventClass:
		return "ephemeral"
	case AccountDataClass:
		return "account_data"
	case ToDeviceClass:
		return "to_device"
	case CallEventClass:
		return "call"
	default:
		return "unknown"
	}
}

// ErrMalformed is returned when an incoming JSON object does not satisfy the
// minimum event schema (spec.md §7: Malformed).
var ErrMalformed = errors.New("event: malformed event")

// Relations mirrors the unsigned `m.relations` block that the server (or our
// own redaction/replacement handling) stamps onto an event.
type Relations struct {
	Replace string `json:"m.replace,omitempty"`
}

// Unsigned mirrors the subset of `unsigned` the engine inspects.
type Unsigned struct {
	PrevContent     json.RawMessage `json:"prev_content,omitempty"`
	RedactedBecause json.RawMessage `json:"redacted_because,omitempty"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	Relations       *Relations      `json:"m.relations,omitempty"`
	Redacts         string          `json:"redacts,omitempty"` // legacy room version location
}

// Event is the immutable(-ish; see Room State Store §4.2 redaction/replace
// in-place rules) value every other component operates on. It deliberately
// keeps the original raw content alongside any typed accessor so that
// redaction/replacement can rewrite it field-by-field without losing
// unrecognised keys.
type Event struct {
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	EventID        string          `json:"event_id,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Unsigned       Unsigned        `json:"unsigned,omitempty"`
	Redacts        string          `json:"redacts,omitempty"`

	Class Class `json:"-"`

	parsed any
}

// Parse validates and constructs an Event from a raw JSON object. Per
// spec.md §4.1, a missing or empty `type` is a hard Malformed error; a
// missing `content` is tolerated (it is recorded as an empty JSON object)
// except for redaction events, where an empty content is normal and never
// warned about.
func Parse(raw json.RawMessage) (evt *Event, contentMissing bool, err error) {
	var e Event
	if err = json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if e.Type == "" {
		return nil, false, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if len(e.Content) == 0 {
		e.Content = json.RawMessage(`{}`)
		contentMissing = e.Type != "m.room.redaction"
	}
	// Some room versions carry `redacts` at the top level instead of inside
	// content; normalise so RedactionContent always has it.
	if e.Type == "m.room.redaction" && e.Redacts == "" {
		if r := gjson.GetBytes(e.Content, "redacts"); r.Type == gjson.String {
			e.Redacts = r.Str
		}
	}
	if e.Unsigned.Redacts != "" && e.Redacts == "" {
		e.Redacts = e.Unsigned.Redacts
	}
	return &e, contentMissing, nil
}

// IsState reports whether the event carries a state key.
func (e *Event) IsState() bool { return e.StateKey != nil }

// IsRedacted reports whether the server (or local redaction processing,
// §4.3.3) has already stripped this event's content.
func (e *Event) IsRedacted() bool { return len(e.Unsigned.RedactedBecause) > 0 }

// TransactionID returns the transaction id this event was sent with, if any.
func (e *Event) TransactionID() string { return e.Unsigned.TransactionID }

// Parsed lazily decodes Content into the most specific registered variant
// for e.Type, caching the result. Unrecognised types return *Unknown, which
// still exposes raw JSON accessors (spec.md §4.1).
func (e *Event) Parsed() any {
	if e.parsed == nil {
		ctor, ok := registry[e.Type]
		if !ok {
			e.parsed = &Unknown{Raw: e.Content}
		} else {
			v, err := ctor(e.Content)
			if err != nil {
				e.parsed = &Unknown{Raw: e.Content, ParseError: err}
			} else {
				e.parsed = v
			}
		}
	}
	return e.parsed
}

// Clone returns a shallow copy suitable for in-place content rewriting
// (redaction, replacement) without mutating shared references such as
// Unsigned.Relations.
func (e *Event) Clone() *Event {
	clone := *e
	clone.parsed = nil
	if e.StateKey != nil {
		sk := *e.StateKey
		clone.StateKey = &sk
	}
	return &clone
}

// Unknown is the fallback variant for event types with no registered
// constructor. It still exposes the raw content so consumers can read
// arbitrary fields via gjson.
type Unknown struct {
	Raw        json.RawMessage
	ParseError error
}

// Get reads an arbitrary dotted path out of the raw content, e.g. for
// vendor extension fields such as `xyz.amorgan.blurhash` (spec.md §6).
func (u *Unknown) Get(path string) gjson.Result {
	return gjson.GetBytes(u.Raw, path)
}
