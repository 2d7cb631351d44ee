// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package room implements the Room State Store, Timeline Engine, and
// Read-Marker & Unread-Stats Subsystem for a single room, grounded on
// gomuks's pkg/rpc/store.RoomStore: an in-memory, generics-friendly cache
// with explicit change-set notifications rather than a SQL-backed model.
package room

import "errors"

// ErrMalformed means an event failed the minimal schema checks required to
// be inserted into a timeline (spec.md §7).
var ErrMalformed = errors.New("room: malformed event")

// ErrOutOfOrder means a redaction or replacement referenced a target not
// currently present in the timeline (spec.md §7).
var ErrOutOfOrder = errors.New("room: redaction or replacement target not found")

// ErrDuplicateIgnored means an incoming event's id already exists in the
// timeline and was silently dropped (spec.md §7). It is returned to
// callers that want to distinguish "ingested nothing" from "ingested a
// duplicate" but is never logged above debug level.
var ErrDuplicateIgnored = errors.New("room: duplicate event ignored")

// ErrUnknownEvent is returned by operations (e.g. markMessagesAsRead) that
// reference an event id absent from the timeline.
var ErrUnknownEvent = errors.New("room: unknown event id")
