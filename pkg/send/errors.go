// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package send implements the Send Pipeline (spec.md §4.4): transaction id
// assignment, the PendingEvent lifecycle, retry/discard, and the staggered
// file-message pipeline, grounded on gomuks's pkg/hicli send.go.
package send

import "errors"

var (
	// ErrVersionObsolete is returned when sending into a room that has
	// already been tombstoned (spec.md §7 VersionObsolete, §8 boundary
	// behaviour "sending into a tombstoned room returns an error without
	// creating a pending event").
	ErrVersionObsolete = errors.New("send: room has been upgraded, send refused")

	// ErrAlreadyUpgraded is returned by SwitchVersion when the room already
	// carries a tombstone with a successor (spec.md §8 scenario 6).
	ErrAlreadyUpgraded = errors.New("send: room is already upgraded")

	// ErrUnknownTransaction is returned by Retry/Discard for a transaction
	// id with no matching pending event.
	ErrUnknownTransaction = errors.New("send: unknown transaction id")

	// ErrNoLocalUser is returned when a Sender is used before SetLocalUserID
	// has been called on its room.
	ErrNoLocalUser = errors.New("send: local user id is not set")
)
