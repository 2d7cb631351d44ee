// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package room

import (
	"encoding/json"

	"go.mau.fi/mxcore/pkg/event"
)

// ApplyReplacement implements spec.md §4.3.4: it produces a new Event equal
// to target but with content taken from the edit's `m.new_content`,
// preserving target's event_id/sender/origin_server_ts and its original
// reply relation (if any), and stamps unsigned.m.relations.m.replace with
// the editing event's id. It does not mutate target.
func ApplyReplacement(target, edit *event.Event) *event.Event {
	editContent, ok := edit.Parsed().(*event.MessageContent)
	if !ok || editContent.NewContent == nil {
		return target
	}
	newContent := *editContent.NewContent

	if targetContent, ok := target.Parsed().(*event.MessageContent); ok &&
		targetContent.RelatesTo != nil && targetContent.RelatesTo.InReplyTo != nil {
		relCopy := *targetContent.RelatesTo
		newContent.RelatesTo = &relCopy
	}

	contentJSON, err := json.Marshal(&newContent)
	if err != nil {
		return target
	}

	replaced := target.Clone()
	replaced.Content = contentJSON
	replaced.Unsigned.Relations = &event.Relations{Replace: edit.EventID}
	return replaced
}
