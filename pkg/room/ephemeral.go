// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package room

import (
	"github.com/tidwall/gjson"

	"go.mau.fi/mxcore/pkg/event"
)

// ApplyEphemeral processes the `ephemeral` section of a sync response
// (spec.md §4.8 dispatch order: state → timeline → ephemeral → account-data
// → summary). Only `m.receipt` is interpreted; other ephemeral types
// (e.g. `m.typing`) have no room-state effect in this engine and are
// ignored here, left for the embedder to handle directly from the raw
// sync response if it cares about presence/typing indicators.
func (r *Room) ApplyEphemeral(events []*event.Event) *ChangeSet {
	cs := &ChangeSet{}
	for _, e := range events {
		if e.Type != "m.receipt" {
			continue
		}
		if r.applyReceiptEvent(e) {
			cs.mark(ChangeStats)
		}
	}
	return cs
}

// applyReceiptEvent unpacks one `m.receipt` event, whose content maps
// event id -> receipt type -> user id -> {ts}, and feeds each entry through
// ApplyReceipt's monotonicity rule.
func (r *Room) applyReceiptEvent(e *event.Event) bool {
	changed := false
	gjson.ParseBytes(e.Content).ForEach(func(eventID, receiptTypes gjson.Result) bool {
		receiptTypes.ForEach(func(receiptType, users gjson.Result) bool {
			if receiptType.String() != "m.read" && receiptType.String() != "m.read.private" {
				return true
			}
			users.ForEach(func(userID, meta gjson.Result) bool {
				ts := meta.Get("ts").Int()
				if r.ApplyReceipt(userID.String(), eventID.String(), ts) {
					changed = true
				}
				return true
			})
			return true
		})
		return true
	})
	return changed
}

// ApplyAccountData processes the `account_data` section of a sync
// response, storing each event by type and special-casing `m.fully_read`.
func (r *Room) ApplyAccountData(events []*event.Event) *ChangeSet {
	cs := &ChangeSet{}
	for _, e := range events {
		r.mu.Lock()
		r.AccountData[e.Type] = e
		r.mu.Unlock()

		switch e.Type {
		case "m.fully_read":
			if eventID := gjson.GetBytes(e.Content, "event_id").String(); eventID != "" {
				_ = r.ApplyFullyReadAccountData(eventID)
				cs.mark(ChangeStats)
			}
		case "m.tag":
			r.applyTags(e)
			cs.mark(ChangeOther)
		}
	}
	return cs
}

func (r *Room) applyTags(e *event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tags := gjson.GetBytes(e.Content, "tags")
	r.Tags = make(map[string]Tag)
	tags.ForEach(func(name, value gjson.Result) bool {
		var order *float64
		if o := value.Get("order"); o.Exists() {
			v := o.Float()
			order = &v
		}
		r.Tags[name.String()] = Tag{Order: order}
		return true
	})
}

// SetSummary applies the sync response's `summary` block (spec.md §4.8,
// last in dispatch order). Heroes feed SPEC_FULL.md's participant-based
// room naming.
func (r *Room) SetSummary(heroes []string, joined, invited int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Summary = Summary{Heroes: heroes, JoinedMemberCount: joined, InvitedMemberCount: invited}
}
