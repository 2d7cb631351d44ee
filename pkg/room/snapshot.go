// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package room

import (
	"encoding/json"
	"fmt"

	"go.mau.fi/mxcore/pkg/event"
)

// snapshotSummary mirrors the wire `summary` block inside a persisted room
// snapshot (spec.md §6 "Persistent room snapshot").
type snapshotSummary struct {
	Heroes             []string `json:"heroes,omitempty"`
	JoinedMemberCount  int      `json:"joined_member_count"`
	InvitedMemberCount int      `json:"invited_member_count"`
}

type snapshotEvents struct {
	Events []json.RawMessage `json:"events"`
}

type snapshotNotifications struct {
	NotificationCount int `json:"notification_count"`
	HighlightCount    int `json:"highlight_count"`
}

// Snapshot is the on-disk persistence format for one room (spec.md §6).
// It deliberately excludes the timeline, pending events, and state stubs:
// those are rebuilt by replaying sync/backfill after the snapshot's base
// state is loaded (spec.md §9 "Global mutable state" / arena-on-load).
type Snapshot struct {
	Summary              snapshotSummary       `json:"summary"`
	State                *snapshotEvents       `json:"state,omitempty"`
	InviteState          *snapshotEvents       `json:"invite_state,omitempty"`
	AccountData          snapshotEvents        `json:"account_data"`
	Ephemeral            snapshotEvents        `json:"ephemeral"`
	UnreadNotifications  snapshotNotifications `json:"unread_notifications"`
	QuotientUnreadCount  int                   `json:"org.quotient.unread_count"`
}

// MarshalSnapshot serialises the room's base/current state, account data,
// the local user's last read receipt, and cached unread counters into the
// persisted snapshot shape (spec.md §6). A notable counter of -1 is
// written when Stats.IsEstimate is false and the count is zero, per the
// "cached counters of -1" convention (SPEC_FULL.md §4).
func (r *Room) MarshalSnapshot() (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &Snapshot{
		Summary: snapshotSummary{
			Heroes:             r.Summary.Heroes,
			JoinedMemberCount:  r.Summary.JoinedMemberCount,
			InvitedMemberCount: r.Summary.InvitedMemberCount,
		},
	}

	stateEvents := make([]json.RawMessage, 0, len(r.currentState))
	for _, e := range r.currentState {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("room: marshal state event: %w", err)
		}
		stateEvents = append(stateEvents, raw)
	}
	if r.Join == Invite {
		snap.InviteState = &snapshotEvents{Events: stateEvents}
	} else {
		snap.State = &snapshotEvents{Events: stateEvents}
	}

	for _, e := range r.AccountData {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("room: marshal account data event: %w", err)
		}
		snap.AccountData.Events = append(snap.AccountData.Events, raw)
	}

	if receipt, ok := r.Receipts[r.LocalUserID]; ok {
		raw, err := json.Marshal(map[string]any{
			"type": "m.receipt",
			"content": map[string]any{
				receipt.EventID: map[string]any{
					"m.read": map[string]any{
						r.LocalUserID: map[string]any{"ts": receipt.Timestamp},
					},
				},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("room: marshal ephemeral receipt: %w", err)
		}
		snap.Ephemeral.Events = append(snap.Ephemeral.Events, raw)
	}

	notable := r.Stats.NotableCount
	if notable == 0 && !r.Stats.IsEstimate {
		notable = -1
	}
	snap.UnreadNotifications = snapshotNotifications{
		NotificationCount: notable,
		HighlightCount:    r.Stats.HighlightCount,
	}
	snap.QuotientUnreadCount = notable

	return snap, nil
}

// LoadSnapshot restores base state, account data, the last local read
// receipt, and cached unread counters from a persisted Snapshot. It must
// be called before any sync/backfill ingestion (spec.md §9: secondary
// indices are "plain maps rebuilt from the primary arena on load").
func (r *Room) LoadSnapshot(snap *Snapshot) error {
	stateBlock := snap.State
	if stateBlock == nil {
		stateBlock = snap.InviteState
		if stateBlock != nil {
			r.mu.Lock()
			r.Join = Invite
			r.mu.Unlock()
		}
	}
	if stateBlock != nil {
		events := make([]*event.Event, 0, len(stateBlock.Events))
		for _, raw := range stateBlock.Events {
			evt, _, err := event.Parse(raw)
			if err != nil {
				continue
			}
			events = append(events, evt)
		}
		r.LoadBaseState(events)
	}

	r.mu.Lock()
	for _, raw := range snap.AccountData.Events {
		evt, _, err := event.Parse(raw)
		if err != nil {
			continue
		}
		r.AccountData[evt.Type] = evt
	}
	r.mu.Unlock()

	for _, raw := range snap.Ephemeral.Events {
		evt, _, err := event.Parse(raw)
		if err != nil {
			continue
		}
		r.applyReceiptEvent(evt)
	}

	stats := StatsFromCachedCounters(snap.UnreadNotifications.NotificationCount, snap.UnreadNotifications.HighlightCount)
	r.mu.Lock()
	r.Stats = stats
	r.PartiallyReadStats = stats
	r.mu.Unlock()

	return nil
}
