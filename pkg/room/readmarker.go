// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package room

// ReadReceipt is (event_id, timestamp) for one user (spec.md §3).
type ReadReceipt struct {
	EventID   string
	Timestamp int64
}

// indexOfLocked returns the timeline index for eventID, or (0, false) if
// the event isn't loaded. Caller must hold r.mu for reading.
func (r *Room) indexOfLocked(eventID string) (int64, bool) {
	if eventID == "" {
		return 0, false
	}
	item, ok := r.eventByID[eventID]
	if !ok {
		return 0, false
	}
	return item.Index, true
}

// ApplyReceipt implements spec.md §4.5's sync-delivered receipt rule: a
// new receipt for userID is adopted only if its event is strictly newer
// (further toward syncEdge) than the one currently stored; otherwise the
// existing value is kept. This is the "Read-marker monotonicity on sync"
// invariant (spec.md §3). It reports whether the stored value changed.
func (r *Room) ApplyReceipt(userID, eventID string, ts int64) bool {
	newIdx, newKnown := func() (int64, bool) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.indexOfLocked(eventID)
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, had := r.Receipts[userID]
	var oldIdx int64
	var oldKnown bool
	if had {
		oldIdx, oldKnown = r.indexOfLocked(existing.EventID)
		// If we can't place either event in the timeline, fall back to
		// comparing timestamps so a monotonic receipt sequence from a
		// room we haven't fully loaded still only moves forward.
		if newKnown && oldKnown {
			if newIdx <= oldIdx {
				return false
			}
		} else if ts <= existing.Timestamp {
			return false
		}
	}
	r.Receipts[userID] = ReadReceipt{EventID: eventID, Timestamp: ts}
	if userID == r.LocalUserID {
		if newKnown {
			r.moveUnreadStatsLocked(oldIdx, oldKnown, newIdx)
		}
		r.pullReceiptToFullyReadLocked()
	}
	return true
}

// SetLocalReceipt is the "manual client override" path available at send
// time (spec.md §3 invariant: "manual client override is allowed at send
// time"): unlike ApplyReceipt, it does not enforce monotonicity against
// the previously stored receipt, since the local client is the authority
// on what it has just sent.
func (r *Room) SetLocalReceipt(eventID string, ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, had := r.Receipts[r.LocalUserID]
	var oldIdx int64
	var oldKnown bool
	if had {
		oldIdx, oldKnown = r.indexOfLocked(existing.EventID)
	}
	r.Receipts[r.LocalUserID] = ReadReceipt{EventID: eventID, Timestamp: ts}
	if newIdx, newKnown := r.indexOfLocked(eventID); newKnown {
		r.moveUnreadStatsLocked(oldIdx, oldKnown, newIdx)
	}
}

// moveUnreadStatsLocked recomputes Stats (the [readReceiptMarker,
// syncEdge) window) when the local user's read receipt advances, using the
// same marker-move heuristic as the fully-read marker (spec.md §4.5,
// SPEC_FULL.md §4). Caller must hold r.mu.
func (r *Room) moveUnreadStatsLocked(oldIdx int64, oldKnown bool, newIdx int64) {
	if !oldKnown {
		oldIdx = newIdx
	}
	r.Stats = UpdateOnMarkerMove(r.Stats, oldIdx, newIdx, r.maxIndex, func(lo, hi int64) EventStats {
		return r.classifyIndexRangeLocked(lo, hi)
	})
	r.enforceStatsInvariantLocked()
}

// AutoPromoteReceipt implements spec.md §4.5 "Auto-promotion": given a
// requested read-receipt position, it advances forward over the local
// user's own subsequent messages, since posting a message implies having
// read everything up to it.
func (r *Room) AutoPromoteReceipt(requestedEventID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.eventByID[requestedEventID]
	if !ok {
		return requestedEventID
	}
	result := item
	for _, next := range r.timeline {
		if next.Index <= result.Index {
			continue
		}
		if next.Event.Sender != r.LocalUserID {
			break
		}
		result = next
	}
	return result.Event.EventID
}

// MarkMessagesAsRead implements `markMessagesAsRead(eventId)` (spec.md
// §4.5): it moves the fully-read marker forward (never backward) and, if
// the marker advances, pulls the local user's read receipt forward too.
// Per spec.md §8 "boundary behaviours", an unknown event id is a no-op
// with a warning.
func (r *Room) MarkMessagesAsRead(eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.eventByID[eventID]; !ok {
		r.log.Warn().Str("event_id", eventID).Msg("markMessagesAsRead: unknown event id")
		return ErrUnknownEvent
	}
	return r.setFullyReadLocked(eventID)
}

// ApplyFullyReadAccountData applies a sync-delivered `m.fully_read`
// account-data update using the same monotonicity rule as a local call.
func (r *Room) ApplyFullyReadAccountData(eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setFullyReadLocked(eventID)
}

// setFullyReadLocked enforces fully-read marker monotonicity (spec.md §4.5,
// §3 invariant) and pulls the read receipt forward if it now lags. Caller
// must hold r.mu.
func (r *Room) setFullyReadLocked(eventID string) error {
	newIdx, newKnown := r.indexOfLocked(eventID)
	if r.FullyReadEventID != "" {
		oldIdx, oldKnown := r.indexOfLocked(r.FullyReadEventID)
		if newKnown && oldKnown && newIdx <= oldIdx {
			r.log.Debug().Str("event_id", eventID).Msg("fully-read marker would move backward; ignored")
			return nil
		}
	}
	oldEventID := r.FullyReadEventID
	r.FullyReadEventID = eventID
	r.pullReceiptToFullyReadLocked()

	if newKnown {
		oldIdx, oldKnown := r.indexOfLocked(oldEventID)
		if !oldKnown {
			oldIdx = newIdx
		}
		r.PartiallyReadStats = UpdateOnMarkerMove(r.PartiallyReadStats, oldIdx, newIdx, r.maxIndex, func(lo, hi int64) EventStats {
			return r.classifyIndexRangeLocked(lo, hi)
		})
		r.enforceStatsInvariantLocked()
	}
	return nil
}

// classifyIndexRangeLocked classifies the half-open timeline index range
// [lo, hi) using the room's classifier. Caller must hold r.mu.
func (r *Room) classifyIndexRangeLocked(lo, hi int64) EventStats {
	classifier := r.classifier()
	var s EventStats
	for _, item := range r.timeline {
		if item.Index < lo || item.Index >= hi {
			continue
		}
		if classifier.IsNotable(item.Event, r.LocalUserID) {
			s.NotableCount++
		}
		if classifier.IsHighlight(item.Event, r.LocalUserID) {
			s.HighlightCount++
		}
	}
	return s
}

// pullReceiptToFullyReadLocked implements "Read receipt ≥ fully-read
// marker" (spec.md §3 invariant): whenever the fully-read marker moves,
// the local user's read receipt is pulled forward if it lags. Caller must
// hold r.mu.
func (r *Room) pullReceiptToFullyReadLocked() {
	if r.FullyReadEventID == "" || r.LocalUserID == "" {
		return
	}
	markerIdx, markerKnown := r.indexOfLocked(r.FullyReadEventID)
	if !markerKnown {
		return
	}
	receipt, had := r.Receipts[r.LocalUserID]
	var oldIdx int64
	var oldKnown bool
	if had {
		oldIdx, oldKnown = r.indexOfLocked(receipt.EventID)
		if oldKnown && oldIdx >= markerIdx {
			return
		}
	}
	r.Receipts[r.LocalUserID] = ReadReceipt{EventID: r.FullyReadEventID, Timestamp: receipt.Timestamp}
	r.moveUnreadStatsLocked(oldIdx, oldKnown, markerIdx)
}
