// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package room

import "go.mau.fi/mxcore/pkg/event"

// EventStats is (notableCount, highlightCount, isEstimate) (spec.md §3).
type EventStats struct {
	NotableCount   int
	HighlightCount int
	IsEstimate     bool
}

// add combines the counts of two adjacent, non-overlapping ranges. The
// result is exact only if both inputs are.
func (s EventStats) add(other EventStats) EventStats {
	return EventStats{
		NotableCount:   s.NotableCount + other.NotableCount,
		HighlightCount: s.HighlightCount + other.HighlightCount,
		IsEstimate:     s.IsEstimate || other.IsEstimate,
	}
}

func (s EventStats) sub(other EventStats) EventStats {
	notable := s.NotableCount - other.NotableCount
	if notable < 0 {
		notable = 0
	}
	highlight := s.HighlightCount - other.HighlightCount
	if highlight < 0 {
		highlight = 0
	}
	return EventStats{NotableCount: notable, HighlightCount: highlight, IsEstimate: s.IsEstimate || other.IsEstimate}
}

// Classifier decides whether an event counts toward unread statistics
// (spec.md §4.5, §9 Open Questions: "the classifier [is] a policy function
// configurable by the embedder").
type Classifier interface {
	// IsNotable reports whether e should bump the notable counter for
	// localUserID's perspective.
	IsNotable(e *event.Event, localUserID string) bool
	// IsHighlight reports whether e should bump the highlight counter.
	// Per spec.md §9, highlight counting is ordinarily delegated to the
	// server (push rules); local computation is a non-goal, so the
	// default classifier always returns false and an embedder that wants
	// local highlight detection supplies its own Classifier.
	IsHighlight(e *event.Event, localUserID string) bool
}

// DefaultClassifier implements the baseline notable rule spelled out in
// spec.md §4.5: non-redacted, non-notice, non-own messages.
type DefaultClassifier struct{}

func (DefaultClassifier) IsNotable(e *event.Event, localUserID string) bool {
	if e.IsRedacted() || e.Sender == localUserID {
		return false
	}
	if e.Type != "m.room.message" {
		return false
	}
	msg, ok := e.Parsed().(*event.MessageContent)
	if !ok {
		return false
	}
	return msg.MsgType != event.MsgNotice
}

func (DefaultClassifier) IsHighlight(*event.Event, string) bool { return false }

// classifyRange counts notable/highlight events among batch from the
// perspective of localUserID. The result is always exact (IsEstimate
// false) since it only ever sees events actually loaded in memory.
func classifyRange(c Classifier, batch []*event.Event, localUserID string) EventStats {
	var s EventStats
	for _, e := range batch {
		if c.IsNotable(e, localUserID) {
			s.NotableCount++
		}
		if c.IsHighlight(e, localUserID) {
			s.HighlightCount++
		}
	}
	return s
}

// updateStatsOnInsert implements spec.md §4.3.1 step 6: newly inserted
// events are added to Stats (the window after the read receipt) and/or
// PartiallyReadStats (the window after the fully-read marker) depending on
// where they land relative to those markers. Since insertion always
// happens at the syncEdge, a newly inserted batch lies after both markers
// whenever the markers already point earlier than syncEdge -- which is
// always true right after insertion, since the markers cannot point past
// an event that doesn't exist yet.
func (r *Room) updateStatsOnInsert(batch []*event.Event) bool {
	r.mu.Lock()
	localUserID := r.LocalUserID
	classifier := r.classifier()
	r.mu.Unlock()

	delta := classifyRange(classifier, batch, localUserID)
	if delta.NotableCount == 0 && delta.HighlightCount == 0 {
		return false
	}

	r.mu.Lock()
	r.Stats = r.Stats.add(delta)
	r.PartiallyReadStats = r.PartiallyReadStats.add(delta)
	r.enforceStatsInvariantLocked()
	r.mu.Unlock()
	return true
}

// enforceStatsInvariantLocked implements spec.md §4.5 "Invariant check":
// partiallyReadStats must be >= unreadStats component-wise; if a bug or a
// marker race ever violates that, widen PartiallyReadStats upward and mark
// it an estimate rather than surface an inconsistent pair to callers. The
// caller must hold r.mu.
func (r *Room) enforceStatsInvariantLocked() {
	if r.PartiallyReadStats.NotableCount < r.Stats.NotableCount {
		r.PartiallyReadStats.NotableCount = r.Stats.NotableCount
		r.PartiallyReadStats.IsEstimate = true
	}
	if r.PartiallyReadStats.HighlightCount < r.Stats.HighlightCount {
		r.PartiallyReadStats.HighlightCount = r.Stats.HighlightCount
		r.PartiallyReadStats.IsEstimate = true
	}
}

// StatsFromCachedCounters implements the exact rule in
// original_source/Quotient/eventstats.cpp `fromCachedCounters` and
// spec.md §6: a cached notable counter serialised as -1 means "no notable
// events, exact"; any other non-negative value is an estimate until the
// first in-timeline marker-move recomputes it exactly.
func StatsFromCachedCounters(notable, highlight int) EventStats {
	if notable == -1 {
		return EventStats{NotableCount: 0, HighlightCount: 0, IsEstimate: false}
	}
	if notable < 0 {
		notable = 0
	}
	if highlight < 0 {
		highlight = 0
	}
	return EventStats{NotableCount: notable, HighlightCount: highlight, IsEstimate: true}
}

// UpdateOnMarkerMove implements original_source/Quotient/eventstats.cpp's
// updateOnMarkerMove heuristic (SPEC_FULL.md §4): when a marker advances
// from oldIndex to newIndex with syncEdge known, prefer subtracting the
// stats of the now-excluded range [oldIndex, newIndex) when that range is
// cheap relative to recomputing [newIndex, syncEdge) from scratch.
//
// classify must return the exact stats for the half-open index range
// [lo, hi) it is asked about; it is the caller's job to only invoke this
// when that range is available in memory (i.e. both bounds are loaded).
func UpdateOnMarkerMove(current EventStats, oldIndex, newIndex, syncEdge int64, classify func(lo, hi int64) EventStats) EventStats {
	if newIndex <= oldIndex {
		return current
	}
	movedDistance := newIndex - oldIndex
	remainingDistance := syncEdge - newIndex
	if movedDistance*2 < remainingDistance {
		excluded := classify(oldIndex, newIndex)
		return current.sub(excluded)
	}
	return classify(newIndex, syncEdge+1)
}
