// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package room

import (
	"bytes"
	"context"
	"time"

	"go.mau.fi/mxcore/pkg/event"
)

// TimelineItem is an (event, index) pair (spec.md §3). Its index never
// changes after insertion; its Event may be replaced in place by redaction
// or replacement.
type TimelineItem struct {
	Event *event.Event
	Index int64
}

// DeliveryStatus is a PendingEvent's lifecycle stage (spec.md §3).
type DeliveryStatus int

const (
	Submitted DeliveryStatus = iota
	FileUploaded
	Departed
	ReachedServer
	SendingFailed
)

func (d DeliveryStatus) String() string {
	switch d {
	case FileUploaded:
		return "file_uploaded"
	case Departed:
		return "departed"
	case ReachedServer:
		return "reached_server"
	case SendingFailed:
		return "sending_failed"
	default:
		return "submitted"
	}
}

// PendingEvent is a locally created event awaiting server acknowledgement
// (spec.md §3).
type PendingEvent struct {
	Event         *event.Event
	TransactionID string
	Status        DeliveryStatus
	LastUpdated   time.Time
	Annotation    string
}

// ChangeCategory is a bitmask of what an ingestion call changed, replacing
// the source's signal/slot emissions with an explicit value the embedder
// dispatches to its own subscribers (spec.md §9 "Signal/slot
// notifications").
type ChangeCategory uint32

const (
	ChangeName ChangeCategory = 1 << iota
	ChangeAliases
	ChangeTopic
	ChangeAvatar
	ChangeMembers
	ChangeEncryption
	ChangeOther
	ChangeTimeline
	ChangePending
	ChangeRelations
	ChangeCall
	ChangeStats
)

func (c ChangeCategory) Has(flag ChangeCategory) bool { return c&flag != 0 }

// ChangeSet is the result of an ingestion call (spec.md §4.3.1 step 7).
type ChangeSet struct {
	Categories ChangeCategory

	// AddedLo/AddedHi bound the inclusive range of newly inserted timeline
	// indices, valid only when Categories.Has(ChangeTimeline).
	AddedLo, AddedHi int64

	MergedPending    []*PendingEvent
	RedactedEventIDs []string
	ReplacedEventIDs []string
}

func (c *ChangeSet) mark(cat ChangeCategory) { c.Categories |= cat }

// Empty reports whether nothing changed, used to satisfy "Empty batches
// from sync produce no notifications" (spec.md §8).
func (c *ChangeSet) Empty() bool { return c.Categories == 0 }

// MinIndex/MaxIndex report the timeline's current index bounds. Both are 0
// for an empty timeline but IsEmpty() must be checked before relying on
// that.
func (r *Room) MinIndex() int64 { r.mu.RLock(); defer r.mu.RUnlock(); return r.minIndex }
func (r *Room) MaxIndex() int64 { r.mu.RLock(); defer r.mu.RUnlock(); return r.maxIndex }
func (r *Room) IsEmpty() bool   { r.mu.RLock(); defer r.mu.RUnlock(); return r.empty }
func (r *Room) AllHistoryLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allHistoryLoaded
}

// Len returns the number of items currently in the timeline.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.timeline)
}

// ItemByID looks up a timeline item by event id in O(1) (spec.md §4.3.5).
func (r *Room) ItemByID(eventID string) (*TimelineItem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.eventByID[eventID]
	return item, ok
}

// Items returns a snapshot slice of the timeline ordered by index. Callers
// must not mutate the returned slice's events concurrently with the owning
// connection's event loop (spec.md §5).
func (r *Room) Items() []*TimelineItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TimelineItem, len(r.timeline))
	copy(out, r.timeline)
	return out
}

// Pending returns a snapshot of the pending-event list in submission order.
func (r *Room) Pending() []*PendingEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PendingEvent, len(r.pending))
	copy(out, r.pending)
	return out
}

// AddPending appends a newly submitted pending event (send.go calls this).
func (r *Room) AddPending(pe *PendingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, pe)
}

// FindPendingByTxnID returns the pending event with the given transaction
// id, if still pending.
func (r *Room) FindPendingByTxnID(txnID string) (*PendingEvent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pe := range r.pending {
		if pe.TransactionID == txnID {
			return pe, true
		}
	}
	return nil, false
}

// RemovePending removes a pending event by transaction id, e.g. on
// discard() (spec.md §4.4). Reports whether one was found and removed.
func (r *Room) RemovePending(txnID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, pe := range r.pending {
		if pe.TransactionID == txnID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return true
		}
	}
	return false
}

// relationsFor returns the relations targeting eventID with the given rel
// type, e.g. reactions (`m.annotation`) or threaded replies (`m.thread`).
func (r *Room) relationsFor(eventID, relType string) []*event.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relations[relKey{eventID, relType}]
}

func (r *Room) addRelationLocked(e *event.Event) {
	content, ok := e.Parsed().(*event.ReactionContent)
	if !ok || content.RelatesTo == nil || content.RelatesTo.EventID == "" {
		return
	}
	key := relKey{content.RelatesTo.EventID, content.RelatesTo.RelType}
	r.relations[key] = append(r.relations[key], e)
}

func (r *Room) removeRelationLocked(e *event.Event) {
	content, ok := e.Parsed().(*event.ReactionContent)
	if !ok || content.RelatesTo == nil || content.RelatesTo.EventID == "" {
		return
	}
	key := relKey{content.RelatesTo.EventID, content.RelatesTo.RelType}
	list := r.relations[key]
	for i, rel := range list {
		if rel.EventID == e.EventID {
			r.relations[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// ReactionCounts aggregates the annotation relations on eventID by key,
// grounded on gomuks's database.GetReactions (SPEC_FULL.md §4 "Reaction
// aggregation").
func (r *Room) ReactionCounts(eventID string) map[string]int {
	rels := r.relationsFor(eventID, event.RelAnnotation)
	counts := make(map[string]int, len(rels))
	for _, rel := range rels {
		if c, ok := rel.Parsed().(*event.ReactionContent); ok && c.RelatesTo != nil {
			counts[c.RelatesTo.Key]++
		}
	}
	return counts
}

// echoMatch implements the echo-match predicate of spec.md §4.3.1 step 4.
func echoMatch(pe *PendingEvent, e *event.Event) bool {
	if pe.Event.Type != e.Type {
		return false
	}
	if pe.Event.EventID != "" && e.EventID != "" {
		return pe.Event.EventID == e.EventID
	}
	if pe.TransactionID != "" && e.TransactionID() != "" {
		return pe.TransactionID == e.TransactionID()
	}
	if e.IsState() {
		return pe.Event.StateKey != nil && *pe.Event.StateKey == *e.StateKey
	}
	return bytes.Equal(bytes.TrimSpace(pe.Event.Content), bytes.TrimSpace(e.Content))
}

// dedup drops events already present in the timeline and duplicate ids
// within the batch itself, preserving order (spec.md §4.3.1 step 1,
// §4.3.2 "Deduplicate as above").
func (r *Room) dedup(batch []*event.Event) []*event.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(batch))
	out := make([]*event.Event, 0, len(batch))
	for _, e := range batch {
		if e.EventID == "" {
			out = append(out, e)
			continue
		}
		if _, exists := r.eventByID[e.EventID]; exists {
			continue
		}
		if _, dup := seen[e.EventID]; dup {
			continue
		}
		seen[e.EventID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// preprocessEdits implements spec.md §4.3.1 step 2 / §4.3.3 / §4.3.4: for
// each redaction or replacement event in the batch, it tries to apply the
// edit against the existing timeline; failing that, if the target is also
// present anywhere in the batch, it rewrites the batch in place so the
// later insertion stores the post-edit form. Either way the redaction/edit
// event itself is still inserted as its own timeline entry alongside the
// now-edited target (spec.md §8 scenario 2: "the timeline has two items").
// It is dropped only when no target can be found anywhere (§4.3.4 "arriving
// before their target are dropped with a warning").
//
// Rewrites against the batch are resolved in a first pass, over the whole
// batch, before out is built in a second pass: building out incrementally
// in a single pass would capture the target's pre-rewrite pointer whenever
// the target precedes its redaction/edit within the same batch, silently
// discarding the in-place mutation rewriteTarget makes to a later slot.
func (r *Room) preprocessEdits(batch []*event.Event, cs *ChangeSet) []*event.Event {
	drop := make(map[int]bool, len(batch))
	for i, e := range batch {
		if e.Type == "m.room.redaction" && e.Redacts != "" {
			if r.redactInPlace(e, cs) {
				continue
			}
			if rewriteTarget(batch, e.Redacts, func(target *event.Event) *event.Event {
				return ApplyRedaction(target, e)
			}) {
				cs.RedactedEventIDs = append(cs.RedactedEventIDs, e.Redacts)
				continue
			}
			r.log.Warn().Str("redacts", e.Redacts).Msg("redaction target not found; dropping")
			drop[i] = true
			continue
		}
		if msg, ok := e.Parsed().(*event.MessageContent); ok && msg.IsEdit() {
			target := msg.RelatesTo.EventID
			if r.replaceInPlace(target, e, cs) {
				continue
			}
			if rewriteTarget(batch, target, func(t *event.Event) *event.Event {
				return ApplyReplacement(t, e)
			}) {
				continue
			}
			r.log.Warn().Str("replaces", target).Msg("edit target not found; dropping")
			drop[i] = true
			continue
		}
	}
	out := make([]*event.Event, 0, len(batch))
	for i, e := range batch {
		if drop[i] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// rewriteTarget finds the first event with the given id anywhere in batch and
// replaces it in place via transform; reports whether it found one.
func rewriteTarget(batch []*event.Event, targetID string, transform func(*event.Event) *event.Event) bool {
	for i, e := range batch {
		if e.EventID == targetID {
			batch[i] = transform(e)
			return true
		}
	}
	return false
}

// redactInPlace applies a redaction against an event already stored in the
// timeline; reports whether the target was found.
func (r *Room) redactInPlace(redaction *event.Event, cs *ChangeSet) bool {
	r.mu.Lock()
	item, ok := r.eventByID[redaction.Redacts]
	if !ok {
		r.mu.Unlock()
		return false
	}
	before := item.Event
	item.Event = ApplyRedaction(before, redaction)
	r.mu.Unlock()

	if before.IsState() {
		r.mu.Lock()
		cat := r.applyStateLocked(item.Event, false)
		r.mu.Unlock()
		cs.mark(cat)
	}
	if content, ok := before.Parsed().(*event.ReactionContent); ok && content.RelatesTo != nil {
		r.mu.Lock()
		r.removeRelationLocked(before)
		r.mu.Unlock()
		cs.mark(ChangeRelations)
	}
	cs.RedactedEventIDs = append(cs.RedactedEventIDs, redaction.Redacts)
	return true
}

// replaceInPlace applies an edit against an event already stored in the
// timeline; reports whether the target was found.
func (r *Room) replaceInPlace(targetID string, edit *event.Event, cs *ChangeSet) bool {
	r.mu.Lock()
	item, ok := r.eventByID[targetID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	item.Event = ApplyReplacement(item.Event, edit)
	r.mu.Unlock()
	cs.ReplacedEventIDs = append(cs.ReplacedEventIDs, targetID)
	cs.mark(ChangeRelations)
	return true
}

// mergePending implements spec.md §4.3.1 step 4: events in the batch whose
// echo matches a pending entry mark that entry ReachedServer and remove it
// from the pending list. The server event remains in the batch for normal
// insertion.
func (r *Room) mergePending(batch []*event.Event, cs *ChangeSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range batch {
		for i := 0; i < len(r.pending); i++ {
			pe := r.pending[i]
			if !echoMatch(pe, e) {
				continue
			}
			pe.Status = ReachedServer
			pe.Event.EventID = e.EventID
			pe.LastUpdated = timeNow()
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			cs.MergedPending = append(cs.MergedPending, pe)
			cs.mark(ChangePending)
			break
		}
	}
}

// ApplySync implements spec.md §4.3.1, the seven-step forward ingestion
// procedure run against one room's section of a sync response.
func (r *Room) ApplySync(ctx context.Context, batch []*event.Event) (*ChangeSet, error) {
	cs := &ChangeSet{}
	batch = r.dedup(batch)
	if len(batch) == 0 {
		return cs, nil
	}
	batch = r.preprocessEdits(batch, cs)

	r.mu.Lock()
	for _, e := range batch {
		if e.IsState() {
			cat := r.applyStateLocked(e, false)
			cs.mark(cat)
		}
	}
	r.mu.Unlock()

	r.mergePending(batch, cs)

	if len(batch) == 0 {
		return cs, nil
	}

	r.mu.Lock()
	startIdx := r.maxIndex + 1
	if r.empty {
		startIdx = 0
	}
	idx := startIdx
	addedRelation := false
	for _, e := range batch {
		item := &TimelineItem{Event: e, Index: idx}
		r.timeline = append(r.timeline, item)
		if e.EventID != "" {
			r.eventByID[e.EventID] = item
		}
		if _, ok := e.Parsed().(*event.ReactionContent); ok {
			addedRelation = true
		}
		r.addRelationLocked(e)
		idx++
	}
	r.maxIndex = idx - 1
	if r.empty {
		r.minIndex = startIdx
	}
	r.empty = false
	r.mu.Unlock()

	cs.mark(ChangeTimeline)
	cs.AddedLo, cs.AddedHi = startIdx, idx-1
	if addedRelation {
		cs.mark(ChangeRelations)
	}

	statsCS := r.updateStatsOnInsert(batch)
	if statsCS {
		cs.mark(ChangeStats)
	}

	if r.isCallCapable() {
		for _, e := range batch {
			if e.Class == event.CallEventClass {
				cs.mark(ChangeCall)
				break
			}
		}
	}

	return cs, nil
}

// isCallCapable reports whether the room supports call events: exactly two
// joined members (spec.md §4.3.1 step 7).
func (r *Room) isCallCapable() bool {
	joined := 0
	for _, e := range r.StateEventsOfType("m.room.member") {
		if m, ok := e.Parsed().(*event.MemberContent); ok && m.Membership == "join" {
			joined++
		}
	}
	return joined == 2
}

// ApplyBackfill implements spec.md §4.3.2, historical (backward) ingestion
// from a `/messages?dir=b` response.
func (r *Room) ApplyBackfill(ctx context.Context, batch []*event.Event, reachedCreate bool) (*ChangeSet, error) {
	cs := &ChangeSet{}
	batch = r.dedup(batch)
	if len(batch) == 0 {
		if reachedCreate {
			r.mu.Lock()
			r.allHistoryLoaded = true
			r.mu.Unlock()
		}
		return cs, nil
	}

	r.mu.Lock()
	for _, e := range batch {
		if e.IsState() {
			cat := r.applyStateLocked(e, true)
			cs.mark(cat)
		}
	}

	startIdx := r.minIndex - 1
	if r.empty {
		startIdx = -1
	}
	idx := startIdx
	// Insert in reverse so the oldest event in the batch gets the lowest
	// index (batch is ordered newest-first per /messages?dir=b).
	inserted := make([]*TimelineItem, 0, len(batch))
	for _, e := range batch {
		item := &TimelineItem{Event: e, Index: idx}
		inserted = append(inserted, item)
		if e.EventID != "" {
			r.eventByID[e.EventID] = item
		}
		r.addRelationLocked(e)
		idx--
	}
	// Prepend in correct order (lowest index first).
	r.timeline = append(reverseItems(inserted), r.timeline...)
	r.minIndex = idx + 1
	if r.empty {
		r.maxIndex = startIdx
	}
	r.empty = false
	if reachedCreate {
		r.allHistoryLoaded = true
	}
	r.mu.Unlock()

	cs.mark(ChangeTimeline)
	cs.AddedLo, cs.AddedHi = idx+1, startIdx
	return cs, nil
}

func reverseItems(items []*TimelineItem) []*TimelineItem {
	out := make([]*TimelineItem, len(items))
	for i, item := range items {
		out[len(items)-1-i] = item
	}
	return out
}

// timeNow is a seam so tests can control PendingEvent.LastUpdated without
// depending on wall-clock time.
var timeNow = time.Now
