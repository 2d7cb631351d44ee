// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package room

import (
	"context"
	"encoding/json"
	"testing"

	"go.mau.fi/mxcore/pkg/event"
)

func mustParse(t *testing.T, raw string) *event.Event {
	t.Helper()
	evt, _, err := event.Parse(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	return evt
}

// TestLocalEchoMerge is spec.md §8 end-to-end scenario 1.
func TestLocalEchoMerge(t *testing.T) {
	r := New(context.Background(), "!room:example.org")
	r.SetLocalUserID("@alice:example.org")

	pending := &PendingEvent{
		Event: &event.Event{
			Type:   "m.room.message",
			Sender: "@alice:example.org",
			RoomID: r.ID,
		},
		TransactionID: "tx1",
		Status:        Submitted,
	}
	r.AddPending(pending)

	evt := mustParse(t, `{"type":"m.room.message","event_id":"$e1","sender":"@alice:example.org","content":{"msgtype":"m.text","body":"hi"},"unsigned":{"transaction_id":"tx1"}}`)

	cs, err := r.ApplySync(context.Background(), []*event.Event{evt})
	if err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	if len(r.Pending()) != 0 {
		t.Fatalf("expected pending list empty, got %d", len(r.Pending()))
	}
	if r.Len() != 1 {
		t.Fatalf("expected timeline len 1, got %d", r.Len())
	}
	item, ok := r.ItemByID("$e1")
	if !ok || item.Index != 0 {
		t.Fatalf("expected $e1 at index 0, got %+v ok=%v", item, ok)
	}
	if !cs.Categories.Has(ChangePending) || !cs.Categories.Has(ChangeTimeline) {
		t.Fatalf("expected pending+timeline change categories, got %v", cs.Categories)
	}
	if len(cs.MergedPending) != 1 || cs.MergedPending[0].Status != ReachedServer {
		t.Fatalf("expected one merged pending event marked ReachedServer, got %+v", cs.MergedPending)
	}
}

// TestRedactionSameBatch is spec.md §8 end-to-end scenario 2.
func TestRedactionSameBatch(t *testing.T) {
	r := New(context.Background(), "!room:example.org")

	a := mustParse(t, `{"type":"m.room.message","event_id":"$a","sender":"@bob:example.org","content":{"msgtype":"m.text","body":"secret"}}`)
	red := mustParse(t, `{"type":"m.room.redaction","event_id":"$r","sender":"@mod:example.org","redacts":"$a","content":{}}`)

	cs, err := r.ApplySync(context.Background(), []*event.Event{a, red})
	if err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected two timeline items, got %d", r.Len())
	}
	item, ok := r.ItemByID("$a")
	if !ok {
		t.Fatalf("expected $a present")
	}
	if string(item.Event.Content) != "{}" {
		t.Fatalf("expected redacted content to be empty object, got %s", item.Event.Content)
	}
	if len(item.Event.Unsigned.RedactedBecause) == 0 {
		t.Fatalf("expected redacted_because to be set")
	}
	if len(cs.RedactedEventIDs) != 1 || cs.RedactedEventIDs[0] != "$a" {
		t.Fatalf("expected RedactedEventIDs=[$a], got %v", cs.RedactedEventIDs)
	}
}

func TestDuplicateEventsDropped(t *testing.T) {
	r := New(context.Background(), "!room:example.org")
	a := mustParse(t, `{"type":"m.room.message","event_id":"$a","sender":"@bob:example.org","content":{"msgtype":"m.text","body":"hi"}}`)

	if _, err := r.ApplySync(context.Background(), []*event.Event{a}); err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	dup := mustParse(t, `{"type":"m.room.message","event_id":"$a","sender":"@bob:example.org","content":{"msgtype":"m.text","body":"hi"}}`)
	cs, err := r.ApplySync(context.Background(), []*event.Event{dup})
	if err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	if !cs.Empty() {
		t.Fatalf("expected no-op changeset for duplicate batch, got %v", cs.Categories)
	}
	if r.Len() != 1 {
		t.Fatalf("expected timeline to still have one item, got %d", r.Len())
	}
}

func TestEmptyBatchProducesNoNotifications(t *testing.T) {
	r := New(context.Background(), "!room:example.org")
	cs, err := r.ApplySync(context.Background(), nil)
	if err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	if !cs.Empty() {
		t.Fatalf("expected empty changeset, got %v", cs.Categories)
	}
}

func TestBackfillAssignsNegativeIndices(t *testing.T) {
	r := New(context.Background(), "!room:example.org")
	forward := mustParse(t, `{"type":"m.room.message","event_id":"$a","sender":"@bob:example.org","content":{"msgtype":"m.text","body":"hi"}}`)
	if _, err := r.ApplySync(context.Background(), []*event.Event{forward}); err != nil {
		t.Fatalf("ApplySync: %v", err)
	}

	// /messages?dir=b batches are newest-first.
	older := mustParse(t, `{"type":"m.room.message","event_id":"$older","sender":"@bob:example.org","content":{"msgtype":"m.text","body":"older"}}`)
	oldest := mustParse(t, `{"type":"m.room.message","event_id":"$oldest","sender":"@bob:example.org","content":{"msgtype":"m.text","body":"oldest"}}`)

	cs, err := r.ApplyBackfill(context.Background(), []*event.Event{older, oldest}, false)
	if err != nil {
		t.Fatalf("ApplyBackfill: %v", err)
	}
	if !cs.Categories.Has(ChangeTimeline) {
		t.Fatalf("expected timeline change category")
	}
	olderItem, _ := r.ItemByID("$older")
	oldestItem, _ := r.ItemByID("$oldest")
	if olderItem.Index != -1 {
		t.Fatalf("expected $older at index -1, got %d", olderItem.Index)
	}
	if oldestItem.Index != -2 {
		t.Fatalf("expected $oldest at index -2, got %d", oldestItem.Index)
	}
	if r.MinIndex() != -2 {
		t.Fatalf("expected MinIndex -2, got %d", r.MinIndex())
	}
}

func TestTimelineIndexMonotonicity(t *testing.T) {
	r := New(context.Background(), "!room:example.org")
	evts := []*event.Event{
		mustParse(t, `{"type":"m.room.message","event_id":"$1","sender":"@a:x","content":{"msgtype":"m.text","body":"1"}}`),
		mustParse(t, `{"type":"m.room.message","event_id":"$2","sender":"@a:x","content":{"msgtype":"m.text","body":"2"}}`),
		mustParse(t, `{"type":"m.room.message","event_id":"$3","sender":"@a:x","content":{"msgtype":"m.text","body":"3"}}`),
	}
	if _, err := r.ApplySync(context.Background(), evts); err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	items := r.Items()
	for i := 1; i < len(items); i++ {
		if items[i].Index <= items[i-1].Index {
			t.Fatalf("expected strictly increasing indices, got %d then %d", items[i-1].Index, items[i].Index)
		}
	}
}

func TestReactionAggregation(t *testing.T) {
	r := New(context.Background(), "!room:example.org")
	msg := mustParse(t, `{"type":"m.room.message","event_id":"$m","sender":"@a:x","content":{"msgtype":"m.text","body":"hi"}}`)
	reaction1 := mustParse(t, `{"type":"m.reaction","event_id":"$r1","sender":"@b:x","content":{"m.relates_to":{"rel_type":"m.annotation","event_id":"$m","key":"👍"}}}`)
	reaction2 := mustParse(t, `{"type":"m.reaction","event_id":"$r2","sender":"@c:x","content":{"m.relates_to":{"rel_type":"m.annotation","event_id":"$m","key":"👍"}}}`)

	if _, err := r.ApplySync(context.Background(), []*event.Event{msg, reaction1, reaction2}); err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	counts := r.ReactionCounts("$m")
	if counts["👍"] != 2 {
		t.Fatalf("expected 2 thumbs-up reactions, got %d", counts["👍"])
	}
}
