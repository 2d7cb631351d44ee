// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package room

import (
	"context"
	"testing"

	"go.mau.fi/mxcore/pkg/event"
)

func TestNameExplicitTakesPrecedence(t *testing.T) {
	r := New(context.Background(), "!room:example.org")
	named := mustParse(t, `{"type":"m.room.name","event_id":"$n","state_key":"","content":{"name":"Engineering"}}`)
	if _, err := r.ApplySync(context.Background(), []*event.Event{named}); err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	if r.Name() != "Engineering" {
		t.Fatalf("expected explicit room name, got %q", r.Name())
	}
}

func TestParticipantNameFromHeroes(t *testing.T) {
	r := New(context.Background(), "!room:example.org")
	r.SetLocalUserID("@me:example.org")
	r.SetSummary([]string{"@alice:example.org", "@bob:example.org"}, 3, 0)

	alice := mustParse(t, `{"type":"m.room.member","event_id":"$a","state_key":"@alice:example.org","content":{"membership":"join","displayname":"Alice"}}`)
	bob := mustParse(t, `{"type":"m.room.member","event_id":"$b","state_key":"@bob:example.org","content":{"membership":"join","displayname":"Bob"}}`)
	if _, err := r.ApplySync(context.Background(), []*event.Event{alice, bob}); err != nil {
		t.Fatalf("ApplySync: %v", err)
	}

	name := r.Name()
	if name != "Alice, Bob" {
		t.Fatalf("expected 'Alice, Bob', got %q", name)
	}
}

func TestParticipantNameExcludesFunctionalMembers(t *testing.T) {
	r := New(context.Background(), "!room:example.org")
	r.SetLocalUserID("@me:example.org")
	r.SetSummary([]string{"@bot:example.org", "@bob:example.org"}, 3, 0)

	functional := mustParse(t, `{"type":"io.element.functional_members","event_id":"$f","state_key":"","content":{"service_members":["@bot:example.org"]}}`)
	bob := mustParse(t, `{"type":"m.room.member","event_id":"$b","state_key":"@bob:example.org","content":{"membership":"join","displayname":"Bob"}}`)
	if _, err := r.ApplySync(context.Background(), []*event.Event{functional, bob}); err != nil {
		t.Fatalf("ApplySync: %v", err)
	}

	if name := r.Name(); name != "Bob" {
		t.Fatalf("expected 'Bob' with bot excluded, got %q", name)
	}
}
