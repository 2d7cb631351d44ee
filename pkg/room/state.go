// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package room

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"go.mau.fi/mxcore/pkg/event"
)

// JoinState is the local user's membership in a room (spec.md §3).
type JoinState int

const (
	Leave JoinState = iota
	Join
	Invite
	Knock
)

func (j JoinState) String() string {
	switch j {
	case Join:
		return "join"
	case Invite:
		return "invite"
	case Knock:
		return "knock"
	default:
		return "leave"
	}
}

// stateTuple is the (type, state_key) keyspace shared by base state and
// current state (spec.md §4.2).
type stateTuple struct {
	Type     string
	StateKey string
}

// Summary mirrors the sync `summary` block: heroes and member counts used
// for participant-based naming (spec.md §3, SPEC_FULL.md §4).
type Summary struct {
	Heroes             []string
	JoinedMemberCount   int
	InvitedMemberCount  int
}

// Tag is a room tag entry (`m.tag` account data), e.g. `m.favourite`.
type Tag struct {
	Order *float64
}

// Room is the Room State Store + Timeline Engine + Read-Marker/Unread-Stats
// state for a single room (spec.md §3 "Room"). All mutation happens on the
// owning connection's single-threaded event loop (spec.md §5); mu guards
// only the fields external callers may read off-loop via a snapshot.
type Room struct {
	ID   string
	Join JoinState

	baseState    map[stateTuple]*event.Event
	currentState map[stateTuple]*event.Event
	stateStubs   map[stateTuple]*event.Event

	timeline    []*TimelineItem
	eventByID   map[string]*TimelineItem
	relations   map[relKey][]*event.Event

	pending []*PendingEvent

	InvitedUsers map[string]struct{}
	LeftUsers    map[string]struct{}

	Summary     Summary
	AccountData map[string]*event.Event
	Tags        map[string]Tag

	Receipts         map[string]ReadReceipt // user id -> receipt
	FullyReadEventID string

	Stats              EventStats // unreadStats: [readReceiptMarker, syncEdge)
	PartiallyReadStats EventStats // [fullyReadMarker, syncEdge)

	LocalUserID string
	Classifier  Classifier

	allHistoryLoaded bool

	minIndex int64
	maxIndex int64
	empty    bool

	log zerolog.Logger
	mu  sync.RWMutex
}

// SetLocalUserID records the embedder's own user id, used by the default
// notable/highlight classifier and by auto-promotion (spec.md §4.5).
func (r *Room) SetLocalUserID(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LocalUserID = userID
}

// SetClassifier installs the notable/highlight policy function. The exact
// rules are left to the embedder (spec.md §9 Open Questions); DefaultClassifier
// is used when none is set.
func (r *Room) SetClassifier(c Classifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Classifier = c
}

func (r *Room) classifier() Classifier {
	if r.Classifier != nil {
		return r.Classifier
	}
	return DefaultClassifier{}
}

// relKey indexes relations (reactions, threaded replies) by target event
// and relation type (spec.md §4.3.5).
type relKey struct {
	TargetEventID string
	RelType       string
}

// New constructs an empty Room ready to receive base state and sync deltas.
func New(ctx context.Context, roomID string) *Room {
	return &Room{
		ID:           roomID,
		Join:         Leave,
		baseState:    make(map[stateTuple]*event.Event),
		currentState: make(map[stateTuple]*event.Event),
		stateStubs:   make(map[stateTuple]*event.Event),
		eventByID:    make(map[string]*TimelineItem),
		relations:    make(map[relKey][]*event.Event),
		InvitedUsers: make(map[string]struct{}),
		LeftUsers:    make(map[string]struct{}),
		AccountData:  make(map[string]*event.Event),
		Tags:         make(map[string]Tag),
		Receipts:     make(map[string]ReadReceipt),
		empty:        true,
		log:          zerolog.Ctx(ctx).With().Str("component", "room").Str("room_id", roomID).Logger(),
	}
}

// CurrentState implements `currentState(type, stateKey)` (spec.md §4.2): it
// returns the live event if one exists, otherwise synthesises and caches a
// stub with empty content so repeated lookups return the same instance.
// Stubs are never included in a persisted snapshot.
func (r *Room) CurrentState(evtType, stateKey string) *event.Event {
	r.mu.RLock()
	t := stateTuple{evtType, stateKey}
	if e, ok := r.currentState[t]; ok {
		r.mu.RUnlock()
		return e
	}
	if stub, ok := r.stateStubs[t]; ok {
		r.mu.RUnlock()
		return stub
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under write lock in case of a race between RUnlock and Lock.
	if e, ok := r.currentState[t]; ok {
		return e
	}
	if stub, ok := r.stateStubs[t]; ok {
		return stub
	}
	sk := stateKey
	stub := &event.Event{
		Type:     evtType,
		RoomID:   r.ID,
		StateKey: &sk,
		Content:  []byte(`{}`),
	}
	r.stateStubs[t] = stub
	return stub
}

// StateEventsOfType implements `stateEventsOfType(type) → [event]`.
func (r *Room) StateEventsOfType(evtType string) []*event.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*event.Event
	for t, e := range r.currentState {
		if t.Type == evtType {
			out = append(out, e)
		}
	}
	return out
}

// BaseStateEvent returns the snapshot-restore base-state entry for
// (type, stateKey), if any.
func (r *Room) BaseStateEvent(evtType, stateKey string) (*event.Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.baseState[stateTuple{evtType, stateKey}]
	return e, ok
}

// LoadBaseState seeds both base state and current state from a persisted
// snapshot (spec.md §6 "Persistent room snapshot"). It must be called
// before any sync/backfill ingestion.
func (r *Room) LoadBaseState(events []*event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range events {
		if !e.IsState() {
			continue
		}
		t := stateTuple{e.Type, *e.StateKey}
		r.baseState[t] = e
		r.currentState[t] = e
	}
}

// ApplyStateDelta applies a sync response's `state` section (spec.md §4.8
// dispatch order step 1): state events that precede the visible timeline
// window and carry no defined ordering relative to it. Unlike ApplySync,
// these never become TimelineItems — only currentState (and anything it
// drives, e.g. membership sets) is updated.
func (r *Room) ApplyStateDelta(events []*event.Event) *ChangeSet {
	cs := &ChangeSet{}
	r.mu.Lock()
	for _, e := range events {
		cat := r.applyStateLocked(e, false)
		cs.mark(cat)
	}
	r.mu.Unlock()
	return cs
}

// SetJoin records the local user's membership in the room, e.g. on
// invite/leave/join transitions surfaced by a sync response's top-level
// per-room sections (spec.md §4.8).
func (r *Room) SetJoin(j JoinState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Join = j
}

// applyStateLocked updates currentState for a single state event and
// returns which change category it belongs to (spec.md §4.3.1 step 3). The
// caller must hold r.mu for writing.
func (r *Room) applyStateLocked(e *event.Event, backward bool) ChangeCategory {
	if !e.IsState() {
		return 0
	}
	t := stateTuple{e.Type, *e.StateKey}
	if backward {
		if _, exists := r.currentState[t]; exists {
			return 0
		}
	}
	r.currentState[t] = e
	delete(r.stateStubs, t)

	switch e.Type {
	case "m.room.name":
		return ChangeName
	case "m.room.canonical_alias":
		return ChangeAliases
	case "m.room.topic":
		return ChangeTopic
	case "m.room.avatar":
		return ChangeAvatar
	case "m.room.member":
		r.applyMembershipLocked(e)
		return ChangeMembers
	case "m.room.encryption":
		return ChangeEncryption
	default:
		return ChangeOther
	}
}

func (r *Room) applyMembershipLocked(e *event.Event) {
	stateKey := ""
	if e.StateKey != nil {
		stateKey = *e.StateKey
	}
	membership, _ := e.Parsed().(*event.MemberContent)
	var m string
	if membership != nil {
		m = membership.Membership
	}
	switch m {
	case "invite":
		r.InvitedUsers[stateKey] = struct{}{}
		delete(r.LeftUsers, stateKey)
	case "leave", "ban":
		r.LeftUsers[stateKey] = struct{}{}
		delete(r.InvitedUsers, stateKey)
	case "join":
		delete(r.InvitedUsers, stateKey)
		delete(r.LeftUsers, stateKey)
	}
}
