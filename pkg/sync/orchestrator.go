// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/mxcore/pkg/crypto"
	"go.mau.fi/mxcore/pkg/event"
	"go.mau.fi/mxcore/pkg/mxhttp"
	"go.mau.fi/mxcore/pkg/room"
)

// RoomStore is the Orchestrator's room-lifecycle collaborator: it owns room
// creation and lookup so the orchestrator never has to reach into a
// connection's internals. client.Connection implements this.
type RoomStore interface {
	// EnsureRoom returns the room for roomID, creating an empty one (in
	// Leave state) if it doesn't exist yet.
	EnsureRoom(roomID string) *room.Room
}

// Config bounds the Orchestrator's retry and long-poll behaviour (spec.md
// §4.8, §5 "Timeouts"). Zero-value fields fall back to the defaults below.
type Config struct {
	// Timeout is the server-side `/sync` long-poll timeout.
	Timeout time.Duration
	// MinBackoff/MaxBackoff bound exponential backoff after a network error.
	MinBackoff, MaxBackoff time.Duration
}

const (
	defaultTimeout    = 30 * time.Second
	defaultMinBackoff = 1 * time.Second
	defaultMaxBackoff = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	return c
}

// Orchestrator runs the long-poll `/sync` loop and fans each response out to
// rooms, the E2EE store, and the embedder's callbacks (spec.md §4.8).
type Orchestrator struct {
	transport mxhttp.Client
	rooms     RoomStore
	crypto    *crypto.Store
	log       zerolog.Logger
	cfg       Config

	nextBatch string
	persist   func(nextBatch string) error

	// OnFatal is called once when Run terminates due to an authentication
	// error; err wraps mxhttp.ErrAuthFailed.
	OnFatal func(err error)
	// OnDeviceLists forwards a sync response's `device_lists` block.
	OnDeviceLists func(changed, left []string)
	// OnGlobalAccountData forwards top-level (non-room) account-data events.
	OnGlobalAccountData func(events []*event.Event)
	// OnToDevice forwards to-device events this orchestrator doesn't handle
	// itself. `m.room_key` events carrying a `sender_key` (see
	// event.RoomKeyContent) are ingested directly into the E2EE store and
	// are not forwarded; establishing the 1:1 Olm channel that authenticates
	// a sender's curve25519 key for other to-device types is out of scope
	// here (mirrors spec.md §1's exclusion of transport primitives) and is
	// left entirely to the embedder.
	OnToDevice func(events []*event.Event)
}

// New constructs an Orchestrator. since is the last persisted next_batch
// token, or "" for an initial sync. persist is called with the new token
// after every successfully applied response (spec.md §4.8 "serialises the
// response's next-batch token to the persistent cache on every successful
// apply").
func New(ctx context.Context, transport mxhttp.Client, rooms RoomStore, store *crypto.Store, since string, persist func(nextBatch string) error, cfg Config) *Orchestrator {
	return &Orchestrator{
		transport: transport,
		rooms:     rooms,
		crypto:    store,
		log:       zerolog.Ctx(ctx).With().Str("component", "sync").Logger(),
		cfg:       cfg.withDefaults(),
		nextBatch: since,
		persist:   persist,
	}
}

// NextBatch returns the last applied next_batch token.
func (o *Orchestrator) NextBatch() string {
	return o.nextBatch
}

// Run repeatedly issues `/sync` until ctx is cancelled or an authentication
// error is encountered. Cancelling ctx while a long-poll is in flight
// restarts the loop with the same batch token on the next Run call (spec.md
// §5 "Cancelling a sync request restarts it with the same batch token").
func (o *Orchestrator) Run(ctx context.Context) error {
	backoff := o.cfg.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return ErrStopped
		default:
		}

		resp, err := o.transport.Sync(ctx, o.nextBatch, int(o.cfg.Timeout/time.Millisecond))
		if err != nil {
			if ctx.Err() != nil {
				return ErrStopped
			}
			if errors.Is(err, mxhttp.ErrAuthFailed) {
				o.log.Error().Err(err).Msg("sync authentication failed; stopping")
				if o.OnFatal != nil {
					o.OnFatal(err)
				}
				return err
			}
			o.log.Warn().Err(err).Dur("backoff", backoff).Msg("sync request failed; retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ErrStopped
			}
			backoff *= 2
			if backoff > o.cfg.MaxBackoff {
				backoff = o.cfg.MaxBackoff
			}
			continue
		}
		backoff = o.cfg.MinBackoff

		if err := o.apply(ctx, resp); err != nil {
			o.log.Warn().Err(err).Msg("failed to apply sync response")
			continue
		}
		o.nextBatch = resp.NextBatch
		if o.persist != nil {
			if err := o.persist(o.nextBatch); err != nil {
				o.log.Warn().Err(err).Msg("failed to persist next_batch")
			}
		}
	}
}

// apply dispatches one decoded sync response (spec.md §4.8).
func (o *Orchestrator) apply(ctx context.Context, resp *mxhttp.SyncResponse) error {
	for roomID, joined := range resp.Rooms.Join {
		r := o.rooms.EnsureRoom(roomID)
		r.SetJoin(room.Join)
		if err := o.applyJoinedRoom(ctx, r, joined); err != nil {
			o.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to apply joined room section")
		}
	}
	for roomID, invited := range resp.Rooms.Invite {
		r := o.rooms.EnsureRoom(roomID)
		r.SetJoin(room.Invite)
		events, err := parseEvents(invited.InviteState.Events)
		if err != nil {
			o.log.Warn().Err(err).Str("room_id", roomID).Msg("malformed invite_state event")
		}
		r.ApplyStateDelta(events)
	}
	for roomID, left := range resp.Rooms.Leave {
		r := o.rooms.EnsureRoom(roomID)
		r.SetJoin(room.Leave)
		stateEvents, err := parseEvents(left.State.Events)
		if err != nil {
			o.log.Warn().Err(err).Str("room_id", roomID).Msg("malformed leave state event")
		}
		r.ApplyStateDelta(stateEvents)
		timelineEvents, err := parseEvents(left.Timeline.Events)
		if err != nil {
			o.log.Warn().Err(err).Str("room_id", roomID).Msg("malformed leave timeline event")
		}
		o.decryptEvents(timelineEvents)
		if _, err := r.ApplySync(ctx, timelineEvents); err != nil {
			o.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to apply leave timeline")
		}
	}

	o.applyToDevice(resp.ToDevice.Events)

	if (len(resp.DeviceLists.Changed) > 0 || len(resp.DeviceLists.Left) > 0) && o.OnDeviceLists != nil {
		o.OnDeviceLists(resp.DeviceLists.Changed, resp.DeviceLists.Left)
	}

	if len(resp.AccountData.Events) > 0 && o.OnGlobalAccountData != nil {
		events, err := parseEvents(resp.AccountData.Events)
		if err != nil {
			o.log.Warn().Err(err).Msg("malformed global account data event")
		}
		o.OnGlobalAccountData(events)
	}

	return nil
}

// applyJoinedRoom dispatches one joined room's section in spec.md §4.8's
// fixed order: state → timeline → ephemeral → account-data → summary.
func (o *Orchestrator) applyJoinedRoom(ctx context.Context, r *room.Room, joined mxhttp.JoinedRoomSync) error {
	stateEvents, err := parseEvents(joined.State.Events)
	if err != nil {
		o.log.Warn().Err(err).Msg("malformed state event")
	}
	r.ApplyStateDelta(stateEvents)

	timelineEvents, err := parseEvents(joined.Timeline.Events)
	if err != nil {
		o.log.Warn().Err(err).Msg("malformed timeline event")
	}
	o.decryptEvents(timelineEvents)
	if _, err := r.ApplySync(ctx, timelineEvents); err != nil {
		return err
	}

	ephemeralEvents, err := parseEvents(joined.Ephemeral.Events)
	if err != nil {
		o.log.Warn().Err(err).Msg("malformed ephemeral event")
	}
	r.ApplyEphemeral(ephemeralEvents)

	accountDataEvents, err := parseEvents(joined.AccountData.Events)
	if err != nil {
		o.log.Warn().Err(err).Msg("malformed room account data event")
	}
	r.ApplyAccountData(accountDataEvents)

	if joined.Summary.Heroes != nil || joined.Summary.JoinedMemberCount != nil || joined.Summary.InvitedMemberCount != nil {
		r.SetSummary(joined.Summary.Heroes, intOrZero(joined.Summary.JoinedMemberCount), intOrZero(joined.Summary.InvitedMemberCount))
	}

	return nil
}

// applyToDevice ingests `m.room_key` events carrying a sender_key directly
// into the E2EE store and forwards everything else (including room_key
// events this orchestrator can't authenticate on its own) to OnToDevice.
func (o *Orchestrator) applyToDevice(raw []json.RawMessage) {
	events, err := parseEvents(raw)
	if err != nil {
		o.log.Warn().Err(err).Msg("malformed to-device event")
	}
	var forward []*event.Event
	for _, e := range events {
		if e.Type == "m.room_key" && o.crypto != nil {
			content, ok := e.Parsed().(*event.RoomKeyContent)
			if ok && content.SenderKey != "" {
				if err := o.crypto.IngestRoomKey(content.SenderKey, content); err != nil {
					o.log.Warn().Err(err).Str("session_id", content.SessionID).Msg("failed to ingest room key")
				}
				continue
			}
		}
		forward = append(forward, e)
	}
	if len(forward) > 0 && o.OnToDevice != nil {
		o.OnToDevice(forward)
	}
}

// decryptEvents implements spec.md §4.7's decrypt dispatch for a batch of
// timeline events: each `m.room.encrypted` event is replaced in place by its
// decrypted form when a matching Megolm session is known. An event whose
// session is unknown (spec.md §7 Undecryptable) is left as the encrypted
// envelope; re-decrypting it once the matching `m.room_key` later arrives
// (spec.md §8 scenario 4) is left to the embedder, since nothing here tracks
// which timeline events are waiting on which session.
func (o *Orchestrator) decryptEvents(events []*event.Event) {
	if o.crypto == nil {
		return
	}
	for i, e := range events {
		if e.Type != "m.room.encrypted" {
			continue
		}
		decrypted, err := o.crypto.DecryptRoomEvent(e)
		if err != nil {
			o.log.Warn().Err(err).Str("event_id", e.EventID).Msg("failed to decrypt room event")
			continue
		}
		events[i] = decrypted
	}
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
