// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package client wires the Event Model, Room State Store, Send Pipeline,
// File Transfer Manager, E2EE Session Store and Sync Orchestrator together
// into the single embedder-facing object spec.md §9's "Connection object"
// Open Question asks for. It owns room lifecycle, lazily creates one
// send.Sender per room, and forwards the sync orchestrator's callbacks.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"go.mau.fi/mxcore/pkg/config"
	"go.mau.fi/mxcore/pkg/crypto"
	"go.mau.fi/mxcore/pkg/event"
	"go.mau.fi/mxcore/pkg/mxhttp"
	"go.mau.fi/mxcore/pkg/room"
	"go.mau.fi/mxcore/pkg/send"
	"go.mau.fi/mxcore/pkg/sync"
	"go.mau.fi/mxcore/pkg/transfer"
)

// Connection is one logged-in session against one homeserver account: the
// rooms it knows about, its E2EE identity, its file-transfer manager, and
// the sync loop feeding all of it. One Connection is built per account, the
// way gomuks's HiClient owns one hicli.Client per profile.
type Connection struct {
	UserID string

	transport mxhttp.Client
	cfg       config.Config
	log       zerolog.Logger

	Crypto   *crypto.Store
	Transfer *transfer.Manager

	mu      sync.RWMutex
	rooms   map[string]*room.Room
	senders map[string]*send.Sender

	orchestrator *sync.Orchestrator

	// OnFatal, OnDeviceLists, OnGlobalAccountData and OnToDevice mirror the
	// Orchestrator fields of the same name; set them before calling Run.
	OnFatal             func(err error)
	OnDeviceLists       func(changed, left []string)
	OnGlobalAccountData func(events []*event.Event)
	OnToDevice          func(events []*event.Event)
}

// New constructs a Connection. account is this device's long-term Olm
// identity (see crypto.NewOlmAccount/crypto.UnpickleOlmAccount); since is
// the last persisted next_batch token, or "" for an initial sync; persist is
// invoked after every successfully applied sync response.
func New(ctx context.Context, userID string, transport mxhttp.Client, account *crypto.OlmAccount, cfg config.Config, since string, persist func(nextBatch string) error) *Connection {
	log := zerolog.Ctx(ctx).With().Str("component", "client").Str("user_id", userID).Logger()
	c := &Connection{
		UserID:    userID,
		transport: transport,
		cfg:       cfg,
		log:       log,
		Crypto:    crypto.NewStore(account, log),
		rooms:     make(map[string]*room.Room),
		senders:   make(map[string]*send.Sender),
	}
	c.Transfer = transfer.NewManager(ctx, transport, cfg.Transfer.MaxConcurrentTransfers)

	syncCfg := sync.Config{
		Timeout:    cfg.Sync.Timeout(),
		MinBackoff: cfg.Sync.MinBackoff(),
		MaxBackoff: cfg.Sync.MaxBackoff(),
	}
	o := sync.New(ctx, transport, c, c.Crypto, since, persist, syncCfg)
	o.OnFatal = func(err error) {
		if c.OnFatal != nil {
			c.OnFatal(err)
		}
	}
	o.OnDeviceLists = func(changed, left []string) {
		if c.OnDeviceLists != nil {
			c.OnDeviceLists(changed, left)
		}
	}
	o.OnGlobalAccountData = func(events []*event.Event) {
		if c.OnGlobalAccountData != nil {
			c.OnGlobalAccountData(events)
		}
	}
	o.OnToDevice = func(events []*event.Event) {
		if c.OnToDevice != nil {
			c.OnToDevice(events)
		}
	}
	c.orchestrator = o
	return c
}

// Run starts the sync loop; it blocks until ctx is cancelled or a fatal
// authentication error occurs (spec.md §4.8).
func (c *Connection) Run(ctx context.Context) error {
	return c.orchestrator.Run(ctx)
}

// NextBatch returns the last applied next_batch token.
func (c *Connection) NextBatch() string {
	return c.orchestrator.NextBatch()
}

// EnsureRoom implements sync.RoomStore: it returns the Room for roomID,
// creating an empty one (in Leave state, per room.New) on first reference.
// Newly created rooms inherit this connection's local user id so the
// read-marker and send subsystems can identify the embedder's own events.
func (c *Connection) EnsureRoom(roomID string) *room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[roomID]; ok {
		return r
	}
	r := room.New(context.Background(), roomID)
	r.SetLocalUserID(c.UserID)
	c.rooms[roomID] = r
	return r
}

// Room returns the room for roomID if the connection has seen it.
func (c *Connection) Room(roomID string) (*room.Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[roomID]
	return r, ok
}

// Rooms returns every room this connection currently tracks.
func (c *Connection) Rooms() []*room.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*room.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// Sender returns (creating if necessary) the send.Sender for roomID,
// configured with this connection's uploader and E2EE store (spec.md §4.4,
// §4.7). The room must already be known (via sync or a prior EnsureRoom).
func (c *Connection) Sender(roomID string) (*send.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.senders[roomID]; ok {
		return s, nil
	}
	r, ok := c.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("client: unknown room %s", roomID)
	}
	s := send.NewSender(context.Background(), r, c.transport, c.Transfer)
	s.SetCrypto(c.Crypto, c.cfg.Crypto.RotateAfterMessages, c.cfg.Crypto.RotateAfterMs)
	c.senders[roomID] = s
	return s, nil
}
