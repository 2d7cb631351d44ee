// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mxhttp defines the thin Matrix client-server transport contract
// this engine depends on. It holds interfaces and request/response shapes
// only; the actual HTTP client implementing them is an external
// collaborator (spec.md §1 explicitly excludes "HTTP transport ...
// primitives" from this engine's scope), the same separation gomuks draws
// between pkg/hicli and its maunium.net/go/mautrix client dependency.
package mxhttp

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrAuthFailed marks a transport error as a non-retryable authentication
// failure (expired/invalid access token, e.g. HTTP 401/403) rather than a
// transient network error. The sync orchestrator terminates its retry loop
// on this sentinel instead of backing off (spec.md §4.8 "authentication
// errors terminate the loop and surface the error to the embedder").
// Implementations should wrap such responses with fmt.Errorf("...: %w", ErrAuthFailed).
var ErrAuthFailed = errors.New("mxhttp: authentication failed")

// SendEventResponse is the body of a successful send/redact/state request
// (spec.md §6).
type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// SyncResponse is the decoded body of a `/sync` long-poll (spec.md §6,
// §4.8). Joined/Invited/Left map room id to that room's section.
type SyncResponse struct {
	NextBatch   string                   `json:"next_batch"`
	Rooms       SyncRooms                `json:"rooms"`
	AccountData SyncEvents               `json:"account_data"`
	ToDevice    SyncEvents               `json:"to_device"`
	DeviceLists DeviceLists              `json:"device_lists"`
	Presence    SyncEvents               `json:"presence"`
}

type SyncRooms struct {
	Join   map[string]JoinedRoomSync  `json:"join"`
	Invite map[string]InvitedRoomSync `json:"invite"`
	Leave  map[string]LeftRoomSync    `json:"leave"`
}

// JoinedRoomSync is one room's section of a sync response, preserving
// spec.md §4.8's deterministic dispatch order (state, timeline, ephemeral,
// account-data, summary) as separate fields the sync orchestrator reads in
// that order.
type JoinedRoomSync struct {
	State       SyncEvents  `json:"state"`
	Timeline    Timeline    `json:"timeline"`
	Ephemeral   SyncEvents  `json:"ephemeral"`
	AccountData SyncEvents  `json:"account_data"`
	Summary     RoomSummary `json:"summary"`
}

type InvitedRoomSync struct {
	InviteState SyncEvents `json:"invite_state"`
}

type LeftRoomSync struct {
	State    SyncEvents `json:"state"`
	Timeline Timeline   `json:"timeline"`
}

type Timeline struct {
	Events    []json.RawMessage `json:"events"`
	Limited   bool              `json:"limited"`
	PrevBatch string            `json:"prev_batch"`
}

type SyncEvents struct {
	Events []json.RawMessage `json:"events"`
}

type RoomSummary struct {
	Heroes             []string `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int     `json:"m.invited_member_count,omitempty"`
}

type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// MessagesResponse is the body of `/rooms/{roomId}/messages` (spec.md §6).
type MessagesResponse struct {
	Chunk []json.RawMessage `json:"chunk"`
	Start string            `json:"start"`
	End   string            `json:"end"`
}

// UploadResponse is the body of `/upload` (spec.md §6).
type UploadResponse struct {
	ContentURI string `json:"content_uri"`
}

// ReadMarkers is the body of `/read_markers` (spec.md §6).
type ReadMarkers struct {
	FullyRead string `json:"m.fully_read"`
	Read      string `json:"m.read,omitempty"`
}

// KeysUploadResponse is the body of `/keys/upload` (spec.md §6).
type KeysUploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// Client is the subset of the Matrix client-server API this engine calls.
// An embedder supplies an implementation backed by a real HTTP client (e.g.
// maunium.net/go/mautrix, the way gomuks does); this engine never performs
// HTTP I/O itself.
type Client interface {
	SendEvent(ctx context.Context, roomID, eventType, txnID string, content json.RawMessage) (*SendEventResponse, error)
	SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content json.RawMessage) (*SendEventResponse, error)
	RedactEvent(ctx context.Context, roomID, eventID, txnID string, reason string) (*SendEventResponse, error)
	SetTyping(ctx context.Context, roomID string, typing bool, timeoutMillis int) error
	SetReadMarkers(ctx context.Context, roomID string, markers ReadMarkers) error
	SendReceipt(ctx context.Context, roomID, receiptType, eventID string) error

	Sync(ctx context.Context, since string, timeoutMillis int) (*SyncResponse, error)
	Messages(ctx context.Context, roomID, from string, dir byte, limit int) (*MessagesResponse, error)

	Upload(ctx context.Context, contentType string, size int64, body []byte, progress func(sent, total int64)) (*UploadResponse, error)
	Download(ctx context.Context, serverName, mediaID string) ([]byte, error)

	KeysUpload(ctx context.Context, deviceKeys json.RawMessage, oneTimeKeys json.RawMessage) (*KeysUploadResponse, error)
	KeysQuery(ctx context.Context, userIDs []string) (json.RawMessage, error)
	KeysClaim(ctx context.Context, oneTimeKeys map[string]map[string]string) (json.RawMessage, error)
	SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]json.RawMessage) error

	// UpgradeRoom requests a room version upgrade and returns the new room's
	// id (spec.md §8 scenario 6 "switchVersion").
	UpgradeRoom(ctx context.Context, roomID, newVersion string) (string, error)
}
