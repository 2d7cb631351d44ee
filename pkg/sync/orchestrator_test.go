// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/mxcore/pkg/crypto"
	"go.mau.fi/mxcore/pkg/event"
	"go.mau.fi/mxcore/pkg/mxhttp"
	"go.mau.fi/mxcore/pkg/room"
)

type step struct {
	resp *mxhttp.SyncResponse
	err  error
}

type fakeTransport struct {
	steps []step
	i     int
}

func (f *fakeTransport) SendEvent(ctx context.Context, roomID, eventType, txnID string, content json.RawMessage) (*mxhttp.SendEventResponse, error) {
	return &mxhttp.SendEventResponse{}, nil
}
func (f *fakeTransport) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content json.RawMessage) (*mxhttp.SendEventResponse, error) {
	return &mxhttp.SendEventResponse{}, nil
}
func (f *fakeTransport) RedactEvent(ctx context.Context, roomID, eventID, txnID, reason string) (*mxhttp.SendEventResponse, error) {
	return &mxhttp.SendEventResponse{}, nil
}
func (f *fakeTransport) SetTyping(ctx context.Context, roomID string, typing bool, timeoutMillis int) error {
	return nil
}
func (f *fakeTransport) SetReadMarkers(ctx context.Context, roomID string, markers mxhttp.ReadMarkers) error {
	return nil
}
func (f *fakeTransport) SendReceipt(ctx context.Context, roomID, receiptType, eventID string) error {
	return nil
}
// Sync returns the next queued step. Once the queue is exhausted it blocks
// until ctx is cancelled, mimicking a long-poll that the test ends by timing
// out the context rather than by queuing an infinite number of responses.
func (f *fakeTransport) Sync(ctx context.Context, since string, timeoutMillis int) (*mxhttp.SyncResponse, error) {
	if f.i >= len(f.steps) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s := f.steps[f.i]
	f.i++
	return s.resp, s.err
}
func (f *fakeTransport) Messages(ctx context.Context, roomID, from string, dir byte, limit int) (*mxhttp.MessagesResponse, error) {
	return nil, nil
}
func (f *fakeTransport) Upload(ctx context.Context, contentType string, size int64, body []byte, progress func(sent, total int64)) (*mxhttp.UploadResponse, error) {
	return nil, nil
}
func (f *fakeTransport) Download(ctx context.Context, serverName, mediaID string) ([]byte, error) {
	return nil, nil
}
func (f *fakeTransport) KeysUpload(ctx context.Context, deviceKeys, oneTimeKeys json.RawMessage) (*mxhttp.KeysUploadResponse, error) {
	return nil, nil
}
func (f *fakeTransport) KeysQuery(ctx context.Context, userIDs []string) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeTransport) KeysClaim(ctx context.Context, oneTimeKeys map[string]map[string]string) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeTransport) SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]json.RawMessage) error {
	return nil
}
func (f *fakeTransport) UpgradeRoom(ctx context.Context, roomID, newVersion string) (string, error) {
	return "", nil
}

type fakeRoomStore struct {
	rooms map[string]*room.Room
}

func newFakeRoomStore() *fakeRoomStore {
	return &fakeRoomStore{rooms: make(map[string]*room.Room)}
}

func (s *fakeRoomStore) EnsureRoom(roomID string) *room.Room {
	if r, ok := s.rooms[roomID]; ok {
		return r
	}
	r := room.New(context.Background(), roomID)
	s.rooms[roomID] = r
	return r
}

func rawEvent(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal event fixture: %v", err)
	}
	return raw
}

func TestApplyDispatchesJoinedRoomInOrder(t *testing.T) {
	roomID := "!room:example.org"
	joinedMemberCount := 2

	resp := &mxhttp.SyncResponse{
		NextBatch: "batch1",
		Rooms: mxhttp.SyncRooms{
			Join: map[string]mxhttp.JoinedRoomSync{
				roomID: {
					State: mxhttp.SyncEvents{Events: []json.RawMessage{
						rawEvent(t, map[string]any{
							"type": "m.room.name", "state_key": "", "sender": "@alice:example.org",
							"origin_server_ts": 1, "content": map[string]any{"name": "Room Name"},
						}),
					}},
					Timeline: mxhttp.Timeline{Events: []json.RawMessage{
						rawEvent(t, map[string]any{
							"type": "m.room.message", "event_id": "$1", "sender": "@alice:example.org",
							"origin_server_ts": 2, "content": map[string]any{"msgtype": "m.text", "body": "hi"},
						}),
					}},
					Ephemeral: mxhttp.SyncEvents{Events: []json.RawMessage{
						rawEvent(t, map[string]any{
							"type": "m.receipt",
							"content": map[string]any{
								"$1": map[string]any{"m.read": map[string]any{"@bob:example.org": map[string]any{"ts": 100}}},
							},
						}),
					}},
					AccountData: mxhttp.SyncEvents{Events: []json.RawMessage{
						rawEvent(t, map[string]any{
							"type": "m.fully_read", "content": map[string]any{"event_id": "$1"},
						}),
					}},
					Summary: mxhttp.RoomSummary{Heroes: []string{"@bob:example.org"}, JoinedMemberCount: &joinedMemberCount},
				},
			},
		},
	}

	store := newFakeRoomStore()
	o := New(context.Background(), &fakeTransport{}, store, nil, "", nil, Config{})

	if err := o.apply(context.Background(), resp); err != nil {
		t.Fatalf("apply: %v", err)
	}

	r := store.rooms[roomID]
	if r == nil {
		t.Fatalf("expected room to be created")
	}
	if r.Join != room.Join {
		t.Fatalf("expected join state Join, got %v", r.Join)
	}
	if got := r.CurrentState("m.room.name", ""); len(got.Content) <= 2 {
		t.Fatalf("expected m.room.name state applied")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 timeline item, got %d", r.Len())
	}
	if _, ok := r.ItemByID("$1"); !ok {
		t.Fatalf("expected $1 in timeline")
	}
	if r.FullyReadEventID != "$1" {
		t.Fatalf("expected fully-read marker applied from account data, got %q", r.FullyReadEventID)
	}
	if r.Summary.Heroes == nil || r.Summary.Heroes[0] != "@bob:example.org" {
		t.Fatalf("expected summary heroes applied, got %+v", r.Summary)
	}
}

func TestApplyInviteAndLeaveSections(t *testing.T) {
	store := newFakeRoomStore()
	o := New(context.Background(), &fakeTransport{}, store, nil, "", nil, Config{})

	inviteRoomID := "!invite:example.org"
	leaveRoomID := "!left:example.org"
	resp := &mxhttp.SyncResponse{
		Rooms: mxhttp.SyncRooms{
			Invite: map[string]mxhttp.InvitedRoomSync{
				inviteRoomID: {InviteState: mxhttp.SyncEvents{Events: []json.RawMessage{
					rawEvent(t, map[string]any{
						"type": "m.room.member", "state_key": "@me:example.org", "sender": "@alice:example.org",
						"content": map[string]any{"membership": "invite"},
					}),
				}}},
			},
			Leave: map[string]mxhttp.LeftRoomSync{
				leaveRoomID: {
					State: mxhttp.SyncEvents{Events: []json.RawMessage{
						rawEvent(t, map[string]any{
							"type": "m.room.member", "state_key": "@me:example.org", "sender": "@alice:example.org",
							"content": map[string]any{"membership": "leave"},
						}),
					}},
				},
			},
		},
	}

	if err := o.apply(context.Background(), resp); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if store.rooms[inviteRoomID].Join != room.Invite {
		t.Fatalf("expected invite room in Invite state")
	}
	if store.rooms[leaveRoomID].Join != room.Leave {
		t.Fatalf("expected left room in Leave state")
	}
	if store.rooms[leaveRoomID].Len() != 0 {
		t.Fatalf("expected no timeline items for empty leave timeline")
	}
}

func TestApplyIngestsRoomKeyWithSenderKeyAndDoesNotForwardIt(t *testing.T) {
	account, err := crypto.NewOlmAccount()
	if err != nil {
		t.Fatalf("NewOlmAccount: %v", err)
	}
	store := crypto.NewStore(account, zerolog.Nop())
	outbound, err := crypto.NewOutboundGroupSession(1)
	if err != nil {
		t.Fatalf("NewOutboundGroupSession: %v", err)
	}

	roomStore := newFakeRoomStore()
	o := New(context.Background(), &fakeTransport{}, roomStore, store, "", nil, Config{})

	forwardedCount := 0
	o.OnToDevice = func(events []*event.Event) { forwardedCount += len(events) }

	resp := &mxhttp.SyncResponse{
		ToDevice: mxhttp.SyncEvents{Events: []json.RawMessage{
			rawEvent(t, map[string]any{
				"type": "m.room_key",
				"content": map[string]any{
					"algorithm":   "m.megolm.v1.aes-sha2",
					"room_id":     "!room:example.org",
					"session_id":  outbound.SessionID,
					"session_key": base64.StdEncoding.EncodeToString(outbound.SessionKeyMaterial()),
					"sender_key":  "sender-curve25519-key",
				},
			}),
			rawEvent(t, map[string]any{
				"type":    "m.some_other_to_device_type",
				"content": map[string]any{},
			}),
		}},
	}

	if err := o.apply(context.Background(), resp); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if forwardedCount != 1 {
		t.Fatalf("expected only the non-room_key event forwarded, got %d", forwardedCount)
	}
}

func TestApplyDecryptsKnownMegolmSessionInTimeline(t *testing.T) {
	account, err := crypto.NewOlmAccount()
	if err != nil {
		t.Fatalf("NewOlmAccount: %v", err)
	}
	store := crypto.NewStore(account, zerolog.Nop())
	outbound, err := crypto.NewOutboundGroupSession(0)
	if err != nil {
		t.Fatalf("NewOutboundGroupSession: %v", err)
	}
	senderKey := "sender-curve-key"
	if err := store.IngestRoomKey(senderKey, &event.RoomKeyContent{
		Algorithm:  "m.megolm.v1.aes-sha2",
		RoomID:     "!room:example.org",
		SessionID:  outbound.SessionID,
		SessionKey: base64.StdEncoding.EncodeToString(outbound.SessionKeyMaterial()),
	}); err != nil {
		t.Fatalf("IngestRoomKey: %v", err)
	}

	inner, err := json.Marshal(map[string]any{
		"type":    "m.room.message",
		"content": map[string]any{"msgtype": "m.text", "body": "secret"},
	})
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}
	ciphertext, index, err := outbound.Encrypt(inner)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	payload, err := json.Marshal(map[string]any{
		"message_index": index,
		"ciphertext":    base64.RawStdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	encContent, err := json.Marshal(map[string]any{
		"algorithm":  "m.megolm.v1.aes-sha2",
		"ciphertext": base64.RawStdEncoding.EncodeToString(payload),
		"sender_key": senderKey,
		"session_id": outbound.SessionID,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	roomID := "!room:example.org"
	roomStore := newFakeRoomStore()
	o := New(context.Background(), &fakeTransport{}, roomStore, store, "", nil, Config{})

	resp := &mxhttp.SyncResponse{
		Rooms: mxhttp.SyncRooms{
			Join: map[string]mxhttp.JoinedRoomSync{
				roomID: {
					Timeline: mxhttp.Timeline{Events: []json.RawMessage{
						rawEvent(t, map[string]any{
							"type": "m.room.encrypted", "event_id": "$enc1", "sender": "@bob:example.org",
							"origin_server_ts": 1000, "content": json.RawMessage(encContent),
						}),
					}},
				},
			},
		},
	}

	if err := o.apply(context.Background(), resp); err != nil {
		t.Fatalf("apply: %v", err)
	}

	r := roomStore.rooms[roomID]
	item, ok := r.ItemByID("$enc1")
	if !ok {
		t.Fatalf("expected $enc1 in timeline")
	}
	if item.Event.Type != "m.room.message" {
		t.Fatalf("expected decrypted event type m.room.message, got %q", item.Event.Type)
	}
	msg, ok := item.Event.Parsed().(*event.MessageContent)
	if !ok || msg.Body != "secret" {
		t.Fatalf("expected decrypted body %q, got %+v", "secret", msg)
	}
}

func TestRunBacksOffOnNetworkErrorThenSucceeds(t *testing.T) {
	store := newFakeRoomStore()
	transport := &fakeTransport{steps: []step{
		{err: fmt.Errorf("network: connection reset")},
		{resp: &mxhttp.SyncResponse{NextBatch: "batch1"}},
	}}
	var persisted string
	o := New(context.Background(), transport, store, nil, "", func(nb string) error {
		persisted = nb
		return nil
	}, Config{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := o.Run(ctx)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped once transport blocks and ctx expires, got %v", err)
	}
	if persisted != "batch1" {
		t.Fatalf("expected next_batch persisted after recovering from the network error, got %q", persisted)
	}
}

func TestRunTerminatesOnAuthFailure(t *testing.T) {
	store := newFakeRoomStore()
	transport := &fakeTransport{steps: []step{
		{err: fmt.Errorf("sync: 401: %w", mxhttp.ErrAuthFailed)},
	}}
	var fatal error
	o := New(context.Background(), transport, store, nil, "", nil, Config{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	o.OnFatal = func(err error) { fatal = err }

	err := o.Run(context.Background())
	if !errors.Is(err, mxhttp.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if fatal == nil {
		t.Fatalf("expected OnFatal to be called")
	}
}
