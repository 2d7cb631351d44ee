// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package send

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"go.mau.fi/mxcore/pkg/crypto"
	"go.mau.fi/mxcore/pkg/event"
	"go.mau.fi/mxcore/pkg/mxhttp"
	"go.mau.fi/mxcore/pkg/room"
)

type fakeTransport struct {
	sendErr       error
	eventID       string
	sendCalls     int
	lastEventType string
	lastContent   json.RawMessage
}

func (f *fakeTransport) SendEvent(ctx context.Context, roomID, eventType, txnID string, content json.RawMessage) (*mxhttp.SendEventResponse, error) {
	f.sendCalls++
	f.lastEventType = eventType
	f.lastContent = content
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &mxhttp.SendEventResponse{EventID: f.eventID}, nil
}
func (f *fakeTransport) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content json.RawMessage) (*mxhttp.SendEventResponse, error) {
	return &mxhttp.SendEventResponse{EventID: f.eventID}, nil
}
func (f *fakeTransport) RedactEvent(ctx context.Context, roomID, eventID, txnID, reason string) (*mxhttp.SendEventResponse, error) {
	return &mxhttp.SendEventResponse{EventID: f.eventID}, nil
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
func (f *fakeTransport) Sync(ctx context.Context, since string, timeoutMillis int) (*mxhttp.SyncResponse, error) {
	return nil, nil
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
	return "!successor:example.org", nil
}

func newTestRoom(t *testing.T) *room.Room {
	t.Helper()
	r := room.New(context.Background(), "!room:example.org")
	r.SetLocalUserID("@alice:example.org")
	return r
}

// TestLocalEchoMerge is spec.md §8 end-to-end scenario 1.
func TestLocalEchoMerge(t *testing.T) {
	r := newTestRoom(t)
	transport := &fakeTransport{eventID: "$e1"}
	s := NewSender(context.Background(), r, transport, nil)

	pe, err := s.PostMessage(context.Background(), &event.MessageContent{MsgType: event.MsgText, Body: "hello"})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if pe.Status != room.ReachedServer {
		t.Fatalf("expected ReachedServer, got %v", pe.Status)
	}
	if len(r.Pending()) != 1 {
		t.Fatalf("expected one pending event, got %d", len(r.Pending()))
	}

	raw := `{"type":"m.room.message","event_id":"$e1","unsigned":{"transaction_id":"` + pe.TransactionID + `"},"content":{"msgtype":"m.text","body":"hello"}}`
	var e event.Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cs, err := r.ApplySync(context.Background(), []*event.Event{&e})
	if err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	if len(r.Pending()) != 0 {
		t.Fatalf("expected pending list to be empty after merge, got %d", len(r.Pending()))
	}
	if r.Len() != 1 {
		t.Fatalf("expected one timeline item, got %d", r.Len())
	}
	item, ok := r.ItemByID("$e1")
	if !ok || item.Index != 0 {
		t.Fatalf("expected $e1 at index 0, got %+v ok=%v", item, ok)
	}
	if !cs.Categories.Has(room.ChangeTimeline) {
		t.Fatalf("expected ChangeTimeline to be marked")
	}
}

func TestSendFailureThenRetry(t *testing.T) {
	r := newTestRoom(t)
	transport := &fakeTransport{sendErr: errors.New("500 internal error")}
	s := NewSender(context.Background(), r, transport, nil)

	pe, err := s.PostMessage(context.Background(), &event.MessageContent{MsgType: event.MsgText, Body: "hi"})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if pe.Status != room.SendingFailed {
		t.Fatalf("expected SendingFailed, got %v", pe.Status)
	}
	if pe.Annotation == "" {
		t.Fatalf("expected annotation to carry the error")
	}

	transport.sendErr = nil
	transport.eventID = "$retried"
	if err := s.Retry(context.Background(), pe.TransactionID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if pe.Status != room.ReachedServer {
		t.Fatalf("expected ReachedServer after retry, got %v", pe.Status)
	}
	if transport.sendCalls != 2 {
		t.Fatalf("expected two send attempts, got %d", transport.sendCalls)
	}
}

func TestDiscardRemovesPending(t *testing.T) {
	r := newTestRoom(t)
	transport := &fakeTransport{sendErr: errors.New("boom")}
	s := NewSender(context.Background(), r, transport, nil)

	pe, err := s.PostMessage(context.Background(), &event.MessageContent{MsgType: event.MsgText, Body: "hi"})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if err := s.Discard(pe.TransactionID); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if len(r.Pending()) != 0 {
		t.Fatalf("expected pending list empty after discard")
	}
	if err := s.Discard(pe.TransactionID); !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("expected ErrUnknownTransaction on second discard, got %v", err)
	}
}

func TestSendRefusedInTombstonedRoom(t *testing.T) {
	r := newTestRoom(t)
	tombstone := `{"type":"m.room.tombstone","event_id":"$t","state_key":"","content":{"body":"upgraded","replacement_room":"!new:example.org"}}`
	var e event.Event
	if err := json.Unmarshal([]byte(tombstone), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := r.ApplySync(context.Background(), []*event.Event{&e}); err != nil {
		t.Fatalf("ApplySync: %v", err)
	}

	transport := &fakeTransport{eventID: "$e1"}
	s := NewSender(context.Background(), r, transport, nil)
	if _, err := s.PostMessage(context.Background(), &event.MessageContent{MsgType: event.MsgText, Body: "hi"}); !errors.Is(err, ErrVersionObsolete) {
		t.Fatalf("expected ErrVersionObsolete, got %v", err)
	}
	if len(r.Pending()) != 0 {
		t.Fatalf("expected no pending event created, got %d", len(r.Pending()))
	}
	if transport.sendCalls != 0 {
		t.Fatalf("expected no request to be issued, got %d calls", transport.sendCalls)
	}
}

func TestSwitchVersionRefusesWhenAlreadyUpgraded(t *testing.T) {
	r := newTestRoom(t)
	tombstone := `{"type":"m.room.tombstone","event_id":"$t","state_key":"","content":{"body":"upgraded","replacement_room":"!new:example.org"}}`
	var e event.Event
	if err := json.Unmarshal([]byte(tombstone), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := r.ApplySync(context.Background(), []*event.Event{&e}); err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	transport := &fakeTransport{}
	s := NewSender(context.Background(), r, transport, nil)
	if _, err := s.SwitchVersion(context.Background(), "11"); !errors.Is(err, ErrAlreadyUpgraded) {
		t.Fatalf("expected ErrAlreadyUpgraded, got %v", err)
	}
}

func TestSwitchVersionDispatchesWhenNoSuccessor(t *testing.T) {
	r := newTestRoom(t)
	transport := &fakeTransport{}
	s := NewSender(context.Background(), r, transport, nil)
	successor, err := s.SwitchVersion(context.Background(), "11")
	if err != nil {
		t.Fatalf("SwitchVersion: %v", err)
	}
	if successor != "!successor:example.org" {
		t.Fatalf("expected successor room id, got %q", successor)
	}
}

func TestPostMessageEncryptsInEncryptedRoom(t *testing.T) {
	r := newTestRoom(t)
	encryption := `{"type":"m.room.encryption","event_id":"$enc","state_key":"","content":{"algorithm":"m.megolm.v1.aes-sha2"}}`
	var e event.Event
	if err := json.Unmarshal([]byte(encryption), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := r.ApplySync(context.Background(), []*event.Event{&e}); err != nil {
		t.Fatalf("ApplySync: %v", err)
	}

	account, err := crypto.NewOlmAccount()
	if err != nil {
		t.Fatalf("NewOlmAccount: %v", err)
	}
	store := crypto.NewStore(account, zerolog.Nop())

	transport := &fakeTransport{eventID: "$e1"}
	s := NewSender(context.Background(), r, transport, nil)
	s.SetCrypto(store, 100, 0)

	pe, err := s.PostMessage(context.Background(), &event.MessageContent{MsgType: event.MsgText, Body: "secret"})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if pe.Status != room.ReachedServer {
		t.Fatalf("expected ReachedServer, got %v (%s)", pe.Status, pe.Annotation)
	}
	if pe.Event.Type != "m.room.message" {
		t.Fatalf("expected local echo to keep plaintext type, got %q", pe.Event.Type)
	}
	if transport.lastEventType != "m.room.encrypted" {
		t.Fatalf("expected m.room.encrypted on the wire, got %q", transport.lastEventType)
	}
	var enc event.EncryptedContent
	if err := json.Unmarshal(transport.lastContent, &enc); err != nil {
		t.Fatalf("unmarshal sent envelope: %v", err)
	}
	if enc.Algorithm != "m.megolm.v1.aes-sha2" || enc.Ciphertext == "" {
		t.Fatalf("expected a populated megolm envelope, got %+v", enc)
	}
}
