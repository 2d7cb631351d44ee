// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package client

import (
	"context"
	"encoding/json"
	"testing"

	"go.mau.fi/mxcore/pkg/config"
	"go.mau.fi/mxcore/pkg/crypto"
	"go.mau.fi/mxcore/pkg/mxhttp"
	"go.mau.fi/mxcore/pkg/room"
)

type noopTransport struct{}

func (noopTransport) SendEvent(ctx context.Context, roomID, eventType, txnID string, content json.RawMessage) (*mxhttp.SendEventResponse, error) {
	return &mxhttp.SendEventResponse{}, nil
}
func (noopTransport) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content json.RawMessage) (*mxhttp.SendEventResponse, error) {
	return &mxhttp.SendEventResponse{}, nil
}
func (noopTransport) RedactEvent(ctx context.Context, roomID, eventID, txnID, reason string) (*mxhttp.SendEventResponse, error) {
	return &mxhttp.SendEventResponse{}, nil
}
func (noopTransport) SetTyping(ctx context.Context, roomID string, typing bool, timeoutMillis int) error {
	return nil
}
func (noopTransport) SetReadMarkers(ctx context.Context, roomID string, markers mxhttp.ReadMarkers) error {
	return nil
}
func (noopTransport) SendReceipt(ctx context.Context, roomID, receiptType, eventID string) error {
	return nil
}
func (noopTransport) Sync(ctx context.Context, since string, timeoutMillis int) (*mxhttp.SyncResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (noopTransport) Messages(ctx context.Context, roomID, from string, dir byte, limit int) (*mxhttp.MessagesResponse, error) {
	return nil, nil
}
func (noopTransport) Upload(ctx context.Context, contentType string, size int64, body []byte, progress func(sent, total int64)) (*mxhttp.UploadResponse, error) {
	return &mxhttp.UploadResponse{}, nil
}
func (noopTransport) Download(ctx context.Context, serverName, mediaID string) ([]byte, error) {
	return nil, nil
}
func (noopTransport) KeysUpload(ctx context.Context, deviceKeys, oneTimeKeys json.RawMessage) (*mxhttp.KeysUploadResponse, error) {
	return nil, nil
}
func (noopTransport) KeysQuery(ctx context.Context, userIDs []string) (json.RawMessage, error) {
	return nil, nil
}
func (noopTransport) KeysClaim(ctx context.Context, oneTimeKeys map[string]map[string]string) (json.RawMessage, error) {
	return nil, nil
}
func (noopTransport) SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]json.RawMessage) error {
	return nil
}
func (noopTransport) UpgradeRoom(ctx context.Context, roomID, newVersion string) (string, error) {
	return "", nil
}

func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	account, err := crypto.NewOlmAccount()
	if err != nil {
		t.Fatalf("NewOlmAccount: %v", err)
	}
	return New(context.Background(), "@alice:example.org", noopTransport{}, account, config.Default(), "", nil)
}

func TestEnsureRoomIsIdempotentAndSetsLocalUser(t *testing.T) {
	c := newTestConnection(t)
	r1 := c.EnsureRoom("!room:example.org")
	r2 := c.EnsureRoom("!room:example.org")
	if r1 != r2 {
		t.Fatalf("expected EnsureRoom to return the same *room.Room on repeat calls")
	}
	if r1.LocalUserID != "@alice:example.org" {
		t.Fatalf("expected local user id propagated, got %q", r1.LocalUserID)
	}
	if r1.Join != room.Leave {
		t.Fatalf("expected a freshly created room to start in Leave state, got %v", r1.Join)
	}
}

func TestSenderRequiresKnownRoom(t *testing.T) {
	c := newTestConnection(t)
	if _, err := c.Sender("!unknown:example.org"); err == nil {
		t.Fatalf("expected an error for a room never seen via EnsureRoom")
	}
}

func TestSenderIsCachedPerRoom(t *testing.T) {
	c := newTestConnection(t)
	c.EnsureRoom("!room:example.org")
	s1, err := c.Sender("!room:example.org")
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	s2, err := c.Sender("!room:example.org")
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected the same *send.Sender to be reused for a room")
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	c := newTestConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); err == nil {
		t.Fatalf("expected Run to return an error once ctx is already cancelled")
	}
}
