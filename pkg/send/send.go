// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package send

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nu7hatch/gouuid"
	"github.com/rs/zerolog"

	"go.mau.fi/mxcore/pkg/crypto"
	"go.mau.fi/mxcore/pkg/event"
	"go.mau.fi/mxcore/pkg/mxhttp"
	"go.mau.fi/mxcore/pkg/room"
)

// Uploader is the file-transfer collaborator the staggered file pipeline
// depends on (spec.md §4.4, §4.6). transfer.Manager implements this.
type Uploader interface {
	Upload(ctx context.Context, localPath string, contentType string, progress func(sent, total int64)) (mxcURI string, info *event.FileInfo, err error)
}

// Sender runs the Send Pipeline (spec.md §4.4) for a single room: it assigns
// transaction ids, manages the PendingEvent lifecycle, and (for file
// messages) coordinates with an Uploader. One Sender serves one Room,
// mirroring gomuks's per-room send lock (pkg/hicli/send.go getSendLock).
type Sender struct {
	room      *room.Room
	transport mxhttp.Client
	uploader  Uploader
	log       zerolog.Logger

	txnCounter uint64

	mu            sync.Mutex
	uploadCancels map[string]context.CancelFunc

	cryptoStore         *crypto.Store
	rotateAfterMessages int
	rotateAfterMs       int64
}

// SetCrypto wires megolm encryption into this Sender: once set, every event
// submitted into a room carrying `m.room.encryption` state is sealed into an
// `m.room.encrypted` envelope via store.EncryptRoomEvent before being sent
// (spec.md §4.7 "participates at ... send (key distribution)"). Sharing the
// resulting session key with other devices' 1:1 Olm channels is out of scope
// here and left to the embedder. maxMessages/
// maxAgeMs bound outbound session rotation (config.CryptoConfig).
func (s *Sender) SetCrypto(store *crypto.Store, maxMessages int, maxAgeMs int64) {
	s.cryptoStore = store
	s.rotateAfterMessages = maxMessages
	s.rotateAfterMs = maxAgeMs
}

// isEncryptedRoom reports whether the room carries live `m.room.encryption`
// state.
func (s *Sender) isEncryptedRoom() bool {
	evt := s.room.CurrentState("m.room.encryption", "")
	return evt != nil && len(evt.Content) > 2
}

// NewSender constructs a Sender for room r. uploader may be nil if the
// embedder never sends file messages.
func NewSender(ctx context.Context, r *room.Room, transport mxhttp.Client, uploader Uploader) *Sender {
	return &Sender{
		room:          r,
		transport:     transport,
		uploader:      uploader,
		log:           zerolog.Ctx(ctx).With().Str("component", "send").Str("room_id", r.ID).Logger(),
		uploadCancels: make(map[string]context.CancelFunc),
	}
}

// txnID assigns a per-connection monotonic token (spec.md §4.4 step 1,
// §6 "Transaction IDs": opaque, unique per connection, never reused). The
// uuid component keeps it unique across process restarts; the counter keeps
// it monotonically ordered within one Sender's lifetime, matching gomuks's
// "hicli-" + Client.TxnID() convention.
func (s *Sender) txnID() string {
	n := atomic.AddUint64(&s.txnCounter, 1)
	u, err := uuid.NewV4()
	if err != nil {
		return fmt.Sprintf("send-%d", n)
	}
	return fmt.Sprintf("send-%d-%s", n, u.String())
}

// checkTombstone implements the "sending into a tombstoned room returns an
// error without creating a pending event" boundary behaviour (spec.md §8,
// §7 VersionObsolete).
func (s *Sender) checkTombstone() error {
	evt := s.room.CurrentState("m.room.tombstone", "")
	if evt == nil || len(evt.Content) <= 2 {
		return nil
	}
	if _, ok := evt.Parsed().(*event.TombstoneContent); ok {
		return ErrVersionObsolete
	}
	return nil
}

// PostMessage submits a `m.room.message` (spec.md §4.4). content.RelatesTo may be
// nil, a reply relation, or an edit (RelType == event.RelReplace with
// NewContent already populated by the caller via content.NewContent).
func (s *Sender) PostMessage(ctx context.Context, content *event.MessageContent) (*room.PendingEvent, error) {
	if content.Format == "" {
		if html, ok := renderMarkdown(content.Body); ok {
			content.Format = "org.matrix.custom.html"
			content.FormattedBody = html
		}
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("send: failed to marshal message content: %w", err)
	}
	return s.submit(ctx, "m.room.message", nil, raw)
}

// PostReaction submits an `m.reaction` annotating targetEventID with key
// (e.g. an emoji), per spec.md's reaction aggregation feature (SPEC_FULL.md
// §4).
func (s *Sender) PostReaction(ctx context.Context, targetEventID, key string) (*room.PendingEvent, error) {
	content := &event.ReactionContent{RelatesTo: &event.RelatesTo{
		RelType: event.RelAnnotation,
		EventID: targetEventID,
		Key:     key,
	}}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("send: failed to marshal reaction content: %w", err)
	}
	return s.submit(ctx, "m.reaction", nil, raw)
}

// PostRedaction issues `PUT /rooms/{roomId}/redact/{eventId}/{txnId}` (spec.md
// §6) for targetEventID. Unlike PostMessage/PostReaction this does not create
// a PendingEvent: the timeline only reflects the redaction once the
// `m.room.redaction` event comes back through sync and ApplySync's in-batch
// redaction handling rewrites the target in place (spec.md §4.3.3).
func (s *Sender) PostRedaction(ctx context.Context, targetEventID, reason string) (eventID string, err error) {
	resp, err := s.transport.RedactEvent(ctx, s.room.ID, targetEventID, s.txnID(), reason)
	if err != nil {
		return "", fmt.Errorf("send: redact failed: %w", err)
	}
	return resp.EventID, nil
}

// submit implements spec.md §4.4 steps 1-4 for a plain (non-file) event.
func (s *Sender) submit(ctx context.Context, evtType string, stateKey *string, content json.RawMessage) (*room.PendingEvent, error) {
	if err := s.checkTombstone(); err != nil {
		return nil, err
	}
	txnID := s.txnID()
	localUserID := s.room.LocalUserID
	if localUserID == "" {
		return nil, ErrNoLocalUser
	}
	localEvt := &event.Event{
		Type:     evtType,
		Content:  content,
		Sender:   localUserID,
		RoomID:   s.room.ID,
		StateKey: stateKey,
		Unsigned: event.Unsigned{TransactionID: txnID},
	}
	pe := &room.PendingEvent{
		Event:         localEvt,
		TransactionID: txnID,
		Status:        room.Submitted,
	}
	s.room.AddPending(pe)
	s.dispatch(ctx, pe)
	return pe, nil
}

// dispatch issues the request for a pending event and applies the status
// transitions of spec.md §4.4 step 4. The PendingEvent's local echo always
// keeps the plaintext type/content so the UI renders it immediately; when
// the room is encrypted, a separate `m.room.encrypted` envelope is what
// actually goes over the wire (spec.md §4.7 "participates at ... send").
func (s *Sender) dispatch(ctx context.Context, pe *room.PendingEvent) {
	pe.Status = room.Departed

	wireType, wireContent := pe.Event.Type, pe.Event.Content
	if pe.Event.StateKey == nil && s.cryptoStore != nil && s.isEncryptedRoom() {
		enc, err := s.cryptoStore.EncryptRoomEvent(s.room.ID, pe.Event.Type, pe.Event.Content, s.rotateAfterMessages, s.rotateAfterMs, time.Now().Unix())
		if err != nil {
			pe.Status = room.SendingFailed
			pe.Annotation = err.Error()
			s.log.Warn().Err(err).Str("transaction_id", pe.TransactionID).Msg("encrypt failed")
			return
		}
		raw, err := json.Marshal(enc)
		if err != nil {
			pe.Status = room.SendingFailed
			pe.Annotation = err.Error()
			s.log.Warn().Err(err).Str("transaction_id", pe.TransactionID).Msg("marshal encrypted envelope failed")
			return
		}
		wireType, wireContent = "m.room.encrypted", raw
	}

	resp, err := s.transport.SendEvent(ctx, s.room.ID, wireType, pe.TransactionID, wireContent)
	if err != nil {
		pe.Status = room.SendingFailed
		pe.Annotation = err.Error()
		s.log.Warn().Err(err).Str("transaction_id", pe.TransactionID).Msg("send failed")
		return
	}
	pe.Status = room.ReachedServer
	pe.Event.EventID = resp.EventID
}

// Retry re-submits a SendingFailed pending event (spec.md §4.4 `retry`). If
// the previous attempt had already ReachedServer, the retry still proceeds,
// with a warning that a duplicate may appear on the server.
func (s *Sender) Retry(ctx context.Context, txnID string) error {
	pe, ok := s.room.FindPendingByTxnID(txnID)
	if !ok {
		return ErrUnknownTransaction
	}
	if pe.Status == room.ReachedServer {
		s.log.Warn().Str("transaction_id", txnID).Msg("retrying a pending event that already reached the server; a duplicate may appear")
	}
	pe.Status = room.Submitted
	pe.Annotation = ""
	s.dispatch(ctx, pe)
	return nil
}

// Discard removes a pending event and cancels any associated file upload
// (spec.md §4.4 `discard`).
func (s *Sender) Discard(txnID string) error {
	s.mu.Lock()
	if cancel, ok := s.uploadCancels[txnID]; ok {
		cancel()
		delete(s.uploadCancels, txnID)
	}
	s.mu.Unlock()
	if !s.room.RemovePending(txnID) {
		return ErrUnknownTransaction
	}
	return nil
}

// SwitchVersion implements spec.md §8 scenario 6: refuses locally (without
// any request) if the room already carries a tombstone with a successor,
// otherwise dispatches the upgrade request.
func (s *Sender) SwitchVersion(ctx context.Context, newVersion string) (successorRoomID string, err error) {
	evt := s.room.CurrentState("m.room.tombstone", "")
	if evt != nil && len(evt.Content) > 2 {
		if t, ok := evt.Parsed().(*event.TombstoneContent); ok && t.ReplacementRoom != "" {
			return "", ErrAlreadyUpgraded
		}
	}
	successorRoomID, err = s.transport.UpgradeRoom(ctx, s.room.ID, newVersion)
	if err != nil {
		return "", fmt.Errorf("send: room upgrade failed: %w", err)
	}
	return successorRoomID, nil
}

// PostFile implements the staggered file-message pipeline of spec.md §4.4:
// a PendingEvent is inserted immediately with a local-file URL so the UI can
// render a preview, then the upload runs in the background; only once it
// completes does the pipeline substitute the mxc URL and dispatch the send
// request. If the upload fails or ctx is cancelled, the pending event is
// discarded instead.
func (s *Sender) PostFile(ctx context.Context, localPath string, msgType event.MsgType, contentType string) (*room.PendingEvent, error) {
	if s.uploader == nil {
		return nil, fmt.Errorf("send: no uploader configured for file messages")
	}
	if err := s.checkTombstone(); err != nil {
		return nil, err
	}
	localUserID := s.room.LocalUserID
	if localUserID == "" {
		return nil, ErrNoLocalUser
	}
	txnID := s.txnID()
	content := &event.MessageContent{
		MsgType: msgType,
		Body:    localPath,
		URL:     "file://" + localPath,
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("send: failed to marshal file content: %w", err)
	}
	localEvt := &event.Event{
		Type:     "m.room.message",
		Content:  raw,
		Sender:   localUserID,
		RoomID:   s.room.ID,
		Unsigned: event.Unsigned{TransactionID: txnID},
	}
	pe := &room.PendingEvent{
		Event:         localEvt,
		TransactionID: txnID,
		Status:        room.Submitted,
	}
	s.room.AddPending(pe)

	uploadCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.uploadCancels[txnID] = cancel
	s.mu.Unlock()

	go s.runFileUpload(uploadCtx, pe, content, localPath, contentType)
	return pe, nil
}

func (s *Sender) runFileUpload(ctx context.Context, pe *room.PendingEvent, content *event.MessageContent, localPath, contentType string) {
	defer func() {
		s.mu.Lock()
		delete(s.uploadCancels, pe.TransactionID)
		s.mu.Unlock()
	}()

	mxcURI, info, err := s.uploader.Upload(ctx, localPath, contentType, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("transaction_id", pe.TransactionID).Msg("file upload failed; discarding pending event")
		s.room.RemovePending(pe.TransactionID)
		return
	}

	content.URL = mxcURI
	content.Info = info
	raw, err := json.Marshal(content)
	if err != nil {
		s.log.Warn().Err(err).Str("transaction_id", pe.TransactionID).Msg("failed to marshal uploaded file content; discarding pending event")
		s.room.RemovePending(pe.TransactionID)
		return
	}
	pe.Event.Content = raw
	pe.Status = room.FileUploaded

	s.dispatch(ctx, pe)
}
