// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"go.mau.fi/mxcore/pkg/crypto"
	"go.mau.fi/mxcore/pkg/event"
	"go.mau.fi/mxcore/pkg/mxhttp"
	"go.mau.fi/mxcore/pkg/room"
)

// Direction distinguishes which way a transfer moves bytes.
type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Status is a FileTransfer's lifecycle state (spec.md §3 FileTransfer).
type Status int

const (
	Started Status = iota
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Started:
		return "started"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FileTransfer tracks one upload or download in progress (spec.md §3).
type FileTransfer struct {
	ID        string
	Direction Direction
	LocalPath string
	Status    Status
	Progress  int64
	Total     int64
	Error     string

	cancel context.CancelFunc
}

// metadataKey identifies a (room, event) pair's encrypted-file metadata in
// the process-wide lookup map (spec.md §5 "shared resources").
type metadataKey struct {
	RoomID  string
	EventID string
}

// Manager owns transfer records keyed by id alone, with no room component:
// an upload is recorded under its local file path and a download under the
// timeline event's event_id (spec.md §4.6). Uploads are not keyed by the
// pending event's transaction_id. It implements send.Uploader.
type Manager struct {
	transport mxhttp.Client
	log       zerolog.Logger
	sem       chan struct{}

	mu        sync.RWMutex
	transfers map[string]*FileTransfer

	metaMu   sync.RWMutex
	metadata map[metadataKey]*crypto.EncryptedFileMetadata
}

// defaultMaxConcurrentTransfers matches config.Default().Transfer.MaxConcurrentTransfers.
const defaultMaxConcurrentTransfers = 4

// NewManager constructs a Manager backed by transport. At most maxConcurrent
// uploads/downloads run at once (config.TransferConfig.MaxConcurrentTransfers,
// spec.md §5 "shared resources"); maxConcurrent <= 0 uses the default.
func NewManager(ctx context.Context, transport mxhttp.Client, maxConcurrent int) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentTransfers
	}
	return &Manager{
		transport: transport,
		log:       zerolog.Ctx(ctx).With().Str("component", "transfer").Logger(),
		sem:       make(chan struct{}, maxConcurrent),
		transfers: make(map[string]*FileTransfer),
		metadata:  make(map[metadataKey]*crypto.EncryptedFileMetadata),
	}
}

// acquireSlot blocks until a concurrency slot is free or ctx is cancelled.
func (m *Manager) acquireSlot(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) releaseSlot() {
	<-m.sem
}

// track registers a new transfer for id, deriving a cancellable context from
// parent so Cancel can abort the in-flight transport call.
func (m *Manager) track(parent context.Context, id string, dir Direction, localPath string) (context.Context, *FileTransfer) {
	ctx, cancel := context.WithCancel(parent)
	ft := &FileTransfer{ID: id, Direction: dir, LocalPath: localPath, Status: Started, cancel: cancel}
	m.mu.Lock()
	m.transfers[id] = ft
	m.mu.Unlock()
	return ctx, ft
}

// Transfer returns the transfer record for id, if any.
func (m *Manager) Transfer(id string) (*FileTransfer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ft, ok := m.transfers[id]
	return ft, ok
}

// Cancel aborts the underlying operation for id and transitions it to
// Cancelled (spec.md §4.6 `cancel`).
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ft, ok := m.transfers[id]
	if !ok {
		return ErrNotFound
	}
	if ft.Status == Started {
		ft.cancel()
		ft.Status = Cancelled
	}
	return nil
}

// StoreMetadata records roomID/eventID's encrypted-file metadata in the
// manager's lookup map (spec.md §5 "file-metadata lookup map ... process-wide
// and guarded by a read/write lock"). Download does not consult this map; it
// takes the decryption key from the event's own `file` block.
func (m *Manager) StoreMetadata(roomID, eventID string, meta *crypto.EncryptedFileMetadata) {
	m.metaMu.Lock()
	defer m.metaMu.Unlock()
	m.metadata[metadataKey{roomID, eventID}] = meta
}

func (m *Manager) lookupMetadata(roomID, eventID string) (*crypto.EncryptedFileMetadata, bool) {
	m.metaMu.RLock()
	defer m.metaMu.RUnlock()
	meta, ok := m.metadata[metadataKey{roomID, eventID}]
	return meta, ok
}

// Upload implements send.Uploader: it reads localPath, sniffs content type
// when the caller doesn't supply one, uploads the plaintext bytes, and
// returns the mxc URL plus the FileInfo to attach to the outgoing message
// content. Upload never encrypts; UploadEncrypted does.
func (m *Manager) Upload(ctx context.Context, localPath string, contentType string, progress func(sent, total int64)) (string, *event.FileInfo, error) {
	uri, info, _, err := m.uploadInternal(ctx, localPath, contentType, false, progress)
	return uri, info, err
}

// UploadEncrypted is the encrypted-room counterpart of Upload: the plaintext
// is sealed under the EncryptedFile envelope (spec.md §4.6) before leaving
// the process. The returned EncryptedFileInfo is the `file` block to attach
// to the outgoing message content; encrypted attachments carry no plaintext
// `url`.
func (m *Manager) UploadEncrypted(ctx context.Context, localPath string, contentType string, progress func(sent, total int64)) (*event.EncryptedFileInfo, *event.FileInfo, error) {
	uri, info, file, err := m.uploadInternal(ctx, localPath, contentType, true, progress)
	if err != nil {
		return nil, nil, err
	}
	file.URL = uri
	return file, info, nil
}

func (m *Manager) uploadInternal(ctx context.Context, localPath, contentType string, encrypt bool, progress func(sent, total int64)) (string, *event.FileInfo, *event.EncryptedFileInfo, error) {
	id := localPath
	ctx, ft := m.track(ctx, id, Upload, localPath)
	defer ft.cancel()

	if err := m.acquireSlot(ctx); err != nil {
		ft.Status, ft.Error = Cancelled, err.Error()
		return "", nil, nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	defer m.releaseSlot()

	plaintext, err := os.ReadFile(localPath)
	if err != nil {
		ft.Status, ft.Error = Failed, err.Error()
		return "", nil, nil, fmt.Errorf("%w: read %s: %w", ErrTransferFailed, localPath, err)
	}

	if contentType == "" {
		contentType = mimetype.Detect(plaintext).String()
	}

	body := plaintext
	var fileDescriptor *event.EncryptedFileInfo
	if encrypt {
		ciphertext, meta, err := crypto.EncryptFile(plaintext)
		if err != nil {
			ft.Status, ft.Error = Failed, err.Error()
			return "", nil, nil, fmt.Errorf("%w: encrypt: %w", ErrTransferFailed, err)
		}
		body = ciphertext
		keyJSON, err := json.Marshal(meta.Key)
		if err != nil {
			ft.Status, ft.Error = Failed, err.Error()
			return "", nil, nil, fmt.Errorf("%w: marshal jwk: %w", ErrTransferFailed, err)
		}
		fileDescriptor = &event.EncryptedFileInfo{
			Key:    keyJSON,
			IV:     meta.IV,
			Hashes: meta.Hashes,
			V:      meta.V,
		}
		contentType = "application/octet-stream"
	}

	resp, err := m.transport.Upload(ctx, contentType, int64(len(body)), body, progress)
	if err != nil {
		m.mu.Lock()
		if ft.Status != Cancelled {
			ft.Status = Failed
		}
		ft.Error = err.Error()
		m.mu.Unlock()
		return "", nil, nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	ft.Status = Completed

	info := &event.FileInfo{MimeType: contentType, Size: int64(len(plaintext))}
	return resp.ContentURI, info, fileDescriptor, nil
}

// Download resolves the timeline event eventID in r, validates it carries a
// well-formed mxc:// file reference, downloads (and decrypts, if the file
// content carries an EncryptedFileInfo) into localPath (computing a default
// path if empty), and atomically renames into place on success (spec.md
// §4.6 `download`).
func (m *Manager) Download(ctx context.Context, r *room.Room, eventID string, localPath string) (string, error) {
	item, ok := r.ItemByID(eventID)
	if !ok {
		return "", fmt.Errorf("%w: event %s not in timeline", ErrTransferFailed, eventID)
	}
	msg, ok := item.Event.Parsed().(*event.MessageContent)
	if !ok {
		return "", fmt.Errorf("%w: event %s has no file content", ErrTransferFailed, eventID)
	}

	url := msg.URL
	if msg.File != nil {
		url = msg.File.URL
	}
	mxc, err := ParseMXCURL(url)
	if err != nil {
		return "", err
	}

	if existing, ok := m.Transfer(eventID); ok && existing.Status == Started {
		return "", ErrAlreadyStarted
	}

	if localPath == "" {
		localPath = defaultLocalPath(mxc.MediaID, suggestedFileName(msg))
	}

	ctx, ft := m.track(ctx, eventID, Download, localPath)
	defer ft.cancel()

	if err := m.acquireSlot(ctx); err != nil {
		ft.Status, ft.Error = Cancelled, err.Error()
		return "", fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	defer m.releaseSlot()

	body, err := m.transport.Download(ctx, mxc.ServerName, mxc.MediaID)
	if err != nil {
		m.mu.Lock()
		if ft.Status != Cancelled {
			ft.Status = Failed
		}
		ft.Error = err.Error()
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	if msg.File != nil {
		meta := &crypto.EncryptedFileMetadata{IV: msg.File.IV, Hashes: msg.File.Hashes, V: msg.File.V}
		if err := json.Unmarshal(msg.File.Key, &meta.Key); err != nil {
			ft.Status, ft.Error = Failed, err.Error()
			return "", fmt.Errorf("%w: decode file key: %w", ErrTransferFailed, err)
		}
		body, err = crypto.DecryptFile(body, meta)
		if err != nil {
			ft.Status, ft.Error = Failed, err.Error()
			return "", fmt.Errorf("%w: decrypt: %w", ErrTransferFailed, err)
		}
	}

	tmp := localPath + ".part"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		ft.Status, ft.Error = Failed, err.Error()
		return "", fmt.Errorf("%w: write %s: %w", ErrTransferFailed, tmp, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		ft.Status, ft.Error = Failed, err.Error()
		return "", fmt.Errorf("%w: rename into place: %w", ErrTransferFailed, err)
	}
	ft.Status = Completed
	ft.Progress, ft.Total = int64(len(body)), int64(len(body))
	return localPath, nil
}

func suggestedFileName(msg *event.MessageContent) string {
	if msg.Body != "" {
		return msg.Body
	}
	return "file"
}
