// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package transfer implements the File Transfer Manager (spec.md §4.6):
// per-event upload and download operations with progress, cancellation, and
// an encrypted-file envelope for attachments in encrypted rooms.
package transfer

import "errors"

var (
	// ErrTransferFailed is spec.md §7 TransferFailed.
	ErrTransferFailed = errors.New("transfer: failed")
	// ErrNotFound is returned by Cancel for an unknown transfer id.
	ErrNotFound = errors.New("transfer: unknown transfer id")
	// ErrInvalidMXCURL is returned when a file-consuming operation is given a
	// malformed mxc:// URL (spec.md §6 "Invalid mxc URLs are rejected").
	ErrInvalidMXCURL = errors.New("transfer: invalid mxc url")
	// ErrAlreadyStarted is returned by Download when a transfer for the same
	// id is already in progress (mirrors Room::downloadFile's "transfer is
	// ongoing" guard). Uploads do not check for an ongoing transfer.
	ErrAlreadyStarted = errors.New("transfer: already in progress")
)
