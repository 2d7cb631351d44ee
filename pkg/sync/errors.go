// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sync implements the Sync Orchestrator (spec.md §4.8): a
// long-running cooperative loop that repeatedly issues `/sync`, fans each
// response out to the owning rooms in a deterministic per-room order, and
// recovers from network failure with bounded exponential backoff.
package sync

import "errors"

// ErrStopped is returned by Run when ctx is cancelled, whether between
// requests, during a long-poll or while backing off, distinguishing a clean
// shutdown from an authentication failure.
var ErrStopped = errors.New("sync: stopped")
