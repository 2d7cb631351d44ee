// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package crypto implements the E2EE Session Store (spec.md §4.7): an Olm
// account, inbound/outbound Megolm sessions, room-key ingest, per-message
// decrypt with replay protection, signing, and the encrypted-file envelope,
// grounded on the operations described in original_source/lib/e2ee/qolmaccount.cpp
// and Quotient/events/filesourceinfo.cpp and implemented with
// golang.org/x/crypto's HKDF/PBKDF2/Curve25519/NaCl primitives rather than a
// cgo binding to libolm (no example in the pack links against one).
package crypto

import "errors"

var (
	// ErrUnknownSession is returned by DecryptRoomEvent when no inbound session
	// exists for (senderKey, sessionID) (spec.md §7 Undecryptable).
	ErrUnknownSession = errors.New("crypto: no inbound session for sender/session id")

	// ErrReplayRejected is returned when a (session_id, message_index) pair
	// is seen twice with a mismatched (event_id, origin_server_ts) (spec.md
	// §7 ReplayRejected, §8 invariant 5).
	ErrReplayRejected = errors.New("crypto: replayed message index with mismatched event")

	// ErrSessionIDMismatch is returned by room-key ingest when the
	// advertised session_id does not match the session actually derived
	// from session_key (spec.md §4.7 "the advertised session_id must equal
	// the session's computed id, else the key is refused").
	ErrSessionIDMismatch = errors.New("crypto: advertised session id does not match derived session")

	// ErrUnsupportedAlgorithm is returned for encrypted content or room
	// keys using an algorithm this store does not implement.
	ErrUnsupportedAlgorithm = errors.New("crypto: unsupported algorithm")

	// ErrHashMismatch is returned by DecryptFile when the ciphertext's
	// SHA-256 hash does not match EncryptedFileMetadata.Hashes["sha256"]
	// (spec.md §4.6 "decryption verifies the hash first and refuses the
	// payload on mismatch").
	ErrHashMismatch = errors.New("crypto: encrypted file hash mismatch")
)
