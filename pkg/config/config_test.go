// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.Timeout() != 30*time.Second {
		t.Fatalf("expected default sync timeout, got %v", cfg.Sync.Timeout())
	}
	if cfg.Transfer.MaxConcurrentTransfers != 4 {
		t.Fatalf("expected default transfer concurrency, got %d", cfg.Transfer.MaxConcurrentTransfers)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Dir = dir
	cfg.Sync.MaxBackoffSeconds = 120
	cfg.Crypto.RotateAfterMessages = 50

	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Sync.MaxBackoff() != 120*time.Second {
		t.Fatalf("expected max backoff 120s, got %v", loaded.Sync.MaxBackoff())
	}
	if loaded.Crypto.RotateAfterMessages != 50 {
		t.Fatalf("expected rotate_after_messages 50, got %d", loaded.Crypto.RotateAfterMessages)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	if err := os.WriteFile(path, []byte("sync: [this is not a mapping"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected error for malformed yaml")
	}
}
