// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config holds the ambient, declarative-YAML configuration this
// engine's subsystems are tuned by: sync timeout/backoff bounds, Megolm
// session rotation limits, and transfer concurrency (spec.md §9 Open
// Questions, §4.7, §4.8, §5). Grounded on gomuks's tui/config: a plain
// struct loaded with gopkg.in/yaml.v3, Load/Save pairs that create the
// config directory on demand and tolerate a missing file on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncConfig bounds the Sync Orchestrator's long-poll and retry behaviour
// (spec.md §4.8, §5 "Timeouts").
type SyncConfig struct {
	TimeoutSeconds    int `yaml:"timeout_seconds"`
	MinBackoffSeconds int `yaml:"min_backoff_seconds"`
	MaxBackoffSeconds int `yaml:"max_backoff_seconds"`
}

func (s SyncConfig) Timeout() time.Duration    { return time.Duration(s.TimeoutSeconds) * time.Second }
func (s SyncConfig) MinBackoff() time.Duration { return time.Duration(s.MinBackoffSeconds) * time.Second }
func (s SyncConfig) MaxBackoff() time.Duration { return time.Duration(s.MaxBackoffSeconds) * time.Second }

// CryptoConfig bounds Megolm outbound session rotation (spec.md §4.7
// "rotated every configured number of messages or milliseconds").
type CryptoConfig struct {
	RotateAfterMessages int   `yaml:"rotate_after_messages"`
	RotateAfterMs       int64 `yaml:"rotate_after_ms"`
}

// TransferConfig bounds the File Transfer Manager's concurrency.
type TransferConfig struct {
	MaxConcurrentTransfers int `yaml:"max_concurrent_transfers"`
}

// Config is the top-level configuration document for one connection.
type Config struct {
	Sync     SyncConfig     `yaml:"sync"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	Transfer TransferConfig `yaml:"transfer"`

	// Dir is where Load/Save read and write config.yaml; it is not itself
	// persisted.
	Dir string `yaml:"-"`
}

// Default returns a Config populated with this engine's defaults, matching
// sync.defaultTimeout/defaultMinBackoff/defaultMaxBackoff.
func Default() Config {
	return Config{
		Sync: SyncConfig{
			TimeoutSeconds:    30,
			MinBackoffSeconds: 1,
			MaxBackoffSeconds: 60,
		},
		Crypto: CryptoConfig{
			RotateAfterMessages: 100,
			RotateAfterMs:       7 * 24 * 60 * 60 * 1000, // one week
		},
		Transfer: TransferConfig{
			MaxConcurrentTransfers: 4,
		},
	}
}

// Load reads config.yaml from dir, starting from Default() so a missing or
// partial file still yields usable values. A missing file is not an error
// (spec.md-style "first run" tolerance, matching gomuks's config.load).
func Load(dir string) (Config, error) {
	cfg := Default()
	cfg.Dir = dir
	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Dir = dir
	return cfg, nil
}

// Save writes cfg to config.yaml in cfg.Dir, creating the directory if
// necessary, via write-then-rename so a concurrent reader never observes a
// partial file (spec.md §5 "Persistent cache files are written atomically").
func Save(cfg Config) error {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("config: create %s: %w", cfg.Dir, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	path := filepath.Join(cfg.Dir, "config.yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}
