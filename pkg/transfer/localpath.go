// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package transfer

import (
	"os"
	"path/filepath"
)

const (
	elideThreshold = 200
	elideKeepStart = 128
	elideKeepEnd   = 64
)

// elideMiddle shortens s to at most elideThreshold runes by keeping its first
// elideKeepStart and last elideKeepEnd bytes and replacing the middle with
// "---", the same rule Room::downloadFile uses for default download
// filenames that would otherwise exceed the filesystem's practical limits.
func elideMiddle(s string) string {
	if len(s) <= elideThreshold {
		return s
	}
	return s[:elideKeepStart] + "---" + s[len(s)-elideKeepEnd:]
}

// defaultLocalPath computes the default download destination for mediaID and
// suggestedName when the caller supplies no explicit local path.
func defaultLocalPath(mediaID, suggestedName string) string {
	name := mediaID
	if suggestedName != "" {
		name = mediaID + "_" + suggestedName
	}
	return filepath.Join(os.TempDir(), elideMiddle(name))
}
