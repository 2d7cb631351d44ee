// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package transfer

import (
	"fmt"
	"strings"
)

// MXCURL is a parsed `mxc://{authority}/{mediaId}` reference (spec.md §6).
type MXCURL struct {
	ServerName string
	MediaID    string
}

// ParseMXCURL validates and decomposes an mxc:// URL. The authority and path
// together must contain exactly one '/' separating server name from media id
// (spec.md §6: "Invalid mxc URLs are rejected by all file-consuming
// operations").
func ParseMXCURL(raw string) (MXCURL, error) {
	const prefix = "mxc://"
	if !strings.HasPrefix(raw, prefix) {
		return MXCURL{}, fmt.Errorf("%w: %q", ErrInvalidMXCURL, raw)
	}
	rest := raw[len(prefix):]
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return MXCURL{}, fmt.Errorf("%w: %q", ErrInvalidMXCURL, raw)
	}
	return MXCURL{ServerName: parts[0], MediaID: parts[1]}, nil
}

func (u MXCURL) String() string {
	return "mxc://" + u.ServerName + "/" + u.MediaID
}
