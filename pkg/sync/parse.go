// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sync

import (
	"encoding/json"
	"fmt"

	"go.mau.fi/mxcore/pkg/event"
)

// parseEvents decodes a sync response section's raw event list, skipping
// (and reporting) malformed entries rather than failing the whole section
// (spec.md §7 Malformed: the event is dropped, not the batch).
func parseEvents(raw []json.RawMessage) ([]*event.Event, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]*event.Event, 0, len(raw))
	var firstErr error
	for _, r := range raw {
		evt, _, err := event.Parse(r)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("sync: %w", err)
			}
			continue
		}
		out = append(out, evt)
	}
	return out, firstErr
}
