// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package send

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// markdownRenderer renders outgoing message text to the `formatted_body`
// HTML Matrix clients display, the same role gomuks's send.go gives
// goldmark (grounded there as rainbowWithHTML/defaultNoHTML).
var markdownRenderer = goldmark.New(
	goldmark.WithExtensions(
		extension.Strikethrough,
		extension.Table,
		extension.TaskList,
	),
)

// renderMarkdown converts markdown source to HTML. The Matrix `body` field
// always carries the original markdown source (the well-formed fallback for
// clients that don't render `formatted_body`); `formatted_body` carries the
// rendered form only when it differs from a trivial wrap of the source.
func renderMarkdown(text string) (formattedBody string, hasHTML bool) {
	var buf bytes.Buffer
	if err := markdownRenderer.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	html := strings.TrimSpace(buf.String())
	plainWrap := "<p>" + text + "</p>"
	if html == "" || html == plainWrap {
		return "", false
	}
	return html, true
}
