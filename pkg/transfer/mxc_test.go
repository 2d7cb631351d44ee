// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package transfer

import "testing"

func TestParseMXCURL(t *testing.T) {
	u, err := ParseMXCURL("mxc://example.org/abc123")
	if err != nil {
		t.Fatalf("ParseMXCURL: %v", err)
	}
	if u.ServerName != "example.org" || u.MediaID != "abc123" {
		t.Fatalf("unexpected parse result: %+v", u)
	}
	if u.String() != "mxc://example.org/abc123" {
		t.Fatalf("unexpected String(): %s", u.String())
	}
}

func TestParseMXCURLRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"http://example.org/abc123",
		"mxc://example.org",
		"mxc://example.org/",
		"mxc:///abc123",
		"mxc://example.org/abc/extra",
	}
	for _, c := range cases {
		if _, err := ParseMXCURL(c); err == nil {
			t.Errorf("expected ParseMXCURL(%q) to fail", c)
		}
	}
}

func TestElideMiddleLeavesShortPathsAlone(t *testing.T) {
	short := "short-name.png"
	if got := elideMiddle(short); got != short {
		t.Fatalf("expected short path unchanged, got %q", got)
	}
}

func TestElideMiddleShortensLongPaths(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	got := elideMiddle(string(long))
	if len(got) >= 300 {
		t.Fatalf("expected elided path to be shorter, got length %d", len(got))
	}
	if got[:elideKeepStart] != string(long[:elideKeepStart]) {
		t.Fatalf("expected prefix preserved")
	}
	if got[len(got)-elideKeepEnd:] != string(long[len(long)-elideKeepEnd:]) {
		t.Fatalf("expected suffix preserved")
	}
}
