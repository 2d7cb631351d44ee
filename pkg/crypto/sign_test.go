// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"testing"
)

func TestCanonicalJSONStripsAndSortsKeys(t *testing.T) {
	obj := map[string]any{
		"b":          1,
		"a":          2,
		"unsigned":   map[string]any{"age": 1234},
		"signatures": map[string]any{"example.org": map[string]any{"ed25519:1": "abc"}},
	}
	got, err := CanonicalJSON(obj)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"a":2,"b":1}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	account := mustNewAccount(t)
	obj := map[string]any{
		"type":    "m.room.message",
		"content": map[string]any{"body": "hello", "msgtype": "m.text"},
	}
	sig, err := account.Sign(obj)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := VerifySignature(account.Ed25519Public, obj, sig)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerifyFailsOnTamperedObject(t *testing.T) {
	account := mustNewAccount(t)
	obj := map[string]any{"body": "hello"}
	sig, err := account.Sign(obj)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	obj["body"] = "goodbye"
	ok, err := VerifySignature(account.Ed25519Public, obj, sig)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if ok {
		t.Fatalf("expected tampered object to fail verification")
	}
}

func TestVerifyFailsWithWrongKey(t *testing.T) {
	account := mustNewAccount(t)
	other := mustNewAccount(t)
	obj := map[string]any{"body": "hello"}
	sig, err := account.Sign(obj)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := VerifySignature(other.Ed25519Public, obj, sig)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if ok {
		t.Fatalf("expected verification with wrong key to fail")
	}
}
