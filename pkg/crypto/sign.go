// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON serialises obj the way Matrix's signing algorithm requires:
// object keys sorted lexicographically by UTF-8 codepoint, no insignificant
// whitespace, and (at the top level) `unsigned` and `signatures` removed
// (spec.md §4.7 Sign/Verify).
func CanonicalJSON(obj map[string]any) ([]byte, error) {
	stripped := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == "unsigned" || k == "signatures" {
			continue
		}
		stripped[k] = v
	}
	return canonicalValue(stripped)
}

func canonicalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, keyJSON...)
			out = append(out, ':')
			valJSON, err := canonicalValue(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, valJSON...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			itemJSON, err := canonicalValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, itemJSON...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// Sign produces an Ed25519 signature over the canonical-JSON form of obj
// (spec.md §4.7 Sign).
func (a *OlmAccount) Sign(obj map[string]any) (string, error) {
	canonical, err := CanonicalJSON(obj)
	if err != nil {
		return "", fmt.Errorf("crypto: canonicalize for signing: %w", err)
	}
	sig := ed25519.Sign(a.ed25519Private, canonical)
	return base64.RawStdEncoding.EncodeToString(sig), nil
}

// VerifySignature verifies an Ed25519 signature (base64, unpadded standard
// alphabet) over the canonical-JSON form of obj against publicKey
// (`ed25519VerifySignature`, spec.md §4.7).
func VerifySignature(publicKey ed25519.PublicKey, obj map[string]any, signatureB64 string) (bool, error) {
	canonical, err := CanonicalJSON(obj)
	if err != nil {
		return false, fmt.Errorf("crypto: canonicalize for verification: %w", err)
	}
	sig, err := base64.RawStdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("crypto: decode signature: %w", err)
	}
	return ed25519.Verify(publicKey, canonical, sig), nil
}
