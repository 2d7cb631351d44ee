// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"fmt"
	"image"

	"github.com/buckket/go-blurhash"
)

// EncodeBlurHash computes the `xyz.amorgan.blurhash` extension value for img
// (spec.md §6) using 4x4 components, matching original_source/Quotient's
// default encode resolution (blurhash.cpp).
func EncodeBlurHash(img image.Image) (string, error) {
	hash, err := blurhash.Encode(4, 4, img)
	if err != nil {
		return "", fmt.Errorf("event: blurhash encode: %w", err)
	}
	return hash, nil
}

// DecodeBlurHash reconstructs a low-frequency preview image of the given
// dimensions from a `xyz.amorgan.blurhash` string. punch controls contrast;
// 1.0 matches the reference decoder's default.
func DecodeBlurHash(hash string, width, height int) (image.Image, error) {
	img, err := blurhash.Decode(hash, width, height, 1)
	if err != nil {
		return nil, fmt.Errorf("event: blurhash decode: %w", err)
	}
	return img, nil
}
