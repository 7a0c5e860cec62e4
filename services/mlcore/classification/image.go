// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classification

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"os"
	"strings"
	"sync"
	"unicode"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"github.com/disintegration/imaging"
)

// Image is classification input. The raw bytes are held as given and
// decoded on first use; the result, or the decode error, is memoized.
type Image struct {
	raw    []byte
	source string

	once sync.Once
	img  image.Image
	err  error
}

// FromBytes wraps already-loaded encoded image bytes.
func FromBytes(raw []byte) *Image {
	return &Image{raw: raw, source: "bytes"}
}

// FromPath reads an encoded image from disk.
func FromPath(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, mlerrors.Decode("cannot read image file", err)
	}
	return &Image{raw: raw, source: path}, nil
}

// FromBase64 parses a base64 image, with or without a data URI prefix.
//
// # Description
//
// Accepts "data:image/<type>;base64,<payload>" or a bare payload. Embedded
// whitespace and line breaks are dropped, and both padded and unpadded
// standard base64 are accepted.
//
// # Inputs
//
//   - s: Encoded image.
//
// # Outputs
//
//   - *Image: Undecoded image.
//   - error: *mlerrors.Error of KindDecode for a malformed data URI, an
//     empty payload or invalid base64.
//
// # Examples
//
//	img, err := classification.FromBase64("data:image/jpeg;base64,/9j/4AAQ...")
func FromBase64(s string) (*Image, error) {
	payload, err := stripDataURI(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	payload = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, payload)
	if payload == "" {
		return nil, mlerrors.Decode("image data is empty", nil)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		var rawErr error
		raw, rawErr = base64.RawStdEncoding.DecodeString(payload)
		if rawErr != nil {
			return nil, mlerrors.Decode("image data is not valid base64", err)
		}
	}
	return &Image{raw: raw, source: "base64"}, nil
}

// stripDataURI removes a "data:<mime>;base64," prefix.
func stripDataURI(s string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(s), "data:") {
		return s, nil
	}
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return "", mlerrors.Decode("malformed data URI: missing ','", nil)
	}
	header := strings.ToLower(s[len("data:"):comma])
	if !strings.HasSuffix(header, ";base64") {
		return "", mlerrors.Decode("malformed data URI: only base64 payloads are supported", nil)
	}
	if mime := strings.TrimSuffix(header, ";base64"); mime != "" && !strings.HasPrefix(mime, "image/") {
		return "", mlerrors.Decode("malformed data URI: media type "+mime+" is not an image", nil)
	}
	return s[comma+1:], nil
}

// Raw returns the encoded bytes.
func (i *Image) Raw() []byte { return i.raw }

// Source describes where the image came from, for logs.
func (i *Image) Source() string { return i.source }

// Decode returns the decoded image with EXIF orientation applied. The
// result is memoized.
func (i *Image) Decode() (image.Image, error) {
	i.once.Do(func() {
		if len(i.raw) == 0 {
			i.err = mlerrors.Decode("image data is empty", nil)
			return
		}
		img, err := imaging.Decode(bytes.NewReader(i.raw), imaging.AutoOrientation(true))
		if err != nil {
			if errors.Is(err, image.ErrFormat) {
				i.err = mlerrors.Decode("unsupported or corrupt image format", err)
				return
			}
			i.err = mlerrors.Decode("failed to decode image", err)
			return
		}
		i.img = img
	})
	return i.img, i.err
}

// JPEG decodes, applies orientation, shrinks to fit maxSide and re-encodes
// as JPEG. maxSide <= 0 keeps the original size.
func (i *Image) JPEG(maxSide int) ([]byte, error) {
	img, err := i.Decode()
	if err != nil {
		return nil, err
	}
	if maxSide > 0 {
		b := img.Bounds()
		if b.Dx() > maxSide || b.Dy() > maxSide {
			img = imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, mlerrors.Decode("failed to re-encode image", err)
	}
	return buf.Bytes(), nil
}
