// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/awnumar/memguard"
)

// Secret holds an artifact-host auth token sealed in a memguard enclave.
//
// # Description
//
// Descriptors live for the whole initialization attempt and may be logged
// with %v by accident. Secret keeps the token encrypted at rest in memory
// and prints as "[REDACTED]". The plaintext exists only for the duration
// of Reveal's caller building a request.
//
// The zero value is an absent secret.
//
// # Thread Safety
//
// Safe for concurrent use; memguard enclaves are immutable.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals token. An empty token yields an absent Secret.
func NewSecret(token string) Secret {
	if token == "" {
		return Secret{}
	}
	// NewEnclave wipes the source slice after sealing.
	return Secret{enclave: memguard.NewEnclave([]byte(token))}
}

// Present reports whether a token was supplied.
func (s Secret) Present() bool {
	return s.enclave != nil
}

// Reveal returns the plaintext token, or "" for an absent secret.
func (s Secret) Reveal() (string, error) {
	if s.enclave == nil {
		return "", nil
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open token enclave: %w", err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// Fingerprint returns a short SHA-256 digest of the token, or "" when no
// token is held. It tells tokens apart without revealing them.
func (s Secret) Fingerprint() string {
	tok, err := s.Reveal()
	if err != nil || tok == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:8])
}

// String implements fmt.Stringer without exposing the token.
func (s Secret) String() string {
	if s.enclave == nil {
		return ""
	}
	return "[REDACTED]"
}

// GoString keeps %#v from printing enclave internals.
func (s Secret) GoString() string {
	return s.String()
}
