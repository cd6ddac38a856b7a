// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package wgkey contains the WireGuard Curve25519 key types used when
// registering a new tunnel with the relay service.
package wgkey

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Size is the size of a Curve25519 key, in bytes.
const Size = 32

// Key is a public key.
type Key [Size]byte

// Private is a private key. Its String and MarshalText methods are
// intentionally absent so a Private cannot leak into logs by accident;
// use Base64 at the single place that renders a tunnel profile.
type Private [Size]byte

// NewPrivate generates a new private key from the system CSPRNG.
func NewPrivate() (Private, error) {
	var k Private
	if _, err := rand.Read(k[:]); err != nil {
		return Private{}, err
	}
	// Curve25519 clamping, per RFC 7748.
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
	return k, nil
}

// Public computes the public key matching k.
func (k Private) Public() Key {
	pub, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		// Only possible for a low-order input point, which a clamped
		// scalar multiplication of the basepoint cannot produce.
		panic(fmt.Sprintf("wgkey: scalar multiplication failed: %v", err))
	}
	var key Key
	copy(key[:], pub)
	return key
}

// IsZero reports whether k is the zero value.
func (k Private) IsZero() bool {
	var zero Private
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

// Base64 returns the standard-base64 encoding of k, the form WireGuard
// configuration files use.
func (k Private) Base64() string { return base64.StdEncoding.EncodeToString(k[:]) }

func (k Key) String() string { return base64.StdEncoding.EncodeToString(k[:]) }

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("wgkey: parsing key: %w", err)
	}
	if len(raw) != Size {
		return errors.New("wgkey: wrong key length")
	}
	copy(k[:], raw)
	return nil
}

// ParseKey parses the base64 encoding of a public key.
func ParseKey(s string) (Key, error) {
	var k Key
	err := k.UnmarshalText([]byte(s))
	return k, err
}
