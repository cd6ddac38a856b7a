// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgkey

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestKeyBasics(t *testing.T) {
	k1, err := NewPrivate()
	if err != nil {
		t.Fatal(err)
	}
	if k1.IsZero() {
		t.Fatal("NewPrivate returned a zero key")
	}

	// Clamping per RFC 7748.
	if k1[0]&7 != 0 {
		t.Errorf("low bits not cleared: %08b", k1[0])
	}
	if k1[31]&128 != 0 || k1[31]&64 == 0 {
		t.Errorf("high byte not clamped: %08b", k1[31])
	}

	k2, err := NewPrivate()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1[:], k2[:]) {
		t.Fatal("two NewPrivate calls returned the same key")
	}
	if k1.Public() == k2.Public() {
		t.Fatal("distinct private keys produced the same public key")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	priv, err := NewPrivate()
	if err != nil {
		t.Fatal(err)
	}
	pub := priv.Public()

	got, err := ParseKey(pub.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != pub {
		t.Errorf("ParseKey(%q) = %v, want %v", pub.String(), got, pub)
	}

	type wire struct {
		Key Key `json:"key"`
	}
	b, err := json.Marshal(wire{Key: pub})
	if err != nil {
		t.Fatal(err)
	}
	var back wire
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Key != pub {
		t.Errorf("JSON round trip: got %v, want %v", back.Key, pub)
	}
}

func TestParseKeyRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "not base64!!", "AAAA"} {
		if _, err := ParseKey(s); err == nil {
			t.Errorf("ParseKey(%q) succeeded, want error", s)
		}
	}
}
