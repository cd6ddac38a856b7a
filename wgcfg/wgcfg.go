// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package wgcfg renders WireGuard tunnel profiles for freshly
// registered keys, as profile text and as a scannable QR image.
package wgcfg

import (
	"fmt"
	"net/netip"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"warpgen.dev/warpapi"
	"warpgen.dev/wgkey"
)

// PeerPublicKey is the relay's fixed WireGuard public key.
const PeerPublicKey = "bmXOC+F1FxEMF9dyiK2H5/1SUtzH0JuVo51h2wPfgyo="

// qrSize is the pixel width of generated QR images.
const qrSize = 256

// Render formats a complete tunnel profile. It is purely
// deterministic: same inputs, same text.
func Render(priv wgkey.Private, reg *warpapi.Registration, endpoint netip.AddrPort) string {
	address := reg.AddressV4
	if reg.AddressV6 != "" {
		address += ", " + reg.AddressV6
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", priv.Base64())
	fmt.Fprintf(&b, "Address = %s\n", address)
	fmt.Fprintf(&b, "DNS = 1.1.1.1, 1.0.0.1\n")
	fmt.Fprintf(&b, "\n")
	fmt.Fprintf(&b, "[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", PeerPublicKey)
	fmt.Fprintf(&b, "AllowedIPs = 0.0.0.0/0, ::/0\n")
	fmt.Fprintf(&b, "Endpoint = %s\n", endpoint)
	fmt.Fprintf(&b, "PersistentKeepalive = 25\n")
	return b.String()
}

// QRCode encodes profile as a PNG QR image suitable for the WireGuard
// mobile apps' import-by-scan flow.
func QRCode(profile string) ([]byte, error) {
	return qrcode.Encode(profile, qrcode.Medium, qrSize)
}
