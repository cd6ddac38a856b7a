// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

package warpcheck

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// ProbeFunc reports whether a single endpoint accepted a probe within
// timeout. Implementations must not block past timeout and must
// release any transport handle on every exit path.
type ProbeFunc func(ctx context.Context, ap netip.AddrPort, timeout time.Duration) bool

// ProbeUDP sends one empty datagram to ap and reports whether the
// local stack accepted the send without an immediate transport error.
//
// This is a weak reachability signal: it does not confirm an
// application-layer response, so false positives are possible.
func ProbeUDP(ctx context.Context, ap netip.AddrPort, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", ap.String())
	if err != nil {
		return false
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	_, err = conn.Write([]byte{0})
	return err == nil
}
