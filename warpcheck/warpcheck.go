// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package warpcheck discovers which relay endpoints are currently
// reachable from this host's vantage point.
//
// A Source assembles the candidate set (static well-known addresses,
// optionally extended by DNS and random samples from the provider's
// address ranges) and a Checker probes it concurrently, either racing
// to the first success or classifying every candidate.
package warpcheck

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"warpgen.dev/types/logger"
)

// DefaultMaxConcurrency bounds simultaneously open probe sockets when
// the caller does not say otherwise.
const DefaultMaxConcurrency = 8

// Checker runs concurrent probes over a candidate set. The zero value
// is usable: it probes with ProbeUDP, DefaultMaxConcurrency wide.
type Checker struct {
	// Probe is the single-endpoint liveness check. Nil means ProbeUDP.
	Probe ProbeFunc

	// MaxConcurrency caps in-flight probes. Values < 1 mean
	// DefaultMaxConcurrency. A cap exceeding the candidate count
	// simply means fewer sockets are ever open at once.
	MaxConcurrency int

	Logf logger.Logf
}

func (c *Checker) probe() ProbeFunc {
	if c.Probe != nil {
		return c.Probe
	}
	return ProbeUDP
}

func (c *Checker) maxConcurrency() int {
	if c.MaxConcurrency > 0 {
		return c.MaxConcurrency
	}
	return DefaultMaxConcurrency
}

func (c *Checker) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

// errWon aborts the errgroup once a probe succeeds, cancelling the
// group context so in-flight probes stop promptly.
var errWon = errors.New("probe won")

// RaceFirst probes set concurrently and returns the first address that
// reports reachable, abandoning the rest. When multiple candidates are
// reachable the winner is whichever completion is observed first; that
// is intentionally non-deterministic, so callers (and tests) must only
// rely on *a* reachable address being returned.
//
// Discovery is designed to always yield some address: if no probe
// succeeds, RaceFirst returns the fallback (the first static
// well-known endpoint) with reachable=false rather than failing.
func (c *Checker) RaceFirst(ctx context.Context, set []Candidate, port uint16, timeout time.Duration) (addr netip.Addr, reachable bool) {
	start := time.Now()
	probe := c.probe()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency())

	var (
		mu     sync.Mutex
		winner netip.Addr
	)
	for _, cand := range set {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !probe(ctx, netip.AddrPortFrom(cand.Addr, port), timeout) {
				return nil
			}
			mu.Lock()
			if !winner.IsValid() {
				winner = cand.Addr
			}
			mu.Unlock()
			return errWon
		})
	}
	// The only error a probe task returns is errWon.
	g.Wait()

	if winner.IsValid() {
		c.logf("warpcheck: race: %v reachable in %v", winner, time.Since(start).Round(time.Millisecond))
		return winner, true
	}
	c.logf("warpcheck: race: no candidate reachable after %v, using fallback %v",
		time.Since(start).Round(time.Millisecond), Fallback())
	return Fallback(), false
}

// ScanAll probes every candidate to completion and returns a new set
// with each candidate classified. The input set is not modified;
// result order matches input order.
func (c *Checker) ScanAll(ctx context.Context, set []Candidate, port uint16, timeout time.Duration) []Candidate {
	probe := c.probe()

	out := make([]Candidate, len(set))
	copy(out, set)

	var g errgroup.Group
	g.SetLimit(c.maxConcurrency())
	for i := range out {
		g.Go(func() error {
			start := time.Now()
			ok := probe(ctx, netip.AddrPortFrom(out[i].Addr, port), timeout)
			out[i].RTT = time.Since(start)
			if ok {
				out[i].State = StateReachable
			} else {
				out[i].State = StateUnreachable
			}
			return nil
		})
	}
	g.Wait()

	return out
}

// Fallback is the address substituted when discovery finds no
// reachable candidate.
func Fallback() netip.Addr { return KnownEndpoints[0] }
