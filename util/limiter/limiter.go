// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package limiter provides sliding-window request rate limiting keyed
// by client identity and request class.
//
// Unlike token buckets, a sliding window counts the events observed in
// the trailing Window and rejects once Max is reached, so a burst that
// exhausts the quota blocks further requests until the oldest event
// ages out.
//
// Two implementations share the Limiter interface: Memory, an
// in-process map guarded by a mutex, and Redis, a distributed window
// backed by a sorted set for deployments with multiple replicas.
// Memory never returns an error; Redis surfaces transport errors and
// leaves the fail-open/fail-closed choice to the caller.
package limiter

import (
	"context"
	"time"
)

// Class partitions quota, so that an expensive operation (tunnel
// generation) gets a materially smaller allowance than cheap ones.
type Class string

const (
	// ClassGeneral covers status and scan requests.
	ClassGeneral Class = "general"
	// ClassGenerate covers tunnel generation requests.
	ClassGenerate Class = "generate"
)

// Identity names the caller being limited: typically the client IP
// plus the class of the request.
type Identity struct {
	Key   string
	Class Class
}

// Limit is a per-class policy: at most Max events within the trailing
// Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Decision is the outcome of a single Admit call.
type Decision struct {
	Allowed    bool
	Remaining  int           // slots left in the window after this request
	RetryAfter time.Duration // non-zero only when rejected
}

// Limiter admits or rejects a single request. A rejection is a normal
// return, not an error; errors indicate the backing store failed.
//
// Admissions for the same Identity are serialized: two concurrent
// Admit calls can never both observe the last free slot.
type Limiter interface {
	Admit(ctx context.Context, id Identity, lim Limit) (Decision, error)
}
