// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

package limiter

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process sliding-window Limiter.
//
// Each identity owns a bucket of event timestamps in insertion (and
// therefore time) order. Stale entries are purged lazily on access;
// there is no background sweep. Callers that care about map growth
// from high-cardinality one-off identities can call Reap periodically.
type Memory struct {
	now func() time.Time // for tests; nil means time.Now

	mu      sync.Mutex
	buckets map[Identity][]time.Time
}

// NewMemory returns an empty in-process limiter.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[Identity][]time.Time)}
}

// Admit implements Limiter. It never returns a non-nil error.
func (m *Memory) Admit(ctx context.Context, id Identity, lim Limit) (Decision, error) {
	t := time.Now
	if m.now != nil {
		t = m.now
	}
	return m.admitAt(id, lim, t()), nil
}

// admitAt is the time-parameterized core of Admit, split out so tests
// can drive the window deterministically.
func (m *Memory) admitAt(id Identity, lim Limit, now time.Time) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.buckets[id]
	cutoff := now.Add(-lim.Window)

	// Oldest entries are always at the front because insertion is
	// monotonic, so purging is a prefix trim.
	drop := 0
	for drop < len(bucket) && !bucket[drop].After(cutoff) {
		drop++
	}
	bucket = bucket[drop:]

	if len(bucket) >= lim.Max {
		m.buckets[id] = bucket
		return Decision{Allowed: false, RetryAfter: lim.Window}
	}

	bucket = append(bucket, now)
	m.buckets[id] = bucket
	return Decision{
		Allowed:   true,
		Remaining: lim.Max - len(bucket),
	}
}

// reap removes identities whose windows have fully drained. It is an
// optional hardening measure for long-lived processes with
// high-cardinality keys; Admit alone keeps live buckets trimmed.
func (m *Memory) reap(now time.Time, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-window)
	for id, bucket := range m.buckets {
		i := len(bucket)
		for i > 0 && !bucket[i-1].After(cutoff) {
			i--
		}
		if i == 0 {
			delete(m.buckets, id)
		}
	}
}

// Reap removes identities that have been idle for at least window.
func (m *Memory) Reap(window time.Duration) {
	t := time.Now
	if m.now != nil {
		t = m.now
	}
	m.reap(t(), window)
}

// size reports the number of tracked identities, for tests.
func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
