// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

package limiter

import (
	"context"
	"sync"
	"testing"
	"time"
)

var testLimit = Limit{Max: 3, Window: 60 * time.Second}

func admittedAt(t *testing.T, m *Memory, id Identity, now time.Time, wantRemaining int) {
	t.Helper()
	d := m.admitAt(id, testLimit, now)
	if !d.Allowed {
		t.Fatalf("admit at %v for %v: rejected, want allowed", now, id)
	}
	if d.Remaining != wantRemaining {
		t.Fatalf("admit at %v for %v: remaining = %d, want %d", now, id, d.Remaining, wantRemaining)
	}
}

func rejectedAt(t *testing.T, m *Memory, id Identity, now time.Time) {
	t.Helper()
	d := m.admitAt(id, testLimit, now)
	if d.Allowed {
		t.Fatalf("admit at %v for %v: allowed, want rejected", now, id)
	}
	if d.RetryAfter != testLimit.Window {
		t.Fatalf("RetryAfter = %v, want %v", d.RetryAfter, testLimit.Window)
	}
}

func TestMemoryWindow(t *testing.T) {
	m := NewMemory()
	id := Identity{Key: "203.0.113.7", Class: ClassGenerate}
	t0 := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	// Quota of 3 at t=0 succeeds with remaining 2,1,0.
	admittedAt(t, m, id, t0, 2)
	admittedAt(t, m, id, t0, 1)
	admittedAt(t, m, id, t0, 0)

	// Fourth request inside the window is rejected.
	rejectedAt(t, m, id, t0)
	rejectedAt(t, m, id, t0.Add(10*time.Second))

	// Once the window has passed, the full quota is back.
	admittedAt(t, m, id, t0.Add(61*time.Second), 2)
}

func TestMemoryPartialExpiry(t *testing.T) {
	m := NewMemory()
	id := Identity{Key: "198.51.100.9", Class: ClassGenerate}
	t0 := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	admittedAt(t, m, id, t0, 2)
	admittedAt(t, m, id, t0.Add(30*time.Second), 1)
	admittedAt(t, m, id, t0.Add(30*time.Second), 0)

	// At t0+61 only the first event has aged out: one slot free.
	admittedAt(t, m, id, t0.Add(61*time.Second), 0)
	rejectedAt(t, m, id, t0.Add(61*time.Second))
}

func TestMemoryPerKeyIsolation(t *testing.T) {
	m := NewMemory()
	a := Identity{Key: "203.0.113.7", Class: ClassGenerate}
	b := Identity{Key: "203.0.113.8", Class: ClassGenerate}
	sameKeyOtherClass := Identity{Key: "203.0.113.7", Class: ClassGeneral}
	t0 := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	for range testLimit.Max {
		if d := m.admitAt(a, testLimit, t0); !d.Allowed {
			t.Fatal("exhausting A unexpectedly rejected")
		}
	}
	rejectedAt(t, m, a, t0)

	// Exhausting A's quota must not affect B, nor A under another class.
	admittedAt(t, m, b, t0, 2)
	admittedAt(t, m, sameKeyOtherClass, t0, 2)
}

func TestMemoryAdmitUsesWallClock(t *testing.T) {
	m := NewMemory()
	id := Identity{Key: "x", Class: ClassGeneral}
	d, err := m.Admit(context.Background(), id, Limit{Max: 1, Window: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Remaining != 0 {
		t.Fatalf("got %+v, want allowed with no remaining", d)
	}
}

func TestMemoryConcurrentAdmit(t *testing.T) {
	// With one slot remaining, concurrent admits must hand it to
	// exactly one caller.
	const callers = 32
	m := NewMemory()
	id := Identity{Key: "race", Class: ClassGenerate}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	for range testLimit.Max - 1 {
		m.admitAt(id, testLimit, now)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := m.admitAt(id, testLimit, now); d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 1 {
		t.Errorf("%d callers won the last slot, want exactly 1", allowed)
	}
}

func TestMemoryReap(t *testing.T) {
	m := NewMemory()
	t0 := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	lim := Limit{Max: 5, Window: time.Minute}

	m.admitAt(Identity{Key: "old", Class: ClassGeneral}, lim, t0)
	m.admitAt(Identity{Key: "fresh", Class: ClassGeneral}, lim, t0.Add(50*time.Second))
	if m.size() != 2 {
		t.Fatalf("size = %d, want 2", m.size())
	}

	m.reap(t0.Add(70*time.Second), lim.Window)
	if m.size() != 1 {
		t.Errorf("after reap, size = %d, want 1", m.size())
	}
}
