// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

package stats

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func testEvent() Event {
	return Event{
		ClientIP: "203.0.113.7",
		Mode:     "auto",
		Endpoint: "162.159.192.1:500",
		Port:     500,
	}
}

func TestRecordDelivers(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Error(err)
		}
		if payload["event"] != "warp_key_generated" {
			t.Errorf("event = %v", payload["event"])
		}
		if payload["event_id"] == "" {
			t.Error("missing event_id")
		}
		posts.Add(1)
	}))
	defer srv.Close()

	r := NewRecorder(Config{
		WebhookURL: srv.URL,
		Cutoff:     time.Now().AddDate(1, 0, 0),
		HTTPClient: srv.Client(),
		Logf:       t.Logf,
	})
	r.RecordGeneration(testEvent())
	r.RecordGeneration(testEvent())
	r.Close()

	if got := posts.Load(); got != 2 {
		t.Errorf("webhook received %d posts, want 2", got)
	}
	snap := r.Snapshot()
	if snap.TotalGenerations != 2 || snap.WebhookSuccess != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.LastWebhookStatusCode == nil || *snap.LastWebhookStatusCode != 200 {
		t.Errorf("LastWebhookStatusCode = %v", snap.LastWebhookStatusCode)
	}
}

func TestRecordWithoutWebhook(t *testing.T) {
	r := NewRecorder(Config{Logf: t.Logf})
	r.RecordGeneration(testEvent())
	r.Close()

	snap := r.Snapshot()
	if snap.TotalGenerations != 1 || snap.WebhookSkipped != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRecordAfterCutoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("webhook called after cutoff")
	}))
	defer srv.Close()

	r := NewRecorder(Config{
		WebhookURL: srv.URL,
		Cutoff:     time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC),
		HTTPClient: srv.Client(),
		Logf:       t.Logf,
	})
	r.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	r.RecordGeneration(testEvent())
	r.Close()

	snap := r.Snapshot()
	if snap.WebhookSkipped != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")

	r := NewRecorder(Config{Path: path, Logf: t.Logf})
	r.RecordGeneration(testEvent())
	r.Close()

	r2 := NewRecorder(Config{Path: path, Logf: t.Logf})
	defer r2.Close()
	if got := r2.Snapshot().TotalGenerations; got != 1 {
		t.Errorf("reloaded TotalGenerations = %d, want 1", got)
	}
}

func TestSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[
			{"created_at":"2026-02-20T10:00:00Z"},
			{"created_at":"2026-02-24T23:59:00Z"},
			{"created_at":"2026-02-26T00:01:00Z"}
		]}`))
	}))
	defer srv.Close()

	r := NewRecorder(Config{
		WebhookURL:     "https://example.com/hook",
		WebhookReadURL: srv.URL,
		Cutoff:         time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC),
		HTTPClient:     srv.Client(),
		Logf:           t.Logf,
	})
	defer r.Close()
	r.now = func() time.Time { return time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC) }

	r.Sync(context.Background())

	snap := r.Snapshot()
	if snap.WebhookTrackingState != TrackingActive {
		t.Fatalf("state = %q, err = %q", snap.WebhookTrackingState, snap.WebhookSyncError)
	}
	if snap.WebhookReceivedTotal != 3 {
		t.Errorf("received total = %d, want 3", snap.WebhookReceivedTotal)
	}
	if snap.WebhookReceivedUptoCutoff != 2 {
		t.Errorf("received up to cutoff = %d, want 2", snap.WebhookReceivedUptoCutoff)
	}
	if snap.WebhookLastSyncAt == nil {
		t.Error("WebhookLastSyncAt not set")
	}
}

func TestSyncStates(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		r := NewRecorder(Config{Logf: t.Logf})
		defer r.Close()
		r.Sync(context.Background())
		if got := r.Snapshot().WebhookTrackingState; got != TrackingDisabled {
			t.Errorf("state = %q", got)
		}
	})

	t.Run("expired", func(t *testing.T) {
		r := NewRecorder(Config{
			WebhookURL: "https://example.com/hook",
			Cutoff:     time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC),
			Logf:       t.Logf,
		})
		defer r.Close()
		r.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
		r.Sync(context.Background())
		if got := r.Snapshot().WebhookTrackingState; got != TrackingExpired {
			t.Errorf("state = %q", got)
		}
	})

	t.Run("unreadable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no", http.StatusForbidden)
		}))
		defer srv.Close()

		r := NewRecorder(Config{
			WebhookURL:     "https://example.com/hook",
			WebhookReadURL: srv.URL,
			Cutoff:         time.Now().AddDate(1, 0, 0),
			HTTPClient:     srv.Client(),
			Logf:           t.Logf,
		})
		defer r.Close()
		r.Sync(context.Background())
		snap := r.Snapshot()
		if snap.WebhookTrackingState != TrackingError {
			t.Errorf("state = %q", snap.WebhookTrackingState)
		}
		if snap.WebhookSyncError != "HTTP 403" {
			t.Errorf("sync error = %q", snap.WebhookSyncError)
		}
	})
}

func TestWebhookSiteTokenDerivation(t *testing.T) {
	r := NewRecorder(Config{
		WebhookURL: "https://webhook.site/aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
	})
	defer r.Close()
	urls := r.readURLs()
	if len(urls) != 2 {
		t.Fatalf("got %d urls: %v", len(urls), urls)
	}
	want := "https://webhook.site/token/aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee/requests?sorting=newest"
	if urls[0] != want {
		t.Errorf("urls[0] = %q, want %q", urls[0], want)
	}
}
