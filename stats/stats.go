// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package stats records tunnel generation events, best effort.
//
// Recording is an asynchronous, one-way event emission: the admission
// path hands an Event to a buffered channel and moves on. A slow or
// unreachable webhook can therefore never add latency or failure risk
// to a caller's response; when the buffer is full the event is
// counted as dropped and forgotten.
package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"

	"warpgen.dev/atomicfile"
	"warpgen.dev/types/logger"
)

// Tracking states reported in a Snapshot.
const (
	TrackingUnknown  = "unknown"
	TrackingDisabled = "disabled"
	TrackingExpired  = "expired"
	TrackingError    = "error"
	TrackingActive   = "active"
)

// Event describes one completed tunnel generation.
type Event struct {
	ClientIP string `json:"client_ip"`
	Mode     string `json:"mode"`
	Endpoint string `json:"endpoint"`
	Port     uint16 `json:"port"`
}

// Snapshot is the persisted counter state. Field names match the
// on-disk JSON so existing state files keep loading.
type Snapshot struct {
	TotalGenerations          int        `json:"total_generations"`
	WebhookSuccess            int        `json:"webhook_success"`
	WebhookFailed             int        `json:"webhook_failed"`
	WebhookSkipped            int        `json:"webhook_skipped"`
	LastWebhookStatusCode     *int       `json:"last_webhook_status_code"`
	WebhookReceivedTotal      int        `json:"webhook_received_total"`
	WebhookReceivedUptoCutoff int        `json:"webhook_received_upto_cutoff"`
	WebhookLastSyncAt         *time.Time `json:"webhook_last_sync_at"`
	WebhookTrackingState      string     `json:"webhook_tracking_state"`
	WebhookSyncError          string     `json:"webhook_sync_error"`
}

// Config configures a Recorder.
type Config struct {
	// WebhookURL receives a POST per generation. Empty disables
	// webhook notifications (events are counted as skipped).
	WebhookURL string

	// WebhookReadURL, if set, is where Sync fetches received
	// requests from. When empty, Sync derives read URLs from a
	// webhook.site token found in WebhookURL.
	WebhookReadURL string

	// Cutoff is the last day (UTC) on which webhook tracking is
	// active; after it, deliveries and syncs report "expired".
	Cutoff time.Time

	// Path is where counters are persisted as JSON. Empty disables
	// persistence.
	Path string

	// HTTPClient overrides the default 10s-timeout client.
	HTTPClient *http.Client

	Logf logger.Logf
}

// Recorder accumulates generation statistics and delivers webhook
// notifications from a background worker.
type Recorder struct {
	cfg    Config
	client *http.Client
	logf   logger.Logf
	now    func() time.Time // for tests

	events chan Event
	worker *taskgroup.Group

	mu   sync.Mutex
	snap Snapshot
}

// eventBuffer is the channel depth between the admission path and the
// delivery worker; events beyond it are dropped, not queued.
const eventBuffer = 64

// NewRecorder loads any persisted state from cfg.Path and starts the
// delivery worker. Callers must Close the Recorder to flush it.
func NewRecorder(cfg Config) *Recorder {
	logf := cfg.Logf
	if logf == nil {
		logf = logger.Discard
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	r := &Recorder{
		cfg:    cfg,
		client: client,
		logf:   logf,
		now:    time.Now,
		events: make(chan Event, eventBuffer),
		snap:   Snapshot{WebhookTrackingState: TrackingUnknown},
	}
	r.load()

	r.worker = &taskgroup.Group{}
	r.worker.Go(func() error {
		for ev := range r.events {
			r.deliver(ev)
		}
		return nil
	})
	return r
}

// Close stops accepting events and waits for queued deliveries.
func (r *Recorder) Close() error {
	close(r.events)
	r.worker.Wait()
	return nil
}

// RecordGeneration emits ev to the delivery worker. It never blocks:
// if the buffer is full the event is dropped.
func (r *Recorder) RecordGeneration(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logf("stats: event buffer full, dropping generation event")
	}
}

// Snapshot returns a copy of the current counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

func (r *Recorder) load() {
	if r.cfg.Path == "" {
		return
	}
	data, err := os.ReadFile(r.cfg.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logf("stats: reading %s: %v", r.cfg.Path, err)
		}
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		r.logf("stats: corrupt state in %s: %v", r.cfg.Path, err)
		return
	}
	if snap.WebhookTrackingState == "" {
		snap.WebhookTrackingState = TrackingUnknown
	}
	r.snap = snap
}

// saveLocked persists the counters. r.mu must be held.
func (r *Recorder) saveLocked() {
	if r.cfg.Path == "" {
		return
	}
	data, err := json.Marshal(r.snap)
	if err != nil {
		r.logf("stats: marshal: %v", err)
		return
	}
	if err := atomicfile.WriteFile(r.cfg.Path, data, 0600); err != nil {
		r.logf("stats: writing %s: %v", r.cfg.Path, err)
	}
}

func (r *Recorder) afterCutoff() bool {
	if r.cfg.Cutoff.IsZero() {
		return false
	}
	y, m, d := r.now().UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	cy, cm, cd := r.cfg.Cutoff.UTC().Date()
	cutoff := time.Date(cy, cm, cd, 0, 0, 0, 0, time.UTC)
	return today.After(cutoff)
}

type webhookPayload struct {
	Event     string `json:"event"`
	EventID   string `json:"event_id"`
	Timestamp int64  `json:"timestamp"`
	ClientIP  string `json:"client_ip"`
	Mode      string `json:"mode"`
	Endpoint  string `json:"endpoint"`
	Port      uint16 `json:"port"`
}

// deliver posts ev to the webhook (if configured and not expired) and
// folds the outcome into the counters. Webhook failures are recorded,
// never propagated.
func (r *Recorder) deliver(ev Event) {
	outcome, statusCode := r.post(ev)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.TotalGenerations++
	r.snap.LastWebhookStatusCode = statusCode
	switch outcome {
	case "success":
		r.snap.WebhookSuccess++
	case "failed":
		r.snap.WebhookFailed++
	default: // skipped, expired
		r.snap.WebhookSkipped++
	}
	r.saveLocked()
}

func (r *Recorder) post(ev Event) (outcome string, statusCode *int) {
	if r.cfg.WebhookURL == "" {
		return "skipped", nil
	}
	if r.afterCutoff() {
		return "expired", nil
	}

	body, err := json.Marshal(webhookPayload{
		Event:     "warp_key_generated",
		EventID:   uuid.NewString(),
		Timestamp: r.now().Unix(),
		ClientIP:  ev.ClientIP,
		Mode:      ev.Mode,
		Endpoint:  ev.Endpoint,
		Port:      ev.Port,
	})
	if err != nil {
		return "failed", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", r.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return "failed", nil
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		r.logf("stats: webhook post: %v", err)
		return "failed", nil
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return "success", &res.StatusCode
	}
	return "failed", &res.StatusCode
}

var webhookSiteToken = regexp.MustCompile(`webhook\.site/([0-9a-fA-F-]{36})`)

// readURLs returns the candidate URLs Sync should try, in order.
func (r *Recorder) readURLs() []string {
	if r.cfg.WebhookReadURL != "" {
		return []string{r.cfg.WebhookReadURL}
	}
	m := webhookSiteToken.FindStringSubmatch(r.cfg.WebhookURL)
	if m == nil {
		return nil
	}
	return []string{
		fmt.Sprintf("https://webhook.site/token/%s/requests?sorting=newest", m[1]),
		fmt.Sprintf("https://webhook.site/token/%s/requests", m[1]),
	}
}

func (r *Recorder) setSyncState(state, syncErr string) {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.WebhookTrackingState = state
	r.snap.WebhookSyncError = syncErr
	r.snap.WebhookLastSyncAt = &now
	r.saveLocked()
}

// Sync pulls the webhook's received-request list and updates the
// received counters and tracking state. It is best effort: any
// failure only marks the tracking state, it never returns an error to
// the admission path.
func (r *Recorder) Sync(ctx context.Context) {
	if r.cfg.WebhookURL == "" {
		r.setSyncState(TrackingDisabled, "webhook URL is empty")
		return
	}
	if r.afterCutoff() {
		r.setSyncState(TrackingExpired,
			fmt.Sprintf("tracking ended after %s", r.cfg.Cutoff.UTC().Format("2006-01-02")))
		return
	}
	urls := r.readURLs()
	if len(urls) == 0 {
		r.setSyncState(TrackingError, "unable to derive webhook read URL")
		return
	}

	var (
		requests []syncItem
		got      bool
		lastErr  = "webhook read failed"
	)
	for _, u := range urls {
		items, err := r.fetchRequests(ctx, u)
		if err != nil {
			lastErr = err.Error()
			continue
		}
		requests, got = items, true
		break
	}
	if !got {
		r.setSyncState(TrackingError, lastErr)
		return
	}

	var cutoffEnd time.Time
	if !r.cfg.Cutoff.IsZero() {
		cutoffEnd = endOfDay(r.cfg.Cutoff)
	}
	uptoCutoff := 0
	for _, item := range requests {
		t := item.created()
		if t.IsZero() {
			continue
		}
		if cutoffEnd.IsZero() || !t.After(cutoffEnd) {
			uptoCutoff++
		}
	}

	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.WebhookReceivedTotal = len(requests)
	r.snap.WebhookReceivedUptoCutoff = uptoCutoff
	r.snap.WebhookTrackingState = TrackingActive
	r.snap.WebhookSyncError = ""
	r.snap.WebhookLastSyncAt = &now
	r.saveLocked()
}

type syncItem struct {
	CreatedAt  string `json:"created_at"`
	CreatedAt2 string `json:"createdAt"`
	Created    string `json:"created"`
}

func (i syncItem) created() time.Time {
	for _, raw := range []string{i.CreatedAt, i.CreatedAt2, i.Created} {
		if raw == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, raw); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
}

// fetchRequests GETs u and extracts the request list from the
// supported response shapes: {"data":[...]}, {"requests":[...]} or a
// bare array.
func (r *Recorder) fetchRequests(ctx context.Context, u string) ([]syncItem, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook read connection error")
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d", res.StatusCode)
	}

	var envelope struct {
		Data     []syncItem `json:"data"`
		Requests []syncItem `json:"requests"`
	}
	var raw json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("unexpected webhook response format")
	}
	var bare []syncItem
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, nil
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Data != nil {
			return envelope.Data, nil
		}
		if envelope.Requests != nil {
			return envelope.Requests, nil
		}
	}
	return nil, fmt.Errorf("unexpected webhook response format")
}
