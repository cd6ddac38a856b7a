// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"warpgen.dev/admission"
	"warpgen.dev/stats"
	"warpgen.dev/util/limiter"
	"warpgen.dev/warpapi"
	"warpgen.dev/warpcheck"
	"warpgen.dev/wgkey"
)

type stubIssuer struct{}

func (stubIssuer) Register(ctx context.Context, pub wgkey.Key) (*warpapi.Registration, error) {
	return &warpapi.Registration{AddressV4: "172.16.0.2/32", AddressV6: "2606:4700::1/128"}, nil
}

func newTestServer(t *testing.T, reachable ...string) *server {
	t.Helper()
	ok := make(map[netip.Addr]bool)
	for _, a := range reachable {
		ok[netip.MustParseAddr(a)] = true
	}
	probe := func(ctx context.Context, ap netip.AddrPort, timeout time.Duration) bool {
		return ok[ap.Addr()]
	}
	coord := admission.NewCoordinator(admission.Config{
		Limits: map[limiter.Class]limiter.Limit{
			limiter.ClassGenerate: {Max: 3, Window: time.Minute},
			limiter.ClassGeneral:  {Max: 100, Window: time.Minute},
		},
		Source: &warpcheck.Source{
			Static: []netip.Addr{
				netip.MustParseAddr("10.0.0.1"),
				netip.MustParseAddr("10.0.0.2"),
			},
			Logf: t.Logf,
		},
		Checker: &warpcheck.Checker{Probe: probe, Logf: t.Logf},
		Issuer:  stubIssuer{},
		Logf:    t.Logf,
	})
	rec := stats.NewRecorder(stats.Config{
		Path: filepath.Join(t.TempDir(), "stats.json"),
		Logf: t.Logf,
	})
	t.Cleanup(func() { rec.Close() })
	return &server{
		coord:        coord,
		recorder:     rec,
		probeTimeout: 50 * time.Millisecond,
		logf:         t.Logf,
	}
}

type envelope struct {
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Data   json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not a JSON envelope: %v\n%s", err, rec.Body.String())
	}
	return env
}

func TestGenerateHandler(t *testing.T) {
	s := newTestServer(t, "10.0.0.2")
	h := s.router()

	req := httptest.NewRequest("POST", "/api/generate",
		strings.NewReader(`{"mode":"auto","port":2408}`))
	req.RemoteAddr = "203.0.113.7:555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("code = %d; body = %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Status != "success" {
		t.Fatalf("status = %q", env.Status)
	}
	var data generateResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Endpoint != "10.0.0.2:2408" {
		t.Errorf("endpoint = %q; want 10.0.0.2:2408", data.Endpoint)
	}
	if !data.Reachable {
		t.Error("reachable = false; want true")
	}
	if !strings.Contains(data.Config, "Endpoint = 10.0.0.2:2408") {
		t.Errorf("profile missing endpoint line:\n%s", data.Config)
	}
	if len(data.QRPNG) == 0 {
		t.Error("missing QR code")
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
		t.Errorf("X-RateLimit-Limit = %q; want 3", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "2" {
		t.Errorf("X-RateLimit-Remaining = %q; want 2", got)
	}
}

func TestGenerateHandlerDefaults(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/generate", strings.NewReader(`{}`))
	req.RemoteAddr = "203.0.113.7:555"
	s.router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("code = %d; body = %s", rec.Code, rec.Body.String())
	}
	var data generateResponse
	env := decodeEnvelope(t, rec)
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	// Nothing reachable: the first known candidate at the default
	// port is substituted.
	if data.Endpoint != "10.0.0.1:500" {
		t.Errorf("endpoint = %q; want 10.0.0.1:500", data.Endpoint)
	}
	if data.Reachable {
		t.Error("reachable = true; want false")
	}
}

func TestGenerateHandlerBadInput(t *testing.T) {
	s := newTestServer(t)
	h := s.router()
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad_json", `{`, "invalid JSON body"},
		{"unknown_mode", `{"mode":"magic"}`, admission.ReasonUnknownMode},
		{"bad_port", `{"mode":"auto","port":70000}`, admission.ReasonPortOutOfRange},
		{"select_without_address", `{"mode":"select"}`, admission.ReasonAddressRequired},
		{"select_not_offered", `{"mode":"select","address":"192.0.2.99"}`, admission.ReasonNotOffered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/api/generate", strings.NewReader(tt.body))
			req.RemoteAddr = "203.0.113.7:555"
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("code = %d; body = %s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.wantErr) {
				t.Errorf("body = %q; want mention of %q", rec.Body.String(), tt.wantErr)
			}
		})
	}
}

func TestGenerateHandlerRateLimited(t *testing.T) {
	s := newTestServer(t, "10.0.0.1")
	h := s.router()

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/generate",
			strings.NewReader(`{"mode":"auto","port":500}`))
		req.RemoteAddr = "203.0.113.7:555"
		h.ServeHTTP(rec, req)
		return rec
	}
	for range 3 {
		if rec := do(); rec.Code != 200 {
			t.Fatalf("code = %d; body = %s", rec.Code, rec.Body.String())
		}
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d; want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q; want 60", got)
	}
}

func TestScanHandler(t *testing.T) {
	s := newTestServer(t, "10.0.0.1")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/scan?port=854", nil)
	req.RemoteAddr = "203.0.113.7:555"
	s.router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("code = %d; body = %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	var data scanResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Port != 854 {
		t.Errorf("port = %d; want 854", data.Port)
	}
	if len(data.Candidates) != 2 {
		t.Fatalf("got %d candidates; want 2", len(data.Candidates))
	}
	if data.Candidates[0].State != "reachable" {
		t.Errorf("candidate 0 state = %q; want reachable", data.Candidates[0].State)
	}
	if data.Candidates[1].State != "unreachable" {
		t.Errorf("candidate 1 state = %q; want unreachable", data.Candidates[1].State)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "100" {
		t.Errorf("X-RateLimit-Limit = %q; want 100", got)
	}
}

func TestScanHandlerBadPort(t *testing.T) {
	s := newTestServer(t)
	for _, q := range []string{"port=0", "port=70000", "port=abc"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/scan?"+q, nil)
		req.RemoteAddr = "203.0.113.7:555"
		s.router().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: code = %d; want 400", q, rec.Code)
		}
	}
}

func TestStatsHandler(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/stats", nil)
	req.RemoteAddr = "203.0.113.7:555"
	s.router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("code = %d; body = %s", rec.Code, rec.Body.String())
	}
	var snap stats.Snapshot
	env := decodeEnvelope(t, rec)
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.WebhookTrackingState != "disabled" {
		t.Errorf("tracking state = %q; want disabled (no webhook configured)", snap.WebhookTrackingState)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 || rec.Body.String() != "ok\n" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}
