// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"warpgen.dev/admission"
	"warpgen.dev/stats"
	"warpgen.dev/types/logger"
	"warpgen.dev/util/limiter"
	"warpgen.dev/warpcheck"
	"warpgen.dev/web"
)

// DefaultPort is the relay port used when the caller doesn't name
// one. It is the provider's primary WireGuard port.
const DefaultPort = 500

type server struct {
	coord        *admission.Coordinator
	recorder     *stats.Recorder
	probeTimeout time.Duration
	logf         logger.Logf
}

func (s *server) router() http.Handler {
	opts := web.HandlerOptions{
		Logf:               s.logf,
		StatusCodeCounters: statusCodes,
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	r.Method("GET", "/debug/varz", expvar.Handler())
	r.Method("GET", "/metrics", promhttp.Handler())

	// Generation enforces its own, stricter quota inside the
	// coordinator; the cheap read endpoints share the general one.
	r.Method("POST", "/api/generate", web.StdHandler(web.ReturnHandlerFunc(s.serveGenerate), opts))
	r.Group(func(r chi.Router) {
		r.Use(s.generalLimit)
		r.Method("GET", "/api/scan", web.StdHandler(web.JSONHandlerFunc(s.serveScan), opts))
		r.Method("GET", "/api/stats", web.StdHandler(web.JSONHandlerFunc(s.serveStats), opts))
	})
	return r
}

// generalLimit applies the per-client request quota and advertises it
// in X-RateLimit headers.
func (s *server) generalLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec := s.coord.Admit(r.Context(), web.ClientIP(r), limiter.ClassGeneral)
		lim := s.coord.LimitFor(limiter.ClassGeneral)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(lim.Max))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
		if !dec.Allowed {
			rateLimited.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(dec.RetryAfter.Seconds())))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type generateRequest struct {
	Mode           string `json:"mode"`
	Address        string `json:"address,omitempty"`
	Port           int    `json:"port,omitempty"`
	ProbeTimeoutMS int    `json:"probe_timeout_ms,omitempty"`
}

type generateResponse struct {
	Endpoint  string `json:"endpoint"`
	Reachable bool   `json:"reachable"`
	Config    string `json:"config"`
	QRPNG     []byte `json:"qr_png"`
	ConfName  string `json:"conf_name"`
	QRName    string `json:"qr_name"`
	AddressV4 string `json:"address_v4,omitempty"`
	AddressV6 string `json:"address_v6,omitempty"`
}

func (s *server) serveGenerate(w http.ResponseWriter, r *http.Request) error {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return web.Error(http.StatusBadRequest, "invalid JSON body", err)
	}
	if body.Mode == "" {
		body.Mode = string(admission.ModeAuto)
	}
	if body.Port == 0 {
		body.Port = DefaultPort
	}
	probeTimeout := s.probeTimeout
	if body.ProbeTimeoutMS > 0 {
		probeTimeout = time.Duration(body.ProbeTimeoutMS) * time.Millisecond
	}

	res, err := s.coord.Generate(r.Context(), admission.Request{
		ClientKey: web.ClientIP(r),
		Selection: admission.SelectionRequest{
			Mode:    admission.Mode(body.Mode),
			Address: body.Address,
			Port:    body.Port,
		},
		ProbeTimeout: probeTimeout,
	})
	if err != nil {
		var rle admission.RateLimitedError
		if errors.As(err, &rle) {
			rateLimited.Inc()
			hdr := http.Header{}
			hdr.Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())))
			return web.HTTPError{Code: http.StatusTooManyRequests, Msg: rle.Error(), Header: hdr}
		}
		var ise admission.InvalidSelectionError
		if errors.As(err, &ise) {
			return web.Error(http.StatusBadRequest, ise.Reason, nil)
		}
		// Key generation or upstream registration failed.
		return web.Error(http.StatusBadGateway, "profile generation failed", err)
	}

	generations.WithLabelValues(body.Mode).Inc()

	lim := s.coord.LimitFor(limiter.ClassGenerate)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(lim.Max))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.RateRemaining))

	return writeJSON(w, http.StatusOK, generateResponse{
		Endpoint:  res.Endpoint.String(),
		Reachable: res.Reachable,
		Config:    res.Profile,
		QRPNG:     res.QRPNG,
		ConfName:  res.ConfName,
		QRName:    res.QRName,
		AddressV4: res.Registration.AddressV4,
		AddressV6: res.Registration.AddressV6,
	})
}

type scanCandidate struct {
	Address string  `json:"address"`
	State   string  `json:"state"`
	RTTms   float64 `json:"rtt_ms,omitempty"`
}

type scanResponse struct {
	Hostname   string          `json:"hostname"`
	Port       int             `json:"port"`
	Candidates []scanCandidate `json:"candidates"`
}

func (s *server) serveScan(r *http.Request) (int, any, error) {
	port := DefaultPort
	if v := r.URL.Query().Get("port"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, nil, web.Error(http.StatusBadRequest, "invalid port", err)
		}
		port = n
	}
	probeTimeout := s.probeTimeout
	if v := r.URL.Query().Get("probe_timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return 0, nil, web.Error(http.StatusBadRequest, "invalid probe_timeout_ms", err)
		}
		probeTimeout = time.Duration(ms) * time.Millisecond
	}
	start := time.Now()
	set, err := s.coord.Scan(r.Context(), port, probeTimeout)
	if err != nil {
		var ise admission.InvalidSelectionError
		if errors.As(err, &ise) {
			return 0, nil, web.Error(http.StatusBadRequest, ise.Reason, nil)
		}
		return 0, nil, err
	}
	scans.Inc()
	discoveryDuration.Observe(time.Since(start).Seconds())

	resp := scanResponse{
		Hostname:   warpcheck.EndpointHostname,
		Port:       port,
		Candidates: make([]scanCandidate, 0, len(set)),
	}
	for _, c := range set {
		sc := scanCandidate{Address: c.Addr.String(), State: c.State.String()}
		if c.State == warpcheck.StateReachable {
			sc.RTTms = float64(c.RTT) / float64(time.Millisecond)
		}
		resp.Candidates = append(resp.Candidates, sc)
	}
	return http.StatusOK, resp, nil
}

func (s *server) serveStats(r *http.Request) (int, any, error) {
	s.recorder.Sync(r.Context())
	return http.StatusOK, s.recorder.Snapshot(), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		Data   any    `json:"data"`
	}{Status: "success", Data: data})
}
