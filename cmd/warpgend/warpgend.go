// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

// The warpgend binary serves the tunnel profile generation API: it
// discovers reachable relay endpoints, registers fresh keys with the
// upstream relay service, and renders importable WireGuard profiles.
package main // import "warpgen.dev/cmd/warpgend"

import (
	"context"
	"errors"
	"expvar"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"warpgen.dev/admission"
	"warpgen.dev/stats"
	"warpgen.dev/types/logger"
	"warpgen.dev/util/limiter"
	"warpgen.dev/warpapi"
	"warpgen.dev/warpcheck"
)

// Flag defaults below read the environment, so a .env file has to be
// loaded before their initializers run.
var _ = godotenv.Load()

var (
	dev          = flag.Bool("dev", false, "run in development mode (verbose human-readable logs)")
	addr         = flag.String("a", envStr("WARPGEN_ADDR", ":8000"), "HTTP listen address, in form \":port\" or \"ip:port\"")
	redisAddr    = flag.String("redis", envStr("WARPGEN_REDIS", ""), "optional Redis address (host:port) for shared rate limiting across replicas; empty means in-memory")
	dohURL       = flag.String("doh-url", envStr("WARPGEN_DOH_URL", warpcheck.DefaultDoHURL), "DNS-over-HTTPS resolver URL for candidate discovery; empty disables DNS candidates")
	dnsServer    = flag.String("dns-server", envStr("WARPGEN_DNS_SERVER", ""), "plain DNS server (ip:53) for candidate discovery, used instead of -doh-url where DoH egress is blocked")
	apiBase      = flag.String("api-base", envStr("WARPGEN_API_BASE", warpapi.DefaultBaseURL), "base URL of the upstream registration API")
	sampleN      = flag.Int("sample", envInt("WARPGEN_SAMPLE", 4), "number of random hosts to sample from the relay address ranges per request")
	genLimit     = flag.Int("generate-limit", envInt("WARPGEN_GENERATE_LIMIT", admission.DefaultGenerateLimit), "max profile generations per client per minute")
	generalLimit = flag.Int("general-limit", envInt("WARPGEN_GENERAL_LIMIT", admission.DefaultGeneralLimit), "max API requests per client per minute")
	probeTimeout = flag.Duration("probe-timeout", envDur("WARPGEN_PROBE_TIMEOUT", admission.DefaultProbeTimeout), "per-candidate UDP probe timeout")
	statsPath    = flag.String("stats-file", envStr("WARPGEN_STATS_FILE", "warpgen-stats.json"), "path for persisted usage counters")
	webhookURL   = flag.String("webhook-url", envStr("WARPGEN_WEBHOOK_URL", ""), "optional webhook URL notified per generation")
	webhookRead  = flag.String("webhook-read-url", envStr("WARPGEN_WEBHOOK_READ_URL", ""), "optional webhook read-back URL for usage sync")
	statsCutoff  = flag.String("stats-cutoff", envStr("WARPGEN_STATS_CUTOFF", ""), "date (YYYY-MM-DD) after which generations stop being reported")
)

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

var (
	generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warpgend_generations_total",
		Help: "Profiles generated, by selection mode.",
	}, []string{"mode"})
	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warpgend_rate_limited_total",
		Help: "Requests rejected by the rate limiter.",
	})
	scans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warpgend_scans_total",
		Help: "Candidate scan requests served.",
	})
	discoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warpgend_discovery_duration_seconds",
		Help:    "Wall time spent probing the candidate set per request.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

var statusCodes = new(expvar.Map).Init()

func init() {
	expvar.Publish("warpgend_http_response_codes", statusCodes)
}

func main() {
	flag.Parse()

	zcfg := zap.NewProductionConfig()
	if *dev {
		zcfg = zap.NewDevelopmentConfig()
	}
	zl, err := zcfg.Build()
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer zl.Sync()
	logf := logger.Logf(zl.Sugar().Infof)

	var lim limiter.Limiter
	if *redisAddr != "" {
		lim, err = limiter.NewRedis(redis.NewClient(&redis.Options{Addr: *redisAddr}))
		if err != nil {
			zl.Fatal("connecting to redis", zap.String("addr", *redisAddr), zap.Error(err))
		}
		logf("rate limiting via redis at %s", *redisAddr)
	} else {
		mem := limiter.NewMemory()
		go reapLoop(mem)
		lim = mem
	}

	var cutoff time.Time
	if *statsCutoff != "" {
		cutoff, err = time.Parse("2006-01-02", *statsCutoff)
		if err != nil {
			zl.Fatal("parsing -stats-cutoff", zap.Error(err))
		}
	}
	recorder := stats.NewRecorder(stats.Config{
		WebhookURL:     *webhookURL,
		WebhookReadURL: *webhookRead,
		Cutoff:         cutoff,
		Path:           *statsPath,
		Logf:           logger.WithPrefix(logf, "stats: "),
	})
	defer recorder.Close()

	// Resolver failures repeat on every request while DNS egress is
	// broken; bound the log volume.
	source := &warpcheck.Source{
		Static: warpcheck.KnownEndpoints,
		Sample: *sampleN,
		Logf:   logger.RateLimitedFn(logger.WithPrefix(logf, "candidates: "), 30*time.Second, 3, 16),
	}
	switch {
	case *dnsServer != "":
		source.Resolver = &warpcheck.DNSResolver{Server: *dnsServer}
	case *dohURL != "":
		source.Resolver = &warpcheck.DoHResolver{URL: *dohURL}
	}

	coord := admission.NewCoordinator(admission.Config{
		Limiter: lim,
		Limits: map[limiter.Class]limiter.Limit{
			limiter.ClassGenerate: {Max: *genLimit, Window: admission.DefaultWindow},
			limiter.ClassGeneral:  {Max: *generalLimit, Window: admission.DefaultWindow},
		},
		Source:       source,
		Checker:      &warpcheck.Checker{Logf: logger.WithPrefix(logf, "probe: ")},
		Issuer:       &warpapi.Client{BaseURL: *apiBase},
		OnGeneration: recorder.RecordGeneration,
		Logf:         logf,
	})

	s := &server{
		coord:        coord,
		recorder:     recorder,
		probeTimeout: *probeTimeout,
		logf:         logf,
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger(logger.WithPrefix(logf, "http: ")),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logf("warpgend: listening on %v", *addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("serving", zap.Error(err))
		}
	case <-ctx.Done():
		logf("warpgend: shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logf("warpgend: shutdown: %v", err)
		}
	}
}

// reapLoop periodically drops idle rate limiter buckets so a
// long-running daemon's memory stays proportional to active clients.
func reapLoop(mem *limiter.Memory) {
	tick := time.NewTicker(5 * time.Minute)
	defer tick.Stop()
	for range tick.C {
		mem.Reap(admission.DefaultWindow)
	}
}
