// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package admission decides whether and how a tunnel generation
// request proceeds: it rate-limits the caller, discovers a reachable
// relay endpoint, resolves the caller's selection policy, and hands
// the result to the credential issuer and profile renderer.
package admission

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"warpgen.dev/stats"
	"warpgen.dev/types/logger"
	"warpgen.dev/util/limiter"
	"warpgen.dev/warpapi"
	"warpgen.dev/warpcheck"
	"warpgen.dev/wgcfg"
	"warpgen.dev/wgkey"
)

// Default quotas, per client address per window.
const (
	DefaultWindow        = 60 * time.Second
	DefaultGeneralLimit  = 120
	DefaultGenerateLimit = 20
)

// Probe timeout bounds applied to caller-supplied values.
const (
	DefaultProbeTimeout = time.Second
	MinProbeTimeout     = 100 * time.Millisecond
	MaxProbeTimeout     = 10 * time.Second
)

// CredentialIssuer registers a fresh public key with the relay
// service and returns its interface assignment.
type CredentialIssuer interface {
	Register(ctx context.Context, pub wgkey.Key) (*warpapi.Registration, error)
}

// Config assembles a Coordinator. Lifecycle is explicit: the owner
// constructs one Coordinator at startup and passes it to request
// handlers; there are no package-level singletons.
type Config struct {
	// Limiter admits or rejects callers. Nil means a new in-memory
	// limiter.
	Limiter limiter.Limiter

	// Limits maps request classes to quotas. Missing classes get
	// the defaults above.
	Limits map[limiter.Class]limiter.Limit

	// Source assembles candidate sets. Nil means the static
	// well-known list only.
	Source *warpcheck.Source

	// Checker probes candidates. Nil means a zero Checker
	// (ProbeUDP, default concurrency).
	Checker *warpcheck.Checker

	// Issuer registers keys. Must be non-nil for Generate.
	Issuer CredentialIssuer

	// OnGeneration, if non-nil, receives an event per successful
	// generation. Implementations must not block; the stats
	// recorder's channel send satisfies that.
	OnGeneration func(stats.Event)

	Logf logger.Logf
}

// Coordinator is the admission façade for the generation flow.
type Coordinator struct {
	cfg     Config
	limiter limiter.Limiter
	source  *warpcheck.Source
	checker *warpcheck.Checker
	logf    logger.Logf
}

// NewCoordinator builds a Coordinator from cfg, filling in defaults.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		limiter: cfg.Limiter,
		source:  cfg.Source,
		checker: cfg.Checker,
		logf:    cfg.Logf,
	}
	if c.limiter == nil {
		c.limiter = limiter.NewMemory()
	}
	if c.source == nil {
		c.source = &warpcheck.Source{Logf: cfg.Logf}
	}
	if c.checker == nil {
		c.checker = &warpcheck.Checker{Logf: cfg.Logf}
	}
	if c.logf == nil {
		c.logf = logger.Discard
	}
	return c
}

// LimitFor returns the quota for class.
func (c *Coordinator) LimitFor(class limiter.Class) limiter.Limit {
	if lim, ok := c.cfg.Limits[class]; ok {
		return lim
	}
	switch class {
	case limiter.ClassGenerate:
		return limiter.Limit{Max: DefaultGenerateLimit, Window: DefaultWindow}
	default:
		return limiter.Limit{Max: DefaultGeneralLimit, Window: DefaultWindow}
	}
}

// Admit applies the rate limit for (clientKey, class). A limiter
// backend failure is logged and treated as allowed: protecting
// availability is preferred over strict enforcement when the backing
// store is down.
func (c *Coordinator) Admit(ctx context.Context, clientKey string, class limiter.Class) limiter.Decision {
	dec, err := c.limiter.Admit(ctx, limiter.Identity{Key: clientKey, Class: class}, c.LimitFor(class))
	if err != nil {
		c.logf("admission: limiter error, failing open: %v", err)
		return limiter.Decision{Allowed: true}
	}
	return dec
}

// Request is one caller's generation request.
type Request struct {
	// ClientKey identifies the caller for rate limiting, typically
	// its IP address.
	ClientKey string

	Selection SelectionRequest

	// ProbeTimeout bounds each individual probe. Zero means
	// DefaultProbeTimeout; out-of-range values are clamped.
	ProbeTimeout time.Duration
}

// Result is a successfully admitted and issued generation.
type Result struct {
	Endpoint   netip.AddrPort
	Reachable  bool // false when the endpoint is the discovery fallback
	Candidates []warpcheck.Candidate

	Registration *warpapi.Registration
	Profile      string
	QRPNG        []byte

	// Suggested download names, derived from the generation time.
	ConfName string
	QRName   string

	// RateRemaining is how many generate requests the caller has
	// left in the current window.
	RateRemaining int
}

func clampTimeout(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultProbeTimeout
	case d < MinProbeTimeout:
		return MinProbeTimeout
	case d > MaxProbeTimeout:
		return MaxProbeTimeout
	}
	return d
}

// Generate runs the full admission flow: rate-check, candidate
// discovery, selection, key registration, and profile rendering. The
// returned error is a RateLimitedError, an InvalidSelectionError, or
// a wrapped issuer failure.
func (c *Coordinator) Generate(ctx context.Context, req Request) (*Result, error) {
	dec := c.Admit(ctx, req.ClientKey, limiter.ClassGenerate)
	if !dec.Allowed {
		return nil, RateLimitedError{RetryAfter: dec.RetryAfter}
	}

	if err := req.Selection.Validate(); err != nil {
		return nil, err
	}
	timeout := clampTimeout(req.ProbeTimeout)
	port := uint16(req.Selection.Port)

	set := c.source.Build(ctx)

	var reachable bool
	if req.Selection.Mode == ModeAuto {
		// Race to the first reachable candidate and classify only
		// the winner; Resolve then picks exactly it, or falls back
		// to the head of the set when nothing answered.
		var winner netip.Addr
		winner, reachable = c.checker.RaceFirst(ctx, set, port, timeout)
		if reachable {
			for i := range set {
				if set[i].Addr == winner {
					set[i].State = warpcheck.StateReachable
				}
			}
		}
	}

	endpoint, err := Resolve(req.Selection, set)
	if err != nil {
		return nil, err
	}
	if req.Selection.Mode != ModeAuto {
		reachable = true // not probed; the caller chose explicitly
	}

	priv, err := wgkey.NewPrivate()
	if err != nil {
		return nil, fmt.Errorf("admission: generating key: %w", err)
	}
	reg, err := c.cfg.Issuer.Register(ctx, priv.Public())
	if err != nil {
		return nil, fmt.Errorf("admission: registering key: %w", err)
	}

	ap := netip.AddrPortFrom(endpoint, port)
	profile := wgcfg.Render(priv, reg, ap)
	png, err := wgcfg.QRCode(profile)
	if err != nil {
		return nil, fmt.Errorf("admission: encoding QR: %w", err)
	}

	ts := time.Now().UnixMilli()
	res := &Result{
		Endpoint:      ap,
		Reachable:     reachable,
		Candidates:    set,
		Registration:  reg,
		Profile:       profile,
		QRPNG:         png,
		ConfName:      fmt.Sprintf("warp-%d.conf", ts),
		QRName:        fmt.Sprintf("warp-%d.png", ts),
		RateRemaining: dec.Remaining,
	}

	if c.cfg.OnGeneration != nil {
		c.cfg.OnGeneration(stats.Event{
			ClientIP: req.ClientKey,
			Mode:     string(req.Selection.Mode),
			Endpoint: ap.String(),
			Port:     port,
		})
	}
	return res, nil
}

// Scan probes the full candidate set and returns it classified, for
// the pick-from-list flow.
func (c *Coordinator) Scan(ctx context.Context, port int, probeTimeout time.Duration) ([]warpcheck.Candidate, error) {
	if port < 1 || port > 65535 {
		return nil, InvalidSelectionError{Reason: ReasonPortOutOfRange}
	}
	set := c.source.Build(ctx)
	return c.checker.ScanAll(ctx, set, uint16(port), clampTimeout(probeTimeout)), nil
}
