// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

package warpcheck

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/miekg/dns"
	"go4.org/netipx"

	"warpgen.dev/types/logger"
)

// EndpointHostname is the relay hostname whose A records extend the
// static candidate list.
const EndpointHostname = "engage.cloudflareclient.com"

// DefaultDoHURL is the DNS-over-HTTPS resolver queried by DoHResolver.
const DefaultDoHURL = "https://cloudflare-dns.com/dns-query"

// KnownEndpoints is the static well-known candidate list, hand-curated
// and treated as likely reachable. Its first entry doubles as the
// fallback address when no candidate responds to probing.
var KnownEndpoints = []netip.Addr{
	netip.MustParseAddr("162.159.192.1"),
	netip.MustParseAddr("162.159.192.2"),
	netip.MustParseAddr("162.159.192.3"),
	netip.MustParseAddr("162.159.193.1"),
	netip.MustParseAddr("162.159.193.2"),
	netip.MustParseAddr("162.159.193.3"),
	netip.MustParseAddr("188.114.96.1"),
	netip.MustParseAddr("188.114.97.1"),
}

// EndpointRanges are the provider address blocks that random sampling
// draws from during extended discovery.
var EndpointRanges = []netip.Prefix{
	netip.MustParsePrefix("162.159.192.0/24"),
	netip.MustParsePrefix("162.159.193.0/24"),
	netip.MustParsePrefix("162.159.195.0/24"),
	netip.MustParsePrefix("188.114.96.0/24"),
	netip.MustParsePrefix("188.114.97.0/24"),
	netip.MustParsePrefix("188.114.98.0/24"),
}

// State is a candidate's liveness classification.
type State int

const (
	StateUnknown State = iota
	StateReachable
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StateReachable:
		return "reachable"
	case StateUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Candidate is a network address under consideration as a tunnel
// endpoint, plus its liveness classification. Candidates are produced
// fresh per discovery call and are immutable once classified.
type Candidate struct {
	Addr  netip.Addr
	State State
	RTT   time.Duration // probe elapsed time, zero if unprobed
}

// Resolver resolves EndpointHostname to additional candidate
// addresses. Implementations return only syntactically valid
// addresses; a lookup failure is reported as an error and treated as
// an empty result by Source.
type Resolver interface {
	LookupEndpoint(ctx context.Context) ([]netip.Addr, error)
}

// Source assembles the candidate set worth probing.
//
// The assembled order is: static well-known list, then DNS-resolved
// addresses, then random samples, de-duplicated by address with the
// first occurrence winning. DNS and sampling are both optional.
type Source struct {
	// Static is the well-known list. Nil means KnownEndpoints.
	Static []netip.Addr

	// Resolver, if non-nil, extends the set with DNS answers.
	Resolver Resolver

	// Sample is how many random hosts to draw from EndpointRanges.
	// Zero disables sampling.
	Sample int

	// Rand is the sampling source. Nil means a process-global
	// source; tests inject a seeded one.
	Rand *rand.Rand

	Logf logger.Logf
}

func (s *Source) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
	}
}

// Build assembles an unclassified candidate set. It never fails: a
// broken resolver only shrinks the set, and the static list is always
// present.
func (s *Source) Build(ctx context.Context) []Candidate {
	static := s.Static
	if static == nil {
		static = KnownEndpoints
	}

	var set []Candidate
	seen := make(map[netip.Addr]bool)
	add := func(a netip.Addr) {
		if !a.IsValid() || seen[a] {
			return
		}
		seen[a] = true
		set = append(set, Candidate{Addr: a})
	}

	for _, a := range static {
		add(a)
	}

	if s.Resolver != nil {
		addrs, err := s.Resolver.LookupEndpoint(ctx)
		if err != nil {
			s.logf("warpcheck: endpoint lookup: %v", err)
		}
		for _, a := range addrs {
			add(a)
		}
	}

	for range s.Sample {
		p := EndpointRanges[s.intN(len(EndpointRanges))]
		if a, ok := s.randomHost(p); ok {
			add(a)
		}
	}

	return set
}

func (s *Source) intN(n int) int {
	if s.Rand != nil {
		return s.Rand.IntN(n)
	}
	return rand.IntN(n)
}

// randomHost picks a usable host address in p, excluding the network
// and broadcast addresses. Sampling has no uniqueness guarantee; Build
// de-duplicates at assembly time.
func (s *Source) randomHost(p netip.Prefix) (netip.Addr, bool) {
	r := netipx.RangeOfPrefix(p)
	if !r.IsValid() {
		return netip.Addr{}, false
	}
	first, last := r.From().Next(), r.To().Prev()
	if !first.IsValid() || !last.IsValid() || !first.Is4() || last.Less(first) {
		return netip.Addr{}, false
	}
	lo := binary.BigEndian.Uint32(addr4(first))
	hi := binary.BigEndian.Uint32(addr4(last))
	n := lo + uint32(s.intN(int(hi-lo+1)))
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return netip.AddrFrom4(b), true
}

func addr4(a netip.Addr) []byte {
	b := a.As4()
	return b[:]
}

// DoHResolver looks up EndpointHostname over DNS-over-HTTPS using the
// application/dns-json response format.
type DoHResolver struct {
	URL      string       // resolver URL; empty means DefaultDoHURL
	Hostname string       // empty means EndpointHostname
	Client   *http.Client // nil means a client with a 10s timeout
}

type dohAnswer struct {
	Answer []struct {
		Data string `json:"data"`
	} `json:"Answer"`
}

// LookupEndpoint implements Resolver. Answers that are not valid
// address literals (CNAMEs, garbage) are silently discarded.
func (r *DoHResolver) LookupEndpoint(ctx context.Context) ([]netip.Addr, error) {
	base := r.URL
	if base == "" {
		base = DefaultDoHURL
	}
	host := r.Hostname
	if host == "" {
		host = EndpointHostname
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("name", host)
	q.Set("type", "A")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return nil, fmt.Errorf("doh: %s: %s", u.Host, res.Status)
	}

	var body dohAnswer
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, ans := range body.Answer {
		if a, err := netip.ParseAddr(ans.Data); err == nil {
			addrs = append(addrs, a)
		}
	}
	return addrs, nil
}

// DNSResolver looks up EndpointHostname with a plain DNS query against
// a specific server, for deployments where DoH egress is blocked.
type DNSResolver struct {
	Server   string // "ip:53"
	Hostname string // empty means EndpointHostname
}

// LookupEndpoint implements Resolver.
func (r *DNSResolver) LookupEndpoint(ctx context.Context) ([]netip.Addr, error) {
	host := r.Hostname
	if host == "" {
		host = EndpointHostname
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)

	c := new(dns.Client)
	in, _, err := c.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, rr := range in.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		if ip, ok := netip.AddrFromSlice(a.A.To4()); ok {
			addrs = append(addrs, ip)
		}
	}
	return addrs, nil
}
