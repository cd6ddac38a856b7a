// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command warpscan probes the known relay endpoints and prints which
// of them answer from here.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"warpgen.dev/warpcheck"
)

var (
	port    = flag.Int("port", 500, "UDP port to probe")
	timeout = flag.Duration("timeout", time.Second, "per-candidate probe timeout")
	sample  = flag.Int("sample", 0, "additionally probe this many random hosts from the relay address ranges")
	dohURL  = flag.String("doh-url", warpcheck.DefaultDoHURL, "DNS-over-HTTPS resolver for endpoint discovery; empty disables DNS candidates")
)

func main() {
	log.SetFlags(0)
	flag.Parse()
	if *port < 1 || *port > 65535 {
		log.Fatalf("invalid port %d", *port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	source := &warpcheck.Source{
		Static: warpcheck.KnownEndpoints,
		Sample: *sample,
		Logf:   log.Printf,
	}
	if *dohURL != "" {
		source.Resolver = &warpcheck.DoHResolver{URL: *dohURL}
	}
	set := source.Build(ctx)
	if len(set) == 0 {
		log.Fatal("no candidates to probe")
	}

	checker := &warpcheck.Checker{Logf: log.Printf}
	start := time.Now()
	set = checker.ScanAll(ctx, set, uint16(*port), *timeout)
	elapsed := time.Since(start).Round(time.Millisecond)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tSTATE\tRTT")
	reachable := 0
	for _, c := range set {
		rtt := "-"
		if c.State == warpcheck.StateReachable {
			reachable++
			rtt = c.RTT.Round(100 * time.Microsecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Addr, c.State, rtt)
	}
	w.Flush()
	fmt.Printf("\n%d/%d reachable on udp/%d in %v\n", reachable, len(set), *port, elapsed)
	if reachable == 0 {
		os.Exit(1)
	}
}
