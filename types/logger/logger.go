// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package logger defines a type for writing to logs. It's just a
// convenience type so that we don't have to pass verbose func(...)
// types around.
package logger

import (
	"container/list"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Logf is the basic warpgen logger type: a printf-like func.
// Like log.Printf, the format need not end in a newline.
// Logf functions must be safe for concurrent use.
type Logf func(format string, args ...any)

// WithPrefix wraps f, prefixing each format with the provided prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// FuncWriter returns an io.Writer that writes to f.
func FuncWriter(f Logf) io.Writer {
	return funcWriter{f}
}

// StdLogger returns a standard library logger from a Logf.
func StdLogger(f Logf) *log.Logger {
	return log.New(FuncWriter(f), "", 0)
}

type funcWriter struct{ f Logf }

func (w funcWriter) Write(p []byte) (int, error) {
	w.f("%s", p)
	return len(p), nil
}

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...any) {}

// limitData tracks the rate-limiting state of a single format string.
type limitData struct {
	lim        *rate.Limiter // token bucket for this format string
	msgBlocked bool          // whether a "repeated messages" notice was already logged
	ele        *list.Element // position in the LRU of known format strings
}

// RateLimitedFn returns a rate-limiting Logf wrapping the given logf.
// Each distinct format string is allowed through at most once every f,
// in bursts of up to burst messages. Up to maxCache format strings are
// tracked at a time.
func RateLimitedFn(logf Logf, f time.Duration, burst int, maxCache int) Logf {
	r := rate.Every(f)
	var (
		mu       sync.Mutex
		msgLim   = make(map[string]*limitData) // keyed by logf format
		msgCache = list.New()                  // LRU bounding the size of msgLim
	)

	return func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		rl, ok := msgLim[format]
		if ok {
			msgCache.MoveToFront(rl.ele)
		} else {
			rl = &limitData{
				lim: rate.NewLimiter(r, burst),
				ele: msgCache.PushFront(format),
			}
			msgLim[format] = rl
			if msgCache.Len() > maxCache {
				delete(msgLim, msgCache.Back().Value.(string))
				msgCache.Remove(msgCache.Back())
			}
		}
		if rl.lim.Allow() {
			rl.msgBlocked = false
			logf(format, args...)
			return
		}
		if !rl.msgBlocked {
			rl.msgBlocked = true
			logf("[RATELIMIT] format(%q)", format)
		}
	}
}
