// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package web contains shared HTTP server glue: an error-returning
// handler type, structured access logging, and response code
// counters.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"warpgen.dev/types/logger"
)

// HTTPError is an error with embedded HTTP response information.
//
// It is the error type to be (optionally) used by
// ReturnHandler.ServeHTTPReturn.
type HTTPError struct {
	Code   int         // HTTP response code to send to client; 0 means 500
	Msg    string      // response body to send to client
	Err    error       // detailed error to log on the server
	Header http.Header // optional headers to set in the response
}

// Error implements the error interface.
func (e HTTPError) Error() string { return fmt.Sprintf("httperror{%d, %q, %v}", e.Code, e.Msg, e.Err) }
func (e HTTPError) Unwrap() error { return e.Err }

// Error returns an HTTPError containing the given information.
func Error(code int, msg string, err error) HTTPError {
	return HTTPError{Code: code, Msg: msg, Err: err}
}

// ReturnHandler is like net/http.Handler, but the handler can return
// an error instead of writing to its ResponseWriter.
//
// If ServeHTTPReturn returns an error, the wrapper serves an HTTP 500
// to the user without including the error details, as they may
// contain sensitive information. If the error is an HTTPError, the
// embedded code and message are used instead.
type ReturnHandler interface {
	ServeHTTPReturn(http.ResponseWriter, *http.Request) error
}

// ReturnHandlerFunc is an adapter to allow the use of ordinary
// functions as ReturnHandlers.
type ReturnHandlerFunc func(http.ResponseWriter, *http.Request) error

// ServeHTTPReturn calls f(w, r).
func (f ReturnHandlerFunc) ServeHTTPReturn(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// HandlerOptions customizes StdHandler.
type HandlerOptions struct {
	Logf logger.Logf
	Now  func() time.Time // if nil, time.Now

	// QuietLoggingIfSuccessful suppresses access log lines for 200
	// and 304 responses.
	QuietLoggingIfSuccessful bool

	// StatusCodeCounters, if non-nil, counts handled responses by
	// code family ("2xx", "4xx", ...).
	StatusCodeCounters *expvar.Map
}

// AccessLogRecord is a structured access log entry for one request.
type AccessLogRecord struct {
	When    time.Time `json:"time"`
	Seconds float64   `json:"duration,omitempty"`

	RemoteAddr string `json:"remote_addr,omitempty"`
	Proto      string `json:"proto,omitempty"`
	Host       string `json:"host,omitempty"`
	Method     string `json:"method,omitempty"`
	RequestURI string `json:"request_uri,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Referer    string `json:"referer,omitempty"`

	Code  int    `json:"code,omitempty"`
	Bytes int    `json:"bytes,omitempty"`
	Err   string `json:"err,omitempty"`
}

// String returns m as a JSON string.
func (m AccessLogRecord) String() string {
	var buf strings.Builder
	json.NewEncoder(&buf).Encode(m)
	return strings.TrimRight(buf.String(), "\n")
}

// StdHandler converts a ReturnHandler into a standard http.Handler.
// Handled requests are logged using opts.Logf, as are any errors.
func StdHandler(h ReturnHandler, opts HandlerOptions) http.Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logf == nil {
		opts.Logf = logger.Discard
	}
	return retHandler{h, opts}
}

type retHandler struct {
	rh   ReturnHandler
	opts HandlerOptions
}

func (h retHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	msg := AccessLogRecord{
		When:       h.opts.Now(),
		RemoteAddr: r.RemoteAddr,
		Proto:      r.Proto,
		Host:       r.Host,
		Method:     r.Method,
		RequestURI: r.URL.RequestURI(),
		UserAgent:  r.UserAgent(),
		Referer:    r.Referer(),
	}

	lw := &loggingResponseWriter{ResponseWriter: w, logf: h.opts.Logf}
	err := h.rh.ServeHTTPReturn(lw, r)

	var hErr HTTPError
	hErrOK := errors.As(err, &hErr)

	if lw.code == 0 && err == nil {
		// The handler didn't write and didn't send a header; that
		// still means 200.
		lw.code = 200
	}

	msg.Seconds = h.opts.Now().Sub(msg.When).Seconds()
	msg.Code = lw.code
	msg.Bytes = lw.bytes

	switch {
	case err != nil && r.Context().Err() == context.Canceled:
		msg.Code = 499 // nginx convention: Client Closed Request
		msg.Err = context.Canceled.Error()
	case hErrOK:
		msg.Err = hErr.Msg
		if hErr.Err != nil {
			if msg.Err == "" {
				msg.Err = hErr.Err.Error()
			} else {
				msg.Err = msg.Err + ": " + hErr.Err.Error()
			}
		}
		if lw.code != 0 {
			h.opts.Logf("[unexpected] handler returned HTTPError %v, but already sent a response with code %d", hErr, lw.code)
			break
		}
		msg.Code = hErr.Code
		if msg.Code == 0 {
			h.opts.Logf("[unexpected] HTTPError %v did not contain an HTTP status code, sending internal server error", hErr)
			msg.Code = http.StatusInternalServerError
		}
		lw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		lw.Header().Set("X-Content-Type-Options", "nosniff")
		for k, vs := range hErr.Header {
			lw.Header()[k] = vs
		}
		lw.WriteHeader(msg.Code)
		fmt.Fprintln(lw, hErr.Msg)
	case err != nil:
		// Generic error: serve an opaque 500 if the handler hasn't
		// responded yet.
		msg.Err = err.Error()
		if lw.code == 0 {
			msg.Code = http.StatusInternalServerError
			http.Error(lw, "internal server error", msg.Code)
		}
	}

	if !h.opts.QuietLoggingIfSuccessful || (msg.Code != http.StatusOK && msg.Code != http.StatusNotModified) {
		h.opts.Logf("%s", msg)
	}

	if h.opts.StatusCodeCounters != nil {
		h.opts.StatusCodeCounters.Add(responseCodeString(msg.Code/100), 1)
	}
}

func responseCodeString(code int) string {
	if v, ok := responseCodeCache.Load(code); ok {
		return v.(string)
	}
	var ret string
	if code < 10 {
		ret = fmt.Sprintf("%dxx", code)
	} else {
		ret = strconv.Itoa(code)
	}
	responseCodeCache.Store(code, ret)
	return ret
}

// responseCodeCache memoizes the string form of HTTP response codes
// so the hot request path doesn't allocate in strconv/fmt per
// request. Keys are either full codes (200, 404) or family ints
// (e.g. 2 for 2xx).
var responseCodeCache sync.Map

// loggingResponseWriter wraps a ResponseWriter and records the HTTP
// response code that gets sent, if any.
type loggingResponseWriter struct {
	http.ResponseWriter
	code  int
	bytes int
	logf  logger.Logf
}

func (l *loggingResponseWriter) WriteHeader(statusCode int) {
	if l.code != 0 {
		l.logf("[unexpected] HTTP handler set statusCode twice (%d and %d)", l.code, statusCode)
		return
	}
	l.code = statusCode
	l.ResponseWriter.WriteHeader(statusCode)
}

func (l *loggingResponseWriter) Write(bs []byte) (int, error) {
	if l.code == 0 {
		l.code = 200
	}
	n, err := l.ResponseWriter.Write(bs)
	l.bytes += n
	return n, err
}

func (l *loggingResponseWriter) Flush() {
	if f, ok := l.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ClientIP extracts the originating client address of r, preferring
// the leftmost X-Forwarded-For entry when a proxy added one, and
// falling back to the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		first = strings.TrimSpace(first)
		if addr, err := netip.ParseAddr(first); err == nil {
			return addr.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
