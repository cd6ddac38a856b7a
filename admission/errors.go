// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

package admission

import (
	"fmt"
	"time"
)

// RateLimitedError is returned when a caller has exhausted its quota.
// It is transient; the caller should back off for RetryAfter.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, try again in %d seconds", int(e.RetryAfter.Seconds()))
}

// Reasons carried by InvalidSelectionError. They are stable,
// machine-readable strings surfaced to callers; none of them leak
// internal state such as bucket contents or failed candidates.
const (
	ReasonMalformedAddress = "malformed address"
	ReasonNotOffered       = "address not in offered set"
	ReasonNoCandidates     = "no candidates available"
	ReasonAddressRequired  = "address required for this mode"
	ReasonPortOutOfRange   = "port out of range"
	ReasonUnknownMode      = "unknown mode"
)

// InvalidSelectionError is a caller input error. It is always
// recoverable by resubmitting corrected input.
type InvalidSelectionError struct {
	Reason string
}

func (e InvalidSelectionError) Error() string {
	return "invalid selection: " + e.Reason
}
