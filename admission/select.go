// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

package admission

import (
	"net/netip"

	"warpgen.dev/warpcheck"
)

// Mode is how the caller wants the endpoint address chosen.
type Mode string

const (
	// ModeAuto picks the first reachable candidate.
	ModeAuto Mode = "auto"
	// ModeSelect uses an address the caller picked from the offered
	// candidate set.
	ModeSelect Mode = "select"
	// ModeCustom uses an operator-supplied address, trusted without
	// a reachability check.
	ModeCustom Mode = "custom"
)

// SelectionRequest is a caller's declaration of how to choose the
// endpoint. Address is required iff Mode is ModeSelect or ModeCustom.
type SelectionRequest struct {
	Mode    Mode
	Address string
	Port    int
}

// Validate checks the request's shape: mode, port range, and address
// presence. It runs before any probing, so an out-of-range port never
// costs a discovery pass.
func (r SelectionRequest) Validate() error {
	switch r.Mode {
	case ModeAuto, ModeSelect, ModeCustom:
	default:
		return InvalidSelectionError{Reason: ReasonUnknownMode}
	}
	if r.Port < 1 || r.Port > 65535 {
		return InvalidSelectionError{Reason: ReasonPortOutOfRange}
	}
	if (r.Mode == ModeSelect || r.Mode == ModeCustom) && r.Address == "" {
		return InvalidSelectionError{Reason: ReasonAddressRequired}
	}
	return nil
}

// Resolve picks exactly one endpoint address from a classified
// candidate set according to the request's mode, or fails with an
// InvalidSelectionError.
//
// Resolve assumes Validate has already accepted the request.
func Resolve(r SelectionRequest, set []warpcheck.Candidate) (netip.Addr, error) {
	switch r.Mode {
	case ModeCustom:
		// The operator is trusted to know their own target;
		// reachability is not consulted.
		addr, err := netip.ParseAddr(r.Address)
		if err != nil {
			return netip.Addr{}, InvalidSelectionError{Reason: ReasonMalformedAddress}
		}
		return addr, nil

	case ModeSelect:
		// Only addresses actually shown to the caller may be
		// selected; anything else, parseable or not, was never
		// offered.
		if addr, err := netip.ParseAddr(r.Address); err == nil {
			for _, c := range set {
				if c.Addr == addr {
					return addr, nil
				}
			}
		}
		return netip.Addr{}, InvalidSelectionError{Reason: ReasonNotOffered}

	default: // ModeAuto
		for _, c := range set {
			if c.State == warpcheck.StateReachable {
				return c.Addr, nil
			}
		}
		// No candidate is reachable: substitute the first one
		// rather than failing, trading precision for availability.
		if len(set) > 0 {
			return set[0].Addr, nil
		}
		return netip.Addr{}, InvalidSelectionError{Reason: ReasonNoCandidates}
	}
}
