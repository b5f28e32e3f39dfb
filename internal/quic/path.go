// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"net/netip"
	"time"
)

// pathState is the validation state of a network path, spec.md §4.5
// "Migration".
type pathState int

const (
	pathUnvalidated pathState = iota
	pathValidating
	pathValidated
	pathFailed
)

// path is one local/alternate address pair a connection may send on,
// spec.md §2 component 4 and §3 "Path": "Local/alternate address pair,
// PMTU probing state, path-challenge counters."
type path struct {
	local netip.AddrPort
	peer  netip.AddrPort

	state pathState
	pmtu  int

	challengeData    [8]byte
	challengeSentAt  time.Time
	challengeAttempt int
	maxAttempts      int
	ptoForAttempt    time.Duration
}

const maxPathValidationAttempts = 5

func newPath(local, peer netip.AddrPort, pmtu int) *path {
	return &path{local: local, peer: peer, pmtu: pmtu, maxAttempts: maxPathValidationAttempts}
}

// beginValidation arms a PATH_CHALLENGE with fresh random data, spec.md
// §4.5: "emit PATH_CHALLENGE on alternate ... Up to 5 challenge attempts
// with timeout = 3*PTO each."
func (p *path) beginValidation(now time.Time, pto time.Duration, rt *runtimeServices) error {
	if err := rt.randomBytes(p.challengeData[:]); err != nil {
		return err
	}
	p.state = pathValidating
	p.challengeSentAt = now
	p.challengeAttempt++
	p.ptoForAttempt = 3 * pto
	return nil
}

// deadline is when the current challenge attempt should be considered
// lost and either retried or abandoned.
func (p *path) deadline() time.Time {
	if p.state != pathValidating {
		return time.Time{}
	}
	return p.challengeSentAt.Add(p.ptoForAttempt)
}

// onTimeout advances to the next attempt or fails the path, spec.md §4.5
// "failure reverts to old path."
func (p *path) onTimeout(now time.Time, pto time.Duration, rt *runtimeServices) error {
	if p.challengeAttempt >= p.maxAttempts {
		p.state = pathFailed
		return nil
	}
	return p.beginValidation(now, pto, rt)
}

// onResponse validates a PATH_RESPONSE payload against the outstanding
// challenge, spec.md §4.5 "on PATH_RESPONSE with matching 8-byte payload,
// swap active path."
func (p *path) onResponse(data [8]byte) bool {
	if p.state != pathValidating {
		return false
	}
	if data != p.challengeData {
		return false
	}
	p.state = pathValidated
	return true
}
