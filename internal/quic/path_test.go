// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"net/netip"
	"testing"
	"time"
)

func TestPathValidationSucceeds(t *testing.T) {
	rt := newRuntimeServices(0, nil)
	local := netip.MustParseAddrPort("127.0.0.1:1")
	peer := netip.MustParseAddrPort("127.0.0.1:2")
	p := newPath(local, peer, defaultPMTU)

	now := time.Unix(0, 0)
	if err := p.beginValidation(now, 100*time.Millisecond, rt); err != nil {
		t.Fatalf("beginValidation: %v", err)
	}
	if p.state != pathValidating {
		t.Fatalf("state = %v, want pathValidating", p.state)
	}
	if !p.onResponse(p.challengeData) {
		t.Fatalf("onResponse with matching data = false, want true")
	}
	if p.state != pathValidated {
		t.Fatalf("state = %v, want pathValidated", p.state)
	}
}

func TestPathValidationWrongResponseIgnored(t *testing.T) {
	rt := newRuntimeServices(0, nil)
	p := newPath(netip.MustParseAddrPort("127.0.0.1:1"), netip.MustParseAddrPort("127.0.0.1:2"), defaultPMTU)
	if err := p.beginValidation(time.Unix(0, 0), 100*time.Millisecond, rt); err != nil {
		t.Fatalf("beginValidation: %v", err)
	}
	var wrong [8]byte
	copy(wrong[:], "deadbeef")
	if wrong == p.challengeData {
		wrong[0]++ // guarantee mismatch regardless of the random draw
	}
	if p.onResponse(wrong) {
		t.Errorf("onResponse with mismatched data = true, want false")
	}
	if p.state != pathValidating {
		t.Errorf("state = %v after a mismatched response, want still pathValidating", p.state)
	}
}

// TestPathValidationExhaustsAttempts exercises spec.md §4.5's "up to 5
// challenge attempts ... failure reverts to old path."
func TestPathValidationExhaustsAttempts(t *testing.T) {
	rt := newRuntimeServices(0, nil)
	p := newPath(netip.MustParseAddrPort("127.0.0.1:1"), netip.MustParseAddrPort("127.0.0.1:2"), defaultPMTU)
	now := time.Unix(0, 0)
	if err := p.beginValidation(now, 10*time.Millisecond, rt); err != nil {
		t.Fatalf("beginValidation: %v", err)
	}
	for i := 1; i < maxPathValidationAttempts; i++ {
		if err := p.onTimeout(now, 10*time.Millisecond, rt); err != nil {
			t.Fatalf("onTimeout attempt %d: %v", i, err)
		}
		if p.state != pathValidating {
			t.Fatalf("after attempt %d: state = %v, want pathValidating", i, p.state)
		}
	}
	if err := p.onTimeout(now, 10*time.Millisecond, rt); err != nil {
		t.Fatalf("final onTimeout: %v", err)
	}
	if p.state != pathFailed {
		t.Errorf("state after exhausting %d attempts = %v, want pathFailed", maxPathValidationAttempts, p.state)
	}
}
