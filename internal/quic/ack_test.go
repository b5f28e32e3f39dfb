// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"testing"
	"time"
)

// TestAckStateEvictsOldestGap is a regression test for the maxAckGaps
// eviction direction: rangeset.add keeps ranges in ascending order, so
// evicting to stay within maxAckGaps must drop the lowest-numbered
// (oldest) ranges and keep the highest-numbered (most recent) ones.
func TestAckStateEvictsOldestGap(t *testing.T) {
	a := newAckState(25 * time.Millisecond)
	now := time.Unix(0, 0)

	// Receive maxAckGaps+1 disjoint packet numbers, each two apart so every
	// one of them starts its own range in the rangeset.
	for i := 0; i < maxAckGaps+1; i++ {
		pn := packetNumber(i * 2)
		if !a.receive(now, pn, false, ecnNotECT) {
			t.Fatalf("receive(%d) = false, want true", pn)
		}
	}

	if got, want := len(a.seen), maxAckGaps; got != want {
		t.Fatalf("len(seen) = %d, want %d", got, want)
	}

	largest := packetNumber(maxAckGaps * 2)
	if got := a.largestSeen(); got != largest {
		t.Errorf("largestSeen() = %d, want %d (eviction must not drop the newest range)", got, largest)
	}
	if a.seen.contains(0) {
		t.Errorf("seen still contains packet 0, want it evicted as the oldest range")
	}
}

// TestAckStateShouldSendAck exercises the immediate-vs-delayed ACK rules,
// spec.md §4.1.
func TestAckStateShouldSendAck(t *testing.T) {
	maxAckDelay := 25 * time.Millisecond
	now := time.Unix(0, 0)

	a := newAckState(maxAckDelay)
	a.receive(now, 0, true, ecnNotECT)
	if a.shouldSendAck(now) {
		t.Errorf("shouldSendAck immediately after first ack-eliciting packet = true, want false")
	}
	if !a.shouldSendAck(now.Add(maxAckDelay)) {
		t.Errorf("shouldSendAck after max_ack_delay = false, want true")
	}

	a = newAckState(maxAckDelay)
	a.receive(now, 0, true, ecnNotECT)
	a.receive(now, 1, true, ecnNotECT)
	if !a.shouldSendAck(now) {
		t.Errorf("shouldSendAck after 2 ack-eliciting packets = false, want true (immediate)")
	}

	a = newAckState(maxAckDelay)
	a.receive(now, 2, true, ecnNotECT)
	a.receive(now, 0, true, ecnNotECT) // out of order
	if !a.shouldSendAck(now) {
		t.Errorf("shouldSendAck after reordering = false, want true (immediate)")
	}
}

func TestAckStateHandleAckRemovesAcked(t *testing.T) {
	a := newAckState(25 * time.Millisecond)
	now := time.Unix(0, 0)
	for _, pn := range []packetNumber{0, 1, 2, 3} {
		a.receive(now, pn, false, ecnNotECT)
	}
	a.handleAck(1)
	if a.seen.contains(0) || a.seen.contains(1) {
		t.Errorf("seen still contains acked packets <= 1")
	}
	if !a.seen.contains(2) || !a.seen.contains(3) {
		t.Errorf("seen lost packets > 1 that were never acked")
	}
}
