// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// ackDelayExponent is the locally-advertised exponent used to scale
// encoded ACK delays, spec.md §3 defaults table.
const ackDelayExponent = 3

// maxAckGaps bounds the number of disjoint ranges an ACK frame will
// describe, spec.md §4.1 ("up to a configured number of gaps, default 16").
const maxAckGaps = 16

// ackState tracks received packet numbers for one packet-number space and
// decides when to emit ACK frames, spec.md §4.1.
type ackState struct {
	seen     rangeset
	ect0, ect1, ce uint64

	largestTime    time.Time // receive time of the largest-numbered packet seen
	unackedCount   int       // ack-eliciting packets received since the last ACK was sent
	immediate      bool      // forced by reordering or ECN-CE
	maxAckDelay    time.Duration
	ackDelayExp    uint8
	sentSinceAck   bool
}

func newAckState(maxAckDelay time.Duration) *ackState {
	return &ackState{
		maxAckDelay: maxAckDelay,
		ackDelayExp: ackDelayExponent,
	}
}

// receive records a received packet number, spec.md §4.1 admission rules.
// It returns false if the packet number should be dropped (duplicate, or
// below the minimum tracked pn).
func (a *ackState) receive(now time.Time, pn packetNumber, ackEliciting bool, ecn ecnCodepoint) bool {
	if a.seen.contains(pn) {
		return false // duplicate
	}
	if !a.seen.isEmpty() && pn < a.seen.min()-1 && len(a.seen) >= maxAckGaps {
		// Below the window we're still willing to track: drop.
		return false
	}
	outOfOrder := !a.seen.isEmpty() && pn < a.seen.max()
	a.seen.add(pn, pn)
	for len(a.seen) > maxAckGaps {
		// rangeset.add keeps ranges in ascending order, so the oldest
		// (lowest-numbered) ranges sit at the front; evict those and keep
		// the ranges nearest the largest-numbered packet seen.
		a.seen = a.seen[len(a.seen)-maxAckGaps:]
	}
	if pn == a.seen.max() {
		a.largestTime = now
	}
	switch ecn {
	case ecnECT0:
		a.ect0++
	case ecnECT1:
		a.ect1++
	case ecnCE:
		a.ce++
		a.immediate = true
	}
	if ackEliciting {
		a.unackedCount++
		a.sentSinceAck = true
		if outOfOrder || a.unackedCount >= 2 {
			a.immediate = true
		}
	}
	return true
}

// shouldSendAck reports whether an ACK should be included in the next
// packet built now, per the immediate/delayed rules in spec.md §4.1.
func (a *ackState) shouldSendAck(now time.Time) bool {
	if !a.sentSinceAck {
		return false
	}
	if a.immediate {
		return true
	}
	return !a.largestTime.IsZero() && now.Sub(a.largestTime) >= a.maxAckDelay
}

// acksToSend returns the ranges to ack and the delay since the
// largest-numbered packet was received, or (nil, 0) if there is nothing
// worth acknowledging right now.
func (a *ackState) acksToSend(now time.Time) (seen rangeset, delay time.Duration) {
	if a.seen.isEmpty() {
		return nil, 0
	}
	if !a.sentSinceAck {
		return nil, 0
	}
	return a.seen, now.Sub(a.largestTime)
}

// largestTimeDeadline returns the wall-clock time at which a delayed ACK
// becomes due, or the zero Time if no ACK is pending or it's already due
// (shouldSendAck handles the immediate case).
func (a *ackState) largestTimeDeadline() time.Time {
	if !a.sentSinceAck || a.immediate || a.largestTime.IsZero() {
		return time.Time{}
	}
	return a.largestTime.Add(a.maxAckDelay)
}

// sentAck records that an ACK frame covering the current state was sent.
func (a *ackState) sentAck() {
	a.unackedCount = 0
	a.immediate = false
	a.sentSinceAck = false
}

// handleAck is called when an ACK frame we sent is itself acknowledged:
// the peer has told us it has seen packets up to and including largest,
// so we no longer need to keep repeating that information back to it.
func (a *ackState) handleAck(largest packetNumber) {
	a.seen.removeBelow(largest + 1)
}

func (a *ackState) largestSeen() packetNumber {
	if a.seen.isEmpty() {
		return -1
	}
	return a.seen.max()
}

// ecnValidated reports whether enough ECN-marked packets have round-tripped
// to trust the counts, a coarse stand-in for the full validation algorithm
// in RFC 9000 Section 13.4.2: any observed ECT0, ECT1 or CE marking is
// enough to start reporting counts via ACK_ECN.
func (a *ackState) ecnValidated() bool {
	return a.ect0 > 0 || a.ect1 > 0 || a.ce > 0
}

// unscaledAckDelayFromDuration converts a measured delay into the encoded,
// exponent-scaled value carried in an ACK frame.
func unscaledAckDelayFromDuration(d time.Duration, exp uint8) uint64 {
	if d < 0 {
		d = 0
	}
	return uint64(d/time.Microsecond) >> exp
}

func ackDelayToDuration(encoded uint64, exp uint8) time.Duration {
	return time.Duration(encoded<<exp) * time.Microsecond
}

// ecnCodepoint is the two-bit ECN field of an IP header, RFC 3168.
type ecnCodepoint uint8

const (
	ecnNotECT ecnCodepoint = 0
	ecnECT1   ecnCodepoint = 1
	ecnECT0   ecnCodepoint = 2
	ecnCE     ecnCodepoint = 3
)
