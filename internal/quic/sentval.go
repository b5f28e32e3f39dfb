// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

// A sentVal tracks sending some piece of information to the peer: whether
// it has been sent, acked, and (while in flight) the packet number that
// most recently carried it, spec.md §3 "Sent packet record" applied to
// singleton state like HANDSHAKE_DONE or a test-only PING.
//
//   - unset: nothing to send
//   - unsent: should be sent, has not been yet
//   - sent: sent, not yet acked; pnum holds the carrying packet
//   - received: the peer has acked the packet that carried it
type sentVal uint64

const (
	sentValUnset    sentVal = 0
	sentValUnsent   sentVal = 1 << 62
	sentValSent     sentVal = 2 << 62
	sentValReceived sentVal = 3 << 62

	sentValStateMask sentVal = 3 << 62
)

func (s sentVal) isSet() bool     { return s != sentValUnset }
func (s sentVal) shouldSend() bool { return s.state() == sentValUnsent }

// shouldSendPTO reports whether the value needs to go out now: either it
// has never been sent, or this is a PTO probe and the prior copy is still
// unacknowledged.
func (s sentVal) shouldSendPTO(pto bool) bool {
	st := s.state()
	return st == sentValUnsent || (pto && st == sentValSent)
}

func (s sentVal) isReceived() bool { return s == sentValReceived }

func (s *sentVal) set() {
	if *s == sentValUnset {
		*s = sentValUnsent
	}
}

func (s *sentVal) setUnsent() { *s = sentValUnsent }
func (s *sentVal) clear()     { *s = sentValUnset }

func (s *sentVal) setSent(pnum packetNumber) {
	*s = sentValSent | sentVal(pnum)
}

func (s *sentVal) setReceived() { *s = sentValReceived }

// ackOrLoss updates state in response to the fate of the packet that
// carried it, pnum being that packet's number.
func (s *sentVal) ackOrLoss(pnum packetNumber, fate packetFate) {
	if fate == packetAcked {
		*s = sentValReceived
	} else if *s == sentVal(pnum)|sentValSent {
		*s = sentValUnsent
	}
}

func (s sentVal) state() sentVal { return s & sentValStateMask }
