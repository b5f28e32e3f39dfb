// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "sync"

// connFlowControl tracks connection-level send and receive credit,
// spec.md §3/§4.2: "enforce connection receive credit (sum of highest
// offsets <= initial_max_data + subsequent MAX_DATA) and stream receive
// credit."
type connFlowControl struct {
	mu sync.Mutex

	sendLimit int64 // remote_max_data: total bytes we may send across all streams
	sendUsed  int64

	recvLimit     int64 // local limit advertised to peer, initial + MAX_DATA deltas
	recvUsed      int64 // sum of highest offsets seen across all streams
	recvWindow    int64 // the window size used to decide when to send MAX_DATA
}

func newConnFlowControl(sendLimit, recvLimit int64) *connFlowControl {
	return &connFlowControl{
		sendLimit:  sendLimit,
		recvLimit:  recvLimit,
		recvWindow: recvLimit,
	}
}

// reserveSend attempts to reserve n bytes of connection send credit,
// spec.md §8 "Credit safety: no STREAM byte is sent beyond the most recent
// MAX_STREAM_DATA from peer" (the connection-level analogue of that rule).
func (f *connFlowControl) reserveSend(n int64) (granted int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	avail := f.sendLimit - f.sendUsed
	if avail <= 0 {
		return 0
	}
	if n > avail {
		n = avail
	}
	f.sendUsed += n
	return n
}

func (f *connFlowControl) sendBlocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendUsed >= f.sendLimit
}

// updateSendLimit applies a MAX_DATA frame from the peer.
func (f *connFlowControl) updateSendLimit(limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > f.sendLimit {
		f.sendLimit = limit
	}
}

// admitReceive enforces the connection receive credit when some stream's
// highest offset seen grows from highestForStream (before this frame) to
// newHighest (the frame's end offset). Only the delta
// beyond what was already accounted is charged against recvUsed, since
// overlapping retransmissions of already-seen bytes cost nothing extra.
func (f *connFlowControl) admitReceive(highestForStream, newHighest int64) error {
	if newHighest <= highestForStream {
		return nil
	}
	delta := newHighest - highestForStream
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recvUsed+delta > f.recvLimit {
		return newLocalTransportError(errFlowControl, "connection-level flow control violation")
	}
	f.recvUsed += delta
	return nil
}

// shouldSendMaxData reports whether the receive window has drained enough
// to warrant sending MAX_DATA, spec.md §4.2: "When max_bytes -
// bytes_received < window/2, emit MAX_DATA." It returns the new limit to
// advertise.
func (f *connFlowControl) shouldSendMaxData() (newLimit int64, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recvLimit-f.recvUsed >= f.recvWindow/2 {
		return 0, false
	}
	newLimit = f.recvUsed + f.recvWindow
	f.recvLimit = newLimit
	return newLimit, true
}

// sendAvailable reports remaining per-stream send credit, spec.md §3
// "Stream" invariant: bytes_acked <= bytes_sent <= send_credit_limit.
func (s *Stream) sendAvailable() int64 {
	avail := s.sendCreditMax - s.bytesSent
	if avail < 0 {
		return 0
	}
	return avail
}

// admitStreamReceive enforces per-stream receive credit and the
// overlap/duplicate discard rule, spec.md §4.2 steps 1-2:
//  1. Reject if the whole range lies below stream.recv.offset (already
//     delivered): silent discard. A range that only partly overlaps
//     delivered bytes is accepted; insertFragment trims the overlap.
//  2. Enforce stream receive credit; violation -> FLOW_CONTROL_ERROR.
func (s *Stream) admitStreamReceive(offset, length int64) (accept bool, err error) {
	if offset+length <= s.recvOffset {
		return false, nil // fully duplicate, silently discarded
	}
	newHighest := offset + length
	if newHighest > s.highestRecvd {
		if newHighest > s.recvCreditMax {
			return false, newLocalTransportError(errFlowControl, "stream flow control violation")
		}
	}
	return true, nil
}

// shouldSendMaxStreamData mirrors connFlowControl.shouldSendMaxData at
// stream granularity. Caller holds s.mu.
func (s *Stream) shouldSendMaxStreamData() (newLimit int64, ok bool) {
	if s.recvCreditMax-s.highestRecvd >= s.recvWindow/2 {
		return 0, false
	}
	newLimit = s.highestRecvd + s.recvWindow
	s.recvCreditMax = newLimit
	return newLimit, true
}

// queueMaxStreamData arms the stream's MAX_STREAM_DATA frame for the next
// build cycle, spec.md §4.2 "emit MAX_STREAM_DATA per stream." Caller holds
// s.mu.
func (s *Stream) queueMaxStreamData(limit int64) {
	s.maxStreamDataValue = limit
	s.maxStreamDataSent.setUnsent()
}
