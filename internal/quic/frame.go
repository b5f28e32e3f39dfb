// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

// Frame types, RFC 9000 Section 19 and RFC 9221 Section 4 (DATAGRAM).
const (
	frameTypePadding            = 0x00
	frameTypePing               = 0x01
	frameTypeAck                = 0x02
	frameTypeAckECN             = 0x03
	frameTypeResetStream        = 0x04
	frameTypeStopSending        = 0x05
	frameTypeCrypto             = 0x06
	frameTypeNewToken           = 0x07
	frameTypeStreamBase         = 0x08 // 0x08-0x0f, low 3 bits are OFF/LEN/FIN
	frameTypeMaxData            = 0x10
	frameTypeMaxStreamData      = 0x11
	frameTypeMaxStreamsBidi     = 0x12
	frameTypeMaxStreamsUni      = 0x13
	frameTypeDataBlocked        = 0x14
	frameTypeStreamDataBlocked  = 0x15
	frameTypeStreamsBlockedBidi = 0x16
	frameTypeStreamsBlockedUni  = 0x17
	frameTypeNewConnectionID    = 0x18
	frameTypeRetireConnectionID = 0x19
	frameTypePathChallenge      = 0x1a
	frameTypePathResponse       = 0x1b
	frameTypeConnectionCloseTransport = 0x1c
	frameTypeConnectionCloseApp       = 0x1d
	frameTypeHandshakeDone      = 0x1e
	frameTypeDatagram           = 0x30 // 0x30-0x31, low bit is LEN
)

const (
	streamFlagFin = 0x01
	streamFlagLen = 0x02
	streamFlagOff = 0x04
)

// isStreamFrameType reports whether t is one of the 0x08-0x0f STREAM types.
func isStreamFrameType(t byte) bool {
	return t >= frameTypeStreamBase && t <= frameTypeStreamBase+0x07
}

// isDatagramFrameType reports whether t is one of the 0x30-0x31 DATAGRAM types.
func isDatagramFrameType(t byte) bool {
	return t == frameTypeDatagram || t == frameTypeDatagram+1
}

// ackRange is one contiguous range of received, acknowledged packet numbers,
// [smallest, largest].
type ackRange struct {
	smallest, largest packetNumber
}

// rangeset is a list of non-overlapping, non-adjacent ranges of packet
// numbers, sorted smallest-first. ACK frames encode ranges largest-first;
// the writer that appends ACK frames reverses this set when it builds the
// wire encoding.
type rangeset []ackRange

// add merges [smallest, largest] into the set, coalescing with any
// overlapping or adjacent existing ranges. This keeps the invariant from
// spec.md §3 and §8: ranges are disjoint and maximal.
func (rs *rangeset) add(smallest, largest packetNumber) {
	r := ackRange{smallest, largest}
	out := make(rangeset, 0, len(*rs)+1)
	inserted := false
	for _, cur := range *rs {
		switch {
		case cur.largest+1 < r.smallest:
			// cur entirely below r, with a gap: keep cur, r not yet placed.
			out = append(out, cur)
		case r.largest+1 < cur.smallest:
			// cur entirely above r, with a gap: place r (once), then cur.
			if !inserted {
				out = append(out, r)
				inserted = true
			}
			out = append(out, cur)
		default:
			// Overlapping or adjacent: merge into r.
			if cur.smallest < r.smallest {
				r.smallest = cur.smallest
			}
			if cur.largest > r.largest {
				r.largest = cur.largest
			}
		}
	}
	if !inserted {
		out = append(out, r)
	}
	*rs = out
}

func (rs rangeset) contains(pn packetNumber) bool {
	for _, r := range rs {
		if pn >= r.smallest && pn <= r.largest {
			return true
		}
	}
	return false
}

func (rs rangeset) isEmpty() bool { return len(rs) == 0 }

func (rs rangeset) max() packetNumber {
	m := packetNumber(-1)
	for _, r := range rs {
		if r.largest > m {
			m = r.largest
		}
	}
	return m
}

func (rs rangeset) min() packetNumber {
	if len(rs) == 0 {
		return -1
	}
	m := rs[0].smallest
	for _, r := range rs {
		if r.smallest < m {
			m = r.smallest
		}
	}
	return m
}

// removeBelow drops any portion of the set below pn, used by
// ackState.handleAck once the peer has acknowledged an ACK frame of ours.
func (rs *rangeset) removeBelow(pn packetNumber) {
	out := (*rs)[:0]
	for _, r := range *rs {
		if r.largest < pn {
			continue
		}
		if r.smallest < pn {
			r.smallest = pn
		}
		out = append(out, r)
	}
	*rs = out
}
