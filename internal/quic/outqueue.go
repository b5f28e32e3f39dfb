// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// outboundControl holds connection-level control frames awaiting
// transmission, spec.md §4.3 "Outbound pipeline": control frames are
// prioritized ahead of stream data and datagrams. MAX_DATA and
// HANDSHAKE_DONE track send state with a sentVal so a lost packet re-arms
// retransmission and an acked one retires it (MAX_DATA only resends the
// latest value). NEW_CONNECTION_ID and RETIRE_CONNECTION_ID are queues:
// an entry leaves its queue when written, and handleAckOrLoss queues it
// again if the packet carrying it is lost.
type outboundControl struct {
	maxData      sentVal
	maxDataValue int64

	newConnIDs    []connID // issued CIDs waiting to be announced
	retireConnIDs []int64  // sequence numbers pending a RETIRE_CONNECTION_ID

	handshakeDone sentVal
}

// queueMaxData arms (or re-arms with a higher value) the connection-level
// MAX_DATA announcement, spec.md §4.2 "emit MAX_DATA" trigger.
func (c *outboundControl) queueMaxData(limit int64) {
	if limit <= c.maxDataValue && c.maxData.isSet() {
		return
	}
	c.maxDataValue = limit
	c.maxData.setUnsent()
}

func (c *outboundControl) queueNewConnID(id connID) {
	c.newConnIDs = append(c.newConnIDs, id)
}

func (c *outboundControl) queueRetireConnID(seq int64) {
	c.retireConnIDs = append(c.retireConnIDs, seq)
}

// queueHandshakeDone arms the server's one-time HANDSHAKE_DONE frame,
// spec.md §4.5: sent once the server confirms its handshake is complete.
func (c *outboundControl) queueHandshakeDone() {
	c.handshakeDone.set()
}

// appendControlFrames writes as many pending control frames as fit in w,
// in the priority order spec.md §4.3 specifies (control before stream
// before datagram). It stops, rather than splitting, a frame that won't
// fit whole.
func (c *Conn) appendControlFrames(now time.Time, pnum packetNumber) {
	ctl := &c.control

	if c.hasPendingPathResponse {
		if !c.w.appendPathResponseFrame(c.pendingPathResponse) {
			return
		}
		c.hasPendingPathResponse = false
	}

	if c.pathChallengePending && c.altPath != nil {
		if !c.w.appendPathChallengeFrame(c.altPath.challengeData) {
			return
		}
		c.pathChallengePending = false
	}

	if ctl.handshakeDone.shouldSendPTO(c.loss.ptoExpired) && c.side == serverSide {
		if !c.w.remainingFitsHandshakeDone() {
			return
		}
		c.w.buf = append(c.w.buf, frameTypeHandshakeDone)
		c.w.sent.appendHandshakeDone()
		ctl.handshakeDone.setSent(pnum)
	}

	for len(ctl.newConnIDs) > 0 {
		id := ctl.newConnIDs[0]
		if !c.w.appendNewConnectionIDFrame(id.seq, 0, id.cid, id.statelessResetToken) {
			break
		}
		ctl.newConnIDs = ctl.newConnIDs[1:]
	}

	for len(ctl.retireConnIDs) > 0 {
		seq := ctl.retireConnIDs[0]
		if !c.w.appendRetireConnectionIDFrame(seq) {
			break
		}
		ctl.retireConnIDs = ctl.retireConnIDs[1:]
	}

	if ctl.maxData.shouldSendPTO(c.loss.ptoExpired) {
		if !c.w.appendMaxDataFrame(ctl.maxDataValue) {
			return
		}
		ctl.maxData.setSent(pnum)
	}

	c.streams.forEach(func(s *Stream) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.maxStreamDataSent.shouldSendPTO(c.loss.ptoExpired) {
			return
		}
		if c.w.appendMaxStreamDataFrame(s.id, s.maxStreamDataValue) {
			s.maxStreamDataSent.setSent(pnum)
		}
	})
}

func (w *packetWriter) remainingFitsHandshakeDone() bool { return w.remaining() >= 1 }

// appendPathResponseFrame echoes a received PATH_CHALLENGE, RFC 9000
// Section 19.18: "MUST NOT send more than one PATH_RESPONSE for each
// PATH_CHALLENGE" — the caller clears hasPendingPathResponse once sent.
func (w *packetWriter) appendPathResponseFrame(data [8]byte) bool {
	if w.remaining() < 1+len(data) {
		return false
	}
	w.buf = append(w.buf, frameTypePathResponse)
	w.buf = append(w.buf, data[:]...)
	w.sent.appendPathResponse(data[:])
	return true
}

func (w *packetWriter) appendMaxDataFrame(limit int64) bool {
	b := appendVarint(nil, uint64(limit))
	if w.remaining() < 1+len(b) {
		return false
	}
	w.buf = append(w.buf, frameTypeMaxData)
	w.buf = append(w.buf, b...)
	w.sent.appendMaxData(limit)
	return true
}

func (w *packetWriter) appendMaxStreamDataFrame(id, limit int64) bool {
	b := appendVarint(nil, uint64(id))
	b = appendVarint(b, uint64(limit))
	if w.remaining() < 1+len(b) {
		return false
	}
	w.buf = append(w.buf, frameTypeMaxStreamData)
	w.buf = append(w.buf, b...)
	w.sent.appendMaxStreamData(id, limit)
	return true
}

func (w *packetWriter) appendNewConnectionIDFrame(seq, retirePriorTo int64, cid []byte, token [16]byte) bool {
	b := appendVarint(nil, uint64(seq))
	b = appendVarint(b, uint64(retirePriorTo))
	b = append(b, byte(len(cid)))
	b = append(b, cid...)
	b = append(b, token[:]...)
	if w.remaining() < 1+len(b) {
		return false
	}
	w.buf = append(w.buf, frameTypeNewConnectionID)
	w.buf = append(w.buf, b...)
	w.sent.appendNewConnectionID(seq, retirePriorTo, cid)
	return true
}

func (w *packetWriter) appendRetireConnectionIDFrame(seq int64) bool {
	b := appendVarint(nil, uint64(seq))
	if w.remaining() < 1+len(b) {
		return false
	}
	w.buf = append(w.buf, frameTypeRetireConnectionID)
	w.buf = append(w.buf, b...)
	w.sent.appendRetireConnectionID(seq)
	return true
}

// appendStreamFrames writes STREAM frames for streams with sendable bytes,
// respecting connection and stream flow control, spec.md §4.3 steps 4-5.
// It reports whether any STREAM frame was written.
func (c *Conn) appendStreamFrames(limit ccLimit) (wrote bool) {
	if limit != ccOK {
		return false
	}
	c.streams.forEach(func(s *Stream) {
		s.mu.Lock()
		defer s.mu.Unlock()
		end := s.bytesAcked + int64(len(s.sendBuf))
		start := s.bytesSent
		if s.resendFrom >= 0 && s.resendFrom < start {
			start = s.resendFrom
		}
		avail := end - start
		atEnd := s.sendFin && !s.finSent && start >= end
		if avail <= 0 && !atEnd {
			return
		}
		if avail < 0 {
			avail = 0
		}
		if credit := s.sendCreditMax - start; avail > credit {
			avail = credit
		}
		if avail < 0 {
			avail = 0
		}
		n := avail
		if room := int64(c.w.remaining()) - 16; n > room {
			n = room
		}
		if n < 0 {
			n = 0
		}
		granted := c.flow.reserveSend(n)
		fin := s.sendFin && !s.finSent && start+granted >= end
		if granted == 0 && !fin {
			return
		}
		data := s.sendBuf[start-s.bytesAcked : start-s.bytesAcked+granted]
		if !c.w.appendStreamFrame(s.id, start, data, fin) {
			return
		}
		if start+granted > s.bytesSent {
			s.bytesSent = start + granted
		}
		if s.resendFrom >= 0 && start <= s.resendFrom {
			s.resendFrom = -1
		}
		if fin {
			s.finSent = true
			s.markFinWritten()
		}
		s.markSendStarted()
		wrote = true
	})
	return wrote
}

func (w *packetWriter) appendStreamFrame(id, off int64, data []byte, fin bool) bool {
	typ := byte(frameTypeStreamBase) | streamFlagLen | streamFlagOff
	if fin {
		typ |= streamFlagFin
	}
	head := appendVarint(nil, uint64(id))
	head = appendVarint(head, uint64(off))
	head = appendVarint(head, uint64(len(data)))
	if w.remaining() < 1+len(head)+len(data) {
		return false
	}
	w.buf = append(w.buf, typ)
	w.buf = append(w.buf, head...)
	w.buf = append(w.buf, data...)
	w.sent.appendStream(id, off, int64(len(data)), fin)
	return true
}
