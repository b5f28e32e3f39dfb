// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

// ID returns the stream's 62-bit identifier, spec.md §3 "Stream": the two
// low bits encode initiating role and directionality.
func (s *Stream) ID() int64 {
	return s.id
}

// InitiatedBy reports which side opened this stream, spec.md §3 "Stream":
// "id (62-bit; two low bits encode role+directionality)."
func (s *Stream) InitiatedBy() connSide {
	return id62InitiatedBy(s.id)
}

// IsBidi reports whether the stream carries data in both directions.
func (s *Stream) IsBidi() bool {
	return id62IsBidi(s.id)
}

// Write queues b for transmission, spec.md §6 "send(conn, bytes,
// {stream_id, flags})": flags are expressed here as separate calls
// (Write, then CloseWrite for FIN) rather than a single flags bitmask.
// It always accepts the full buffer; backpressure from flow control is
// applied later, when the outbound pipeline drains sendBuf (spec.md §4.3),
// not at write time.
func (s *Stream) Write(b []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetSent {
		return 0, errClosed
	}
	if s.sendFin {
		return 0, errClosed
	}
	s.sendBuf = append(s.sendBuf, b...)
	return len(b), nil
}

// CloseWrite marks the stream's send side finished. The FIN goes out with
// the stream's last STREAM frame, and the send state moves to DataSent
// (spec.md §4.4) when that frame is written (markFinWritten).
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetSent {
		return errClosed
	}
	s.sendFin = true
	return nil
}

// Reset abandons the stream's send side with an application error code,
// spec.md §6 options "STREAM_RESET".
func (s *Stream) Reset(code uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markResetSent(applicationError(code))
}

// Read copies received, in-order bytes into b, spec.md §6 "recv(conn,
// buf)". It returns io.EOF once the stream's final size is known and every
// byte up to it has been delivered.
func (s *Stream) Read(b []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerReset {
		return 0, errClosed
	}
	if len(s.readBuf) == 0 {
		if s.sizeKnown && s.recvOffset >= s.recvFinOffset {
			return 0, errEOF
		}
		return 0, nil
	}
	n = copy(b, s.readBuf)
	s.readBuf = s.readBuf[n:]
	s.recvCreditUsed += int64(n)
	if s.rt != nil && n > 0 {
		s.rt.mem.release(int64(n))
	}
	s.markRead()
	return n, nil
}

// ShouldSendMaxStreamData reports whether the highest offset received has
// come within half a window of the advertised limit, justifying a new
// MAX_STREAM_DATA limit,
// spec.md §4.2 "When max_bytes - bytes_received < window/2, emit
// MAX_STREAM_DATA." Grounded on flowcontrol.go's analogous connection-level
// check.
func (s *Stream) ShouldSendMaxStreamData() (newLimit int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldSendMaxStreamData()
}
