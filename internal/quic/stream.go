// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "sync"

// streamSendState is the send-side state machine, spec.md §4.4.
type streamSendState int

const (
	streamSendReady streamSendState = iota
	streamSendSend
	streamSendDataSent
	streamSendDataRecvd
	streamSendResetSent
	streamSendResetRecvd
)

// streamRecvState is the receive-side state machine, spec.md §4.4.
type streamRecvState int

const (
	streamRecvRecv streamRecvState = iota
	streamRecvSizeKnown
	streamRecvDataRecvd
	streamRecvDataRead
	streamRecvResetRecvd
	streamRecvResetRead
)

// recvFragment is one buffered, not-yet-deliverable range of received
// stream data, spec.md §4.2 step 4: "insert into an ordered per-stream
// fragment set; coalesce with neighbors."
type recvFragment struct {
	offset int64
	data   []byte
}

// Stream is one QUIC stream's state: id, independent send/recv state
// machines, byte offsets, and flow-control credit, spec.md §3 "Stream".
type Stream struct {
	mu sync.Mutex

	id int64
	rt *runtimeServices // memory-budget accounting for buffered receive bytes

	send streamSendState
	recv streamRecvState

	// Send side. sendBuf retains every byte from bytesAcked through
	// bytesAcked+len(sendBuf): bytes already sent are kept until acked so a
	// lost STREAM frame can be rebuilt from the same backing bytes.
	sendBuf       []byte
	bytesSent     int64
	bytesAcked    int64
	resendFrom    int64 // -1 if nothing outstanding needs retransmission
	sendFin       bool
	finSent       bool
	sendCreditMax int64 // most recent MAX_STREAM_DATA from peer
	resetCode     applicationError
	resetSent     bool

	// Receive side.
	recvOffset     int64 // next byte offset the application will read (prefix delivered)
	highestRecvd   int64 // highest offset+length seen, for flow-control accounting
	fragments      []recvFragment
	recvFinOffset  int64 // valid once sizeKnown
	sizeKnown      bool
	readBuf        []byte // in-order bytes ready for the application to read
	recvCreditMax  int64  // limit we've advertised via MAX_STREAM_DATA
	recvCreditUsed int64
	recvWindow     int64  // window size used to decide when to send MAX_STREAM_DATA

	maxStreamDataSent  sentVal
	maxStreamDataValue int64
	peerResetCode  applicationError
	peerReset      bool

	notifiedUpdate bool // STREAM_UPDATE delivered at least once (spec.md §4.2)
}

func newStream(id int64, sendCredit, recvCredit int64) *Stream {
	return &Stream{
		id:            id,
		sendCreditMax: sendCredit,
		recvCreditMax: recvCredit,
		recvWindow:    recvCredit,
		resendFrom:    -1,
	}
}

// queueSend appends application bytes (and, if fin, marks the end of the
// stream) to the send buffer for the outbound pipeline to drain.
func (s *Stream) queueSend(b []byte, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendBuf = append(s.sendBuf, b...)
	if fin {
		s.sendFin = true
	}
}


// id62IsBidi reports whether the low bits of a QUIC stream id mark it
// bidirectional, RFC 9000 Section 2.1.
func id62IsBidi(id int64) bool { return id&0x2 == 0 }

func id62InitiatedBy(id int64) connSide {
	if id&0x1 == 0 {
		return clientSide
	}
	return serverSide
}

// streamIDType packs (side, bidi) into the two low bits of a stream id,
// RFC 9000 Section 2.1.
func streamIDType(side connSide, bidi bool) int64 {
	var t int64
	if side == serverSide {
		t |= 0x1
	}
	if !bidi {
		t |= 0x2
	}
	return t
}

// --- send side transitions, spec.md §4.4 ---

// markSendStarted transitions Ready -> Send on the first STREAM byte.
func (s *Stream) markSendStarted() {
	if s.send == streamSendReady {
		s.send = streamSendSend
	}
}

// markFinWritten transitions [Ready,Send] -> DataSent once a STREAM frame
// carrying FIN is written to a packet (appendStreamFrames).
func (s *Stream) markFinWritten() {
	s.sendFin = true
	if s.send == streamSendReady || s.send == streamSendSend {
		s.send = streamSendDataSent
	}
}

// markSendAcked transitions DataSent -> DataRecvd once every byte and FIN
// are acknowledged, trimming the now-unneeded prefix of sendBuf.
func (s *Stream) markSendAcked(upTo int64) {
	if upTo > s.bytesAcked {
		s.sendBuf = s.sendBuf[minI64(upTo-s.bytesAcked, int64(len(s.sendBuf))):]
		s.bytesAcked = upTo
	}
	if s.send == streamSendDataSent && s.sendFin && s.bytesAcked >= s.bytesSent {
		s.send = streamSendDataRecvd
	}
}

// markSendLost re-arms retransmission starting at off, the lowest byte of a
// STREAM frame reported lost, spec.md §4.1 "requeue the covered range."
func (s *Stream) markSendLost(off int64) {
	if off < s.bytesAcked {
		off = s.bytesAcked
	}
	if s.resendFrom < 0 || off < s.resendFrom {
		s.resendFrom = off
	}
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// markResetSent transitions [Ready,Send] -> ResetSent on an application
// reset.
func (s *Stream) markResetSent(code applicationError) {
	s.resetCode = code
	s.resetSent = true
	s.send = streamSendResetSent
}

// markResetAcked transitions ResetSent -> ResetRecvd once RESET_STREAM is
// acknowledged.
func (s *Stream) markResetAcked() {
	if s.send == streamSendResetSent {
		s.send = streamSendResetRecvd
	}
}

// --- receive side transitions, spec.md §4.4 ---

// markSizeKnown transitions Recv -> SizeKnown on a FIN or RESET_STREAM
// carrying a final size.
func (s *Stream) markSizeKnown(finalSize int64) error {
	if s.sizeKnown && s.recvFinOffset != finalSize {
		return newLocalTransportError(errFinalSize, "inconsistent final size")
	}
	if finalSize < s.highestRecvd {
		return newLocalTransportError(errFinalSize, "final size smaller than data already received")
	}
	s.sizeKnown = true
	s.recvFinOffset = finalSize
	if s.recv == streamRecvRecv {
		s.recv = streamRecvSizeKnown
	}
	return nil
}

// maybeMarkDataRecvd transitions SizeKnown -> DataRecvd once the whole
// stream has been delivered to the read buffer in order.
func (s *Stream) maybeMarkDataRecvd() {
	if s.recv == streamRecvSizeKnown && s.sizeKnown && s.recvOffset >= s.recvFinOffset {
		s.recv = streamRecvDataRecvd
	}
}

// markRead transitions DataRecvd -> DataRead once the application has
// consumed every delivered byte.
func (s *Stream) markRead() {
	if s.recv == streamRecvDataRecvd && len(s.readBuf) == 0 {
		s.recv = streamRecvDataRead
	}
}

// markPeerReset transitions [Recv,SizeKnown] -> ResetRecvd.
func (s *Stream) markPeerReset(code applicationError, finalSize int64) error {
	if err := s.markSizeKnown(finalSize); err != nil {
		return err
	}
	s.peerResetCode = code
	s.peerReset = true
	s.recv = streamRecvResetRecvd
	return nil
}

// markResetRead transitions ResetRecvd -> ResetRead once the application
// observes the reset.
func (s *Stream) markResetRead() {
	if s.recv == streamRecvResetRecvd {
		s.recv = streamRecvResetRead
	}
}

// insertFragment records a received byte range, coalescing with whatever's
// already buffered and draining any now-contiguous prefix into readBuf,
// spec.md §4.2 step 4. Caller holds s.mu.
func (s *Stream) insertFragment(off int64, data []byte) {
	end := off + int64(len(data))
	if end <= s.recvOffset {
		return // fully duplicate
	}
	if off < s.recvOffset {
		data = data[s.recvOffset-off:]
		off = s.recvOffset
	}
	frag := recvFragment{offset: off, data: append([]byte(nil), data...)}
	var kept []recvFragment
	for _, existing := range s.fragments {
		exEnd := existing.offset + int64(len(existing.data))
		frEnd := frag.offset + int64(len(frag.data))
		if exEnd < frag.offset || frEnd < existing.offset {
			kept = append(kept, existing)
		} else {
			frag = mergeFragments(frag, existing)
		}
	}
	kept = append(kept, frag)
	for i := 1; i < len(kept); i++ {
		for j := i; j > 0 && kept[j-1].offset > kept[j].offset; j-- {
			kept[j-1], kept[j] = kept[j], kept[j-1]
		}
	}
	s.fragments = kept

	for len(s.fragments) > 0 && s.fragments[0].offset <= s.recvOffset {
		f := s.fragments[0]
		fEnd := f.offset + int64(len(f.data))
		if fEnd > s.recvOffset {
			skip := s.recvOffset - f.offset
			s.readBuf = append(s.readBuf, f.data[skip:]...)
			s.recvOffset = fEnd
		}
		s.fragments = s.fragments[1:]
	}
}

// mergeFragments returns a single fragment covering the union of a and b's
// ranges, used when a newly received range overlaps one already buffered.
func mergeFragments(a, b recvFragment) recvFragment {
	lo := a.offset
	if b.offset < lo {
		lo = b.offset
	}
	aEnd := a.offset + int64(len(a.data))
	bEnd := b.offset + int64(len(b.data))
	hi := aEnd
	if bEnd > hi {
		hi = bEnd
	}
	buf := make([]byte, hi-lo)
	copy(buf[a.offset-lo:], a.data)
	copy(buf[b.offset-lo:], b.data)
	return recvFragment{offset: lo, data: buf}
}
