// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "fmt"

// debugFrame is implemented by every frame representation used in tests:
// parseDebugFrame decodes a payload into these, and each knows how to
// write itself back out, so round-trip tests can assert
// encode(decode(frame)) == frame, spec.md §8 "Laws: Round-trip".
type debugFrame interface {
	String() string
	write(w *packetWriter)
}

type debugFramePadding struct{}

func (debugFramePadding) String() string { return "PADDING" }
func (debugFramePadding) write(w *packetWriter) { w.buf = append(w.buf, frameTypePadding) }

type debugFramePing struct{}

func (debugFramePing) String() string    { return "PING" }
func (f debugFramePing) write(w *packetWriter) { w.appendPingFrame() }

type debugFrameAck struct {
	ranges rangeset
	delay  uint64
	ecn    bool
	ect0, ect1, ce uint64
}

func (f debugFrameAck) String() string {
	return fmt.Sprintf("ACK ranges=%v delay=%v", f.ranges, f.delay)
}

func (f debugFrameAck) write(w *packetWriter) { w.appendAckFrame(f.ranges, f.delay) }

type debugFrameCrypto struct {
	off  int64
	data []byte
}

func (f debugFrameCrypto) String() string { return fmt.Sprintf("CRYPTO off=%v len=%v", f.off, len(f.data)) }

func (f debugFrameCrypto) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypeCrypto)
	w.buf = appendVarint(w.buf, uint64(f.off))
	w.buf = appendVarint(w.buf, uint64(len(f.data)))
	w.buf = append(w.buf, f.data...)
	w.sent.appendCrypto(f.off, int64(len(f.data)))
}

type debugFrameStream struct {
	id  int64
	off int64
	fin bool
	data []byte
}

func (f debugFrameStream) String() string {
	return fmt.Sprintf("STREAM id=%v off=%v len=%v fin=%v", f.id, f.off, len(f.data), f.fin)
}

func (f debugFrameStream) write(w *packetWriter) {
	typ := byte(frameTypeStreamBase) | streamFlagLen | streamFlagOff
	if f.fin {
		typ |= streamFlagFin
	}
	w.buf = append(w.buf, typ)
	w.buf = appendVarint(w.buf, uint64(f.id))
	w.buf = appendVarint(w.buf, uint64(f.off))
	w.buf = appendVarint(w.buf, uint64(len(f.data)))
	w.buf = append(w.buf, f.data...)
	w.sent.appendStream(f.id, f.off, int64(len(f.data)), f.fin)
}

type debugFrameResetStream struct {
	id        int64
	code      applicationError
	finalSize int64
}

func (f debugFrameResetStream) String() string {
	return fmt.Sprintf("RESET_STREAM id=%v code=%v finalSize=%v", f.id, f.code, f.finalSize)
}

func (f debugFrameResetStream) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypeResetStream)
	w.buf = appendVarint(w.buf, uint64(f.id))
	w.buf = appendVarint(w.buf, uint64(f.code))
	w.buf = appendVarint(w.buf, uint64(f.finalSize))
	w.sent.appendResetStream(f.id, f.code, f.finalSize)
}

type debugFrameStopSending struct {
	id   int64
	code applicationError
}

func (f debugFrameStopSending) String() string { return fmt.Sprintf("STOP_SENDING id=%v code=%v", f.id, f.code) }

func (f debugFrameStopSending) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypeStopSending)
	w.buf = appendVarint(w.buf, uint64(f.id))
	w.buf = appendVarint(w.buf, uint64(f.code))
	w.sent.appendStopSending(f.id, f.code)
}

type debugFrameMaxData struct{ max int64 }

func (f debugFrameMaxData) String() string { return fmt.Sprintf("MAX_DATA max=%v", f.max) }
func (f debugFrameMaxData) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypeMaxData)
	w.buf = appendVarint(w.buf, uint64(f.max))
	w.sent.appendMaxData(f.max)
}

type debugFrameMaxStreamData struct {
	id  int64
	max int64
}

func (f debugFrameMaxStreamData) String() string {
	return fmt.Sprintf("MAX_STREAM_DATA id=%v max=%v", f.id, f.max)
}
func (f debugFrameMaxStreamData) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypeMaxStreamData)
	w.buf = appendVarint(w.buf, uint64(f.id))
	w.buf = appendVarint(w.buf, uint64(f.max))
	w.sent.appendMaxStreamData(f.id, f.max)
}

type debugFrameMaxStreams struct {
	uni bool
	max int64
}

func (f debugFrameMaxStreams) String() string { return fmt.Sprintf("MAX_STREAMS uni=%v max=%v", f.uni, f.max) }
func (f debugFrameMaxStreams) write(w *packetWriter) {
	typ := byte(frameTypeMaxStreamsBidi)
	if f.uni {
		typ = frameTypeMaxStreamsUni
	}
	w.buf = append(w.buf, typ)
	w.buf = appendVarint(w.buf, uint64(f.max))
	w.sent.appendMaxStreams(f.uni, f.max)
}

type debugFrameDataBlocked struct{ max int64 }

func (f debugFrameDataBlocked) String() string { return fmt.Sprintf("DATA_BLOCKED max=%v", f.max) }
func (f debugFrameDataBlocked) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypeDataBlocked)
	w.buf = appendVarint(w.buf, uint64(f.max))
	w.sent.appendDataBlocked(f.max)
}

type debugFrameStreamDataBlocked struct {
	id  int64
	max int64
}

func (f debugFrameStreamDataBlocked) String() string {
	return fmt.Sprintf("STREAM_DATA_BLOCKED id=%v max=%v", f.id, f.max)
}
func (f debugFrameStreamDataBlocked) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypeStreamDataBlocked)
	w.buf = appendVarint(w.buf, uint64(f.id))
	w.buf = appendVarint(w.buf, uint64(f.max))
	w.sent.appendStreamDataBlocked(f.id, f.max)
}

type debugFrameStreamsBlocked struct {
	uni bool
	max int64
}

func (f debugFrameStreamsBlocked) String() string {
	return fmt.Sprintf("STREAMS_BLOCKED uni=%v max=%v", f.uni, f.max)
}
func (f debugFrameStreamsBlocked) write(w *packetWriter) {
	typ := byte(frameTypeStreamsBlockedBidi)
	if f.uni {
		typ = frameTypeStreamsBlockedUni
	}
	w.buf = append(w.buf, typ)
	w.buf = appendVarint(w.buf, uint64(f.max))
	w.sent.appendStreamsBlocked(f.uni, f.max)
}

type debugFrameNewConnectionID struct {
	seq, retirePriorTo int64
	cid                []byte
	token              [16]byte
}

func (f debugFrameNewConnectionID) String() string {
	return fmt.Sprintf("NEW_CONNECTION_ID seq=%v retirePriorTo=%v cid=%x", f.seq, f.retirePriorTo, f.cid)
}
func (f debugFrameNewConnectionID) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypeNewConnectionID)
	w.buf = appendVarint(w.buf, uint64(f.seq))
	w.buf = appendVarint(w.buf, uint64(f.retirePriorTo))
	w.buf = append(w.buf, byte(len(f.cid)))
	w.buf = append(w.buf, f.cid...)
	w.buf = append(w.buf, f.token[:]...)
	w.sent.appendNewConnectionID(f.seq, f.retirePriorTo, f.cid)
}

type debugFrameRetireConnectionID struct{ seq int64 }

func (f debugFrameRetireConnectionID) String() string { return fmt.Sprintf("RETIRE_CONNECTION_ID seq=%v", f.seq) }
func (f debugFrameRetireConnectionID) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypeRetireConnectionID)
	w.buf = appendVarint(w.buf, uint64(f.seq))
	w.sent.appendRetireConnectionID(f.seq)
}

type debugFramePathChallenge struct{ data [8]byte }

func (f debugFramePathChallenge) String() string { return fmt.Sprintf("PATH_CHALLENGE data=%x", f.data) }
func (f debugFramePathChallenge) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypePathChallenge)
	w.buf = append(w.buf, f.data[:]...)
	w.sent.appendPathChallenge(f.data[:])
}

type debugFramePathResponse struct{ data [8]byte }

func (f debugFramePathResponse) String() string { return fmt.Sprintf("PATH_RESPONSE data=%x", f.data) }
func (f debugFramePathResponse) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypePathResponse)
	w.buf = append(w.buf, f.data[:]...)
	w.sent.appendPathResponse(f.data[:])
}

type debugFrameConnectionClose struct {
	app       bool
	code      uint64
	frameType uint64
	reason    string
}

func (f debugFrameConnectionClose) String() string {
	return fmt.Sprintf("CONNECTION_CLOSE app=%v code=%v reason=%q", f.app, f.code, f.reason)
}
func (f debugFrameConnectionClose) write(w *packetWriter) {
	typ := byte(frameTypeConnectionCloseTransport)
	if f.app {
		typ = frameTypeConnectionCloseApp
	}
	w.buf = append(w.buf, typ)
	w.buf = appendVarint(w.buf, f.code)
	if !f.app {
		w.buf = appendVarint(w.buf, f.frameType)
	}
	w.buf = appendVarint(w.buf, uint64(len(f.reason)))
	w.buf = append(w.buf, f.reason...)
	w.sent.appendConnectionClose(f.app, f.code, f.frameType, f.reason)
}

type debugFrameHandshakeDone struct{}

func (debugFrameHandshakeDone) String() string { return "HANDSHAKE_DONE" }
func (f debugFrameHandshakeDone) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypeHandshakeDone)
	w.sent.appendHandshakeDone()
}

type debugFrameDatagram struct{ data []byte }

func (f debugFrameDatagram) String() string { return fmt.Sprintf("DATAGRAM len=%v", len(f.data)) }
func (f debugFrameDatagram) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypeDatagram+1) // with explicit length
	w.buf = appendVarint(w.buf, uint64(len(f.data)))
	w.buf = append(w.buf, f.data...)
	w.sent.appendDatagram(f.data)
}

type debugFrameNewToken struct{ token []byte }

func (f debugFrameNewToken) String() string { return fmt.Sprintf("NEW_TOKEN len=%v", len(f.token)) }
func (f debugFrameNewToken) write(w *packetWriter) {
	w.buf = append(w.buf, frameTypeNewToken)
	w.buf = appendVarint(w.buf, uint64(len(f.token)))
	w.buf = append(w.buf, f.token...)
}

// parseDebugFrame decodes one frame from the front of payload, returning
// it and the number of bytes consumed, or n=-1 on a malformed frame
// (spec.md §7: the caller drops the packet silently on a decode error).
func parseDebugFrame(payload []byte) (debugFrame, int) {
	if len(payload) == 0 {
		return nil, -1
	}
	typ := payload[0]
	b := payload[1:]
	switch {
	case typ == frameTypePadding:
		return debugFramePadding{}, 1
	case typ == frameTypePing:
		return debugFramePing{}, 1
	case typ == frameTypeAck || typ == frameTypeAckECN:
		largest, b2, ok := consumeVarint(b)
		if !ok {
			return nil, -1
		}
		delay, b3, ok := consumeVarint(b2)
		if !ok {
			return nil, -1
		}
		count, b4, ok := consumeVarint(b3)
		if !ok {
			return nil, -1
		}
		firstLen, b5, ok := consumeVarint(b4)
		if !ok {
			return nil, -1
		}
		var rs rangeset
		hi := packetNumber(largest)
		lo := hi - packetNumber(firstLen)
		rs.add(lo, hi)
		cur := b5
		for i := uint64(0); i < count; i++ {
			gap, c2, ok := consumeVarint(cur)
			if !ok {
				return nil, -1
			}
			rlen, c3, ok := consumeVarint(c2)
			if !ok {
				return nil, -1
			}
			hi = lo - packetNumber(gap) - 2
			lo = hi - packetNumber(rlen)
			rs.add(lo, hi)
			cur = c3
		}
		n := len(payload) - len(cur)
		if typ == frameTypeAckECN {
			ect0, c2, ok := consumeVarint(cur)
			if !ok {
				return nil, -1
			}
			ect1, c3, ok := consumeVarint(c2)
			if !ok {
				return nil, -1
			}
			ce, c4, ok := consumeVarint(c3)
			if !ok {
				return nil, -1
			}
			n = len(payload) - len(c4)
			return debugFrameAck{ranges: rs, delay: delay, ecn: true, ect0: ect0, ect1: ect1, ce: ce}, n
		}
		return debugFrameAck{ranges: rs, delay: delay}, n
	case typ == frameTypeCrypto:
		off, b2, ok := consumeVarintInt64(b)
		if !ok {
			return nil, -1
		}
		length, b3, ok := consumeVarint(b2)
		if !ok || uint64(len(b3)) < length {
			return nil, -1
		}
		data := append([]byte(nil), b3[:length]...)
		return debugFrameCrypto{off: off, data: data}, len(payload) - len(b3) + int(length)
	case isStreamFrameType(typ):
		id, b2, ok := consumeVarintInt64(b)
		if !ok {
			return nil, -1
		}
		var off int64
		cur := b2
		if typ&streamFlagOff != 0 {
			off, cur, ok = consumeVarintInt64(cur)
			if !ok {
				return nil, -1
			}
		}
		var length uint64
		if typ&streamFlagLen != 0 {
			length, cur, ok = consumeVarint(cur)
			if !ok || uint64(len(cur)) < length {
				return nil, -1
			}
		} else {
			length = uint64(len(cur))
		}
		data := append([]byte(nil), cur[:length]...)
		fin := typ&streamFlagFin != 0
		return debugFrameStream{id: id, off: off, fin: fin, data: data}, len(payload) - len(cur) + int(length)
	case typ == frameTypeResetStream:
		id, b2, ok := consumeVarintInt64(b)
		if !ok {
			return nil, -1
		}
		code, b3, ok := consumeVarint(b2)
		if !ok {
			return nil, -1
		}
		finalSize, b4, ok := consumeVarintInt64(b3)
		if !ok {
			return nil, -1
		}
		return debugFrameResetStream{id: id, code: applicationError(code), finalSize: finalSize}, len(payload) - len(b4)
	case typ == frameTypeStopSending:
		id, b2, ok := consumeVarintInt64(b)
		if !ok {
			return nil, -1
		}
		code, b3, ok := consumeVarint(b2)
		if !ok {
			return nil, -1
		}
		return debugFrameStopSending{id: id, code: applicationError(code)}, len(payload) - len(b3)
	case typ == frameTypeMaxData:
		max, b2, ok := consumeVarintInt64(b)
		if !ok {
			return nil, -1
		}
		return debugFrameMaxData{max: max}, len(payload) - len(b2)
	case typ == frameTypeMaxStreamData:
		id, b2, ok := consumeVarintInt64(b)
		if !ok {
			return nil, -1
		}
		max, b3, ok := consumeVarintInt64(b2)
		if !ok {
			return nil, -1
		}
		return debugFrameMaxStreamData{id: id, max: max}, len(payload) - len(b3)
	case typ == frameTypeMaxStreamsBidi || typ == frameTypeMaxStreamsUni:
		max, b2, ok := consumeVarintInt64(b)
		if !ok {
			return nil, -1
		}
		return debugFrameMaxStreams{uni: typ == frameTypeMaxStreamsUni, max: max}, len(payload) - len(b2)
	case typ == frameTypeDataBlocked:
		max, b2, ok := consumeVarintInt64(b)
		if !ok {
			return nil, -1
		}
		return debugFrameDataBlocked{max: max}, len(payload) - len(b2)
	case typ == frameTypeStreamDataBlocked:
		id, b2, ok := consumeVarintInt64(b)
		if !ok {
			return nil, -1
		}
		max, b3, ok := consumeVarintInt64(b2)
		if !ok {
			return nil, -1
		}
		return debugFrameStreamDataBlocked{id: id, max: max}, len(payload) - len(b3)
	case typ == frameTypeStreamsBlockedBidi || typ == frameTypeStreamsBlockedUni:
		max, b2, ok := consumeVarintInt64(b)
		if !ok {
			return nil, -1
		}
		return debugFrameStreamsBlocked{uni: typ == frameTypeStreamsBlockedUni, max: max}, len(payload) - len(b2)
	case typ == frameTypeNewConnectionID:
		seq, b2, ok := consumeVarintInt64(b)
		if !ok {
			return nil, -1
		}
		retire, b3, ok := consumeVarintInt64(b2)
		if !ok {
			return nil, -1
		}
		if len(b3) < 1 {
			return nil, -1
		}
		cidLen := int(b3[0])
		if len(b3) < 1+cidLen+16 {
			return nil, -1
		}
		cid := append([]byte(nil), b3[1:1+cidLen]...)
		var token [16]byte
		copy(token[:], b3[1+cidLen:1+cidLen+16])
		n := len(payload) - len(b3) + 1 + cidLen + 16
		return debugFrameNewConnectionID{seq: seq, retirePriorTo: retire, cid: cid, token: token}, n
	case typ == frameTypeRetireConnectionID:
		seq, b2, ok := consumeVarintInt64(b)
		if !ok {
			return nil, -1
		}
		return debugFrameRetireConnectionID{seq: seq}, len(payload) - len(b2)
	case typ == frameTypePathChallenge:
		if len(b) < 8 {
			return nil, -1
		}
		var d [8]byte
		copy(d[:], b[:8])
		return debugFramePathChallenge{data: d}, 9
	case typ == frameTypePathResponse:
		if len(b) < 8 {
			return nil, -1
		}
		var d [8]byte
		copy(d[:], b[:8])
		return debugFramePathResponse{data: d}, 9
	case typ == frameTypeConnectionCloseTransport || typ == frameTypeConnectionCloseApp:
		app := typ == frameTypeConnectionCloseApp
		code, cur, ok := consumeVarint(b)
		if !ok {
			return nil, -1
		}
		var ft uint64
		if !app {
			ft, cur, ok = consumeVarint(cur)
			if !ok {
				return nil, -1
			}
		}
		rlen, cur2, ok := consumeVarint(cur)
		if !ok || uint64(len(cur2)) < rlen {
			return nil, -1
		}
		reason := string(cur2[:rlen])
		n := len(payload) - len(cur2) + int(rlen)
		return debugFrameConnectionClose{app: app, code: code, frameType: ft, reason: reason}, n
	case typ == frameTypeHandshakeDone:
		return debugFrameHandshakeDone{}, 1
	case isDatagramFrameType(typ):
		if typ == frameTypeDatagram {
			data := append([]byte(nil), b...)
			return debugFrameDatagram{data: data}, len(payload)
		}
		length, cur, ok := consumeVarint(b)
		if !ok || uint64(len(cur)) < length {
			return nil, -1
		}
		data := append([]byte(nil), cur[:length]...)
		return debugFrameDatagram{data: data}, len(payload) - len(cur) + int(length)
	case typ == frameTypeNewToken:
		length, cur, ok := consumeVarint(b)
		if !ok || uint64(len(cur)) < length {
			return nil, -1
		}
		token := append([]byte(nil), cur[:length]...)
		return debugFrameNewToken{token: token}, len(payload) - len(cur) + int(length)
	}
	return nil, -1
}
