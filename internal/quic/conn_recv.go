// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// handleDatagram is the inbound pipeline's entry point, spec.md §4.2
// "Inbound pipeline": demultiplex a UDP payload into its (possibly
// coalesced) QUIC packets and hand each to handlePacket in turn.
func (c *Conn) handleDatagram(now time.Time, d *datagram) {
	if c.state == connStateDraining {
		// A draining connection sends nothing and processes nothing, RFC
		// 9000 Section 10.2.2; it exists only to absorb stragglers until
		// the drain timer expires.
		return
	}
	c.maybeMigrate(now, d.addr)
	c.loss.bytesReceived += len(d.b)

	buf := d.b
	for len(buf) > 0 {
		var space numberSpace
		var lp longPacket
		var n int
		if isLongHeader(buf[0]) {
			switch getPacketType(buf) {
			case packetTypeInitial:
				space = initialSpace
			case packetTypeHandshake:
				space = handshakeSpace
			default:
				// 0-RTT, Retry, and Version Negotiation packets aren't
				// produced or consumed by this core; stop at the first one.
				return
			}
			pnumMax := c.loss.spaces[space].largestAcked
			lp, n = parseLongHeaderPacket(buf, c.tlsState.rkeys[space], pnumMax)
		} else {
			space = appDataSpace
			cidLen := len(c.connIDState.srcConnID())
			pnumMax := c.loss.spaces[space].largestAcked
			lp, n = parse1RTTPacket(buf, c.tlsState.rkeys[appDataSpace], cidLen, pnumMax)
		}
		if n < 0 {
			return // malformed: drop the remainder of the datagram, spec.md §7
		}
		c.handlePacket(now, space, lp)
		buf = buf[n:]
	}
}

// handlePacket decodes and dispatches every frame in one decrypted packet,
// then records it with the space's ackState, spec.md §4.2 steps 1-5.
func (c *Conn) handlePacket(now time.Time, space numberSpace, lp longPacket) {
	payload := lp.payload
	ackEliciting := false
	for len(payload) > 0 {
		f, n := parseDebugFrame(payload)
		if n < 0 {
			return
		}
		payload = payload[n:]
		switch f.(type) {
		case debugFramePadding, debugFrameAck:
		default:
			ackEliciting = true
		}
		c.handleFrame(now, space, f)
	}
	if !c.acks[space].receive(now, lp.num, ackEliciting, ecnNotECT) {
		return
	}
	c.restartIdleTimer(now)
}

// handleFrame applies one decoded frame's effect on connection state,
// spec.md §4.2 step 4/5's per-frame-kind rules.
func (c *Conn) handleFrame(now time.Time, space numberSpace, f debugFrame) {
	switch f := f.(type) {
	case debugFramePadding, debugFramePing:
		// No state change; PING exists purely to be ack-eliciting.

	case debugFrameAck:
		delay := ackDelayToDuration(f.delay, uint8(c.remoteParams.ackDelayExponent))
		for _, sent := range c.loss.handleAcked(now, space, f.ranges, delay) {
			c.handleAckOrLoss(space, sent, packetAcked)
		}

	case debugFrameCrypto:
		// Handshake bytes are handed to the external TLS collaborator named
		// in spec.md §1; this core only needs to have parsed past them.

	case debugFrameStream:
		c.handleStreamFrame(now, f)

	case debugFrameResetStream:
		s, cerr := c.streams.getOrCreateRemote(f.id, c.streamCredits())
		if cerr != nil {
			c.enterDone(cerr)
			return
		}
		s.mu.Lock()
		err := s.markPeerReset(f.code, f.finalSize)
		s.mu.Unlock()
		if err != nil {
			c.enterDone(err)
			return
		}
		c.events.push(Event{Kind: EventStreamUpdate, StreamID: f.id, Time: now})

	case debugFrameStopSending:
		if s, ok := c.streams.get(f.id); ok {
			s.mu.Lock()
			s.markResetSent(f.code)
			s.mu.Unlock()
		}

	case debugFrameMaxData:
		c.flow.updateSendLimit(f.max)

	case debugFrameMaxStreamData:
		if s, ok := c.streams.get(f.id); ok {
			s.mu.Lock()
			if f.max > s.sendCreditMax {
				s.sendCreditMax = f.max
			}
			s.mu.Unlock()
		}

	case debugFrameMaxStreams:
		c.streams.updateLocalMax(!f.uni, f.max)
		c.events.push(Event{Kind: EventMaxStreams, Time: now})

	case debugFrameDataBlocked, debugFrameStreamDataBlocked, debugFrameStreamsBlocked:
		// Informational: the peer is telling us it's credit-starved. Nothing
		// to act on beyond what shouldSendMaxData/shouldSendMaxStreamData
		// already schedule on their own.

	case debugFrameNewConnectionID:
		toRetire, err := c.connIDState.receiveNewConnectionID(f.seq, f.retirePriorTo, f.cid, f.token)
		if err != nil {
			c.enterDone(err)
			return
		}
		for _, seq := range toRetire {
			c.control.queueRetireConnID(seq)
		}

	case debugFrameRetireConnectionID:
		replacement, err := c.connIDState.receiveRetireConnectionID(f.seq, c.rt)
		if err != nil {
			c.enterDone(err)
			return
		}
		if replacement != nil {
			c.control.queueNewConnID(*replacement)
		}

	case debugFramePathChallenge:
		c.pendingPathResponse = f.data
		c.hasPendingPathResponse = true

	case debugFramePathResponse:
		if c.altPath != nil && c.altPath.onResponse(f.data) {
			c.onPathValidated(now)
			c.events.push(Event{Kind: EventConnectionMigration, Time: now})
		}

	case debugFrameConnectionClose:
		if c.closeErr == nil {
			c.closeErr = &connError{
				code:   transportError(f.code),
				remote: true,
				app:    f.app,
				frame:  byte(f.frameType),
				reason: f.reason,
			}
		}
		c.enterDraining(now)
		c.events.push(Event{Kind: EventConnectionClose, ErrorCode: f.code, Phrase: f.reason, Time: now})

	case debugFrameHandshakeDone:
		if c.side == clientSide {
			c.state = connStateEstablished
			c.tlsState.discard(handshakeSpace)
		}

	case debugFrameDatagram:
		// Unreliable application datagrams need an API surface this module
		// doesn't expose yet (spec.md Non-goals); received payloads are
		// acknowledged by virtue of being ack-eliciting but otherwise dropped.

	case debugFrameNewToken:
		c.events.push(Event{Kind: EventNewToken, Token: f.token, Time: now})
	}
}

// handleStreamFrame applies flow control and reassembly for one STREAM
// frame, spec.md §4.2 steps 1-4.
func (c *Conn) handleStreamFrame(now time.Time, f debugFrameStream) {
	s, cerr := c.streams.getOrCreateRemote(f.id, c.streamCredits())
	if cerr != nil {
		c.enterDone(cerr)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	accept, err := s.admitStreamReceive(f.off, int64(len(f.data)))
	if err != nil {
		c.enterDone(err)
		return
	}
	if !accept {
		return
	}
	if s.rt != nil && len(f.data) > 0 && !s.rt.mem.reserve(int64(len(f.data))) {
		// Memory-pressure drop, spec.md §7: "Memory-pressure drops are
		// silent." The peer's retransmission timer will resend this range.
		return
	}
	newHighest := f.off + int64(len(f.data))
	if newHighest > s.highestRecvd {
		if err := c.flow.admitReceive(s.highestRecvd, newHighest); err != nil {
			c.enterDone(err)
			return
		}
		s.highestRecvd = newHighest
	}
	if f.fin {
		if err := s.markSizeKnown(newHighest); err != nil {
			c.enterDone(err)
			return
		}
	}
	s.insertFragment(f.off, f.data)
	s.maybeMarkDataRecvd()
	if limit, ok := s.shouldSendMaxStreamData(); ok {
		s.queueMaxStreamData(limit)
	}
	if !s.notifiedUpdate {
		// spec.md §4.2: "a stream update event is emitted the first time
		// data is received", not on every reordered STREAM frame.
		s.notifiedUpdate = true
		c.events.push(Event{Kind: EventStreamUpdate, StreamID: f.id, Time: now})
	}
	if limit, ok := c.flow.shouldSendMaxData(); ok {
		c.control.queueMaxData(limit)
	}
}

// streamCredits reports the send/receive flow-control defaults new streams
// are created with, from the negotiated transport parameters.
func (c *Conn) streamCredits() streamCredits {
	return streamCredits{
		sendBidi: c.remoteParams.initialMaxStreamDataBidiRemote,
		sendUni:  c.remoteParams.initialMaxStreamDataUni,
		recvBidi: c.localParams.initialMaxStreamDataBidiLocal,
		recvUni:  c.localParams.initialMaxStreamDataUni,
	}
}
