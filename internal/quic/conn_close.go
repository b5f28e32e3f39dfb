// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// closeState tracks the connection-level CONNECTION_CLOSE bookkeeping,
// spec.md §4.5 "Closing / Draining": once closing begins, every subsequent
// packet carries only a CONNECTION_CLOSE frame, rate-limited to roughly
// once per PTO (RFC 9000 Section 13.3).
type closeState struct {
	sent sentVal
}

// Close starts the application-initiated close handshake, spec.md §4.5:
// "App calls Close: queue CONNECTION_CLOSE, move to closing." code is an
// opaque application error code; reason is sent in the clear and should
// not contain anything sensitive.
func (c *Conn) Close(code uint64, reason string) error {
	return c.runOnLoop(func(now time.Time, c *Conn) {
		c.startClosing(now, &connError{app: true, code: transportError(code), reason: reason})
	})
}

// Abort closes the connection immediately with a transport-level error,
// used by the package itself (e.g. on a protocol violation) rather than by
// the application.
func (c *Conn) Abort(err *connError) {
	c.runOnLoop(func(now time.Time, c *Conn) {
		c.startClosing(now, err)
	})
}

// startClosing transitions Establishing/Established -> Closing, arming the
// CONNECTION_CLOSE frame for transmission and starting the drain timer.
func (c *Conn) startClosing(now time.Time, err *connError) {
	if c.state == connStateDone || c.state == connStateClosing || c.state == connStateDraining {
		return
	}
	c.closeErr = err
	c.state = connStateClosing
	c.drainEnd = now.Add(3 * c.loss.ptoDuration())
	c.close.sent.setUnsent()
	c.wake()
}

// enterDraining moves directly to Draining on receipt of a peer
// CONNECTION_CLOSE, spec.md §4.5: a draining connection sends nothing
// further and only waits out the drain period.
func (c *Conn) enterDraining(now time.Time) {
	if c.state == connStateDone {
		return
	}
	c.state = connStateDraining
	c.drainEnd = now.Add(3 * c.loss.ptoDuration())
}

// drainAdvance reports whether a Closing or Draining connection's drain
// period has elapsed as of now, transitioning it to Done if so.
func (c *Conn) drainAdvance(now time.Time) bool {
	switch c.state {
	case connStateClosing, connStateDraining:
		if !c.drainEnd.IsZero() && !now.Before(c.drainEnd) {
			c.state = connStateDone
			return true
		}
	}
	return false
}

// appendCloseFrame writes the connection's CONNECTION_CLOSE frame if one is
// due, spec.md §4.5. It reports whether the caller is in the Closing state,
// in which case no other frame should be added to this packet: while
// closing, CONNECTION_CLOSE is the only frame sent (RFC 9000 Section 13.3).
func (c *Conn) appendCloseFrame(pnum packetNumber) (closing bool) {
	if c.state != connStateClosing {
		return false
	}
	if c.close.sent.shouldSendPTO(c.loss.ptoExpired) {
		ce := c.closeErr
		if ce == nil {
			ce = newLocalTransportError(errNo, "")
		}
		if c.w.appendConnectionCloseFrame(ce.app, uint64(ce.code), uint64(ce.frame), ce.reason) {
			c.close.sent.setSent(pnum)
		}
	}
	return true
}

func (w *packetWriter) appendConnectionCloseFrame(app bool, code, frameType uint64, reason string) bool {
	typ := byte(frameTypeConnectionCloseTransport)
	head := appendVarint(nil, code)
	if app {
		typ = frameTypeConnectionCloseApp
	} else {
		head = appendVarint(head, frameType)
	}
	head = appendVarint(head, uint64(len(reason)))
	if w.remaining() < 1+len(head)+len(reason) {
		return false
	}
	w.buf = append(w.buf, typ)
	w.buf = append(w.buf, head...)
	w.buf = append(w.buf, reason...)
	w.sent.appendConnectionClose(app, code, frameType, reason)
	return true
}
