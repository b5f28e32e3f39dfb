// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"io"
	"net/netip"
	"time"
)

// OpenStream opens a new stream on the connection, spec.md §6
// "send(conn, bytes, {stream_id, flags})" with the implicit NEW flag: the
// stream id is allocated here rather than by the caller. It reports
// errNotReady if the peer's advertised stream limit is currently
// exhausted, spec.md §4.4 "If exhausted, sender emits STREAMS_BLOCKED and
// waits" — this core reports the block rather than waiting for it to
// clear, leaving retry policy to the caller (see DESIGN.md). No
// STREAMS_BLOCKED frame is sent.
func (c *Conn) OpenStream(bidi bool) (s *Stream, err error) {
	var openErr error
	err = c.runOnLoop(func(now time.Time, c *Conn) {
		var ok bool
		s, ok = c.streams.openLocal(bidi, c.streamCredits())
		if !ok {
			openErr = errNotReady
		}
	})
	if err == nil {
		err = openErr
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Stream looks up a stream by id, returning the stream created either by
// OpenStream or implicitly by the peer's first reference to id.
func (c *Conn) Stream(id int64) (*Stream, bool) {
	return c.streams.get(id)
}

// NextEvent returns the oldest pending application-visible event, spec.md
// §6 "Events (subscribable bitmask)", or ok=false if none is queued.
func (c *Conn) NextEvent() (Event, bool) {
	return c.events.next()
}

// LocalConnectionID returns this side's currently active source
// connection ID, spec.md §3 "ConnectionID".
func (c *Conn) LocalConnectionID() []byte {
	return c.connIDState.srcConnID()
}

// RemoteAddr returns the connection's current peer address.
func (c *Conn) RemoteAddr() netip.AddrPort {
	return c.peerAddr
}

// Side reports whether this Conn is the client or server half.
func (c *Conn) Side() connSide {
	return c.side
}

// ConfirmHandshake tells the core that the external TLS collaborator
// (spec.md §1) has finished the handshake. A server queues its one-time
// HANDSHAKE_DONE frame (spec.md §4.5) and becomes Established. On a client
// this call only wakes the loop: the client becomes Established when it
// receives the peer's HANDSHAKE_DONE frame (conn_recv.go's
// debugFrameHandshakeDone case).
func (c *Conn) ConfirmHandshake() error {
	return c.runOnLoop(func(now time.Time, c *Conn) {
		if c.side == serverSide {
			c.control.queueHandshakeDone()
			c.state = connStateEstablished
			c.tlsState.discard(handshakeSpace)
		}
		c.wake()
	})
}

// Migrate begins path validation of a new local address for an
// Established client connection, spec.md §4.5 "Migration: initiated by
// the application changing the local address while Established."
func (c *Conn) Migrate(newLocal netip.AddrPort) error {
	return c.runOnLoop(func(now time.Time, c *Conn) {
		if c.side != clientSide || c.state != connStateEstablished {
			return
		}
		if c.remoteParams.disableActiveMigration {
			return
		}
		c.beginLocalMigration(now, newLocal)
	})
}

// errEOF marks a stream read past the end of a fully-received stream,
// distinct from errClosed (connection gone) and errNotReady (credit).
var errEOF = io.EOF

// DialConn creates the client half of a new connection over listener,
// spec.md §6 "connect(local_addr, remote_addr, params)". The connection
// starts in Establishing and drives its own event loop; the caller's
// external TLS collaborator (spec.md §1) is expected to push CRYPTO data
// in and call ConfirmHandshake once it completes.
func DialConn(now time.Time, peerAddr netip.AddrPort, listener connListener, hooks connTestHooks) (*Conn, error) {
	return newConn(now, clientSide, nil, peerAddr, listener, hooks)
}

// AcceptConn creates the server half of a new connection for a client that
// has just been demultiplexed by initialConnID, spec.md §6 "accept(local,
// timeout)".
func AcceptConn(now time.Time, initialConnID []byte, peerAddr netip.AddrPort, listener connListener, hooks connTestHooks) (*Conn, error) {
	return newConn(now, serverSide, initialConnID, peerAddr, listener, hooks)
}

// Input hands one demultiplexed inbound UDP payload to the connection's
// loop, spec.md §4.2 "Inbound pipeline" step 0. The listener glue
// (listener.go) calls this after matching the datagram's destination
// connection ID to this Conn.
func (c *Conn) Input(addr netip.AddrPort, b []byte) {
	c.sendMsg(&datagram{b: b, addr: addr})
}

// MatchesStatelessReset reports whether token matches one of this
// connection's peer-issued connection IDs, letting the listener demux
// recognize a stateless reset for a connection whose packet-number-space
// state it may have already discarded, grounded on
// original_source/net/quic/socket.c's CID-then-token fallback lookup.
func (c *Conn) MatchesStatelessReset(token [16]byte) bool {
	return c.connIDState.lookupByStatelessResetToken(token)
}

// StatSnapshot is a point-in-time summary of a connection's congestion and
// stream state, spec.md §9's observability surface restated as a value the
// caller can export (CSV, JSON, whatever), rather than another Prometheus
// scrape.
type StatSnapshot struct {
	ConnID            string `csv:"conn_id"`
	Side              string `csv:"side"`
	CongestionWindow  int64  `csv:"cwnd_bytes"`
	BytesInFlight     int64  `csv:"bytes_in_flight"`
	SmoothedRTTMicros int64  `csv:"smoothed_rtt_us"`
	StreamsOpen       int    `csv:"streams_open"`
	PTOCount          int    `csv:"pto_count"`
}

// Stats returns a StatSnapshot of the connection's current state.
func (c *Conn) Stats() StatSnapshot {
	bidi, uni := c.streams.counts()
	return StatSnapshot{
		ConnID:            c.logger.id.String(),
		Side:              c.side.String(),
		CongestionWindow:  int64(c.loss.cc.cwnd()),
		BytesInFlight:     int64(c.loss.cc.inFlight()),
		SmoothedRTTMicros: c.loss.rtt.smoothed.Microseconds(),
		StreamsOpen:       bidi + uni,
		PTOCount:          c.loss.ptoCount,
	}
}
