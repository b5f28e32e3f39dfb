// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"net/netip"
	"time"
)

// maybeMigrate notices a datagram arriving from a peer address other than
// the connection's current one and begins validating it, spec.md §4.5
// "Migration": "on receipt of a non-probing packet from a new peer
// address, begin validating that address without switching to it yet."
// Only servers react to address changes this way; a client-initiated
// migration would instead call this connection's own Migrate.
func (c *Conn) maybeMigrate(now time.Time, from netip.AddrPort) {
	if c.side != serverSide || !c.peerAddr.IsValid() || from == c.peerAddr {
		return
	}
	if c.altPath != nil {
		if c.altPath.peer == from {
			return // already validating this address
		}
		if c.altPath.state == pathValidating {
			return // only probe one alternate address at a time
		}
	}
	c.beginPathValidation(now, netip.AddrPort{}, from)
}

// beginLocalMigration arms path validation for an application-initiated
// local address change, spec.md §4.5 "Migration: initiated by the
// application changing the local address while Established." The peer
// address is unchanged; only the local half of the pair differs.
func (c *Conn) beginLocalMigration(now time.Time, newLocal netip.AddrPort) {
	c.beginPathValidation(now, newLocal, c.peerAddr)
}

// beginPathValidation arms a PATH_CHALLENGE toward the (local, peer) pair,
// spec.md §4.5: "Up to 5 challenge attempts with timeout = 3*PTO each."
func (c *Conn) beginPathValidation(now time.Time, local, peer netip.AddrPort) {
	p := newPath(local, peer, c.loss.maxSendSize())
	if err := p.beginValidation(now, c.loss.ptoDuration(), c.rt); err != nil {
		return
	}
	c.altPath = p
	c.pathChallengePending = true
	c.wake()
}

// pathAdvance checks the alternate path's challenge deadline, retrying or
// giving up on the migration as spec.md §4.5 directs. It reports whether
// the caller's timer event was consumed.
func (c *Conn) pathAdvance(now time.Time) bool {
	if c.altPath == nil || c.altPath.state != pathValidating {
		return false
	}
	deadline := c.altPath.deadline()
	if deadline.IsZero() || now.Before(deadline) {
		return false
	}
	if err := c.altPath.onTimeout(now, c.loss.ptoDuration(), c.rt); err != nil {
		c.altPath = nil
		return true
	}
	if c.altPath.state == pathFailed {
		c.events.push(Event{Kind: EventConnectionMigration, Time: now})
		c.altPath = nil
		return true
	}
	c.pathChallengePending = true
	c.wake()
	return true
}

// onPathValidated finalizes a successful migration once onResponse has
// marked the alternate path validated, spec.md §4.5: it makes the
// alternate path's peer address the active one, clears the alternate path,
// and issues and queues one fresh local connection ID. No connection ID is
// retired here. Called from the loop after handling an inbound datagram
// that validated the path.
func (c *Conn) onPathValidated(now time.Time) {
	if c.altPath == nil || c.altPath.state != pathValidated {
		return
	}
	c.peerAddr = c.altPath.peer
	c.altPath = nil
	c.pathChallengePending = false
	if issued, err := c.connIDState.issueLocal(c.rt, 1); err == nil {
		for _, id := range issued {
			c.control.queueNewConnID(id)
		}
	}
}

func (w *packetWriter) appendPathChallengeFrame(data [8]byte) bool {
	if w.remaining() < 1+len(data) {
		return false
	}
	w.buf = append(w.buf, frameTypePathChallenge)
	w.buf = append(w.buf, data[:]...)
	w.sent.appendPathChallenge(data[:])
	return true
}
