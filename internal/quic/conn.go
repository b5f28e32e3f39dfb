// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	events "github.com/docker/go-events"
)

// connSide identifies which half of a connection a Conn is, spec.md §3
// "Connection": "role: client | server, immutable."
type connSide int

const (
	clientSide connSide = iota
	serverSide
)

func (s connSide) String() string {
	if s == serverSide {
		return "server"
	}
	return "client"
}

// connState is the connection lifecycle state machine, spec.md §4.5
// "Connection establishment/close": Establishing -> Established ->
// Closing/Draining -> Done.
type connState int

const (
	connStateEstablishing connState = iota
	connStateEstablished
	connStateClosing
	connStateDraining
	connStateDone
)

func (s connState) String() string {
	switch s {
	case connStateEstablishing:
		return "establishing"
	case connStateEstablished:
		return "established"
	case connStateClosing:
		return "closing"
	case connStateDraining:
		return "draining"
	case connStateDone:
		return "done"
	}
	return "unknown"
}

// defaultMaxIdleTimeout is the locally-advertised max_idle_timeout absent
// an explicit Config override, spec.md §3 defaults table.
const defaultMaxIdleTimeout = 30 * time.Second

// minimumClientInitialDatagramSize is the minimum UDP payload a client must
// pad its first Initial-carrying datagram to, RFC 9000 Section 14.1.
const minimumClientInitialDatagramSize = 1200

// connListener is the narrow interface a Conn needs of whatever owns its
// UDP socket, spec.md §2 component 1 "Endpoint/listener". listener.go's
// Endpoint implements this for production use; conn_test.go substitutes a
// recording fake.
type connListener interface {
	SendDatagram(p []byte, addr netip.AddrPort) error
}

// connTestHooks lets tests drive a Conn's event loop deterministically,
// spec.md §4.2 "Event loop" — the single hook a test harness needs to
// replace real wall-clock waiting with an explicit, steppable clock.
type connTestHooks interface {
	nextMessage(msgc chan any, nextTimeout time.Time) (now time.Time, message any)
}

// timerEvent is sent to a Conn's loop when its connection timer fires.
type timerEvent struct{}

// wakeEvent is sent to prod the loop into trying to send without any other
// event having occurred.
type wakeEvent struct{}

// datagram is one inbound UDP payload queued for the conn's loop,
// spec.md §4.2 "Inbound pipeline" step 0.
type datagram struct {
	b    []byte
	addr netip.AddrPort
}

func (d *datagram) recycle() {}

var errIdleTimeout = errors.New("quic: idle timeout")

// A Conn is a QUIC connection: one actor goroutine (spec.md §4.2 "Event
// loop") owning every field below except where a lock is named, matching
// the teacher's single-goroutine-per-connection design.
type Conn struct {
	side     connSide
	listener connListener
	testHooks connTestHooks
	peerAddr netip.AddrPort

	msgc   chan any
	donec  chan struct{}
	exited bool

	state connState

	w    packetWriter
	acks [numberSpaceCount]ackState
	loss *lossState

	tlsState    cryptoLevelGate
	connIDState *connIDState

	streams *streamTable
	flow    *connFlowControl
	altPath *path
	control outboundControl

	pendingPathResponse    [8]byte
	hasPendingPathResponse bool
	pathChallengePending   bool

	localParams  transportParameters
	remoteParams transportParameters

	idleTimeout    time.Time
	maxIdleTimeout time.Duration

	closeErr  *connError
	close     closeState
	drainEnd  time.Time

	rt      *runtimeServices
	events  *eventQueue
	logger  *connLogger
	metrics *metricsSet

	// Tests only: send a PING in a specific number space, spec.md's
	// ambient test-tooling carve-out for deterministic probe tests.
	testSendPingSpace numberSpace
	testSendPing      sentVal
}

// newConn creates a Conn and starts its event loop goroutine. initialConnID
// is the transient connection ID a server uses as its own source CID in
// its first flight; clients generate their own at random, since only the
// client knows what it will pick (RFC 9000 Section 7.2).
func newConn(
	now time.Time,
	side connSide,
	initialConnID []byte,
	peerAddr netip.AddrPort,
	listener connListener,
	hooks connTestHooks,
) (*Conn, error) {
	localCID := initialConnID
	if side == clientSide {
		var err error
		localCID, err = newRandomConnID()
		if err != nil {
			return nil, err
		}
	}
	cidState, err := newConnIDState(localCID, nil)
	if err != nil {
		return nil, err
	}

	localParams := defaultTransportParameters()
	localParams.initialSrcConnID = localCID

	metrics := sharedMetricsSet()
	rt := newRuntimeServices(0, metrics)
	logger := newConnLogger(nil, side)

	broker := events.NewBroker()
	broker.Add(&loggingSink{log: logger.entry.Logger})
	broker.Add(newMetricsSink())
	eq := newEventQueue(broker, logger.id.String())

	c := &Conn{
		side:              side,
		listener:          listener,
		testHooks:         hooks,
		peerAddr:          peerAddr,
		msgc:              make(chan any, 1),
		donec:             make(chan struct{}),
		state:             connStateEstablishing,
		connIDState:       cidState,
		loss:              newLossState(side == serverSide, defaultPMTU, localParams.initialSmoothedRTTDuration(), localParams.maxAckDelayDuration(), metrics, logger.id.String()),
		streams:           newStreamTable(side, &localParams, &localParams, rt),
		flow:              newConnFlowControl(localParams.initialMaxData, localParams.initialMaxData),
		localParams:       localParams,
		remoteParams:      localParams, // placeholder until transport-parameter negotiation lands, see DESIGN.md
		maxIdleTimeout:    defaultMaxIdleTimeout,
		rt:                rt,
		events:            eq,
		logger:            logger,
		metrics:           metrics,
		testSendPingSpace: appDataSpace,
	}
	for i := range c.acks {
		c.acks[i] = *newAckState(localParams.maxAckDelayDuration())
	}
	c.restartIdleTimer(now)
	c.installInitialKeys(localCID)

	go c.loop(now)
	return c, nil
}

func (c *Conn) String() string {
	return fmt.Sprintf("quic.Conn(%v,->%v)", c.side, c.peerAddr)
}

// restartIdleTimer pushes the idle deadline out from now, spec.md §4.5
// "idle timeout: no ack-eliciting packet sent or received for
// max_idle_timeout closes the connection silently."
func (c *Conn) restartIdleTimer(now time.Time) {
	c.idleTimeout = now.Add(c.maxIdleTimeout)
}

// idleAdvance reports whether the connection has gone idle as of now,
// spec.md §4.5.
func (c *Conn) idleAdvance(now time.Time) bool {
	return c.state != connStateDone && !c.idleTimeout.IsZero() && !now.Before(c.idleTimeout)
}

// isAlive reports whether the connection still has live, unacknowledged
// state worth timing loss detection for.
func (c *Conn) isAlive() bool {
	return c.state == connStateEstablishing || c.state == connStateEstablished
}

// exit tears down the conn's loop goroutine immediately, used by test
// cleanup and by the application-facing Close path once draining ends.
func (c *Conn) exit() {
	c.runOnLoop(func(now time.Time, c *Conn) {
		c.exited = true
		c.state = connStateDone
	})
}

// loop is the connection's single actor goroutine. All connection state
// above is owned by this goroutine except where a field's own lock is
// named (streamTable, connFlowControl), matching spec.md §4.2's "single
// logical thread of execution per connection" model, grounded on the
// teacher's conn.go loop.
func (c *Conn) loop(now time.Time) {
	defer close(c.donec)

	var timer *time.Timer
	var lastTimeout time.Time
	hooks := c.testHooks
	if hooks == nil {
		timer = time.AfterFunc(1*time.Hour, func() {
			c.sendMsg(timerEvent{})
		})
		defer timer.Stop()
	}

	for c.state != connStateDone {
		c.updateGaugeMetrics()
		sendTimeout := c.maybeSend(now)

		nextTimeout := sendTimeout
		nextTimeout = firstTime(nextTimeout, c.idleTimeout)
		if c.isAlive() {
			if deadline, _, _ := c.loss.earliestLossOrPTO(); !deadline.IsZero() {
				nextTimeout = firstTime(nextTimeout, deadline)
			}
			nextTimeout = firstTime(nextTimeout, c.acks[appDataSpace].largestTimeDeadline())
			if c.altPath != nil {
				nextTimeout = firstTime(nextTimeout, c.altPath.deadline())
			}
		} else {
			nextTimeout = firstTime(nextTimeout, c.drainEnd)
		}

		var m any
		if hooks != nil {
			now, m = hooks.nextMessage(c.msgc, nextTimeout)
		} else if !nextTimeout.IsZero() && nextTimeout.Before(now) {
			now = time.Now()
			m = timerEvent{}
		} else {
			if !nextTimeout.Equal(lastTimeout) && !nextTimeout.IsZero() {
				timer.Reset(nextTimeout.Sub(now))
				lastTimeout = nextTimeout
			}
			m = <-c.msgc
			now = time.Now()
		}
		switch m := m.(type) {
		case *datagram:
			c.handleDatagram(now, m)
			m.recycle()
		case timerEvent:
			if c.idleAdvance(now) {
				c.enterDone(errIdleTimeout)
				continue
			}
			c.loss.advance(now, c.handleAckOrLoss)
			if c.drainAdvance(now) {
				continue
			}
			c.pathAdvance(now)
		case wakeEvent:
			// Fall through to another maybeSend pass.
		case func(time.Time, *Conn):
			m(now, c)
		default:
			panic(fmt.Sprintf("quic: unrecognized conn message %T", m))
		}
	}
	c.exited = true
}

// updateGaugeMetrics refreshes the gauges that reflect current counts rather
// than discrete events (spec.md §9 "Per-process globals"), cheap enough to
// recompute once per loop wakeup rather than threading a metrics handle
// through streamTable and connIDState's every mutation path.
func (c *Conn) updateGaugeMetrics() {
	if c.metrics == nil {
		return
	}
	label := c.logger.id.String()
	bidi, uni := c.streams.counts()
	c.metrics.streamsOpen.WithLabelValues(label, "bidi").Set(float64(bidi))
	c.metrics.streamsOpen.WithLabelValues(label, "uni").Set(float64(uni))
	local, remote := c.connIDState.activeCounts()
	c.metrics.connIDsActive.WithLabelValues(label, "local").Set(float64(local))
	c.metrics.connIDsActive.WithLabelValues(label, "remote").Set(float64(remote))
}

// enterDone marks the connection permanently finished, recording err as
// the reason if one hasn't already been set.
func (c *Conn) enterDone(err error) {
	if c.closeErr == nil {
		if ce, ok := err.(*connError); ok {
			c.closeErr = ce
		} else if err != nil {
			c.closeErr = newLocalTransportError(errInternal, err.Error())
		}
	}
	c.state = connStateDone
}

// sendMsg sends a message to the conn's loop without waiting for it to be
// processed. The conn may exit before the message is handled, in which
// case it is simply dropped.
func (c *Conn) sendMsg(m any) {
	select {
	case c.msgc <- m:
	case <-c.donec:
	}
}

// wake prods the loop into another send attempt.
func (c *Conn) wake() {
	select {
	case c.msgc <- wakeEvent{}:
	default:
	}
}

// runOnLoop executes f on the conn's loop goroutine and waits for it to
// finish, the mechanism every application-facing accessor and every test
// helper uses to touch loop-owned state safely.
func (c *Conn) runOnLoop(f func(now time.Time, c *Conn)) error {
	donec := make(chan struct{})
	c.sendMsg(func(now time.Time, c *Conn) {
		defer close(donec)
		f(now, c)
	})
	select {
	case <-donec:
	case <-c.donec:
		return errors.New("quic: connection closed")
	}
	return nil
}

// firstTime returns the earliest non-zero time, or the zero Time if both
// are zero.
func firstTime(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	default:
		return b
	}
}
