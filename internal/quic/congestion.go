// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// congestionController is the pluggable contract integrated by the loss
// detector, spec.md §4.6. NewReno below is the reference implementation;
// a caller may supply any other implementation of this interface.
type congestionController interface {
	onPacketSent(now time.Time, size int, inFlight bool)
	onPacketsAcked(now time.Time, acked []ackedPacketInfo)
	onPacketsLost(now time.Time, lost []lostPacketInfo)
	onECNCE(now time.Time)
	onPTO()
	setUnderutilized(bool)

	cwnd() int
	inFlight() int
	pacingRate(smoothedRTT time.Duration) float64 // bytes/sec, 0 means unpaced
}

type ackedPacketInfo struct {
	size int
}

type lostPacketInfo struct {
	size int
}

// newRenoController is the NewReno reference controller from spec.md §4.6.
type newRenoController struct {
	mss int

	cwndBytes      int
	ssthresh       int
	bytesInFlight  int
	underutilized  bool
	recoveryStart  time.Time
	inRecovery     bool
}

const (
	newRenoInitialWindowPackets = 10
	newRenoMinimumWindowPackets = 2
)

func newNewRenoController(mss int) *newRenoController {
	return &newRenoController{
		mss:      mss,
		cwndBytes: newRenoInitialWindowPackets * mss,
		ssthresh: 1 << 30, // effectively infinite until first loss
	}
}

func (c *newRenoController) cwnd() int      { return c.cwndBytes }
func (c *newRenoController) inFlight() int  { return c.bytesInFlight }

func (c *newRenoController) setUnderutilized(v bool) { c.underutilized = v }

func (c *newRenoController) onPacketSent(now time.Time, size int, inFlight bool) {
	if inFlight {
		c.bytesInFlight += size
	}
}

func (c *newRenoController) inSlowStart() bool {
	return c.cwndBytes < c.ssthresh
}

func (c *newRenoController) onPacketsAcked(now time.Time, acked []ackedPacketInfo) {
	for _, a := range acked {
		c.bytesInFlight -= a.size
		if c.bytesInFlight < 0 {
			c.bytesInFlight = 0
		}
		if c.underutilized {
			continue // don't grow the window off of an idle period
		}
		if c.inSlowStart() {
			c.cwndBytes += a.size
		} else {
			c.cwndBytes += (c.mss * a.size) / c.cwndBytes
		}
	}
}

func (c *newRenoController) onPacketsLost(now time.Time, lost []lostPacketInfo) {
	if len(lost) == 0 {
		return
	}
	for _, l := range lost {
		c.bytesInFlight -= l.size
		if c.bytesInFlight < 0 {
			c.bytesInFlight = 0
		}
	}
	c.congestionEvent(now)
}

func (c *newRenoController) onECNCE(now time.Time) {
	c.congestionEvent(now)
}

// congestionEvent applies the multiplicative-decrease response shared by
// loss and ECN-CE, spec.md §4.6: ssthresh = max(cwnd/2, 2*MSS).
func (c *newRenoController) congestionEvent(now time.Time) {
	if !c.recoveryStart.IsZero() && !now.After(c.recoveryStart) {
		return // already in a recovery period covering this event
	}
	c.recoveryStart = now
	c.ssthresh = c.cwndBytes / 2
	if min := 2 * c.mss; c.ssthresh < min {
		c.ssthresh = min
	}
	c.cwndBytes = c.ssthresh
	if min := newRenoMinimumWindowPackets * c.mss; c.cwndBytes < min {
		c.cwndBytes = min
	}
}

func (c *newRenoController) onPTO() {
	// NewReno does not react to PTO itself; pacing/PTO backoff is handled
	// by the loss detector's exponential timer (spec.md §4.1).
}

// pacingGainSlowStart and pacingGainSteady scale the pacing rate above the
// raw cwnd/rtt ratio, leaving headroom so pacing doesn't itself become the
// bottleneck ahead of the congestion window, spec.md §4.6.
const (
	pacingGainSlowStart = 2.0
	pacingGainSteady    = 1.25
)

// pacingRate reports bytes/sec derived from cwnd and the caller's smoothed
// RTT estimate, spec.md §4.3/§4.6: "the controller reports a target pacing
// rate; the builder computes next-send time."
func (c *newRenoController) pacingRate(smoothedRTT time.Duration) float64 {
	if smoothedRTT <= 0 {
		return 0
	}
	gain := pacingGainSteady
	if c.inSlowStart() {
		gain = pacingGainSlowStart
	}
	return gain * float64(c.cwndBytes) / smoothedRTT.Seconds()
}

// rttStats tracks the RTT estimate used by loss detection, PTO, and pacing,
// RFC 9002 Section 5.
type rttStats struct {
	latest    time.Duration
	smoothed  time.Duration
	variation time.Duration
	min       time.Duration
	hasSample bool
}

// kGranularity is the system timer granularity assumed by RFC 9002.
const kGranularity = 1 * time.Millisecond

func newRTTStats(initial time.Duration) rttStats {
	return rttStats{smoothed: initial, variation: initial / 2}
}

// updateRTT folds in a new RTT sample, RFC 9002 Section 5.3, with ackDelay
// already clamped to maxAckDelay by the caller for non-handshake spaces.
func (r *rttStats) updateRTT(latest, ackDelay time.Duration, isHandshakeConfirmed bool) {
	r.latest = latest
	if !r.hasSample {
		r.hasSample = true
		r.min = latest
		r.smoothed = latest
		r.variation = latest / 2
		return
	}
	if latest < r.min {
		r.min = latest
	}
	adjusted := latest
	if adjusted >= r.min+ackDelay {
		adjusted -= ackDelay
	}
	r.variation = (3*r.variation + absDuration(r.smoothed-adjusted)) / 4
	r.smoothed = (7*r.smoothed + adjusted) / 8
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ptoBase returns the probe timeout duration, RFC 9002 Section 6.2.1, before
// the 2^ptoCount backoff is applied.
func (r *rttStats) ptoBase(maxAckDelay time.Duration) time.Duration {
	v := 4 * r.variation
	if v < kGranularity {
		v = kGranularity
	}
	return r.smoothed + v + maxAckDelay
}
