// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// ccLimit reports whether the congestion/pacing/anti-amplification state
// currently permits sending a full packet, spec.md §4.3 step 3.
type ccLimit int

const (
	ccOK      ccLimit = iota
	ccBlocked         // anti-amplification or a full congestion window: send nothing
	ccLimited         // paced: only ACK frames may be sent
)

const (
	kPacketThreshold = 3
	kTimeThresholdNumerator   = 9
	kTimeThresholdDenominator = 8
	maxBurstPackets           = 10
)

// pnSpaceLoss is the per-numberSpace bookkeeping needed by loss detection:
// the sent-but-unresolved packet set and timers, spec.md §3/§4.1.
type pnSpaceLoss struct {
	nextPN   packetNumber
	inFlight map[packetNumber]*sentPacket

	ackElicitingInFlight int
	timeOfLastAckElicitingSent time.Time
	lossTime                   time.Time
	largestAcked               packetNumber
}

func newPNSpaceLoss() pnSpaceLoss {
	return pnSpaceLoss{
		nextPN:       0,
		inFlight:     make(map[packetNumber]*sentPacket),
		largestAcked: -1,
	}
}

// lossState is the connection's shared loss-detection, PTO, and
// congestion/pacing engine (spec.md §4.1, §4.3, §4.6). A Conn keeps one
// instance across all three packet-number spaces, mirroring the teacher's
// c.loss field referenced throughout conn_send.go/conn_loss.go.
type lossState struct {
	spaces [numberSpaceCount]pnSpaceLoss

	cc          congestionController
	rtt         rttStats
	maxAckDelay time.Duration
	ptoCount    int
	ptoExpired  bool
	mtu         int

	lastSendTime time.Time

	// Anti-amplification (server only, until the peer address is validated).
	isServer             bool
	peerAddressValidated bool
	bytesReceived        int
	bytesSent            int

	metrics    *metricsSet
	connLabel  string
}

func newLossState(isServer bool, mtu int, initialRTT, maxAckDelay time.Duration, metrics *metricsSet, connLabel string) *lossState {
	l := &lossState{
		cc:                   newNewRenoController(mtu),
		rtt:                  newRTTStats(initialRTT),
		maxAckDelay:          maxAckDelay,
		mtu:                  mtu,
		isServer:             isServer,
		peerAddressValidated: !isServer,
		metrics:              metrics,
		connLabel:            connLabel,
	}
	for i := range l.spaces {
		l.spaces[i] = newPNSpaceLoss()
	}
	return l
}

func (l *lossState) nextNumber(space numberSpace) packetNumber {
	pn := l.spaces[space].nextPN
	l.spaces[space].nextPN++
	return pn
}

// maxSendSize returns the maximum datagram payload this cycle may use,
// spec.md §4.3 step 1/4: the smaller of the path MTU and the unused
// congestion window, never negative. The maxBurstPackets cap is never
// tighter than the MTU cap, and nothing here or in maybeSend bounds how
// many datagrams one wakeup sends.
func (l *lossState) maxSendSize() int {
	budget := l.cc.cwnd() - l.cc.inFlight()
	cap := maxBurstPackets * l.mtu
	if budget > cap {
		budget = cap
	}
	if budget > l.mtu {
		budget = l.mtu
	}
	if budget < 0 {
		budget = 0
	}
	return budget
}

// sendLimit reports whether a packet may be sent now, spec.md §4.3 step 3.
func (l *lossState) sendLimit(now time.Time) (limit ccLimit, next time.Time) {
	if l.isServer && !l.peerAddressValidated {
		if l.bytesSent >= 3*l.bytesReceived {
			return ccBlocked, time.Time{} // unblocked only by receiving more data
		}
	}
	if l.cc.inFlight() >= l.cc.cwnd() {
		return ccBlocked, now.Add(l.rtt.smoothed)
	}
	if rate := l.cc.pacingRate(l.rtt.smoothed); rate > 0 {
		next = l.lastSendTime.Add(time.Duration(float64(l.mtu) / rate * float64(time.Second)))
		if next.After(now) {
			return ccLimited, next // maybeSend schedules its next wakeup at next
		}
	}
	return ccOK, time.Time{}
}

// packetSent records a packet handed to the congestion controller and, if
// it carries retransmittable state, to the in-flight set used by loss
// detection, spec.md §3 "Sent packet record", §4.3 final step.
func (l *lossState) packetSent(now time.Time, space numberSpace, sent *sentPacket) {
	sent.timeSent = now
	l.lastSendTime = now
	l.bytesSent += sent.size
	l.cc.onPacketSent(now, sent.size, sent.inFlight)
	if l.metrics != nil {
		l.metrics.packetsSent.WithLabelValues(space.String()).Inc()
		l.metrics.bytesInFlight.WithLabelValues(l.connLabel).Set(float64(l.cc.inFlight()))
		l.metrics.cwnd.WithLabelValues(l.connLabel).Set(float64(l.cc.cwnd()))
	}
	if !sent.inFlight {
		return
	}
	sp := &l.spaces[space]
	sp.inFlight[sent.num] = sent
	sp.ackElicitingInFlight++
	sp.timeOfLastAckElicitingSent = now
}

// handleAcked processes a peer ACK frame's ranges against one space's
// in-flight set, updating RTT, congestion control, and pto_count, per
// spec.md §4.1 and §4.6. It returns the sent packets acked by this frame,
// so the caller can run handleAckOrLoss on each (conn_loss.go).
func (l *lossState) handleAcked(now time.Time, space numberSpace, ranges rangeset, ackDelay time.Duration) []*sentPacket {
	sp := &l.spaces[space]
	var newlyAcked []*sentPacket
	var ccAcked []ackedPacketInfo
	var largestNewlyAcked packetNumber = -1
	var largestNewlyAckedSent time.Time
	for pn, sent := range sp.inFlight {
		if !ranges.contains(pn) {
			continue
		}
		newlyAcked = append(newlyAcked, sent)
		ccAcked = append(ccAcked, ackedPacketInfo{size: sent.size})
		if pn > largestNewlyAcked {
			largestNewlyAcked = pn
			largestNewlyAckedSent = sent.timeSent
		}
		delete(sp.inFlight, pn)
		sp.ackElicitingInFlight--
	}
	if len(newlyAcked) == 0 {
		return nil
	}
	if largestNewlyAcked > sp.largestAcked {
		sp.largestAcked = largestNewlyAcked
	}
	if largestNewlyAcked == ranges.max() {
		// RFC 9002 Section 5.1: only the largest acknowledged packet in the
		// frame, when it is itself newly acked, yields an RTT sample.
		sample := now.Sub(largestNewlyAckedSent)
		if sample >= 0 {
			d := ackDelay
			if space != appDataSpace {
				d = 0 // handshake/initial ACKs don't carry a meaningful delay
			} else if d > l.maxAckDelay {
				d = l.maxAckDelay
			}
			l.rtt.updateRTT(sample, d, space == appDataSpace)
		}
		l.ptoCount = 0
	}
	if l.metrics != nil {
		l.metrics.packetsAcked.WithLabelValues(space.String()).Add(float64(len(newlyAcked)))
		l.metrics.smoothedRTT.WithLabelValues(l.connLabel).Set(l.rtt.smoothed.Seconds())
	}
	l.cc.onPacketsAcked(now, ccAcked)
	l.detectAndRemoveLostLocked(now, space)
	return newlyAcked
}

// detectAndRemoveLostLocked implements RFC 9002 Section 6.1's loss
// detection, spec.md §4.1, moving newly-lost packets out of the in-flight
// set into the congestion controller's loss accounting and returning them
// for conn_loss.go to requeue.
func (l *lossState) detectAndRemoveLostLocked(now time.Time, space numberSpace) []*sentPacket {
	sp := &l.spaces[space]
	if sp.largestAcked < 0 {
		return nil
	}
	lossDelay := time.Duration(kTimeThresholdNumerator) * maxDuration(l.rtt.smoothed, l.rtt.latest) / kTimeThresholdDenominator
	if lossDelay < kGranularity {
		lossDelay = kGranularity
	}
	sp.lossTime = time.Time{}
	var lost []*sentPacket
	var ccLost []lostPacketInfo
	for pn, sent := range sp.inFlight {
		if pn > sp.largestAcked {
			continue
		}
		lostByCount := sp.largestAcked-pn >= kPacketThreshold
		lostByTime := !sent.timeSent.IsZero() && !now.Before(sent.timeSent.Add(lossDelay))
		if lostByCount || lostByTime {
			lost = append(lost, sent)
			ccLost = append(ccLost, lostPacketInfo{size: sent.size})
			delete(sp.inFlight, pn)
			sp.ackElicitingInFlight--
			continue
		}
		deadline := sent.timeSent.Add(lossDelay)
		if sp.lossTime.IsZero() || deadline.Before(sp.lossTime) {
			sp.lossTime = deadline
		}
	}
	if len(ccLost) > 0 {
		l.cc.onPacketsLost(now, ccLost)
		if l.metrics != nil {
			l.metrics.packetsLost.WithLabelValues(space.String()).Add(float64(len(ccLost)))
		}
	}
	return lost
}

// ptoDuration is the current probe timeout, spec.md §4.1: PTO =
// smoothed_rtt + max(4*rtt_var, kGranularity) + max_ack_delay, scaled by
// 2^pto_count.
func (l *lossState) ptoDuration() time.Duration {
	base := l.rtt.ptoBase(l.maxAckDelay)
	return base << uint(l.ptoCount)
}

// earliestLossOrPTO returns the earliest timer deadline across all spaces:
// a per-space loss-detection deadline if one is armed, else the PTO
// deadline measured from the space with the oldest ack-eliciting send.
func (l *lossState) earliestLossOrPTO() (deadline time.Time, isPTO bool, space numberSpace) {
	for i := range l.spaces {
		if t := l.spaces[i].lossTime; !t.IsZero() {
			if deadline.IsZero() || t.Before(deadline) {
				deadline, isPTO, space = t, false, numberSpace(i)
			}
		}
	}
	if !deadline.IsZero() {
		return deadline, isPTO, space
	}
	var oldest time.Time
	found := false
	for i := range l.spaces {
		sp := &l.spaces[i]
		if sp.ackElicitingInFlight == 0 {
			continue
		}
		if !found || sp.timeOfLastAckElicitingSent.Before(oldest) {
			oldest = sp.timeOfLastAckElicitingSent
			space = numberSpace(i)
			found = true
		}
	}
	if !found {
		return time.Time{}, false, 0
	}
	return oldest.Add(l.ptoDuration()), true, space
}

// advance is called when the connection's timer fires: if the earliest
// deadline across all spaces is a loss-detection timeout, the newly-lost
// packets are reported to cb for requeueing (conn_loss.go); if it is a PTO
// deadline, pto_count is incremented so the next send cycle emits a probe.
func (l *lossState) advance(now time.Time, cb func(space numberSpace, sent *sentPacket, fate packetFate)) {
	deadline, isPTO, space := l.earliestLossOrPTO()
	if deadline.IsZero() || now.Before(deadline) {
		return
	}
	if isPTO {
		l.onPTOFired()
		return
	}
	for _, sent := range l.detectAndRemoveLostLocked(now, space) {
		cb(space, sent, packetLost)
	}
}

// onPTOFired increments pto_count and arms the ptoExpired flag consumed by
// appendFrames for one build cycle, spec.md §4.1.
func (l *lossState) onPTOFired() {
	l.ptoCount++
	l.ptoExpired = true
	l.cc.onPTO()
	if l.metrics != nil {
		l.metrics.ptoCount.WithLabelValues(l.connLabel).Inc()
	}
}

func (l *lossState) clearPTO() { l.ptoExpired = false }

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
