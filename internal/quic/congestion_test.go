// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"testing"
	"time"

	"github.com/go-test/deep"
)

// newRenoSnapshot is the subset of newRenoController state the table tests
// below compare, grounded on m-lab-tcp-info's test style of diffing a
// struct snapshot with deep.Equal rather than asserting field by field.
type newRenoSnapshot struct {
	cwndBytes     int
	bytesInFlight int
	inRecovery    bool
}

func snapshotReno(c *newRenoController) newRenoSnapshot {
	return newRenoSnapshot{
		cwndBytes:     c.cwndBytes,
		bytesInFlight: c.bytesInFlight,
		inRecovery:    !c.recoveryStart.IsZero(),
	}
}

func TestNewRenoSlowStartGrowth(t *testing.T) {
	const mss = 1200
	now := time.Unix(0, 0)

	tests := []struct {
		name   string
		acked  []ackedPacketInfo
		want   newRenoSnapshot
	}{
		{
			name:  "single ack grows cwnd by acked size in slow start",
			acked: []ackedPacketInfo{{size: mss}},
			want: newRenoSnapshot{
				cwndBytes:     newRenoInitialWindowPackets*mss + mss,
				bytesInFlight: newRenoInitialWindowPackets*mss - mss,
			},
		},
		{
			name:  "multiple acks each grow cwnd in slow start",
			acked: []ackedPacketInfo{{size: mss}, {size: mss}},
			want: newRenoSnapshot{
				cwndBytes:     newRenoInitialWindowPackets*mss + 2*mss,
				bytesInFlight: newRenoInitialWindowPackets*mss - 2*mss,
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := newNewRenoController(mss)
			c.onPacketSent(now, newRenoInitialWindowPackets*mss, true)
			c.onPacketsAcked(now, test.acked)
			if diff := deep.Equal(snapshotReno(c), test.want); diff != nil {
				t.Error(diff)
			}
		})
	}
}

func TestNewRenoCongestionEvent(t *testing.T) {
	const mss = 1200
	now := time.Unix(0, 0)

	c := newNewRenoController(mss)
	c.onPacketSent(now, newRenoInitialWindowPackets*mss, true)

	wantSsthresh := c.cwndBytes / 2
	c.onPacketsLost(now, []lostPacketInfo{{size: mss}})

	got := newRenoSnapshot{
		cwndBytes:     c.cwndBytes,
		bytesInFlight: c.bytesInFlight,
		inRecovery:    !c.recoveryStart.IsZero(),
	}
	want := newRenoSnapshot{
		cwndBytes:     wantSsthresh,
		bytesInFlight: newRenoInitialWindowPackets*mss - mss,
		inRecovery:    true,
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Error(diff)
	}
	if c.inSlowStart() {
		t.Errorf("inSlowStart() = true after a congestion event, want false")
	}

	// A second loss within the same recovery period must not halve cwnd
	// again (RFC 9002 Section 7.3.2).
	cwndAfterFirstEvent := c.cwndBytes
	c.onPacketsLost(now, []lostPacketInfo{{size: mss}})
	if c.cwndBytes != cwndAfterFirstEvent {
		t.Errorf("cwnd changed by a second loss during one recovery period: got %d, want %d", c.cwndBytes, cwndAfterFirstEvent)
	}
}

func TestNewRenoPacingRate(t *testing.T) {
	const mss = 1200
	c := newNewRenoController(mss)

	if rate := c.pacingRate(0); rate != 0 {
		t.Errorf("pacingRate(0) = %v, want 0 (unpaced without an RTT sample)", rate)
	}

	srtt := 100 * time.Millisecond
	slowStartRate := c.pacingRate(srtt)
	wantSlowStart := pacingGainSlowStart * float64(c.cwndBytes) / srtt.Seconds()
	if slowStartRate != wantSlowStart {
		t.Errorf("pacingRate in slow start = %v, want %v", slowStartRate, wantSlowStart)
	}

	// Leaving slow start should use the lower steady-state gain for the
	// same cwnd/rtt.
	c.ssthresh = c.cwndBytes
	steadyRate := c.pacingRate(srtt)
	wantSteady := pacingGainSteady * float64(c.cwndBytes) / srtt.Seconds()
	if steadyRate != wantSteady {
		t.Errorf("pacingRate outside slow start = %v, want %v", steadyRate, wantSteady)
	}
	if steadyRate >= slowStartRate {
		t.Errorf("steady-state pacing rate %v should be lower than slow-start rate %v for equal cwnd/rtt", steadyRate, slowStartRate)
	}
}
