// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSet is the process-wide Prometheus registration point shared by
// every connection in the process (spec.md §9 "Per-process globals");
// grounded on the exporter shape in m-lab-tcp-info and
// runZeroInc-sockstats's pkg/exporter, which each register one
// CollectorVec per socket-level counter rather than a bespoke registry.
type metricsSet struct {
	packetsSent   *prometheus.CounterVec
	packetsLost   *prometheus.CounterVec
	packetsAcked  *prometheus.CounterVec
	bytesInFlight *prometheus.GaugeVec
	cwnd          *prometheus.GaugeVec
	smoothedRTT   *prometheus.GaugeVec
	streamsOpen   *prometheus.GaugeVec
	connIDsActive *prometheus.GaugeVec
	ptoCount      *prometheus.CounterVec
}

// newMetricsSet builds and registers the collector set against reg. Passing
// a fresh prometheus.NewRegistry() in tests avoids colliding with the
// default global registry.
func newMetricsSet(reg prometheus.Registerer) *metricsSet {
	m := &metricsSet{
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quic", Subsystem: "conn", Name: "packets_sent_total",
			Help: "Packets sent, by packet-number space.",
		}, []string{"space"}),
		packetsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quic", Subsystem: "conn", Name: "packets_lost_total",
			Help: "Packets declared lost, by packet-number space.",
		}, []string{"space"}),
		packetsAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quic", Subsystem: "conn", Name: "packets_acked_total",
			Help: "Packets acknowledged, by packet-number space.",
		}, []string{"space"}),
		bytesInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic", Subsystem: "conn", Name: "bytes_in_flight",
			Help: "Unacknowledged, in-flight bytes per connection.",
		}, []string{"conn"}),
		cwnd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic", Subsystem: "conn", Name: "congestion_window_bytes",
			Help: "Current congestion window.",
		}, []string{"conn"}),
		smoothedRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic", Subsystem: "conn", Name: "smoothed_rtt_seconds",
			Help: "Smoothed RTT estimate.",
		}, []string{"conn"}),
		streamsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic", Subsystem: "conn", Name: "streams_open",
			Help: "Open streams, by directionality.",
		}, []string{"conn", "dir"}),
		connIDsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic", Subsystem: "conn", Name: "connection_ids_active",
			Help: "Active connection IDs tracked for this connection.",
		}, []string{"conn", "role"}),
		ptoCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quic", Subsystem: "conn", Name: "pto_fired_total",
			Help: "Probe-timeout expirations.",
		}, []string{"conn"}),
	}
	for _, c := range []prometheus.Collector{
		m.packetsSent, m.packetsLost, m.packetsAcked,
		m.bytesInFlight, m.cwnd, m.smoothedRTT, m.streamsOpen,
		m.connIDsActive, m.ptoCount,
	} {
		reg.MustRegister(c)
	}
	return m
}

var (
	sharedMetricsOnce sync.Once
	sharedMetrics     *metricsSet
)

// sharedMetricsSet returns the process-wide metricsSet every connection
// registers against by default, spec.md §9 "Per-process globals": one
// metricsSet per process, not one per connection (each connection has its
// own runtimeServices, all pointing at this set). Tests that want an
// isolated registry construct their own with newMetricsSet instead.
func sharedMetricsSet() *metricsSet {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = newMetricsSet(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}
