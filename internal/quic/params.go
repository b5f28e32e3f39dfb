// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// transportParameters holds one side's (local or remote) QUIC transport
// parameters, RFC 9000 Section 18.2. Values are stored in the units the
// protocol uses (bytes, microseconds, counts); helpers below convert to
// time.Duration where convenient.
type transportParameters struct {
	maxUDPPayloadSize          int64
	ackDelayExponent           int64
	maxAckDelay                int64 // microseconds
	activeConnIDLimit          int64
	maxIdleTimeout             int64 // microseconds
	initialMaxData             int64
	initialMaxStreamDataBidiLocal  int64
	initialMaxStreamDataBidiRemote int64
	initialMaxStreamDataUni        int64
	initialMaxStreamsBidi      int64
	initialMaxStreamsUni       int64
	initialSmoothedRTT         int64 // microseconds, local extension default
	disableActiveMigration     bool
	greaseQUICBit              bool
	statelessReset             bool
	statelessResetToken        [16]byte
	hasStatelessResetToken     bool
	maxDatagramFrameSize       int64
	originalDstConnID          []byte
	retrySrcConnID             []byte
	initialSrcConnID           []byte
}

// defaultPMTU is the path MTU assumed before probing establishes a
// better estimate (a conservative IPv6-safe value).
const defaultPMTU = 1200

// defaultTransportParameters returns the locally-advertised defaults from
// the table in spec.md §3.
func defaultTransportParameters() transportParameters {
	return transportParameters{
		maxUDPPayloadSize:              65527,
		ackDelayExponent:               3,
		maxAckDelay:                    25_000,
		activeConnIDLimit:              7,
		maxIdleTimeout:                 30_000_000,
		initialMaxData:                 4 * defaultPMTU * 32,
		initialMaxStreamDataBidiLocal:  4 * defaultPMTU * 4,
		initialMaxStreamDataBidiRemote: 4 * defaultPMTU * 4,
		initialMaxStreamDataUni:        4 * defaultPMTU * 4,
		initialMaxStreamsBidi:          100,
		initialMaxStreamsUni:           100,
		initialSmoothedRTT:             333_000,
		disableActiveMigration:         false,
		greaseQUICBit:                  false,
		statelessReset:                 true,
		maxDatagramFrameSize:           0,
	}
}

func (p *transportParameters) maxAckDelayDuration() time.Duration {
	return time.Duration(p.maxAckDelay) * time.Microsecond
}

func (p *transportParameters) maxIdleTimeoutDuration() time.Duration {
	return time.Duration(p.maxIdleTimeout) * time.Microsecond
}

func (p *transportParameters) initialSmoothedRTTDuration() time.Duration {
	return time.Duration(p.initialSmoothedRTT) * time.Microsecond
}

// transport parameter IDs, RFC 9000 Section 18.2.
const (
	paramOriginalDestinationConnectionID uint64 = 0x00
	paramMaxIdleTimeout                  uint64 = 0x01
	paramStatelessResetToken             uint64 = 0x02
	paramMaxUDPPayloadSize               uint64 = 0x03
	paramInitialMaxData                  uint64 = 0x04
	paramInitialMaxStreamDataBidiLocal   uint64 = 0x05
	paramInitialMaxStreamDataBidiRemote  uint64 = 0x06
	paramInitialMaxStreamDataUni         uint64 = 0x07
	paramInitialMaxStreamsBidi           uint64 = 0x08
	paramInitialMaxStreamsUni            uint64 = 0x09
	paramAckDelayExponent                uint64 = 0x0a
	paramMaxAckDelay                     uint64 = 0x0b
	paramDisableActiveMigration          uint64 = 0x0c
	paramActiveConnectionIDLimit         uint64 = 0x0e
	paramInitialSourceConnectionID       uint64 = 0x0f
	paramRetrySourceConnectionID         uint64 = 0x10
	paramMaxDatagramFrameSize            uint64 = 0x20
	paramGreaseQUICBit                   uint64 = 0x2ab2
)

// marshal encodes p as the TLV sequence carried in the TLS
// quic_transport_parameters extension (§6).
func (p *transportParameters) marshal() []byte {
	var b []byte
	putVarintParam := func(id uint64, v int64) {
		if v == 0 {
			return
		}
		b = appendVarint(b, id)
		val := appendVarint(nil, uint64(v))
		b = appendVarint(b, uint64(len(val)))
		b = append(b, val...)
	}
	putBytesParam := func(id uint64, v []byte) {
		if v == nil {
			return
		}
		b = appendVarint(b, id)
		b = appendVarint(b, uint64(len(v)))
		b = append(b, v...)
	}
	putFlagParam := func(id uint64, v bool) {
		if !v {
			return
		}
		b = appendVarint(b, id)
		b = appendVarint(b, 0)
	}
	putVarintParam(paramMaxIdleTimeout, p.maxIdleTimeout)
	putVarintParam(paramMaxUDPPayloadSize, p.maxUDPPayloadSize)
	putVarintParam(paramInitialMaxData, p.initialMaxData)
	putVarintParam(paramInitialMaxStreamDataBidiLocal, p.initialMaxStreamDataBidiLocal)
	putVarintParam(paramInitialMaxStreamDataBidiRemote, p.initialMaxStreamDataBidiRemote)
	putVarintParam(paramInitialMaxStreamDataUni, p.initialMaxStreamDataUni)
	putVarintParam(paramInitialMaxStreamsBidi, p.initialMaxStreamsBidi)
	putVarintParam(paramInitialMaxStreamsUni, p.initialMaxStreamsUni)
	putVarintParam(paramAckDelayExponent, p.ackDelayExponent)
	putVarintParam(paramMaxAckDelay, p.maxAckDelay)
	putVarintParam(paramActiveConnectionIDLimit, p.activeConnIDLimit)
	putVarintParam(paramMaxDatagramFrameSize, p.maxDatagramFrameSize)
	putFlagParam(paramDisableActiveMigration, p.disableActiveMigration)
	putFlagParam(paramGreaseQUICBit, p.greaseQUICBit)
	putBytesParam(paramOriginalDestinationConnectionID, p.originalDstConnID)
	putBytesParam(paramInitialSourceConnectionID, p.initialSrcConnID)
	putBytesParam(paramRetrySourceConnectionID, p.retrySrcConnID)
	if p.hasStatelessResetToken {
		putBytesParam(paramStatelessResetToken, p.statelessResetToken[:])
	}
	return b
}

// unmarshalTransportParameters parses the peer's TLV sequence into a
// transportParameters starting from the RFC 9000 defaults for absent
// parameters, not from defaultTransportParameters.
func unmarshalTransportParameters(b []byte) (transportParameters, error) {
	p := transportParameters{
		maxUDPPayloadSize: 65527,
		ackDelayExponent:  3,
		maxAckDelay:       25_000,
		activeConnIDLimit: 2, // RFC 9000: default is 2 if absent
		maxIdleTimeout:    0, // 0 means "no timeout advertised"
	}
	for len(b) > 0 {
		id, rest, ok := consumeVarint(b)
		if !ok {
			return p, newLocalTransportError(errTransportParameter, "truncated transport parameter id")
		}
		length, rest2, ok := consumeVarint(rest)
		if !ok || uint64(len(rest2)) < length {
			return p, newLocalTransportError(errTransportParameter, "truncated transport parameter length")
		}
		val := rest2[:length]
		b = rest2[length:]
		switch id {
		case paramMaxIdleTimeout:
			v, _, _ := consumeVarint(val)
			p.maxIdleTimeout = int64(v)
		case paramStatelessResetToken:
			if len(val) != 16 {
				return p, newLocalTransportError(errTransportParameter, "bad stateless_reset_token length")
			}
			copy(p.statelessResetToken[:], val)
			p.hasStatelessResetToken = true
		case paramMaxUDPPayloadSize:
			v, _, _ := consumeVarint(val)
			p.maxUDPPayloadSize = int64(v)
		case paramInitialMaxData:
			v, _, _ := consumeVarint(val)
			p.initialMaxData = int64(v)
		case paramInitialMaxStreamDataBidiLocal:
			v, _, _ := consumeVarint(val)
			p.initialMaxStreamDataBidiLocal = int64(v)
		case paramInitialMaxStreamDataBidiRemote:
			v, _, _ := consumeVarint(val)
			p.initialMaxStreamDataBidiRemote = int64(v)
		case paramInitialMaxStreamDataUni:
			v, _, _ := consumeVarint(val)
			p.initialMaxStreamDataUni = int64(v)
		case paramInitialMaxStreamsBidi:
			v, _, _ := consumeVarint(val)
			p.initialMaxStreamsBidi = int64(v)
		case paramInitialMaxStreamsUni:
			v, _, _ := consumeVarint(val)
			p.initialMaxStreamsUni = int64(v)
		case paramAckDelayExponent:
			v, _, _ := consumeVarint(val)
			if v > 20 {
				return p, newLocalTransportError(errTransportParameter, "ack_delay_exponent out of range")
			}
			p.ackDelayExponent = int64(v)
		case paramMaxAckDelay:
			v, _, _ := consumeVarint(val)
			p.maxAckDelay = int64(v)
		case paramDisableActiveMigration:
			p.disableActiveMigration = true
		case paramActiveConnectionIDLimit:
			v, _, _ := consumeVarint(val)
			if v < 2 {
				return p, newLocalTransportError(errTransportParameter, "active_connection_id_limit below minimum")
			}
			p.activeConnIDLimit = int64(v)
		case paramMaxDatagramFrameSize:
			v, _, _ := consumeVarint(val)
			p.maxDatagramFrameSize = int64(v)
		case paramGreaseQUICBit:
			p.greaseQUICBit = true
		case paramOriginalDestinationConnectionID:
			p.originalDstConnID = append([]byte(nil), val...)
		case paramInitialSourceConnectionID:
			p.initialSrcConnID = append([]byte(nil), val...)
		case paramRetrySourceConnectionID:
			p.retrySrcConnID = append([]byte(nil), val...)
		default:
			// Unknown parameters are ignored, RFC 9000 Section 7.4.1.
		}
	}
	return p, nil
}
