// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "sync"

// streamTable is the bidirectional id -> Stream map plus the per-role,
// per-directionality id allocators and peer-advertised stream-count
// limits, spec.md §2 component 5 and §4.4 "Stream-id allocation".
type streamTable struct {
	mu sync.Mutex

	side connSide
	rt   *runtimeServices
	m    map[int64]*Stream

	// nextLocalBidi and nextLocalUni track the next id this side will
	// allocate for its own, locally-initiated streams.
	nextLocalBidi int64
	nextLocalUni  int64

	// Limits on locally-initiated streams, set from peer transport params
	// (or updated by MAX_STREAMS frames).
	maxLocalBidi int64
	maxLocalUni  int64

	// Limits we've advertised to the peer for streams they initiate.
	maxRemoteBidi int64
	maxRemoteUni  int64
	nextRemoteBidiAllowed int64
	nextRemoteUniAllowed  int64

	blockedBidi bool
	blockedUni  bool
}

func newStreamTable(side connSide, localParams, remoteParams *transportParameters, rt *runtimeServices) *streamTable {
	t := &streamTable{
		side:          side,
		rt:            rt,
		m:             make(map[int64]*Stream),
		maxLocalBidi:  remoteParams.initialMaxStreamsBidi,
		maxLocalUni:   remoteParams.initialMaxStreamsUni,
		maxRemoteBidi: localParams.initialMaxStreamsBidi,
		maxRemoteUni:  localParams.initialMaxStreamsUni,
	}
	t.nextLocalBidi = streamIDType(side, true)
	t.nextLocalUni = streamIDType(side, false)
	t.nextRemoteBidiAllowed = t.maxRemoteBidi
	t.nextRemoteUniAllowed = t.maxRemoteUni
	return t
}

// credits used per spec.md §3 defaults table, supplied by the caller
// (conn.go) from local/remote transport parameters.
type streamCredits struct {
	sendBidi, sendUni, recvBidi, recvUni int64
}

// openLocal allocates the next stream id this side may open, spec.md
// §4.4. It returns errStreamLimit-shaped behavior via the returned bool:
// if the peer's MAX_STREAMS limit is exhausted, ok is false and the
// blockedBidi or blockedUni flag is set. No STREAMS_BLOCKED frame is
// emitted, by this function or by its caller OpenStream.
func (t *streamTable) openLocal(bidi bool, credits streamCredits) (s *Stream, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var id int64
	var maxStreams int64
	if bidi {
		id = t.nextLocalBidi
		maxStreams = t.maxLocalBidi
	} else {
		id = t.nextLocalUni
		maxStreams = t.maxLocalUni
	}
	count := (id - streamIDType(t.side, bidi)) / 4
	if count >= maxStreams {
		if bidi {
			t.blockedBidi = true
		} else {
			t.blockedUni = true
		}
		return nil, false
	}
	if bidi {
		t.nextLocalBidi += 4
	} else {
		t.nextLocalUni += 4
	}
	sendCredit, recvCredit := credits.sendBidi, credits.recvBidi
	if !bidi {
		sendCredit, recvCredit = credits.sendUni, 0
	}
	s = newStream(id, sendCredit, recvCredit)
	s.rt = t.rt
	s.send = streamSendReady
	t.m[id] = s
	return s, true
}

// getOrCreateRemote returns the Stream for a peer-initiated id, creating it
// (and any lower-numbered streams of the same type implicitly opened by
// RFC 9000 Section 2.1) on first reference. It enforces maxRemote* limits,
// returning errStreamLimit via the connErr return.
func (t *streamTable) getOrCreateRemote(id int64, credits streamCredits) (*Stream, *connError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.m[id]; ok {
		return s, nil
	}
	bidi := id62IsBidi(id)
	base := id &^ 0x3
	typ := id & 0x3
	count := (base-streamIDType(0, bidi)&^0x3)/4 + 1
	_ = typ
	var maxStreams int64
	if bidi {
		maxStreams = t.maxRemoteBidi
	} else {
		maxStreams = t.maxRemoteUni
	}
	if count > maxStreams {
		return nil, newLocalTransportError(errStreamLimit, "peer exceeded advertised stream limit")
	}
	sendCredit, recvCredit := credits.sendBidi, credits.recvBidi
	if !bidi {
		sendCredit, recvCredit = 0, credits.recvUni
	}
	// Implicitly create any lower-numbered streams of the same type that
	// the peer is allowed to have opened, RFC 9000 Section 2.1.
	step := int64(4)
	for other := id & 0x3; other <= id; other += step {
		if _, ok := t.m[other]; !ok {
			ns := newStream(other, sendCredit, recvCredit)
			ns.rt = t.rt
			ns.recv = streamRecvRecv
			t.m[other] = ns
		}
	}
	return t.m[id], nil
}

func (t *streamTable) get(id int64) (*Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.m[id]
	return s, ok
}

// updateLocalMax applies a MAX_STREAMS frame from the peer, spec.md §3
// Frame list, unblocking openLocal if it had been STREAMS_BLOCKED.
func (t *streamTable) updateLocalMax(bidi bool, limit int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bidi {
		if limit > t.maxLocalBidi {
			t.maxLocalBidi = limit
		}
		t.blockedBidi = false
	} else {
		if limit > t.maxLocalUni {
			t.maxLocalUni = limit
		}
		t.blockedUni = false
	}
}

func (t *streamTable) forEach(f func(*Stream)) {
	t.mu.Lock()
	streams := make([]*Stream, 0, len(t.m))
	for _, s := range t.m {
		streams = append(streams, s)
	}
	t.mu.Unlock()
	for _, s := range streams {
		f(s)
	}
}

func (t *streamTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// counts reports how many tracked streams are bidirectional vs
// unidirectional, for the streams_open gauge (metrics.go).
func (t *streamTable) counts() (bidi, uni int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.m {
		if id62IsBidi(id) {
			bidi++
		} else {
			uni++
		}
	}
	return bidi, uni
}
