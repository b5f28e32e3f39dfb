// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"crypto/rand"
	"fmt"
)

// connID is one entry in a connID set: a sequence number, the connection ID
// bytes, and (for locally-issued CIDs) the stateless-reset token that
// identifies packets the peer can no longer route, spec.md §3.
type connID struct {
	seq                 int64
	cid                 []byte
	statelessResetToken [16]byte
	retired             bool
}

// connIDState tracks the two independent connID sets a connection needs:
// the ones we have issued to our peer (local, used as the peer's
// destination CID) and the ones our peer has issued to us (remote, used as
// our destination CID), spec.md §4.5 "Connection IDs" / §3 "ConnectionID".
//
// Invariants (spec.md §8): the active CID is a member of its set; for each
// set, retire_prior_to <= the active sequence number; no sequence number is
// reused.
type connIDState struct {
	local  []connID // CIDs we issued; local[0] is transient until NEW_CONNECTION_ID is needed
	remote []connID // CIDs the peer issued to us

	localNextSeq  int64
	remoteActiveIdx int // index into remote currently used as dstConnID

	peerActiveConnIDLimit int64 // from peer's transport parameters
	retirePriorToLocal    int64 // lowest seq we've told the peer to keep
	retirePriorToRemote   int64 // lowest seq the peer told us to keep
}

func newConnIDState(initialLocal, initialRemote []byte) (*connIDState, error) {
	s := &connIDState{
		peerActiveConnIDLimit: 2,
	}
	s.local = append(s.local, connID{seq: -1, cid: initialLocal})
	s.localNextSeq = 0
	if initialRemote != nil {
		s.remote = append(s.remote, connID{seq: 0, cid: initialRemote})
	}
	return s, nil
}

func newRandomConnID() ([]byte, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// dstConnID returns the CID we currently address outbound packets to: the
// peer's most recently activated issued CID.
func (s *connIDState) dstConnID() []byte {
	if len(s.remote) == 0 {
		return nil
	}
	return s.remote[s.remoteActiveIdx].cid
}

// srcConnID returns the CID we expect the peer to use as our destination:
// our most recently issued, non-retired local CID.
func (s *connIDState) srcConnID() []byte {
	for i := len(s.local) - 1; i >= 0; i-- {
		if !s.local[i].retired {
			return s.local[i].cid
		}
	}
	return nil
}

// issueLocal generates and records a new local CID plus its stateless
// reset token, up to the peer's active_connection_id_limit, spec.md §4.5
// "On key install for 1-RTT send, pre-issue CIDs up to the limit." It
// returns the newly issued CIDs so the caller can emit NEW_CONNECTION_ID
// frames for each.
func (s *connIDState) issueLocal(rt *runtimeServices, count int) ([]connID, error) {
	var issued []connID
	active := int64(0)
	for _, c := range s.local {
		if !c.retired {
			active++
		}
	}
	for i := 0; i < count && active < s.peerActiveConnIDLimit; i++ {
		cid, err := newRandomConnID()
		if err != nil {
			return issued, err
		}
		var token [16]byte
		if err := rt.randomBytes(token[:]); err != nil {
			return issued, err
		}
		c := connID{seq: s.localNextSeq, cid: cid, statelessResetToken: token}
		s.localNextSeq++
		s.local = append(s.local, c)
		issued = append(issued, c)
		active++
	}
	return issued, nil
}

// receiveNewConnectionID handles a NEW_CONNECTION_ID frame from the peer,
// spec.md §4.5: records the CID, and if retirePriorTo advances, retires
// CIDs below it, returning their sequence numbers so RETIRE_CONNECTION_ID
// frames can be emitted.
func (s *connIDState) receiveNewConnectionID(seq, retirePriorTo int64, cid []byte, token [16]byte) ([]int64, error) {
	if retirePriorTo > s.retirePriorToRemote {
		s.retirePriorToRemote = retirePriorTo
	}
	found := false
	for i := range s.remote {
		if s.remote[i].seq == seq {
			found = true
			break
		}
	}
	if !found {
		count := 0
		for _, c := range s.remote {
			if !c.retired {
				count++
			}
		}
		if int64(count) >= s.localConnIDLimit() {
			return nil, newLocalTransportError(errConnectionIDLimit, "too many active connection IDs")
		}
		s.remote = append(s.remote, connID{seq: seq, cid: cid, statelessResetToken: token})
	}
	var toRetire []int64
	for i := range s.remote {
		if s.remote[i].seq < s.retirePriorToRemote && !s.remote[i].retired {
			s.remote[i].retired = true
			toRetire = append(toRetire, s.remote[i].seq)
		}
	}
	if s.remote[s.remoteActiveIdx].retired {
		for i := range s.remote {
			if !s.remote[i].retired {
				s.remoteActiveIdx = i
				break
			}
		}
	}
	return toRetire, nil
}

// localConnIDLimit is the number of remote-issued CIDs we're willing to
// track, mirroring the active_connection_id_limit we advertised.
func (s *connIDState) localConnIDLimit() int64 { return 7 }

// receiveRetireConnectionID handles a RETIRE_CONNECTION_ID frame, spec.md
// §4.5: remove the named local CID and issue a replacement.
func (s *connIDState) receiveRetireConnectionID(seq int64, rt *runtimeServices) (replacement *connID, err error) {
	idx := -1
	for i := range s.local {
		if s.local[i].seq == seq && !s.local[i].retired {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil // already retired or never issued: not an error
	}
	s.local[idx].retired = true
	issued, err := s.issueLocal(rt, 1)
	if err != nil {
		return nil, err
	}
	if len(issued) > 0 {
		return &issued[0], nil
	}
	return nil, nil
}

// setActiveRemote switches the destination CID used for outbound packets,
// e.g. after a path migration validates a new path (spec.md §4.5).
func (s *connIDState) setActiveRemote(seq int64) error {
	for i := range s.remote {
		if s.remote[i].seq == seq && !s.remote[i].retired {
			s.remoteActiveIdx = i
			return nil
		}
	}
	return fmt.Errorf("quic: no such remote connection ID %d", seq)
}

// activeCounts reports how many issued and peer-issued connection IDs are
// still active (not retired), for the connection_ids_active gauge
// (metrics.go).
func (s *connIDState) activeCounts() (local, remote int) {
	for _, c := range s.local {
		if !c.retired {
			local++
		}
	}
	for _, c := range s.remote {
		if !c.retired {
			remote++
		}
	}
	return local, remote
}

// lookupByStatelessResetToken finds the locally-tracked peer-issued CID
// matching a 16-byte stateless reset token, used by the listener demux
// (listener.go) to recognize a stateless reset for a connection it no
// longer has packet-number-space state for.
func (s *connIDState) lookupByStatelessResetToken(token [16]byte) bool {
	for _, c := range s.remote {
		if c.statelessResetToken == token {
			return true
		}
	}
	return false
}
