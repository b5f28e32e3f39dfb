// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"testing"
	"time"
)

// TestHandleStreamFrameNotifiesOnce exercises spec.md §8 scenario 2: three
// reordered STREAM frames for the same stream must yield exactly one
// STREAM_UPDATE event, not one per frame.
func TestHandleStreamFrameNotifiesOnce(t *testing.T) {
	tc := newTestConn(t, serverSide)

	frames := []debugFrameStream{
		{id: 4, off: 6, data: []byte("world")},
		{id: 4, off: 0, data: []byte("hello ")},
		{id: 4, off: 11, data: []byte("!")},
	}
	for _, f := range frames {
		if err := tc.conn.runOnLoop(func(now time.Time, c *Conn) {
			c.handleStreamFrame(now, f)
		}); err != nil {
			t.Fatalf("runOnLoop: %v", err)
		}
	}

	var updates int
	for {
		ev, ok := tc.conn.NextEvent()
		if !ok {
			break
		}
		if ev.Kind == EventStreamUpdate {
			updates++
		}
	}
	if updates != 1 {
		t.Errorf("got %d STREAM_UPDATE events for 3 reordered frames, want 1", updates)
	}

	s, ok := tc.conn.Stream(4)
	if !ok {
		t.Fatalf("stream 4 not found")
	}
	if !s.notifiedUpdate {
		t.Errorf("notifiedUpdate = false after data received, want true")
	}
}
