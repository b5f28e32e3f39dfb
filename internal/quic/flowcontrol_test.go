// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"testing"

	"github.com/go-test/deep"
)

func TestConnFlowControlAdmitReceive(t *testing.T) {
	tests := []struct {
		name             string
		recvLimit        int64
		highestForStream int64
		newHighest       int64
		wantErr          bool
		wantUsed         int64
	}{
		{
			name:             "within limit charges the delta only",
			recvLimit:        100,
			highestForStream: 10,
			newHighest:       40,
			wantUsed:         30,
		},
		{
			name:             "retransmission of already-seen bytes costs nothing",
			recvLimit:        100,
			highestForStream: 40,
			newHighest:       20,
			wantUsed:         0,
		},
		{
			name:             "exceeding the limit is a flow control error",
			recvLimit:        100,
			highestForStream: 0,
			newHighest:       101,
			wantErr:          true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newConnFlowControl(0, test.recvLimit)
			err := f.admitReceive(test.highestForStream, test.newHighest)
			if (err != nil) != test.wantErr {
				t.Fatalf("admitReceive error = %v, wantErr %v", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if diff := deep.Equal(f.recvUsed, test.wantUsed); diff != nil {
				t.Error(diff)
			}
		})
	}
}

func TestConnFlowControlShouldSendMaxData(t *testing.T) {
	tests := []struct {
		name      string
		recvUsed  int64
		window    int64
		wantOK    bool
		wantLimit int64
	}{
		{
			name:     "more than half the window remains: no MAX_DATA",
			recvUsed: 10,
			window:   100,
			wantOK:   false,
		},
		{
			name:      "less than half the window remains: emit MAX_DATA",
			recvUsed:  60,
			window:    100,
			wantOK:    true,
			wantLimit: 160,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newConnFlowControl(0, test.window)
			f.recvUsed = test.recvUsed
			limit, ok := f.shouldSendMaxData()
			if ok != test.wantOK {
				t.Fatalf("shouldSendMaxData ok = %v, want %v", ok, test.wantOK)
			}
			if !ok {
				return
			}
			if diff := deep.Equal(limit, test.wantLimit); diff != nil {
				t.Error(diff)
			}
		})
	}
}

func TestStreamAdmitStreamReceive(t *testing.T) {
	tests := []struct {
		name    string
		recvOffset    int64
		recvCreditMax int64
		offset        int64
		length        int64
		wantAccept    bool
		wantErr       bool
	}{
		{
			name:          "fully duplicate range is silently discarded",
			recvOffset:    100,
			recvCreditMax: 1000,
			offset:        0,
			length:        50,
			wantAccept:    false,
		},
		{
			name:          "new data within credit is accepted",
			recvOffset:    0,
			recvCreditMax: 1000,
			offset:        100,
			length:        50,
			wantAccept:    true,
		},
		{
			name:          "new data beyond credit is a flow control error",
			recvOffset:    0,
			recvCreditMax: 100,
			offset:        100,
			length:        50,
			wantErr:       true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newStream(0, 0, test.recvCreditMax)
			s.recvOffset = test.recvOffset
			accept, err := s.admitStreamReceive(test.offset, test.length)
			if (err != nil) != test.wantErr {
				t.Fatalf("admitStreamReceive error = %v, wantErr %v", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if accept != test.wantAccept {
				t.Errorf("admitStreamReceive accept = %v, want %v", accept, test.wantAccept)
			}
		})
	}
}

func TestStreamShouldSendMaxStreamData(t *testing.T) {
	s := newStream(0, 0, 100)
	s.highestRecvd = 60
	limit, ok := s.shouldSendMaxStreamData()
	if !ok {
		t.Fatalf("shouldSendMaxStreamData ok = false, want true once more than half the window is used")
	}
	if diff := deep.Equal(limit, int64(160)); diff != nil {
		t.Error(diff)
	}
	if diff := deep.Equal(s.recvCreditMax, int64(160)); diff != nil {
		t.Error(diff)
	}
}
