// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package quic implements the connection-level core of IETF QUIC (RFC 9000,
// RFC 9001, RFC 9002): packet-number spaces, loss detection and congestion
// control, stream multiplexing and flow control, connection IDs, and path
// migration. It does not implement a TLS handshake: only Initial packet
// keys are derived internally, and there is no interface for plugging in
// a handshake. Connections are driven through an Endpoint (listener.go).
package quic

import internalquic "github.com/quicweave/quic/internal/quic"

// Conn is a single QUIC connection: one actor goroutine owning all
// connection state, reached only through its exported methods.
type Conn = internalquic.Conn

// Stream is one multiplexed, independently flow-controlled byte stream
// within a Conn.
type Stream = internalquic.Stream

// Event is an application-visible notification delivered through
// Conn.NextEvent (stream updates, new tokens, connection close, and so on).
type Event = internalquic.Event

// StatSnapshot is a point-in-time summary of a connection's congestion and
// stream state, exported by `cmd/quic stats`.
type StatSnapshot = internalquic.StatSnapshot
