// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	internalquic "github.com/quicweave/quic/internal/quic"
)

// Endpoint owns one UDP socket and demultiplexes inbound datagrams to the
// connections they belong to, grounded on original_source/net/quic/socket.c
// and input.c's demux table keyed by destination connection ID. A datagram
// whose destination connection ID is unknown always starts a new server
// connection; it is not compared against stateless-reset tokens.
type Endpoint struct {
	pc  net.PacketConn
	cfg Config

	mu    sync.Mutex
	byCID map[string]*internalquic.Conn
	conns []*internalquic.Conn

	acceptc chan *internalquic.Conn
	closec  chan struct{}
}

// Listen opens a UDP socket at cfg.Listen and begins reading datagrams,
// handing the first packet of an unrecognized connection ID to Accept's
// caller via the returned Endpoint's accept queue.
func Listen(cfg Config) (*Endpoint, error) {
	cfg.applyDefaults()
	pc, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		pc:      pc,
		cfg:     cfg,
		byCID:   make(map[string]*internalquic.Conn),
		acceptc: make(chan *internalquic.Conn, 16),
		closec:  make(chan struct{}),
	}
	if cfg.ECN {
		setECN(pc)
	}
	go e.readLoop()
	return e, nil
}

// Accept waits for the server half of a new connection, spec.md §6
// "accept(local, timeout)". A connection is queued when its first datagram
// arrives, while it is still establishing.
func (e *Endpoint) Accept(ctx context.Context) (*internalquic.Conn, error) {
	select {
	case c := <-e.acceptc:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closec:
		return nil, net.ErrClosed
	}
}

// Dial opens the client half of a new connection to raddr, spec.md §6
// "connect(local_addr, remote_addr, params)".
func (e *Endpoint) Dial(ctx context.Context, raddr string) (*internalquic.Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, err
	}
	ap := addr.AddrPort()
	c, err := internalquic.DialConn(time.Now(), ap, &endpointSender{e: e}, nil)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.byCID[string(c.LocalConnectionID())] = c
	e.conns = append(e.conns, c)
	e.mu.Unlock()
	return c, nil
}

// Close shuts down the socket. In-flight connections are left to drain on
// their own timers; Close does not force-close them.
func (e *Endpoint) Close() error {
	select {
	case <-e.closec:
	default:
		close(e.closec)
	}
	return e.pc.Close()
}

// readLoop is the Endpoint's single reader goroutine: one goroutine per
// socket reading and demultiplexing, mirroring the teacher's
// single-goroutine-per-connection design one level up.
func (e *Endpoint) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := e.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		ap := udpAddr.AddrPort()
		b := append([]byte(nil), buf[:n]...)
		e.dispatch(ap, b)
	}
}

// dispatch routes one datagram to its connection by destination connection
// ID, creating a new server connection for a destination connection ID
// this Endpoint hasn't seen, spec.md §4.2 "Inbound pipeline" step 0.
func (e *Endpoint) dispatch(addr netip.AddrPort, b []byte) {
	dstCID, ok := peekDestConnID(b)
	if !ok {
		return
	}
	e.mu.Lock()
	c, known := e.byCID[string(dstCID)]
	e.mu.Unlock()
	if known {
		c.Input(addr, b)
		return
	}
	c, err := internalquic.AcceptConn(time.Now(), dstCID, addr, &endpointSender{e: e}, nil)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.byCID[string(dstCID)] = c
	e.conns = append(e.conns, c)
	e.mu.Unlock()
	c.Input(addr, b)
	select {
	case e.acceptc <- c:
	default:
		// Accept queue full: the connection still proceeds, but it is not
		// queued again later, so Accept never returns it.
	}
}

// peekDestConnID extracts the destination connection ID from either a long
// or short header without fully parsing the packet, enough for demux.
func peekDestConnID(b []byte) (cid []byte, ok bool) {
	if len(b) < 6 {
		return nil, false
	}
	if b[0]&0x80 != 0 {
		// Long header: version(4) then a 1-byte DCID length then the DCID.
		dcidLen := int(b[5])
		if len(b) < 6+dcidLen {
			return nil, false
		}
		return b[6 : 6+dcidLen], true
	}
	// Short header: the DCID length isn't self-describing on the wire; an
	// Endpoint serving short-header packets must know its own local CID
	// length. This core always mints 8-byte connection IDs (cid.go
	// newRandomConnID), so the demux table is keyed on that fixed width.
	const shortHeaderCIDLen = 8
	if len(b) < 1+shortHeaderCIDLen {
		return nil, false
	}
	return b[1 : 1+shortHeaderCIDLen], true
}

// endpointSender adapts an Endpoint to the connListener interface each Conn
// needs of whatever owns its UDP socket (internal/quic's conn.go
// connListener).
type endpointSender struct {
	e *Endpoint
}

func (s *endpointSender) SendDatagram(p []byte, addr netip.AddrPort) error {
	_, err := s.e.pc.WriteTo(p, net.UDPAddrFromAddrPort(addr))
	return err
}
