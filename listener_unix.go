// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux || freebsd || openbsd || darwin || netbsd || dragonfly
// +build linux freebsd openbsd darwin netbsd dragonfly

package quic

import (
	"net"

	"golang.org/x/sys/unix"
)

// setECN marks outbound datagrams with the ECT(0) codepoint so the path can
// be validated for ECN support (spec.md §4.1, §4.6), grounded on
// m-lab-tcp-info and runZeroInc-sockstats's use of golang.org/x/sys/unix to
// reach socket-level knobs net.PacketConn doesn't expose.
func setECN(pc net.PacketConn) {
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		return
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return
	}
	const ect0 = 0x02 // RFC 3168 ECN codepoint ECT(0)
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, ect0)
		unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, ect0)
	})
}
