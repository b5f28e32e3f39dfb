// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !(linux || freebsd || openbsd || darwin || netbsd || dragonfly)
// +build !linux,!freebsd,!openbsd,!darwin,!netbsd,!dragonfly

package quic

import "net"

// setECN is a no-op on platforms without golang.org/x/sys/unix socket-option
// support; ECN validation simply never succeeds there.
func setECN(pc net.PacketConn) {}
