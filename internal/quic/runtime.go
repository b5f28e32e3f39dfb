// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"crypto/rand"
	"sync/atomic"
)

// runtimeServices is the explicit object passed to every connection in
// place of process-wide globals (spec.md §9 "Per-process globals"): a
// memory-pressure counter bounding total buffered bytes (spec.md §5
// "Shared resources"), an RNG source, and the observability hooks wired
// from the ambient stack (metrics.go, log.go). Tests construct their own
// instance with newRuntimeServices.
type runtimeServices struct {
	mem     *memoryBudget
	rand    func([]byte) error
	metrics *metricsSet
}

func newRuntimeServices(maxBufferedBytes int64, m *metricsSet) *runtimeServices {
	return &runtimeServices{
		mem:     newMemoryBudget(maxBufferedBytes),
		rand:    cryptoRandRead,
		metrics: m,
	}
}

func cryptoRandRead(b []byte) error {
	_, err := rand.Read(b)
	return err
}

func (r *runtimeServices) randomBytes(b []byte) error { return r.rand(b) }

// memoryBudget is a buffered-byte counter (spec.md §5 "Shared
// resources"). newConn gives every connection its own runtimeServices and
// so its own memoryBudget, created unbounded; budgets are not shared
// between connections.
type memoryBudget struct {
	max int64
	inUse int64
}

func newMemoryBudget(max int64) *memoryBudget {
	if max <= 0 {
		max = 1 << 62 // effectively unbounded
	}
	return &memoryBudget{max: max}
}

// reserve attempts to account n additional bytes against the budget. It
// returns false (and accounts nothing) if doing so would exceed the limit;
// its caller (conn_recv.go's handleStreamFrame) silently drops the
// triggering data per spec.md §7 "Memory-pressure drops are silent."
func (b *memoryBudget) reserve(n int64) bool {
	for {
		cur := atomic.LoadInt64(&b.inUse)
		if cur+n > b.max {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.inUse, cur, cur+n) {
			return true
		}
	}
}

func (b *memoryBudget) release(n int64) {
	atomic.AddInt64(&b.inUse, -n)
}
