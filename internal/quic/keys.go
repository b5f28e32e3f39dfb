// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

// keys represents one direction's (read or write) AEAD/header-protection
// state for one encryption level. It records whether keys are installed,
// which is what the core uses to gate frame admission (spec.md §4.2
// "Crypto level gate"), and holds the aeadSealer that seals and opens
// packets at that level.
type keys struct {
	set  bool
	aead aeadSealer
}

func (k keys) isSet() bool { return k.set }

// aeadSealer is the narrow interface the core requires of the AEAD
// collaborator: seal/open keyed by packet number, and a header-protection
// mask, spec.md §1. The only implementation in this module is the
// Initial-level aesGCMInitialAEAD, installed by installInitialKeys; there
// is no exported method for installing keys at the other levels.
type aeadSealer interface {
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	HeaderProtectionMask(sample []byte) (mask [5]byte)
}

// cryptoLevelGate tracks, for each encryption level, whether send and
// receive keys are installed, spec.md §4.2. It gates which frames may be
// sent or accepted: e.g. no STREAM byte may be sent at a level without
// installed send keys (spec.md §8 "Credit safety").
type cryptoLevelGate struct {
	rkeys [numberSpaceCount]keys
	wkeys [numberSpaceCount]keys

	// zeroRTT tracks 0-RTT keys separately: they share the Application
	// Data packet-number space on the wire but are a distinct key level.
	zeroRTTRead  keys
	zeroRTTWrite keys
}

func (g *cryptoLevelGate) installRead(space numberSpace, k aeadSealer) {
	g.rkeys[space] = keys{set: true, aead: k}
}

func (g *cryptoLevelGate) installWrite(space numberSpace, k aeadSealer) {
	g.wkeys[space] = keys{set: true, aead: k}
}

func (g *cryptoLevelGate) canSend(space numberSpace) bool  { return g.wkeys[space].isSet() }
func (g *cryptoLevelGate) canReceive(space numberSpace) bool { return g.rkeys[space].isSet() }

// discard drops both directions' keys for a space. Callers use it for
// Handshake keys once the handshake is confirmed; Initial keys are never
// discarded.
func (g *cryptoLevelGate) discard(space numberSpace) {
	g.rkeys[space] = keys{}
	g.wkeys[space] = keys{}
}
