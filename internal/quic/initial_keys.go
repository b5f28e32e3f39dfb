// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
)

// initialSalt is the version 1 salt used to derive Initial packet
// protection keys, RFC 9001 Section 5.2. Unlike every other encryption
// level, Initial keys are derived from public information (the
// connection ID) rather than the TLS handshake, so this core installs
// them itself.
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// installInitialKeys derives and installs both directions of Initial
// packet protection from the connection ID used on the wire, RFC 9001
// Section 5.2. cid is the destination connection ID of the client's first
// Initial packet; this core approximates that with the connection's own
// initial connection ID rather than tracking the client's original
// transient choice separately.
func (c *Conn) installInitialKeys(cid []byte) {
	initialSecret := hkdfExtract(initialSalt, cid)
	clientSecret := hkdfExpandLabel(initialSecret, "client in", nil, sha256.Size)
	serverSecret := hkdfExpandLabel(initialSecret, "server in", nil, sha256.Size)

	clientAEAD := newAESGCMInitialAEAD(clientSecret)
	serverAEAD := newAESGCMInitialAEAD(serverSecret)

	if c.side == clientSide {
		c.tlsState.installWrite(initialSpace, clientAEAD)
		c.tlsState.installRead(initialSpace, serverAEAD)
	} else {
		c.tlsState.installRead(initialSpace, clientAEAD)
		c.tlsState.installWrite(initialSpace, serverAEAD)
	}
}

// hkdfExtract is RFC 5869's HKDF-Extract using HMAC-SHA256.
func hkdfExtract(salt, ikm []byte) []byte {
	mac := hmac.New(sha256.New, salt)
	mac.Write(ikm)
	return mac.Sum(nil)
}

// hkdfExpandLabel is TLS 1.3's HKDF-Expand-Label (RFC 8446 Section 7.1),
// applied here per RFC 9001 Section 5.1 with the "tls13 " prefix.
func hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	full := "tls13 " + label
	info := make([]byte, 0, 2+1+len(full)+1+len(context))
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(full)))
	info = append(info, full...)
	info = append(info, byte(len(context)))
	info = append(info, context...)

	var out []byte
	var prev []byte
	mac := hmac.New(sha256.New, secret)
	for i := 0; len(out) < length; i++ {
		mac.Reset()
		mac.Write(prev)
		mac.Write(info)
		mac.Write([]byte{byte(i + 1)})
		prev = mac.Sum(nil)
		out = append(out, prev...)
	}
	return out[:length]
}

// aesGCMInitialAEAD implements aeadSealer for Initial packets using
// AES-128-GCM, the cipher suite RFC 9001 Section 5.2 mandates for this
// level regardless of the negotiated suite used later in the handshake.
type aesGCMInitialAEAD struct {
	aead   cipher.AEAD
	hpKey  []byte
	hpBlk  cipher.Block
	iv     []byte
}

func newAESGCMInitialAEAD(secret []byte) *aesGCMInitialAEAD {
	key := hkdfExpandLabel(secret, "quic key", nil, 16)
	iv := hkdfExpandLabel(secret, "quic iv", nil, 12)
	hpKey := hkdfExpandLabel(secret, "quic hp", nil, 16)

	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	hpBlk, err := aes.NewCipher(hpKey)
	if err != nil {
		panic(err)
	}
	return &aesGCMInitialAEAD{aead: aead, hpKey: hpKey, hpBlk: hpBlk, iv: iv}
}

func (a *aesGCMInitialAEAD) Overhead() int { return a.aead.Overhead() }

func (a *aesGCMInitialAEAD) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	n := xorNonce(a.iv, nonce)
	return a.aead.Seal(dst, n, plaintext, additionalData)
}

func (a *aesGCMInitialAEAD) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	n := xorNonce(a.iv, nonce)
	return a.aead.Open(dst, n, ciphertext, additionalData)
}

// HeaderProtectionMask implements RFC 9001 Section 5.4.3's AES-based
// header protection: AES-encrypt the 16-byte sample with the
// header-protection key and take the first 5 bytes as the mask.
func (a *aesGCMInitialAEAD) HeaderProtectionMask(sample []byte) (mask [5]byte) {
	var block [16]byte
	a.hpBlk.Encrypt(block[:], sample)
	copy(mask[:], block[:5])
	return mask
}

// xorNonce combines a static per-level IV with the packet-number-derived
// nonce, RFC 9001 Section 5.3.
func xorNonce(iv, pnNonce []byte) []byte {
	out := make([]byte, len(iv))
	copy(out, iv)
	off := len(out) - len(pnNonce)
	for i, b := range pnNonce {
		out[off+i] ^= b
	}
	return out
}
