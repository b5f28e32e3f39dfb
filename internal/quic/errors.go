// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "fmt"

// transportError is a QUIC transport error code, RFC 9000 Section 20.1.
type transportError uint64

const (
	errNo                   transportError = 0x0
	errInternal             transportError = 0x1
	errConnectionRefused    transportError = 0x2
	errFlowControl          transportError = 0x3
	errStreamLimit          transportError = 0x4
	errStreamState          transportError = 0x5
	errFinalSize            transportError = 0x6
	errFrameEncoding        transportError = 0x7
	errTransportParameter   transportError = 0x8
	errConnectionIDLimit    transportError = 0x9
	errProtocolViolation    transportError = 0xa
	errInvalidToken         transportError = 0xb
	errApplication          transportError = 0xc
	errCryptoBufferExceeded transportError = 0xd
	errKeyUpdate            transportError = 0xe
	errAEADLimitReached     transportError = 0xf
	errNoViablePath         transportError = 0x10
)

// cryptoError wraps a TLS alert into the CRYPTO_ERROR(0x0100-0x01ff) range.
func cryptoError(alert uint8) transportError {
	return transportError(0x100 + uint64(alert))
}

func (e transportError) String() string {
	switch e {
	case errNo:
		return "NO_ERROR"
	case errInternal:
		return "INTERNAL_ERROR"
	case errConnectionRefused:
		return "CONNECTION_REFUSED"
	case errFlowControl:
		return "FLOW_CONTROL_ERROR"
	case errStreamLimit:
		return "STREAM_LIMIT_ERROR"
	case errStreamState:
		return "STREAM_STATE_ERROR"
	case errFinalSize:
		return "FINAL_SIZE_ERROR"
	case errFrameEncoding:
		return "FRAME_ENCODING_ERROR"
	case errTransportParameter:
		return "TRANSPORT_PARAMETER_ERROR"
	case errConnectionIDLimit:
		return "CONNECTION_ID_LIMIT_ERROR"
	case errProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case errInvalidToken:
		return "INVALID_TOKEN"
	case errApplication:
		return "APPLICATION_ERROR"
	case errCryptoBufferExceeded:
		return "CRYPTO_BUFFER_EXCEEDED"
	case errKeyUpdate:
		return "KEY_UPDATE_ERROR"
	case errAEADLimitReached:
		return "AEAD_LIMIT_REACHED"
	case errNoViablePath:
		return "NO_VIABLE_PATH"
	}
	if e >= 0x100 && e <= 0x1ff {
		return fmt.Sprintf("CRYPTO_ERROR(%#x)", uint64(e)-0x100)
	}
	return fmt.Sprintf("ERROR(%#x)", uint64(e))
}

// localError is a local, non-wire error surfaced to the application API (§7).
type localError string

const (
	errNotReady       localError = "not-ready"
	errWouldBlock     localError = "would-block"
	errInvalidArg     localError = "invalid-argument"
	errNoMemory       localError = "no-memory"
	errNoBufferSpace  localError = "no-buffer-space"
	errNotConnected   localError = "not-connected"
	errClosed         localError = "closed"
	errUnsupported    localError = "unsupported"
)

func (e localError) Error() string { return string(e) }

// applicationError is an opaque 62-bit code carried in CONNECTION_CLOSE (app),
// RESET_STREAM, or STOP_SENDING.
type applicationError uint64

// connError is the sticky error that closes a connection, either a QUIC
// transport error we detected locally or one reported by CONNECTION_CLOSE.
type connError struct {
	code   transportError
	remote bool      // true if this came from a peer CONNECTION_CLOSE
	app    bool      // true if code is an applicationError in disguise
	frame  byte      // frame type that triggered the error, if known
	reason string
}

func (e *connError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.app {
		return fmt.Sprintf("application error %#x: %s", uint64(e.code), e.reason)
	}
	return fmt.Sprintf("%v: %s", e.code, e.reason)
}

func newLocalTransportError(code transportError, reason string) *connError {
	return &connError{code: code, reason: reason}
}
