// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "fmt"

// handleAckOrLoss deals with the final fate of a packet we sent:
// Either the peer acknowledges it, or we declare it lost.
//
// In order to handle packet loss, we must retain any information sent to the peer
// until the peer has acknowledged it.
//
// When information is acknowledged, we can discard it.
//
// When information is lost, we mark it for retransmission.
// See RFC 9000, Section 13.3 for a complete list of information which is retransmitted on loss.
// https://www.rfc-editor.org/rfc/rfc9000#section-13.3
func (c *Conn) handleAckOrLoss(space numberSpace, sent *sentPacket, fate packetFate) {
	// The list of frames in a sent packet is marshaled into a buffer in the sentPacket
	// by the packetWriter. Unmarshal that buffer here. This code must be kept in sync with
	// packetWriter.append*.
	//
	// A sent packet meets its fate (acked or lost) only once, so it's okay to consume
	// the sentPacket's buffer here.
	for !sent.done() {
		switch f := sent.next(); f {
		default:
			panic(fmt.Sprintf("BUG: unhandled lost frame type %x", f))
		case frameTypeAck:
			// Unlike most information, loss of an ACK frame does not trigger
			// retransmission. ACKs are sent in response to ack-eliciting packets,
			// and always contain the latest information available.
			//
			// Acknowledgement of an ACK frame may allow us to discard information
			// about older packets.
			largest := packetNumber(sent.nextInt())
			if fate == packetAcked {
				c.acks[space].handleAck(largest)
			}

		case frameTypePing, frameTypeCrypto, frameTypeResetStream, frameTypeStopSending,
			frameTypeMaxStreamsBidi, frameTypeMaxStreamsUni,
			frameTypeDataBlocked, frameTypeStreamDataBlocked, frameTypeStreamsBlockedBidi, frameTypeStreamsBlockedUni,
			frameTypePathChallenge, frameTypePathResponse,
			frameTypeConnectionCloseTransport, frameTypeConnectionCloseApp,
			frameTypeDatagram:
			// None of these are retransmitted by this connection today: PING
			// and the blocked/path frames are never resent by rule (RFC 9000
			// Section 13.3); DATAGRAM is explicitly unreliable;
			// CONNECTION_CLOSE is resent by appendCloseFrame (conn_close.go)
			// rather than here; the rest are only written by tests.

		case frameTypeMaxStreamData:
			id := sent.nextInt()
			sent.nextInt() // limit: maxStreamDataValue is always the latest, so resend uses that
			if s, ok := c.streams.get(id); ok {
				s.mu.Lock()
				s.maxStreamDataSent.ackOrLoss(sent.num, fate)
				s.mu.Unlock()
			}

		case frameTypeStreamBase:
			id := sent.nextInt()
			off := sent.nextInt()
			length := sent.nextInt()
			if s, ok := c.streams.get(id); ok {
				s.mu.Lock()
				if fate == packetAcked {
					if off+length > s.bytesAcked {
						s.markSendAcked(off + length)
					}
				} else {
					s.markSendLost(off)
				}
				s.mu.Unlock()
			}

		case frameTypeMaxData:
			sent.nextInt() // limit: maxDataValue is always the latest, so resend uses that
			c.control.maxData.ackOrLoss(sent.num, fate)

		case frameTypeNewConnectionID:
			seq := sent.nextInt()
			_ = sent.nextInt() // retirePriorTo
			if fate == packetLost {
				for _, id := range c.connIDState.local {
					if id.seq == seq && !id.retired {
						c.control.queueNewConnID(id)
						break
					}
				}
			}

		case frameTypeRetireConnectionID:
			seq := sent.nextInt()
			if fate == packetLost {
				c.control.queueRetireConnID(seq)
			}

		case frameTypeHandshakeDone:
			c.control.handshakeDone.ackOrLoss(sent.num, fate)
		}
	}
}
