// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"time"

	events "github.com/docker/go-events"
	"github.com/sirupsen/logrus"
)

// eventKind enumerates the application-visible event kinds of spec.md §4.2
// and §6 ("Events (subscribable bitmask)").
type eventKind int

const (
	EventStreamUpdate eventKind = iota
	EventMaxStreams
	EventNewToken
	EventNewSessionTicket
	EventConnectionClose
	EventKeyUpdate
	EventConnectionMigration
)

func (k eventKind) String() string {
	switch k {
	case EventStreamUpdate:
		return "STREAM_UPDATE"
	case EventMaxStreams:
		return "MAX_STREAMS"
	case EventNewToken:
		return "NEW_TOKEN"
	case EventNewSessionTicket:
		return "NEW_SESSION_TICKET"
	case EventConnectionClose:
		return "CONNECTION_CLOSE"
	case EventKeyUpdate:
		return "KEY_UPDATE"
	case EventConnectionMigration:
		return "CONNECTION_MIGRATION"
	}
	return "unknown event"
}

// Event is one application-visible notification, spec.md §6.
type Event struct {
	Kind      eventKind
	StreamID  int64 // valid for STREAM_UPDATE; MAX_STREAMS events leave it zero
	ErrorCode uint64
	Phrase    string
	Token     []byte
	Time      time.Time
}

// eventQueueEnvelope lets the go-events broker carry an Event through its
// events.Event (interface{}) payload without the application-facing queue
// needing to know about the broker at all.
type eventQueueEnvelope struct {
	connID string
	ev     Event
}

// eventQueue is the application-visible receive-side queue from spec.md
// §4.2: "application-visible events ... are enqueued ahead of data on the
// receive queue preserving order among themselves." It is a bounded
// channel of 64 events; when it is full, push drops the event for the
// application rather than growing or blocking.
//
// Every enqueued event is also mirrored onto the connection's go-events
// Broker (newConn creates one per connection) (observability only — sinks never block or reorder the primary
// queue), grounded on distribution-distribution's notifications package,
// which fans registry events out to multiple sinks (logging, webhook,
// metrics) the same way.
type eventQueue struct {
	c      chan Event
	broker *events.Broker
	connID string
}

func newEventQueue(broker *events.Broker, connID string) *eventQueue {
	return &eventQueue{
		c:      make(chan Event, 64),
		broker: broker,
		connID: connID,
	}
}

// push enqueues an event for the application and broadcasts it to any
// registered observability sinks. It never blocks: if the application
// queue is full the event is dropped for the application (spec.md §7
// memory-pressure drops are silent) but still reaches the sinks, so
// operators can see that backpressure is occurring.
func (q *eventQueue) push(ev Event) {
	select {
	case q.c <- ev:
	default:
	}
	if q.broker != nil {
		q.broker.Write(eventQueueEnvelope{connID: q.connID, ev: ev})
	}
}

// next returns the oldest pending event, or ok=false if none is queued.
func (q *eventQueue) next() (Event, bool) {
	select {
	case ev := <-q.c:
		return ev, true
	default:
		return Event{}, false
	}
}

// loggingSink is a go-events.Sink that writes every Event at Info level,
// the observability half of the fan-out above.
type loggingSink struct {
	log *logrus.Logger
}

func (s *loggingSink) Write(ev events.Event) error {
	env, ok := ev.(eventQueueEnvelope)
	if !ok {
		return nil
	}
	s.log.WithFields(logrus.Fields{
		"conn_id": env.connID,
		"event":   env.ev.Kind.String(),
	}).Info("connection event")
	return nil
}

func (s *loggingSink) Close() error { return nil }

// metricsSink is a go-events.Sink that counts events by kind, the second
// half of the observability fan-out.
type metricsSink struct {
	counts map[eventKind]int
}

func newMetricsSink() *metricsSink { return &metricsSink{counts: make(map[eventKind]int)} }

func (s *metricsSink) Write(ev events.Event) error {
	env, ok := ev.(eventQueueEnvelope)
	if !ok {
		return nil
	}
	s.counts[env.ev.Kind]++
	return nil
}

func (s *metricsSink) Close() error { return nil }
