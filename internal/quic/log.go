// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// connLogger wraps a logrus.Entry pre-populated with the fields that
// identify a connection in logs, grounded on distribution-distribution's
// pattern of carrying a single *logrus.Entry down through registry
// components rather than passing ad hoc key/value pairs at each call site.
type connLogger struct {
	entry *logrus.Entry
	id    xid.ID
}

func newConnLogger(base *logrus.Logger, side connSide) *connLogger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	id := xid.New()
	return &connLogger{
		id: id,
		entry: base.WithFields(logrus.Fields{
			"conn_id": id.String(),
			"side":    side.String(),
		}),
	}
}

func (l *connLogger) withState(s connState) *logrus.Entry {
	return l.entry.WithField("state", s.String())
}
