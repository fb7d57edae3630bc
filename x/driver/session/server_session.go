// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ServerSession is an open session with the server.
type ServerSession struct {
	SessionID uuid.UUID
	TxnNumber int64
	LastUsed  time.Time
	Dirty     bool
}

// expired returns whether this session has expired given a timeout in
// minutes. A session is considered expired if it has less than 1 minute left
// before becoming stale.
func (ss *ServerSession) expired(timeoutMinutes uint32) bool {
	if timeoutMinutes == 0 {
		return false
	}
	timeUnused := time.Since(ss.LastUsed).Minutes()
	return timeUnused > float64(timeoutMinutes)-1
}

// updateUseTime updates the session's last used time.
func (ss *ServerSession) updateUseTime() {
	ss.LastUsed = time.Now()
}

// incrementTxnNumber is safe for concurrent use so an explicit session shared
// by concurrent operations never produces duplicate transaction numbers.
func (ss *ServerSession) incrementTxnNumber() int64 {
	return atomic.AddInt64(&ss.TxnNumber, 1)
}

func (ss *ServerSession) txnNumber() int64 {
	return atomic.LoadInt64(&ss.TxnNumber)
}

func newServerSession() *ServerSession {
	return &ServerSession{
		SessionID: uuid.New(),
		LastUsed:  time.Now(),
	}
}
