// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package docdb

import (
	"context"

	"github.com/google/uuid"

	"github.com/ikmak/docdriver/x/driver/session"
	"github.com/ikmak/docdriver/x/jsoncore"
)

// Session is an explicit session for running multiple operations with shared
// state: causal-consistency times, a transaction number sequence, and server
// pinning. A Session is not safe for concurrent use by multiple goroutines,
// but its transaction number sequence is, so concurrent operations under one
// session never observe duplicate numbers.
type Session struct {
	clientSession *session.Client
	client        *Client
}

// ID returns the session ID.
func (s *Session) ID() uuid.UUID {
	return s.clientSession.SessionID()
}

// EndSession ends the session and returns its server session to the pool.
// Ending an ended session is a no-op.
func (s *Session) EndSession(context.Context) {
	s.clientSession.EndSession()
}

// ClusterTime returns the session's last observed cluster time.
func (s *Session) ClusterTime() jsoncore.Document {
	return s.clientSession.ClusterTime
}

// OperationTime returns the session's last observed operation time.
func (s *Session) OperationTime() jsoncore.Document {
	return s.clientSession.OperationTime
}

// AdvanceClusterTime advances the session's cluster time. This has no effect
// if the given time is earlier than the session's current cluster time.
func (s *Session) AdvanceClusterTime(ct jsoncore.Document) error {
	return s.clientSession.AdvanceClusterTime(ct)
}

// AdvanceOperationTime advances the session's operation time.
func (s *Session) AdvanceOperationTime(opTime jsoncore.Document) error {
	return s.clientSession.AdvanceOperationTime(opTime)
}

type sessionKey struct{}

// NewSessionContext returns a Context with the session attached. Operations
// run with this context execute under the session.
func NewSessionContext(ctx context.Context, sess *Session) context.Context {
	if sess == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, sess)
}

// sessionFromContext extracts the driver session from the given context, if
// one is attached.
func sessionFromContext(ctx context.Context) *session.Client {
	sess, ok := ctx.Value(sessionKey{}).(*Session)
	if !ok || sess == nil {
		return nil
	}
	return sess.clientSession
}
