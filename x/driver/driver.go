// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver contains the operation execution core: server selection,
// session resolution, the retry state machine, and the resumable batch
// cursor. The wire protocol, connection pooling, and topology monitoring are
// external collaborators reached through the Deployment and Server
// interfaces.
package driver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ikmak/docdriver/docdb/readpref"
	"github.com/ikmak/docdriver/x/driver/description"
	"github.com/ikmak/docdriver/x/driver/session"
	"github.com/ikmak/docdriver/x/jsoncore"
)

// Deployment is implemented by types that can select a server from a
// deployment. The driver only ever reads the deployment's description;
// mutation happens in the (external) topology monitor.
type Deployment interface {
	SelectServer(context.Context, description.ServerSelector) (Server, error)
	Kind() description.TopologyKind
	ServerSelectionTimeout() time.Duration
}

// Server represents a database server. Implementations own the transport:
// they encode the request, perform the network round trip, and surface
// failures as classified errors (Error values with labels, or arbitrary
// errors for transport-level faults).
type Server interface {
	Description() description.Server
	RTTMonitor() RTTMonitor
	Execute(context.Context, *Request) (jsoncore.Document, error)
}

// RTTMonitor represents a round-trip-time monitor for a server.
type RTTMonitor interface {
	// EWMA returns the exponentially weighted moving average observed
	// round-trip time.
	EWMA() time.Duration

	// Min returns the minimum observed round-trip time over the window
	// period.
	Min() time.Duration

	// P90 returns the 90th percentile observed round-trip time over the
	// window period.
	P90() time.Duration

	// Stats returns stringified stats of the current state of the monitor.
	Stats() string
}

// Request carries one command attempt to a server. The transport collaborator
// is responsible for stamping session and cluster-time fields onto the wire
// message; the core only resolves which values apply.
type Request struct {
	// Name is the command name, e.g. "find".
	Name string

	// Database the command runs against.
	Database string

	// Command is the command body produced by the operation's CommandFn.
	Command jsoncore.Document

	// ReadPreference for transport-level routing hints (e.g. secondary reads
	// through a router).
	ReadPreference *readpref.ReadPref

	// Session is the resolved session, implicit or explicit. May be nil.
	Session *session.Client

	// MaxTimeMS is the per-attempt server-side time budget. Zero means the
	// field is omitted.
	MaxTimeMS int64

	// RequestID identifies the attempt for monitoring.
	RequestID int32
}

// SingleServerDeployment is an implementation of Deployment that always
// returns a single server. It is used for operations that must run against
// the same server a previous operation ran on, such as a cursor's getMore and
// killCursors commands.
type SingleServerDeployment struct{ Server }

var _ Deployment = SingleServerDeployment{}

// SelectServer implements the Deployment interface. This method does not use
// the description.SelectedServer provided and instead returns the embedded
// Server.
func (ssd SingleServerDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return ssd.Server, nil
}

// Kind implements the Deployment interface. It always returns
// description.TopologyKindSingle.
func (SingleServerDeployment) Kind() description.TopologyKind {
	return description.TopologyKindSingle
}

// ServerSelectionTimeout implements the Deployment interface. Selection never
// waits, so there is no timeout.
func (SingleServerDeployment) ServerSelectionTimeout() time.Duration { return 0 }

// RetryMode specifies the way that retries are handled for retryable
// operations.
type RetryMode uint

// These are the modes available for retrying.
const (
	// RetryNone disables retrying.
	RetryNone RetryMode = iota
	// RetryOnce will enable retrying the entire operation once if there is an
	// error.
	RetryOnce
	// RetryOncePerCommand will enable retrying each command associated with
	// an operation. For example, if an insert is batch split into 4 commands
	// then each of those commands is eligible for one retry.
	RetryOncePerCommand
	// RetryContext will enable retrying until the context.Context's deadline
	// is exceeded or it is cancelled.
	RetryContext
)

// Enabled returns if this RetryMode enables retrying.
func (rm RetryMode) Enabled() bool {
	return rm == RetryOnce || rm == RetryOncePerCommand || rm == RetryContext
}

// Type specifies whether an operation is a read, write, or unknown.
type Type uint

// THese are the availables types of Type.
const (
	_ Type = iota
	Write
	Read
)

var globalRequestID int32

// NextRequestID returns the next request ID.
func NextRequestID() int32 { return atomic.AddInt32(&globalRequestID, 1) }

// retryWritesSupported returns true if this description represents a server
// that supports retryable writes: it tracks sessions and is part of a
// replicated or sharded deployment.
func retryWritesSupported(s description.Server) bool {
	return s.SessionTimeoutMinutes != 0 && s.Kind != description.ServerKindStandalone
}
