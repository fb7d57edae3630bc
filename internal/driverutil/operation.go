// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driverutil holds constants and utilities shared by the driver core
// packages.
package driverutil

import (
	"context"
	"math"
	"time"
)

// Operation names for the commands the core issues itself or is commonly
// asked to execute.
const (
	AggregateOp   = "aggregate"   // AggregateOp is the name for aggregating
	DeleteOp      = "delete"      // DeleteOp is the name for deleting
	EndSessionsOp = "endSessions" // EndSessionsOp is the name for ending sessions
	FindOp        = "find"        // FindOp is the name for finding
	GetMoreOp     = "getMore"     // GetMoreOp is the name for getting more batches from a cursor
	InsertOp      = "insert"      // InsertOp is the name for inserting
	KillCursorsOp = "killCursors" // KillCursorsOp is the name for killing server-side cursors
	PingOp        = "ping"        // PingOp is the name for pinging
	UpdateOp      = "update"      // UpdateOp is the name for updating
	WatchOp       = "watch"       // WatchOp is the name for opening a change stream
)

// CalculateMaxTimeMS calculates the per-attempt server time budget in
// milliseconds based on the context deadline and the minimum observed round
// trip time. If the remaining budget is unlikely to survive a round trip,
// this function returns 0 and false.
func CalculateMaxTimeMS(ctx context.Context, rttMin time.Duration) (int64, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, true
	}

	remainingTimeout := time.Until(deadline)

	// Always round up to the next millisecond value so we never truncate the
	// calculated budget (e.g. 400 microseconds evaluates to 1ms, not 0ms).
	maxTimeMS := int64((remainingTimeout - rttMin + time.Millisecond - 1) / time.Millisecond)
	if maxTimeMS <= 0 {
		return 0, false
	}

	// The server rejects implausibly large budgets. If the caller specified a
	// timeout further out than an int32 of milliseconds can express, omit the
	// field and let the client-side deadline cancel the operation instead.
	if maxTimeMS > math.MaxInt32 {
		return 0, true
	}

	return maxTimeMS, true
}
