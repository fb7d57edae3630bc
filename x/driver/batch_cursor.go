// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ikmak/docdriver/event"
	"github.com/ikmak/docdriver/internal/driverutil"
	"github.com/ikmak/docdriver/internal/logger"
	"github.com/ikmak/docdriver/x/driver/description"
	"github.com/ikmak/docdriver/x/driver/session"
	"github.com/ikmak/docdriver/x/jsoncore"
)

// CursorResponse represents the cursor portion of a command response and the
// server it came from. getMore and killCursors for this cursor must target
// that same server.
type CursorResponse struct {
	Server               Server
	Desc                 description.Server
	ID                   int64
	Database             string
	Collection           string
	Batch                []jsoncore.Document
	PostBatchResumeToken jsoncore.Document
	OperationTime        jsoncore.Document
}

type cursorResponseBody struct {
	Cursor struct {
		ID                   int64               `json:"id"`
		NS                   string              `json:"ns"`
		FirstBatch           []jsoncore.Document `json:"firstBatch"`
		NextBatch            []jsoncore.Document `json:"nextBatch"`
		PostBatchResumeToken jsoncore.Document   `json:"postBatchResumeToken"`
	} `json:"cursor"`
	OperationTime jsoncore.Document `json:"operationTime"`
}

// NewCursorResponse constructs a cursor response from the given response and
// server. The server is recorded so iteration can be routed back to it.
func NewCursorResponse(response jsoncore.Document, info ResponseInfo) (CursorResponse, error) {
	var body cursorResponseBody
	if err := response.Unmarshal(&body); err != nil {
		return CursorResponse{}, fmt.Errorf("malformed cursor response: %w", err)
	}

	if _, err := response.Lookup("cursor"); err != nil {
		return CursorResponse{}, fmt.Errorf("cursor should be present in the response: %w", err)
	}

	cr := CursorResponse{
		Server:               info.Server,
		Desc:                 info.ConnectionDescription,
		ID:                   body.Cursor.ID,
		PostBatchResumeToken: body.Cursor.PostBatchResumeToken,
		OperationTime:        body.OperationTime,
	}

	if idx := strings.Index(body.Cursor.NS, "."); idx >= 0 {
		cr.Database = body.Cursor.NS[:idx]
		cr.Collection = body.Cursor.NS[idx+1:]
	} else {
		cr.Database = body.Cursor.NS
	}

	cr.Batch = body.Cursor.FirstBatch
	if cr.Batch == nil {
		cr.Batch = body.Cursor.NextBatch
	}
	return cr, nil
}

// BatchCursor is a batch implementation of a cursor. It returns documents in
// entire batches instead of one at a time. An individual document cursor can
// be built on top of this batch cursor.
type BatchCursor struct {
	clientSession        *session.Client
	clock                *session.ClusterClock
	database             string
	collection           string
	id                   int64
	err                  error
	server               Server
	serverDescription    description.Server
	batchSize            int32
	maxTimeMS            int64
	currentBatch         []jsoncore.Document
	firstBatch           bool
	cmdMonitor           *event.CommandMonitor
	postBatchResumeToken jsoncore.Document
	logger               *logger.Logger

	// limit is the limit of the initiating operation and numReturned how
	// many documents the cursor has yielded so far; together they bound the
	// size of subsequent getMore batches.
	limit       int32
	numReturned int32
}

// CursorOptions are extra options that are required to construct a
// BatchCursor.
type CursorOptions struct {
	BatchSize      int32
	MaxTimeMS      int64
	Limit          int32
	CommandMonitor *event.CommandMonitor
	Logger         *logger.Logger
}

// NewBatchCursor creates a new BatchCursor from the provided parameters.
func NewBatchCursor(
	cr CursorResponse,
	clientSession *session.Client,
	clock *session.ClusterClock,
	opts CursorOptions,
) (*BatchCursor, error) {
	bc := &BatchCursor{
		clientSession:        clientSession,
		clock:                clock,
		database:             cr.Database,
		collection:           cr.Collection,
		id:                   cr.ID,
		server:               cr.Server,
		serverDescription:    cr.Desc,
		batchSize:            opts.BatchSize,
		maxTimeMS:            opts.MaxTimeMS,
		currentBatch:         cr.Batch,
		firstBatch:           true,
		cmdMonitor:           opts.CommandMonitor,
		postBatchResumeToken: cr.PostBatchResumeToken,
		logger:               opts.Logger,
		limit:                opts.Limit,
		numReturned:          int32(len(cr.Batch)),
	}

	if bc.id == 0 {
		bc.closeImplicitSession()
	}

	return bc, nil
}

// ID returns the cursor ID for this batch cursor.
func (bc *BatchCursor) ID() int64 {
	return bc.id
}

// Batch returns the current batch of documents.
func (bc *BatchCursor) Batch() []jsoncore.Document {
	return bc.currentBatch
}

// PostBatchResumeToken returns the latest seen post batch resume token.
func (bc *BatchCursor) PostBatchResumeToken() jsoncore.Document {
	return bc.postBatchResumeToken
}

// Next indicates if there is another batch available. Returning false does
// not necessarily indicate that the cursor is closed or the session ended;
// the Err method must be checked when Next returns false.
func (bc *BatchCursor) Next(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if bc.firstBatch {
		bc.firstBatch = false
		return len(bc.currentBatch) > 0
	}

	if bc.id == 0 || bc.err != nil {
		return false
	}

	bc.getMore(ctx)

	return len(bc.currentBatch) > 0
}

// Err returns the latest error encountered.
func (bc *BatchCursor) Err() error {
	return bc.err
}

// Close closes this batch cursor. A killCursors command is issued on a best
// effort basis: a failure to kill the server-side cursor is logged and does
// not surface to the caller.
func (bc *BatchCursor) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	err := bc.killCursor(ctx)
	bc.id = 0
	bc.currentBatch = nil

	bc.closeImplicitSession()

	return err
}

// KillCursor kills the server-side cursor but keeps the local state,
// including the session, intact. It is used by resuming streams that reopen a
// new cursor on the same session.
func (bc *BatchCursor) KillCursor(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	err := bc.killCursor(ctx)
	bc.id = 0
	return err
}

// Server returns the server for this cursor.
func (bc *BatchCursor) Server() Server {
	return bc.server
}

// Desc returns the description of the server the cursor was created on.
func (bc *BatchCursor) Desc() description.Server {
	return bc.serverDescription
}

// SetBatchSize sets the batchSize for future getMore operations.
func (bc *BatchCursor) SetBatchSize(size int32) {
	bc.batchSize = size
}

// SetMaxTime will set the maximum amount of time the server will allow the
// operations to execute. The server will error if this field is set but the
// cursor is not configured with awaitData=true.
//
// The time.Duration value passed by this setter will be converted and rounded
// down to the nearest millisecond.
func (bc *BatchCursor) SetMaxTime(dur time.Duration) {
	bc.maxTimeMS = int64(dur / time.Millisecond)
}

// closeImplicitSession closes the implicit session if it exists.
func (bc *BatchCursor) closeImplicitSession() {
	if bc.clientSession != nil && bc.clientSession.IsImplicit() {
		bc.clientSession.EndSession()
	}
}

// calcGetMoreBatchSize calculates the number of documents to return in the
// next getMore call based on the given limit, batchSize, and number of
// documents already returned.
func calcGetMoreBatchSize(bc BatchCursor) (int32, bool) {
	gmBatchSize := bc.batchSize

	// Account for legacy operations that don't support setting a limit.
	if bc.limit != 0 && bc.numReturned+bc.batchSize >= bc.limit {
		gmBatchSize = bc.limit - bc.numReturned
		if gmBatchSize <= 0 {
			return gmBatchSize, false
		}
	}

	return gmBatchSize, true
}

type getMoreCommand struct {
	GetMore    int64  `json:"getMore"`
	Collection string `json:"collection"`
	BatchSize  int32  `json:"batchSize,omitempty"`
	MaxTimeMS  int64  `json:"maxTimeMS,omitempty"`
}

func (bc *BatchCursor) getMore(ctx context.Context) {
	bc.currentBatch = nil
	if bc.id == 0 {
		return
	}

	numToReturn, ok := calcGetMoreBatchSize(*bc)
	if !ok {
		bc.err = bc.Close(ctx)
		return
	}

	bc.err = Operation{
		CommandFn: func(description.SelectedServer, []jsoncore.Document) (jsoncore.Document, error) {
			return jsoncore.NewDocument(getMoreCommand{
				GetMore:    bc.id,
				Collection: bc.collection,
				BatchSize:  numToReturn,
				MaxTimeMS:  bc.maxTimeMS,
			}), nil
		},
		Database:   bc.database,
		Deployment: SingleServerDeployment{Server: bc.server},
		Type:       Read,
		ProcessResponseFn: func(_ context.Context, response jsoncore.Document, info ResponseInfo) error {
			cr, err := NewCursorResponse(response, info)
			if err != nil {
				return err
			}

			bc.id = cr.ID
			bc.currentBatch = cr.Batch
			bc.numReturned += int32(len(cr.Batch))
			if !cr.PostBatchResumeToken.IsZero() {
				bc.postBatchResumeToken = cr.PostBatchResumeToken
			}

			if bc.id == 0 {
				bc.closeImplicitSession()
			}

			return nil
		},
		Client:         bc.clientSession,
		Clock:          bc.clock,
		CommandMonitor: bc.cmdMonitor,
		Logger:         bc.logger,
		Name:           driverutil.GetMoreOp,
		OmitMaxTimeMS:  true,
	}.Execute(ctx)

	// A getMore against a cursor the server no longer knows about is the
	// dedicated sentinel rather than a generic server error.
	var srvErr Error
	if errors.As(bc.err, &srvErr) && srvErr.Code == codeCursorNotFound {
		bc.err = fmt.Errorf("%w: %v", ErrCursorKilled, srvErr.Message)
	}
}

type killCursorsCommand struct {
	KillCursors string  `json:"killCursors"`
	Cursors     []int64 `json:"cursors"`
}

// killCursor issues a killCursors command for this cursor's server-side
// resources. The command itself is unretryable and its result does not
// affect the cursor's local state.
func (bc *BatchCursor) killCursor(ctx context.Context) error {
	if bc.id == 0 {
		return nil
	}

	err := Operation{
		CommandFn: func(description.SelectedServer, []jsoncore.Document) (jsoncore.Document, error) {
			return jsoncore.NewDocument(killCursorsCommand{
				KillCursors: bc.collection,
				Cursors:     []int64{bc.id},
			}), nil
		},
		Database:       bc.database,
		Deployment:     SingleServerDeployment{Server: bc.server},
		Type:           Read,
		Client:         bc.clientSession,
		Clock:          bc.clock,
		CommandMonitor: bc.cmdMonitor,
		Logger:         bc.logger,
		Name:           driverutil.KillCursorsOp,
		OmitMaxTimeMS:  true,
	}.Execute(ctx)
	if err != nil {
		bc.logger.Error(logger.LevelInfo, logger.ComponentCommand, err, "killCursors failed",
			"cursorID", bc.id,
			"database", bc.database,
			"collection", bc.collection)
	}
	return nil
}
