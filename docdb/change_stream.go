// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package docdb

import (
	"context"
	"errors"
	"time"

	"github.com/ikmak/docdriver/internal/driverutil"
	"github.com/ikmak/docdriver/x/driver"
	"github.com/ikmak/docdriver/x/driver/description"
	"github.com/ikmak/docdriver/x/driver/session"
	"github.com/ikmak/docdriver/x/jsoncore"
)

// ChangeStream is used to iterate over a stream of change events. The stream
// transparently reopens its server-side cursor after resumable failures so
// that every event is delivered exactly once in order. Similar to a Cursor, a
// change stream must be closed after use.
type ChangeStream struct {
	// Current is the change event that was last returned by a successful
	// call to Next or TryNext.
	Current jsoncore.Document

	client     *Client
	database   string
	collection string
	pipeline   []jsoncore.Document
	options    *ChangeStreamOptions

	sess     *session.Client
	implicit bool

	cursor *driver.BatchCursor
	batch  []jsoncore.Document

	resumeToken          jsoncore.Document
	startAtOperationTime jsoncore.Document
	hasReceivedAnyBatch  bool
	attemptedResume      bool
	err                  error
}

// Watch opens a change stream over the given collection, reporting events
// that occur after the point in time the stream was established at (or after
// the resume point in the options, if one is set).
func (c *Client) Watch(ctx context.Context, database, collection string, pipeline []jsoncore.Document, opts *ChangeStreamOptions) (*ChangeStream, error) {
	if !c.connected {
		return nil, ErrClientDisconnected
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts == nil {
		opts = NewChangeStreamOptions()
	}

	sess, implicit, err := c.resolveSession(ctx)
	if err != nil {
		return nil, err
	}

	cs := &ChangeStream{
		client:               c,
		database:             database,
		collection:           collection,
		pipeline:             pipeline,
		options:              opts,
		sess:                 sess,
		implicit:             implicit,
		startAtOperationTime: opts.StartAtOperationTime,
	}

	// A caller-supplied resume point seeds the token; which stage option it
	// is sent as is decided per command.
	switch {
	case !opts.ResumeAfter.IsZero():
		cs.resumeToken = opts.ResumeAfter
	case !opts.StartAfter.IsZero():
		cs.resumeToken = opts.StartAfter
	}

	if err := cs.executeOperation(ctx); err != nil {
		if implicit {
			sess.EndSession()
		}
		return nil, replaceErrors(err)
	}

	return cs, nil
}

type changeStreamStage struct {
	FullDocument         *string           `json:"fullDocument,omitempty"`
	ResumeAfter          jsoncore.Document `json:"resumeAfter,omitempty"`
	StartAfter           jsoncore.Document `json:"startAfter,omitempty"`
	StartAtOperationTime jsoncore.Document `json:"startAtOperationTime,omitempty"`
}

type aggregateCommand struct {
	Aggregate string              `json:"aggregate"`
	Pipeline  []jsoncore.Document `json:"pipeline"`
	Cursor    aggregateCursor     `json:"cursor"`
}

type aggregateCursor struct {
	BatchSize int32 `json:"batchSize,omitempty"`
}

// executeOperation runs the aggregate command that opens (or reopens) the
// server-side cursor behind the stream.
func (cs *ChangeStream) executeOperation(ctx context.Context) error {
	stage := changeStreamStage{FullDocument: cs.options.FullDocument}
	switch {
	case !cs.resumeToken.IsZero():
		// startAfter is only valid the very first time: once any batch has
		// been received, or when the caller never supplied a start-after
		// token, the stream resumes strictly after the held token.
		if !cs.hasReceivedAnyBatch && !cs.options.StartAfter.IsZero() {
			stage.StartAfter = cs.resumeToken
		} else {
			stage.ResumeAfter = cs.resumeToken
		}
	case !cs.startAtOperationTime.IsZero():
		stage.StartAtOperationTime = cs.startAtOperationTime
	}

	pipeline := make([]jsoncore.Document, 0, len(cs.pipeline)+1)
	pipeline = append(pipeline, jsoncore.NewDocument(map[string]changeStreamStage{"$changeStream": stage}))
	pipeline = append(pipeline, cs.pipeline...)

	var batchSize int32
	if cs.options.BatchSize != nil {
		batchSize = *cs.options.BatchSize
	}

	client := cs.client
	var cursor *driver.BatchCursor
	op := driver.Operation{
		CommandFn: func(description.SelectedServer, []jsoncore.Document) (jsoncore.Document, error) {
			return jsoncore.NewDocument(aggregateCommand{
				Aggregate: cs.collection,
				Pipeline:  pipeline,
				Cursor:    aggregateCursor{BatchSize: batchSize},
			}), nil
		},
		ProcessResponseFn: func(_ context.Context, resp jsoncore.Document, info driver.ResponseInfo) error {
			cr, err := driver.NewCursorResponse(resp, info)
			if err != nil {
				return err
			}
			// With no resume point at all, anchor the stream at the server's
			// operation time so a resume before the first event cannot skip
			// anything.
			if cs.resumeToken.IsZero() && cs.startAtOperationTime.IsZero() && !cr.OperationTime.IsZero() {
				cs.startAtOperationTime = cr.OperationTime
			}

			cursorOpts := driver.CursorOptions{
				BatchSize:      batchSize,
				CommandMonitor: client.monitor,
				Logger:         client.logger,
			}
			if cs.options.MaxAwaitTime != nil {
				cursorOpts.MaxTimeMS = int64(*cs.options.MaxAwaitTime / time.Millisecond)
			}
			cursor, err = driver.NewBatchCursor(cr, cs.sess, client.clock, cursorOpts)
			return err
		},
		Database:       cs.database,
		Deployment:     client.deployment,
		Client:         cs.sess,
		Clock:          client.clock,
		ReadPreference: client.readPreference,
		RetryMode:      client.readRetryMode(),
		Type:           driver.Read,
		Timeout:        client.timeout,
		CursorCreating: true,
		Logger:         client.logger,
		CommandMonitor: client.monitor,
		Name:           driverutil.AggregateOp,
	}

	if err := op.Execute(ctx); err != nil {
		return err
	}

	cs.cursor = cursor
	return nil
}

// advanceToken computes the resume token the stream holds after a batch
// response. Explicit batch position wins over the post-batch marker for
// non-empty batches: each event carries its own token, applied as the event
// is handed to the caller. For empty batches the post-batch marker alone
// advances the token. The token never rolls back; with no marker the current
// token is kept.
func advanceToken(current jsoncore.Document, batch []jsoncore.Document, postBatchMarker jsoncore.Document) jsoncore.Document {
	if len(batch) == 0 && !postBatchMarker.IsZero() {
		return postBatchMarker
	}
	return current
}

// isResumable reports whether the stream may reopen its cursor after err.
// Network errors, errors the server tags as resumable, retryable server
// errors, and a killed cursor all qualify; caller cancellation never does.
func (cs *ChangeStream) isResumable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrCursorKilled) {
		return true
	}

	var driverErr driver.Error
	if errors.As(err, &driverErr) {
		return driverErr.NetworkError() ||
			driverErr.HasErrorLabel(driver.ResumableChangeStreamError) ||
			driverErr.RetryableRead()
	}
	return false
}

// resumeStream kills the dead cursor on a best effort basis and reopens the
// stream from the held resume token. The session stays open: the reopened
// cursor runs on it.
func (cs *ChangeStream) resumeStream(ctx context.Context) error {
	if cs.cursor != nil {
		_ = cs.cursor.KillCursor(ctx)
		cs.cursor = nil
	}
	return cs.executeOperation(ctx)
}

// Next gets the next event for this change stream, blocking through empty
// batches until an event is available, an error occurs, or the stream is
// invalidated. It returns true if an event was placed in Current.
func (cs *ChangeStream) Next(ctx context.Context) bool {
	return cs.next(ctx, false)
}

// TryNext attempts to get the next event for this change stream. Unlike Next,
// it returns false as soon as the server responds with an empty batch,
// leaving the stream open for later attempts.
func (cs *ChangeStream) TryNext(ctx context.Context) bool {
	return cs.next(ctx, true)
}

func (cs *ChangeStream) next(ctx context.Context, nonBlocking bool) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if cs.err != nil || cs.cursor == nil {
		return false
	}

	if len(cs.batch) == 0 && !cs.fetchBatch(ctx, nonBlocking) {
		return false
	}

	event := cs.batch[0]
	cs.batch = cs.batch[1:]

	// The token advances to the event's own position before the event is
	// handed out, so a resume after the caller consumed it can never replay
	// it.
	token, err := event.Lookup("_id")
	if err != nil || token.IsZero() {
		_ = cs.Close(ctx)
		cs.err = ErrMissingResumeToken
		return false
	}
	cs.resumeToken = token
	cs.Current = event
	return true
}

// fetchBatch pulls batch responses from the underlying cursor until a
// non-empty one arrives, resuming across resumable failures. One resume is
// allowed per consumed batch: a second failure before the next batch lands
// surfaces to the caller.
func (cs *ChangeStream) fetchBatch(ctx context.Context, nonBlocking bool) bool {
	for {
		if cs.cursor.Next(ctx) {
			cs.batch = cs.cursor.Batch()
			cs.hasReceivedAnyBatch = true
			cs.attemptedResume = false
			cs.resumeToken = advanceToken(cs.resumeToken, cs.batch, cs.cursor.PostBatchResumeToken())
			return true
		}

		err := cs.cursor.Err()
		if err == nil {
			// An empty batch still moves the stream forward: the post-batch
			// marker becomes the active resume token immediately.
			cs.hasReceivedAnyBatch = true
			cs.attemptedResume = false
			cs.resumeToken = advanceToken(cs.resumeToken, nil, cs.cursor.PostBatchResumeToken())

			if cs.cursor.ID() == 0 || nonBlocking {
				return false
			}
			continue
		}

		if cs.attemptedResume || !cs.isResumable(err) {
			cs.err = replaceErrors(err)
			return false
		}

		cs.attemptedResume = true
		if resumeErr := cs.resumeStream(ctx); resumeErr != nil {
			cs.err = replaceErrors(resumeErr)
			return false
		}
	}
}

// Decode unmarshals the current event into val.
func (cs *ChangeStream) Decode(val interface{}) error {
	return cs.Current.Unmarshal(val)
}

// ResumeToken returns the last cached resume token for this change stream.
func (cs *ChangeStream) ResumeToken() jsoncore.Document {
	return cs.resumeToken
}

// ID returns the ID of the underlying server-side cursor, or 0 if the stream
// has been closed or invalidated.
func (cs *ChangeStream) ID() int64 {
	if cs.cursor == nil {
		return 0
	}
	return cs.cursor.ID()
}

// Err returns the first error that stopped the stream, if any.
func (cs *ChangeStream) Err() error {
	if cs.err != nil {
		return cs.err
	}
	if cs.cursor == nil {
		return nil
	}
	return replaceErrors(cs.cursor.Err())
}

// Close closes the change stream. The server-side cursor is killed on a best
// effort basis; a failure to kill it is logged and does not surface. Close is
// idempotent.
func (cs *ChangeStream) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cs.batch = nil
	if cs.cursor == nil {
		return nil
	}

	err := cs.cursor.Close(ctx)
	cs.cursor = nil
	if cs.implicit {
		cs.sess.EndSession()
	}
	return replaceErrors(err)
}
