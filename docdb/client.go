// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package docdb is the user-facing surface of the driver core. A Client
// executes commands against a deployment with sessions, retries, and
// resumable change streams layered on top of the x/driver machinery.
package docdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ikmak/docdriver/docdb/readpref"
	"github.com/ikmak/docdriver/event"
	"github.com/ikmak/docdriver/internal/driverutil"
	"github.com/ikmak/docdriver/internal/logger"
	"github.com/ikmak/docdriver/x/driver"
	"github.com/ikmak/docdriver/x/driver/description"
	"github.com/ikmak/docdriver/x/driver/session"
	"github.com/ikmak/docdriver/x/jsoncore"
)

// ErrClientDisconnected is returned when a disconnected Client is used to run
// an operation.
var ErrClientDisconnected = errors.New("client is disconnected")

// ErrWrongClient is returned when a session from one Client is used with a
// different Client.
var ErrWrongClient = errors.New("session was not created by this client")

// ErrNonPrimaryReadPref is returned when an operation inside a transaction
// asks for a non-primary read preference.
var ErrNonPrimaryReadPref = errors.New("read preference in a transaction must be primary")

// Client performs operations against a deployment. It owns the session pool
// and the cluster clock and stamps client-level defaults (retryability, read
// preference, timeout, monitoring) onto every operation.
type Client struct {
	id             uuid.UUID
	deployment     driver.Deployment
	clock          *session.ClusterClock
	sessionPool    *session.Pool
	retryWrites    bool
	retryReads     bool
	timeout        *time.Duration
	readPreference *readpref.ReadPref
	monitor        *event.CommandMonitor
	logger         *logger.Logger
	connected      bool
}

// Connect creates and initializes a Client from the given options.
func Connect(opts *ClientOptions) (*Client, error) {
	if opts == nil {
		opts = NewClientOptions()
	}
	if opts.Deployment == nil {
		return nil, errors.New("a deployment is required to connect")
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("error creating client ID: %w", err)
	}

	client := &Client{
		id:             id,
		deployment:     opts.Deployment,
		clock:          new(session.ClusterClock),
		sessionPool:    session.NewPool(),
		retryWrites:    true,
		retryReads:     true,
		timeout:        opts.Timeout,
		readPreference: readpref.Primary(),
		monitor:        opts.Monitor,
		connected:      true,
	}

	if opts.RetryWrites != nil {
		client.retryWrites = *opts.RetryWrites
	}
	if opts.RetryReads != nil {
		client.retryReads = *opts.RetryReads
	}
	if opts.ReadPreference != nil {
		client.readPreference = opts.ReadPreference
	}
	if opts.LogSink != nil || len(opts.LogComponentLevels) > 0 {
		client.logger = logger.New(opts.LogSink, opts.LogComponentLevels)
	}

	return client, nil
}

// Disconnect ends all sessions created by this Client and marks it unusable.
// The endSessions command is best effort; a failure to end server-side
// sessions is logged and does not surface.
func (c *Client) Disconnect(ctx context.Context) error {
	if !c.connected {
		return ErrClientDisconnected
	}
	c.connected = false

	c.endSessions(ctx)
	return nil
}

// StartSession starts a new explicit session.
func (c *Client) StartSession() (*Session, error) {
	if !c.connected {
		return nil, ErrClientDisconnected
	}

	sess, err := session.NewClientSession(c.sessionPool, c.id, session.Explicit)
	if err != nil {
		return nil, err
	}

	return &Session{clientSession: sess, client: c}, nil
}

// validSession checks that an explicit session belongs to this client and
// has not been ended.
func (c *Client) validSession(sess *session.Client) error {
	if sess == nil {
		return nil
	}
	if sess.ClientID != c.id {
		return ErrWrongClient
	}
	if sess.Terminated {
		return session.ErrSessionEnded
	}
	return nil
}

// resolveSession returns the session an operation should run under: the
// explicit session from the context if one is set, otherwise a fresh
// implicit session. The second return value reports whether the caller owns
// ending the session.
func (c *Client) resolveSession(ctx context.Context) (*session.Client, bool, error) {
	if sess := sessionFromContext(ctx); sess != nil {
		if err := c.validSession(sess); err != nil {
			return nil, false, err
		}
		return sess, false, nil
	}

	sess, err := session.NewClientSession(c.sessionPool, c.id, session.Implicit)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// readRetryMode returns the retry mode reads run under.
func (c *Client) readRetryMode() *driver.RetryMode {
	mode := driver.RetryNone
	if c.retryReads {
		mode = driver.RetryOncePerCommand
	}
	return &mode
}

// writeRetryMode returns the retry mode writes run under.
func (c *Client) writeRetryMode() *driver.RetryMode {
	mode := driver.RetryNone
	if c.retryWrites {
		mode = driver.RetryOncePerCommand
	}
	return &mode
}

// RunCommand runs the given command against the database. The command is
// executed exactly once: run-command bodies are opaque, so the client cannot
// know whether a retry is safe.
func (c *Client) RunCommand(ctx context.Context, database string, cmd jsoncore.Document) (jsoncore.Document, error) {
	if !c.connected {
		return nil, ErrClientDisconnected
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sess, implicit, err := c.resolveSession(ctx)
	if err != nil {
		return nil, err
	}
	if implicit {
		defer sess.EndSession()
	}

	var result jsoncore.Document
	op := driver.Operation{
		CommandFn: func(description.SelectedServer, []jsoncore.Document) (jsoncore.Document, error) {
			return cmd, nil
		},
		ProcessResponseFn: func(_ context.Context, resp jsoncore.Document, _ driver.ResponseInfo) error {
			result = resp
			return nil
		},
		Database:       database,
		Deployment:     c.deployment,
		Client:         sess,
		Clock:          c.clock,
		ReadPreference: c.readPreference,
		Timeout:        c.timeout,
		Logger:         c.logger,
		CommandMonitor: c.monitor,
		Name:           commandName(cmd),
	}

	if err := op.Execute(ctx); err != nil {
		return nil, replaceErrors(err)
	}
	return result, nil
}

type findCommand struct {
	Find      string            `json:"find"`
	Filter    jsoncore.Document `json:"filter,omitempty"`
	Limit     int32             `json:"limit,omitempty"`
	BatchSize int32             `json:"batchSize,omitempty"`
}

// FindOptions are the options for Find.
type FindOptions struct {
	Limit          int32
	BatchSize      int32
	ReadPreference *readpref.ReadPref
}

// Find executes a find command and returns a Cursor over the matching
// documents. The operation is retryable per the client's retryReads setting.
func (c *Client) Find(ctx context.Context, database, collection string, filter jsoncore.Document, opts *FindOptions) (*Cursor, error) {
	if !c.connected {
		return nil, ErrClientDisconnected
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts == nil {
		opts = &FindOptions{}
	}

	sess, implicit, err := c.resolveSession(ctx)
	if err != nil {
		return nil, err
	}

	rp := opts.ReadPreference
	if rp == nil {
		rp = c.readPreference
	}
	if sess.TransactionRunning() && rp.Mode() != readpref.PrimaryMode {
		if implicit {
			sess.EndSession()
		}
		return nil, ErrNonPrimaryReadPref
	}

	var cursor *driver.BatchCursor
	op := driver.Operation{
		CommandFn: func(description.SelectedServer, []jsoncore.Document) (jsoncore.Document, error) {
			return jsoncore.NewDocument(findCommand{
				Find:      collection,
				Filter:    filter,
				Limit:     opts.Limit,
				BatchSize: opts.BatchSize,
			}), nil
		},
		ProcessResponseFn: func(_ context.Context, resp jsoncore.Document, info driver.ResponseInfo) error {
			cr, err := driver.NewCursorResponse(resp, info)
			if err != nil {
				return err
			}
			cursor, err = driver.NewBatchCursor(cr, sess, c.clock, driver.CursorOptions{
				BatchSize:      opts.BatchSize,
				Limit:          opts.Limit,
				CommandMonitor: c.monitor,
				Logger:         c.logger,
			})
			return err
		},
		Database:       database,
		Deployment:     c.deployment,
		Client:         sess,
		Clock:          c.clock,
		ReadPreference: rp,
		RetryMode:      c.readRetryMode(),
		Type:           driver.Read,
		Timeout:        c.timeout,
		CursorCreating: true,
		Logger:         c.logger,
		CommandMonitor: c.monitor,
		Name:           driverutil.FindOp,
	}

	if err := op.Execute(ctx); err != nil {
		if implicit {
			sess.EndSession()
		}
		return nil, replaceErrors(err)
	}

	return newCursor(cursor), nil
}

type insertCommand struct {
	Insert    string              `json:"insert"`
	Documents []jsoncore.Document `json:"documents"`
	Ordered   *bool               `json:"ordered,omitempty"`
}

// InsertOptions are the options for Insert.
type InsertOptions struct {
	Ordered *bool

	// BatchLimit caps the number of documents per command; remaining
	// documents continue in follow-up commands. Zero means a single
	// command.
	BatchLimit int
}

// Insert executes insert commands for the given documents, splitting them
// into batches when BatchLimit is set. Each command is retryable per the
// client's retryWrites setting.
func (c *Client) Insert(ctx context.Context, database, collection string, documents []jsoncore.Document, opts *InsertOptions) error {
	if !c.connected {
		return ErrClientDisconnected
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts == nil {
		opts = &InsertOptions{}
	}
	if len(documents) == 0 {
		return errors.New("must provide at least one document to insert")
	}

	sess, implicit, err := c.resolveSession(ctx)
	if err != nil {
		return err
	}
	if implicit {
		defer sess.EndSession()
	}

	op := driver.Operation{
		CommandFn: func(_ description.SelectedServer, batch []jsoncore.Document) (jsoncore.Document, error) {
			return jsoncore.NewDocument(insertCommand{
				Insert:    collection,
				Documents: batch,
				Ordered:   opts.Ordered,
			}), nil
		},
		Database:       database,
		Deployment:     c.deployment,
		Client:         sess,
		Clock:          c.clock,
		RetryMode:      c.writeRetryMode(),
		Type:           driver.Write,
		Batches: &driver.Batches{
			Identifier: "documents",
			Documents:  documents,
			Ordered:    opts.Ordered,
		},
		BatchLimit:     opts.BatchLimit,
		Timeout:        c.timeout,
		Logger:         c.logger,
		CommandMonitor: c.monitor,
		Name:           driverutil.InsertOp,
	}

	return replaceErrors(op.Execute(ctx))
}

type endSessionsCommand struct {
	EndSessions []jsoncore.Document `json:"endSessions"`
}

// endSessions tells the deployment to clean up the server sessions pooled by
// this client. Failures are logged, never surfaced.
func (c *Client) endSessions(ctx context.Context) {
	ids := c.sessionPool.IDs()
	if len(ids) == 0 {
		return
	}

	sessionIDs := make([]jsoncore.Document, 0, len(ids))
	for _, id := range ids {
		parsed, err := uuid.FromBytes(id)
		if err != nil {
			continue
		}
		sessionIDs = append(sessionIDs, jsoncore.NewDocument(map[string]string{"id": parsed.String()}))
	}

	op := driver.Operation{
		CommandFn: func(description.SelectedServer, []jsoncore.Document) (jsoncore.Document, error) {
			return jsoncore.NewDocument(endSessionsCommand{EndSessions: sessionIDs}), nil
		},
		Database:       "admin",
		Deployment:     c.deployment,
		Clock:          c.clock,
		ReadPreference: readpref.PrimaryPreferred(),
		Logger:         c.logger,
		CommandMonitor: c.monitor,
		Name:           driverutil.EndSessionsOp,
	}

	if err := op.Execute(ctx); err != nil {
		c.logger.Error(logger.LevelInfo, logger.ComponentSession, err, "endSessions failed")
	}
}

// commandName returns the first key of the command document, which by
// convention names the command. Unparseable commands report as "".
func commandName(cmd jsoncore.Document) string {
	var ordered map[string]jsoncore.Document
	if err := cmd.Unmarshal(&ordered); err != nil || len(ordered) == 0 {
		return ""
	}
	// JSON objects are unordered; prefer well-known command keys when
	// present.
	for _, name := range []string{
		driverutil.FindOp, driverutil.InsertOp, driverutil.UpdateOp, driverutil.DeleteOp,
		driverutil.GetMoreOp, driverutil.KillCursorsOp, driverutil.PingOp,
		driverutil.EndSessionsOp, driverutil.AggregateOp,
	} {
		if _, ok := ordered[name]; ok {
			return name
		}
	}
	for name := range ordered {
		return name
	}
	return ""
}
