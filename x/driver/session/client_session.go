// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements logical sessions: the causally consistent or
// transactional context an operation executes in. Implicit sessions are
// created and ended by the operation executor; explicit sessions are owned by
// the caller and outlive individual operations.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/ikmak/docdriver/x/driver/description"
	"github.com/ikmak/docdriver/x/jsoncore"
)

// Type describes the type of the session.
type Type uint8

// These constants are the valid types for a client session.
const (
	// Explicit sessions are started by the application and must be ended by
	// it as well.
	Explicit Type = iota
	// Implicit sessions are checked out of the pool for a single operation
	// and returned when the operation finishes.
	Implicit
)

// TransactionState indicates the state of the session's transaction, if any.
type TransactionState uint8

// Client session states
const (
	None TransactionState = iota
	Starting
	InProgress
	Committed
	Aborted
)

// String implements the fmt.Stringer interface.
func (s TransactionState) String() string {
	switch s {
	case None:
		return "none"
	case Starting:
		return "starting"
	case InProgress:
		return "in progress"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Session lifecycle errors.
var (
	// ErrSessionEnded is returned when a client session is used after a call
	// to endSession().
	ErrSessionEnded = errors.New("ended session was used")

	// ErrUnpinNotAllowed is returned when an operation attempts to unpin a
	// session while a transaction is running, without forcing the unpin.
	ErrUnpinNotAllowed = errors.New("cannot unpin a session with a running transaction")

	// ErrTransactionStarted is returned if a transaction is started while the
	// session already has one running.
	ErrTransactionStarted = errors.New("transaction already in progress")

	// ErrNoTransaction is returned if a transaction operation is run with no
	// transaction started.
	ErrNoTransaction = errors.New("no transaction started")
)

// Client is a session for clients to run operations in.
type Client struct {
	// ClientID identifies the docdb.Client that created this session. An
	// explicit session may only be used with the client that owns it.
	ClientID uuid.UUID

	ClusterTime   jsoncore.Document
	OperationTime jsoncore.Document
	SessionType   Type
	Terminated    bool

	// The server session and pool this client session draws from.
	Server *ServerSession
	pool   *Pool

	mu           sync.Mutex
	state        TransactionState
	pinnedServer *description.Server
}

// NewClientSession creates a Client from the given pool. The clientID ties
// the session to its owning client for later validation.
func NewClientSession(pool *Pool, clientID uuid.UUID, sessionType Type) (*Client, error) {
	servSess, err := pool.GetSession()
	if err != nil {
		return nil, err
	}

	return &Client{
		ClientID:    clientID,
		SessionType: sessionType,
		Server:      servSess,
		pool:        pool,
	}, nil
}

// SessionID returns the server session ID backing this session.
func (c *Client) SessionID() uuid.UUID {
	return c.Server.SessionID
}

// IsImplicit reports whether the session is owned by the executor rather than
// the application.
func (c *Client) IsImplicit() bool {
	return c.SessionType == Implicit
}

// TxnNumber returns the session's current transaction number.
func (c *Client) TxnNumber() int64 {
	return c.Server.txnNumber()
}

// IncrementTxnNumber increments the transaction number. This must be called
// exactly once per retryable write command, when retry eligibility is
// confirmed and before the first attempt - never once per attempt.
func (c *Client) IncrementTxnNumber() {
	c.Server.incrementTxnNumber()
}

// UpdateUseTime sets the session's last used time to the current time. This
// must be called whenever the session is used to send a command to the
// server.
func (c *Client) UpdateUseTime() error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.Server.updateUseTime()
	return nil
}

// MarkDirty marks the underlying server session as unfit for reuse. Called
// after a network error so the pool discards it.
func (c *Client) MarkDirty() {
	c.Server.Dirty = true
}

// AdvanceClusterTime updates the session's cluster time.
func (c *Client) AdvanceClusterTime(clusterTime jsoncore.Document) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.ClusterTime = MaxClusterTime(c.ClusterTime, clusterTime)
	return nil
}

// AdvanceOperationTime updates the session's operation time. Operation times
// are opaque monotone markers; the newest reported one wins.
func (c *Client) AdvanceOperationTime(opTime jsoncore.Document) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	if !opTime.IsZero() {
		c.OperationTime = opTime
	}
	return nil
}

// EndSession ends the session and returns the server session to the pool.
// Calling EndSession more than once is a no-op.
func (c *Client) EndSession() {
	if c.Terminated {
		return
	}

	c.Terminated = true
	c.pool.ReturnSession(c.Server)
}

// PinServer pins the session to the given server. Pinning is required when
// server-side state, such as an open cursor, exists only on that server.
func (c *Client) PinServer(desc *description.Server) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinnedServer = desc
	return nil
}

// PinnedServer returns the server description the session is pinned to, or
// nil.
func (c *Client) PinnedServer() *description.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinnedServer
}

// UnpinServer clears the session's pinned server. Unless force is true, the
// unpin is refused while a transaction is running; a forced unpin is used
// when a pinned-but-broken server must not be reused.
func (c *Client) UnpinServer(force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && (c.state == Starting || c.state == InProgress) {
		return ErrUnpinNotAllowed
	}
	c.pinnedServer = nil
	return nil
}

// StartTransaction initializes the transaction state.
func (c *Client) StartTransaction() error {
	if c.Terminated {
		return ErrSessionEnded
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Starting || c.state == InProgress {
		return ErrTransactionStarted
	}

	c.Server.incrementTxnNumber()
	c.state = Starting
	return nil
}

// AdvanceTransactionState moves a started transaction to in-progress. The
// executor calls this after the first command in a transaction runs.
func (c *Client) AdvanceTransactionState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Starting {
		c.state = InProgress
	}
}

// CommitTransaction updates the state for a committed transaction.
func (c *Client) CommitTransaction() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Starting && c.state != InProgress {
		return ErrNoTransaction
	}
	c.state = Committed
	c.pinnedServer = nil
	return nil
}

// AbortTransaction updates the state for an aborted transaction.
func (c *Client) AbortTransaction() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Starting && c.state != InProgress {
		return ErrNoTransaction
	}
	c.state = Aborted
	c.pinnedServer = nil
	return nil
}

// TransactionState returns the session's current transaction state.
func (c *Client) TransactionState() TransactionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TransactionStarting returns whether the session is starting a transaction.
func (c *Client) TransactionStarting() bool {
	return c.TransactionState() == Starting
}

// TransactionInProgress returns whether the session has a transaction in
// progress.
func (c *Client) TransactionInProgress() bool {
	return c.TransactionState() == InProgress
}

// TransactionRunning returns whether the session has a running transaction,
// i.e. one that is starting or in progress.
func (c *Client) TransactionRunning() bool {
	state := c.TransactionState()
	return state == Starting || state == InProgress
}
