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
	"time"

	"github.com/ikmak/docdriver/docdb/address"
	"github.com/ikmak/docdriver/docdb/readpref"
	"github.com/ikmak/docdriver/event"
	"github.com/ikmak/docdriver/internal/csot"
	"github.com/ikmak/docdriver/internal/driverutil"
	"github.com/ikmak/docdriver/internal/logger"
	"github.com/ikmak/docdriver/internal/serverselector"
	"github.com/ikmak/docdriver/x/driver/description"
	"github.com/ikmak/docdriver/x/driver/session"
	"github.com/ikmak/docdriver/x/jsoncore"
)

const defaultLocalThreshold = 15 * time.Millisecond

var errDatabaseNameEmpty = errors.New("database name cannot be empty")

// InvalidOperationError is returned from Validate and indicates that a
// required field is missing from an instance of Operation.
type InvalidOperationError struct{ MissingField string }

func (err InvalidOperationError) Error() string {
	return "the " + err.MissingField + " field must be set on Operation"
}

// ResponseInfo contains the context required to parse a server response.
type ResponseInfo struct {
	Server                Server
	ConnectionDescription description.Server
	CurrentIndex          int
	Error                 error
}

// Operation is used to execute a command. It handles server selection,
// session resolution, attempt dispatch, and retries. The transport round
// trip itself happens behind the Server interface.
type Operation struct {
	// CommandFn builds the command body for one attempt against the selected
	// server. When batching is enabled the documents for this attempt are
	// passed in; otherwise batch is nil.
	CommandFn func(desc description.SelectedServer, batch []jsoncore.Document) (jsoncore.Document, error)

	// ProcessResponseFn is called after a response for the operation is
	// returned. The server response and any error that occurred during the
	// operation are forwarded.
	ProcessResponseFn func(ctx context.Context, resp jsoncore.Document, info ResponseInfo) error

	// Deployment is the deployment to select a server from for
	// this operation.
	Deployment Deployment

	// Selector is the server selector used during selection. If it is nil, a
	// default selector is constructed from ReadPreference.
	Selector description.ServerSelector

	// ReadPreference is the read preference used when selecting a server and
	// routing the command.
	ReadPreference *readpref.ReadPref

	// Client is the session used with this operation. This can be either an
	// implicit or explicit session. May be nil.
	Client *session.Client

	// Clock is the cluster clock to advance with any cluster time observed
	// in responses.
	Clock *session.ClusterClock

	// RetryMode specifies how to retry. If nil, the operation is never
	// retried.
	RetryMode *RetryMode

	// Type specifies if this is a read or write operation. Retry eligibility
	// depends on it.
	Type Type

	// Batches contains the documents to split across attempts for write
	// operations that accept multiple documents. May be nil.
	Batches *Batches

	// BatchLimit is the maximum number of documents per command when
	// Batches is set. Zero means no per-command limit.
	BatchLimit int

	// Timeout is the amount of time this operation can run before returning
	// a timeout error. A client-level timeout on the context takes
	// precedence.
	Timeout *time.Duration

	// CursorCreating marks operations that establish a server-side cursor.
	// A network error on such an operation force-unpins the session, since
	// the cursor's fate on the server is unknown.
	CursorCreating bool

	// OmitMaxTimeMS omits the automatically calculated maxTimeMS.
	OmitMaxTimeMS bool

	// Logger, if set, receives command started/succeeded/failed messages at
	// debug level.
	Logger *logger.Logger

	// CommandMonitor, if set, receives command events.
	CommandMonitor *event.CommandMonitor

	// Name is the name of the command this operation runs.
	Name string

	// Database is the database the command runs against.
	Database string
}

// filterDeprioritizedServers will filter out the server candidates that have
// been deprioritized by the operation due to failure.
//
// The server selector should try to select a server that is not in the
// deprioritization list. However, if this is not possible (e.g. there are no
// other healthy servers in the cluster), the selector may return a
// deprioritized server.
func filterDeprioritizedServers(candidates, deprioritized []description.Server) []description.Server {
	if len(deprioritized) == 0 {
		return candidates
	}

	dpaSet := make(map[address.Address]*description.Server)
	for i, srv := range deprioritized {
		dpaSet[srv.Addr] = &deprioritized[i]
	}

	allowed := []description.Server{}

	for _, candidate := range candidates {
		if srv, ok := dpaSet[candidate.Addr]; !ok || !srv.Equal(candidate) {
			allowed = append(allowed, candidate)
		}
	}

	// If nothing is allowed, then all available servers must have been
	// deprioritized. In this case, return the candidates list as-is so that
	// the selector can find a suitable server.
	if len(allowed) == 0 {
		return candidates
	}

	return allowed
}

// opServerSelector is a wrapper for the server selector that is assigned to
// the operation. The purpose of this wrapper is to filter candidates with
// operation-specific logic, such as deprioritizing failing servers.
type opServerSelector struct {
	selector             description.ServerSelector
	deprioritizedServers []description.Server
}

// SelectServer will filter candidates with operation-specific logic before
// passing them onto the user-defined or default selector.
func (oss *opServerSelector) SelectServer(
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	selectedServers, err := oss.selector.SelectServer(topo, candidates)
	if err != nil {
		return nil, err
	}

	return filterDeprioritizedServers(selectedServers, oss.deprioritizedServers), nil
}

// selectServer handles performing server selection for an operation.
func (op Operation) selectServer(
	ctx context.Context,
	deprioritized []description.Server,
) (Server, error) {
	selector := op.Selector
	if selector == nil {
		rp := op.ReadPreference
		if rp == nil {
			rp = readpref.Primary()
		}

		selector = &serverselector.Composite{
			Selectors: []description.ServerSelector{
				&serverselector.ReadPref{ReadPref: rp},
				&serverselector.Latency{Latency: defaultLocalThreshold},
			},
		}
	}

	// A session pinned to a server targets that server for as long as the
	// pin holds, regardless of the operation's own selector.
	if op.Client != nil {
		if pinned := op.Client.PinnedServer(); pinned != nil {
			addr := pinned.Addr
			selector = serverselector.Func(func(
				_ description.Topology,
				candidates []description.Server,
			) ([]description.Server, error) {
				matched := make([]description.Server, 0, 1)
				for _, candidate := range candidates {
					if candidate.Addr == addr {
						matched = append(matched, candidate)
					}
				}
				return matched, nil
			})
		}
	}

	oss := &opServerSelector{
		selector:             selector,
		deprioritizedServers: deprioritized,
	}

	return op.Deployment.SelectServer(ctx, oss)
}

// getServer selects a server for one attempt, bounding selection with the
// deployment's server selection timeout.
func (op Operation) getServer(
	ctx context.Context,
	deprioritized []description.Server,
) (Server, error) {
	ctx, cancel := csot.WithServerSelectionTimeout(ctx, op.Deployment.ServerSelectionTimeout())
	defer cancel()

	server, err := op.selectServer(ctx, deprioritized)
	if err != nil {
		if op.Client != nil && op.Client.TransactionRunning() {
			err = Error{
				Message: err.Error(),
				Labels:  []string{TransientTransactionError},
				Wrapped: err,
			}
		}
		return nil, err
	}

	return server, nil
}

// Validate validates this operation, ensuring the fields are set properly.
func (op Operation) Validate() error {
	if op.CommandFn == nil {
		return InvalidOperationError{MissingField: "CommandFn"}
	}
	if op.Deployment == nil {
		return InvalidOperationError{MissingField: "Deployment"}
	}
	if op.Database == "" {
		return errDatabaseNameEmpty
	}
	return nil
}

// Execute runs this operation.
func (op Operation) Execute(ctx context.Context) error {
	err := op.Validate()
	if err != nil {
		return err
	}

	ctx, cancel := csot.WithTimeout(ctx, op.Timeout)
	defer cancel()

	if op.Client != nil {
		if err := op.Client.UpdateUseTime(); err != nil {
			return err
		}
	}

	var retries int
	if op.RetryMode != nil {
		switch op.Type {
		case Write:
			if op.Client == nil {
				break
			}
			switch *op.RetryMode {
			case RetryOnce, RetryOncePerCommand:
				retries = 1
			case RetryContext:
				retries = -1
			}
		case Read:
			switch *op.RetryMode {
			case RetryOnce, RetryOncePerCommand:
				retries = 1
			case RetryContext:
				retries = -1
			}
		}

		// If context is a Timeout context, automatically set retries to -1
		// (infinite) if retrying is enabled.
		if csot.IsTimeoutContext(ctx) && op.RetryMode.Enabled() {
			retries = -1
		}
	}

	var srvr Server
	var res jsoncore.Document
	var prevErr error
	var prevIndefiniteErr error
	retrySupported := false
	first := true
	currIndex := 0

	// deprioritizedServers are a running list of servers that should be
	// deprioritized during server selection. Only the previous server is
	// ever deprioritized.
	var deprioritizedServers []description.Server

	// resetForRetry records the error that caused the retry, decrements
	// retries, and resets the retry loop variables to request a new server
	// for the next attempt.
	resetForRetry := func(err error) {
		retries--
		prevErr = err

		// Set the previous indefinite error to be returned in any case where
		// a retryable write error does not have a NoWritesPerformed label
		// (the definite case).
		if lerr, ok := err.(labeledError); ok {
			// If the "prevIndefiniteErr" is nil, then the current error is
			// the first error encountered during the retry attempt cycle. We
			// must persist the first error in the case where all following
			// errors are labeled "NoWritesPerformed", which would otherwise
			// raise nil as the error.
			if prevIndefiniteErr == nil {
				prevIndefiniteErr = lerr
			}

			// If the error is not labeled NoWritesPerformed and is
			// retryable, then set the previous indefinite error to be the
			// current error.
			if !lerr.HasErrorLabel(NoWritesPerformed) && lerr.HasErrorLabel(RetryableWriteError) {
				prevIndefiniteErr = err
			}
		}

		if srvr != nil {
			// If we are dealing with a sharded cluster, then mark the failed
			// server as "deprioritized".
			if op.Deployment.Kind() == description.TopologyKindSharded {
				deprioritizedServers = []description.Server{srvr.Description()}
			}
		}

		// Request a new server for the next attempt.
		srvr = nil
	}

	for {
		// If we're starting a retry and the error from the previous try was
		// a context canceled or deadline exceeded error, stop retrying and
		// return that error.
		if errors.Is(prevErr, context.Canceled) || errors.Is(prevErr, context.DeadlineExceeded) {
			return prevErr
		}

		requestID := NextRequestID()

		if srvr == nil {
			srvr, err = op.getServer(ctx, deprioritizedServers)
			if err != nil {
				// Server selection failures are never retried; the previous
				// attempt's error, if any, describes the operation better
				// than the selection failure does.
				if prevErr != nil {
					return prevErr
				}
				return err
			}

			// A retried write carries a transaction number. A newly selected
			// server that cannot honor retryable writes must not execute the
			// command with degraded semantics.
			if !first && retrySupported && op.Type == Write && !retryWritesSupported(srvr.Description()) {
				if prevErr != nil {
					return prevErr
				}
				return ErrRetryableWritesUnsupported
			}
		}

		// Run steps that must only be run on the first attempt, but not
		// again for retries.
		if first {
			// Determine if retries are supported for the current operation
			// on the current server description. Only determine this for the
			// first server selected: if the server selected for the first
			// attempt of a retryable write does not support retryable
			// writes, the write executes as if retryable writes were not
			// enabled.
			retrySupported = op.retryable(srvr.Description())

			// If retries are supported for the current operation on the
			// current server description, client retries are enabled, and
			// the operation type is write, increment the txn number exactly
			// once. Incrementing for server descriptions or topologies that
			// do not support retries (e.g. standalone topologies) will cause
			// server errors. Only do this check for the first attempt to
			// keep retried writes in the same transaction.
			retryEnabled := op.RetryMode != nil && op.RetryMode.Enabled()
			if retrySupported && op.Type == Write && retryEnabled && op.Client != nil {
				op.Client.IncrementTxnNumber()
			}

			first = false
		}

		// Calculate maxTimeMS value to potentially be attached to the
		// request.
		maxTimeMS, err := op.calculateMaxTimeMS(ctx, srvr.RTTMonitor().Min(), srvr.RTTMonitor().Stats())
		if err != nil {
			return err
		}

		desc := description.SelectedServer{
			Server: srvr.Description(),
			Kind:   op.Deployment.Kind(),
		}

		var batch []jsoncore.Document
		processedBatches := 0
		if op.Batches != nil {
			processedBatches, batch, err = op.Batches.NextBatch(op.BatchLimit, 0)
			if err != nil {
				return err
			}
		}

		cmd, err := op.CommandFn(desc, batch)
		if err != nil {
			return err
		}

		req := &Request{
			Name:           op.Name,
			Database:       op.Database,
			Command:        cmd,
			ReadPreference: op.ReadPreference,
			Session:        op.Client,
			MaxTimeMS:      maxTimeMS,
			RequestID:      requestID,
		}
		retryEnabled := op.RetryMode != nil && op.RetryMode.Enabled()

		op.publishStartedEvent(ctx, req, desc)

		startedTime := time.Now()

		// Check for a possible context error. If there is no context error,
		// check if there's enough time to perform a round trip before the
		// context deadline, using the minimum observed RTT as a threshold.
		if ctx.Err() != nil {
			err = ctx.Err()
		} else if deadline, ok := ctx.Deadline(); ok {
			if time.Now().Add(srvr.RTTMonitor().Min()).After(deadline) {
				err = fmt.Errorf("%w: %v", ErrDeadlineWouldBeExceeded, srvr.RTTMonitor().Stats())
			}
		}

		if err == nil {
			res, err = srvr.Execute(ctx, req)
			if err == nil {
				err = ExtractErrorFromServerResponse(res)
			}
		}

		op.publishFinishedEvent(ctx, req, desc, res, err, time.Since(startedTime))

		// prevIndefiniteErrIsSet is "true" if the "err" variable has been
		// set to the "prevIndefiniteErr" in a case in the switch statement
		// below.
		var prevIndefiniteErrIsSet bool

	checkError:
		switch tt := err.(type) {
		case Error:
			if op.Client != nil &&
				(tt.HasErrorLabel(TransientTransactionError) || tt.HasErrorLabel(UnknownTransactionCommitResult)) {
				if err := op.Client.UnpinServer(true); err != nil {
					return err
				}
			}

			if tt.NetworkError() && op.Client != nil {
				// The session may have state on a server that never saw the
				// command complete.
				op.Client.MarkDirty()

				// A cursor-creating operation that fails with a network
				// error leaves the cursor's existence unknown. Holding the
				// pin would leak it, so release it unless a transaction is
				// running.
				if op.CursorCreating && op.Client.PinnedServer() != nil && !op.Client.TransactionRunning() {
					if err := op.Client.UnpinServer(true); err != nil {
						return err
					}
				}
			}

			if retrySupported && op.Type == Write && tt.UnsupportedRetryableWrites() {
				return ErrRetryableWritesUnsupported
			}

			connDesc := srvr.Description()
			var retryableErr bool
			if op.Type == Write {
				retryableErr = tt.RetryableWrite()
				preRetryWriteLabelVersion := connDesc.WireVersion != nil && connDesc.WireVersion.Max < 9
				inTransaction := op.Client != nil && op.Client.TransactionRunning()
				// If retryWrites is enabled and the operation isn't in a
				// transaction, add a RetryableWriteError label for network
				// errors and retryable errors from servers that predate
				// server-attached labels.
				if retryEnabled && !inTransaction &&
					(tt.HasErrorLabel(NetworkError) || (retryableErr && preRetryWriteLabelVersion)) {
					tt.Labels = append(tt.Labels, RetryableWriteError)
				}
			} else {
				retryableErr = tt.RetryableRead()
			}

			// If retries are supported for the current operation on the
			// first server description, the error is considered retryable,
			// and there are retries remaining (negative retries means retry
			// indefinitely), then retry the operation.
			if retrySupported && retryEnabled && retryableErr && retries != 0 {
				resetForRetry(tt)
				continue
			}

			// If the error is no longer retryable and has the
			// NoWritesPerformed label, then we should set the error to the
			// "previous indefinite error" unless the current error is
			// already the "previous indefinite error". After resetting,
			// repeat the error check. An operation that observed an error
			// must never report success, so a missing previous error
			// surfaces as an invariant fault.
			if tt.HasErrorLabel(NoWritesPerformed) && !prevIndefiniteErrIsSet {
				err = prevIndefiniteErr
				if err == nil {
					err = ErrExhaustedRetries
				}
				prevIndefiniteErrIsSet = true

				goto checkError
			}

			// If the operation isn't being retried, process the response.
			if op.ProcessResponseFn != nil {
				info := ResponseInfo{
					Server:                srvr,
					ConnectionDescription: desc.Server,
					CurrentIndex:          currIndex,
					Error:                 tt,
				}
				_ = op.ProcessResponseFn(ctx, res, info)
			}

			return tt
		case nil:
			op.updateClusterTimes(res)
			op.updateOperationTime(res)

			if op.ProcessResponseFn != nil {
				info := ResponseInfo{
					Server:                srvr,
					ConnectionDescription: desc.Server,
					CurrentIndex:          currIndex,
				}
				if perr := op.ProcessResponseFn(ctx, res, info); perr != nil {
					return perr
				}
			}
		default:
			if op.ProcessResponseFn != nil {
				info := ResponseInfo{
					Server:                srvr,
					ConnectionDescription: desc.Server,
					CurrentIndex:          currIndex,
					Error:                 tt,
				}
				_ = op.ProcessResponseFn(ctx, res, info)
			}
			return err
		}

		// If we're batching and there are batches remaining, advance to the
		// next batch. This isn't a retry, so increment the transaction
		// number, reset the retries number, and keep the same server.
		if op.Batches != nil && op.Batches.Size() > processedBatches {
			if retrySupported && op.Client != nil && retryEnabled {
				op.Client.IncrementTxnNumber()

				// Reset the retries number for RetryOncePerCommand unless
				// context is a Timeout context, in which case retries should
				// remain as -1 (as many times as possible).
				if *op.RetryMode == RetryOncePerCommand && !csot.IsTimeoutContext(ctx) {
					retries = 1
				}
			}
			currIndex += processedBatches
			op.Batches.AdvanceBatches(processedBatches)
			continue
		}
		break
	}
	return nil
}

// Retryable writes are supported if the server supports sessions and the
// operation is not within a transaction.
func (op Operation) retryable(desc description.Server) bool {
	switch op.Type {
	case Write:
		if retryWritesSupported(desc) &&
			op.Client != nil && !(op.Client.TransactionInProgress() || op.Client.TransactionStarting()) {
			return true
		}
	case Read:
		if op.Client == nil || !(op.Client.TransactionInProgress() || op.Client.TransactionStarting()) {
			return true
		}
	}
	return false
}

// calculateMaxTimeMS calculates the value of the 'maxTimeMS' field to
// potentially attach to the request based on the current context's deadline
// and the minimum RTT if the ctx is a Timeout context. If the context is not
// a Timeout context, calculateMaxTimeMS returns 0.
func (op Operation) calculateMaxTimeMS(ctx context.Context, rttMin time.Duration, rttStats string) (int64, error) {
	if op.OmitMaxTimeMS {
		return 0, nil
	}

	maxTimeMS, ok := driverutil.CalculateMaxTimeMS(ctx, rttMin)
	if !ok && maxTimeMS <= 0 {
		return 0, fmt.Errorf(
			"calculated server-side timeout (%v ms) is less than or equal to 0 (%v): %w",
			maxTimeMS,
			rttStats,
			ErrDeadlineWouldBeExceeded)
	}

	return maxTimeMS, nil
}

// updateClusterTimes updates the cluster times for the session and cluster
// clock attached to this operation. While the session's AdvanceClusterTime
// may return an error, this method does not because an error being returned
// from this method will not be returned further up.
func (op Operation) updateClusterTimes(response jsoncore.Document) {
	value, err := response.Lookup("$clusterTime")
	if err != nil {
		// $clusterTime not included by the server
		return
	}
	clusterTime := jsoncore.NewDocument(map[string]jsoncore.Document{"$clusterTime": value})

	if sess := op.Client; sess != nil {
		_ = sess.AdvanceClusterTime(clusterTime)
	}

	if clock := op.Clock; clock != nil {
		clock.AdvanceClusterTime(clusterTime)
	}
}

// updateOperationTime updates the operation time on the session attached to
// this operation. While the session's AdvanceOperationTime method may return
// an error, this method does not because an error being returned from this
// method will not be returned further up.
func (op Operation) updateOperationTime(response jsoncore.Document) {
	sess := op.Client
	if sess == nil {
		return
	}

	opTime, err := response.Lookup("operationTime")
	if err != nil {
		// operationTime not included by the server
		return
	}

	_ = sess.AdvanceOperationTime(opTime)
}

func (op Operation) canLogCommandMessage() bool {
	return op.Logger != nil && op.Logger.Is(logger.LevelDebug, logger.ComponentCommand)
}

// publishStartedEvent publishes a CommandStartedEvent to the operation's
// command monitor if possible. If started events are not being monitored, no
// events are published.
func (op Operation) publishStartedEvent(ctx context.Context, req *Request, desc description.SelectedServer) {
	if op.canLogCommandMessage() {
		op.Logger.Print(logger.LevelDebug,
			logger.ComponentCommand,
			"Command started",
			"commandName", req.Name,
			"databaseName", op.Database,
			"requestID", int64(req.RequestID),
			"serverHost", desc.Server.Addr.String(),
			"command", req.Command.String())
	}

	if op.CommandMonitor != nil && op.CommandMonitor.Started != nil {
		op.CommandMonitor.Started(ctx, &event.CommandStartedEvent{
			Command:       req.Command,
			DatabaseName:  op.Database,
			CommandName:   req.Name,
			RequestID:     int64(req.RequestID),
			ServerAddress: desc.Server.Addr,
		})
	}
}

// publishFinishedEvent publishes either a CommandSucceededEvent or a
// CommandFailedEvent to the operation's command monitor if possible. If
// success/failure events aren't being monitored, no events are published.
func (op Operation) publishFinishedEvent(
	ctx context.Context,
	req *Request,
	desc description.SelectedServer,
	res jsoncore.Document,
	cmdErr error,
	duration time.Duration,
) {
	if op.canLogCommandMessage() {
		if cmdErr == nil {
			op.Logger.Print(logger.LevelDebug,
				logger.ComponentCommand,
				"Command succeeded",
				"commandName", req.Name,
				"databaseName", op.Database,
				"requestID", int64(req.RequestID),
				"serverHost", desc.Server.Addr.String(),
				"durationMS", duration.Milliseconds(),
				"reply", res.String())
		} else {
			op.Logger.Print(logger.LevelDebug,
				logger.ComponentCommand,
				"Command failed",
				"commandName", req.Name,
				"databaseName", op.Database,
				"requestID", int64(req.RequestID),
				"serverHost", desc.Server.Addr.String(),
				"durationMS", duration.Milliseconds(),
				"failure", cmdErr.Error())
		}
	}

	if op.CommandMonitor == nil {
		return
	}

	finished := event.CommandFinishedEvent{
		Duration:      duration,
		CommandName:   req.Name,
		RequestID:     int64(req.RequestID),
		ServerAddress: desc.Server.Addr,
	}

	if cmdErr == nil {
		if op.CommandMonitor.Succeeded != nil {
			op.CommandMonitor.Succeeded(ctx, &event.CommandSucceededEvent{
				CommandFinishedEvent: finished,
				Reply:                res,
			})
		}
		return
	}

	if op.CommandMonitor.Failed != nil {
		op.CommandMonitor.Failed(ctx, &event.CommandFailedEvent{
			CommandFinishedEvent: finished,
			Failure:              cmdErr,
		})
	}
}
