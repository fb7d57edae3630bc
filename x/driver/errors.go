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

	"github.com/ikmak/docdriver/x/jsoncore"
)

// Error labels. The transport and the server tag errors with labels; the
// retry machinery classifies on them.
const (
	// NetworkError occurs when the operation failed at the transport level:
	// the server may or may not have received or executed the command.
	NetworkError = "NetworkError"
	// RetryableWriteError tags server errors that are safe to retry for
	// writes.
	RetryableWriteError = "RetryableWriteError"
	// NoWritesPerformed tags an error for which the server guarantees the
	// command performed no writes. Such errors carry less diagnostic value
	// than an earlier error from an attempt that may have touched data.
	NoWritesPerformed = "NoWritesPerformed"
	// TransientTransactionError tags transaction errors that may succeed on
	// a fresh transaction.
	TransientTransactionError = "TransientTransactionError"
	// UnknownTransactionCommitResult tags commit errors with an unknown
	// outcome.
	UnknownTransactionCommitResult = "UnknownTransactionCommitResult"
	// ResumableChangeStreamError tags errors after which a change stream may
	// transparently reopen.
	ResumableChangeStreamError = "ResumableChangeStreamError"
)

var (
	// ErrExhaustedRetries is returned when the retry loop runs out of
	// attempts without having captured a classified error. This should never
	// surface from a correct implementation and indicates a bug, not a
	// server condition.
	ErrExhaustedRetries = errors.New("retry attempts exhausted with no captured error")

	// ErrDeadlineWouldBeExceeded is returned when an attempt is not sent to
	// the server because the remaining deadline cannot survive a round trip.
	ErrDeadlineWouldBeExceeded = fmt.Errorf(
		"operation not sent to server, as the operation timeout would be exceeded: %w",
		context.DeadlineExceeded)

	// ErrRetryableWritesUnsupported is returned when a retryable write is
	// attempted against a deployment that does not support retryable writes.
	// This is a configuration error and is never retried.
	ErrRetryableWritesUnsupported = errors.New(
		"this deployment does not support retryable writes")

	// ErrCursorKilled is returned when a getMore finds the server-side cursor
	// gone.
	ErrCursorKilled = errors.New("cursor killed or timed out")
)

// Well-known server error codes the classifier consults.
const (
	codeInterruptedAtShutdown         int32 = 11600
	codeInterruptedDueToStateChange   int32 = 11602
	codeNotWritablePrimary            int32 = 10107
	codeNotPrimaryNoSecondaryOk       int32 = 13435
	codeNotPrimaryOrSecondary         int32 = 13436
	codePrimarySteppedDown            int32 = 189
	codeShutdownInProgress            int32 = 91
	codeHostNotFound                  int32 = 7
	codeHostUnreachable               int32 = 6
	codeNetworkTimeout                int32 = 89
	codeSocketException               int32 = 9001
	codeExceededTimeLimit             int32 = 262
	codeCursorNotFound                int32 = 43
	codeIllegalOperation              int32 = 20
	codeCappedPositionLost            int32 = 136
	codeChangeStreamHistoryLost       int32 = 286
	codeChangeStreamFatalInvalidation int32 = 280
)

var retryableCodes = []int32{
	codeInterruptedAtShutdown,
	codeInterruptedDueToStateChange,
	codeNotWritablePrimary,
	codeNotPrimaryNoSecondaryOk,
	codeNotPrimaryOrSecondary,
	codePrimarySteppedDown,
	codeShutdownInProgress,
	codeHostNotFound,
	codeHostUnreachable,
	codeNetworkTimeout,
	codeSocketException,
}

// labeledError is an error that can have error labels added to it.
type labeledError interface {
	error
	HasErrorLabel(string) bool
}

// Error is a command execution error from the server or the transport.
type Error struct {
	Code    int32
	Message string
	Labels  []string
	Name    string
	Wrapped error
	Raw     jsoncore.Document
}

// UnsupportedRetryableWrites returns true if the error is the legacy
// deployment signal that retryable writes are not configured server-side.
// This is a permanent configuration failure, never a transient one.
func (e Error) UnsupportedRetryableWrites() bool {
	return e.Code == codeIllegalOperation && strings.HasPrefix(e.Message, "Transaction numbers")
}

// Error implements the error interface.
func (e Error) Error() string {
	var msg string
	if e.Name != "" {
		msg = fmt.Sprintf("(%v)", e.Name)
	}
	if e.Message != "" {
		if msg != "" {
			msg += " "
		}
		msg += e.Message
	}
	if e.Wrapped != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.Wrapped
}

// HasErrorLabel returns true if the error contains the specified label.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NetworkError returns true if the error occurred at the transport level.
func (e Error) NetworkError() bool {
	return e.HasErrorLabel(NetworkError)
}

// RetryableRead returns true if the error is retryable for a read operation.
func (e Error) RetryableRead() bool {
	if e.HasErrorLabel(NetworkError) {
		return true
	}
	for _, code := range retryableCodes {
		if e.Code == code {
			return true
		}
	}
	return false
}

// RetryableWrite returns true if the error is retryable for a write
// operation.
func (e Error) RetryableWrite() bool {
	if e.HasErrorLabel(NetworkError) || e.HasErrorLabel(RetryableWriteError) {
		return true
	}
	if e.Code == codeExceededTimeLimit {
		return true
	}
	for _, code := range retryableCodes {
		if e.Code == code {
			return true
		}
	}
	return false
}

// NewNetworkError wraps a transport failure as a classified Error. Network
// errors are retryable for both reads and writes and carry the
// NoWritesPerformed label only when the transport can prove the command was
// never sent.
func NewNetworkError(wrapped error, extraLabels ...string) Error {
	labels := append([]string{NetworkError}, extraLabels...)
	msg := "network error"
	if wrapped != nil {
		msg = wrapped.Error()
	}
	return Error{
		Message: msg,
		Labels:  labels,
		Wrapped: wrapped,
	}
}

// serverResponse is the envelope every command response shares.
type serverResponse struct {
	OK          *float64 `json:"ok"`
	Code        int32    `json:"code"`
	CodeName    string   `json:"codeName"`
	ErrMsg      string   `json:"errmsg"`
	ErrorLabels []string `json:"errorLabels"`
}

// ExtractErrorFromServerResponse extracts an error from a server response
// document. Classification happens exactly once per failure, immediately
// after the failing call; no error is silently downgraded to success.
func ExtractErrorFromServerResponse(doc jsoncore.Document) error {
	if doc.IsZero() {
		return nil
	}

	var resp serverResponse
	if err := doc.Unmarshal(&resp); err != nil {
		return fmt.Errorf("malformed server response: %w", err)
	}

	if resp.OK == nil || *resp.OK == 1 {
		return nil
	}

	return Error{
		Code:    resp.Code,
		Message: resp.ErrMsg,
		Name:    resp.CodeName,
		Labels:  resp.ErrorLabels,
		Raw:     doc,
	}
}
