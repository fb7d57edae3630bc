// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package docdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/ikmak/docdriver/x/driver"
)

// ErrMissingResumeToken indicates that a change stream notification from the
// server did not contain a resume token.
var ErrMissingResumeToken = errors.New("cannot provide resume functionality when the resume token is missing")

// CommandError represents a server error during execution of a command. This
// can be returned by any operation.
type CommandError struct {
	Code    int32
	Message string
	Labels  []string
	Name    string
	Wrapped error
}

// Error implements the error interface.
func (e CommandError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%v) %v", e.Name, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e CommandError) Unwrap() error {
	return e.Wrapped
}

// HasErrorLabel returns true if the error contains the specified label.
func (e CommandError) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsNetworkError returns true if the command failed at the transport level.
func (e CommandError) IsNetworkError() bool {
	return e.HasErrorLabel(driver.NetworkError)
}

// replaceErrors converts execution-layer errors into their user-facing
// equivalents. Context and sentinel errors pass through unchanged so callers
// can match them with errors.Is.
func replaceErrors(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var de driver.Error
	if errors.As(err, &de) {
		return CommandError{
			Code:    de.Code,
			Message: de.Message,
			Labels:  de.Labels,
			Name:    de.Name,
			Wrapped: de.Wrapped,
		}
	}

	return err
}
