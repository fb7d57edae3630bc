// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package event contains the types for command monitoring events.
package event // import "github.com/ikmak/docdriver/event"

import (
	"context"
	"time"

	"github.com/ikmak/docdriver/docdb/address"
	"github.com/ikmak/docdriver/x/jsoncore"
)

// CommandStartedEvent represents an event generated when a command is sent to
// a server.
type CommandStartedEvent struct {
	Command       jsoncore.Document
	DatabaseName  string
	CommandName   string
	RequestID     int64
	ServerAddress address.Address
}

// CommandFinishedEvent represents a generic command finishing.
type CommandFinishedEvent struct {
	Duration      time.Duration
	CommandName   string
	RequestID     int64
	ServerAddress address.Address
}

// CommandSucceededEvent represents an event generated when a command's
// execution succeeds.
type CommandSucceededEvent struct {
	CommandFinishedEvent
	Reply jsoncore.Document
}

// CommandFailedEvent represents an event generated when a command's execution
// fails.
type CommandFailedEvent struct {
	CommandFinishedEvent
	Failure error
}

// CommandMonitor represents a monitor that is triggered for different events.
type CommandMonitor struct {
	Started   func(context.Context, *CommandStartedEvent)
	Succeeded func(context.Context, *CommandSucceededEvent)
	Failed    func(context.Context, *CommandFailedEvent)
}
