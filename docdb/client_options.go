// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package docdb

import (
	"time"

	"github.com/ikmak/docdriver/docdb/readpref"
	"github.com/ikmak/docdriver/event"
	"github.com/ikmak/docdriver/internal/logger"
	"github.com/ikmak/docdriver/x/driver"
)

// ClientOptions contains options to configure a Client. Each option can be
// set through setter functions. Setter functions validate nothing; Connect
// validates the assembled options.
type ClientOptions struct {
	// Deployment is the deployment the client executes operations against.
	// The transport collaborator constructs it (typically a
	// *topology.Topology); tests inject scripted deployments.
	Deployment driver.Deployment

	RetryWrites        *bool
	RetryReads         *bool
	Timeout            *time.Duration
	ReadPreference     *readpref.ReadPref
	Monitor            *event.CommandMonitor
	LogSink            logger.LogSink
	LogComponentLevels map[logger.Component]logger.Level
}

// NewClientOptions creates a new ClientOptions instance.
func NewClientOptions() *ClientOptions {
	return &ClientOptions{}
}

// SetDeployment specifies the deployment to execute operations against.
func (c *ClientOptions) SetDeployment(d driver.Deployment) *ClientOptions {
	c.Deployment = d
	return c
}

// SetRetryWrites specifies whether supported write operations should be
// retried once on certain errors, such as network errors. The default is
// true.
func (c *ClientOptions) SetRetryWrites(rw bool) *ClientOptions {
	c.RetryWrites = &rw
	return c
}

// SetRetryReads specifies whether supported read operations should be
// retried once on certain errors, such as network errors. The default is
// true.
func (c *ClientOptions) SetRetryReads(rr bool) *ClientOptions {
	c.RetryReads = &rr
	return c
}

// SetTimeout specifies the amount of time that a single operation run on
// this Client can execute before returning an error. While an operation is
// under this budget, retrying continues instead of being bounded to a single
// retry.
func (c *ClientOptions) SetTimeout(d time.Duration) *ClientOptions {
	c.Timeout = &d
	return c
}

// SetReadPreference specifies the client-level read preference, used for
// operations that do not set their own.
func (c *ClientOptions) SetReadPreference(rp *readpref.ReadPref) *ClientOptions {
	c.ReadPreference = rp
	return c
}

// SetMonitor specifies a CommandMonitor to receive command events.
func (c *ClientOptions) SetMonitor(m *event.CommandMonitor) *ClientOptions {
	c.Monitor = m
	return c
}

// SetLogSink specifies the sink log messages are written to. Component
// levels come from SetLogComponentLevel and the environment.
func (c *ClientOptions) SetLogSink(sink logger.LogSink) *ClientOptions {
	c.LogSink = sink
	return c
}

// SetLogComponentLevel sets the log level for a component.
func (c *ClientOptions) SetLogComponentLevel(component logger.Component, level logger.Level) *ClientOptions {
	if c.LogComponentLevels == nil {
		c.LogComponentLevels = make(map[logger.Component]logger.Level)
	}
	c.LogComponentLevels[component] = level
	return c
}
