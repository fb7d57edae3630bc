// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package drivertest provides scripted implementations of the driver's
// Deployment, Server, and Transport interfaces for testing the execution
// core without a real deployment behind it.
package drivertest

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ikmak/docdriver/docdb/address"
	"github.com/ikmak/docdriver/internal/csot"
	"github.com/ikmak/docdriver/x/driver"
	"github.com/ikmak/docdriver/x/driver/description"
	"github.com/ikmak/docdriver/x/jsoncore"
)

const (
	serverAddress                = address.Address("localhost:27017")
	sessionTimeoutMinutes uint32 = 30
)

// MockDescription is the server description used for the mock deployment.
var MockDescription = description.Server{
	Addr:                  serverAddress,
	SessionTimeoutMinutes: sessionTimeoutMinutes,
	Kind:                  description.ServerKindRSPrimary,
	WireVersion: &description.VersionRange{
		Max: 21,
	},
}

// response is one scripted reply: either a document or an error.
type response struct {
	doc jsoncore.Document
	err error
}

// MockDeployment implements driver.Deployment and driver.Server backed by a
// queue of scripted responses. It records every request it executes and
// every server selection made against it.
type MockDeployment struct {
	mu        sync.Mutex
	responses []response
	desc      description.Server

	// Requests holds every request executed against the deployment, in
	// order.
	Requests []*driver.Request

	// Selections counts SelectServer calls.
	Selections int
}

var _ driver.Deployment = (*MockDeployment)(nil)
var _ driver.Server = (*MockDeployment)(nil)

// NewMockDeployment returns a MockDeployment with the standard mock server
// description.
func NewMockDeployment() *MockDeployment {
	return &MockDeployment{desc: MockDescription}
}

// NewMockDeploymentWithDescription returns a MockDeployment whose single
// server reports the given description.
func NewMockDeploymentWithDescription(desc description.Server) *MockDeployment {
	return &MockDeployment{desc: desc}
}

// AddResponses adds responses to be returned by subsequent Execute calls.
func (md *MockDeployment) AddResponses(responses ...jsoncore.Document) {
	md.mu.Lock()
	defer md.mu.Unlock()

	for _, doc := range responses {
		md.responses = append(md.responses, response{doc: doc})
	}
}

// AddErrors adds errors to be returned by subsequent Execute calls.
func (md *MockDeployment) AddErrors(errs ...error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	for _, err := range errs {
		md.responses = append(md.responses, response{err: err})
	}
}

// ClearResponses clears all remaining scripted responses.
func (md *MockDeployment) ClearResponses() {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.responses = md.responses[:0]
}

// SelectServer implements the Deployment interface. This method does not use
// the provided selector and returns the deployment itself.
func (md *MockDeployment) SelectServer(context.Context, description.ServerSelector) (driver.Server, error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.Selections++
	return md, nil
}

// Kind implements the Deployment interface. It always returns
// description.TopologyKindSingle.
func (md *MockDeployment) Kind() description.TopologyKind {
	return description.TopologyKindSingle
}

// ServerSelectionTimeout implements the Deployment interface.
func (md *MockDeployment) ServerSelectionTimeout() time.Duration {
	return 30 * time.Second
}

// Description implements the Server interface.
func (md *MockDeployment) Description() description.Server {
	md.mu.Lock()
	defer md.mu.Unlock()

	return md.desc
}

// RTTMonitor implements the Server interface.
func (md *MockDeployment) RTTMonitor() driver.RTTMonitor {
	return &csot.ZeroRTTMonitor{}
}

// Execute implements the Server interface. It records the request and pops
// the next scripted response.
func (md *MockDeployment) Execute(_ context.Context, req *driver.Request) (jsoncore.Document, error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.Requests = append(md.Requests, req)

	if len(md.responses) == 0 {
		return nil, errors.New("no responses remaining")
	}
	next := md.responses[0]
	md.responses = md.responses[1:]
	return next.doc, next.err
}

// ScriptedTransport implements topology.Transport backed by a queue of
// scripted responses. It is used to exercise the real Topology and Server
// types in tests.
type ScriptedTransport struct {
	mu        sync.Mutex
	responses []response

	// Requests holds every request the transport performed, in order.
	Requests []*driver.Request
}

// AddResponse queues a document reply.
func (st *ScriptedTransport) AddResponse(doc jsoncore.Document) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.responses = append(st.responses, response{doc: doc})
}

// AddError queues a transport failure.
func (st *ScriptedTransport) AddError(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.responses = append(st.responses, response{err: err})
}

// RoundTrip implements topology.Transport.
func (st *ScriptedTransport) RoundTrip(_ context.Context, req *driver.Request) (jsoncore.Document, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.Requests = append(st.Requests, req)

	if len(st.responses) == 0 {
		return nil, errors.New("no responses remaining")
	}
	next := st.responses[0]
	st.responses = st.responses[1:]
	return next.doc, next.err
}
