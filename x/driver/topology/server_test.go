// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/docdriver/x/driver"
	"github.com/ikmak/docdriver/x/driver/description"
	"github.com/ikmak/docdriver/x/jsoncore"
)

func pingRequest() *driver.Request {
	return &driver.Request{
		Name:      "ping",
		Database:  "admin",
		Command:   jsoncore.NewDocument(map[string]int{"ping": 1}),
		RequestID: driver.NextRequestID(),
	}
}

func TestServer_Execute(t *testing.T) {
	t.Parallel()

	t.Run("SuccessAddsRTTSample", func(t *testing.T) {
		t.Parallel()

		desc := serverDescription("localhost:27017", description.ServerKindRSPrimary)
		srv, transport := newTestServer(t, desc)
		transport.AddResponse(jsoncore.NewDocument(map[string]int{"ok": 1}))

		res, err := srv.Execute(context.Background(), pingRequest())
		require.NoError(t, err)
		assert.False(t, res.IsZero())
		assert.NotZero(t, srv.RTTMonitor().EWMA())
	})

	t.Run("TransportFaultBecomesNetworkError", func(t *testing.T) {
		t.Parallel()

		desc := serverDescription("localhost:27017", description.ServerKindRSPrimary)
		srv, transport := newTestServer(t, desc)
		transport.AddResponse(jsoncore.NewDocument(map[string]int{"ok": 1}))
		transport.AddError(errors.New("broken pipe"))

		_, err := srv.Execute(context.Background(), pingRequest())
		require.NoError(t, err)
		require.NotZero(t, srv.RTTMonitor().EWMA())

		_, err = srv.Execute(context.Background(), pingRequest())
		require.Error(t, err)

		var driverErr driver.Error
		require.ErrorAs(t, err, &driverErr)
		assert.True(t, driverErr.NetworkError())

		var connErr ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, desc.Addr, connErr.Address)
		assert.Contains(t, err.Error(), "broken pipe")

		// A transport fault invalidates the RTT history.
		assert.Zero(t, srv.RTTMonitor().EWMA())
	})

	t.Run("ClassifiedErrorPassesThrough", func(t *testing.T) {
		t.Parallel()

		desc := serverDescription("localhost:27017", description.ServerKindRSPrimary)
		srv, transport := newTestServer(t, desc)

		already := driver.NewNetworkError(errors.New("connection reset"))
		transport.AddError(already)

		_, err := srv.Execute(context.Background(), pingRequest())
		require.Error(t, err)

		// No second layer of classification.
		var connErr ConnectionError
		assert.False(t, errors.As(err, &connErr))
		assert.Equal(t, already.Error(), err.Error())
	})

	t.Run("CancellationKeepsRTTHistory", func(t *testing.T) {
		t.Parallel()

		desc := serverDescription("localhost:27017", description.ServerKindRSPrimary)
		srv, transport := newTestServer(t, desc)
		transport.AddResponse(jsoncore.NewDocument(map[string]int{"ok": 1}))
		transport.AddError(context.Canceled)

		_, err := srv.Execute(context.Background(), pingRequest())
		require.NoError(t, err)
		before := srv.RTTMonitor().EWMA()
		require.NotZero(t, before)

		_, err = srv.Execute(context.Background(), pingRequest())
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)

		// A cancelled attempt says nothing about the server's health.
		assert.Equal(t, before, srv.RTTMonitor().EWMA())
	})
}

func TestServer_UpdateDescription(t *testing.T) {
	t.Parallel()

	desc := serverDescription("localhost:27017", description.ServerKindRSPrimary)
	srv, _ := newTestServer(t, desc)
	assert.Equal(t, description.ServerKindRSPrimary, srv.Description().Kind)

	stepped := desc
	stepped.Kind = description.ServerKindRSSecondary
	srv.UpdateDescription(stepped)
	assert.Equal(t, description.ServerKindRSSecondary, srv.Description().Kind)
}
