// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/docdriver/docdb/address"
	"github.com/ikmak/docdriver/x/driver"
	"github.com/ikmak/docdriver/x/driver/description"
	"github.com/ikmak/docdriver/x/driver/drivertest"
	"github.com/ikmak/docdriver/x/driver/session"
	"github.com/ikmak/docdriver/x/jsoncore"
)

var okResponse = jsoncore.NewDocument(map[string]interface{}{"ok": 1})

func newTestSession(t *testing.T) *session.Client {
	t.Helper()

	sess, err := session.NewClientSession(session.NewPool(), uuid.New(), session.Implicit)
	require.NoError(t, err)
	return sess
}

func retryMode(mode driver.RetryMode) *driver.RetryMode {
	return &mode
}

// testOperation returns a minimal write operation against the deployment.
// Callers adjust the fields they exercise.
func testOperation(d driver.Deployment, sess *session.Client) driver.Operation {
	return driver.Operation{
		CommandFn: func(description.SelectedServer, []jsoncore.Document) (jsoncore.Document, error) {
			return jsoncore.NewDocument(map[string]string{"insert": "coll"}), nil
		},
		Deployment: d,
		Database:   "testdb",
		Client:     sess,
		Type:       driver.Write,
		RetryMode:  retryMode(driver.RetryOnce),
	}
}

func TestOperationValidate(t *testing.T) {
	t.Parallel()

	md := drivertest.NewMockDeployment()
	cmdFn := func(description.SelectedServer, []jsoncore.Document) (jsoncore.Document, error) {
		return okResponse, nil
	}

	err := driver.Operation{Deployment: md, Database: "testdb"}.Execute(context.Background())
	assert.EqualError(t, err, "the CommandFn field must be set on Operation")

	err = driver.Operation{CommandFn: cmdFn, Database: "testdb"}.Execute(context.Background())
	assert.EqualError(t, err, "the Deployment field must be set on Operation")

	err = driver.Operation{CommandFn: cmdFn, Deployment: md}.Execute(context.Background())
	assert.EqualError(t, err, "database name cannot be empty")
}

func TestOperationExecute_RetryableWrite(t *testing.T) {
	t.Parallel()

	t.Run("NetworkErrorRetriedOnce", func(t *testing.T) {
		t.Parallel()

		md := drivertest.NewMockDeployment()
		md.AddErrors(driver.NewNetworkError(errors.New("connection reset")))
		md.AddResponses(okResponse)

		sess := newTestSession(t)
		op := testOperation(md, sess)

		require.NoError(t, op.Execute(context.Background()))
		assert.Len(t, md.Requests, 2)

		// The transaction number identifies the logical write; a retry reuses
		// it so the server can deduplicate.
		assert.Equal(t, int64(1), sess.TxnNumber())
		assert.True(t, sess.Server.Dirty)
	})

	t.Run("SecondFailureSurfaces", func(t *testing.T) {
		t.Parallel()

		md := drivertest.NewMockDeployment()
		md.AddErrors(
			driver.NewNetworkError(errors.New("connection reset")),
			driver.NewNetworkError(errors.New("connection reset again")),
		)

		sess := newTestSession(t)
		op := testOperation(md, sess)

		err := op.Execute(context.Background())
		require.Error(t, err)
		assert.Len(t, md.Requests, 2)

		var driverErr driver.Error
		require.ErrorAs(t, err, &driverErr)
		assert.True(t, driverErr.NetworkError())
		assert.Contains(t, driverErr.Error(), "connection reset again")
	})

	t.Run("NoRetryWithoutMode", func(t *testing.T) {
		t.Parallel()

		md := drivertest.NewMockDeployment()
		md.AddErrors(driver.NewNetworkError(errors.New("connection reset")))

		sess := newTestSession(t)
		op := testOperation(md, sess)
		op.RetryMode = nil

		require.Error(t, op.Execute(context.Background()))
		assert.Len(t, md.Requests, 1)
		assert.Equal(t, int64(0), sess.TxnNumber())
	})

	t.Run("NoRetryWithoutSession", func(t *testing.T) {
		t.Parallel()

		md := drivertest.NewMockDeployment()
		md.AddErrors(driver.NewNetworkError(errors.New("connection reset")))

		op := testOperation(md, nil)

		require.Error(t, op.Execute(context.Background()))
		assert.Len(t, md.Requests, 1)
	})

	t.Run("NonRetryableErrorSurfacesImmediately", func(t *testing.T) {
		t.Parallel()

		md := drivertest.NewMockDeployment()
		md.AddResponses(jsoncore.NewDocument(map[string]interface{}{
			"ok": 0, "code": 11000, "codeName": "DuplicateKey", "errmsg": "duplicate key",
		}))
		md.AddResponses(okResponse)

		sess := newTestSession(t)
		op := testOperation(md, sess)

		err := op.Execute(context.Background())
		require.Error(t, err)
		assert.Len(t, md.Requests, 1)

		var driverErr driver.Error
		require.ErrorAs(t, err, &driverErr)
		assert.Equal(t, int32(11000), driverErr.Code)
	})

	t.Run("ContextErrorNeverRetried", func(t *testing.T) {
		t.Parallel()

		md := drivertest.NewMockDeployment()
		md.AddErrors(driver.NewNetworkError(context.Canceled))
		md.AddResponses(okResponse)

		sess := newTestSession(t)
		op := testOperation(md, sess)

		err := op.Execute(context.Background())
		assert.ErrorIs(t, err, context.Canceled)
		assert.Len(t, md.Requests, 1)
	})

	t.Run("UnsupportedRetryableWrites", func(t *testing.T) {
		t.Parallel()

		md := drivertest.NewMockDeployment()
		md.AddResponses(jsoncore.NewDocument(map[string]interface{}{
			"ok":       0,
			"code":     20,
			"errmsg":   "Transaction numbers are only allowed on a replica set member or router",
			"codeName": "IllegalOperation",
		}))

		sess := newTestSession(t)
		op := testOperation(md, sess)

		err := op.Execute(context.Background())
		assert.ErrorIs(t, err, driver.ErrRetryableWritesUnsupported)
		assert.Len(t, md.Requests, 1)
	})
}

func TestOperationExecute_RetryBackstopsDefiniteError(t *testing.T) {
	t.Parallel()

	// The first attempt fails with a definite error, every following attempt
	// with one the server guarantees performed no writes. When retries run
	// out, the definite error is the one the caller sees.
	definite := jsoncore.NewDocument(map[string]interface{}{
		"ok": 0, "code": 91, "errmsg": "shutdown in progress",
		"errorLabels": []string{driver.RetryableWriteError},
	})
	indefinite := jsoncore.NewDocument(map[string]interface{}{
		"ok": 0, "code": 91, "errmsg": "no writes performed",
		"errorLabels": []string{driver.RetryableWriteError, driver.NoWritesPerformed},
	})

	md := drivertest.NewMockDeployment()
	md.AddResponses(definite, indefinite)

	sess := newTestSession(t)
	op := testOperation(md, sess)

	err := op.Execute(context.Background())
	require.Error(t, err)
	assert.Len(t, md.Requests, 2)

	var driverErr driver.Error
	require.ErrorAs(t, err, &driverErr)
	assert.Equal(t, "shutdown in progress", driverErr.Message)
	assert.False(t, driverErr.HasErrorLabel(driver.NoWritesPerformed))
}

func TestOperationExecute_TimeoutRetriesUntilDeadline(t *testing.T) {
	t.Parallel()

	// With an operation timeout the retry budget is the clock, not a count.
	md := drivertest.NewMockDeployment()
	md.AddErrors(
		driver.NewNetworkError(errors.New("reset 1")),
		driver.NewNetworkError(errors.New("reset 2")),
		driver.NewNetworkError(errors.New("reset 3")),
	)
	md.AddResponses(okResponse)

	sess := newTestSession(t)
	op := testOperation(md, sess)
	timeout := 10 * time.Second
	op.Timeout = &timeout

	require.NoError(t, op.Execute(context.Background()))
	assert.Len(t, md.Requests, 4)
	assert.Equal(t, int64(1), sess.TxnNumber())

	// The deadline travels to the server as maxTimeMS.
	assert.Greater(t, md.Requests[0].MaxTimeMS, int64(0))
}

func TestOperationExecute_OmitMaxTimeMS(t *testing.T) {
	t.Parallel()

	md := drivertest.NewMockDeployment()
	md.AddResponses(okResponse)

	op := testOperation(md, nil)
	timeout := 10 * time.Second
	op.Timeout = &timeout
	op.OmitMaxTimeMS = true

	require.NoError(t, op.Execute(context.Background()))
	require.Len(t, md.Requests, 1)
	assert.Equal(t, int64(0), md.Requests[0].MaxTimeMS)
}

func TestOperationExecute_RetryableRead(t *testing.T) {
	t.Parallel()

	t.Run("RetriesWithoutSession", func(t *testing.T) {
		t.Parallel()

		md := drivertest.NewMockDeployment()
		md.AddErrors(driver.NewNetworkError(errors.New("connection reset")))
		md.AddResponses(okResponse)

		op := testOperation(md, nil)
		op.Type = driver.Read

		require.NoError(t, op.Execute(context.Background()))
		assert.Len(t, md.Requests, 2)
	})

	t.Run("RetriesOnRetryableServerCode", func(t *testing.T) {
		t.Parallel()

		md := drivertest.NewMockDeployment()
		md.AddResponses(jsoncore.NewDocument(map[string]interface{}{
			"ok": 0, "code": 10107, "errmsg": "not primary",
		}))
		md.AddResponses(okResponse)

		op := testOperation(md, nil)
		op.Type = driver.Read

		require.NoError(t, op.Execute(context.Background()))
		assert.Len(t, md.Requests, 2)
	})

	t.Run("ReadsNeverIncrementTxnNumber", func(t *testing.T) {
		t.Parallel()

		md := drivertest.NewMockDeployment()
		md.AddResponses(okResponse)

		sess := newTestSession(t)
		op := testOperation(md, sess)
		op.Type = driver.Read

		require.NoError(t, op.Execute(context.Background()))
		assert.Equal(t, int64(0), sess.TxnNumber())
	})
}

func TestOperationExecute_Batches(t *testing.T) {
	t.Parallel()

	documents := []jsoncore.Document{
		jsoncore.NewDocument(map[string]int{"x": 1}),
		jsoncore.NewDocument(map[string]int{"x": 2}),
		jsoncore.NewDocument(map[string]int{"x": 3}),
		jsoncore.NewDocument(map[string]int{"x": 4}),
		jsoncore.NewDocument(map[string]int{"x": 5}),
	}

	md := drivertest.NewMockDeployment()
	md.AddResponses(okResponse, okResponse, okResponse)

	sess := newTestSession(t)

	var batchSizes []int
	op := testOperation(md, sess)
	op.CommandFn = func(_ description.SelectedServer, batch []jsoncore.Document) (jsoncore.Document, error) {
		batchSizes = append(batchSizes, len(batch))
		return jsoncore.NewDocument(map[string]interface{}{"insert": "coll", "documents": batch}), nil
	}
	op.Batches = &driver.Batches{Identifier: "documents", Documents: documents}
	op.BatchLimit = 2

	require.NoError(t, op.Execute(context.Background()))
	assert.Equal(t, []int{2, 2, 1}, batchSizes)
	assert.Len(t, md.Requests, 3)

	// Each command is its own logical write and gets its own transaction
	// number.
	assert.Equal(t, int64(3), sess.TxnNumber())
}

func TestOperationExecute_BatchRetry(t *testing.T) {
	t.Parallel()

	// A retryable failure mid-way through a batched operation retries the
	// failed command, not the whole set.
	documents := []jsoncore.Document{
		jsoncore.NewDocument(map[string]int{"x": 1}),
		jsoncore.NewDocument(map[string]int{"x": 2}),
	}

	md := drivertest.NewMockDeployment()
	md.AddResponses(okResponse)
	md.AddErrors(driver.NewNetworkError(errors.New("connection reset")))
	md.AddResponses(okResponse)

	sess := newTestSession(t)
	op := testOperation(md, sess)
	op.RetryMode = retryMode(driver.RetryOncePerCommand)
	op.Batches = &driver.Batches{Identifier: "documents", Documents: documents}
	op.BatchLimit = 1

	require.NoError(t, op.Execute(context.Background()))
	assert.Len(t, md.Requests, 3)
	assert.Equal(t, int64(2), sess.TxnNumber())
}

func TestOperationExecute_ProcessResponse(t *testing.T) {
	t.Parallel()

	response := jsoncore.NewDocument(map[string]interface{}{
		"ok":            1,
		"$clusterTime":  map[string]interface{}{"clusterTime": map[string]interface{}{"t": 42, "i": 1}},
		"operationTime": 42,
	})

	md := drivertest.NewMockDeployment()
	md.AddResponses(response)

	sess := newTestSession(t)
	clock := new(session.ClusterClock)

	var processed jsoncore.Document
	op := testOperation(md, sess)
	op.Clock = clock
	op.ProcessResponseFn = func(_ context.Context, resp jsoncore.Document, info driver.ResponseInfo) error {
		require.NoError(t, info.Error)
		processed = resp
		return nil
	}

	require.NoError(t, op.Execute(context.Background()))
	assert.True(t, response.Equal(processed))

	// Cluster and operation times from the response advance the session and
	// the client-wide clock, wrapped in the $clusterTime envelope.
	wantClusterTime := jsoncore.NewDocument(map[string]interface{}{
		"$clusterTime": map[string]interface{}{"clusterTime": map[string]interface{}{"t": 42, "i": 1}},
	})
	assert.True(t, wantClusterTime.Equal(sess.ClusterTime))
	assert.True(t, wantClusterTime.Equal(clock.GetClusterTime()))
	assert.False(t, sess.OperationTime.IsZero())

	// A stale response time must not move either backwards.
	stale := jsoncore.NewDocument(map[string]interface{}{
		"$clusterTime": map[string]interface{}{"clusterTime": map[string]interface{}{"t": 41, "i": 9}},
	})
	require.NoError(t, sess.AdvanceClusterTime(stale))
	clock.AdvanceClusterTime(stale)
	assert.True(t, wantClusterTime.Equal(sess.ClusterTime))
	assert.True(t, wantClusterTime.Equal(clock.GetClusterTime()))
}

func TestOperationExecute_ProcessResponseErrorSurfaces(t *testing.T) {
	t.Parallel()

	md := drivertest.NewMockDeployment()
	md.AddResponses(okResponse)

	wantErr := errors.New("malformed cursor response")
	op := testOperation(md, nil)
	op.ProcessResponseFn = func(context.Context, jsoncore.Document, driver.ResponseInfo) error {
		return wantErr
	}

	assert.ErrorIs(t, op.Execute(context.Background()), wantErr)
}

// selectorRecordingDeployment wraps a MockDeployment, recording the selector
// of every selection and reporting a sharded topology.
type selectorRecordingDeployment struct {
	*drivertest.MockDeployment
	selectors []description.ServerSelector
}

func (d *selectorRecordingDeployment) SelectServer(
	ctx context.Context,
	selector description.ServerSelector,
) (driver.Server, error) {
	d.selectors = append(d.selectors, selector)
	return d.MockDeployment.SelectServer(ctx, selector)
}

func (d *selectorRecordingDeployment) Kind() description.TopologyKind {
	return description.TopologyKindSharded
}

func TestOperationExecute_RetryDeprioritizesFailedRouter(t *testing.T) {
	t.Parallel()

	failed := description.Server{
		Addr:        address.Address("localhost:27017"),
		Kind:        description.ServerKindRouter,
		WireVersion: &description.VersionRange{Max: 21},
	}
	healthy := description.Server{
		Addr:        address.Address("localhost:27018"),
		Kind:        description.ServerKindRouter,
		WireVersion: &description.VersionRange{Max: 21},
	}

	md := &selectorRecordingDeployment{
		MockDeployment: drivertest.NewMockDeploymentWithDescription(failed),
	}
	md.AddErrors(driver.NewNetworkError(errors.New("connection reset")))
	md.AddResponses(okResponse)

	op := testOperation(md, nil)
	op.Type = driver.Read

	require.NoError(t, op.Execute(context.Background()))
	require.Len(t, md.selectors, 2)

	topo := description.Topology{
		Kind:    description.TopologyKindSharded,
		Servers: []description.Server{failed, healthy},
	}

	// The retry's selector must avoid the router that just failed.
	result, err := md.selectors[1].SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	assert.Equal(t, []description.Server{healthy}, result)

	// Unless it is the only one left.
	soleTopo := description.Topology{
		Kind:    description.TopologyKindSharded,
		Servers: []description.Server{failed},
	}
	result, err = md.selectors[1].SelectServer(soleTopo, soleTopo.Servers)
	require.NoError(t, err)
	assert.Equal(t, []description.Server{failed}, result)
}

// downgradingDeployment returns a retryable-writes-capable server for the
// first selection and an incapable standalone for every selection after that.
type downgradingDeployment struct {
	capable    *drivertest.MockDeployment
	standalone *drivertest.MockDeployment
	selections int
}

func (d *downgradingDeployment) SelectServer(
	ctx context.Context,
	selector description.ServerSelector,
) (driver.Server, error) {
	d.selections++
	if d.selections == 1 {
		return d.capable.SelectServer(ctx, selector)
	}
	return d.standalone.SelectServer(ctx, selector)
}

func (d *downgradingDeployment) Kind() description.TopologyKind {
	return description.TopologyKindSingle
}

func (d *downgradingDeployment) ServerSelectionTimeout() time.Duration {
	return d.capable.ServerSelectionTimeout()
}

func TestOperationExecute_RetrySelectionRequiresRetryableWrites(t *testing.T) {
	t.Parallel()

	standaloneDesc := description.Server{
		Addr:        address.Address("localhost:27018"),
		Kind:        description.ServerKindStandalone,
		WireVersion: &description.VersionRange{Max: 21},
	}

	capable := drivertest.NewMockDeployment()
	capable.AddErrors(driver.NewNetworkError(errors.New("connection reset")))
	standalone := drivertest.NewMockDeploymentWithDescription(standaloneDesc)
	standalone.AddResponses(okResponse)

	md := &downgradingDeployment{capable: capable, standalone: standalone}

	sess := newTestSession(t)
	op := testOperation(md, sess)

	err := op.Execute(context.Background())
	require.Error(t, err)

	// The first attempt's error surfaces, and the standalone never sees the
	// retried command: it carries a transaction number the standalone cannot
	// honor, so executing it there would silently drop the retry semantics.
	var driverErr driver.Error
	require.ErrorAs(t, err, &driverErr)
	assert.True(t, driverErr.NetworkError())
	assert.Len(t, capable.Requests, 1)
	assert.Empty(t, standalone.Requests)
}

// failingSelectDeployment fails server selection after a fixed number of
// successful selections.
type failingSelectDeployment struct {
	*drivertest.MockDeployment
	successes int
	calls     int
}

func (d *failingSelectDeployment) SelectServer(
	ctx context.Context,
	selector description.ServerSelector,
) (driver.Server, error) {
	d.calls++
	if d.calls > d.successes {
		return nil, errors.New("server selection timed out")
	}
	return d.MockDeployment.SelectServer(ctx, selector)
}

func TestOperationExecute_SelectionFailure(t *testing.T) {
	t.Parallel()

	t.Run("NeverRetried", func(t *testing.T) {
		t.Parallel()

		md := &failingSelectDeployment{MockDeployment: drivertest.NewMockDeployment()}

		op := testOperation(md, nil)
		op.Type = driver.Read

		err := op.Execute(context.Background())
		assert.EqualError(t, err, "server selection timed out")
		assert.Empty(t, md.Requests)
	})

	t.Run("PreviousAttemptErrorWins", func(t *testing.T) {
		t.Parallel()

		// When selection for a retry fails, the caller learns what the failed
		// attempt saw, not that selection failed.
		md := &failingSelectDeployment{
			MockDeployment: drivertest.NewMockDeployment(),
			successes:      1,
		}
		md.AddErrors(driver.NewNetworkError(errors.New("connection reset")))

		op := testOperation(md, nil)
		op.Type = driver.Read

		err := op.Execute(context.Background())
		require.Error(t, err)

		var driverErr driver.Error
		require.ErrorAs(t, err, &driverErr)
		assert.True(t, driverErr.NetworkError())
		assert.Len(t, md.Requests, 1)
	})
}

func TestOperationExecute_NetworkErrorUnpinsCursorCreating(t *testing.T) {
	t.Parallel()

	md := drivertest.NewMockDeployment()
	md.AddErrors(driver.NewNetworkError(errors.New("connection reset")))

	sess := newTestSession(t)
	desc := drivertest.MockDescription
	require.NoError(t, sess.PinServer(&desc))

	op := testOperation(md, sess)
	op.Type = driver.Read
	op.RetryMode = nil
	op.CursorCreating = true

	require.Error(t, op.Execute(context.Background()))

	// The cursor's fate on the server is unknown; keeping the pin would leak
	// it.
	assert.Nil(t, sess.PinnedServer())
	assert.True(t, sess.Server.Dirty)
}
