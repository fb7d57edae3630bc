// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/docdriver/x/driver/description"
	"github.com/ikmak/docdriver/x/jsoncore"
)

var clusterTime1 = jsoncore.Document(`{"$clusterTime":{"clusterTime":{"t":10,"i":5}}}`)
var clusterTime2 = jsoncore.Document(`{"$clusterTime":{"clusterTime":{"t":5,"i":5}}}`)
var clusterTime3 = jsoncore.Document(`{"$clusterTime":{"clusterTime":{"t":5,"i":0}}}`)

func TestClientSession(t *testing.T) {
	t.Run("MaxClusterTime", func(t *testing.T) {
		maxTime := MaxClusterTime(clusterTime1, clusterTime2)
		assert.True(t, maxTime.Equal(clusterTime1), "wrong max time")

		maxTime = MaxClusterTime(clusterTime3, clusterTime2)
		assert.True(t, maxTime.Equal(clusterTime2), "wrong max time")
	})

	t.Run("AdvanceClusterTime", func(t *testing.T) {
		sess, err := NewClientSession(NewPool(), uuid.New(), Explicit)
		require.NoError(t, err)
		defer sess.EndSession()

		require.NoError(t, sess.AdvanceClusterTime(clusterTime2))
		assert.True(t, sess.ClusterTime.Equal(clusterTime2))

		require.NoError(t, sess.AdvanceClusterTime(clusterTime3))
		assert.True(t, sess.ClusterTime.Equal(clusterTime2), "cluster time must never go backwards")

		require.NoError(t, sess.AdvanceClusterTime(clusterTime1))
		assert.True(t, sess.ClusterTime.Equal(clusterTime1))
	})

	t.Run("EndSession", func(t *testing.T) {
		sess, err := NewClientSession(NewPool(), uuid.New(), Explicit)
		require.NoError(t, err)

		sess.EndSession()
		assert.ErrorIs(t, sess.UpdateUseTime(), ErrSessionEnded)

		// Ending twice is a no-op.
		sess.EndSession()
	})

	t.Run("TransactionState", func(t *testing.T) {
		sess, err := NewClientSession(NewPool(), uuid.New(), Explicit)
		require.NoError(t, err)
		defer sess.EndSession()

		assert.False(t, sess.TransactionRunning())

		require.NoError(t, sess.StartTransaction())
		assert.True(t, sess.TransactionStarting())
		assert.ErrorIs(t, sess.StartTransaction(), ErrTransactionStarted)

		sess.AdvanceTransactionState()
		assert.True(t, sess.TransactionInProgress())
		assert.True(t, sess.TransactionRunning())

		require.NoError(t, sess.CommitTransaction())
		assert.False(t, sess.TransactionRunning())
		assert.ErrorIs(t, sess.AbortTransaction(), ErrNoTransaction)
	})

	t.Run("Pinning", func(t *testing.T) {
		sess, err := NewClientSession(NewPool(), uuid.New(), Implicit)
		require.NoError(t, err)
		defer sess.EndSession()

		desc := &description.Server{Addr: "localhost:27017"}
		require.NoError(t, sess.PinServer(desc))
		assert.Equal(t, desc, sess.PinnedServer())

		require.NoError(t, sess.StartTransaction())
		assert.ErrorIs(t, sess.UnpinServer(false), ErrUnpinNotAllowed)
		assert.NotNil(t, sess.PinnedServer())

		require.NoError(t, sess.UnpinServer(true))
		assert.Nil(t, sess.PinnedServer())
	})

	t.Run("ConcurrentTxnNumberIncrements", func(t *testing.T) {
		sess, err := NewClientSession(NewPool(), uuid.New(), Explicit)
		require.NoError(t, err)
		defer sess.EndSession()

		const goroutines = 8
		const perGoroutine = 100

		var wg sync.WaitGroup
		wg.Add(goroutines)
		for i := 0; i < goroutines; i++ {
			go func() {
				defer wg.Done()
				for j := 0; j < perGoroutine; j++ {
					sess.IncrementTxnNumber()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(goroutines*perGoroutine), sess.TxnNumber())
	})
}

func TestSessionPool(t *testing.T) {
	t.Run("Lifo", func(t *testing.T) {
		p := NewPool()
		p.UpdateTimeout(30)

		first, err := p.GetSession()
		require.NoError(t, err)
		firstID := first.SessionID

		second, err := p.GetSession()
		require.NoError(t, err)
		secondID := second.SessionID

		p.ReturnSession(first)
		p.ReturnSession(second)

		sess, err := p.GetSession()
		require.NoError(t, err)
		nextSess, err := p.GetSession()
		require.NoError(t, err)

		assert.Equal(t, secondID, sess.SessionID, "first session ID mismatch")
		assert.Equal(t, firstID, nextSess.SessionID, "second session ID mismatch")
	})

	t.Run("DirtySessionsAreDiscarded", func(t *testing.T) {
		p := NewPool()

		sess, err := p.GetSession()
		require.NoError(t, err)
		sess.Dirty = true
		p.ReturnSession(sess)

		next, err := p.GetSession()
		require.NoError(t, err)
		assert.NotEqual(t, sess.SessionID, next.SessionID)
	})

	t.Run("CheckedOut", func(t *testing.T) {
		p := NewPool()

		s1, _ := p.GetSession()
		s2, _ := p.GetSession()
		assert.Equal(t, int64(2), p.CheckedOut())

		p.ReturnSession(s1)
		p.ReturnSession(s2)
		assert.Equal(t, int64(0), p.CheckedOut())
		assert.Len(t, p.IDs(), 2)
	})
}
