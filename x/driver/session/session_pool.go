// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"
	"sync/atomic"
)

// Node represents a server session in a linked list.
type Node struct {
	*ServerSession
	next *Node
}

// Pool is a pool of server sessions that can be reused. Sessions are returned
// and retrieved in LIFO order to maximize reuse before expiry.
type Pool struct {
	// number of sessions checked out of the pool, accessed atomically.
	checkedOut int64

	mutex   sync.Mutex
	head    *Node
	timeout uint32 // session timeout in minutes, from the topology description
}

// NewPool creates a new server session pool.
func NewPool() *Pool {
	return &Pool{}
}

// UpdateTimeout sets the session timeout, in minutes, reported by the
// deployment. The (external) topology monitor calls this when the timeout
// changes.
func (p *Pool) UpdateTimeout(timeoutMinutes uint32) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.timeout = timeoutMinutes
}

// GetSession retrieves an unexpired session from the pool.
func (p *Pool) GetSession() (*ServerSession, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	atomic.AddInt64(&p.checkedOut, 1)

	// empty pool
	if p.head == nil {
		return newServerSession(), nil
	}

	// pop sessions off the stack until an unexpired one is found
	for p.head != nil {
		session := p.head.ServerSession
		p.head = p.head.next
		if !session.expired(p.timeout) {
			return session, nil
		}
	}

	return newServerSession(), nil
}

// ReturnSession returns a session to the pool if it has not expired. Expired
// sessions at the bottom of the stack are pruned while the lock is held.
func (p *Pool) ReturnSession(ss *ServerSession) {
	if ss == nil {
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	atomic.AddInt64(&p.checkedOut, -1)

	// Dirty sessions, e.g. those that saw a network error, must be discarded
	// so a broken server-side session is never reused.
	if ss.Dirty || ss.expired(p.timeout) {
		return
	}

	p.head = &Node{ServerSession: ss, next: p.head}
}

// CheckedOut returns the number of sessions currently checked out of the pool.
func (p *Pool) CheckedOut() int64 {
	return atomic.LoadInt64(&p.checkedOut)
}

// IDs returns the session IDs of every pooled (idle) session.
func (p *Pool) IDs() [][]byte {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var ids [][]byte
	for node := p.head; node != nil; node = node.next {
		id := node.SessionID
		ids = append(ids, id[:])
	}
	return ids
}
