// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology contains types that handle the state of a deployment: the
// set of known servers, their descriptions, and server selection against
// that state. Discovery and heartbeats are driven externally through
// ApplyUpdate; this package owns selection, per-server round-trip-time
// tracking, and the classification of transport failures.
package topology

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ikmak/docdriver/docdb/address"
	"github.com/ikmak/docdriver/internal/logger"
	"github.com/ikmak/docdriver/x/driver"
	"github.com/ikmak/docdriver/x/driver/description"
)

const defaultServerSelectionTimeout = 30 * time.Second

// Config holds the settings for constructing a Topology.
type Config struct {
	// ServerSelectionTimeout bounds how long SelectServer blocks waiting for
	// a suitable server to appear. Defaults to 30s.
	ServerSelectionTimeout time.Duration

	// Logger, if set, receives server selection messages at debug level.
	Logger *logger.Logger
}

// Topology represents a deployment. It holds the last published topology
// description plus a Server per member and implements driver.Deployment.
// SelectServer blocks until a suitable server is available or the selection
// timeout elapses.
type Topology struct {
	serverSelectionTimeout time.Duration
	logger                 *logger.Logger

	mu      sync.RWMutex
	desc    description.Topology
	servers map[address.Address]*Server

	// updated is closed and replaced whenever the description changes, waking
	// any selection that is blocked on an unsuitable topology.
	updated chan struct{}
}

var _ driver.Deployment = (*Topology)(nil)

// New creates a new Topology.
func New(cfg Config) *Topology {
	if cfg.ServerSelectionTimeout <= 0 {
		cfg.ServerSelectionTimeout = defaultServerSelectionTimeout
	}

	return &Topology{
		serverSelectionTimeout: cfg.ServerSelectionTimeout,
		logger:                 cfg.Logger,
		servers:                make(map[address.Address]*Server),
		updated:                make(chan struct{}),
	}
}

// ApplyUpdate publishes a new topology description along with the Server for
// each member. Servers present in the previous state but absent from the new
// one are closed. Selections blocked on the previous state re-evaluate
// against the new one.
func (t *Topology) ApplyUpdate(desc description.Topology, servers map[address.Address]*Server) {
	t.mu.Lock()

	removed := make([]*Server, 0)
	for addr, srv := range t.servers {
		if _, ok := servers[addr]; !ok {
			removed = append(removed, srv)
		}
	}

	t.desc = desc
	t.servers = servers

	close(t.updated)
	t.updated = make(chan struct{})

	t.mu.Unlock()

	for _, srv := range removed {
		srv.Close()
	}
}

// Close stops every server's RTT monitor.
func (t *Topology) Close() {
	t.mu.Lock()
	servers := t.servers
	t.servers = make(map[address.Address]*Server)
	t.desc = description.Topology{}
	close(t.updated)
	t.updated = make(chan struct{})
	t.mu.Unlock()

	for _, srv := range servers {
		srv.Close()
	}
}

// Description returns the last published topology description.
func (t *Topology) Description() description.Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.desc
}

// Kind returns the last published topology kind.
func (t *Topology) Kind() description.TopologyKind {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.desc.Kind
}

// ServerSelectionTimeout returns the configured selection timeout.
func (t *Topology) ServerSelectionTimeout() time.Duration {
	return t.serverSelectionTimeout
}

// SelectServer selects a server with the given selector. It blocks until a
// server is selected or the context errors, re-running the selector whenever
// the topology changes. When more than one server is suitable, one is
// chosen at random. Selection failures are never retried by the operation
// layer, so a timeout here surfaces directly to the caller.
func (t *Topology) SelectServer(ctx context.Context, selector description.ServerSelector) (driver.Server, error) {
	if t.logger.Is(logger.LevelDebug, logger.ComponentServerSelection) {
		t.logger.Print(logger.LevelDebug, logger.ComponentServerSelection,
			"Server selection started")
	}

	for {
		t.mu.RLock()
		desc := t.desc
		updated := t.updated
		t.mu.RUnlock()

		suitable, err := selector.SelectServer(desc, desc.Servers)
		if err != nil {
			if t.logger.Is(logger.LevelDebug, logger.ComponentServerSelection) {
				t.logger.Print(logger.LevelDebug, logger.ComponentServerSelection,
					"Server selection failed", "failure", err.Error())
			}
			return nil, ServerSelectionError{Desc: desc, Wrapped: err}
		}

		if len(suitable) > 0 {
			chosen := suitable[rand.Intn(len(suitable))]

			t.mu.RLock()
			srv, ok := t.servers[chosen.Addr]
			t.mu.RUnlock()

			// The chosen member may have been removed between the snapshot
			// and the lookup; wait for the next update if so.
			if ok {
				if t.logger.Is(logger.LevelDebug, logger.ComponentServerSelection) {
					t.logger.Print(logger.LevelDebug, logger.ComponentServerSelection,
						"Server selection succeeded", "serverHost", chosen.Addr.String())
				}
				return srv, nil
			}
		}

		if t.logger.Is(logger.LevelInfo, logger.ComponentServerSelection) {
			t.logger.Print(logger.LevelInfo, logger.ComponentServerSelection,
				"Waiting for suitable server to become available")
		}

		select {
		case <-ctx.Done():
			return nil, ServerSelectionError{Desc: desc, Wrapped: ctx.Err()}
		case <-updated:
		}
	}
}
