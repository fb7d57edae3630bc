// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ikmak/docdriver/docdb/address"
	"github.com/ikmak/docdriver/internal/driverutil"
	"github.com/ikmak/docdriver/x/driver"
	"github.com/ikmak/docdriver/x/driver/description"
	"github.com/ikmak/docdriver/x/jsoncore"
)

const (
	defaultRTTInterval  = 10 * time.Second
	defaultMinRTTWindow = 5 * time.Minute
)

// Transport performs the round trip for one server. It owns the wire codec
// and the connection: it encodes the request, stamps session and cluster
// time fields, and returns the raw response document. Transport failures are
// returned as plain errors and classified by the Server wrapper.
type Transport interface {
	RoundTrip(ctx context.Context, req *driver.Request) (jsoncore.Document, error)
}

// Server combines a transport with the server's last known description and an
// RTT monitor. It implements driver.Server.
type Server struct {
	addr      address.Address
	transport Transport

	descMu sync.RWMutex
	desc   description.Server

	rttMonitor *rttMonitor
}

var _ driver.Server = (*Server)(nil)

// ServerConfig configures a Server.
type ServerConfig struct {
	// RTTInterval is how often the RTT monitor pings. Defaults to 10s.
	RTTInterval time.Duration

	// MinRTTWindow is the window the minimum RTT is calculated over.
	// Defaults to 5m.
	MinRTTWindow time.Duration

	// DisableRTTMonitor leaves RTT sampling entirely to operation round
	// trips.
	DisableRTTMonitor bool
}

// NewServer creates a Server for the given address and transport.
func NewServer(desc description.Server, transport Transport, cfg ServerConfig) *Server {
	if cfg.RTTInterval <= 0 {
		cfg.RTTInterval = defaultRTTInterval
	}
	if cfg.MinRTTWindow <= 0 {
		cfg.MinRTTWindow = defaultMinRTTWindow
	}

	s := &Server{
		addr:      desc.Addr,
		transport: transport,
		desc:      desc,
	}
	s.rttMonitor = newRTTMonitor(&rttConfig{
		interval:     cfg.RTTInterval,
		minRTTWindow: cfg.MinRTTWindow,
		pingFn:       s.ping,
	})
	if !cfg.DisableRTTMonitor {
		s.rttMonitor.connect()
	}
	return s
}

// Close stops the server's RTT monitor.
func (s *Server) Close() {
	s.rttMonitor.disconnect()
}

// Description returns the last known description of the server.
func (s *Server) Description() description.Server {
	s.descMu.RLock()
	defer s.descMu.RUnlock()

	return s.desc
}

// UpdateDescription replaces the server's description. The topology monitor
// calls this when a heartbeat observes a state change.
func (s *Server) UpdateDescription(desc description.Server) {
	s.descMu.Lock()
	defer s.descMu.Unlock()

	s.desc = desc
}

// RTTMonitor returns the server's RTT monitor.
func (s *Server) RTTMonitor() driver.RTTMonitor {
	return s.rttMonitor
}

// Execute performs the request's round trip against this server. Transport
// failures are classified as network errors; whether the server executed the
// command is unknown unless the transport says otherwise. Successful round
// trips contribute RTT samples.
func (s *Server) Execute(ctx context.Context, req *driver.Request) (jsoncore.Document, error) {
	start := time.Now()
	res, err := s.transport.RoundTrip(ctx, req)
	if err != nil {
		// Already-classified errors pass through untouched; everything else
		// is a transport fault.
		var srvErr driver.Error
		if errors.As(err, &srvErr) {
			return res, err
		}

		// A cancelled attempt says nothing about the server's health, so
		// only genuine transport faults reset the RTT window.
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.rttMonitor.reset()
		}

		return res, driver.NewNetworkError(ConnectionError{
			Address: s.addr,
			Wrapped: err,
		})
	}

	s.rttMonitor.addSample(time.Since(start))

	return res, nil
}

// ping runs one measured ping round trip for the RTT monitor.
func (s *Server) ping(ctx context.Context) (time.Duration, error) {
	req := &driver.Request{
		Name:      driverutil.PingOp,
		Database:  "admin",
		Command:   jsoncore.NewDocument(map[string]interface{}{"ping": 1}),
		RequestID: driver.NextRequestID(),
	}

	start := time.Now()
	if _, err := s.transport.RoundTrip(ctx, req); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
