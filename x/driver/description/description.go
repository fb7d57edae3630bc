// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description contains types and functions for describing the state
// of database deployments. Descriptions are immutable snapshots: the core
// only ever reads them, and the (external) topology monitor produces new
// snapshots rather than mutating old ones.
package description

import (
	"fmt"
	"strings"
	"time"

	"github.com/ikmak/docdriver/docdb/address"
	"github.com/ikmak/docdriver/tag"
)

// ServerKind represents the type of a single server in a topology.
type ServerKind uint32

// These constants are the possible types of servers.
const (
	ServerKindStandalone  ServerKind = 1
	ServerKindRSPrimary   ServerKind = 2
	ServerKindRSSecondary ServerKind = 4
	ServerKindRSArbiter   ServerKind = 8
	ServerKindRouter      ServerKind = 16
)

// String returns a stringified version of the kind or "Unknown" if the kind
// is invalid.
func (kind ServerKind) String() string {
	switch kind {
	case ServerKindStandalone:
		return "Standalone"
	case ServerKindRSPrimary:
		return "RSPrimary"
	case ServerKindRSSecondary:
		return "RSSecondary"
	case ServerKindRSArbiter:
		return "RSArbiter"
	case ServerKindRouter:
		return "Router"
	}

	return "Unknown"
}

// TopologyKind represents a specific topology configuration.
type TopologyKind uint32

// These constants are the available topology configurations.
const (
	TopologyKindSingle                TopologyKind = 1
	TopologyKindReplicaSetNoPrimary   TopologyKind = 2
	TopologyKindReplicaSetWithPrimary TopologyKind = 4
	TopologyKindSharded               TopologyKind = 8
)

// String returns a stringified version of the kind or "Unknown" if the kind
// is invalid.
func (kind TopologyKind) String() string {
	switch kind {
	case TopologyKindSingle:
		return "Single"
	case TopologyKindReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case TopologyKindReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case TopologyKindSharded:
		return "Sharded"
	}

	return "Unknown"
}

// VersionRange represents a range of wire protocol versions.
type VersionRange struct {
	Min int32
	Max int32
}

// Includes returns a bool indicating whether the supplied integer is included
// in the range.
func (vr VersionRange) Includes(v int32) bool {
	return v >= vr.Min && v <= vr.Max
}

// String implements the fmt.Stringer interface.
func (vr VersionRange) String() string {
	return fmt.Sprintf("[%d, %d]", vr.Min, vr.Max)
}

// Server contains information about a server in a deployment, along with the
// wire capability metadata the core reads during retry decisions.
type Server struct {
	Addr address.Address

	AverageRTT            time.Duration
	AverageRTTSet         bool
	HeartbeatInterval     time.Duration
	LastUpdateTime        time.Time
	LastWriteTime         time.Time
	Kind                  ServerKind
	SessionTimeoutMinutes uint32
	Tags                  tag.Set
	WireVersion           *VersionRange
}

// String implements the fmt.Stringer interface.
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s", s.Addr, s.Kind)
	if s.WireVersion != nil {
		str += fmt.Sprintf(", Wire Version: %s", s.WireVersion)
	}
	if len(s.Tags) > 0 {
		tags := make([]string, 0, len(s.Tags))
		for _, t := range s.Tags {
			tags = append(tags, t.Name+"="+t.Value)
		}
		str += fmt.Sprintf(", Tags: {%s}", strings.Join(tags, ","))
	}
	return str
}

// Equal compares two server descriptions for equality of identity and
// capabilities. RTT and freshness timestamps are deliberately excluded so
// that a server remains "the same server" across heartbeats.
func (s Server) Equal(other Server) bool {
	if s.Addr.String() != other.Addr.String() {
		return false
	}
	if s.Kind != other.Kind {
		return false
	}
	if s.SessionTimeoutMinutes != other.SessionTimeoutMinutes {
		return false
	}
	if (s.WireVersion == nil) != (other.WireVersion == nil) {
		return false
	}
	if s.WireVersion != nil && *s.WireVersion != *other.WireVersion {
		return false
	}
	return true
}

// SelectedServer augments the Server type by also including the topology kind
// of the deployment the server was selected from.
type SelectedServer struct {
	Server
	Kind TopologyKind
}

// Topology contains information about a database deployment.
type Topology struct {
	Servers               []Server
	SetName               string
	Kind                  TopologyKind
	SessionTimeoutMinutes uint32
}

// String implements the fmt.Stringer interface.
func (t Topology) String() string {
	var serversStr string
	for _, s := range t.Servers {
		serversStr += "{ " + s.String() + " }, "
	}
	return fmt.Sprintf("Type: %s, Servers: [%s]", t.Kind, serversStr)
}

// ServerSelector is an interface implemented by types that can perform server
// selection given a topology description and a list of candidate servers. The
// selector should not mutate the candidates and may return them unfiltered.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}
