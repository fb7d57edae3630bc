// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package serverselector

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/docdriver/docdb/address"
	"github.com/ikmak/docdriver/docdb/readpref"
	"github.com/ikmak/docdriver/tag"
	"github.com/ikmak/docdriver/x/driver/description"
)

var readPrefTestPrimary = description.Server{
	Addr:              address.Address("localhost:27017"),
	HeartbeatInterval: time.Duration(10) * time.Second,
	LastWriteTime:     time.Date(2017, 2, 11, 14, 0, 0, 0, time.UTC),
	LastUpdateTime:    time.Date(2017, 2, 11, 14, 0, 2, 0, time.UTC),
	Kind:              description.ServerKindRSPrimary,
	Tags:              tag.Set{tag.Tag{Name: "a", Value: "1"}},
	WireVersion:       &description.VersionRange{Min: 0, Max: 5},
}

var readPrefTestSecondary1 = description.Server{
	Addr:              address.Address("localhost:27018"),
	HeartbeatInterval: time.Duration(10) * time.Second,
	LastWriteTime:     time.Date(2017, 2, 11, 13, 58, 0, 0, time.UTC),
	LastUpdateTime:    time.Date(2017, 2, 11, 14, 0, 2, 0, time.UTC),
	Kind:              description.ServerKindRSSecondary,
	Tags:              tag.Set{tag.Tag{Name: "a", Value: "1"}},
	WireVersion:       &description.VersionRange{Min: 0, Max: 5},
}

var readPrefTestSecondary2 = description.Server{
	Addr:              address.Address("localhost:27019"),
	HeartbeatInterval: time.Duration(10) * time.Second,
	LastWriteTime:     time.Date(2017, 2, 11, 14, 0, 0, 0, time.UTC),
	LastUpdateTime:    time.Date(2017, 2, 11, 14, 0, 2, 0, time.UTC),
	Kind:              description.ServerKindRSSecondary,
	Tags:              tag.Set{tag.Tag{Name: "a", Value: "2"}},
	WireVersion:       &description.VersionRange{Min: 0, Max: 5},
}

var readPrefTestTopology = description.Topology{
	Kind:    description.TopologyKindReplicaSetWithPrimary,
	Servers: []description.Server{readPrefTestPrimary, readPrefTestSecondary1, readPrefTestSecondary2},
}

func selectServers(t *testing.T, rp *readpref.ReadPref) []description.Server {
	t.Helper()

	selector := &ReadPref{ReadPref: rp}
	result, err := selector.SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)
	require.NoError(t, err)
	return result
}

func TestSelector_Sharded(t *testing.T) {
	t.Parallel()

	s := description.Server{
		Addr:        address.Address("localhost:27017"),
		Kind:        description.ServerKindRouter,
		WireVersion: &description.VersionRange{Min: 0, Max: 5},
	}

	result, err := (&ReadPref{ReadPref: readpref.Primary()}).SelectServer(
		description.Topology{Kind: description.TopologyKindSharded, Servers: []description.Server{s}},
		[]description.Server{s},
	)
	require.NoError(t, err)
	assert.Len(t, result, 1)
	assert.Equal(t, []description.Server{s}, result)
}

func TestSelector_Single(t *testing.T) {
	t.Parallel()

	s := description.Server{
		Addr:        address.Address("localhost:27017"),
		Kind:        description.ServerKindStandalone,
		WireVersion: &description.VersionRange{Min: 0, Max: 5},
	}

	result, err := (&ReadPref{ReadPref: readpref.Secondary()}).SelectServer(
		description.Topology{Kind: description.TopologyKindSingle, Servers: []description.Server{s}},
		[]description.Server{s},
	)
	require.NoError(t, err)
	assert.Len(t, result, 1)
}

func TestSelector_Primary(t *testing.T) {
	t.Parallel()

	result := selectServers(t, readpref.Primary())
	assert.Len(t, result, 1)
	assert.Equal(t, []description.Server{readPrefTestPrimary}, result)
}

func TestSelector_Primary_with_no_primary(t *testing.T) {
	t.Parallel()

	topo := description.Topology{
		Kind:    description.TopologyKindReplicaSetNoPrimary,
		Servers: []description.Server{readPrefTestSecondary1, readPrefTestSecondary2},
	}
	result, err := (&ReadPref{ReadPref: readpref.Primary()}).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	assert.Len(t, result, 0)
}

func TestSelector_PrimaryPreferred(t *testing.T) {
	t.Parallel()

	result := selectServers(t, readpref.PrimaryPreferred())
	assert.Equal(t, []description.Server{readPrefTestPrimary}, result)
}

func TestSelector_PrimaryPreferred_with_no_primary(t *testing.T) {
	t.Parallel()

	topo := description.Topology{
		Kind:    description.TopologyKindReplicaSetNoPrimary,
		Servers: []description.Server{readPrefTestSecondary1, readPrefTestSecondary2},
	}
	result, err := (&ReadPref{ReadPref: readpref.PrimaryPreferred()}).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	assert.Len(t, result, 2)
}

func TestSelector_Secondary(t *testing.T) {
	t.Parallel()

	result := selectServers(t, readpref.Secondary())
	assert.Len(t, result, 2)
	assert.Empty(t, cmp.Diff(
		[]description.Server{readPrefTestSecondary1, readPrefTestSecondary2}, result,
	))
}

func TestSelector_Secondary_with_tags(t *testing.T) {
	t.Parallel()

	result := selectServers(t, readpref.Secondary(readpref.WithTags("a", "2")))
	assert.Equal(t, []description.Server{readPrefTestSecondary2}, result)
}

func TestSelector_Secondary_with_unmatched_tags(t *testing.T) {
	t.Parallel()

	result := selectServers(t, readpref.Secondary(readpref.WithTags("a", "3")))
	assert.Len(t, result, 0)
}

func TestSelector_SecondaryPreferred_falls_back_to_primary(t *testing.T) {
	t.Parallel()

	topo := description.Topology{
		Kind:    description.TopologyKindReplicaSetWithPrimary,
		Servers: []description.Server{readPrefTestPrimary},
	}
	result, err := (&ReadPref{ReadPref: readpref.SecondaryPreferred()}).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	assert.Equal(t, []description.Server{readPrefTestPrimary}, result)
}

func TestSelector_Nearest(t *testing.T) {
	t.Parallel()

	result := selectServers(t, readpref.Nearest())
	assert.Len(t, result, 3)
}

func TestSelector_Max_staleness_too_low(t *testing.T) {
	t.Parallel()

	_, err := (&ReadPref{ReadPref: readpref.Secondary(readpref.WithMaxStaleness(time.Second))}).
		SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)
	assert.Error(t, err)
}

func TestSelector_Max_staleness_filters_stale_secondary(t *testing.T) {
	t.Parallel()

	result := selectServers(t, readpref.Secondary(readpref.WithMaxStaleness(90*time.Second)))
	assert.Equal(t, []description.Server{readPrefTestSecondary2}, result)
}

func TestSelector_Write(t *testing.T) {
	t.Parallel()

	result, err := (&Write{}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)
	require.NoError(t, err)
	assert.Equal(t, []description.Server{readPrefTestPrimary}, result)
}

func TestSelector_Latency(t *testing.T) {
	t.Parallel()

	near := readPrefTestPrimary
	near.AverageRTT = 10 * time.Millisecond
	near.AverageRTTSet = true

	far := readPrefTestSecondary1
	far.AverageRTT = 100 * time.Millisecond
	far.AverageRTTSet = true

	topo := description.Topology{
		Kind:    description.TopologyKindReplicaSetWithPrimary,
		Servers: []description.Server{near, far},
	}

	result, err := (&Latency{Latency: 20 * time.Millisecond}).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	assert.Equal(t, []description.Server{near}, result)
}

func TestSelector_Composite(t *testing.T) {
	t.Parallel()

	composite := &Composite{
		Selectors: []description.ServerSelector{
			&ReadPref{ReadPref: readpref.Nearest()},
			&Latency{Latency: -1},
		},
	}

	result, err := composite.SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)
	require.NoError(t, err)
	assert.Len(t, result, 3)
}
