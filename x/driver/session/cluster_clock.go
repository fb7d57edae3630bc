// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"

	"github.com/ikmak/docdriver/x/jsoncore"
)

// ClusterClock represents a logical clock for the deployment. It is shared by
// every session created by a client so cluster times observed anywhere
// advance everywhere.
type ClusterClock struct {
	clusterTime jsoncore.Document
	lock        sync.Mutex
}

// GetClusterTime returns the cluster's current time.
func (cc *ClusterClock) GetClusterTime() jsoncore.Document {
	var ct jsoncore.Document
	cc.lock.Lock()
	ct = cc.clusterTime
	cc.lock.Unlock()

	return ct
}

// AdvanceClusterTime updates the cluster's current time.
func (cc *ClusterClock) AdvanceClusterTime(clusterTime jsoncore.Document) {
	cc.lock.Lock()
	cc.clusterTime = MaxClusterTime(cc.clusterTime, clusterTime)
	cc.lock.Unlock()
}

// getClusterTime decodes the timestamp out of a cluster time document of the
// shape {"$clusterTime": {"clusterTime": {"t": ..., "i": ...}}}, the envelope
// servers report and sessions store.
func getClusterTime(clusterTime jsoncore.Document) (uint32, uint32) {
	if clusterTime.IsZero() {
		return 0, 0
	}

	var ct struct {
		ClusterTime struct {
			ClusterTime struct {
				T uint32 `json:"t"`
				I uint32 `json:"i"`
			} `json:"clusterTime"`
		} `json:"$clusterTime"`
	}
	if err := clusterTime.Unmarshal(&ct); err != nil {
		return 0, 0
	}

	return ct.ClusterTime.ClusterTime.T, ct.ClusterTime.ClusterTime.I
}

// MaxClusterTime compares 2 cluster time documents and returns the document
// representing the highest cluster time.
func MaxClusterTime(ct1, ct2 jsoncore.Document) jsoncore.Document {
	epoch1, ord1 := getClusterTime(ct1)
	epoch2, ord2 := getClusterTime(ct2)

	switch {
	case epoch1 > epoch2:
		return ct1
	case epoch1 < epoch2:
		return ct2
	case ord1 > ord2:
		return ct1
	case ord1 < ord2:
		return ct2
	}

	return ct1
}
