// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readpref defines read preferences for replicated deployments.
package readpref

import (
	"time"

	"github.com/ikmak/docdriver/tag"
)

// Primary constructs a read preference with a PrimaryMode.
func Primary() *ReadPref {
	return &ReadPref{mode: PrimaryMode}
}

// PrimaryPreferred constructs a read preference with a PrimaryPreferredMode.
func PrimaryPreferred(opts ...Option) *ReadPref {
	return newReadPref(PrimaryPreferredMode, opts...)
}

// SecondaryPreferred constructs a read preference with a SecondaryPreferredMode.
func SecondaryPreferred(opts ...Option) *ReadPref {
	return newReadPref(SecondaryPreferredMode, opts...)
}

// Secondary constructs a read preference with a SecondaryMode.
func Secondary(opts ...Option) *ReadPref {
	return newReadPref(SecondaryMode, opts...)
}

// Nearest constructs a read preference with a NearestMode.
func Nearest(opts ...Option) *ReadPref {
	return newReadPref(NearestMode, opts...)
}

func newReadPref(mode Mode, opts ...Option) *ReadPref {
	rp := &ReadPref{mode: mode}
	for _, opt := range opts {
		if opt != nil {
			opt(rp)
		}
	}
	return rp
}

// Option configures a read preference.
type Option func(*ReadPref)

// WithMaxStaleness sets the maximum staleness a server is allowed.
func WithMaxStaleness(ms time.Duration) Option {
	return func(rp *ReadPref) {
		rp.maxStaleness = ms
		rp.maxStalenessSet = true
	}
}

// WithTags specifies a single tag set used to match replica set members. The
// number of arguments must be even, alternating between tag names and values.
func WithTags(tags ...string) Option {
	return func(rp *ReadPref) {
		set := make(tag.Set, 0, len(tags)/2)
		for i := 1; i < len(tags); i += 2 {
			set = append(set, tag.Tag{Name: tags[i-1], Value: tags[i]})
		}
		rp.tagSets = []tag.Set{set}
	}
}

// WithTagSets specifies the tag sets used to match replica set members.
func WithTagSets(tagSets ...tag.Set) Option {
	return func(rp *ReadPref) {
		rp.tagSets = tagSets
	}
}

// ReadPref determines which servers are considered suitable for read operations.
type ReadPref struct {
	maxStaleness    time.Duration
	maxStalenessSet bool
	mode            Mode
	tagSets         []tag.Set
}

// MaxStaleness is the maximum amount of time to allow a server to be
// considered eligible for selection. The second return value indicates if
// this value has been set.
func (r *ReadPref) MaxStaleness() (time.Duration, bool) {
	return r.maxStaleness, r.maxStalenessSet
}

// Mode indicates the mode of the read preference.
func (r *ReadPref) Mode() Mode {
	return r.mode
}

// TagSets are multiple tag sets indicating which servers should be considered.
func (r *ReadPref) TagSets() []tag.Set {
	return r.tagSets
}

// String returns a human-readable description of the read preference.
func (r *ReadPref) String() string {
	if r == nil {
		return "<nil>"
	}
	return r.mode.String()
}
