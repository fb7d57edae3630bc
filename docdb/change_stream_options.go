// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package docdb

import (
	"time"

	"github.com/ikmak/docdriver/x/jsoncore"
)

// ChangeStreamOptions contains options to configure a change stream.
type ChangeStreamOptions struct {
	// BatchSize is the maximum number of events per server batch.
	BatchSize *int32

	// FullDocument controls how much of the changed document events carry.
	FullDocument *string

	// MaxAwaitTime is the maximum amount of time the server waits for new
	// events before returning an empty batch.
	MaxAwaitTime *time.Duration

	// ResumeAfter is a resume token; the stream reports only events strictly
	// after the token.
	ResumeAfter jsoncore.Document

	// StartAfter is a resume token; the stream starts at-or-after the token.
	// It applies only until the stream has received its first batch.
	StartAfter jsoncore.Document

	// StartAtOperationTime starts the stream at the given cluster time. Only
	// used when no resume token is available.
	StartAtOperationTime jsoncore.Document
}

// NewChangeStreamOptions creates a new ChangeStreamOptions instance.
func NewChangeStreamOptions() *ChangeStreamOptions {
	return &ChangeStreamOptions{}
}

// SetBatchSize sets the maximum number of events per server batch.
func (cso *ChangeStreamOptions) SetBatchSize(i int32) *ChangeStreamOptions {
	cso.BatchSize = &i
	return cso
}

// SetFullDocument sets how much of the changed document events carry.
func (cso *ChangeStreamOptions) SetFullDocument(fd string) *ChangeStreamOptions {
	cso.FullDocument = &fd
	return cso
}

// SetMaxAwaitTime sets how long the server waits for new events before
// returning an empty batch.
func (cso *ChangeStreamOptions) SetMaxAwaitTime(d time.Duration) *ChangeStreamOptions {
	cso.MaxAwaitTime = &d
	return cso
}

// SetResumeAfter sets the token the stream resumes strictly after.
func (cso *ChangeStreamOptions) SetResumeAfter(token jsoncore.Document) *ChangeStreamOptions {
	cso.ResumeAfter = token
	return cso
}

// SetStartAfter sets the token the stream starts at-or-after.
func (cso *ChangeStreamOptions) SetStartAfter(token jsoncore.Document) *ChangeStreamOptions {
	cso.StartAfter = token
	return cso
}

// SetStartAtOperationTime sets the cluster time the stream starts at.
func (cso *ChangeStreamOptions) SetStartAtOperationTime(t jsoncore.Document) *ChangeStreamOptions {
	cso.StartAtOperationTime = t
	return cso
}
