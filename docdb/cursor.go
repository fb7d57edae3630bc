// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package docdb

import (
	"context"

	"github.com/ikmak/docdriver/x/driver"
	"github.com/ikmak/docdriver/x/jsoncore"
)

// Cursor iterates the documents of a multi-batch result. Batches after the
// first are fetched from the same server the cursor was created on. A Cursor
// is not safe for concurrent use by multiple goroutines.
type Cursor struct {
	// Current is the document the cursor currently points at.
	Current jsoncore.Document

	bc    *driver.BatchCursor
	batch []jsoncore.Document
	err   error
}

func newCursor(bc *driver.BatchCursor) *Cursor {
	return &Cursor{bc: bc}
}

// ID returns the ID of this cursor, or 0 if the cursor has been closed or
// exhausted.
func (c *Cursor) ID() int64 {
	return c.bc.ID()
}

// Next gets the next document for this cursor, storing it into c.Current. It
// returns true if there were no errors and the next document is available.
// It blocks until a document is available or the cursor is exhausted.
func (c *Cursor) Next(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if len(c.batch) > 0 {
			c.Current = c.batch[0]
			c.batch = c.batch[1:]
			return true
		}

		if c.err != nil {
			return false
		}

		if !c.bc.Next(ctx) {
			c.err = c.bc.Err()
			// An empty batch with a live cursor is not exhaustion; poll
			// again.
			if c.err == nil && c.bc.ID() != 0 {
				continue
			}
			return false
		}
		c.batch = c.bc.Batch()
	}
}

// Err returns the last error seen by the Cursor, or nil if no error has
// occurred.
func (c *Cursor) Err() error {
	return replaceErrors(c.err)
}

// Close closes this cursor, freeing the server-side resources it holds.
func (c *Cursor) Close(ctx context.Context) error {
	return replaceErrors(c.bc.Close(ctx))
}

// All iterates the cursor to exhaustion and returns every remaining
// document. The cursor is closed afterwards.
func (c *Cursor) All(ctx context.Context) ([]jsoncore.Document, error) {
	var results []jsoncore.Document
	for c.Next(ctx) {
		results = append(results, c.Current)
	}
	if err := c.Err(); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	return results, c.Close(ctx)
}

// Decode unmarshals the current document into v.
func (c *Cursor) Decode(v interface{}) error {
	return c.Current.Unmarshal(v)
}
