// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"io"

	"github.com/ikmak/docdriver/x/jsoncore"
)

// Batches contains the necessary information to batch split an operation.
// This is only used for write operations.
type Batches struct {
	Identifier string
	Documents  []jsoncore.Document
	Ordered    *bool

	offset int
}

// NextBatch returns the documents for the next attempt as long as the limits
// of max count and total size allow. It returns the number of documents
// taken along with the documents themselves. It returns io.EOF when no
// documents remain.
func (b *Batches) NextBatch(maxCount, totalSize int) (int, []jsoncore.Document, error) {
	if b.Size() == 0 {
		return 0, nil, io.EOF
	}
	if maxCount <= 0 {
		maxCount = len(b.Documents) - b.offset
	}
	var size int
	var n int
	for i := b.offset; i < len(b.Documents); i++ {
		if n == maxCount {
			break
		}
		size += len(b.Documents[i])
		if totalSize > 0 && size > totalSize && n > 0 {
			break
		}
		n++
	}
	return n, b.Documents[b.offset : b.offset+n], nil
}

// IsOrdered indicates if the batches are ordered.
func (b *Batches) IsOrdered() *bool {
	return b.Ordered
}

// AdvanceBatches advances the batches with the given input.
func (b *Batches) AdvanceBatches(n int) {
	b.offset += n
	if b.offset > len(b.Documents) {
		b.offset = len(b.Documents)
	}
}

// Size returns the number of documents remaining.
func (b *Batches) Size() int {
	if b.offset > len(b.Documents) {
		return 0
	}
	return len(b.Documents) - b.offset
}
