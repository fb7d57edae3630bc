// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package jsoncore contains the opaque document representation that crosses
// the driver core's boundary. The real wire codec lives in the transport
// collaborator; within the core a document is just a JSON payload that can be
// carried around, compared, and have top-level fields looked up.
package jsoncore

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ErrElementNotFound indicates that an element was not found in a document.
var ErrElementNotFound = errors.New("element not found")

// Document is an opaque JSON document.
type Document []byte

// NewDocument marshals v into a Document. It panics if v cannot be
// marshaled, so it should only be used with values known to be valid, such as
// literals in tests and command constructors.
func NewDocument(v interface{}) Document {
	doc, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Document(doc)
}

// IsZero reports whether the document is empty.
func (d Document) IsZero() bool {
	return len(d) == 0
}

// Equal compares this document to another, returning true if they are equal.
func (d Document) Equal(other Document) bool {
	return bytes.Equal(d, other)
}

// String implements the fmt.Stringer interface.
func (d Document) String() string {
	return string(d)
}

// MarshalJSON returns d as the JSON encoding of d, so that documents embed
// into larger values without re-encoding.
func (d Document) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return d, nil
}

// UnmarshalJSON sets *d to a copy of data.
func (d *Document) UnmarshalJSON(data []byte) error {
	if d == nil {
		return errors.New("jsoncore.Document: UnmarshalJSON on nil pointer")
	}
	*d = append((*d)[0:0], data...)
	return nil
}

// Lookup returns the top-level element with the given key. It returns
// ErrElementNotFound if the key is absent and an error if the document is not
// valid JSON.
func (d Document) Lookup(key string) (Document, error) {
	var elems map[string]json.RawMessage
	if err := json.Unmarshal(d, &elems); err != nil {
		return nil, err
	}

	elem, ok := elems[key]
	if !ok {
		return nil, ErrElementNotFound
	}
	return Document(elem), nil
}

// Unmarshal unmarshals the document into v.
func (d Document) Unmarshal(v interface{}) error {
	return json.Unmarshal(d, v)
}
