// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persistence defines the durable, key-indexed document store the
// offline caches and the outbox are written to.
//
// Collections map to tables (sqlite) or maps (memory). Every document carries
// its key in the "id" field. Implementations must be safe for concurrent use.
package persistence

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a document or collection does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when inserting a document whose id already exists.
	ErrConflict = errors.New("document already exists")
	// ErrClosed is returned by any operation on a closed store or a finished transaction.
	ErrClosed = errors.New("store is closed")
)

// Document is a schema-less record. Values are JSON-compatible scalars,
// slices and nested maps.
type Document map[string]interface{}

// ID returns the document key, or "" if it has none.
func (d Document) ID() string {
	id, _ := d["id"].(string)

	return id
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	c := make(Document, len(d))
	for k, v := range d {
		c[k] = v
	}

	return c
}

// Schema is reserved for backends that need a table definition. Both
// shipped backends ignore it.
type Schema struct{}

// Store provides CRUD operations on collections of documents.
//
// Get, Update and Delete return ErrNotFound for a missing id. Insert returns
// ErrConflict for an existing id and generates an id when the document has none.
// Upsert creates or replaces a document atomically. CreateCollection is a
// no-op for an existing collection.
type Store interface {
	CreateCollection(ctx context.Context, name string, schema *Schema) error
	DropCollection(ctx context.Context, name string) error

	Insert(ctx context.Context, collection string, doc Document) (id string, err error)
	Get(ctx context.Context, collection string, id string) (Document, error)
	Update(ctx context.Context, collection string, id string, doc Document) error
	Upsert(ctx context.Context, collection string, id string, doc Document) error
	Delete(ctx context.Context, collection string, id string) error
	Find(ctx context.Context, collection string, query Query) ([]Document, error)

	// Maintenance compacts the underlying storage. It may block other
	// callers while it runs and must honor ctx cancellation.
	Maintenance(ctx context.Context) error

	// BeginTx starts a transaction. Nested transactions are not supported.
	BeginTx(ctx context.Context) (Tx, error)

	Close(ctx context.Context) error
}

// Tx groups writes that must become visible together. Rollback after
// Commit is a no-op, so `defer tx.Rollback()` is always safe.
type Tx interface {
	Store

	Commit() error
	Rollback() error
}

// ValidateContext rejects nil and already cancelled contexts.
func ValidateContext(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}

	return ctx.Err()
}
