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

// Package memory is a persistence.Store kept entirely in process memory.
// It backs tests and the "memory" storage driver; nothing survives a restart.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/field-companion/pkg/persistence"
)

var errTxDone = errors.New("transaction already completed")

// InMemoryStore keeps collections as maps of document copies. Callers never
// share a map with the store.
type InMemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]persistence.Document
	closed      bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		collections: make(map[string]map[string]persistence.Document),
	}
}

func (s *InMemoryStore) CreateCollection(ctx context.Context, name string, _ *persistence.Schema) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.ErrClosed
	}

	if _, exists := s.collections[name]; !exists {
		s.collections[name] = make(map[string]persistence.Document)
	}

	return nil
}

func (s *InMemoryStore) DropCollection(ctx context.Context, name string) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[name]; !exists {
		return fmt.Errorf("collection %q does not exist", name)
	}

	delete(s.collections, name)

	return nil
}

func (s *InMemoryStore) Insert(ctx context.Context, collection string, doc persistence.Document) (string, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return "", err
	}

	doc = withID(doc)
	id := doc.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.collectionLocked(collection)
	if err != nil {
		return "", err
	}

	if _, exists := coll[id]; exists {
		return "", persistence.ErrConflict
	}

	coll[id] = doc

	return id, nil
}

func (s *InMemoryStore) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}

	doc, exists := s.collections[collection][id]
	if !exists {
		return nil, persistence.ErrNotFound
	}

	return doc.Clone(), nil
}

func (s *InMemoryStore) Update(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.collectionLocked(collection)
	if err != nil {
		return err
	}

	if _, exists := coll[id]; !exists {
		return persistence.ErrNotFound
	}

	coll[id] = withKey(doc, id)

	return nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.collectionLocked(collection)
	if err != nil {
		return err
	}

	coll[id] = withKey(doc, id)

	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, collection string, id string) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.collectionLocked(collection)
	if err != nil {
		return err
	}

	if _, exists := coll[id]; !exists {
		return persistence.ErrNotFound
	}

	delete(coll, id)

	return nil
}

func (s *InMemoryStore) Find(ctx context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()

	if s.closed {
		s.mu.RUnlock()

		return nil, persistence.ErrClosed
	}

	coll, exists := s.collections[collection]
	if !exists {
		s.mu.RUnlock()

		return nil, persistence.ErrNotFound
	}

	results := make([]persistence.Document, 0, len(coll))
	for _, doc := range coll {
		results = append(results, doc.Clone())
	}

	s.mu.RUnlock()

	return query.Apply(results)
}

func (s *InMemoryStore) Maintenance(ctx context.Context) error {
	return persistence.ValidateContext(ctx)
}

func (s *InMemoryStore) BeginTx(ctx context.Context) (persistence.Tx, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, persistence.ErrClosed
	}

	return &inMemoryTx{
		store:   s,
		changes: make(map[string]map[string]persistence.Document),
		deletes: make(map[string]map[string]bool),
	}, nil
}

func (s *InMemoryStore) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.collections = make(map[string]map[string]persistence.Document)

	return nil
}

// collectionLocked returns the named collection, creating it on first write.
// Callers must hold the write lock.
func (s *InMemoryStore) collectionLocked(name string) (map[string]persistence.Document, error) {
	if s.closed {
		return nil, persistence.ErrClosed
	}

	coll, exists := s.collections[name]
	if !exists {
		coll = make(map[string]persistence.Document)
		s.collections[name] = coll
	}

	return coll, nil
}

// withID copies doc and assigns a generated id when it has none.
func withID(doc persistence.Document) persistence.Document {
	c := doc.Clone()
	if c.ID() == "" {
		c["id"] = uuid.New().String()
	}

	return c
}

// withKey copies doc and forces its id field to match the storage key.
func withKey(doc persistence.Document, id string) persistence.Document {
	c := doc.Clone()
	c["id"] = id

	return c
}

// inMemoryTx buffers writes and applies them under the store lock on Commit.
// Reads see the transaction's own writes layered over the committed state.
type inMemoryTx struct {
	store      *InMemoryStore
	committed  bool
	rolledBack bool
	changes    map[string]map[string]persistence.Document
	deletes    map[string]map[string]bool
	mu         sync.Mutex
}

func (tx *inMemoryTx) CreateCollection(ctx context.Context, name string, schema *persistence.Schema) error {
	return tx.store.CreateCollection(ctx, name, schema)
}

func (tx *inMemoryTx) DropCollection(ctx context.Context, name string) error {
	return tx.store.DropCollection(ctx, name)
}

func (tx *inMemoryTx) Insert(ctx context.Context, collection string, doc persistence.Document) (string, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return "", err
	}

	doc = withID(doc)
	id := doc.ID()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done() {
		return "", errTxDone
	}

	if _, err := tx.getLocked(ctx, collection, id); err == nil {
		return "", persistence.ErrConflict
	}

	tx.stage(collection, id, doc)

	return id, nil
}

func (tx *inMemoryTx) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return nil, err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done() {
		return nil, errTxDone
	}

	return tx.getLocked(ctx, collection, id)
}

func (tx *inMemoryTx) Update(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done() {
		return errTxDone
	}

	if _, err := tx.getLocked(ctx, collection, id); err != nil {
		return err
	}

	tx.stage(collection, id, withKey(doc, id))

	return nil
}

func (tx *inMemoryTx) Upsert(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done() {
		return errTxDone
	}

	tx.stage(collection, id, withKey(doc, id))

	return nil
}

func (tx *inMemoryTx) Delete(ctx context.Context, collection string, id string) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done() {
		return errTxDone
	}

	if _, err := tx.getLocked(ctx, collection, id); err != nil {
		return err
	}

	if tx.deletes[collection] == nil {
		tx.deletes[collection] = make(map[string]bool)
	}

	tx.deletes[collection][id] = true
	delete(tx.changes[collection], id)

	return nil
}

func (tx *inMemoryTx) Find(ctx context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return nil, err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done() {
		return nil, errTxDone
	}

	committed, err := tx.store.Find(ctx, collection, persistence.Query{MaxFindLimit: persistence.Unlimited})
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	merged := make([]persistence.Document, 0, len(committed)+len(tx.changes[collection]))

	for _, doc := range committed {
		id := doc.ID()
		if tx.deletes[collection][id] {
			continue
		}

		if _, staged := tx.changes[collection][id]; staged {
			continue
		}

		merged = append(merged, doc)
	}

	for _, doc := range tx.changes[collection] {
		merged = append(merged, doc.Clone())
	}

	return query.Apply(merged)
}

func (tx *inMemoryTx) Maintenance(_ context.Context) error {
	return errors.New("maintenance is not supported inside a transaction")
}

func (tx *inMemoryTx) BeginTx(_ context.Context) (persistence.Tx, error) {
	return nil, errors.New("nested transactions not supported")
}

func (tx *inMemoryTx) Close(_ context.Context) error {
	return errors.New("cannot close transaction directly, use Commit or Rollback")
}

func (tx *inMemoryTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return nil
	}

	if tx.rolledBack {
		return errors.New("transaction was rolled back")
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	if tx.store.closed {
		return persistence.ErrClosed
	}

	for collection, deletes := range tx.deletes {
		for id := range deletes {
			delete(tx.store.collections[collection], id)
		}
	}

	for collection, changes := range tx.changes {
		coll, _ := tx.store.collectionLocked(collection)
		for id, doc := range changes {
			coll[id] = doc
		}
	}

	tx.committed = true

	return nil
}

func (tx *inMemoryTx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.rolledBack || tx.committed {
		return nil
	}

	tx.rolledBack = true
	tx.changes = make(map[string]map[string]persistence.Document)
	tx.deletes = make(map[string]map[string]bool)

	return nil
}

func (tx *inMemoryTx) done() bool {
	return tx.committed || tx.rolledBack
}

func (tx *inMemoryTx) stage(collection, id string, doc persistence.Document) {
	if tx.changes[collection] == nil {
		tx.changes[collection] = make(map[string]persistence.Document)
	}

	tx.changes[collection][id] = doc

	if tx.deletes[collection] != nil {
		delete(tx.deletes[collection], id)
	}
}

func (tx *inMemoryTx) getLocked(ctx context.Context, collection, id string) (persistence.Document, error) {
	if tx.deletes[collection][id] {
		return nil, persistence.ErrNotFound
	}

	if doc, ok := tx.changes[collection][id]; ok {
		return doc.Clone(), nil
	}

	return tx.store.Get(ctx, collection, id)
}
