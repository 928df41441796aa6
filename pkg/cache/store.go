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

// Package cache keeps server-sourced resources and downloaded documents
// available offline.
//
// Store holds CachedEntry records. The persistence store is the source of
// truth; an in-memory hot tier in front of it only saves decoding work.
// Expiry is always decided with the injected clock, never by the hot tier.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/field-companion/pkg/constants"
	"github.com/united-manufacturing-hub/field-companion/pkg/logger"
	"github.com/united-manufacturing-hub/field-companion/pkg/metrics"
	"github.com/united-manufacturing-hub/field-companion/pkg/models"
	"github.com/united-manufacturing-hub/field-companion/pkg/persistence"
)

const (
	defaultHotTTL     = 10 * time.Minute
	defaultHotCleanup = 15 * time.Minute
)

// Stats summarizes the cache contents.
type Stats struct {
	EntryCount   int   `json:"entryCount"`
	TotalBytes   int64 `json:"totalBytes"`
	ExpiredCount int   `json:"expiredCount"`
}

// Store is the Cache Store. It is safe for concurrent use.
type Store struct {
	store persistence.Store
	hot   *gocache.Cache
	codec *payloadCodec
	clock clockwork.Clock
	log   *zap.SugaredLogger

	// serializes read-modify-write cycles on entries
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*options)

type options struct {
	clock                clockwork.Clock
	hotTTL               time.Duration
	compressionThreshold int
}

// WithClock sets the clock expiry is computed with.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithHotTTL sets how long decoded entries stay in memory. Zero disables the hot tier.
func WithHotTTL(ttl time.Duration) Option {
	return func(o *options) { o.hotTTL = ttl }
}

// WithCompressionThreshold sets the payload size above which payloads are
// stored zstd-compressed. Zero disables compression.
func WithCompressionThreshold(n int) Option {
	return func(o *options) { o.compressionThreshold = n }
}

// NewStore creates the cache collection if needed and returns a Store on top of store.
func NewStore(ctx context.Context, store persistence.Store, opts ...Option) (*Store, error) {
	o := options{
		clock:                clockwork.NewRealClock(),
		hotTTL:               defaultHotTTL,
		compressionThreshold: DefaultCompressionThreshold,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := store.CreateCollection(ctx, constants.CacheCollection, nil); err != nil {
		return nil, fmt.Errorf("failed to create cache collection: %w", err)
	}

	codec, err := newPayloadCodec(o.compressionThreshold)
	if err != nil {
		return nil, err
	}

	s := &Store{
		store: store,
		codec: codec,
		clock: o.clock,
		log:   logger.For(logger.ComponentCache),
	}

	if o.hotTTL > 0 {
		s.hot = gocache.New(o.hotTTL, defaultHotCleanup)
	}

	return s, nil
}

// Close releases the compression resources. The persistence store is owned by the caller.
func (s *Store) Close() {
	s.codec.close()

	if s.hot != nil {
		s.hot.Flush()
	}
}

// Get returns the entry, or nil if it is missing, expired or has no payload.
// Only a valid hit counts as an access.
func (s *Store) Get(ctx context.Context, id string) (*models.CachedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()

	switch {
	case entry == nil:
		metrics.IncCacheLookup(metrics.CacheMiss)

		return nil, nil
	case entry.IsExpired(now):
		metrics.IncCacheLookup(metrics.CacheExpired)

		return nil, nil
	case !entry.IsValid(now):
		// stored without payload
		metrics.IncCacheLookup(metrics.CacheMiss)

		return nil, nil
	}

	metrics.IncCacheLookup(metrics.CacheHit)

	entry.RecordAccess(now)

	if err := s.save(ctx, entry); err != nil {
		return nil, err
	}

	return cloneEntry(entry), nil
}

// GetIncludingExpired returns the stored entry regardless of expiry, for
// offline fallback. It does not count as an access.
func (s *Store) GetIncludingExpired(ctx context.Context, id string) (*models.CachedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.load(ctx, id)
	if err != nil || entry == nil {
		return nil, err
	}

	return cloneEntry(entry), nil
}

// Put stores entry, replacing any previous version, and restarts its expiry
// from now according to ttl. Access statistics of a replaced entry are kept.
func (s *Store) Put(ctx context.Context, entry *models.CachedEntry, ttl TTLClass) error {
	if entry == nil || entry.ID == "" {
		return errors.New("cache entry must have an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	stored := cloneEntry(entry)
	stored.UpdateData(stored.Payload, ttl.Duration(), now)

	existing, err := s.load(ctx, entry.ID)
	if err != nil {
		return err
	}

	switch {
	case existing != nil && existing.AccessCount > stored.AccessCount:
		stored.AccessCount = existing.AccessCount
		stored.LastAccessedAt = existing.LastAccessedAt
	case stored.LastAccessedAt.IsZero():
		stored.LastAccessedAt = now
	}

	return s.save(ctx, stored)
}

// Invalidate expires the entry now. A missing entry is ignored.
func (s *Store) Invalidate(ctx context.Context, id string) error {
	return s.modify(ctx, id, func(e *models.CachedEntry, now time.Time) {
		e.Invalidate(now)
	})
}

// RecordAccess counts one access of the entry. A missing entry is ignored.
func (s *Store) RecordAccess(ctx context.Context, id string) error {
	return s.modify(ctx, id, func(e *models.CachedEntry, now time.Time) {
		e.RecordAccess(now)
	})
}

// ExtendTTL pushes the expiry of a non-expired entry out to now+ttl. It never
// shortens the expiry and never revives an entry without an expiry.
func (s *Store) ExtendTTL(ctx context.Context, id string, ttl TTLClass) error {
	return s.modify(ctx, id, func(e *models.CachedEntry, now time.Time) {
		e.ExtendTTL(ttl.Duration(), now)
	})
}

// Delete removes the entry. A missing entry is ignored.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.forget(id)

	err := s.store.Delete(ctx, constants.CacheCollection, id)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("failed to delete cache entry %s: %w", id, err)
	}

	return nil
}

// PurgeExpired deletes every expired entry and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.store.Find(ctx, constants.CacheCollection, *s.expiredQuery(""))
	if err != nil {
		return 0, fmt.Errorf("failed to find expired cache entries: %w", err)
	}

	if len(docs) == 0 {
		return 0, nil
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, doc := range docs {
		if err := tx.Delete(ctx, constants.CacheCollection, doc.ID()); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return 0, fmt.Errorf("failed to purge cache entry %s: %w", doc.ID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}

	for _, doc := range docs {
		s.forget(doc.ID())
	}

	metrics.AddCachePurged(len(docs))
	s.log.Debugf("Purged %d expired cache entries", len(docs))

	return len(docs), nil
}

// ListByParent returns all entries, expired or not, that belong to parentID, ordered by id.
func (s *Store) ListByParent(ctx context.Context, parentID string) ([]*models.CachedEntry, error) {
	q := persistence.NewQuery().
		Filter("parentId", persistence.Eq, parentID).
		Sort("id", persistence.Asc).
		WithMaxFindLimit(persistence.Unlimited)

	return s.find(ctx, q)
}

// Expired returns the expired entries of parentID, most accessed first, at most limit.
// An empty parentID selects expired entries of every parent. A limit of zero means no limit.
func (s *Store) Expired(ctx context.Context, parentID string, limit int) ([]*models.CachedEntry, error) {
	q := s.expiredQuery(parentID).
		Sort("accessCount", persistence.Desc).
		Sort("id", persistence.Asc).
		Limit(limit)

	return s.find(ctx, q)
}

// Stats counts entries, their payload size and how many are expired.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	docs, err := s.store.Find(ctx, constants.CacheCollection, *persistence.NewQuery().WithMaxFindLimit(persistence.Unlimited))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list cache entries: %w", err)
	}

	nowKey := persistence.TimeKey(s.clock.Now())

	var stats Stats

	for _, doc := range docs {
		stats.EntryCount++

		if size, ok := doc["sizeBytes"].(float64); ok {
			stats.TotalBytes += int64(size)
		}

		if key, ok := doc["expiresAtKey"].(string); ok && key != "" && key <= nowKey {
			stats.ExpiredCount++
		}
	}

	return stats, nil
}

func (s *Store) expiredQuery(parentID string) *persistence.Query {
	q := persistence.NewQuery().
		Filter("expiresAtKey", persistence.Exists, true).
		Filter("expiresAtKey", persistence.Lte, persistence.TimeKey(s.clock.Now())).
		WithMaxFindLimit(persistence.Unlimited)

	if parentID != "" {
		q.Filter("parentId", persistence.Eq, parentID)
	}

	return q
}

func (s *Store) find(ctx context.Context, q *persistence.Query) ([]*models.CachedEntry, error) {
	docs, err := s.store.Find(ctx, constants.CacheCollection, *q)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entries: %w", err)
	}

	entries := make([]*models.CachedEntry, 0, len(docs))

	for _, doc := range docs {
		entry, err := s.codec.fromDocument(doc)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *Store) modify(ctx context.Context, id string, fn func(*models.CachedEntry, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.load(ctx, id)
	if err != nil || entry == nil {
		return err
	}

	fn(entry, s.clock.Now())

	return s.save(ctx, entry)
}

// load returns a private copy of the entry or nil if it does not exist.
func (s *Store) load(ctx context.Context, id string) (*models.CachedEntry, error) {
	if s.hot != nil {
		if v, ok := s.hot.Get(id); ok {
			entry, _ := v.(*models.CachedEntry)

			return cloneEntry(entry), nil
		}
	}

	doc, err := s.store.Get(ctx, constants.CacheCollection, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry %s: %w", id, err)
	}

	entry, err := s.codec.fromDocument(doc)
	if err != nil {
		return nil, err
	}

	s.remember(entry)

	return entry, nil
}

func (s *Store) save(ctx context.Context, entry *models.CachedEntry) error {
	doc, err := s.codec.toDocument(entry)
	if err != nil {
		return err
	}

	if err := s.store.Upsert(ctx, constants.CacheCollection, entry.ID, doc); err != nil {
		s.forget(entry.ID)

		return fmt.Errorf("failed to write cache entry %s: %w", entry.ID, err)
	}

	s.remember(entry)

	return nil
}

func (s *Store) remember(entry *models.CachedEntry) {
	if s.hot != nil {
		s.hot.SetDefault(entry.ID, cloneEntry(entry))
	}
}

func (s *Store) forget(id string) {
	if s.hot != nil {
		s.hot.Delete(id)
	}
}

