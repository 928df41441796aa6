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

// Package outbox persists local mutations until the sync engine has
// transmitted them.
//
// Every status change goes through the lifecycle in lifecycle.go. Operations
// are ordered by priority (higher first), then by enqueue order.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/field-companion/pkg/constants"
	"github.com/united-manufacturing-hub/field-companion/pkg/logger"
	"github.com/united-manufacturing-hub/field-companion/pkg/metrics"
	"github.com/united-manufacturing-hub/field-companion/pkg/models"
	"github.com/united-manufacturing-hub/field-companion/pkg/persistence"
)

// ErrOperationNotFound is returned for an unknown operation id.
var ErrOperationNotFound = errors.New("outbox operation not found")

// storedOperation adds the index fields queries sort and filter on.
// Seq is the enqueue order and breaks CreatedAt ties.
type storedOperation struct {
	models.OutboxOperation

	Seq          int64  `json:"seq"`
	CreatedAtKey string `json:"createdAtKey"`
	UpdatedAtKey string `json:"updatedAtKey"`
}

type record struct {
	op  *models.OutboxOperation
	seq int64
}

// Store is the Outbox Store. It is safe for concurrent use.
type Store struct {
	store persistence.Store
	clock clockwork.Clock
	log   *zap.SugaredLogger

	// serializes read-modify-write cycles and guards seq
	mu  sync.Mutex
	seq int64
}

// NewStore creates the outbox collection if needed and resumes the enqueue sequence.
func NewStore(ctx context.Context, store persistence.Store, clock clockwork.Clock) (*Store, error) {
	if err := store.CreateCollection(ctx, constants.OutboxCollection, nil); err != nil {
		return nil, fmt.Errorf("failed to create outbox collection: %w", err)
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Store{
		store: store,
		clock: clock,
		log:   logger.For(logger.ComponentOutbox),
	}

	last, err := s.find(ctx, persistence.NewQuery().Sort("seq", persistence.Desc).Limit(1))
	if err != nil {
		return nil, err
	}

	if len(last) > 0 {
		s.seq = last[0].seq
	}

	return s, nil
}

// Enqueue records a new local mutation. ID, CreatedAt, Status and the attempt
// fields are set by the store.
//
// If the entity already has a pending operation and nothing in flight or
// failed, the new mutation is coalesced into it (see coalesce). The returned
// operation is the one that now carries the mutation; it is nil when a delete
// cancelled a create the server never saw.
func (s *Store) Enqueue(ctx context.Context, op models.OutboxOperation) (*models.OutboxOperation, error) {
	if !op.OperationKind.Valid() {
		return nil, fmt.Errorf("invalid operation kind %q", op.OperationKind)
	}

	if op.EntityKind == "" || op.EntityID == "" {
		return nil, errors.New("operation needs an entity kind and id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	open, err := s.find(ctx, persistence.NewQuery().
		Filter("entityId", persistence.Eq, op.EntityID).
		Filter("status", persistence.Ne, models.StatusCompleted).
		Sort("seq", persistence.Asc).
		WithMaxFindLimit(persistence.Unlimited))
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()

	if target := coalesceTarget(open); target != nil {
		merged, drop := coalesce(target.op, &op)

		switch {
		case drop:
			if err := s.delete(ctx, target.op.ID); err != nil {
				return nil, err
			}

			s.log.Debugf("Dropped %s %s/%s: cancelled by delete before sync", target.op.OperationKind, op.EntityKind, op.EntityID)

			return nil, nil
		case merged != nil:
			if err := s.write(ctx, merged, target.seq, now); err != nil {
				return nil, err
			}

			s.log.Debugf("Coalesced %s into pending %s %s", op.OperationKind, merged.OperationKind, merged.ID)

			return merged, nil
		}
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	op.CreatedAt = now
	op.Status = models.StatusPending
	op.AttemptCount = 0
	op.LastAttemptAt = nil
	op.LastError = nil
	op.Conflict = nil

	s.seq++

	if err := s.write(ctx, &op, s.seq, now); err != nil {
		s.seq--

		return nil, err
	}

	return &op, nil
}

// NextBatch returns up to limit operations eligible for an automatic run:
// pending or failed, below the retry limit and not waiting on a conflict.
// Ordered by priority descending, then FIFO. A limit of zero means no limit.
func (s *Store) NextBatch(ctx context.Context, limit int) ([]*models.OutboxOperation, error) {
	records, err := s.find(ctx, persistence.NewQuery().
		Filter("status", persistence.In, []string{string(models.StatusPending), string(models.StatusFailed)}).
		Filter("attemptCount", persistence.Lt, constants.MaxRetryAttempts).
		Filter("conflict", persistence.Exists, false).
		Sort("priority", persistence.Desc).
		Sort("createdAtKey", persistence.Asc).
		Sort("seq", persistence.Asc).
		Limit(limit).
		WithMaxFindLimit(persistence.Unlimited))
	if err != nil {
		return nil, err
	}

	batch := make([]*models.OutboxOperation, 0, len(records))

	for _, r := range records {
		if r.op.IsEligibleForBatch() {
			batch = append(batch, r.op)
		}
	}

	return batch, nil
}

// MarkInProgress moves a pending operation to inProgress and stamps the attempt time.
func (s *Store) MarkInProgress(ctx context.Context, id string) (*models.OutboxOperation, error) {
	return s.apply(ctx, id, EventMarkInProgress, func(op *models.OutboxOperation, now time.Time) {
		op.LastAttemptAt = &now
	})
}

// MarkCompleted moves an in-progress operation to completed.
func (s *Store) MarkCompleted(ctx context.Context, id string) (*models.OutboxOperation, error) {
	return s.apply(ctx, id, EventMarkCompleted, func(op *models.OutboxOperation, _ time.Time) {
		op.LastError = nil
	})
}

// MarkFailed records a failed attempt of an in-progress operation. The
// returned operation tells whether the retry limit is now reached.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) (*models.OutboxOperation, error) {
	return s.apply(ctx, id, EventMarkFailed, func(op *models.OutboxOperation, _ time.Time) {
		op.AttemptCount++
		op.LastError = errorString(cause)
	})
}

// MarkConflict fails an in-progress operation and attaches the server side of
// a conflict that needs a user decision. The operation is held back from
// automatic batches until ResolveConflict or ResetForRetry.
func (s *Store) MarkConflict(ctx context.Context, id string, conflict models.PendingConflict, cause error) (*models.OutboxOperation, error) {
	return s.apply(ctx, id, EventMarkFailed, func(op *models.OutboxOperation, now time.Time) {
		op.AttemptCount++
		op.LastError = errorString(cause)

		if conflict.DetectedAt.IsZero() {
			conflict.DetectedAt = now
		}

		op.Conflict = &conflict
	})
}

// ResetForRetry moves a failed operation back to pending. Resetting a frozen
// operation is a user decision: it clears the conflict and restores the full
// retry budget. Any other failed operation keeps its attempt count.
func (s *Store) ResetForRetry(ctx context.Context, id string) (*models.OutboxOperation, error) {
	return s.apply(ctx, id, EventResetForRetry, func(op *models.OutboxOperation, _ time.Time) {
		if op.HasExceededMaxRetries() || op.RequiresManualResolution() {
			op.AttemptCount = 0
			op.Conflict = nil
		}
	})
}

// ResolveConflict replaces the payload of a conflicted operation with the
// user's choice and re-queues it against the server version it conflicted with.
func (s *Store) ResolveConflict(ctx context.Context, id string, payload []byte) (*models.OutboxOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if r.op.Conflict == nil {
		return nil, fmt.Errorf("%w: operation %s has no pending conflict", ErrInvalidTransition, id)
	}

	if err := transition(r.op, EventResolveConflict); err != nil {
		return nil, err
	}

	r.op.Payload = payload
	r.op.BaseETag = r.op.Conflict.ServerETag
	r.op.BaseVersion = r.op.Conflict.ServerVersion
	r.op.Conflict = nil
	r.op.AttemptCount = 0
	r.op.LastError = nil

	if err := s.write(ctx, r.op, r.seq, s.clock.Now()); err != nil {
		return nil, err
	}

	return r.op, nil
}

// RecoverInterrupted fails every operation left inProgress, e.g. by a crash
// during a run. It must be called before the first run after startup.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.find(ctx, persistence.NewQuery().
		Filter("status", persistence.Eq, models.StatusInProgress).
		WithMaxFindLimit(persistence.Unlimited))
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	msg := "interrupted before the server confirmed the operation"

	for _, r := range records {
		if err := transition(r.op, EventRecoverInterrupted); err != nil {
			return 0, err
		}

		r.op.AttemptCount++
		r.op.LastError = &msg

		if err := s.write(ctx, r.op, r.seq, now); err != nil {
			return 0, err
		}
	}

	if len(records) > 0 {
		s.log.Warnf("Recovered %d interrupted outbox operations", len(records))
	}

	return len(records), nil
}

// Stats counts operations per status and publishes the counts as metrics.
func (s *Store) Stats(ctx context.Context) (models.OutboxStats, error) {
	records, err := s.find(ctx, persistence.NewQuery().WithMaxFindLimit(persistence.Unlimited))
	if err != nil {
		return models.OutboxStats{}, err
	}

	var stats models.OutboxStats
	for _, r := range records {
		stats.Add(r.op)
	}

	metrics.UpdateOutboxStats(stats)

	return stats, nil
}

// Get returns one operation.
func (s *Store) Get(ctx context.Context, id string) (*models.OutboxOperation, error) {
	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	return r.op, nil
}

// Remove deletes a completed operation, or a failed one the user discards.
// Pending and in-progress operations cannot be removed.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	if r.op.Status != models.StatusCompleted && r.op.Status != models.StatusFailed {
		return fmt.Errorf("%w: cannot remove operation %s in status %s", ErrInvalidTransition, id, r.op.Status)
	}

	return s.delete(ctx, id)
}

// PurgeCompleted deletes completed operations last changed before now-olderThan.
func (s *Store) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.find(ctx, persistence.NewQuery().
		Filter("status", persistence.Eq, models.StatusCompleted).
		Filter("updatedAtKey", persistence.Lte, persistence.TimeKey(s.clock.Now().Add(-olderThan))).
		WithMaxFindLimit(persistence.Unlimited))
	if err != nil {
		return 0, err
	}

	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		if err := tx.Delete(ctx, constants.OutboxCollection, r.op.ID); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return 0, fmt.Errorf("failed to purge operation %s: %w", r.op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}

	return len(records), nil
}

// Frozen returns the failed operations that wait on a user decision, oldest first.
func (s *Store) Frozen(ctx context.Context) ([]*models.OutboxOperation, error) {
	records, err := s.find(ctx, persistence.NewQuery().
		Filter("status", persistence.Eq, models.StatusFailed).
		Sort("seq", persistence.Asc).
		WithMaxFindLimit(persistence.Unlimited))
	if err != nil {
		return nil, err
	}

	frozen := make([]*models.OutboxOperation, 0, len(records))

	for _, r := range records {
		if r.op.IsFrozen() {
			frozen = append(frozen, r.op)
		}
	}

	return frozen, nil
}

// PendingForEntity returns the not yet completed operations of an entity in enqueue order.
func (s *Store) PendingForEntity(ctx context.Context, entityID string) ([]*models.OutboxOperation, error) {
	records, err := s.find(ctx, persistence.NewQuery().
		Filter("entityId", persistence.Eq, entityID).
		Filter("status", persistence.Ne, models.StatusCompleted).
		Sort("seq", persistence.Asc).
		WithMaxFindLimit(persistence.Unlimited))
	if err != nil {
		return nil, err
	}

	ops := make([]*models.OutboxOperation, 0, len(records))
	for _, r := range records {
		ops = append(ops, r.op)
	}

	return ops, nil
}

func (s *Store) apply(ctx context.Context, id, event string, mutate func(*models.OutboxOperation, time.Time)) (*models.OutboxOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()

	if err := transition(r.op, event); err != nil {
		return nil, err
	}

	mutate(r.op, now)

	if err := s.write(ctx, r.op, r.seq, now); err != nil {
		return nil, err
	}

	return r.op, nil
}

func (s *Store) get(ctx context.Context, id string) (*record, error) {
	doc, err := s.store.Get(ctx, constants.OutboxCollection, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read operation %s: %w", id, err)
	}

	return decode(doc)
}

func (s *Store) find(ctx context.Context, q *persistence.Query) ([]*record, error) {
	docs, err := s.store.Find(ctx, constants.OutboxCollection, *q)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}

	records := make([]*record, 0, len(docs))

	for _, doc := range docs {
		r, err := decode(doc)
		if err != nil {
			return nil, err
		}

		records = append(records, r)
	}

	return records, nil
}

func (s *Store) write(ctx context.Context, op *models.OutboxOperation, seq int64, now time.Time) error {
	doc, err := persistence.ToDocument(storedOperation{
		OutboxOperation: *op,
		Seq:             seq,
		CreatedAtKey:    persistence.TimeKey(op.CreatedAt),
		UpdatedAtKey:    persistence.TimeKey(now),
	})
	if err != nil {
		return err
	}

	if err := s.store.Upsert(ctx, constants.OutboxCollection, op.ID, doc); err != nil {
		return fmt.Errorf("failed to write operation %s: %w", op.ID, err)
	}

	return nil
}

func (s *Store) delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, constants.OutboxCollection, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("failed to delete operation %s: %w", id, err)
	}

	return nil
}

func decode(doc persistence.Document) (*record, error) {
	var stored storedOperation
	if err := persistence.FromDocument(doc, &stored); err != nil {
		return nil, err
	}

	op := stored.OutboxOperation

	return &record{op: &op, seq: stored.Seq}, nil
}

func errorString(err error) *string {
	if err == nil {
		return nil
	}

	msg := err.Error()

	return &msg
}
