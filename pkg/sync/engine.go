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

// Package sync drains the outbox against the remote repository, applies the
// configured conflict strategy and refreshes stale cache entries. One run is
// active at a time; operations of a run are dispatched sequentially.
package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/field-companion/pkg/backoff"
	"github.com/united-manufacturing-hub/field-companion/pkg/cache"
	"github.com/united-manufacturing-hub/field-companion/pkg/conflict"
	"github.com/united-manufacturing-hub/field-companion/pkg/constants"
	"github.com/united-manufacturing-hub/field-companion/pkg/logger"
	"github.com/united-manufacturing-hub/field-companion/pkg/metrics"
	"github.com/united-manufacturing-hub/field-companion/pkg/models"
	"github.com/united-manufacturing-hub/field-companion/pkg/outbox"
	"github.com/united-manufacturing-hub/field-companion/pkg/remote"
	"github.com/united-manufacturing-hub/field-companion/pkg/sentry"
)

// Outbox is the part of the outbox store the engine drives.
type Outbox interface {
	NextBatch(ctx context.Context, limit int) ([]*models.OutboxOperation, error)
	Get(ctx context.Context, id string) (*models.OutboxOperation, error)
	MarkInProgress(ctx context.Context, id string) (*models.OutboxOperation, error)
	MarkCompleted(ctx context.Context, id string) (*models.OutboxOperation, error)
	MarkFailed(ctx context.Context, id string, cause error) (*models.OutboxOperation, error)
	MarkConflict(ctx context.Context, id string, conflict models.PendingConflict, cause error) (*models.OutboxOperation, error)
	ResetForRetry(ctx context.Context, id string) (*models.OutboxOperation, error)
	ResolveConflict(ctx context.Context, id string, payload []byte) (*models.OutboxOperation, error)
	PendingForEntity(ctx context.Context, entityID string) ([]*models.OutboxOperation, error)
	Remove(ctx context.Context, id string) error
	Stats(ctx context.Context) (models.OutboxStats, error)
}

// Cache is the part of the cache store the engine writes to.
type Cache interface {
	GetIncludingExpired(ctx context.Context, id string) (*models.CachedEntry, error)
	Put(ctx context.Context, entry *models.CachedEntry, ttl cache.TTLClass) error
	Delete(ctx context.Context, id string) error
	Expired(ctx context.Context, parentID string, limit int) ([]*models.CachedEntry, error)
}

// Monitor is the network monitor as seen by the engine.
type Monitor interface {
	Current() models.NetworkStatus
	AllowsSync() bool
	Subscribe(ctx context.Context) <-chan models.NetworkStatus
}

// Config tunes the engine. Zero fields take the defaults.
type Config struct {
	BatchSize int
	Interval  time.Duration

	Strategy  conflict.Strategy
	MergeFunc conflict.MergeFunc

	// CacheTTL is the TTL class of entries written after a successful push or
	// refresh. Nil means cache.TTLDefault; point at cache.TTLNever to keep them forever.
	CacheTTL *cache.TTLClass

	RefreshConcurrency int
	RefreshLimit       int
	// RefreshEntityKind is the entity kind cache entries are fetched as.
	RefreshEntityKind string

	// Backoff paces automatic runs after a failed one.
	Backoff backoff.Policy
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = constants.DefaultSyncBatchSize
	}

	if c.Interval <= 0 {
		c.Interval = constants.DefaultSyncInterval
	}

	if c.Strategy == "" {
		c.Strategy = conflict.LastWriteWins
	}

	if c.CacheTTL == nil {
		ttl := cache.TTLDefault
		c.CacheTTL = &ttl
	}

	if c.RefreshConcurrency <= 0 {
		c.RefreshConcurrency = constants.DefaultRefreshConcurrency
	}

	if c.RefreshLimit <= 0 {
		c.RefreshLimit = constants.DefaultRefreshLimit
	}

	if c.RefreshEntityKind == "" {
		c.RefreshEntityKind = "submodel"
	}

	if c.Backoff.InitialInterval <= 0 {
		c.Backoff.InitialInterval = constants.SyncBackoffInitialInterval
	}

	if c.Backoff.MaxInterval <= 0 {
		c.Backoff.MaxInterval = constants.SyncBackoffMaxInterval
	}

	return c
}

// Engine is the sync engine.
type Engine struct {
	outbox   Outbox
	cache    Cache
	repo     remote.Repository
	monitor  Monitor
	resolver conflict.Resolver
	clock    clockwork.Clock
	cfg      Config
	log      *zap.SugaredLogger

	running   atomic.Bool
	uiContext atomic.Value

	mu             sync.RWMutex
	phase          *fsm.FSM
	state          State
	cancel         context.CancelFunc
	subscribers    map[int]chan State
	nextSubscriber int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for timestamps and the run loop.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates an idle engine.
func NewEngine(outbox Outbox, cacheStore Cache, repo remote.Repository, monitor Monitor, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()

	e := &Engine{
		outbox:      outbox,
		cache:       cacheStore,
		repo:        repo,
		monitor:     monitor,
		resolver:    conflict.NewResolver(cfg.Strategy, cfg.MergeFunc),
		clock:       clockwork.NewRealClock(),
		cfg:         cfg,
		log:         logger.For(logger.ComponentSyncEngine),
		phase:       newPhaseMachine(),
		state:       State{Phase: PhaseIdle},
		subscribers: make(map[int]chan State),
	}
	e.uiContext.Store("")

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// SetContext sets the parent resource the UI currently shows. Cache refresh
// after a run is limited to its entries; an empty id disables refresh.
func (e *Engine) SetContext(parentID string) {
	e.uiContext.Store(parentID)
}

// Context returns the parent resource set by SetContext.
func (e *Engine) Context() string {
	return e.uiContext.Load().(string)
}

// Cancel stops the active run from dispatching further operations. The
// operation in flight still completes or fails. It reports whether a run was active.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel == nil {
		return false
	}

	e.cancel()
	e.log.Info("Sync run cancelled by user")

	return true
}

// TriggerSync runs one sync pass. It fails fast with ErrSyncInProgress if a
// run is active and with ErrNotConnected if the network does not allow
// syncing; in both cases no store is touched. Per-operation errors are
// collected in the result and do not abort the run.
func (e *Engine) TriggerSync(ctx context.Context) (models.SyncResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		metrics.ObserveSyncRun(metrics.RunBusy, 0)

		return models.SyncResult{}, ErrSyncInProgress
	}
	defer e.running.Store(false)

	if !e.monitor.AllowsSync() {
		metrics.ObserveSyncRun(metrics.RunOffline, 0)

		return models.SyncResult{}, ErrNotConnected
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.begin(cancel); err != nil {
		return models.SyncResult{}, err
	}

	result := models.SyncResult{StartedAt: e.clock.Now()}
	runErr := e.run(runCtx, &result)
	result.FinishedAt = e.clock.Now()

	e.finish(ctx, &result, runErr)

	return result, runErr
}

func (e *Engine) begin(cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enterPhase(eventStart); err != nil {
		return err
	}

	e.cancel = cancel

	return nil
}

func (e *Engine) finish(ctx context.Context, result *models.SyncResult, runErr error) {
	stats, statsErr := e.outbox.Stats(context.WithoutCancel(ctx))
	if statsErr != nil {
		e.log.Warnf("Failed to read outbox stats: %v", statsErr)
	}

	outcome := runOutcome(result, runErr)
	metrics.ObserveSyncRun(outcome, result.Duration())

	if runErr != nil {
		e.log.Errorf("Sync run failed: %v", runErr)
	} else {
		e.log.Infof("Sync run finished: %s", result.Summary())
	}

	finishedAt := result.FinishedAt

	e.mu.Lock()
	e.cancel = nil
	if err := e.enterPhase(eventFinish); err != nil {
		e.log.Errorf("Failed to leave syncing phase: %v", err)
	}
	e.mu.Unlock()

	e.update(func(s *State) {
		s.LastResult = result
		s.LastSyncAt = &finishedAt
		s.LastError = ""

		if runErr != nil {
			s.LastError = runErr.Error()
		}

		if statsErr == nil {
			s.OutboxStats = stats
		}
	})
}

func runOutcome(result *models.SyncResult, runErr error) string {
	switch {
	case runErr != nil:
		return metrics.RunError
	case result.Cancelled:
		return metrics.RunCancelled
	case result.FailureCount > 0 || result.SkippedCount > 0:
		return metrics.RunPartial
	default:
		return metrics.RunSuccess
	}
}

func (e *Engine) run(ctx context.Context, result *models.SyncResult) error {
	e.update(func(*State) {})

	batch, err := e.outbox.NextBatch(ctx, e.cfg.BatchSize)
	if err != nil {
		return storageError(err)
	}

	e.log.Debugf("Sync run started with %d operations", len(batch))

	// an entity whose operation failed keeps its later operations for the next run
	blocked := make(map[string]struct{})

	for i, op := range batch {
		if ctx.Err() != nil {
			result.Cancelled = true

			break
		}

		if !e.monitor.AllowsSync() {
			e.log.Infof("Connectivity lost, stopping after %d of %d operations", i, len(batch))

			break
		}

		if _, ok := blocked[op.EntityID]; ok {
			result.SkippedCount++
			metrics.IncSyncOperation(op.OperationKind, metrics.OpSkippedByOrder)

			continue
		}

		if !e.process(ctx, op, result) {
			blocked[op.EntityID] = struct{}{}
		}
	}

	if result.Cancelled || !e.monitor.AllowsSync() {
		return nil
	}

	result.CacheRefreshed = e.refreshCache(ctx)

	return nil
}

// process transmits one operation and reports whether it reached a final
// outcome for this run. Once the operation is marked in progress, everything
// runs detached from ctx so a cancel cannot leave it in flight.
func (e *Engine) process(ctx context.Context, op *models.OutboxOperation, result *models.SyncResult) bool {
	// the user may have reset the operation since the batch was read
	if op.Status == models.StatusFailed {
		if _, err := e.outbox.ResetForRetry(ctx, op.ID); err != nil && !superseded(err) {
			e.recordStorageFailure(op, err, result)

			return false
		}
	}

	current, err := e.outbox.MarkInProgress(ctx, op.ID)

	switch {
	case superseded(err):
		e.log.Debugf("Operation %s was removed or settled since the batch was read, skipping it", op.ID)

		return true
	case err != nil:
		e.recordStorageFailure(op, err, result)

		return false
	}

	settle := context.WithoutCancel(ctx)

	out, err := remote.Apply(settle, e.repo, remote.MutationFor(current))
	if err != nil {
		return e.fail(settle, current, err, result)
	}

	if out.IsConflict() {
		return e.resolveConflict(settle, current, out.Conflict, result)
	}

	if !e.complete(settle, current, metrics.OpCompleted, result) {
		return false
	}

	e.cacheLocal(settle, current, out.Server, current.Payload)

	return true
}

func (e *Engine) complete(ctx context.Context, op *models.OutboxOperation, label string, result *models.SyncResult) bool {
	if _, err := e.outbox.MarkCompleted(ctx, op.ID); err != nil {
		e.recordStorageFailure(op, err, result)

		return false
	}

	result.SuccessCount++
	metrics.IncSyncOperation(op.OperationKind, label)

	return true
}

func (e *Engine) fail(ctx context.Context, op *models.OutboxOperation, cause error, result *models.SyncResult) bool {
	result.FailureCount++
	result.Errors = append(result.Errors, &OperationFailedError{OperationID: op.ID, Err: cause})
	metrics.IncSyncOperation(op.OperationKind, metrics.OpFailed)

	e.log.Warnf("Operation %s (%s %s %s) failed: %v", op.ID, op.OperationKind, op.EntityKind, op.EntityID, cause)

	failed, err := e.outbox.MarkFailed(ctx, op.ID, cause)
	if err != nil {
		result.Errors = append(result.Errors, storageError(err))

		return false
	}

	if failed.HasExceededMaxRetries() {
		e.log.Errorf("Operation %s exceeded %d attempts and needs user action", op.ID, constants.MaxRetryAttempts)
		result.Errors = append(result.Errors, &MaxRetriesExceededError{OperationID: op.ID})
	}

	if backoff.IsPermanentError(cause) {
		sentry.ReportSyncError(e.log, op.ID, op.EntityKind, string(op.OperationKind), cause)
	}

	return false
}

// superseded reports whether err means the outbox no longer holds the
// operation as read into the batch, e.g. a delete cancelled a pending create.
func superseded(err error) bool {
	return errors.Is(err, outbox.ErrOperationNotFound) || errors.Is(err, outbox.ErrInvalidTransition)
}

func (e *Engine) recordStorageFailure(op *models.OutboxOperation, err error, result *models.SyncResult) {
	err = storageError(err)

	result.FailureCount++
	result.Errors = append(result.Errors, &OperationFailedError{OperationID: op.ID, Err: err})

	metrics.IncErrorCountAndLog(metrics.ComponentSyncEngine, op.ID, err, e.log)
}

func (e *Engine) resolveConflict(ctx context.Context, op *models.OutboxOperation, vc *remote.VersionConflict, result *models.SyncResult) bool {
	resolution := e.resolver.Resolve(conflict.Input{
		LocalPayload:    op.Payload,
		ServerPayload:   vc.Server.Payload,
		LocalTimestamp:  op.CreatedAt,
		ServerTimestamp: vc.Server.Timestamp,
	})

	e.log.Infof("Conflict on %s %s: %s", op.EntityKind, op.EntityID, resolution.Description())

	switch resolution.Kind {
	case conflict.KindUseServer:
		if !e.complete(ctx, op, metrics.OpServerWins, result) {
			return false
		}

		e.cacheServer(ctx, op, vc.Server)

		return true

	case conflict.KindUseClient, conflict.KindMerged:
		m := remote.MutationFor(op)
		m.Payload = resolution.Payload
		m.Force = true

		out, err := remote.Apply(ctx, e.repo, m)
		if err != nil {
			return e.fail(ctx, op, err, result)
		}

		if out.IsConflict() {
			return e.fail(ctx, op, out.Conflict, result)
		}

		label := metrics.OpClientWins
		if resolution.Kind == conflict.KindMerged {
			label = metrics.OpMerged
		}

		if !e.complete(ctx, op, label, result) {
			return false
		}

		e.cacheLocal(ctx, op, out.Server, resolution.Payload)

		return true

	default:
		manual := &ManualResolutionRequiredError{
			OperationID:   op.ID,
			LocalVersion:  firstOf(op.BaseVersion, op.BaseETag),
			ServerVersion: firstOf(vc.Server.Version, vc.Server.ETag),
		}

		result.SkippedCount++
		result.Errors = append(result.Errors, manual)
		metrics.IncSyncOperation(op.OperationKind, metrics.OpManual)

		pending := models.PendingConflict{
			ServerPayload:   vc.Server.Payload,
			ServerTimestamp: vc.Server.Timestamp,
			ServerETag:      vc.Server.ETag,
			ServerVersion:   vc.Server.Version,
			DetectedAt:      e.clock.Now(),
		}

		if _, err := e.outbox.MarkConflict(ctx, op.ID, pending, manual); err != nil {
			result.Errors = append(result.Errors, storageError(err))
		}

		return false
	}
}

// cacheLocal mirrors an operation the server accepted into the cache. Cache
// failures are logged and never fail the operation.
func (e *Engine) cacheLocal(ctx context.Context, op *models.OutboxOperation, server *remote.ServerVersion, payload []byte) {
	if op.OperationKind == models.OperationDelete {
		e.dropEntry(ctx, op.EntityID)

		return
	}

	if server != nil && len(server.Payload) > 0 {
		payload = server.Payload
	}

	if len(payload) == 0 {
		return
	}

	if err := e.putEntry(ctx, op.EntityID, op.ParentID, payload, server); err != nil {
		e.log.Warnf("Failed to update cache entry %s: %v", op.EntityID, err)
	}
}

// cacheServer replaces the cached entity with the server version that won a
// conflict. A server that no longer has the entity removes the entry.
func (e *Engine) cacheServer(ctx context.Context, op *models.OutboxOperation, server remote.ServerVersion) {
	if len(server.Payload) == 0 {
		e.dropEntry(ctx, op.EntityID)

		return
	}

	if err := e.putEntry(ctx, op.EntityID, op.ParentID, server.Payload, &server); err != nil {
		e.log.Warnf("Failed to update cache entry %s: %v", op.EntityID, err)
	}
}

func (e *Engine) dropEntry(ctx context.Context, id string) {
	if err := e.cache.Delete(ctx, id); err != nil {
		e.log.Warnf("Failed to drop cache entry %s: %v", id, err)
	}
}

func (e *Engine) putEntry(ctx context.Context, id, parentID string, payload []byte, server *remote.ServerVersion) error {
	entry, err := e.cache.GetIncludingExpired(ctx, id)
	if err != nil {
		return err
	}

	if entry == nil {
		entry = &models.CachedEntry{ID: id, ParentID: parentID}
	}

	entry.Payload = payload
	entry.SizeBytes = int64(len(payload))

	if server != nil {
		entry.ETag = server.ETag
		entry.Version = server.Version
		entry.LastModified = server.Timestamp
	}

	return e.cache.Put(ctx, entry, *e.cfg.CacheTTL)
}

func firstOf(values ...*string) string {
	for _, v := range values {
		if v != nil && *v != "" {
			return *v
		}
	}

	return ""
}
