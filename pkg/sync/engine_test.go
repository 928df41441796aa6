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

package sync_test

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/field-companion/pkg/backoff"
	"github.com/united-manufacturing-hub/field-companion/pkg/cache"
	"github.com/united-manufacturing-hub/field-companion/pkg/conflict"
	"github.com/united-manufacturing-hub/field-companion/pkg/models"
	"github.com/united-manufacturing-hub/field-companion/pkg/network"
	"github.com/united-manufacturing-hub/field-companion/pkg/outbox"
	"github.com/united-manufacturing-hub/field-companion/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/field-companion/pkg/remote"
	csync "github.com/united-manufacturing-hub/field-companion/pkg/sync"
)

var (
	wifi     = models.NetworkStatus{IsConnected: true, ConnectionType: models.ConnectionWiFi}
	cellular = models.NetworkStatus{IsConnected: true, ConnectionType: models.ConnectionCellular, IsExpensive: true}
	offline  = models.NetworkStatus{ConnectionType: models.ConnectionWiFi}
)

func ptr(s string) *string { return &s }

var _ = Describe("Engine", func() {
	var (
		ctx         context.Context
		cancel      context.CancelFunc
		clock       *clockwork.FakeClock
		outboxStore *outbox.Store
		cacheStore  *cache.Store
		source      *network.StaticSource
		monitor     *network.Monitor
		repo        *fakeRepository
		cfg         csync.Config
		engine      *csync.Engine
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)

		clock = clockwork.NewFakeClockAt(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
		backend := memory.NewInMemoryStore()

		var err error
		outboxStore, err = outbox.NewStore(ctx, backend, clock)
		Expect(err).NotTo(HaveOccurred())

		cacheStore, err = cache.NewStore(ctx, backend, cache.WithClock(clock))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(cacheStore.Close)

		source = network.NewStaticSource(wifi)
		monitor = network.NewMonitor(source, false)
		go monitor.Run(ctx)
		Eventually(monitor.AllowsSync).Should(BeTrue())

		repo = newFakeRepository()
		cfg = csync.Config{BatchSize: 10, Strategy: conflict.ServerWins}
	})

	JustBeforeEach(func() {
		engine = csync.NewEngine(outboxStore, cacheStore, repo, monitor, cfg, csync.WithClock(clock))
	})

	enqueue := func(kind models.OperationKind, entityID string, payload string) *models.OutboxOperation {
		op, err := outboxStore.Enqueue(ctx, models.OutboxOperation{
			OperationKind: kind,
			EntityKind:    "submodel",
			EntityID:      entityID,
			ParentID:      "aas-1",
			Payload:       []byte(payload),
			BaseETag:      ptr(`"s1"`),
		})
		Expect(err).NotTo(HaveOccurred())

		return op
	}

	get := func(id string) *models.OutboxOperation {
		op, err := outboxStore.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())

		return op
	}

	cached := func(id string) *models.CachedEntry {
		entry, err := cacheStore.GetIncludingExpired(ctx, id)
		Expect(err).NotTo(HaveOccurred())

		return entry
	}

	conflictWith := func(payload string, ts time.Time) func(remote.Mutation) (remote.Outcome, error) {
		return func(m remote.Mutation) (remote.Outcome, error) {
			if m.Force {
				return remote.Outcome{}, nil
			}

			return remote.Outcome{Conflict: &remote.VersionConflict{
				EntityKind: m.EntityKind,
				EntityID:   m.EntityID,
				Server: remote.ServerVersion{
					Payload:   []byte(payload),
					Timestamp: &ts,
					ETag:      ptr(`"s2"`),
				},
			}}, nil
		}
	}

	Describe("preconditions", func() {
		It("should reject a run while offline without touching the outbox", func() {
			op := enqueue(models.OperationUpdate, "sm-1", `{}`)

			source.Set(offline)
			Eventually(monitor.AllowsSync).Should(BeFalse())

			_, err := engine.TriggerSync(ctx)
			Expect(err).To(MatchError(csync.ErrNotConnected))
			Expect(get(op.ID).Status).To(Equal(models.StatusPending))
			Expect(repo.Mutations()).To(BeEmpty())
		})

		It("should reject cellular unless it is allowed", func() {
			source.Set(cellular)
			Eventually(monitor.Current).Should(Equal(cellular))

			_, err := engine.TriggerSync(ctx)
			Expect(err).To(MatchError(csync.ErrNotConnected))

			monitor.SetAllowCellular(true)
			_, err = engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject a second run while one is active", func() {
			op := enqueue(models.OperationUpdate, "sm-1", `{}`)

			started := make(chan struct{})
			release := make(chan struct{})
			repo.respond = func(remote.Mutation) (remote.Outcome, error) {
				close(started)
				<-release

				return remote.Outcome{}, nil
			}

			done := make(chan models.SyncResult, 1)
			go func() {
				defer GinkgoRecover()

				result, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				done <- result
			}()

			Eventually(started).Should(BeClosed())
			Expect(engine.State().IsSyncing()).To(BeTrue())

			before := get(op.ID)
			Expect(before.Status).To(Equal(models.StatusInProgress))

			_, err := engine.TriggerSync(ctx)
			Expect(err).To(MatchError(csync.ErrSyncInProgress))
			Expect(get(op.ID)).To(Equal(before))

			close(release)

			var result models.SyncResult
			Eventually(done).Should(Receive(&result))
			Expect(result.SuccessCount).To(Equal(1))
			Expect(engine.State().Phase).To(Equal(csync.PhaseIdle))
		})
	})

	Describe("dispatch", func() {
		It("should complete operations and cache what the server returned", func() {
			op := enqueue(models.OperationUpdate, "sm-1", `{"status":"InProgress"}`)
			repo.respond = func(remote.Mutation) (remote.Outcome, error) {
				return remote.Outcome{Server: &remote.ServerVersion{
					Payload: []byte(`{"status":"InProgress","rev":2}`),
					ETag:    ptr(`"s2"`),
				}}, nil
			}

			result, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsSuccess()).To(BeTrue())
			Expect(result.SuccessCount).To(Equal(1))
			Expect(get(op.ID).Status).To(Equal(models.StatusCompleted))

			entry := cached("sm-1")
			Expect(entry).NotTo(BeNil())
			Expect(entry.ParentID).To(Equal("aas-1"))
			Expect(string(entry.Payload)).To(Equal(`{"status":"InProgress","rev":2}`))
			Expect(*entry.ETag).To(Equal(`"s2"`))

			m := repo.Mutations()
			Expect(m).To(HaveLen(1))
			Expect(*m[0].BaseETag).To(Equal(`"s1"`))
			Expect(m[0].Force).To(BeFalse())
		})

		It("should cache the local payload when the server sends none", func() {
			enqueue(models.OperationCreate, "sm-1", `{"status":"Open"}`)

			_, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(cached("sm-1").Payload)).To(Equal(`{"status":"Open"}`))
		})

		It("should cache pushed entities with the default TTL", func() {
			enqueue(models.OperationCreate, "sm-1", `{"status":"Open"}`)

			_, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(*cached("sm-1").ExpiresAt).To(BeTemporally("==", clock.Now().Add(cache.TTLDefault.Duration())))
		})

		Context("with entries configured to never expire", func() {
			BeforeEach(func() {
				never := cache.TTLNever
				cfg.CacheTTL = &never
			})

			It("should cache pushed entities without expiry", func() {
				enqueue(models.OperationCreate, "sm-1", `{"status":"Open"}`)

				_, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(cached("sm-1").ExpiresAt).To(BeNil())
			})
		})

		It("should drop the cache entry of a deleted entity", func() {
			Expect(cacheStore.Put(ctx, models.NewCachedEntry("sm-1", "aas-1", []byte(`{}`), 0, clock.Now()), cache.TTLDefault)).To(Succeed())
			enqueue(models.OperationDelete, "sm-1", ``)

			_, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cached("sm-1")).To(BeNil())
		})

		It("should dispatch by priority, then FIFO", func() {
			low := enqueue(models.OperationUpdate, "a", `{}`)
			high, err := outboxStore.Enqueue(ctx, models.OutboxOperation{
				OperationKind: models.OperationUpdate,
				EntityKind:    "submodel",
				EntityID:      "b",
				Payload:       []byte(`{}`),
				Priority:      5,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())

			m := repo.Mutations()
			Expect(m).To(HaveLen(2))
			Expect(m[0].EntityID).To(Equal(high.EntityID))
			Expect(m[1].EntityID).To(Equal(low.EntityID))
		})

		It("should honor the batch size", func() {
			cfg.BatchSize = 2
			engine = csync.NewEngine(outboxStore, cacheStore, repo, monitor, cfg, csync.WithClock(clock))

			for _, id := range []string{"a", "b", "c"} {
				enqueue(models.OperationUpdate, id, `{}`)
			}

			result, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.SuccessCount).To(Equal(2))

			stats, err := outboxStore.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.PendingCount).To(Equal(1))
		})
	})

	Describe("failures", func() {
		var transient error

		BeforeEach(func() {
			transient = backoff.NewTransientError(errors.New("503 service unavailable"))
		})

		It("should record failures without aborting the batch", func() {
			bad := enqueue(models.OperationUpdate, "bad", `{}`)
			good := enqueue(models.OperationUpdate, "good", `{}`)

			repo.respond = func(m remote.Mutation) (remote.Outcome, error) {
				if m.EntityID == "bad" {
					return remote.Outcome{}, transient
				}

				return remote.Outcome{}, nil
			}

			result, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsSuccess()).To(BeFalse())
			Expect(result.SuccessCount).To(Equal(1))
			Expect(result.FailureCount).To(Equal(1))
			Expect(result.Errors).To(HaveLen(1))

			var failed *csync.OperationFailedError
			Expect(errors.As(result.Errors[0], &failed)).To(BeTrue())
			Expect(failed.OperationID).To(Equal(bad.ID))
			Expect(csync.RequiresUserAction(result.Errors[0])).To(BeFalse())

			op := get(bad.ID)
			Expect(op.Status).To(Equal(models.StatusFailed))
			Expect(op.AttemptCount).To(Equal(1))
			Expect(*op.LastError).To(ContainSubstring("503"))
			Expect(get(good.ID).Status).To(Equal(models.StatusCompleted))
		})

		It("should retry a failed operation on the next run", func() {
			op := enqueue(models.OperationUpdate, "sm-1", `{}`)
			repo.respond = func(remote.Mutation) (remote.Outcome, error) { return remote.Outcome{}, transient }

			_, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())

			repo.respond = func(remote.Mutation) (remote.Outcome, error) { return remote.Outcome{}, nil }

			result, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.SuccessCount).To(Equal(1))

			done := get(op.ID)
			Expect(done.Status).To(Equal(models.StatusCompleted))
			Expect(done.AttemptCount).To(Equal(1))
		})

		It("should freeze an operation after five failed attempts and raise it once", func() {
			op := enqueue(models.OperationUpdate, "sm-1", `{}`)
			repo.respond = func(remote.Mutation) (remote.Outcome, error) { return remote.Outcome{}, transient }

			exceeded := BeAssignableToTypeOf(&csync.MaxRetriesExceededError{})

			for i := 1; i <= 5; i++ {
				result, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.FailureCount).To(Equal(1))

				if i < 5 {
					Expect(result.Errors).NotTo(ContainElement(exceeded))
				} else {
					Expect(result.Errors).To(ContainElement(exceeded))

					for _, err := range result.Errors {
						if _, ok := err.(*csync.MaxRetriesExceededError); ok {
							Expect(csync.RequiresUserAction(err)).To(BeTrue())
						}
					}
				}
			}

			frozen := get(op.ID)
			Expect(frozen.HasExceededMaxRetries()).To(BeTrue())
			Expect(frozen.IsFrozen()).To(BeTrue())

			batch, err := outboxStore.NextBatch(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch).To(BeEmpty())

			result, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.FailureCount).To(BeZero())
			Expect(result.Errors).To(BeEmpty())
			Expect(repo.Mutations()).To(HaveLen(5))

			Expect(engine.State().OutboxStats.FrozenCount).To(Equal(1))

			reset, err := engine.RetryOperation(ctx, op.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reset.Status).To(Equal(models.StatusPending))
			Expect(reset.AttemptCount).To(BeZero())

			repo.respond = func(remote.Mutation) (remote.Outcome, error) { return remote.Outcome{}, nil }

			result, err = engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.SuccessCount).To(Equal(1))
		})

		It("should hold back later operations of an entity whose earlier operation failed", func() {
			del := enqueue(models.OperationDelete, "sm-1", ``)
			create := enqueue(models.OperationCreate, "sm-1", `{"status":"Open"}`)
			other := enqueue(models.OperationUpdate, "sm-2", `{}`)
			Expect(create.ID).NotTo(Equal(del.ID))

			repo.respond = func(m remote.Mutation) (remote.Outcome, error) {
				if m.Kind == models.OperationDelete {
					return remote.Outcome{}, transient
				}

				return remote.Outcome{}, nil
			}

			result, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.FailureCount).To(Equal(1))
			Expect(result.SkippedCount).To(Equal(1))
			Expect(result.SuccessCount).To(Equal(1))

			Expect(get(del.ID).Status).To(Equal(models.StatusFailed))
			Expect(get(create.ID).Status).To(Equal(models.StatusPending))
			Expect(get(other.ID).Status).To(Equal(models.StatusCompleted))
			Expect(repo.Mutations()).To(HaveLen(2))
		})

		It("should let the user discard a failed operation", func() {
			op := enqueue(models.OperationUpdate, "sm-1", `{}`)
			repo.respond = func(remote.Mutation) (remote.Outcome, error) { return remote.Outcome{}, transient }

			_, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(engine.DiscardOperation(ctx, op.ID)).To(Succeed())

			_, err = outboxStore.Get(ctx, op.ID)
			Expect(err).To(MatchError(outbox.ErrOperationNotFound))
			Expect(engine.State().OutboxStats.TotalPending()).To(BeZero())
		})

		It("should refuse to discard a pending operation", func() {
			op := enqueue(models.OperationUpdate, "sm-1", `{}`)
			Expect(engine.DiscardOperation(ctx, op.ID)).To(MatchError(outbox.ErrInvalidTransition))
		})

		Context("when the outbox changes during a run", func() {
			It("should skip a create that a delete cancelled mid-run", func() {
				first := enqueue(models.OperationUpdate, "sm-2", `{}`)
				create := enqueue(models.OperationCreate, "sm-1", `{"status":"Open"}`)

				repo.respond = func(m remote.Mutation) (remote.Outcome, error) {
					if m.EntityID == "sm-2" {
						dropped, err := outboxStore.Enqueue(ctx, models.OutboxOperation{
							OperationKind: models.OperationDelete,
							EntityKind:    "submodel",
							EntityID:      "sm-1",
							ParentID:      "aas-1",
						})
						Expect(err).NotTo(HaveOccurred())
						Expect(dropped).To(BeNil())
					}

					return remote.Outcome{}, nil
				}

				result, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.IsSuccess()).To(BeTrue())
				Expect(result.SuccessCount).To(Equal(1))
				Expect(result.FailureCount).To(BeZero())
				Expect(result.Errors).To(BeEmpty())

				Expect(get(first.ID).Status).To(Equal(models.StatusCompleted))
				_, err = outboxStore.Get(ctx, create.ID)
				Expect(err).To(MatchError(outbox.ErrOperationNotFound))
				Expect(repo.Mutations()).To(HaveLen(1))
			})

			It("should send a failed operation the user retried mid-run", func() {
				failed := enqueue(models.OperationUpdate, "sm-1", `{}`)
				repo.respond = func(remote.Mutation) (remote.Outcome, error) { return remote.Outcome{}, transient }

				_, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(get(failed.ID).Status).To(Equal(models.StatusFailed))

				urgent, err := outboxStore.Enqueue(ctx, models.OutboxOperation{
					OperationKind: models.OperationUpdate,
					EntityKind:    "submodel",
					EntityID:      "sm-2",
					ParentID:      "aas-1",
					Payload:       []byte(`{}`),
					Priority:      5,
				})
				Expect(err).NotTo(HaveOccurred())

				repo.respond = func(m remote.Mutation) (remote.Outcome, error) {
					if m.EntityID == "sm-2" {
						_, err := outboxStore.ResetForRetry(ctx, failed.ID)
						Expect(err).NotTo(HaveOccurred())
					}

					return remote.Outcome{}, nil
				}

				result, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.IsSuccess()).To(BeTrue())
				Expect(result.SuccessCount).To(Equal(2))
				Expect(get(urgent.ID).Status).To(Equal(models.StatusCompleted))
				Expect(get(failed.ID).Status).To(Equal(models.StatusCompleted))
			})

			It("should skip a failed operation the user discarded mid-run", func() {
				failed := enqueue(models.OperationUpdate, "sm-1", `{}`)
				repo.respond = func(remote.Mutation) (remote.Outcome, error) { return remote.Outcome{}, transient }

				_, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())

				_, err = outboxStore.Enqueue(ctx, models.OutboxOperation{
					OperationKind: models.OperationUpdate,
					EntityKind:    "submodel",
					EntityID:      "sm-2",
					ParentID:      "aas-1",
					Payload:       []byte(`{}`),
					Priority:      5,
				})
				Expect(err).NotTo(HaveOccurred())

				repo.respond = func(m remote.Mutation) (remote.Outcome, error) {
					if m.EntityID == "sm-2" {
						Expect(outboxStore.Remove(ctx, failed.ID)).To(Succeed())
					}

					return remote.Outcome{}, nil
				}

				result, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.IsSuccess()).To(BeTrue())
				Expect(result.SuccessCount).To(Equal(1))
				Expect(repo.Mutations()).To(HaveLen(2))
			})
		})
	})

	Describe("conflicts", func() {
		var serverTime time.Time

		BeforeEach(func() {
			serverTime = clock.Now().Add(time.Hour)
		})

		Context("with serverWins", func() {
			It("should complete the operation, cache the server payload and not re-push", func() {
				op := enqueue(models.OperationUpdate, "sm-1", `{"status":"InProgress"}`)
				repo.respond = conflictWith(`{"status":"Completed"}`, serverTime)

				result, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.SuccessCount).To(Equal(1))
				Expect(result.IsSuccess()).To(BeTrue())

				Expect(get(op.ID).Status).To(Equal(models.StatusCompleted))
				Expect(string(cached("sm-1").Payload)).To(Equal(`{"status":"Completed"}`))
				Expect(*cached("sm-1").ETag).To(Equal(`"s2"`))
				Expect(repo.Mutations()).To(HaveLen(1))
			})

			It("should keep an entity the server still has when a local delete loses", func() {
				enqueue(models.OperationDelete, "sm-1", ``)
				repo.respond = conflictWith(`{"status":"Completed"}`, serverTime)

				_, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(cached("sm-1").Payload)).To(Equal(`{"status":"Completed"}`))
			})
		})

		Context("with clientWins", func() {
			BeforeEach(func() {
				cfg.Strategy = conflict.ClientWins
			})

			It("should force-push the local payload once", func() {
				op := enqueue(models.OperationUpdate, "sm-1", `{"status":"InProgress"}`)
				repo.respond = conflictWith(`{"status":"Completed"}`, serverTime)

				result, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.SuccessCount).To(Equal(1))

				m := repo.Mutations()
				Expect(m).To(HaveLen(2))
				Expect(m[1].Force).To(BeTrue())
				Expect(string(m[1].Payload)).To(Equal(`{"status":"InProgress"}`))

				Expect(get(op.ID).Status).To(Equal(models.StatusCompleted))
				Expect(string(cached("sm-1").Payload)).To(Equal(`{"status":"InProgress"}`))
			})

			It("should fail the operation when the forced push fails", func() {
				op := enqueue(models.OperationUpdate, "sm-1", `{}`)
				conflicting := conflictWith(`{}`, serverTime)
				repo.respond = func(m remote.Mutation) (remote.Outcome, error) {
					if m.Force {
						return remote.Outcome{}, errors.New("connection reset")
					}

					return conflicting(m)
				}

				result, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.FailureCount).To(Equal(1))
				Expect(get(op.ID).Status).To(Equal(models.StatusFailed))
			})
		})

		Context("with lastWriteWins", func() {
			BeforeEach(func() {
				cfg.Strategy = conflict.LastWriteWins
			})

			It("should push the local payload when it is newer", func() {
				enqueue(models.OperationUpdate, "sm-1", `{"status":"Local"}`)
				repo.respond = conflictWith(`{"status":"Server"}`, clock.Now().Add(-time.Hour))

				_, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(repo.Mutations()).To(HaveLen(2))
				Expect(string(cached("sm-1").Payload)).To(Equal(`{"status":"Local"}`))
			})

			It("should take the server payload when it is newer", func() {
				enqueue(models.OperationUpdate, "sm-1", `{"status":"Local"}`)
				repo.respond = conflictWith(`{"status":"Server"}`, serverTime)

				_, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(repo.Mutations()).To(HaveLen(1))
				Expect(string(cached("sm-1").Payload)).To(Equal(`{"status":"Server"}`))
			})
		})

		Context("with merge", func() {
			BeforeEach(func() {
				cfg.Strategy = conflict.Merge
				cfg.MergeFunc = conflict.JSONMerge
			})

			It("should push the merged payload", func() {
				enqueue(models.OperationUpdate, "sm-1", `{"note":"checked"}`)
				repo.respond = conflictWith(`{"status":"Completed"}`, serverTime)

				result, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.SuccessCount).To(Equal(1))

				m := repo.Mutations()
				Expect(m).To(HaveLen(2))
				Expect(m[1].Force).To(BeTrue())
				Expect(m[1].Payload).To(MatchJSON(`{"note":"checked","status":"Completed"}`))
				Expect(cached("sm-1").Payload).To(MatchJSON(`{"note":"checked","status":"Completed"}`))
			})
		})

		Context("with manual", func() {
			var op *models.OutboxOperation

			BeforeEach(func() {
				cfg.Strategy = conflict.Manual
			})

			JustBeforeEach(func() {
				op = enqueue(models.OperationUpdate, "sm-1", `{"status":"Local"}`)
				repo.respond = conflictWith(`{"status":"Server"}`, serverTime)

				result, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.SkippedCount).To(Equal(1))
				Expect(result.FailureCount).To(BeZero())
				Expect(result.Errors).To(HaveLen(1))

				var manual *csync.ManualResolutionRequiredError
				Expect(errors.As(result.Errors[0], &manual)).To(BeTrue())
				Expect(manual.OperationID).To(Equal(op.ID))
				Expect(manual.LocalVersion).To(Equal(`"s1"`))
				Expect(manual.ServerVersion).To(Equal(`"s2"`))
				Expect(csync.RequiresUserAction(result.Errors[0])).To(BeTrue())
			})

			It("should hold the operation back until the user decides", func() {
				held := get(op.ID)
				Expect(held.Status).To(Equal(models.StatusFailed))
				Expect(held.RequiresManualResolution()).To(BeTrue())
				Expect(string(held.Conflict.ServerPayload)).To(Equal(`{"status":"Server"}`))

				result, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Errors).To(BeEmpty())
				Expect(repo.Mutations()).To(HaveLen(1))
			})

			It("should re-queue the local payload against the server version", func() {
				Expect(engine.ResolveManually(ctx, op.ID, csync.KeepLocal, nil)).To(Succeed())

				requeued := get(op.ID)
				Expect(requeued.Status).To(Equal(models.StatusPending))
				Expect(*requeued.BaseETag).To(Equal(`"s2"`))

				repo.respond = func(remote.Mutation) (remote.Outcome, error) { return remote.Outcome{}, nil }

				result, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.SuccessCount).To(Equal(1))

				m := repo.Mutations()
				Expect(*m[len(m)-1].BaseETag).To(Equal(`"s2"`))
				Expect(string(m[len(m)-1].Payload)).To(Equal(`{"status":"Local"}`))
			})

			It("should re-queue a custom payload", func() {
				Expect(engine.ResolveManually(ctx, op.ID, csync.UseCustom, nil)).To(MatchError(csync.ErrInvalidResolution))
				Expect(engine.ResolveManually(ctx, op.ID, csync.Choice("both"), nil)).To(MatchError(csync.ErrInvalidResolution))
				Expect(engine.ResolveManually(ctx, op.ID, csync.UseCustom, []byte(`{"status":"Both"}`))).To(Succeed())
				Expect(string(get(op.ID).Payload)).To(Equal(`{"status":"Both"}`))
			})

			It("should drop the local change and cache the server version", func() {
				Expect(engine.ResolveManually(ctx, op.ID, csync.KeepServer, nil)).To(Succeed())

				_, err := outboxStore.Get(ctx, op.ID)
				Expect(err).To(MatchError(outbox.ErrOperationNotFound))
				Expect(string(cached("sm-1").Payload)).To(Equal(`{"status":"Server"}`))
			})
		})

		It("should refuse manual resolution of an operation without conflict", func() {
			op := enqueue(models.OperationUpdate, "sm-1", `{}`)
			Expect(engine.ResolveManually(ctx, op.ID, csync.KeepLocal, nil)).To(MatchError(csync.ErrNoConflict))
		})
	})

	Describe("interruption", func() {
		It("should finish the operation in flight and stop on cancel", func() {
			first := enqueue(models.OperationUpdate, "a", `{}`)
			second := enqueue(models.OperationUpdate, "b", `{}`)

			started := make(chan struct{})
			release := make(chan struct{})
			repo.respond = func(m remote.Mutation) (remote.Outcome, error) {
				if m.EntityID == "a" {
					close(started)
					<-release
				}

				return remote.Outcome{}, nil
			}

			done := make(chan models.SyncResult, 1)
			go func() {
				defer GinkgoRecover()

				result, err := engine.TriggerSync(ctx)
				Expect(err).NotTo(HaveOccurred())
				done <- result
			}()

			Eventually(started).Should(BeClosed())
			Expect(engine.Cancel()).To(BeTrue())
			close(release)

			var result models.SyncResult
			Eventually(done).Should(Receive(&result))
			Expect(result.Cancelled).To(BeTrue())
			Expect(result.SuccessCount).To(Equal(1))

			Expect(get(first.ID).Status).To(Equal(models.StatusCompleted))
			Expect(get(second.ID).Status).To(Equal(models.StatusPending))
			Expect(engine.State().Phase).To(Equal(csync.PhaseIdle))
			Expect(engine.Cancel()).To(BeFalse())
		})

		It("should not dispatch further operations once connectivity is lost", func() {
			enqueue(models.OperationUpdate, "a", `{}`)
			second := enqueue(models.OperationUpdate, "b", `{}`)

			repo.respond = func(remote.Mutation) (remote.Outcome, error) {
				source.Set(offline)
				for monitor.AllowsSync() {
					time.Sleep(time.Millisecond)
				}

				return remote.Outcome{}, nil
			}

			result, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.SuccessCount).To(Equal(1))
			Expect(result.Cancelled).To(BeFalse())
			Expect(repo.Mutations()).To(HaveLen(1))
			Expect(get(second.ID).Status).To(Equal(models.StatusPending))
		})
	})

	Describe("cache refresh", func() {
		BeforeEach(func() {
			for _, id := range []string{"sm-1", "sm-2", "sm-3"} {
				Expect(cacheStore.Put(ctx, models.NewCachedEntry(id, "aas-1", []byte(`{"v":1}`), 0, clock.Now()), cache.TTLFrequent)).To(Succeed())
			}

			Expect(cacheStore.Put(ctx, models.NewCachedEntry("other", "aas-2", []byte(`{"v":1}`), 0, clock.Now()), cache.TTLFrequent)).To(Succeed())

			clock.Advance(10 * time.Minute)

			repo.fetch = func(_, id string) (remote.ServerVersion, error) {
				if id == "sm-3" {
					return remote.ServerVersion{}, remote.ErrNotFound
				}

				return remote.ServerVersion{Payload: []byte(`{"v":2}`), ETag: ptr(`"r2"`)}, nil
			}
		})

		It("should refresh expired entries of the current context", func() {
			engine.SetContext("aas-1")
			Expect(engine.Context()).To(Equal("aas-1"))

			result, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.CacheRefreshed).To(Equal(3))

			fresh, err := cacheStore.Get(ctx, "sm-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(fresh.Payload)).To(Equal(`{"v":2}`))
			Expect(*fresh.ETag).To(Equal(`"r2"`))

			Expect(cached("sm-3")).To(BeNil())
			Expect(repo.Fetches()).NotTo(ContainElement("other"))
		})

		It("should leave entries with open operations alone", func() {
			engine.SetContext("aas-1")
			enqueue(models.OperationUpdate, "sm-2", `{"v":"local"}`)
			repo.respond = func(remote.Mutation) (remote.Outcome, error) {
				return remote.Outcome{}, errors.New("connection reset")
			}

			result, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.CacheRefreshed).To(Equal(2))
			Expect(repo.Fetches()).NotTo(ContainElement("sm-2"))
		})

		It("should not refresh without a context", func() {
			result, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.CacheRefreshed).To(BeZero())
			Expect(repo.Fetches()).To(BeEmpty())
		})

		It("should not fail the run when a refresh fails", func() {
			engine.SetContext("aas-1")
			repo.fetch = func(string, string) (remote.ServerVersion, error) {
				return remote.ServerVersion{}, errors.New("connection reset")
			}

			result, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsSuccess()).To(BeTrue())
			Expect(result.CacheRefreshed).To(BeZero())
		})
	})

	Describe("state", func() {
		It("should publish the result and outbox stats", func() {
			updates := engine.Subscribe(ctx)

			var state csync.State
			Eventually(updates).Should(Receive(&state))
			Expect(state.Phase).To(Equal(csync.PhaseIdle))
			Expect(state.LastResult).To(BeNil())

			enqueue(models.OperationUpdate, "sm-1", `{}`)

			_, err := engine.TriggerSync(ctx)
			Expect(err).NotTo(HaveOccurred())

			Eventually(updates).Should(Receive(&state))
			Expect(state.Phase).To(Equal(csync.PhaseIdle))
			Expect(state.LastResult).NotTo(BeNil())
			Expect(state.LastResult.SuccessCount).To(Equal(1))
			Expect(state.LastSyncAt).NotTo(BeNil())
			Expect(state.OutboxStats.CompletedCount).To(Equal(1))
			Expect(state.Network).To(Equal(wifi))
		})

		It("should close subscriptions with their context", func() {
			subCtx, subCancel := context.WithCancel(ctx)
			updates := engine.Subscribe(subCtx)
			Eventually(updates).Should(Receive())

			subCancel()
			Eventually(updates).Should(BeClosed())
		})

		It("should count pending changes without running a sync", func() {
			enqueue(models.OperationUpdate, "sm-1", `{}`)
			enqueue(models.OperationUpdate, "sm-2", `{}`)

			engine.RefreshStats(ctx)
			Expect(engine.State().OutboxStats.TotalPending()).To(Equal(2))
			Expect(repo.Mutations()).To(BeEmpty())
		})
	})

	Describe("Run", func() {
		var done chan struct{}

		BeforeEach(func() {
			cfg.Interval = time.Hour
			cfg.Backoff = backoff.Policy{InitialInterval: 10 * time.Second, MaxInterval: time.Minute}
		})

		JustBeforeEach(func() {
			done = make(chan struct{})

			go func() {
				defer GinkgoRecover()
				defer close(done)

				Expect(engine.Run(ctx)).To(Succeed())
			}()
		})

		AfterEach(func() {
			cancel()
			Eventually(done).Should(BeClosed())
		})

		It("should sync at start and on every interval", func() {
			Eventually(func() *models.SyncResult { return engine.State().LastResult }).ShouldNot(BeNil())

			op := enqueue(models.OperationUpdate, "sm-1", `{}`)

			Expect(clock.BlockUntilContext(ctx, 1)).To(Succeed())
			clock.Advance(time.Hour)

			Eventually(func() models.OperationStatus { return get(op.ID).Status }).Should(Equal(models.StatusCompleted))
		})

		It("should sync when connectivity returns", func() {
			Eventually(func() *models.SyncResult { return engine.State().LastResult }).ShouldNot(BeNil())

			source.Set(offline)
			Eventually(monitor.AllowsSync).Should(BeFalse())

			op := enqueue(models.OperationUpdate, "sm-1", `{}`)
			Consistently(func() models.OperationStatus { return get(op.ID).Status }, 100*time.Millisecond).Should(Equal(models.StatusPending))

			source.Set(wifi)
			Eventually(func() models.OperationStatus { return get(op.ID).Status }).Should(Equal(models.StatusCompleted))
		})

		Context("after a failed run", func() {
			BeforeEach(func() {
				enqueue(models.OperationUpdate, "sm-1", `{}`)
				repo.respond = func(remote.Mutation) (remote.Outcome, error) {
					return remote.Outcome{}, errors.New("connection reset")
				}
			})

			It("should retry on the backoff before the next interval", func() {
				Eventually(repo.Mutations).Should(HaveLen(1))

				// the interval ticker and the backoff timer
				Expect(clock.BlockUntilContext(ctx, 2)).To(Succeed())
				clock.Advance(20 * time.Second)

				Eventually(repo.Mutations).Should(HaveLen(2))
			})
		})
	})
})

var _ = Describe("RequiresUserAction", func() {
	DescribeTable("classifies errors",
		func(err error, expected bool) {
			Expect(csync.RequiresUserAction(err)).To(Equal(expected))
		},
		Entry("not connected", csync.ErrNotConnected, false),
		Entry("in progress", csync.ErrSyncInProgress, false),
		Entry("operation failed", &csync.OperationFailedError{OperationID: "a", Err: errors.New("x")}, false),
		Entry("manual resolution", &csync.ManualResolutionRequiredError{OperationID: "a"}, true),
		Entry("max retries", &csync.MaxRetriesExceededError{OperationID: "a"}, true),
		Entry("wrapped manual resolution", errors.Join(errors.New("run"), &csync.ManualResolutionRequiredError{}), true),
		Entry("nil", nil, false),
	)
})
