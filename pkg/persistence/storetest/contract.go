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

// Package storetest holds the behavior every persistence.Store backend must
// show. Backend test suites call DescribeContract from a top-level Describe.
package storetest

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/field-companion/pkg/persistence"
)

const collection = "contract_docs"

// DescribeContract registers the shared specs. newStore is called once per spec.
func DescribeContract(newStore func() persistence.Store) {
	var (
		store persistence.Store
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newStore()
		Expect(store.CreateCollection(ctx, collection, nil)).To(Succeed())
	})

	AfterEach(func() {
		_ = store.Close(ctx)
	})

	Describe("CRUD", func() {
		It("should keep documents when a collection is created again", func() {
			_, err := store.Insert(ctx, collection, persistence.Document{"id": "keep"})
			Expect(err).NotTo(HaveOccurred())

			Expect(store.CreateCollection(ctx, collection, nil)).To(Succeed())

			_, err = store.Get(ctx, collection, "keep")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should insert and get a document by its id", func() {
			id, err := store.Insert(ctx, collection, persistence.Document{"id": "op-1", "status": "pending"})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("op-1"))

			doc, err := store.Get(ctx, collection, "op-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc["status"]).To(Equal("pending"))
		})

		It("should generate an id when the document has none", func() {
			id, err := store.Insert(ctx, collection, persistence.Document{"status": "pending"})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(BeEmpty())

			doc, err := store.Get(ctx, collection, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.ID()).To(Equal(id))
		})

		It("should reject a duplicate insert with ErrConflict", func() {
			_, err := store.Insert(ctx, collection, persistence.Document{"id": "dup"})
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Insert(ctx, collection, persistence.Document{"id": "dup"})
			Expect(err).To(MatchError(persistence.ErrConflict))
		})

		It("should return ErrNotFound for missing documents", func() {
			_, err := store.Get(ctx, collection, "missing")
			Expect(err).To(MatchError(persistence.ErrNotFound))

			Expect(store.Update(ctx, collection, "missing", persistence.Document{})).To(MatchError(persistence.ErrNotFound))
			Expect(store.Delete(ctx, collection, "missing")).To(MatchError(persistence.ErrNotFound))
		})

		It("should replace a document on update", func() {
			_, err := store.Insert(ctx, collection, persistence.Document{"id": "a", "x": 1, "y": 2})
			Expect(err).NotTo(HaveOccurred())

			Expect(store.Update(ctx, collection, "a", persistence.Document{"x": 3})).To(Succeed())

			doc, err := store.Get(ctx, collection, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc).To(HaveKey("x"))
			Expect(doc).NotTo(HaveKey("y"))
			Expect(doc.ID()).To(Equal("a"))
		})

		It("should create or replace on upsert", func() {
			Expect(store.Upsert(ctx, collection, "u", persistence.Document{"v": "one"})).To(Succeed())
			Expect(store.Upsert(ctx, collection, "u", persistence.Document{"v": "two"})).To(Succeed())

			doc, err := store.Get(ctx, collection, "u")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc["v"]).To(Equal("two"))
		})

		It("should delete documents", func() {
			Expect(store.Upsert(ctx, collection, "d", persistence.Document{})).To(Succeed())
			Expect(store.Delete(ctx, collection, "d")).To(Succeed())

			_, err := store.Get(ctx, collection, "d")
			Expect(err).To(MatchError(persistence.ErrNotFound))
		})

		It("should not alias documents passed in or returned", func() {
			in := persistence.Document{"id": "alias", "v": "orig"}
			_, err := store.Insert(ctx, collection, in)
			Expect(err).NotTo(HaveOccurred())
			in["v"] = "mutated"

			out, err := store.Get(ctx, collection, "alias")
			Expect(err).NotTo(HaveOccurred())
			Expect(out["v"]).To(Equal("orig"))
		})
	})

	Describe("Find", func() {
		BeforeEach(func() {
			for i, st := range []string{"pending", "failed", "pending", "completed", "pending"} {
				Expect(store.Upsert(ctx, collection, fmt.Sprintf("op-%d", i), persistence.Document{
					"status":   st,
					"priority": i % 3,
					"seq":      i,
				})).To(Succeed())
			}
		})

		It("should filter, sort and limit", func() {
			docs, err := store.Find(ctx, collection, *persistence.NewQuery().
				Filter("status", persistence.In, []string{"pending", "failed"}).
				Sort("priority", persistence.Desc).
				Sort("seq", persistence.Asc).
				Limit(3))
			Expect(err).NotTo(HaveOccurred())

			ids := make([]string, 0, len(docs))
			for _, d := range docs {
				ids = append(ids, d.ID())
			}
			// priorities: op-0=0 op-1=1 op-2=2 op-4=1
			Expect(ids).To(Equal([]string{"op-2", "op-1", "op-4"}))
		})

		It("should return everything for an empty query", func() {
			docs, err := store.Find(ctx, collection, persistence.Query{})
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(5))
		})

		It("should compare numbers regardless of Go type", func() {
			docs, err := store.Find(ctx, collection, *persistence.NewQuery().Filter("seq", persistence.Gte, int64(3)))
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(2))
		})

		It("should reject unknown operators", func() {
			_, err := store.Find(ctx, collection, *persistence.NewQuery().Filter("seq", persistence.Operator("$regex"), "x"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Transactions", func() {
		It("should make writes visible only after commit", func() {
			tx, err := store.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(tx.Upsert(ctx, collection, "t1", persistence.Document{"v": 1})).To(Succeed())

			doc, err := tx.Get(ctx, collection, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.ID()).To(Equal("t1"))

			Expect(tx.Commit()).To(Succeed())

			_, err = store.Get(ctx, collection, "t1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should discard writes on rollback", func() {
			tx, err := store.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(tx.Upsert(ctx, collection, "t2", persistence.Document{"v": 1})).To(Succeed())
			Expect(tx.Rollback()).To(Succeed())
			Expect(tx.Rollback()).To(Succeed())

			_, err = store.Get(ctx, collection, "t2")
			Expect(err).To(MatchError(persistence.ErrNotFound))
		})

		It("should see its own deletes in Find", func() {
			Expect(store.Upsert(ctx, collection, "keep", persistence.Document{})).To(Succeed())
			Expect(store.Upsert(ctx, collection, "drop", persistence.Document{})).To(Succeed())

			tx, err := store.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = tx.Rollback() }()

			Expect(tx.Delete(ctx, collection, "drop")).To(Succeed())

			docs, err := tx.Find(ctx, collection, persistence.Query{})
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(1))
			Expect(docs[0].ID()).To(Equal("keep"))
		})

		It("should refuse nested transactions", func() {
			tx, err := store.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = tx.Rollback() }()

			_, err = tx.BeginTx(ctx)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Context handling", func() {
		It("should reject a nil context", func() {
			//nolint:staticcheck // testing nil context behavior
			_, err := store.Get(nil, collection, "x")
			Expect(err).To(MatchError(ContainSubstring("context cannot be nil")))
		})

		It("should reject a cancelled context", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			_, err := store.Insert(cctx, collection, persistence.Document{"id": "c"})
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Describe("Close", func() {
		It("should fail operations after close", func() {
			Expect(store.Close(ctx)).To(Succeed())

			_, err := store.Get(ctx, collection, "x")
			Expect(err).To(MatchError(persistence.ErrClosed))
		})
	})
}
