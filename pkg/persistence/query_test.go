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

package persistence_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/field-companion/pkg/persistence"
)

type status string

var _ = Describe("Query", func() {
	Describe("builder", func() {
		It("should create an empty query with nil fields and zero counts", func() {
			query := persistence.NewQuery()

			Expect(query.Filters).To(BeNil())
			Expect(query.SortBy).To(BeNil())
			Expect(query.LimitCount).To(Equal(0))
			Expect(query.SkipCount).To(Equal(0))
		})

		It("should clamp negative limit and skip to zero", func() {
			query := persistence.NewQuery().Limit(-5).Skip(-10)

			Expect(query.LimitCount).To(Equal(0))
			Expect(query.SkipCount).To(Equal(0))
		})

		It("should treat a negative max find limit as unlimited", func() {
			Expect(persistence.NewQuery().WithMaxFindLimit(-3).MaxFindLimit).To(Equal(persistence.Unlimited))
		})
	})

	Describe("Apply", func() {
		docs := func() []persistence.Document {
			return []persistence.Document{
				{"id": "a", "status": "pending", "priority": float64(0)},
				{"id": "b", "status": "failed", "priority": float64(5)},
				{"id": "c", "status": "completed", "priority": float64(5)},
				{"id": "d", "status": "pending"},
			}
		}

		ids := func(in []persistence.Document) []string {
			out := make([]string, 0, len(in))
			for _, d := range in {
				out = append(out, d.ID())
			}

			return out
		}

		DescribeTable("filters",
			func(q *persistence.Query, expected []string) {
				out, err := q.Sort("id", persistence.Asc).Apply(docs())
				Expect(err).NotTo(HaveOccurred())
				Expect(ids(out)).To(Equal(expected))
			},
			Entry("eq", persistence.NewQuery().Filter("status", persistence.Eq, "pending"), []string{"a", "d"}),
			Entry("eq with a named string type", persistence.NewQuery().Filter("status", persistence.Eq, status("failed")), []string{"b"}),
			Entry("ne matches missing fields", persistence.NewQuery().Filter("priority", persistence.Ne, 5), []string{"a", "d"}),
			Entry("gt skips missing fields", persistence.NewQuery().Filter("priority", persistence.Gt, 0), []string{"b", "c"}),
			Entry("lte", persistence.NewQuery().Filter("priority", persistence.Lte, int32(0)), []string{"a"}),
			Entry("in", persistence.NewQuery().Filter("status", persistence.In, []status{"failed", "completed"}), []string{"b", "c"}),
			Entry("nin", persistence.NewQuery().Filter("status", persistence.Nin, []string{"pending"}), []string{"b", "c"}),
			Entry("exists", persistence.NewQuery().Filter("priority", persistence.Exists, false), []string{"d"}),
			Entry("and", persistence.NewQuery().
				Filter("status", persistence.Eq, "pending").
				Filter("priority", persistence.Exists, true), []string{"a"}),
		)

		It("should sort on several fields with nil first", func() {
			out, err := persistence.NewQuery().
				Sort("priority", persistence.Asc).
				Sort("id", persistence.Desc).
				Apply(docs())
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(out)).To(Equal([]string{"d", "a", "c", "b"}))
		})

		It("should skip then limit", func() {
			out, err := persistence.NewQuery().Sort("id", persistence.Asc).Skip(1).Limit(2).Apply(docs())
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(out)).To(Equal([]string{"b", "c"}))

			out, err = persistence.NewQuery().Skip(10).Apply(docs())
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(BeEmpty())
		})

		It("should cap results at the max find limit", func() {
			out, err := persistence.NewQuery().WithMaxFindLimit(2).Apply(docs())
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveLen(2))
		})

		It("should reject malformed filters", func() {
			_, err := persistence.NewQuery().Filter("status", persistence.In, "pending").Apply(docs())
			Expect(err).To(MatchError(ContainSubstring("needs a slice")))

			_, err = persistence.NewQuery().Filter("status", persistence.Exists, "yes").Apply(docs())
			Expect(err).To(MatchError(ContainSubstring("needs a bool")))
		})
	})

	Describe("TimeKey", func() {
		It("should order lexically like the times it encodes", func() {
			base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
			a := persistence.TimeKey(base)
			b := persistence.TimeKey(base.Add(500 * time.Millisecond))
			c := persistence.TimeKey(base.Add(time.Second))

			Expect(a < b).To(BeTrue())
			Expect(b < c).To(BeTrue())
		})
	})
})

var _ = Describe("Document codec", func() {
	type record struct {
		ID       string    `json:"id"`
		Priority int       `json:"priority"`
		At       time.Time `json:"at"`
		Payload  []byte    `json:"payload"`
	}

	It("should convert records to documents and back", func() {
		in := record{ID: "r1", Priority: 3, At: time.Date(2025, 2, 3, 4, 5, 6, 7, time.UTC), Payload: []byte(`{"a":1}`)}

		doc, err := persistence.ToDocument(in)
		Expect(err).NotTo(HaveOccurred())
		Expect(doc.ID()).To(Equal("r1"))
		Expect(doc["priority"]).To(BeEquivalentTo(3))

		var out record
		Expect(persistence.FromDocument(doc, &out)).To(Succeed())
		Expect(out.At.Equal(in.At)).To(BeTrue())
		Expect(out.Payload).To(Equal(in.Payload))
	})
})
