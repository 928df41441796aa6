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

package persistence

import (
	"fmt"
	"reflect"
	"sort"
	"time"
)

const (
	DefaultMaxFindLimit = 1000
	// Unlimited disables the find cap for callers that must see every document.
	Unlimited = -1
)

// Operator is a MongoDB-style comparison operator.
type Operator string

const (
	Eq  Operator = "$eq"  // Equal: field == value
	Ne  Operator = "$ne"  // Not equal: field != value
	Gt  Operator = "$gt"  // Greater than: field > value
	Gte Operator = "$gte" // Greater than or equal: field >= value
	Lt  Operator = "$lt"  // Less than: field < value
	Lte Operator = "$lte" // Less than or equal: field <= value
	In  Operator = "$in"  // In array: field IN (value1, value2, ...)
	Nin Operator = "$nin" // Not in array: field NOT IN (value1, value2, ...)
	// Exists matches when the field is present and non-nil (value true) or
	// absent or nil (value false).
	Exists Operator = "$exists"
)

// FilterCondition is a single filter criterion.
type FilterCondition struct {
	Field string
	Op    Operator
	Value interface{}
}

// SortOrder is a sort direction.
type SortOrder int

const (
	Asc  SortOrder = 1  // Ascending order (A-Z, 0-9, oldest-newest)
	Desc SortOrder = -1 // Descending order (Z-A, 9-0, newest-oldest)
)

// SortField is a field to sort by and its direction.
type SortField struct {
	Field string
	Order SortOrder
}

// Query holds filters (combined with AND), sort precedence and pagination.
//
//	query := persistence.NewQuery().
//	    Filter("status", persistence.In, []string{"pending", "failed"}).
//	    Sort("priority", persistence.Desc).
//	    Sort("createdAt", persistence.Asc).
//	    Limit(50)
type Query struct {
	Filters      []FilterCondition
	SortBy       []SortField
	LimitCount   int
	SkipCount    int
	MaxFindLimit int
}

// NewQuery creates an empty query builder. An empty query matches every document.
func NewQuery() *Query {
	return &Query{}
}

// Filter adds a filter condition. Multiple filters are combined with AND.
func (q *Query) Filter(field string, op Operator, value interface{}) *Query {
	q.Filters = append(q.Filters, FilterCondition{
		Field: field,
		Op:    op,
		Value: value,
	})

	return q
}

// Sort adds a sort field. The first call is the primary key, later calls break ties.
func (q *Query) Sort(field string, order SortOrder) *Query {
	q.SortBy = append(q.SortBy, SortField{
		Field: field,
		Order: order,
	})

	return q
}

// Limit sets the maximum number of documents to return. Zero or negative means no limit.
func (q *Query) Limit(count int) *Query {
	if count < 0 {
		count = 0
	}

	q.LimitCount = count

	return q
}

// Skip sets the number of documents to skip before returning results.
func (q *Query) Skip(count int) *Query {
	if count < 0 {
		count = 0
	}

	q.SkipCount = count

	return q
}

// WithMaxFindLimit overrides DefaultMaxFindLimit. Any negative value means Unlimited.
func (q *Query) WithMaxFindLimit(limit int) *Query {
	if limit < 0 {
		limit = Unlimited
	}

	q.MaxFindLimit = limit

	return q
}

// Validate checks that every filter uses a known operator with a usable value.
func (q Query) Validate() error {
	for _, f := range q.Filters {
		switch f.Op {
		case Eq, Ne, Gt, Gte, Lt, Lte:
		case In, Nin:
			if k := reflect.ValueOf(f.Value).Kind(); k != reflect.Slice && k != reflect.Array {
				return fmt.Errorf("filter on %q: operator %s needs a slice, got %T", f.Field, f.Op, f.Value)
			}
		case Exists:
			if _, ok := f.Value.(bool); !ok {
				return fmt.Errorf("filter on %q: operator %s needs a bool, got %T", f.Field, f.Op, f.Value)
			}
		default:
			return fmt.Errorf("filter on %q: unknown operator %q", f.Field, f.Op)
		}
	}

	for _, s := range q.SortBy {
		if s.Order != Asc && s.Order != Desc {
			return fmt.Errorf("sort on %q: invalid order %d", s.Field, s.Order)
		}
	}

	return nil
}

// Matches reports whether doc satisfies all filters.
func (q Query) Matches(doc Document) bool {
	for _, f := range q.Filters {
		if !f.matches(doc) {
			return false
		}
	}

	return true
}

// Apply filters, sorts and paginates docs in place and returns the result.
// Backends without native query support run every Find through it.
func (q Query) Apply(docs []Document) ([]Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	out := docs[:0]

	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		for _, s := range q.SortBy {
			c := compareValues(out[i][s.Field], out[j][s.Field])
			if c == 0 {
				continue
			}

			if s.Order == Desc {
				return c > 0
			}

			return c < 0
		}

		return false
	})

	if q.SkipCount > 0 {
		if q.SkipCount >= len(out) {
			return []Document{}, nil
		}

		out = out[q.SkipCount:]
	}

	limit := q.LimitCount

	maxLimit := q.MaxFindLimit
	if maxLimit == 0 {
		maxLimit = DefaultMaxFindLimit
	}

	if maxLimit > 0 && (limit == 0 || limit > maxLimit) {
		limit = maxLimit
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (f FilterCondition) matches(doc Document) bool {
	v, present := doc[f.Field]

	switch f.Op {
	case Exists:
		want, _ := f.Value.(bool)

		return (present && v != nil) == want
	case Eq:
		return present && compareValues(v, f.Value) == 0
	case Ne:
		return !present || compareValues(v, f.Value) != 0
	case Gt:
		return present && orderable(v, f.Value) && compareValues(v, f.Value) > 0
	case Gte:
		return present && orderable(v, f.Value) && compareValues(v, f.Value) >= 0
	case Lt:
		return present && orderable(v, f.Value) && compareValues(v, f.Value) < 0
	case Lte:
		return present && orderable(v, f.Value) && compareValues(v, f.Value) <= 0
	case In:
		return present && containsValue(f.Value, v)
	case Nin:
		return !present || !containsValue(f.Value, v)
	}

	return false
}

func containsValue(list interface{}, v interface{}) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < rv.Len(); i++ {
		if compareValues(rv.Index(i).Interface(), v) == 0 {
			return true
		}
	}

	return false
}

// normalize maps numeric kinds to float64 and named string types to string so
// values decoded from JSON compare equal to values from Go callers. Times are
// rendered fixed-width so that they order lexically; range filters on time
// fields only work when the stored value uses the same layout (see TimeKey).
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return TimeKey(t)
	case fmt.Stringer:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.String {
			return rv.String()
		}

		return t.String()
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	}

	return v
}

func orderable(a, b interface{}) bool {
	na, nb := normalize(a), normalize(b)

	switch na.(type) {
	case float64:
		_, ok := nb.(float64)

		return ok
	case string:
		_, ok := nb.(string)

		return ok
	}

	return false
}

// compareValues orders nil first, then booleans, numbers and strings.
// Values of other types compare equal to each other.
func compareValues(a, b interface{}) int {
	na, nb := normalize(a), normalize(b)

	ra, rb := rank(na), rank(nb)
	if ra != rb {
		if ra < rb {
			return -1
		}

		return 1
	}

	switch x := na.(type) {
	case bool:
		y := nb.(bool)

		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case float64:
		y := nb.(float64)

		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case string:
		y := nb.(string)

		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	}

	return 0
}

func rank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}

	return 4
}

// timeKeyLayout is RFC3339 with a fixed nanosecond fraction.
const timeKeyLayout = "2006-01-02T15:04:05.000000000Z"

// TimeKey renders t in a fixed-width UTC layout that sorts lexically.
// Store it alongside a record when a query needs to sort or range on time.
func TimeKey(t time.Time) string {
	return t.UTC().Format(timeKeyLayout)
}
