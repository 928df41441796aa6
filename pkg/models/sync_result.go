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

package models

import (
	"fmt"
	"time"
)

// SyncResult summarizes one sync run. The zero value is a successful run
// that did nothing.
type SyncResult struct {
	SuccessCount int     `json:"successCount"`
	FailureCount int     `json:"failureCount"`
	SkippedCount int     `json:"skippedCount"`
	Errors       []error `json:"-"`

	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	Cancelled      bool      `json:"cancelled"`
	CacheRefreshed int       `json:"cacheRefreshed"`
}

// IsSuccess reports whether no operation failed.
func (r SyncResult) IsSuccess() bool {
	return r.FailureCount == 0
}

// Duration is the wall time the run took.
func (r SyncResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}

	return r.FinishedAt.Sub(r.StartedAt)
}

// ErrorMessages returns the error strings, for JSON and UI consumption.
func (r SyncResult) ErrorMessages() []string {
	msgs := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		msgs = append(msgs, err.Error())
	}

	return msgs
}

// Summary is a one-line description for logs.
func (r SyncResult) Summary() string {
	s := fmt.Sprintf("%d synced, %d failed, %d skipped", r.SuccessCount, r.FailureCount, r.SkippedCount)
	if r.CacheRefreshed > 0 {
		s += fmt.Sprintf(", %d refreshed", r.CacheRefreshed)
	}

	if r.Cancelled {
		s += " (cancelled)"
	}

	return s
}
