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
	"time"

	"github.com/united-manufacturing-hub/field-companion/pkg/constants"
)

// OperationKind is the kind of mutation an outbox operation carries.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Valid reports whether k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}

	return false
}

// OperationStatus is the lifecycle state of an outbox operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "inProgress"
	StatusFailed     OperationStatus = "failed"
	StatusCompleted  OperationStatus = "completed"
)

// PendingConflict records the server side of a version conflict that could
// not be resolved automatically. An operation carrying one is held back from
// automatic batches until the user resolves it.
type PendingConflict struct {
	ServerPayload   []byte     `json:"serverPayload"`
	ServerTimestamp *time.Time `json:"serverTimestamp,omitempty"`
	ServerETag      *string    `json:"serverEtag,omitempty"`
	ServerVersion   *string    `json:"serverVersion,omitempty"`
	DetectedAt      time.Time  `json:"detectedAt"`
}

// OutboxOperation is a local mutation waiting to be transmitted.
type OutboxOperation struct {
	ID            string          `json:"id"`
	OperationKind OperationKind   `json:"operationKind"`
	EntityKind    string          `json:"entityKind"`
	EntityID      string          `json:"entityId"`
	ParentID      string          `json:"parentId"`
	Payload       []byte          `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	AttemptCount  int             `json:"attemptCount"`
	LastError     *string         `json:"lastError,omitempty"`
	Status        OperationStatus `json:"status"`
	Priority      int             `json:"priority"`

	// BaseVersion and BaseETag identify the server version the mutation was
	// made against. They are sent as preconditions on update and delete.
	BaseVersion *string `json:"baseVersion,omitempty"`
	BaseETag    *string `json:"baseEtag,omitempty"`

	Conflict *PendingConflict `json:"conflict,omitempty"`
}

// CanRetry reports whether the operation may still be attempted.
func (o *OutboxOperation) CanRetry() bool {
	return o.Status == StatusPending || o.Status == StatusFailed
}

// HasExceededMaxRetries reports whether automatic retries are exhausted.
func (o *OutboxOperation) HasExceededMaxRetries() bool {
	return o.AttemptCount >= constants.MaxRetryAttempts
}

// RequiresManualResolution reports whether a conflict is waiting on the user.
func (o *OutboxOperation) RequiresManualResolution() bool {
	return o.Conflict != nil
}

// IsFrozen reports whether the operation is failed and excluded from
// automatic batches until a user acts on it.
func (o *OutboxOperation) IsFrozen() bool {
	return o.Status == StatusFailed && (o.HasExceededMaxRetries() || o.RequiresManualResolution())
}

// IsEligibleForBatch reports whether the operation may be picked up by an
// automatic sync run.
func (o *OutboxOperation) IsEligibleForBatch() bool {
	return o.CanRetry() && !o.HasExceededMaxRetries() && !o.RequiresManualResolution()
}

// OutboxStats is a count of operations per status.
type OutboxStats struct {
	PendingCount    int `json:"pendingCount"`
	InProgressCount int `json:"inProgressCount"`
	FailedCount     int `json:"failedCount"`
	CompletedCount  int `json:"completedCount"`
	// FrozenCount is the subset of FailedCount that needs user action.
	FrozenCount int `json:"frozenCount"`
}

// TotalPending is the number of changes not yet on the server.
func (s OutboxStats) TotalPending() int {
	return s.PendingCount + s.FailedCount
}

// Add counts op into the stats.
func (s *OutboxStats) Add(op *OutboxOperation) {
	switch op.Status {
	case StatusPending:
		s.PendingCount++
	case StatusInProgress:
		s.InProgressCount++
	case StatusFailed:
		s.FailedCount++
		if op.IsFrozen() {
			s.FrozenCount++
		}
	case StatusCompleted:
		s.CompletedCount++
	}
}
