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

package outbox

import "github.com/united-manufacturing-hub/field-companion/pkg/models"

// coalesceTarget returns the operation a new mutation of the same entity may
// be folded into: the latest pending one, and only if no operation of the
// entity is in progress or failed. Folding into an operation the server may
// already have seen would reorder mutations.
func coalesceTarget(open []*record) *record {
	var target *record

	for _, r := range open {
		switch r.op.Status {
		case models.StatusInProgress, models.StatusFailed:
			return nil
		case models.StatusPending:
			if target == nil || r.seq > target.seq {
				target = r
			}
		}
	}

	return target
}

// coalesce folds incoming into the pending operation existing.
//
//	update + update -> update with the new payload
//	create + update -> create with the new payload
//	create + delete -> both dropped (drop == true)
//	update + delete -> delete
//
// Any other pair returns nil and the new operation is queued after the existing one.
// The merged operation keeps the identity, position and base version of existing.
func coalesce(existing, incoming *models.OutboxOperation) (merged *models.OutboxOperation, drop bool) {
	switch {
	case existing.OperationKind == models.OperationCreate && incoming.OperationKind == models.OperationDelete:
		return nil, true
	case existing.OperationKind == models.OperationUpdate && incoming.OperationKind == models.OperationUpdate,
		existing.OperationKind == models.OperationCreate && incoming.OperationKind == models.OperationUpdate:
	case existing.OperationKind == models.OperationUpdate && incoming.OperationKind == models.OperationDelete:
		existing.OperationKind = models.OperationDelete
	default:
		return nil, false
	}

	existing.Payload = incoming.Payload

	if incoming.Priority > existing.Priority {
		existing.Priority = incoming.Priority
	}

	if incoming.ParentID != "" {
		existing.ParentID = incoming.ParentID
	}

	if existing.BaseETag == nil {
		existing.BaseETag = incoming.BaseETag
	}

	if existing.BaseVersion == nil {
		existing.BaseVersion = incoming.BaseVersion
	}

	return existing, false
}
