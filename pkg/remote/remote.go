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

// Package remote is the client side of the AAS repository the companion syncs with.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/field-companion/pkg/models"
)

// Repository is the remote collaborator of the sync engine.
//
// Mutations return an Outcome for anything the server answered meaningfully:
// either success, carrying the server's new version when it sent one, or a
// version conflict. Transport and unexpected server errors are returned as
// errors categorized with the backoff package.
type Repository interface {
	ListDescriptors(ctx context.Context, cursor string) (Page, error)
	GetDescriptor(ctx context.Context, id string) (Descriptor, error)
	SearchDescriptors(ctx context.Context, query, cursor string) (Page, error)

	Create(ctx context.Context, m Mutation) (Outcome, error)
	Update(ctx context.Context, m Mutation) (Outcome, error)
	Delete(ctx context.Context, m Mutation) (Outcome, error)

	// Fetch returns the current server version of an entity.
	Fetch(ctx context.Context, entityKind, entityID string) (ServerVersion, error)
}

// Descriptor is a shell descriptor. Raw holds the complete JSON document.
type Descriptor struct {
	ID      string `json:"id"`
	IDShort string `json:"idShort,omitempty"`
	Raw     []byte `json:"-"`
}

// Page is one page of a cursor-paginated listing. NextCursor is empty on the last page.
type Page struct {
	Items      []Descriptor
	NextCursor string
}

// Mutation is one outbox operation as sent to the server.
type Mutation struct {
	Kind       models.OperationKind
	EntityKind string
	EntityID   string
	ParentID   string
	Payload    []byte

	BaseETag    *string
	BaseVersion *string

	// Force skips the version precondition, overwriting whatever the server has.
	Force bool
}

// MutationFor builds the mutation that transmits op.
func MutationFor(op *models.OutboxOperation) Mutation {
	return Mutation{
		Kind:        op.OperationKind,
		EntityKind:  op.EntityKind,
		EntityID:    op.EntityID,
		ParentID:    op.ParentID,
		Payload:     op.Payload,
		BaseETag:    op.BaseETag,
		BaseVersion: op.BaseVersion,
	}
}

// ServerVersion is the server's copy of an entity.
type ServerVersion struct {
	Payload   []byte
	Timestamp *time.Time
	ETag      *string
	Version   *string
}

// VersionConflict reports that the server rejected a mutation because the
// entity changed since BaseETag/BaseVersion.
type VersionConflict struct {
	EntityKind string
	EntityID   string
	Server     ServerVersion
}

func (c *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict on %s %s", c.EntityKind, c.EntityID)
}

// Outcome is the answer to a mutation. Conflict is set when the server
// rejected it; otherwise the mutation succeeded and Server, when the server
// sent a body, carries the new version.
type Outcome struct {
	Server   *ServerVersion
	Conflict *VersionConflict
}

// IsConflict reports whether the mutation was rejected as a version conflict.
func (o Outcome) IsConflict() bool {
	return o.Conflict != nil
}

// Apply dispatches m to the repository method for its kind.
func Apply(ctx context.Context, repo Repository, m Mutation) (Outcome, error) {
	switch m.Kind {
	case models.OperationCreate:
		return repo.Create(ctx, m)
	case models.OperationUpdate:
		return repo.Update(ctx, m)
	case models.OperationDelete:
		return repo.Delete(ctx, m)
	}

	return Outcome{}, fmt.Errorf("unknown operation kind %q", m.Kind)
}
