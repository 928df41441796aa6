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

package sync

import (
	"context"
	"fmt"

	"github.com/united-manufacturing-hub/field-companion/pkg/models"
	"github.com/united-manufacturing-hub/field-companion/pkg/remote"
)

// Choice is the user's answer to a conflict that needs manual resolution.
type Choice string

const (
	// KeepLocal pushes the local payload over the server version on the next run.
	KeepLocal Choice = "local"
	// KeepServer drops the local change and caches the server version.
	KeepServer Choice = "server"
	// UseCustom pushes a payload the user edited, e.g. a hand merge.
	UseCustom Choice = "custom"
)

// DiscardOperation removes a failed operation the user gave up on.
func (e *Engine) DiscardOperation(ctx context.Context, id string) error {
	if err := e.outbox.Remove(ctx, id); err != nil {
		return err
	}

	e.log.Infof("Operation %s discarded by user", id)
	e.RefreshStats(ctx)

	return nil
}

// RetryOperation re-queues a failed operation. A frozen operation gets a
// fresh retry budget.
func (e *Engine) RetryOperation(ctx context.Context, id string) (*models.OutboxOperation, error) {
	op, err := e.outbox.ResetForRetry(ctx, id)
	if err != nil {
		return nil, err
	}

	e.log.Infof("Operation %s re-queued by user", id)
	e.RefreshStats(ctx)

	return op, nil
}

// ResolveManually applies the user's decision to an operation waiting on a
// conflict. KeepLocal and UseCustom re-queue the operation against the server
// version it conflicted with; KeepServer removes it and caches the server version.
func (e *Engine) ResolveManually(ctx context.Context, id string, choice Choice, payload []byte) error {
	op, err := e.outbox.Get(ctx, id)
	if err != nil {
		return err
	}

	if !op.RequiresManualResolution() {
		return fmt.Errorf("%w: operation %s", ErrNoConflict, id)
	}

	switch choice {
	case KeepLocal:
		_, err = e.outbox.ResolveConflict(ctx, id, op.Payload)
	case UseCustom:
		if len(payload) == 0 {
			return fmt.Errorf("%w: a custom resolution of operation %s needs a payload", ErrInvalidResolution, id)
		}

		_, err = e.outbox.ResolveConflict(ctx, id, payload)
	case KeepServer:
		err = e.outbox.Remove(ctx, id)
		if err == nil {
			c := op.Conflict
			e.cacheServer(ctx, op, remote.ServerVersion{
				Payload:   c.ServerPayload,
				Timestamp: c.ServerTimestamp,
				ETag:      c.ServerETag,
				Version:   c.ServerVersion,
			})
		}
	default:
		return fmt.Errorf("%w: unknown choice %q", ErrInvalidResolution, choice)
	}

	if err != nil {
		return err
	}

	e.log.Infof("Conflict of operation %s resolved by user: %s", id, choice)
	e.RefreshStats(ctx)

	return nil
}

// RefreshStats re-reads the outbox stats into the published state.
func (e *Engine) RefreshStats(ctx context.Context) {
	stats, err := e.outbox.Stats(ctx)
	if err != nil {
		e.log.Warnf("Failed to read outbox stats: %v", err)

		return
	}

	e.update(func(s *State) { s.OutboxStats = stats })
}
