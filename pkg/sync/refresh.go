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
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/field-companion/pkg/models"
	"github.com/united-manufacturing-hub/field-companion/pkg/remote"
)

// refreshCache re-fetches the expired entries of the current UI context and
// returns how many were refreshed. It is best effort: failures are logged and
// never fail the run. Entries with open outbox operations are left alone so a
// refresh never overwrites a local change that is not on the server yet.
func (e *Engine) refreshCache(ctx context.Context) int {
	parentID := e.Context()
	if parentID == "" {
		return 0
	}

	entries, err := e.cache.Expired(ctx, parentID, e.cfg.RefreshLimit)
	if err != nil {
		e.log.Warnf("Failed to list expired cache entries of %s: %v", parentID, err)

		return 0
	}

	if len(entries) == 0 {
		return 0
	}

	var refreshed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.RefreshConcurrency)

	for _, entry := range entries {
		entry := entry

		g.Go(func() error {
			if e.refreshEntry(gctx, entry) {
				refreshed.Add(1)
			}

			return nil
		})
	}

	_ = g.Wait()

	e.log.Debugf("Refreshed %d of %d expired entries of %s", refreshed.Load(), len(entries), parentID)

	return int(refreshed.Load())
}

func (e *Engine) refreshEntry(ctx context.Context, entry *models.CachedEntry) bool {
	if ctx.Err() != nil {
		return false
	}

	open, err := e.outbox.PendingForEntity(ctx, entry.ID)
	if err != nil {
		e.log.Warnf("Failed to check open operations of %s: %v", entry.ID, err)

		return false
	}

	if len(open) > 0 {
		return false
	}

	server, err := e.repo.Fetch(ctx, e.cfg.RefreshEntityKind, entry.ID)
	if errors.Is(err, remote.ErrNotFound) {
		if err := e.cache.Delete(ctx, entry.ID); err != nil {
			e.log.Warnf("Failed to drop cache entry %s the server no longer has: %v", entry.ID, err)

			return false
		}

		return true
	}

	if err != nil {
		e.log.Debugf("Failed to refresh cache entry %s: %v", entry.ID, err)

		return false
	}

	if len(server.Payload) == 0 {
		return false
	}

	if err := e.putEntry(ctx, entry.ID, entry.ParentID, server.Payload, &server); err != nil {
		e.log.Warnf("Failed to store refreshed cache entry %s: %v", entry.ID, err)

		return false
	}

	return true
}
