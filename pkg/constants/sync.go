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

package constants

import "time"

const (
	// MaxRetryAttempts is the number of failed attempts after which an outbox
	// operation is frozen and excluded from automatic sync batches.
	MaxRetryAttempts = 5

	// DefaultSyncBatchSize is the number of outbox operations pulled per run.
	DefaultSyncBatchSize = 50

	// DefaultSyncInterval is how often the engine run loop triggers a sync while connected.
	DefaultSyncInterval = 5 * time.Minute

	// DefaultRefreshConcurrency bounds parallel cache refresh fetches.
	DefaultRefreshConcurrency = 4

	// DefaultRefreshLimit caps the number of expired cache entries refreshed per run.
	DefaultRefreshLimit = 25

	// SyncBackoffInitialInterval is the first delay after a failed sync run.
	SyncBackoffInitialInterval = 5 * time.Second

	// SyncBackoffMaxInterval caps the delay between failed sync runs.
	SyncBackoffMaxInterval = 5 * time.Minute
)

const (
	// OutboxCollection stores pending local mutations.
	OutboxCollection = "outbox_operations"

	// CacheCollection stores cached remote resources.
	CacheCollection = "cached_entries"

	// FileCollection stores metadata of downloaded documents.
	FileCollection = "cached_files"
)
