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
	// DefaultRemoteTimeout is the per-request timeout of the remote repository client.
	DefaultRemoteTimeout = 30 * time.Second

	// DefaultRemoteMaxElapsed bounds retries of idempotent remote reads.
	DefaultRemoteMaxElapsed = 20 * time.Second

	// DefaultProbeInterval is how often the reachability probe polls the health URL.
	DefaultProbeInterval = 15 * time.Second

	// DefaultProbeTimeout is the timeout of a single reachability probe.
	DefaultProbeTimeout = 5 * time.Second

	// ProbeLatencyWindow is how long probe latency samples are retained.
	ProbeLatencyWindow = 5 * time.Minute

	// HousekeepingInterval is how often expired cache entries and old completed
	// outbox operations are purged and the database is compacted.
	HousekeepingInterval = time.Hour

	// CompletedRetention is how long completed outbox operations are kept for the history view.
	CompletedRetention = 24 * time.Hour

	// ShutdownTimeout bounds the graceful stop of the HTTP servers.
	ShutdownTimeout = 3 * time.Second

	// DefaultAPIPort is the port of the local UI API.
	DefaultAPIPort = 8081

	// DefaultMetricsPort is the port prometheus metrics are exposed on.
	DefaultMetricsPort = 8082

	// DefaultAppVersion is used when the binary is built without version ldflags.
	DefaultAppVersion = "0.0.0-dev"

	// DefaultDevelopmentEnvironment is the sentry environment for prerelease builds.
	DefaultDevelopmentEnvironment = "development"

	// DefaultProductionEnvironment is the sentry environment for release builds.
	DefaultProductionEnvironment = "production"
)
