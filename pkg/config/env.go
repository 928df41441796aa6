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

package config

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/field-companion/pkg/env"
	"github.com/united-manufacturing-hub/field-companion/pkg/sentry"
)

// LoadConfigWithEnvOverrides loads the config file and applies environment variable overrides.
//
// Order of precedence (highest to lowest):
// 1. Environment variables (REMOTE_URL, AUTH_TOKEN, SYNC_ALLOW_CELLULAR, ...)
// 2. Existing config file values
// 3. Default values
//
// The resulting configuration is written back to the config file, so environment
// variables cause permanent changes that become the baseline on the next start.
func LoadConfigWithEnvOverrides(ctx context.Context, configManager *FileConfigManager, log *zap.SugaredLogger) (FullConfig, error) {
	override := FullConfig{}

	var err error

	if override.Remote.BaseURL, err = env.GetAsString("REMOTE_URL", false, ""); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get REMOTE_URL: %w", err)
	}

	if override.Remote.AuthToken, err = env.GetAsString("AUTH_TOKEN", false, ""); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get AUTH_TOKEN: %w", err)
	}

	if override.Remote.Timeout, err = env.GetAsDuration("REMOTE_TIMEOUT", false, 0); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get REMOTE_TIMEOUT: %w", err)
	}

	if override.Sync.AllowCellular, err = env.GetAsBool("SYNC_ALLOW_CELLULAR", false, false); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get SYNC_ALLOW_CELLULAR: %w", err)
	}

	if override.Sync.Interval, err = env.GetAsDuration("SYNC_INTERVAL", false, 0); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get SYNC_INTERVAL: %w", err)
	}

	if override.Sync.BatchSize, err = env.GetAsInt("SYNC_BATCH_SIZE", false, 0); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get SYNC_BATCH_SIZE: %w", err)
	}

	if override.Sync.ConflictStrategy, err = env.GetAsString("SYNC_CONFLICT_STRATEGY", false, ""); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get SYNC_CONFLICT_STRATEGY: %w", err)
	}

	if override.Network.ProbeURL, err = env.GetAsString("PROBE_URL", false, ""); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get PROBE_URL: %w", err)
	}

	if override.Network.ConnectionType, err = env.GetAsString("CONNECTION_TYPE", false, ""); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get CONNECTION_TYPE: %w", err)
	}

	if override.Storage.DataDir, err = env.GetAsString("DATA_DIR", false, ""); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get DATA_DIR: %w", err)
	}

	if override.API.Port, err = env.GetAsInt("API_PORT", false, 0); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get API_PORT: %w", err)
	}

	if override.MetricsPort, err = env.GetAsInt("METRICS_PORT", false, 0); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get METRICS_PORT: %w", err)
	}

	configData, err := configManager.GetConfigWithOverwritesOrCreateNew(ctx, override)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to load config with environment overrides: %w", err)
	}

	return configData, nil
}
