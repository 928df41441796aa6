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
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/field-companion/pkg/logger"
)

const (
	// DefaultConfigPath is the default path to the config file
	DefaultConfigPath = "/data/companion.yaml"

	// DefaultDataDir holds the database and downloaded documents.
	DefaultDataDir = "/data"
)

// FileConfigManager reads and writes the config file.
type FileConfigManager struct {
	fs         afero.Fs
	configPath string
	logger     *zap.SugaredLogger

	// guards a full read-modify-write cycle of the file
	mu sync.Mutex
}

// NewFileConfigManager creates a manager for path on fs. An empty path uses DefaultConfigPath.
func NewFileConfigManager(fs afero.Fs, path string) *FileConfigManager {
	if path == "" {
		path = DefaultConfigPath
	}

	return &FileConfigManager{
		fs:         fs,
		configPath: path,
		logger:     logger.For(logger.ComponentConfig),
	}
}

// Path returns the config file location.
func (m *FileConfigManager) Path() string {
	return m.configPath
}

// GetConfig reads the config file fresh from disk.
func (m *FileConfigManager) GetConfig(ctx context.Context) (FullConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.readConfig(ctx)
}

func (m *FileConfigManager) readConfig(ctx context.Context) (FullConfig, error) {
	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	data, err := afero.ReadFile(m.fs, m.configPath)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FullConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return FullConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// an empty file usually means a partial write; the caller decides whether to recreate it
	if reflect.DeepEqual(config, FullConfig{}) {
		return FullConfig{}, fmt.Errorf("config file is empty: %s", m.configPath)
	}

	return config, nil
}

// GetConfigWithOverwritesOrCreateNew loads the config file, or the defaults if it does
// not exist, applies every non-zero field of override, fills remaining zero fields from
// Default and writes the result back.
func (m *FileConfigManager) GetConfigWithOverwritesOrCreateNew(ctx context.Context, override FullConfig) (FullConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	config := Default()

	exists, err := afero.Exists(m.fs, m.configPath)
	switch {
	case err != nil:
		m.logger.Warnf("failed to check if config file exists in %s: %v", m.configPath, err)
	case exists:
		config, err = m.readConfig(ctx)
		if err != nil {
			return FullConfig{}, fmt.Errorf("failed to get config that exists: %w", err)
		}
	}

	config = applyOverride(config, override).WithDefaults()

	if err := config.Validate(); err != nil {
		return FullConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	if err := m.writeConfig(ctx, config); err != nil {
		return FullConfig{}, fmt.Errorf("failed to write new config: %w", err)
	}

	return config, nil
}

func (m *FileConfigManager) writeConfig(ctx context.Context, config FullConfig) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := m.fs.MkdirAll(filepath.Dir(m.configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// write to a sibling file and rename so a crash never leaves a truncated config
	tmp := m.configPath + ".tmp"
	if err := afero.WriteFile(m.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := m.fs.Rename(tmp, m.configPath); err != nil {
		_ = m.fs.Remove(tmp)

		return fmt.Errorf("failed to replace config file: %w", err)
	}

	m.logger.Infof("Successfully wrote config to %s", m.configPath)

	return nil
}

func applyOverride(config, override FullConfig) FullConfig {
	if override.Sync.BatchSize > 0 {
		config.Sync.BatchSize = override.Sync.BatchSize
	}

	if override.Sync.Interval > 0 {
		config.Sync.Interval = override.Sync.Interval
	}

	if override.Sync.AllowCellular {
		config.Sync.AllowCellular = true
	}

	if override.Sync.ConflictStrategy != "" {
		config.Sync.ConflictStrategy = override.Sync.ConflictStrategy
	}

	if override.Sync.RefreshConcurrency > 0 {
		config.Sync.RefreshConcurrency = override.Sync.RefreshConcurrency
	}

	if override.Remote.BaseURL != "" {
		config.Remote.BaseURL = override.Remote.BaseURL
	}

	if override.Remote.AuthToken != "" {
		config.Remote.AuthToken = override.Remote.AuthToken
	}

	if override.Remote.Timeout > 0 {
		config.Remote.Timeout = override.Remote.Timeout
	}

	if override.Network.ProbeURL != "" {
		config.Network.ProbeURL = override.Network.ProbeURL
	}

	if override.Network.ProbeInterval > 0 {
		config.Network.ProbeInterval = override.Network.ProbeInterval
	}

	if override.Network.ConnectionType != "" {
		config.Network.ConnectionType = override.Network.ConnectionType
	}

	if override.Storage.DataDir != "" {
		config.Storage.DataDir = override.Storage.DataDir
	}

	if override.API.Port > 0 {
		config.API.Port = override.API.Port
	}

	if override.MetricsPort > 0 {
		config.MetricsPort = override.MetricsPort
	}

	return config
}

// DBPath is the absolute path of the sqlite database.
func (c FullConfig) DBPath() string {
	return resolve(c.Storage.DataDir, c.Storage.DBFile)
}

// FilesPath is the absolute path of the downloaded documents directory.
func (c FullConfig) FilesPath() string {
	return resolve(c.Storage.DataDir, c.Storage.FilesDir)
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}

	return filepath.Join(dir, name)
}

// ConfigPathFromEnv returns CONFIG_PATH or DefaultConfigPath.
func ConfigPathFromEnv() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}

	return DefaultConfigPath
}
