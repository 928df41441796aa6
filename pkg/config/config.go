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
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/field-companion/pkg/constants"
)

// FullConfig is the persisted configuration of the companion daemon.
type FullConfig struct {
	Sync        SyncConfig    `yaml:"sync"`
	Remote      RemoteConfig  `yaml:"remote"`
	Network     NetworkConfig `yaml:"network"`
	Storage     StorageConfig `yaml:"storage"`
	API         APIConfig     `yaml:"api"`
	MetricsPort int           `yaml:"metricsPort"` // Port to expose metrics on
}

type SyncConfig struct {
	BatchSize          int           `yaml:"batchSize"`
	Interval           time.Duration `yaml:"interval"`
	AllowCellular      bool          `yaml:"allowCellular"` // Sync on metered cellular connections
	ConflictStrategy   string        `yaml:"conflictStrategy"`
	RefreshConcurrency int           `yaml:"refreshConcurrency"`
	RefreshLimit       int           `yaml:"refreshLimit"`
}

type RemoteConfig struct {
	BaseURL   string        `yaml:"baseUrl,omitempty"`
	AuthToken string        `yaml:"authToken,omitempty"`
	Timeout   time.Duration `yaml:"timeout"`
}

type NetworkConfig struct {
	// ProbeURL is polled to decide connectivity. Empty means the remote base URL is used.
	ProbeURL      string        `yaml:"probeUrl,omitempty"`
	ProbeInterval time.Duration `yaml:"probeInterval"`
	ProbeTimeout  time.Duration `yaml:"probeTimeout"`
	// ConnectionType is reported with every probe result, the probe cannot detect it.
	ConnectionType string `yaml:"connectionType,omitempty"`
}

type StorageConfig struct {
	DataDir  string `yaml:"dataDir"`
	DBFile   string `yaml:"dbFile"`
	FilesDir string `yaml:"filesDir"`
}

type APIConfig struct {
	Port int `yaml:"port"`
}

// Conflict strategy names accepted in SyncConfig.ConflictStrategy.
const (
	StrategyServerWins    = "serverWins"
	StrategyClientWins    = "clientWins"
	StrategyLastWriteWins = "lastWriteWins"
	StrategyMerge         = "merge"
	StrategyManual        = "manual"
)

// Default returns the configuration used when no file exists.
func Default() FullConfig {
	return FullConfig{
		Sync: SyncConfig{
			BatchSize:          constants.DefaultSyncBatchSize,
			Interval:           constants.DefaultSyncInterval,
			ConflictStrategy:   StrategyLastWriteWins,
			RefreshConcurrency: constants.DefaultRefreshConcurrency,
			RefreshLimit:       constants.DefaultRefreshLimit,
		},
		Remote: RemoteConfig{
			Timeout: constants.DefaultRemoteTimeout,
		},
		Network: NetworkConfig{
			ProbeInterval:  constants.DefaultProbeInterval,
			ProbeTimeout:   constants.DefaultProbeTimeout,
			ConnectionType: "wifi",
		},
		Storage: StorageConfig{
			DataDir:  DefaultDataDir,
			DBFile:   "companion.db",
			FilesDir: "files",
		},
		API:         APIConfig{Port: constants.DefaultAPIPort},
		MetricsPort: constants.DefaultMetricsPort,
	}
}

// Clone creates a deep copy of FullConfig
func (c FullConfig) Clone() FullConfig {
	var clone FullConfig
	_ = deepcopy.Copy(&clone, &c)

	return clone
}

// WithDefaults fills every zero field from Default.
func (c FullConfig) WithDefaults() FullConfig {
	d := Default()

	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = d.Sync.BatchSize
	}

	if c.Sync.Interval <= 0 {
		c.Sync.Interval = d.Sync.Interval
	}

	if c.Sync.ConflictStrategy == "" {
		c.Sync.ConflictStrategy = d.Sync.ConflictStrategy
	}

	if c.Sync.RefreshConcurrency <= 0 {
		c.Sync.RefreshConcurrency = d.Sync.RefreshConcurrency
	}

	if c.Sync.RefreshLimit <= 0 {
		c.Sync.RefreshLimit = d.Sync.RefreshLimit
	}

	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = d.Remote.Timeout
	}

	if c.Network.ProbeInterval <= 0 {
		c.Network.ProbeInterval = d.Network.ProbeInterval
	}

	if c.Network.ProbeTimeout <= 0 {
		c.Network.ProbeTimeout = d.Network.ProbeTimeout
	}

	if c.Network.ConnectionType == "" {
		c.Network.ConnectionType = d.Network.ConnectionType
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = d.Storage.DataDir
	}

	if c.Storage.DBFile == "" {
		c.Storage.DBFile = d.Storage.DBFile
	}

	if c.Storage.FilesDir == "" {
		c.Storage.FilesDir = d.Storage.FilesDir
	}

	if c.API.Port <= 0 {
		c.API.Port = d.API.Port
	}

	if c.MetricsPort <= 0 {
		c.MetricsPort = d.MetricsPort
	}

	return c
}

// Validate checks the configuration for values the daemon cannot start with.
func (c FullConfig) Validate() error {
	var errs []error

	if c.Sync.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.batchSize must be positive, got %d", c.Sync.BatchSize))
	}

	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}

	switch c.Sync.ConflictStrategy {
	case StrategyServerWins, StrategyClientWins, StrategyLastWriteWins, StrategyMerge, StrategyManual:
	default:
		errs = append(errs, fmt.Errorf("sync.conflictStrategy %q is unknown", c.Sync.ConflictStrategy))
	}

	if c.Sync.RefreshConcurrency <= 0 {
		errs = append(errs, errors.New("sync.refreshConcurrency must be positive"))
	}

	if c.Remote.BaseURL != "" {
		if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("remote.baseUrl %q is not an absolute URL", c.Remote.BaseURL))
		}
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d is out of range", c.API.Port))
	}

	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metricsPort %d is out of range", c.MetricsPort))
	}

	if c.API.Port == c.MetricsPort {
		errs = append(errs, errors.New("api.port and metricsPort must differ"))
	}

	return errors.Join(errs...)
}
