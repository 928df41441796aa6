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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/field-companion/pkg/api"
	"github.com/united-manufacturing-hub/field-companion/pkg/cache"
	"github.com/united-manufacturing-hub/field-companion/pkg/config"
	"github.com/united-manufacturing-hub/field-companion/pkg/conflict"
	"github.com/united-manufacturing-hub/field-companion/pkg/constants"
	"github.com/united-manufacturing-hub/field-companion/pkg/env"
	"github.com/united-manufacturing-hub/field-companion/pkg/logger"
	"github.com/united-manufacturing-hub/field-companion/pkg/metrics"
	"github.com/united-manufacturing-hub/field-companion/pkg/models"
	"github.com/united-manufacturing-hub/field-companion/pkg/network"
	"github.com/united-manufacturing-hub/field-companion/pkg/outbox"
	"github.com/united-manufacturing-hub/field-companion/pkg/persistence"
	"github.com/united-manufacturing-hub/field-companion/pkg/persistence/sqlite"
	"github.com/united-manufacturing-hub/field-companion/pkg/remote"
	"github.com/united-manufacturing-hub/field-companion/pkg/sentry"
	csync "github.com/united-manufacturing-hub/field-companion/pkg/sync"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=...".
var appVersion = constants.DefaultAppVersion

func main() {
	// Initialize the global logger first thing
	logger.Initialize()

	dsn, err := env.GetAsString("SENTRY_DSN", false, "")
	if err != nil {
		zap.S().Warnf("Failed to get SENTRY_DSN: %v", err)
	}

	sentry.InitSentry(appVersion, dsn, true)

	log := logger.For(logger.ComponentCompanion)
	log.Infof("Starting field companion %s", appVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()

	// Load or create configuration with environment variable overrides. The
	// result is written back, see config.LoadConfigWithEnvOverrides.
	configManager := config.NewFileConfigManager(fs, config.ConfigPathFromEnv())

	configData, err := config.LoadConfigWithEnvOverrides(ctx, configManager, logger.For(logger.ComponentConfig))
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %w", err)
		os.Exit(1)
	}

	if err := run(ctx, configData, fs, log); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Field companion stopped: %w", err)
		_ = logger.Sync()
		os.Exit(1)
	}

	log.Info("Field companion stopped")
	_ = logger.Sync()
}

func run(ctx context.Context, cfg config.FullConfig, fs afero.Fs, log *zap.SugaredLogger) error {
	if cfg.Remote.BaseURL == "" {
		return errors.New("remote.baseUrl (REMOTE_URL) is required")
	}

	metricsServer := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", cfg.MetricsPort))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()

		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %w", err)
		}
	}()

	if err := fs.MkdirAll(cfg.FilesPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := sqlite.NewStore(cfg.DBPath())
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			log.Errorf("Failed to close database: %v", err)
		}
	}()

	clock := clockwork.NewRealClock()

	outboxStore, err := outbox.NewStore(ctx, store, clock)
	if err != nil {
		return err
	}

	// operations a crash left in flight must be failed before the first run
	if _, err := outboxStore.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted operations: %w", err)
	}

	cacheStore, err := cache.NewStore(ctx, store, cache.WithClock(clock))
	if err != nil {
		return err
	}
	defer cacheStore.Close()

	files, err := cache.NewFileStore(ctx, afero.NewBasePathFs(fs, cfg.FilesPath()), store, clock)
	if err != nil {
		return err
	}

	monitor := network.NewMonitor(newSource(cfg), cfg.Sync.AllowCellular)

	repo, err := remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.Timeout,
		remote.WithAuthToken(cfg.Remote.AuthToken),
		remote.WithClock(clock),
	)
	if err != nil {
		return err
	}

	strategy, err := conflict.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		return err
	}

	engine := csync.NewEngine(outboxStore, cacheStore, repo, monitor, csync.Config{
		BatchSize:          cfg.Sync.BatchSize,
		Interval:           cfg.Sync.Interval,
		Strategy:           strategy,
		MergeFunc:          conflict.JSONMerge,
		RefreshConcurrency: cfg.Sync.RefreshConcurrency,
		RefreshLimit:       cfg.Sync.RefreshLimit,
	}, csync.WithClock(clock))
	engine.RefreshStats(ctx)

	server, err := api.NewServer(api.Dependencies{
		Engine:  engine,
		Outbox:  outboxStore,
		Network: monitor,
		Cache:   cacheStore,
		Files:   files,
	}, &api.ServerConfig{Port: cfg.API.Port}, logger.For(logger.ComponentAPI))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		monitor.Run(gctx)

		return nil
	})
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		housekeeping(gctx, clock, outboxStore, cacheStore, store, log)

		return nil
	})
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()

		return server.Stop(shutdownCtx)
	})

	return g.Wait()
}

// newSource probes the configured health URL, or the repository itself.
func newSource(cfg config.FullConfig) network.Source {
	url := cfg.Network.ProbeURL
	if url == "" {
		url = cfg.Remote.BaseURL
	}

	return network.NewProbeSource(url, cfg.Network.ProbeInterval, cfg.Network.ProbeTimeout,
		models.ConnectionType(cfg.Network.ConnectionType))
}

// housekeeping purges expired cache entries and old completed operations and
// compacts the database until ctx is done.
func housekeeping(ctx context.Context, clock clockwork.Clock, outboxStore *outbox.Store, cacheStore *cache.Store, store persistence.Store, log *zap.SugaredLogger) {
	ticker := clock.NewTicker(constants.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		purged, err := cacheStore.PurgeExpired(ctx)
		if err != nil {
			log.Warnf("Failed to purge expired cache entries: %v", err)
		}

		completed, err := outboxStore.PurgeCompleted(ctx, constants.CompletedRetention)
		if err != nil {
			log.Warnf("Failed to purge completed operations: %v", err)
		}

		if err := store.Maintenance(ctx); err != nil {
			sentry.ReportStorageError(log, "sqlite", "maintenance", err)
		}

		log.Debugf("Housekeeping purged %d cache entries and %d completed operations", purged, completed)
	}
}
