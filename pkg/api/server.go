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

// Package api serves the local HTTP surface the companion UI talks to: sync
// status and control, the outbox operations that need a user decision, the
// network banner and the offline document library.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/field-companion/pkg/cache"
	"github.com/united-manufacturing-hub/field-companion/pkg/constants"
	"github.com/united-manufacturing-hub/field-companion/pkg/metrics"
	"github.com/united-manufacturing-hub/field-companion/pkg/models"
	csync "github.com/united-manufacturing-hub/field-companion/pkg/sync"
)

// SyncEngine is the part of the sync engine the API drives.
type SyncEngine interface {
	State() csync.State
	TriggerSync(ctx context.Context) (models.SyncResult, error)
	Cancel() bool
	SetContext(parentID string)
	Context() string
	RetryOperation(ctx context.Context, id string) (*models.OutboxOperation, error)
	DiscardOperation(ctx context.Context, id string) error
	ResolveManually(ctx context.Context, id string, choice csync.Choice, payload []byte) error
}

// Outbox lists what the UI shows about queued changes.
type Outbox interface {
	Stats(ctx context.Context) (models.OutboxStats, error)
	Frozen(ctx context.Context) ([]*models.OutboxOperation, error)
}

// Network is the network monitor as seen by the UI.
type Network interface {
	Current() models.NetworkStatus
	AllowsSync() bool
	AllowCellular() bool
	SetAllowCellular(allow bool)
}

// Cache is the cache store maintenance surface.
type Cache interface {
	Stats(ctx context.Context) (cache.Stats, error)
	PurgeExpired(ctx context.Context) (int, error)
}

// Files is the offline document library.
type Files interface {
	List(ctx context.Context, parentID string) ([]*models.CachedFile, error)
	Open(ctx context.Context, id string) (afero.File, *models.CachedFile, error)
	Delete(ctx context.Context, id string) error
	ToggleFavorite(ctx context.Context, id string) (bool, error)
}

// Dependencies holds everything the handlers read from or act on. Cache and
// Files are optional; their routes answer 404 when they are nil.
type Dependencies struct {
	Engine  SyncEngine
	Outbox  Outbox
	Network Network
	Cache   Cache
	Files   Files
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port        int
	Debug       bool
	CORSOrigins []string
}

// DefaultServerConfig listens on the default API port without CORS.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{Port: constants.DefaultAPIPort}
}

// Validate checks the listener settings.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}

	return nil
}

// Server is the local API server.
type Server struct {
	server *http.Server
	router *gin.Engine
	logger *zap.SugaredLogger
	config *ServerConfig
	deps   Dependencies
}

// NewServer builds the router. It does not listen until Start.
func NewServer(deps Dependencies, config *ServerConfig, logger *zap.SugaredLogger) (*Server, error) {
	if config == nil {
		config = DefaultServerConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	if deps.Engine == nil || deps.Outbox == nil || deps.Network == nil {
		return nil, errors.New("api needs the sync engine, the outbox and the network monitor")
	}

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Server{
		logger: logger,
		config: config,
		deps:   deps,
	}
	s.router = s.newRouter()

	return s, nil
}

// Handler returns the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Stop is called. It returns nil after a graceful stop.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // a triggered run answers when it finishes
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Infow("Starting local API",
		"port", s.config.Port,
		"debug", s.config.Debug,
		"cors_origins", s.config.CORSOrigins,
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("local API failed: %w", err)
	}

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("Stopping local API")

	return s.server.Shutdown(ctx)
}

func (s *Server) newRouter() *gin.Engine {
	if s.config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.loggingMiddleware())

	if len(s.config.CORSOrigins) > 0 {
		router.Use(s.corsMiddleware())
	}

	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/sync/status", s.getSyncStatus)
		v1.POST("/sync/trigger", s.triggerSync)
		v1.POST("/sync/cancel", s.cancelSync)
		v1.PUT("/sync/context", s.setContext)

		v1.GET("/outbox/stats", s.getOutboxStats)
		v1.GET("/outbox/frozen", s.getFrozen)
		v1.POST("/outbox/:id/retry", s.retryOperation)
		v1.POST("/outbox/:id/resolve", s.resolveOperation)
		v1.DELETE("/outbox/:id", s.discardOperation)

		v1.GET("/network", s.getNetwork)
		v1.PUT("/network/cellular", s.setCellular)

		v1.GET("/cache/stats", s.getCacheStats)
		v1.POST("/cache/purge", s.purgeCache)

		v1.GET("/files", s.listFiles)
		v1.GET("/files/:id/content", s.openFile)
		v1.POST("/files/:id/favorite", s.toggleFavorite)
		v1.DELETE("/files/:id", s.deleteFile)
	}

	return router
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			metrics.IncErrorCount(metrics.ComponentAPI, c.FullPath())
		}

		if s.config.Debug || status >= http.StatusInternalServerError {
			s.logger.Infow("API request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"status", status,
				"duration", time.Since(start),
			)
		}
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		for _, allowedOrigin := range s.config.CORSOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				c.Header("Access-Control-Allow-Origin", allowedOrigin)
				c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

				break
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)

			return
		}

		c.Next()
	}
}
