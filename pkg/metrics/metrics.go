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

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/field-companion/pkg/logger"
	"github.com/united-manufacturing-hub/field-companion/pkg/models"
	"github.com/united-manufacturing-hub/field-companion/pkg/sentry"
)

const (
	// Component Labels.
	ComponentSyncEngine = "sync_engine"
	ComponentOutbox     = "outbox_store"
	ComponentCache      = "cache_store"
	ComponentFileStore  = "file_store"
	ComponentNetwork    = "network_monitor"
	ComponentRemote     = "remote_client"
	ComponentAPI        = "api"
)

// Sync run outcomes.
const (
	RunSuccess   = "success"
	RunPartial   = "partial"
	RunCancelled = "cancelled"
	RunOffline   = "rejected_offline"
	RunBusy      = "rejected_busy"
	RunError     = "error"
)

// Per-operation results.
const (
	OpCompleted      = "completed"
	OpFailed         = "failed"
	OpServerWins     = "conflict_server"
	OpClientWins     = "conflict_client"
	OpMerged         = "conflict_merged"
	OpManual         = "conflict_manual"
	OpSkippedByOrder = "skipped_entity_failed"
)

// Cache lookup results.
const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheExpired = "expired"
)

var (
	namespace = "umh"
	subsystem = "companion"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	syncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_runs_total",
			Help:      "Sync runs by outcome",
		},
		[]string{"outcome"},
	)

	syncRunDuration = promauto.NewSummary(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_run_duration_milliseconds",
			Help:      "Time taken by a sync run (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.99: 0.01,
			},
		},
	)

	syncOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_operations_total",
			Help:      "Outbox operations processed by the sync engine, by kind and result",
		},
		[]string{"kind", "result"},
	)

	outboxOperations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_operations",
			Help:      "Outbox operations by status",
		},
		[]string{"status"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_lookups_total",
			Help:      "Cache store reads by result",
		},
		[]string{"result"},
	)

	cachePurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_purged_total",
			Help:      "Expired cache entries removed",
		},
	)

	networkConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "network_connected",
			Help:      "1 if the device is connected over the labelled transport",
		},
		[]string{"connection_type"},
	)

	remoteRequestDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "remote_request_duration_milliseconds",
			Help:      "Latency of requests to the AAS server (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.95: 0.01,
				0.99: 0.01,
			},
		},
		[]string{"method", "status"},
	)
)

// SetupMetricsEndpoint starts an HTTP server to expose metrics.
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, logger.For("metrics"))
		}
	}()

	return server
}

// IncErrorCountAndLog increments the error counter for a component and logs a debug message if a logger is provided.
func IncErrorCountAndLog(component, instance string, err error, log *zap.SugaredLogger) {
	IncErrorCount(component, instance)

	if log != nil {
		log.Debugf("Component %s instance %s failed: %v", component, instance, err)
	}
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// ObserveSyncRun records the outcome and duration of one run.
func ObserveSyncRun(outcome string, duration time.Duration) {
	syncRuns.WithLabelValues(outcome).Inc()

	if duration > 0 {
		syncRunDuration.Observe(float64(duration.Milliseconds()))
	}
}

// IncSyncOperation counts one processed outbox operation.
func IncSyncOperation(kind models.OperationKind, result string) {
	syncOperations.WithLabelValues(string(kind), result).Inc()
}

// UpdateOutboxStats publishes the outbox counts as gauges.
func UpdateOutboxStats(stats models.OutboxStats) {
	outboxOperations.WithLabelValues(string(models.StatusPending)).Set(float64(stats.PendingCount))
	outboxOperations.WithLabelValues(string(models.StatusInProgress)).Set(float64(stats.InProgressCount))
	outboxOperations.WithLabelValues(string(models.StatusFailed)).Set(float64(stats.FailedCount))
	outboxOperations.WithLabelValues(string(models.StatusCompleted)).Set(float64(stats.CompletedCount))
	outboxOperations.WithLabelValues("frozen").Set(float64(stats.FrozenCount))
}

// IncCacheLookup counts one cache read.
func IncCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

// AddCachePurged counts removed cache entries.
func AddCachePurged(n int) {
	cachePurged.Add(float64(n))
}

// UpdateNetworkStatus sets the gauge of the active transport to 1 and all others to 0.
func UpdateNetworkStatus(status models.NetworkStatus) {
	for _, ct := range []models.ConnectionType{
		models.ConnectionWiFi, models.ConnectionCellular, models.ConnectionWiredEthernet,
		models.ConnectionLoopback, models.ConnectionOther, models.ConnectionUnknown,
	} {
		v := 0.0
		if status.IsConnected && status.ConnectionType == ct {
			v = 1
		}

		networkConnected.WithLabelValues(string(ct)).Set(v)
	}
}

// ObserveRemoteRequest records the latency of one request to the server.
func ObserveRemoteRequest(method, status string, duration time.Duration) {
	remoteRequestDuration.WithLabelValues(method, status).Observe(float64(duration.Milliseconds()))
}
