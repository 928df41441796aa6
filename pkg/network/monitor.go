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

// Package network tracks device connectivity and tells the sync engine when
// syncing is allowed. It performs no network I/O itself except in ProbeSource.
package network

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/field-companion/pkg/logger"
	"github.com/united-manufacturing-hub/field-companion/pkg/metrics"
	"github.com/united-manufacturing-hub/field-companion/pkg/models"
)

// Source is the platform reachability signal. Updates emits a status whenever
// the platform reports one, possibly repeating the previous value, and closes
// the channel when ctx is done.
type Source interface {
	Updates(ctx context.Context) <-chan models.NetworkStatus
}

// Monitor is the Network Monitor. It holds the current status, drops repeated
// identical statuses and fans transitions out to subscribers.
type Monitor struct {
	source        Source
	allowCellular atomic.Bool
	log           *zap.SugaredLogger

	mu          sync.RWMutex
	current     models.NetworkStatus
	subscribers map[int]*statusQueue
	nextID      int
}

// NewMonitor creates a Monitor that reports Disconnected until source emits.
func NewMonitor(source Source, allowCellular bool) *Monitor {
	m := &Monitor{
		source:      source,
		current:     models.Disconnected,
		subscribers: make(map[int]*statusQueue),
		log:         logger.For(logger.ComponentNetwork),
	}
	m.allowCellular.Store(allowCellular)

	return m
}

// Run consumes the source until ctx is done or the source closes.
func (m *Monitor) Run(ctx context.Context) {
	for status := range m.source.Updates(ctx) {
		m.publish(status)
	}
}

// Current returns the latest status.
func (m *Monitor) Current() models.NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current
}

// AllowsSync reports whether the current connection may be used for syncing.
func (m *Monitor) AllowsSync() bool {
	return m.Current().ShouldAllowSync(m.allowCellular.Load())
}

// AllowCellular reports whether syncing over cellular is permitted.
func (m *Monitor) AllowCellular() bool {
	return m.allowCellular.Load()
}

// SetAllowCellular changes whether syncing over cellular is permitted.
func (m *Monitor) SetAllowCellular(allow bool) {
	m.allowCellular.Store(allow)
}

// Subscribe returns a channel that first yields the current status and then
// one status per transition, until ctx is done. Every call is an independent
// subscription; a slow reader delays only its own channel.
func (m *Monitor) Subscribe(ctx context.Context) <-chan models.NetworkStatus {
	out := make(chan models.NetworkStatus)
	q := newStatusQueue()

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = q
	q.push(m.current)
	m.mu.Unlock()

	go func() {
		q.drain(ctx, out)

		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}()

	return out
}

func (m *Monitor) publish(status models.NetworkStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if status == m.current {
		return
	}

	previous := m.current
	m.current = status

	for _, q := range m.subscribers {
		q.push(status)
	}

	metrics.UpdateNetworkStatus(status)
	m.log.Infof("Network changed: %s -> %s", previous.Description(), status.Description())
}
