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

package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/field-companion/pkg/constants"
	"github.com/united-manufacturing-hub/field-companion/pkg/logger"
	"github.com/united-manufacturing-hub/field-companion/pkg/models"
)

// ProbeSource decides connectivity by polling a health URL. Any HTTP response
// counts as connected; a transport error or timeout counts as disconnected.
// The connection type cannot be observed from a request and is configured.
type ProbeSource struct {
	url            string
	client         *http.Client
	interval       time.Duration
	connectionType models.ConnectionType
	clock          clockwork.Clock
	latencies      *expiremap.ExpireMap[time.Time, time.Duration]
	log            *zap.SugaredLogger
}

// ProbeOption configures a ProbeSource.
type ProbeOption func(*ProbeSource)

// WithProbeClock sets the clock driving the poll interval.
func WithProbeClock(clock clockwork.Clock) ProbeOption {
	return func(p *ProbeSource) { p.clock = clock }
}

// WithHTTPClient replaces the probe HTTP client.
func WithHTTPClient(client *http.Client) ProbeOption {
	return func(p *ProbeSource) { p.client = client }
}

// NewProbeSource creates a source polling url every interval. Zero values use the defaults.
func NewProbeSource(url string, interval, timeout time.Duration, connectionType models.ConnectionType, opts ...ProbeOption) *ProbeSource {
	if interval <= 0 {
		interval = constants.DefaultProbeInterval
	}

	if timeout <= 0 {
		timeout = constants.DefaultProbeTimeout
	}

	if connectionType == "" {
		connectionType = models.ConnectionUnknown
	}

	p := &ProbeSource{
		url:            url,
		client:         &http.Client{Timeout: timeout},
		interval:       interval,
		connectionType: connectionType,
		clock:          clockwork.NewRealClock(),
		latencies:      expiremap.NewEx[time.Time, time.Duration](constants.ProbeLatencyWindow, constants.ProbeLatencyWindow),
		log:            logger.For(logger.ComponentNetwork),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Updates probes immediately and then every interval until ctx is done.
func (p *ProbeSource) Updates(ctx context.Context) <-chan models.NetworkStatus {
	out := make(chan models.NetworkStatus)

	go func() {
		defer close(out)

		ticker := p.clock.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case out <- p.Probe(ctx):
			case <-ctx.Done():
				return
			}

			select {
			case <-ticker.Chan():
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Probe performs a single reachability check.
func (p *ProbeSource) Probe(ctx context.Context) models.NetworkStatus {
	if err := p.roundTrip(ctx); err != nil {
		p.log.Debugf("Probe of %s failed: %v", p.url, err)

		return models.NetworkStatus{IsConnected: false, ConnectionType: p.connectionType}
	}

	return models.NetworkStatus{
		IsConnected:    true,
		ConnectionType: p.connectionType,
		IsExpensive:    p.connectionType == models.ConnectionCellular,
	}
}

// Latency summarizes recent successful probes.
func (p *ProbeSource) Latency() Latency {
	return calculateLatency(p.latencies)
}

func (p *ProbeSource) roundTrip(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}

	start := time.Now()

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	p.latencies.Set(p.clock.Now(), time.Since(start))

	return nil
}
