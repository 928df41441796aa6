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

package metrics_test

import (
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/united-manufacturing-hub/field-companion/pkg/metrics"
	"github.com/united-manufacturing-hub/field-companion/pkg/models"
)

var _ = Describe("Metrics", func() {
	It("should publish outbox gauges", func() {
		metrics.UpdateOutboxStats(models.OutboxStats{PendingCount: 4, FailedCount: 2, FrozenCount: 1})

		expected := `
# HELP umh_companion_outbox_operations Outbox operations by status
# TYPE umh_companion_outbox_operations gauge
umh_companion_outbox_operations{status="completed"} 0
umh_companion_outbox_operations{status="failed"} 2
umh_companion_outbox_operations{status="frozen"} 1
umh_companion_outbox_operations{status="inProgress"} 0
umh_companion_outbox_operations{status="pending"} 4
`
		Expect(testutil.GatherAndCompare(prometheus.DefaultGatherer, strings.NewReader(expected),
			"umh_companion_outbox_operations")).To(Succeed())
	})

	It("should mark only the active transport as connected", func() {
		metrics.UpdateNetworkStatus(models.NetworkStatus{IsConnected: true, ConnectionType: models.ConnectionCellular})

		count, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "umh_companion_network_connected")
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(6))
	})

	It("should count sync runs and errors", func() {
		before, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "umh_companion_sync_runs_total")
		Expect(err).NotTo(HaveOccurred())

		metrics.ObserveSyncRun("metrics_test_outcome", 15*time.Millisecond)
		metrics.IncErrorCountAndLog(metrics.ComponentRemote, "test", errors.New("boom"), nil)

		after, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "umh_companion_sync_runs_total")
		Expect(err).NotTo(HaveOccurred())
		Expect(after).To(Equal(before + 1))
	})
})
