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
	"sort"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
)

// Latency summarizes the probe round trips inside the retention window.
type Latency struct {
	Samples int           `json:"samples"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Avg     time.Duration `json:"avg"`
	P95     time.Duration `json:"p95"`
}

func calculateLatency(latencies *expiremap.ExpireMap[time.Time, time.Duration]) Latency {
	var (
		durations []time.Duration
		total     time.Duration
		result    Latency
	)

	latencies.Range(func(_ time.Time, value time.Duration) bool {
		if result.Min == 0 || value < result.Min {
			result.Min = value
		}

		if value > result.Max {
			result.Max = value
		}

		total += value
		durations = append(durations, value)

		return true
	})

	result.Samples = len(durations)
	if result.Samples == 0 {
		return result
	}

	result.Avg = total / time.Duration(result.Samples)

	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})

	p95Index := int(float64(result.Samples) * 0.95)
	if p95Index >= result.Samples {
		p95Index = result.Samples - 1
	}

	result.P95 = durations[p95Index]

	return result
}
