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
	"sync"

	"github.com/united-manufacturing-hub/field-companion/pkg/models"
)

// StaticSource reports whatever was last set. It backs manual overrides and tests.
type StaticSource struct {
	mu      sync.Mutex
	current models.NetworkStatus
	queues  map[*statusQueue]struct{}
}

// NewStaticSource creates a source that starts with initial.
func NewStaticSource(initial models.NetworkStatus) *StaticSource {
	return &StaticSource{
		current: initial,
		queues:  make(map[*statusQueue]struct{}),
	}
}

// Set reports a new status to every reader.
func (s *StaticSource) Set(status models.NetworkStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = status

	for q := range s.queues {
		q.push(status)
	}
}

// Updates yields the current status and every later Set.
func (s *StaticSource) Updates(ctx context.Context) <-chan models.NetworkStatus {
	out := make(chan models.NetworkStatus)
	q := newStatusQueue()

	s.mu.Lock()
	s.queues[q] = struct{}{}
	q.push(s.current)
	s.mu.Unlock()

	go func() {
		q.drain(ctx, out)

		s.mu.Lock()
		delete(s.queues, q)
		s.mu.Unlock()
	}()

	return out
}
