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

// statusQueue is an unbounded FIFO of statuses drained into a channel by a
// single goroutine, so producers never block on slow consumers.
type statusQueue struct {
	mu     sync.Mutex
	items  []models.NetworkStatus
	notify chan struct{}
}

func newStatusQueue() *statusQueue {
	return &statusQueue{notify: make(chan struct{}, 1)}
}

func (q *statusQueue) push(status models.NetworkStatus) {
	q.mu.Lock()
	q.items = append(q.items, status)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *statusQueue) take() []models.NetworkStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

// drain forwards queued statuses to out until ctx is done, then closes out.
// Consecutive identical statuses are forwarded once.
func (q *statusQueue) drain(ctx context.Context, out chan<- models.NetworkStatus) {
	defer close(out)

	var (
		last models.NetworkStatus
		sent bool
	)

	for {
		for _, status := range q.take() {
			if sent && status == last {
				continue
			}

			select {
			case out <- status:
				last, sent = status, true
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return
		}
	}
}
