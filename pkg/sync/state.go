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

package sync

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"github.com/united-manufacturing-hub/field-companion/pkg/models"
)

// Phase is the engine's run state.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
)

const (
	eventStart  = "start"
	eventFinish = "finish"
)

func newPhaseMachine() *fsm.FSM {
	return fsm.NewFSM(string(PhaseIdle), fsm.Events{
		{Name: eventStart, Src: []string{string(PhaseIdle)}, Dst: string(PhaseSyncing)},
		{Name: eventFinish, Src: []string{string(PhaseSyncing)}, Dst: string(PhaseIdle)},
	}, fsm.Callbacks{})
}

// State is what the engine publishes to the UI.
type State struct {
	Phase       Phase                `json:"phase"`
	LastResult  *models.SyncResult   `json:"lastResult,omitempty"`
	LastError   string               `json:"lastError,omitempty"`
	LastSyncAt  *time.Time           `json:"lastSyncAt,omitempty"`
	OutboxStats models.OutboxStats   `json:"outboxStats"`
	Network     models.NetworkStatus `json:"network"`
}

// IsSyncing reports whether a run is active.
func (s State) IsSyncing() bool {
	return s.Phase == PhaseSyncing
}

// State returns a snapshot of the published state with the current network status.
func (e *Engine) State() State {
	e.mu.RLock()
	s := e.state
	e.mu.RUnlock()

	s.Network = e.monitor.Current()

	return s
}

// Subscribe returns a channel that yields the current state and then every
// change until ctx is done. A slow reader only sees the latest state.
func (e *Engine) Subscribe(ctx context.Context) <-chan State {
	ch := make(chan State, 1)

	e.mu.Lock()
	id := e.nextSubscriber
	e.nextSubscriber++
	e.subscribers[id] = ch
	ch <- e.withNetwork(e.state)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()

		e.mu.Lock()
		delete(e.subscribers, id)
		close(ch)
		e.mu.Unlock()
	}()

	return ch
}

// update changes the state and notifies subscribers. Callers must not hold e.mu.
func (e *Engine) update(fn func(*State)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn(&e.state)
	e.state.Phase = Phase(e.phase.Current())

	s := e.withNetwork(e.state)

	for _, ch := range e.subscribers {
		select {
		case <-ch:
		default:
		}

		ch <- s
	}
}

func (e *Engine) withNetwork(s State) State {
	s.Network = e.monitor.Current()

	return s
}

// enterPhase fires a phase event. Callers must hold e.mu.
func (e *Engine) enterPhase(event string) error {
	return e.phase.Event(context.Background(), event)
}
