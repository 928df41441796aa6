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

package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/united-manufacturing-hub/field-companion/pkg/models"
)

// ErrInvalidTransition is returned when an operation is asked to move to a
// status its current status does not lead to.
var ErrInvalidTransition = errors.New("invalid outbox transition")

const (
	// EventMarkInProgress starts transmitting a pending operation.
	EventMarkInProgress = "markInProgress"
	// EventMarkCompleted records that the server accepted the operation or that it was superseded.
	EventMarkCompleted = "markCompleted"
	// EventMarkFailed records a failed attempt.
	EventMarkFailed = "markFailed"
	// EventResetForRetry moves a failed operation back to pending.
	EventResetForRetry = "resetForRetry"
	// EventResolveConflict replaces the payload of a conflicted operation and re-queues it.
	EventResolveConflict = "resolveConflict"
	// EventRecoverInterrupted fails operations a crash left in progress.
	EventRecoverInterrupted = "recoverInterrupted"
)

// transitions is the operation lifecycle. Nothing leaves completed.
var transitions = fsm.Events{
	{Name: EventMarkInProgress, Src: []string{string(models.StatusPending)}, Dst: string(models.StatusInProgress)},
	{Name: EventMarkCompleted, Src: []string{string(models.StatusInProgress)}, Dst: string(models.StatusCompleted)},
	{Name: EventMarkFailed, Src: []string{string(models.StatusInProgress)}, Dst: string(models.StatusFailed)},
	{Name: EventRecoverInterrupted, Src: []string{string(models.StatusInProgress)}, Dst: string(models.StatusFailed)},
	{Name: EventResetForRetry, Src: []string{string(models.StatusFailed)}, Dst: string(models.StatusPending)},
	{Name: EventResolveConflict, Src: []string{string(models.StatusFailed)}, Dst: string(models.StatusPending)},
}

// transition fires event on a machine positioned at the operation's status
// and stores the resulting status on op. The machine has no callbacks, so it
// runs detached from the caller's context.
func transition(op *models.OutboxOperation, event string) error {
	machine := fsm.NewFSM(string(op.Status), transitions, fsm.Callbacks{})

	if err := machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: cannot %s operation %s in status %s: %w", ErrInvalidTransition, event, op.ID, op.Status, err)
	}

	op.Status = models.OperationStatus(machine.Current())

	return nil
}

// CanTransition reports whether event is allowed from status.
func CanTransition(status models.OperationStatus, event string) bool {
	return fsm.NewFSM(string(status), transitions, fsm.Callbacks{}).Can(event)
}
