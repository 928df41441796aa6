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
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a run is requested while the network
	// does not allow syncing. No store was touched.
	ErrNotConnected = errors.New("not connected to a network that allows syncing")

	// ErrSyncInProgress is returned when a run is requested while another
	// one is active. Requests are not queued.
	ErrSyncInProgress = errors.New("a sync run is already in progress")

	// ErrStorageUnavailable wraps failures of the local stores.
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// ErrNoConflict is returned when a manual resolution targets an
	// operation that is not waiting on a conflict.
	ErrNoConflict = errors.New("operation has no conflict to resolve")

	// ErrInvalidResolution is returned for an unknown choice or a custom
	// resolution without payload.
	ErrInvalidResolution = errors.New("invalid conflict resolution")
)

// UserActionError is implemented by errors the UI has to prompt the user about.
type UserActionError interface {
	error
	RequiresUserAction() bool
}

// RequiresUserAction reports whether err, or an error it wraps, needs a
// decision from the user before the affected operation can make progress.
func RequiresUserAction(err error) bool {
	var ua UserActionError
	if errors.As(err, &ua) {
		return ua.RequiresUserAction()
	}

	return false
}

// OperationFailedError is a transport or server failure of one operation.
// The operation is retried on later runs.
type OperationFailedError struct {
	OperationID string
	Err         error
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("operation %s failed: %v", e.OperationID, e.Err)
}

func (e *OperationFailedError) Unwrap() error {
	return e.Err
}

// RequiresUserAction is false: failed operations are retried automatically.
func (e *OperationFailedError) RequiresUserAction() bool {
	return false
}

// ManualResolutionRequiredError is a version conflict the configured strategy
// left to the user.
type ManualResolutionRequiredError struct {
	OperationID   string
	LocalVersion  string
	ServerVersion string
}

func (e *ManualResolutionRequiredError) Error() string {
	return fmt.Sprintf("operation %s conflicts with the server (local version %q, server version %q) and needs manual resolution",
		e.OperationID, e.LocalVersion, e.ServerVersion)
}

func (e *ManualResolutionRequiredError) RequiresUserAction() bool {
	return true
}

// MaxRetriesExceededError is raised once, on the attempt that spends the
// retry budget of an operation. The operation is frozen until the user resets it.
type MaxRetriesExceededError struct {
	OperationID string
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("operation %s exceeded the maximum number of retries", e.OperationID)
}

func (e *MaxRetriesExceededError) RequiresUserAction() bool {
	return true
}

func storageError(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
