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

package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/united-manufacturing-hub/field-companion/pkg/backoff"
)

// ErrNotFound is returned when the server has no such entity.
var ErrNotFound = errors.New("remote entity not found")

// StatusError is an unexpected HTTP status from the server.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
	}

	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// categorizeStatus decides whether a failed response is worth retrying.
// 5xx, 408 and 429 are transient; any other status is permanent.
func categorizeStatus(err *StatusError) error {
	switch {
	case err.StatusCode == http.StatusNotFound:
		return backoff.NewPermanentError(fmt.Errorf("%w: %w", ErrNotFound, err))
	case err.StatusCode >= 500,
		err.StatusCode == http.StatusRequestTimeout,
		err.StatusCode == http.StatusTooManyRequests:
		return backoff.NewTransientError(err)
	default:
		return backoff.NewPermanentError(err)
	}
}

// enhanceConnectionError adds context to errors where no response was received.
// These are always transient.
func enhanceConnectionError(err error) error {
	msg := err.Error()

	switch {
	case strings.Contains(msg, "EOF"):
		err = fmt.Errorf("connection closed unexpectedly before receiving response: %w", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		err = fmt.Errorf("request timed out: %w", err)
	case strings.Contains(msg, "connection refused"):
		err = fmt.Errorf("connection refused: %w", err)
	default:
		err = fmt.Errorf("connection error: %w", err)
	}

	return backoff.NewTransientError(err)
}
