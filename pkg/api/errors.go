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

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/united-manufacturing-hub/field-companion/pkg/cache"
	"github.com/united-manufacturing-hub/field-companion/pkg/outbox"
	csync "github.com/united-manufacturing-hub/field-companion/pkg/sync"
)

// errorResponse is the body of every failed request and of every per
// operation error in a sync result.
type errorResponse struct {
	Error              string `json:"error"`
	RequiresUserAction bool   `json:"requiresUserAction"`
	OperationID        string `json:"operationId,omitempty"`
}

func newErrorResponse(err error) errorResponse {
	return errorResponse{
		Error:              err.Error(),
		RequiresUserAction: csync.RequiresUserAction(err),
		OperationID:        operationIDOf(err),
	}
}

func errorResponses(errs []error) []errorResponse {
	out := make([]errorResponse, 0, len(errs))
	for _, err := range errs {
		out = append(out, newErrorResponse(err))
	}

	return out
}

func operationIDOf(err error) string {
	var (
		failed   *csync.OperationFailedError
		manual   *csync.ManualResolutionRequiredError
		exceeded *csync.MaxRetriesExceededError
	)

	switch {
	case errors.As(err, &manual):
		return manual.OperationID
	case errors.As(err, &exceeded):
		return exceeded.OperationID
	case errors.As(err, &failed):
		return failed.OperationID
	}

	return ""
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, csync.ErrNotConnected), errors.Is(err, csync.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, csync.ErrSyncInProgress),
		errors.Is(err, csync.ErrNoConflict),
		errors.Is(err, outbox.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, outbox.ErrOperationNotFound), errors.Is(err, cache.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, csync.ErrInvalidResolution):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	s.writeErrorWithStatus(c, statusFor(err), err)
}

func (s *Server) writeErrorWithStatus(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("Request failed", "path", c.FullPath(), "error", err)
	}

	c.AbortWithStatusJSON(status, newErrorResponse(err))
}
