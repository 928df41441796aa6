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
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/field-companion/pkg/models"
	csync "github.com/united-manufacturing-hub/field-companion/pkg/sync"
)

var errUnavailable = errors.New("not available on this device")

type resultResponse struct {
	models.SyncResult
	DurationMs int64           `json:"durationMs"`
	Summary    string          `json:"summary"`
	Errors     []errorResponse `json:"errors"`
}

func newResultResponse(r models.SyncResult) resultResponse {
	return resultResponse{
		SyncResult: r,
		DurationMs: r.Duration().Milliseconds(),
		Summary:    r.Summary(),
		Errors:     errorResponses(r.Errors),
	}
}

type statusResponse struct {
	Phase       csync.Phase        `json:"phase"`
	IsSyncing   bool               `json:"isSyncing"`
	LastResult  *resultResponse    `json:"lastResult,omitempty"`
	LastError   string             `json:"lastError,omitempty"`
	LastSyncAt  *time.Time         `json:"lastSyncAt,omitempty"`
	OutboxStats models.OutboxStats `json:"outboxStats"`
	Network     networkResponse    `json:"network"`
	Context     string             `json:"context,omitempty"`
}

type networkResponse struct {
	models.NetworkStatus
	Description   string `json:"description"`
	AllowsSync    bool   `json:"allowsSync"`
	AllowCellular bool   `json:"allowCellular"`
}

func (s *Server) network() networkResponse {
	current := s.deps.Network.Current()

	return networkResponse{
		NetworkStatus: current,
		Description:   current.Description(),
		AllowsSync:    s.deps.Network.AllowsSync(),
		AllowCellular: s.deps.Network.AllowCellular(),
	}
}

func (s *Server) getSyncStatus(c *gin.Context) {
	state := s.deps.Engine.State()

	resp := statusResponse{
		Phase:       state.Phase,
		IsSyncing:   state.IsSyncing(),
		LastError:   state.LastError,
		LastSyncAt:  state.LastSyncAt,
		OutboxStats: state.OutboxStats,
		Network:     s.network(),
		Context:     s.deps.Engine.Context(),
	}

	if state.LastResult != nil {
		r := newResultResponse(*state.LastResult)
		resp.LastResult = &r
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) triggerSync(c *gin.Context) {
	result, err := s.deps.Engine.TriggerSync(c.Request.Context())
	if err != nil {
		s.writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, newResultResponse(result))
}

func (s *Server) cancelSync(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": s.deps.Engine.Cancel()})
}

type contextRequest struct {
	ParentID string `json:"parentId"`
}

func (s *Server) setContext(c *gin.Context) {
	var req contextRequest
	if err := s.bind(c, &req); err != nil {
		return
	}

	s.deps.Engine.SetContext(req.ParentID)
	c.JSON(http.StatusOK, gin.H{"context": req.ParentID})
}

func (s *Server) getOutboxStats(c *gin.Context) {
	stats, err := s.deps.Outbox.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":        stats,
		"totalPending": stats.TotalPending(),
	})
}

func (s *Server) getFrozen(c *gin.Context) {
	ops, err := s.deps.Outbox.Frozen(c.Request.Context())
	if err != nil {
		s.writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (s *Server) retryOperation(c *gin.Context) {
	op, err := s.deps.Engine.RetryOperation(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, op)
}

type resolveRequest struct {
	Choice  csync.Choice    `json:"choice"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) resolveOperation(c *gin.Context) {
	var req resolveRequest
	if err := s.bind(c, &req); err != nil {
		return
	}

	if err := s.deps.Engine.ResolveManually(c.Request.Context(), c.Param("id"), req.Choice, req.Payload); err != nil {
		s.writeError(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) discardOperation(c *gin.Context) {
	if err := s.deps.Engine.DiscardOperation(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) getNetwork(c *gin.Context) {
	c.JSON(http.StatusOK, s.network())
}

type cellularRequest struct {
	Allow bool `json:"allow"`
}

func (s *Server) setCellular(c *gin.Context) {
	var req cellularRequest
	if err := s.bind(c, &req); err != nil {
		return
	}

	s.deps.Network.SetAllowCellular(req.Allow)
	c.JSON(http.StatusOK, s.network())
}

func (s *Server) getCacheStats(c *gin.Context) {
	if s.deps.Cache == nil {
		s.writeErrorWithStatus(c, http.StatusNotFound, errUnavailable)

		return
	}

	stats, err := s.deps.Cache.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Server) purgeCache(c *gin.Context) {
	if s.deps.Cache == nil {
		s.writeErrorWithStatus(c, http.StatusNotFound, errUnavailable)

		return
	}

	n, err := s.deps.Cache.PurgeExpired(c.Request.Context())
	if err != nil {
		s.writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"purged": n})
}

func (s *Server) listFiles(c *gin.Context) {
	if s.deps.Files == nil {
		s.writeErrorWithStatus(c, http.StatusNotFound, errUnavailable)

		return
	}

	files, err := s.deps.Files.List(c.Request.Context(), c.Query("parentId"))
	if err != nil {
		s.writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *Server) openFile(c *gin.Context) {
	if s.deps.Files == nil {
		s.writeErrorWithStatus(c, http.StatusNotFound, errUnavailable)

		return
	}

	f, file, err := s.deps.Files.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)

		return
	}
	defer func() { _ = f.Close() }()

	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	c.DataFromReader(http.StatusOK, file.SizeBytes, mimeType, f, map[string]string{
		"Content-Disposition": "inline; filename=" + strconv.Quote(downloadName(file)),
	})
}

func downloadName(file *models.CachedFile) string {
	name := file.Title
	if name == "" {
		name = file.ID
	}

	if filepath.Ext(name) == "" && file.FileExtension() != "" {
		name += "." + file.FileExtension()
	}

	return name
}

func (s *Server) toggleFavorite(c *gin.Context) {
	if s.deps.Files == nil {
		s.writeErrorWithStatus(c, http.StatusNotFound, errUnavailable)

		return
	}

	favorite, err := s.deps.Files.ToggleFavorite(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"isFavorite": favorite})
}

func (s *Server) deleteFile(c *gin.Context) {
	if s.deps.Files == nil {
		s.writeErrorWithStatus(c, http.StatusNotFound, errUnavailable)

		return
	}

	if err := s.deps.Files.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

// bind decodes a JSON body into v and answers 400 on failure.
func (s *Server) bind(c *gin.Context, v any) error {
	body, err := c.GetRawData()
	if err == nil {
		err = json.Unmarshal(body, v)
	}

	if err != nil {
		err = fmt.Errorf("invalid request body: %w", err)
		s.writeErrorWithStatus(c, http.StatusBadRequest, err)

		return err
	}

	return nil
}
