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

package models

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// CachedEntry is the locally cached representation of one remote resource
// (a submodel, a shell descriptor, a document listing). Entries are keyed by
// the remote resource ID and owned exclusively by the cache store.
//
// ExpiresAt == nil means the entry never expires. Once set, ExpiresAt only
// changes through UpdateData or ExtendTTL; Invalidate pins it to "now".
type CachedEntry struct {
	ID             string     `json:"id"`
	ParentID       string     `json:"parentId"`
	SemanticID     *string    `json:"semanticId,omitempty"`
	ShortName      *string    `json:"shortName,omitempty"`
	Payload        []byte     `json:"payload"`
	FetchedAt      time.Time  `json:"fetchedAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Version        *string    `json:"version,omitempty"`
	ETag           *string    `json:"etag,omitempty"`
	LastModified   *time.Time `json:"lastModified,omitempty"`
	SizeBytes      int64      `json:"sizeBytes"`
	AccessCount    int64      `json:"accessCount"`
	LastAccessedAt time.Time  `json:"lastAccessedAt"`
}

// NewCachedEntry creates an entry fetched at now. A ttl of zero creates an
// entry that never expires.
func NewCachedEntry(id, parentID string, payload []byte, ttl time.Duration, now time.Time) *CachedEntry {
	e := &CachedEntry{
		ID:             id,
		ParentID:       parentID,
		LastAccessedAt: now,
	}
	e.UpdateData(payload, ttl, now)

	return e
}

// IsExpired reports whether the entry is expired at now. For a fixed
// ExpiresAt the result is monotonic: once true it stays true.
func (e *CachedEntry) IsExpired(now time.Time) bool {
	if e.ExpiresAt == nil {
		return false
	}

	return !now.Before(*e.ExpiresAt)
}

// IsValid reports whether the entry can be served without a refresh.
func (e *CachedEntry) IsValid(now time.Time) bool {
	return !e.IsExpired(now) && len(e.Payload) > 0
}

// UpdateData replaces the payload after a re-fetch and restarts the TTL.
func (e *CachedEntry) UpdateData(payload []byte, ttl time.Duration, now time.Time) {
	e.Payload = payload
	e.SizeBytes = int64(len(payload))
	e.FetchedAt = now

	if ttl <= 0 {
		e.ExpiresAt = nil

		return
	}

	// the new TTL class wins, even when it is shorter than the previous one
	expires := now.Add(ttl)
	e.ExpiresAt = &expires
}

// ExtendTTL pushes the expiry to now+ttl, keeping the later of the two.
func (e *CachedEntry) ExtendTTL(ttl time.Duration, now time.Time) {
	if e.ExpiresAt == nil || ttl <= 0 {
		return
	}

	expires := now.Add(ttl)
	if expires.After(*e.ExpiresAt) {
		e.ExpiresAt = &expires
	}
}

// Invalidate marks the entry as expired at now.
func (e *CachedEntry) Invalidate(now time.Time) {
	e.ExpiresAt = &now
}

// RecordAccess counts one read of the entry.
func (e *CachedEntry) RecordAccess(now time.Time) {
	e.AccessCount++
	e.LastAccessedAt = now
}

// CachedFile is a downloaded binary document (manual, certificate, drawing)
// stored under the app-private files directory.
type CachedFile struct {
	ID              string    `json:"id"`
	ParentID        string    `json:"parentId"`
	OwnerResourceID string    `json:"ownerResourceId"`
	Title           string    `json:"title"`
	MimeType        string    `json:"mimeType"`
	SizeBytes       int64     `json:"sizeBytes"`
	LocalPath       string    `json:"localPath"`
	RemoteURL       string    `json:"remoteUrl"`
	DownloadedAt    time.Time `json:"downloadedAt"`
	LastAccessedAt  time.Time `json:"lastAccessedAt"`
	ViewCount       int64     `json:"viewCount"`
	IsFavorite      bool      `json:"isFavorite"`
	Description     *string   `json:"description,omitempty"`
	Version         *string   `json:"version,omitempty"`
	Language        *string   `json:"language,omitempty"`
	ContentHash     *string   `json:"contentHash,omitempty"`
	ETag            *string   `json:"etag,omitempty"`
}

// RecordView counts one open of the document.
func (f *CachedFile) RecordView(now time.Time) {
	f.ViewCount++
	f.LastAccessedAt = now
}

// FileExtension returns the lower-case extension of the local file without the dot.
func (f *CachedFile) FileExtension() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(f.LocalPath)), ".")
}

// IsPDF reports whether the document is a PDF.
func (f *CachedFile) IsPDF() bool {
	return f.MimeType == "application/pdf" || f.FileExtension() == "pdf"
}

// IsImage reports whether the document is an image.
func (f *CachedFile) IsImage() bool {
	return strings.HasPrefix(f.MimeType, "image/")
}

// FormattedSize renders SizeBytes for display, e.g. "1.5 MB".
func (f *CachedFile) FormattedSize() string {
	const unit = 1024
	if f.SizeBytes < unit {
		return fmt.Sprintf("%d B", f.SizeBytes)
	}

	div, exp := int64(unit), 0
	for n := f.SizeBytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(f.SizeBytes)/float64(div), "KMGTPE"[exp])
}
