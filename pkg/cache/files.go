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

package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/field-companion/pkg/constants"
	"github.com/united-manufacturing-hub/field-companion/pkg/logger"
	"github.com/united-manufacturing-hub/field-companion/pkg/models"
	"github.com/united-manufacturing-hub/field-companion/pkg/persistence"
)

// ErrFileNotFound is returned when no document with the given id is cached.
var ErrFileNotFound = errors.New("cached file not found")

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileStore keeps downloaded documents on fs and their metadata in the
// persistence store. Paths in CachedFile.LocalPath are relative to the root of fs.
//
// While a record exists its LocalPath points to an existing file: Save writes
// the file before the record and Delete removes the file before the record.
type FileStore struct {
	fs    afero.Fs
	store persistence.Store
	clock clockwork.Clock
	log   *zap.SugaredLogger

	mu sync.Mutex
}

// NewFileStore creates the file collection if needed. fs should be rooted at the
// app-private documents directory, e.g. afero.NewBasePathFs(afero.NewOsFs(), dir).
func NewFileStore(ctx context.Context, fs afero.Fs, store persistence.Store, clock clockwork.Clock) (*FileStore, error) {
	if err := store.CreateCollection(ctx, constants.FileCollection, nil); err != nil {
		return nil, fmt.Errorf("failed to create file collection: %w", err)
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &FileStore{
		fs:    fs,
		store: store,
		clock: clock,
		log:   logger.For(logger.ComponentFileStore),
	}, nil
}

// Save writes the content of r and stores the record. SizeBytes, ContentHash,
// LocalPath and the timestamps are computed here; an ID is generated if empty.
// Saving an existing ID replaces the document and keeps its view count and
// favorite flag.
func (s *FileStore) Save(ctx context.Context, file models.CachedFile, r io.Reader) (*models.CachedFile, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if file.ID == "" {
		file.ID = uuid.NewString()
	}

	previous, err := s.get(ctx, file.ID)
	if err != nil && !errors.Is(err, ErrFileNotFound) {
		return nil, err
	}

	file.LocalPath = localPathFor(file)

	size, hash, err := s.writeFile(file.LocalPath, r)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	contentHash := fmt.Sprintf("%016x", hash)
	file.SizeBytes = size
	file.ContentHash = &contentHash
	file.DownloadedAt = now
	file.LastAccessedAt = now

	if previous != nil {
		file.ViewCount = previous.ViewCount
		file.IsFavorite = file.IsFavorite || previous.IsFavorite
	}

	if err := s.put(ctx, &file); err != nil {
		// the record was not written, so the new file is an orphan unless it replaced the old one
		if previous == nil || previous.LocalPath != file.LocalPath {
			_ = s.fs.Remove(file.LocalPath)
		}

		return nil, err
	}

	if previous != nil && previous.LocalPath != file.LocalPath {
		if err := s.fs.Remove(previous.LocalPath); err != nil && !os.IsNotExist(err) {
			s.log.Warnf("Failed to remove replaced file %s: %v", previous.LocalPath, err)
		}
	}

	s.log.Debugf("Saved %s (%s) to %s", file.ID, file.FormattedSize(), file.LocalPath)

	return &file, nil
}

// Open returns a reader for the document and counts the view.
func (s *FileStore) Open(ctx context.Context, id string) (afero.File, *models.CachedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	f, err := s.fs.Open(file.LocalPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", file.LocalPath, err)
	}

	file.RecordView(s.clock.Now())

	if err := s.put(ctx, file); err != nil {
		_ = f.Close()

		return nil, nil, err
	}

	return f, file, nil
}

// Get returns the record of a cached document.
func (s *FileStore) Get(ctx context.Context, id string) (*models.CachedFile, error) {
	return s.get(ctx, id)
}

// Delete removes the file and then its record. If the file cannot be removed
// the record is kept and the error returned.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.fs.Remove(file.LocalPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", file.LocalPath, err)
	}

	if err := s.store.Delete(ctx, constants.FileCollection, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("failed to delete file record %s: %w", id, err)
	}

	return nil
}

// List returns the documents of parentID, newest download first. An empty
// parentID lists every document.
func (s *FileStore) List(ctx context.Context, parentID string) ([]*models.CachedFile, error) {
	q := persistence.NewQuery().WithMaxFindLimit(persistence.Unlimited)
	if parentID != "" {
		q.Filter("parentId", persistence.Eq, parentID)
	}

	docs, err := s.store.Find(ctx, constants.FileCollection, *q)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached files: %w", err)
	}

	files := make([]*models.CachedFile, 0, len(docs))

	for _, doc := range docs {
		var f models.CachedFile
		if err := persistence.FromDocument(doc, &f); err != nil {
			return nil, err
		}

		files = append(files, &f)
	}

	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].DownloadedAt.Equal(files[j].DownloadedAt) {
			return files[i].DownloadedAt.After(files[j].DownloadedAt)
		}

		return files[i].ID < files[j].ID
	})

	return files, nil
}

// ToggleFavorite flips the favorite flag and returns the new value.
func (s *FileStore) ToggleFavorite(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.get(ctx, id)
	if err != nil {
		return false, err
	}

	file.IsFavorite = !file.IsFavorite

	if err := s.put(ctx, file); err != nil {
		return false, err
	}

	return file.IsFavorite, nil
}

// TotalSize is the sum of SizeBytes over all cached documents.
func (s *FileStore) TotalSize(ctx context.Context) (int64, error) {
	files, err := s.List(ctx, "")
	if err != nil {
		return 0, err
	}

	var total int64
	for _, f := range files {
		total += f.SizeBytes
	}

	return total, nil
}

func (s *FileStore) get(ctx context.Context, id string) (*models.CachedFile, error) {
	doc, err := s.store.Get(ctx, constants.FileCollection, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read file record %s: %w", id, err)
	}

	var f models.CachedFile
	if err := persistence.FromDocument(doc, &f); err != nil {
		return nil, err
	}

	return &f, nil
}

func (s *FileStore) put(ctx context.Context, file *models.CachedFile) error {
	doc, err := persistence.ToDocument(file)
	if err != nil {
		return err
	}

	if err := s.store.Upsert(ctx, constants.FileCollection, file.ID, doc); err != nil {
		return fmt.Errorf("failed to write file record %s: %w", file.ID, err)
	}

	return nil
}

// writeFile streams r to path through a temporary file and returns the size and xxhash of the content.
func (s *FileStore) writeFile(path string, r io.Reader) (int64, uint64, error) {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, 0, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmp := path + ".part"

	f, err := s.fs.Create(tmp)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	digest := xxhash.New()

	size, err := io.Copy(io.MultiWriter(f, digest), r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = s.fs.Remove(tmp)

		return 0, 0, fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)

		return 0, 0, fmt.Errorf("failed to move %s into place: %w", path, err)
	}

	return size, digest.Sum64(), nil
}

// localPathFor places the file under its parent directory, named by ID with
// an extension taken from the requested path, the title or the mime type.
func localPathFor(file models.CachedFile) string {
	ext := filepath.Ext(file.LocalPath)
	if ext == "" {
		ext = filepath.Ext(file.Title)
	}

	if ext == "" && file.MimeType != "" {
		if exts, err := mime.ExtensionsByType(file.MimeType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}

	name := unsafePathChars.ReplaceAllString(file.ID, "_") + unsafePathChars.ReplaceAllString(ext, "")

	dir := unsafePathChars.ReplaceAllString(file.ParentID, "_")
	if dir == "" {
		dir = "_"
	}

	return filepath.Join(dir, name)
}
