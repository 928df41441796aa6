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

package cache_test

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"

	"github.com/united-manufacturing-hub/field-companion/pkg/cache"
	"github.com/united-manufacturing-hub/field-companion/pkg/models"
	"github.com/united-manufacturing-hub/field-companion/pkg/persistence/memory"
)

// removeFailingFs refuses to remove files, to exercise the delete ordering.
type removeFailingFs struct {
	afero.Fs
}

func (removeFailingFs) Remove(string) error {
	return errors.New("device busy")
}

var _ = Describe("FileStore", func() {
	var (
		ctx     context.Context
		clock   *clockwork.FakeClock
		fs      afero.Fs
		backend *memory.InMemoryStore
		files   *cache.FileStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		clock = clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
		fs = afero.NewMemMapFs()
		backend = memory.NewInMemoryStore()

		var err error
		files, err = cache.NewFileStore(ctx, fs, backend, clock)
		Expect(err).NotTo(HaveOccurred())
	})

	manual := models.CachedFile{
		ID:       "doc-1",
		ParentID: "aas/1",
		Title:    "Operating Manual.pdf",
		MimeType: "application/pdf",
	}

	It("saves the bytes and the record together", func() {
		saved, err := files.Save(ctx, manual, strings.NewReader("%PDF-1.7 manual"))
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.SizeBytes).To(Equal(int64(15)))
		Expect(saved.LocalPath).To(Equal("aas_1/doc-1.pdf"))
		Expect(saved.ContentHash).NotTo(BeNil())
		Expect(*saved.ContentHash).To(HaveLen(16))
		Expect(saved.IsPDF()).To(BeTrue())

		content, err := afero.ReadFile(fs, saved.LocalPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(Equal("%PDF-1.7 manual"))

		exists, err := afero.Exists(fs, saved.LocalPath+".part")
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeFalse())
	})

	It("generates an id when none is given", func() {
		saved, err := files.Save(ctx, models.CachedFile{ParentID: "p", Title: "x.png"}, strings.NewReader("png"))
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.ID).NotTo(BeEmpty())
		Expect(saved.FileExtension()).To(Equal("png"))
	})

	It("hashes identical content identically", func() {
		a, err := files.Save(ctx, models.CachedFile{ID: "a", Title: "a.txt"}, strings.NewReader("same"))
		Expect(err).NotTo(HaveOccurred())
		b, err := files.Save(ctx, models.CachedFile{ID: "b", Title: "b.txt"}, strings.NewReader("same"))
		Expect(err).NotTo(HaveOccurred())
		Expect(*a.ContentHash).To(Equal(*b.ContentHash))
	})

	It("opens a document and counts the view", func() {
		_, err := files.Save(ctx, manual, strings.NewReader("content"))
		Expect(err).NotTo(HaveOccurred())

		clock.Advance(time.Hour)

		f, record, err := files.Open(ctx, "doc-1")
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()

		data, err := io.ReadAll(f)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("content"))
		Expect(record.ViewCount).To(Equal(int64(1)))

		stored, err := files.Get(ctx, "doc-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.ViewCount).To(Equal(int64(1)))
		Expect(stored.LastAccessedAt).To(BeTemporally("==", clock.Now()))
	})

	It("keeps views and favorite when a document is downloaded again", func() {
		_, err := files.Save(ctx, manual, strings.NewReader("v1"))
		Expect(err).NotTo(HaveOccurred())
		_, _, err = files.Open(ctx, "doc-1")
		Expect(err).NotTo(HaveOccurred())
		fav, err := files.ToggleFavorite(ctx, "doc-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(fav).To(BeTrue())

		again, err := files.Save(ctx, manual, strings.NewReader("v2 longer"))
		Expect(err).NotTo(HaveOccurred())
		Expect(again.ViewCount).To(Equal(int64(1)))
		Expect(again.IsFavorite).To(BeTrue())
		Expect(again.SizeBytes).To(Equal(int64(9)))
	})

	It("deletes the file and then the record", func() {
		saved, err := files.Save(ctx, manual, strings.NewReader("content"))
		Expect(err).NotTo(HaveOccurred())

		Expect(files.Delete(ctx, "doc-1")).To(Succeed())

		_, err = fs.Stat(saved.LocalPath)
		Expect(os.IsNotExist(err)).To(BeTrue())

		_, err = files.Get(ctx, "doc-1")
		Expect(err).To(MatchError(cache.ErrFileNotFound))
	})

	It("keeps the record when the file cannot be removed", func() {
		failing, err := cache.NewFileStore(ctx, removeFailingFs{Fs: fs}, backend, clock)
		Expect(err).NotTo(HaveOccurred())

		_, err = failing.Save(ctx, manual, strings.NewReader("content"))
		Expect(err).NotTo(HaveOccurred())

		Expect(failing.Delete(ctx, "doc-1")).To(MatchError(ContainSubstring("device busy")))

		record, err := failing.Get(ctx, "doc-1")
		Expect(err).NotTo(HaveOccurred())

		exists, err := afero.Exists(fs, record.LocalPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeTrue())
	})

	It("lists documents per parent and sums their size", func() {
		_, err := files.Save(ctx, models.CachedFile{ID: "a", ParentID: "p1", Title: "a.pdf"}, strings.NewReader("1234"))
		Expect(err).NotTo(HaveOccurred())
		clock.Advance(time.Minute)
		_, err = files.Save(ctx, models.CachedFile{ID: "b", ParentID: "p1", Title: "b.pdf"}, strings.NewReader("12"))
		Expect(err).NotTo(HaveOccurred())
		_, err = files.Save(ctx, models.CachedFile{ID: "c", ParentID: "p2", Title: "c.pdf"}, strings.NewReader("1"))
		Expect(err).NotTo(HaveOccurred())

		list, err := files.List(ctx, "p1")
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(2))
		Expect(list[0].ID).To(Equal("b"))

		total, err := files.TotalSize(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(Equal(int64(7)))
	})

	It("reports unknown documents", func() {
		_, _, err := files.Open(ctx, "missing")
		Expect(err).To(MatchError(cache.ErrFileNotFound))
		Expect(files.Delete(ctx, "missing")).To(MatchError(cache.ErrFileNotFound))
	})
})
