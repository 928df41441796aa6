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

package sentry

import (
	"errors"
	"fmt"
	"strings"

	sentrygo "github.com/getsentry/sentry-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var _ = Describe("Sentry reporting", func() {
	var (
		logs *observer.ObservedLogs
		log  *zap.SugaredLogger
	)

	BeforeEach(func() {
		var core zapcore.Core
		core, logs = observer.New(zapcore.DebugLevel)
		log = zap.New(core).Sugar()
	})

	It("should stay disabled for development builds", func() {
		InitSentry("0.0.0-dev", "https://key@example.invalid/1", true)
		Expect(enabled.Load()).To(BeFalse())

		InitSentry("1.2.3", "", true)
		Expect(enabled.Load()).To(BeFalse())
	})

	DescribeTable("Environment",
		func(version, expected string) {
			Expect(Environment(version)).To(Equal(expected))
		},
		Entry("release", "1.4.0", "production"),
		Entry("prerelease", "1.4.0-rc.1", "development"),
		Entry("garbage", "not-a-version", "development"),
	)

	It("should title issues by their outermost context", func() {
		err := fmt.Errorf("update submodel sm-1: %w", errors.New("connection refused"))
		Expect(getMeaningfulErrorTitle(err)).To(Equal("update submodel sm-1"))

		long := errors.New(strings.Repeat("x", 150))
		Expect(getMeaningfulErrorTitle(long)).To(HaveLen(100))
	})

	It("should turn context into tags, extras and fingerprint parts", func() {
		event := createSentryEventWithContext(sentrygo.LevelError, errors.New("boom"), map[string]interface{}{
			"operation":    "update",
			"operation_id": "op-1",
			"attempts":     3,
			"payload":      []byte("{}"),
		})

		Expect(event.Tags).To(HaveKeyWithValue("operation", "update"))
		Expect(event.Tags).To(HaveKeyWithValue("attempts", "3"))
		Expect(event.Extra).To(HaveKey("payload"))
		Expect(event.Fingerprint).To(ContainElement("operation: update"))
		Expect(event.Exception).To(HaveLen(1))
	})

	It("should log every report and debounce repeats", func() {
		DisableTestMode()
		defer EnableTestMode()

		err := errors.New("unique issue for debounce check")
		Expect(debounced("error:" + getMeaningfulErrorTitle(err))).To(BeFalse())
		Expect(debounced("error:" + getMeaningfulErrorTitle(err))).To(BeTrue())

		ReportIssue(err, IssueTypeError, log)
		ReportIssue(err, IssueTypeError, log)
		Expect(logs.FilterMessage(err.Error()).Len()).To(Equal(2))
	})

	It("should never debounce in test mode", func() {
		EnableTestMode()
		Expect(debounced("k")).To(BeFalse())
		Expect(debounced("k")).To(BeFalse())
	})

	It("should log sync errors with their context", func() {
		ReportSyncError(log, "op-7", "submodel", "update", errors.New("server said 500"))

		entries := logs.FilterMessage("server said 500").All()
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].ContextMap()).To(HaveKeyWithValue("operation_id", "op-7"))
	})

	It("should ignore nil errors", func() {
		ReportIssue(nil, IssueTypeError, log)
		Expect(logs.Len()).To(BeZero())
	})

	It("should panic on fatal issues", func() {
		Expect(func() {
			ReportIssue(errors.New("disk gone"), IssueTypeFatal, log)
		}).To(Panic())
	})

	It("should convert goroutine dumps innermost-last", func() {
		threads, raw := captureGoroutinesAsThreads()
		Expect(raw).NotTo(BeEmpty())
		Expect(threads).NotTo(BeEmpty())
	})
})
