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

package backoff_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/field-companion/pkg/backoff"
)

var _ = Describe("Error categories", func() {
	It("should default uncategorized errors to transient", func() {
		err := errors.New("connection reset") //nolint:err113 // Test needs dynamic error
		Expect(backoff.IsTransientError(err)).To(BeFalse())
		Expect(backoff.IsTransientError(backoff.CategorizeError(err))).To(BeTrue())
		Expect(backoff.CategoryOf(err)).To(Equal(backoff.CategoryTransient))
		Expect(backoff.CategorizeError(nil)).To(BeNil())
	})

	It("should keep an existing category through wrapping", func() {
		perm := backoff.NewPermanentError(errors.New("forbidden")) //nolint:err113 // Test needs dynamic error
		wrapped := fmt.Errorf("update sm-1: %w", perm)

		Expect(backoff.IsPermanentError(wrapped)).To(BeTrue())
		Expect(backoff.CategorizeError(wrapped)).To(BeIdenticalTo(wrapped))
		Expect(backoff.CategoryOf(wrapped).String()).To(Equal("permanent"))
	})

	It("should find the root cause", func() {
		root := errors.New("dial tcp: i/o timeout") //nolint:err113 // Test needs dynamic error
		err := fmt.Errorf("list descriptors: %w", backoff.NewTransientError(root))
		Expect(backoff.ExtractOriginalError(err)).To(BeIdenticalTo(root))
		Expect(backoff.ExtractOriginalError(nil)).To(BeNil())
	})
})

var _ = Describe("Retry", func() {
	policy := backoff.Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsedTime: time.Second}

	It("should retry transient errors until success", func() {
		calls := 0
		err := backoff.Retry(context.Background(), policy, nil, func() error {
			calls++
			if calls < 3 {
				return backoff.NewTransientError(errors.New("busy")) //nolint:err113 // Test needs dynamic error
			}

			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(3))
	})

	It("should stop at the first permanent error", func() {
		calls := 0
		perm := backoff.NewPermanentError(errors.New("bad request")) //nolint:err113 // Test needs dynamic error
		err := backoff.Retry(context.Background(), policy, nil, func() error {
			calls++

			return perm
		})
		Expect(err).To(MatchError(perm))
		Expect(calls).To(Equal(1))
	})

	It("should honor the retry count", func() {
		p := policy
		p.MaxRetries = 2
		calls := 0
		err := backoff.Retry(context.Background(), p, nil, func() error {
			calls++

			return errors.New("still down") //nolint:err113 // Test needs dynamic error
		})
		Expect(err).To(MatchError("still down"))
		Expect(calls).To(Equal(3))
	})
})

var _ = Describe("Pacer", func() {
	It("should grow the delay on failures and reset on success", func() {
		pacer := backoff.NewPacer(backoff.Policy{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second}, nil)

		first := pacer.Failure()
		Expect(first).To(BeNumerically("~", 100*time.Millisecond, 50*time.Millisecond))

		var last time.Duration
		for i := 0; i < 10; i++ {
			last = pacer.Failure()
		}
		// capped interval plus the default 50% jitter
		Expect(last).To(BeNumerically("<=", 1500*time.Millisecond))
		Expect(last).To(BeNumerically(">=", 500*time.Millisecond))

		pacer.Success()
		Expect(pacer.Failure()).To(BeNumerically("~", 100*time.Millisecond, 50*time.Millisecond))
	})
})
