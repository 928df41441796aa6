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

package env_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/field-companion/pkg/env"
)

var _ = Describe("Env", func() {
	const key = "FIELD_COMPANION_ENV_TEST"

	AfterEach(func() {
		Expect(os.Unsetenv(key)).To(Succeed())
	})

	Describe("GetAsString", func() {
		It("returns the default when unset", func() {
			v, err := env.GetAsString(key, false, "fallback")
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal("fallback"))
		})

		It("fails when required and unset", func() {
			_, err := env.GetAsString(key, true, "")
			Expect(err).To(MatchError(ContainSubstring(key)))
		})
	})

	DescribeTable("GetAsBool",
		func(raw string, expected bool) {
			Expect(os.Setenv(key, raw)).To(Succeed())
			v, err := env.GetAsBool(key, true, !expected)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(expected))
		},
		Entry("true", "true", true),
		Entry("YES", "YES", true),
		Entry("on", "on", true),
		Entry("0", "0", false),
		Entry("off", "off", false),
	)

	It("falls back on an invalid int when optional", func() {
		Expect(os.Setenv(key, "abc")).To(Succeed())
		v, err := env.GetAsInt(key, false, 7)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(7))

		_, err = env.GetAsInt(key, true, 7)
		Expect(err).To(HaveOccurred())
	})

	It("parses floats", func() {
		Expect(os.Setenv(key, "0.25")).To(Succeed())
		Expect(env.GetAsFloat(key, true, 0)).To(Equal(0.25))
	})

	DescribeTable("GetAsDuration",
		func(raw string, expected time.Duration) {
			Expect(os.Setenv(key, raw)).To(Succeed())
			Expect(env.GetAsDuration(key, true, 0)).To(Equal(expected))
		},
		Entry("go duration", "90s", 90*time.Second),
		Entry("minutes", "5m", 5*time.Minute),
		Entry("bare seconds", "30", 30*time.Second),
	)

	It("returns the default duration when unset", func() {
		Expect(env.GetAsDuration(key, false, time.Minute)).To(Equal(time.Minute))
	})
})
