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

import "time"

// TTLClass selects how long a cached resource stays fresh. Callers pick the
// class from what they know about the resource; the store never infers it.
type TTLClass time.Duration

const (
	// TTLStatic is for data that practically never changes (nameplates, technical data).
	TTLStatic = TTLClass(24 * time.Hour)
	// TTLSemiStatic is for documentation listings and descriptors.
	TTLSemiStatic = TTLClass(4 * time.Hour)
	// TTLDynamic is for operational data such as maintenance records.
	TTLDynamic = TTLClass(15 * time.Minute)
	// TTLFrequent is for values that change every few minutes.
	TTLFrequent = TTLClass(5 * time.Minute)
	// TTLDefault is used when the caller has no better knowledge.
	TTLDefault = TTLClass(time.Hour)
	// TTLNever stores the entry without an expiry.
	TTLNever = TTLClass(0)
)

// Duration returns the class as a time.Duration.
func (c TTLClass) Duration() time.Duration {
	return time.Duration(c)
}

func (c TTLClass) String() string {
	switch c {
	case TTLStatic:
		return "static"
	case TTLSemiStatic:
		return "semiStatic"
	case TTLDynamic:
		return "dynamic"
	case TTLFrequent:
		return "frequent"
	case TTLDefault:
		return "default"
	case TTLNever:
		return "never"
	}

	return time.Duration(c).String()
}
