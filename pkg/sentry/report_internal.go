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
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"
)

const debounceWindow = 2 * time.Hour

var (
	shouldDebounce atomic.Bool
	// recentlySent holds fingerprints reported within the debounce window.
	recentlySent = expiremap.NewEx[string, time.Time](10*time.Minute, debounceWindow)
)

func init() {
	shouldDebounce.Store(true)
}

func setDebounce(on bool) {
	shouldDebounce.Store(on)
}

// EnableTestMode disables debouncing for testing.
func EnableTestMode() {
	setDebounce(false)
}

// DisableTestMode restores normal debouncing behavior.
func DisableTestMode() {
	setDebounce(true)
}

// debounced reports whether an issue with this key was sent recently, and
// records it if not.
func debounced(key string) bool {
	if !shouldDebounce.Load() {
		return false
	}

	if _, seen := recentlySent.Load(key); seen {
		return true
	}

	recentlySent.Set(key, time.Now())

	return false
}

func report(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	level := sentry.LevelError
	if issueType == IssueTypeWarning {
		level = sentry.LevelWarning
		log.Warnw(err.Error(), contextFields(context)...)
	} else {
		log.Errorw(err.Error(), contextFields(context)...)
	}

	if debounced(string(issueType) + ":" + getMeaningfulErrorTitle(err)) {
		return
	}

	sendSentryEvent(createSentryEventWithContext(level, err, context))
}

func reportFatal(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Error("The field companion has encountered a fatal error and will now terminate.")
	log.Errorw(err.Error(), contextFields(context)...)
	log.Errorf("Stack trace: %s", string(debug.Stack()))

	sendSentryEvent(createSentryEventWithContext(sentry.LevelFatal, err, context))
	sentry.Flush(5 * time.Second)

	log.Panic("Fatal error")
}

func contextFields(context map[string]interface{}) []interface{} {
	fields := make([]interface{}, 0, 2*len(context))
	for k, v := range context {
		fields = append(fields, k, v)
	}

	return fields
}
