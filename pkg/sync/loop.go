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

package sync

import (
	"context"
	"errors"
	"time"

	"github.com/united-manufacturing-hub/field-companion/pkg/backoff"
)

// Run triggers a sync whenever syncing becomes allowed, including at start,
// and every Interval after that, until ctx is done. After a run with failures
// the next automatic run is brought forward on an exponential backoff, which
// resets once a run succeeds.
func (e *Engine) Run(ctx context.Context) error {
	updates := e.monitor.Subscribe(ctx)

	ticker := e.clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	pacer := backoff.NewPacer(e.cfg.Backoff, e.clock)

	var (
		retry   <-chan time.Time
		allowed bool
	)

	e.log.Infof("Sync loop started (interval %s)", e.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return nil

		case _, ok := <-updates:
			if !ok {
				return nil
			}

			was := allowed
			allowed = e.monitor.AllowsSync()

			if !allowed || was {
				continue
			}

			e.log.Info("Syncing allowed, starting a run")

		case <-ticker.Chan():

		case <-retry:
			retry = nil
		}

		result, err := e.TriggerSync(ctx)

		switch {
		case errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrNotConnected):
			continue
		case err != nil || !result.IsSuccess():
			d := pacer.Failure()
			retry = e.clock.After(d)

			e.log.Infof("Run did not fully succeed, retrying in %s", d)
		default:
			pacer.Success()

			retry = nil
		}
	}
}
