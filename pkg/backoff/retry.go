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

package backoff

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff"
	"github.com/jonboulle/clockwork"
)

// Policy configures an exponential backoff.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime bounds Retry. Zero retries until ctx is done.
	MaxElapsedTime time.Duration
	// MaxRetries bounds Retry by attempt count. Zero means no bound.
	MaxRetries uint64
}

// NewExponential builds a cenkalti exponential backoff for p, reading time from clock.
func NewExponential(p Policy, clock clockwork.Clock) *cbackoff.ExponentialBackOff {
	b := cbackoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}

	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	b.MaxElapsedTime = p.MaxElapsedTime

	if clock != nil {
		b.Clock = clock
	}

	b.Reset()

	return b
}

// Retry runs op until it succeeds, returns a non-transient error, the policy
// gives up or ctx is done. The last error from op is returned.
func Retry(ctx context.Context, p Policy, clock clockwork.Clock, op func() error) error {
	var b cbackoff.BackOff = NewExponential(p, clock)
	if p.MaxRetries > 0 {
		b = cbackoff.WithMaxRetries(b, p.MaxRetries)
	}

	b = cbackoff.WithContext(b, ctx)

	var lastErr error

	err := cbackoff.Retry(func() error {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if !IsTransientError(CategorizeError(lastErr)) {
			return cbackoff.Permanent(lastErr)
		}

		return lastErr
	}, b)
	if err == nil {
		return nil
	}

	if lastErr == nil {
		return ctx.Err()
	}

	return lastErr
}

// Pacer spaces out repeated attempts after failures. Each Failure returns a
// longer delay up to MaxInterval; Success resets it. It is not safe for
// concurrent use.
type Pacer struct {
	b *cbackoff.ExponentialBackOff
}

// NewPacer returns a Pacer with no elapsed-time bound.
func NewPacer(p Policy, clock clockwork.Clock) *Pacer {
	p.MaxElapsedTime = 0

	return &Pacer{b: NewExponential(p, clock)}
}

// Failure records a failed attempt and returns how long to wait before the next one.
func (p *Pacer) Failure() time.Duration {
	d := p.b.NextBackOff()
	if d == cbackoff.Stop {
		return p.b.MaxInterval
	}

	return d
}

// Success resets the delay.
func (p *Pacer) Success() {
	p.b.Reset()
}
