// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloud

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gax "github.com/googleapis/gax-go/v2"
)

// RetryPolicy retries a remote call with jittered exponential backoff.
// MaxAttempts counts the first call; 1 disables retries.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

// NewRetryPolicy converts the [retry] section.
func NewRetryPolicy(c Retry) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		Initial:     time.Duration(c.InitialMillis) * time.Millisecond,
		Max:         time.Duration(c.MaxMillis) * time.Millisecond,
		Multiplier:  c.Multiplier,
	}
}

// NoRetry runs the call exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// WithAttempts returns a copy of p with a different attempt budget.
func (p RetryPolicy) WithAttempts(n int) RetryPolicy {
	p.MaxAttempts = n
	return p
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (for example a 4xx answer).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. The last error from op is returned unwrapped.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	bo := gax.Backoff{Initial: p.Initial, Max: p.Max, Multiplier: p.Multiplier}

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		var perm *permanentError
		if err == nil {
			return nil
		}
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= attempts || ctx.Err() != nil {
			return err
		}
		pause := bo.Pause()
		slog.DebugContext(ctx, "retrying remote call", "attempt", attempt, "pause", pause, "error", err)
		if sleepErr := gax.Sleep(ctx, pause); sleepErr != nil {
			return err
		}
	}
}
