// Copyright 2025 Tom Barlow
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

// Package retry provides the generic retry/backoff driver for
// transient-failure paths (spec §4.8); in this module its caller is
// storage.UploadResult. The sleep
// mechanism is injected so tests can control time deterministically, the
// same role the teacher's transport.Execute plays for HTTP calls but
// generalized to any attempt function.
package retry

import (
	"context"
	"time"
)

// Outcome is the tagged result an attempt function returns.
type Outcome int

const (
	// Ok terminates the driver successfully.
	Ok Outcome = iota
	// Retry sleeps for the next delay and re-attempts.
	Retry
	// Err terminates the driver immediately with an error.
	Err
)

// Result is what an attempt function returns: exactly one of Value (on
// Ok) or Err (on Retry/Err) is meaningful.
type Result[T any] struct {
	Outcome Outcome
	Value   T
	Err     error
}

// OkResult builds a successful Result.
func OkResult[T any](v T) Result[T] { return Result[T]{Outcome: Ok, Value: v} }

// RetryResult builds a retryable Result.
func RetryResult[T any](err error) Result[T] { return Result[T]{Outcome: Retry, Err: err} }

// ErrResult builds a terminal-failure Result.
func ErrResult[T any](err error) Result[T] { return Result[T]{Outcome: Err, Err: err} }

// Sleeper abstracts the sleep mechanism so tests can inject a fake clock.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealSleeper sleeps using time.After, honoring context cancellation.
type RealSleeper struct{}

func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delays is a lazy sequence of retry delays. Next returns the next delay
// and true, or false when the sequence is exhausted.
type Delays interface {
	Next() (time.Duration, bool)
}

// FixedDelays repeats the same delay a fixed number of times.
type FixedDelays struct {
	Delay time.Duration
	Count int

	i int
}

func NewFixedDelays(delay time.Duration, count int) *FixedDelays {
	return &FixedDelays{Delay: delay, Count: count}
}

func (f *FixedDelays) Next() (time.Duration, bool) {
	if f.i >= f.Count {
		return 0, false
	}
	f.i++
	return f.Delay, true
}

// ExponentialDelays yields exponentially increasing delays capped at Max,
// for up to MaxAttempts retries.
type ExponentialDelays struct {
	Initial     time.Duration
	Max         time.Duration
	Factor      float64
	MaxAttempts int

	i       int
	current time.Duration
}

func NewExponentialDelays(initial, max time.Duration, factor float64, maxAttempts int) *ExponentialDelays {
	return &ExponentialDelays{Initial: initial, Max: max, Factor: factor, MaxAttempts: maxAttempts}
}

func (e *ExponentialDelays) Next() (time.Duration, bool) {
	if e.i >= e.MaxAttempts {
		return 0, false
	}
	if e.i == 0 {
		e.current = e.Initial
	} else {
		next := time.Duration(float64(e.current) * e.Factor)
		if next > e.Max {
			next = e.Max
		}
		e.current = next
	}
	e.i++
	return e.current, true
}

// AttemptFunc performs one attempt. ctx is cancelled if the overall Drive
// call's context is cancelled.
type AttemptFunc[T any] func(ctx context.Context) Result[T]

// Drive runs fn with the given Sleeper and Delays sequence. Contract
// (§4.8): on Ok, returns the value; on Err, returns immediately; on
// Retry, sleeps for the next delay then re-attempts; if the delay
// sequence is exhausted, returns the last Retry's error.
func Drive[T any](ctx context.Context, delays Delays, sleeper Sleeper, fn AttemptFunc[T]) (T, error) {
	var zero T
	var lastErr error

	for {
		res := fn(ctx)
		switch res.Outcome {
		case Ok:
			return res.Value, nil
		case Err:
			return zero, res.Err
		case Retry:
			lastErr = res.Err
			delay, ok := delays.Next()
			if !ok {
				return zero, lastErr
			}
			if err := sleeper.Sleep(ctx, delay); err != nil {
				return zero, err
			}
		default:
			return zero, res.Err
		}
	}
}
