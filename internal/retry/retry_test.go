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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSleeper struct {
	calls []time.Duration
}

func (f *fakeSleeper) Sleep(_ context.Context, d time.Duration) error {
	f.calls = append(f.calls, d)
	return nil
}

func TestDriveSucceedsImmediately(t *testing.T) {
	sleeper := &fakeSleeper{}
	attempts := 0
	v, err := Drive(context.Background(), NewFixedDelays(time.Millisecond, 5), sleeper,
		func(ctx context.Context) Result[int] {
			attempts++
			return OkResult(42)
		})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleeper.calls)
}

// TestDriveSucceedsOnThirdAttempt mirrors spec scenario F: delays=[1ms]x5,
// succeeds on the 3rd attempt => 3 attempts, 2 sleeps, Ok.
func TestDriveSucceedsOnThirdAttempt(t *testing.T) {
	sleeper := &fakeSleeper{}
	attempts := 0
	v, err := Drive(context.Background(), NewFixedDelays(time.Millisecond, 5), sleeper,
		func(ctx context.Context) Result[string] {
			attempts++
			if attempts < 3 {
				return RetryResult[string](errors.New("transient"))
			}
			return OkResult("done")
		})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 3, attempts)
	assert.Len(t, sleeper.calls, 2)
	for _, d := range sleeper.calls {
		assert.Equal(t, time.Millisecond, d)
	}
}

func TestDriveTerminalErrStopsImmediately(t *testing.T) {
	sleeper := &fakeSleeper{}
	attempts := 0
	wantErr := errors.New("fatal")
	_, err := Drive(context.Background(), NewFixedDelays(time.Millisecond, 5), sleeper,
		func(ctx context.Context) Result[int] {
			attempts++
			return ErrResult[int](wantErr)
		})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleeper.calls)
}

func TestDriveExhaustsDelaysReturnsLastError(t *testing.T) {
	sleeper := &fakeSleeper{}
	attempts := 0
	var lastErr error
	_, err := Drive(context.Background(), NewFixedDelays(time.Millisecond, 2), sleeper,
		func(ctx context.Context) Result[int] {
			attempts++
			lastErr = errors.New("still failing")
			return RetryResult[int](lastErr)
		})
	require.Error(t, err)
	assert.Equal(t, lastErr, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, sleeper.calls, 2)
}

func TestDriveContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Drive(ctx, NewFixedDelays(time.Millisecond, 5), RealSleeper{},
		func(ctx context.Context) Result[int] {
			return RetryResult[int](errors.New("retryable"))
		})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExponentialDelaysCapsAtMax(t *testing.T) {
	d := NewExponentialDelays(10*time.Millisecond, 40*time.Millisecond, 2.0, 4)

	var got []time.Duration
	for {
		v, ok := d.Next()
		if !ok {
			break
		}
		got = append(got, v)
	}

	require.Len(t, got, 4)
	assert.Equal(t, 10*time.Millisecond, got[0])
	assert.Equal(t, 20*time.Millisecond, got[1])
	assert.Equal(t, 40*time.Millisecond, got[2])
	assert.Equal(t, 40*time.Millisecond, got[3]) // capped
}

func TestFixedDelaysExhausted(t *testing.T) {
	d := NewFixedDelays(time.Millisecond, 2)
	_, ok := d.Next()
	assert.True(t, ok)
	_, ok = d.Next()
	assert.True(t, ok)
	_, ok = d.Next()
	assert.False(t, ok)
}
