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

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildforge/scheduler/internal/retry"
	"github.com/buildforge/scheduler/internal/scheduler"
)

func TestMemoryCASPutGetHas(t *testing.T) {
	cas := NewMemoryCAS()
	d := scheduler.Digest{Hash: "abc", SizeBytes: 3}

	has, err := cas.Has(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, cas.Put(context.Background(), d, []byte("abc")))

	has, err = cas.Has(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, has)

	data, err := cas.Get(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
}

func TestMemoryCASGetMissing(t *testing.T) {
	cas := NewMemoryCAS()
	_, err := cas.Get(context.Background(), scheduler.Digest{Hash: "missing"})
	require.Error(t, err)
	se, ok := scheduler.AsError(err)
	require.True(t, ok)
	assert.Equal(t, scheduler.KindNotFound, se.Kind)
}

func TestMemoryActionCacheRoundTrip(t *testing.T) {
	cache := NewMemoryActionCache()
	fp := scheduler.ActionInfoHashKey{InstanceName: "main"}

	_, ok, err := cache.GetResult(context.Background(), fp)
	require.NoError(t, err)
	assert.False(t, ok)

	result := &scheduler.ActionResult{ExitCode: 0}
	require.NoError(t, cache.PutResult(context.Background(), fp, result))

	got, ok, err := cache.GetResult(context.Background(), fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, result, got)
}

func TestUploadResultRetriesTransientFailure(t *testing.T) {
	cache := &flakyCache{failures: 2}
	fp := scheduler.ActionInfoHashKey{InstanceName: "main"}

	err := UploadResult(context.Background(), cache, fp, &scheduler.ActionResult{ExitCode: 0},
		retry.NewFixedDelays(time.Millisecond, 5))
	require.NoError(t, err)
	assert.Equal(t, 3, cache.attempts)
}

type flakyCache struct {
	failures int
	attempts int
}

func (f *flakyCache) GetResult(context.Context, scheduler.ActionInfoHashKey) (*scheduler.ActionResult, bool, error) {
	return nil, false, nil
}

func (f *flakyCache) PutResult(context.Context, scheduler.ActionInfoHashKey, *scheduler.ActionResult) error {
	f.attempts++
	if f.attempts <= f.failures {
		return scheduler.New(scheduler.KindUnavailable, "transient")
	}
	return nil
}
