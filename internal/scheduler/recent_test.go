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

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentlyCompletedCacheInsertAndGet(t *testing.T) {
	c := NewRecentlyCompletedCache(10, 0)
	now := time.Now()
	fp := ActionInfoHashKey{InstanceName: "a"}
	c.Insert(ActionState{Fingerprint: fp, Stage: CompletedStage(&ActionResult{ExitCode: 0})}, now)

	state, ok := c.Get(fp, now)
	require.True(t, ok)
	assert.Equal(t, StageCompleted, state.Stage.Kind)
}

func TestRecentlyCompletedCacheEvictsOldestOverBound(t *testing.T) {
	c := NewRecentlyCompletedCache(2, 0)
	now := time.Now()

	fps := []ActionInfoHashKey{{InstanceName: "a"}, {InstanceName: "b"}, {InstanceName: "c"}}
	for _, fp := range fps {
		c.Insert(ActionState{Fingerprint: fp, Stage: CompletedStage(&ActionResult{})}, now)
	}

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(fps[0], now)
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get(fps[2], now)
	assert.True(t, ok)
}

func TestRecentlyCompletedCacheTTLExpiry(t *testing.T) {
	c := NewRecentlyCompletedCache(10, time.Minute)
	base := time.Now()
	fp := ActionInfoHashKey{InstanceName: "a"}
	c.Insert(ActionState{Fingerprint: fp, Stage: CompletedStage(&ActionResult{})}, base)

	_, ok := c.Get(fp, base.Add(30*time.Second))
	assert.True(t, ok)

	_, ok = c.Get(fp, base.Add(2*time.Minute))
	assert.False(t, ok)
}

func TestRecentlyCompletedCacheClean(t *testing.T) {
	c := NewRecentlyCompletedCache(10, time.Minute)
	base := time.Now()
	fresh := ActionInfoHashKey{InstanceName: "fresh"}
	stale := ActionInfoHashKey{InstanceName: "stale"}

	c.Insert(ActionState{Fingerprint: stale, Stage: CompletedStage(&ActionResult{})}, base)
	c.Insert(ActionState{Fingerprint: fresh, Stage: CompletedStage(&ActionResult{})}, base.Add(90*time.Second))

	evicted := c.Clean(base.Add(2 * time.Minute))

	assert.Equal(t, []ActionInfoHashKey{stale}, evicted)
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(fresh, base.Add(2*time.Minute))
	assert.True(t, ok)
}

func TestRecentlyCompletedCacheReinsertUpdatesWithoutDuplicatingOrder(t *testing.T) {
	c := NewRecentlyCompletedCache(2, 0)
	now := time.Now()
	fp := ActionInfoHashKey{InstanceName: "a"}

	c.Insert(ActionState{Fingerprint: fp, Stage: CompletedStage(&ActionResult{ExitCode: 1})}, now)
	c.Insert(ActionState{Fingerprint: fp, Stage: CompletedStage(&ActionResult{ExitCode: 2})}, now)

	assert.Equal(t, 1, c.Len())
	state, ok := c.Get(fp, now)
	require.True(t, ok)
	assert.Equal(t, int32(2), state.Stage.Result.ExitCode)
}
