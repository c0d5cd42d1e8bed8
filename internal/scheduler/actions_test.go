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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateCreatesOnce(t *testing.T) {
	m := NewActiveActionsMap()
	info := mkAction("a", 1, time.Now())

	rec1, created1 := m.GetOrCreate(info)
	require.True(t, created1)

	rec2, created2 := m.GetOrCreate(info)
	assert.False(t, created2)
	assert.Same(t, rec1, rec2)
}

func TestGetOrCreateConcurrentRaceCollapses(t *testing.T) {
	m := NewActiveActionsMap()
	info := mkAction("race", 1, time.Now())

	const n = 50
	results := make([]*ActionRecord, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			rec, _ := m.GetOrCreate(info)
			results[i] = rec
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, m.Len())
}

func TestPublishValidTransition(t *testing.T) {
	m := NewActiveActionsMap()
	info := mkAction("a", 1, time.Now())
	rec, _ := m.GetOrCreate(info)
	fp := info.Fingerprint()

	require.NoError(t, m.Publish(fp, ExecutingStage()))
	assert.Equal(t, StageExecuting, rec.State().Stage.Kind)
}

func TestPublishInvalidTransitionAfterTerminal(t *testing.T) {
	m := NewActiveActionsMap()
	info := mkAction("a", 1, time.Now())
	fp := info.Fingerprint()
	m.GetOrCreate(info)

	require.NoError(t, m.Publish(fp, ExecutingStage()))
	require.NoError(t, m.Publish(fp, CompletedStage(&ActionResult{ExitCode: 0})))

	err := m.Publish(fp, ExecutingStage())
	require.Error(t, err)
	se, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindInternal, se.Kind)
}

func TestPublishUnknownFingerprint(t *testing.T) {
	m := NewActiveActionsMap()
	err := m.Publish(ActionInfoHashKey{InstanceName: "ghost"}, ExecutingStage())
	require.Error(t, err)
	se, _ := AsError(err)
	assert.Equal(t, KindNotFound, se.Kind)
}

func TestRemoveRequiresTerminal(t *testing.T) {
	m := NewActiveActionsMap()
	info := mkAction("a", 1, time.Now())
	fp := info.Fingerprint()
	m.GetOrCreate(info)

	err := m.Remove(fp)
	require.Error(t, err)

	require.NoError(t, m.Publish(fp, ExecutingStage()))
	require.NoError(t, m.Publish(fp, CompletedStage(&ActionResult{})))
	require.NoError(t, m.Remove(fp))

	_, ok := m.Get(fp)
	assert.False(t, ok)
}

func TestSubscribeSeesCurrentStateThenTransitions(t *testing.T) {
	m := NewActiveActionsMap()
	info := mkAction("a", 1, time.Now())
	rec, _ := m.GetOrCreate(info)
	fp := info.Fingerprint()

	ch := rec.Subscribe()
	initial := <-ch
	assert.Equal(t, StageQueued, initial.Stage.Kind)

	require.NoError(t, m.Publish(fp, ExecutingStage()))
	next := <-ch
	assert.Equal(t, StageExecuting, next.Stage.Kind)

	require.NoError(t, m.Publish(fp, CompletedStage(&ActionResult{ExitCode: 1})))
	final := <-ch
	assert.Equal(t, StageCompleted, final.Stage.Kind)

	_, open := <-ch
	assert.False(t, open, "channel must close after terminal transition")
}

func TestSubscribeAfterTerminalDeliversFinalStateThenCloses(t *testing.T) {
	m := NewActiveActionsMap()
	info := mkAction("a", 1, time.Now())
	rec, _ := m.GetOrCreate(info)
	fp := info.Fingerprint()

	require.NoError(t, m.Publish(fp, ExecutingStage()))
	require.NoError(t, m.Publish(fp, CompletedStage(&ActionResult{})))

	ch := rec.Subscribe()
	state := <-ch
	assert.Equal(t, StageCompleted, state.Stage.Kind)
	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberGetsLatestValueNotBacklog(t *testing.T) {
	m := NewActiveActionsMap()
	info := mkAction("a", 1, time.Now())
	rec, _ := m.GetOrCreate(info)
	fp := info.Fingerprint()

	ch := rec.Subscribe()
	<-ch // drain initial Queued

	require.NoError(t, m.Publish(fp, ExecutingStage()))
	require.NoError(t, m.Publish(fp, CompletedStage(&ActionResult{ExitCode: 7})))

	// Only the latest state (Completed) should be waiting, not Executing.
	state := <-ch
	assert.Equal(t, StageCompleted, state.Stage.Kind)
}

func TestAssignedWorkerAndTriedWorkers(t *testing.T) {
	m := NewActiveActionsMap()
	info := mkAction("a", 1, time.Now())
	rec, _ := m.GetOrCreate(info)

	assert.Equal(t, "", rec.AssignedWorker())
	assert.False(t, rec.HasTried("w1"))

	rec.SetAssignedWorker("w1")
	assert.Equal(t, "w1", rec.AssignedWorker())
	assert.True(t, rec.HasTried("w1"))
	assert.False(t, rec.HasTried("w2"))
}
