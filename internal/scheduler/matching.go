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
	"time"

	"github.com/buildforge/scheduler/internal/metrics"
	"github.com/buildforge/scheduler/internal/platform"
)

// MatchingEngine pairs queued actions with available workers (§4.5). It is
// event-driven: Trigger is called whenever a new action is enqueued, a
// worker becomes available, a worker is removed, or on the facade's
// periodic timeout sweep. Unpausing a worker through
// WorkerRegistry.SetPaused does not call it. Trigger serializes
// through a single mutex so concurrent callers never double-dispatch the
// same queued action.
type MatchingEngine struct {
	mu sync.Mutex

	queue    *ActionQueue
	workers  *WorkerRegistry
	actions  *ActiveActionsMap
	platform *platform.Manager
}

// NewMatchingEngine wires the three structures the engine scans and
// mutates on every trigger, plus the Platform Property Manager it
// consults to decide whether a worker satisfies a queued action.
func NewMatchingEngine(queue *ActionQueue, workers *WorkerRegistry, actions *ActiveActionsMap, ppm *platform.Manager) *MatchingEngine {
	return &MatchingEngine{
		queue:    queue,
		workers:  workers,
		actions:  actions,
		platform: ppm,
	}
}

// Trigger runs matching passes until no further pairing can be made. Each
// pass scans the queue in priority order and dispatches at most one
// action; looping lets a single Trigger call drain every eligible pairing
// instead of requiring one Trigger per pairing.
func (e *MatchingEngine) Trigger() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.tryDispatchOne() {
	}
}

// tryDispatchOne performs at most one queue-to-worker pairing. Must be
// called with e.mu held.
func (e *MatchingEngine) tryDispatchOne() bool {
	available := e.workers.AvailableWorkers()
	if len(available) == 0 {
		return false
	}

	var matchedInfo *ActionInfo
	var matchedWorker *Worker

	e.queue.IterInOrder(func(info *ActionInfo) bool {
		schema, err := e.platform.Get(info.InstanceName)
		if err != nil {
			// No schema registered for this instance: nothing can match
			// it; skip to the next queued action rather than stalling
			// the whole pass.
			return true
		}

		w := pickWorker(available, schema, info, e.actions)
		if w == nil {
			return true
		}
		matchedInfo = info
		matchedWorker = w
		return false
	})

	if matchedInfo == nil {
		return false
	}

	return e.dispatch(matchedInfo, matchedWorker)
}

// pickWorker scans candidates for one that satisfies schema against info,
// skipping any worker the record has already tried, and returns the
// match with the oldest LastAssigned (LRU tie-break, §4.5). Returns nil
// if every matching candidate has already been tried.
func pickWorker(candidates []*Worker, schema *platform.Schema, info *ActionInfo, actions *ActiveActionsMap) *Worker {
	var rec *ActionRecord
	if actions != nil {
		rec, _ = actions.Get(info.Fingerprint())
	}

	var best *Worker
	for _, w := range candidates {
		if !schema.Satisfies(info.PlatformProps, w.PlatformProperties) {
			continue
		}
		if rec != nil && rec.HasTried(w.WorkerID) {
			continue
		}
		if best == nil || w.LastAssigned.Before(best.LastAssigned) {
			best = w
		}
	}
	return best
}

// dispatch atomically removes info from the queue, marks the record
// Executing, assigns the worker, and sends StartAction. Returns false if
// the queue entry disappeared between the scan and this call (e.g. raced
// by a concurrent removal), or if the record is missing or can no longer
// move to Executing; in that second case the entry has already been
// removed from the queue and stays removed.
func (e *MatchingEngine) dispatch(info *ActionInfo, w *Worker) bool {
	fp := info.Fingerprint()

	if _, ok := e.queue.Remove(fp); !ok {
		return false
	}

	if err := e.actions.Publish(fp, ExecutingStage()); err != nil {
		return false
	}

	rec, _ := e.actions.Get(fp)
	if rec != nil {
		rec.SetAssignedWorker(w.WorkerID)
	}
	_ = e.workers.SetRunningAction(w.WorkerID, fp)
	if w.Session != nil {
		_ = w.Session.MarkRunning()
	}

	if w.Tx != nil {
		_ = w.Tx.SendStartAction(info, info.Salt, info.InsertTimestamp)
	}

	metrics.ActionsDispatchedTotal.Inc()
	metrics.ObserveDispatchLatency(info.InsertTimestamp, time.Now())
	return true
}
