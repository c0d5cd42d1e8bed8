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
)

// Worker is the registry's live record for one connected worker session.
type Worker struct {
	WorkerID          string
	PlatformProperties map[string][]string
	LastKeepalive     time.Time
	LastAssigned      time.Time
	RunningAction     *ActionInfoHashKey
	IsPaused          bool

	// Tx is the outbound half of the worker's session transport, used by
	// the Matching Engine to dispatch StartAction and by CancelAction to
	// send KillAction.
	Tx WorkerTransport

	// Session drives this connection's state machine (§4.6). Nil in tests
	// that exercise the registry/matching engine without a live session.
	Session *Session
}

// WorkerTransport is the outbound side of a worker session (§4.6),
// abstracted so the registry never depends on the concrete websocket
// implementation in internal/wsapi.
type WorkerTransport interface {
	SendStartAction(info *ActionInfo, salt uint64, queuedTimestamp time.Time) error
	SendKillAction(fp ActionInfoHashKey) error
	SendKillAll() error
}

// WorkerRegistry is the set of live workers, guarded by a single
// short-held mutex per §5's shared-resource policy.
type WorkerRegistry struct {
	mu      sync.Mutex
	workers map[string]*Worker
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{workers: make(map[string]*Worker)}
}

// AddWorker registers w. Returns KindInvalidArgument if worker_id is
// already registered.
func (r *WorkerRegistry) AddWorker(w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[w.WorkerID]; exists {
		return New(KindInvalidArgument, "worker already registered: "+w.WorkerID)
	}
	if w.LastAssigned.IsZero() {
		w.LastAssigned = time.Now()
	}
	r.workers[w.WorkerID] = w
	return nil
}

// RemoveWorker deletes worker_id from the registry and returns its
// running_action fingerprint, if any, whatever that action's stage; the
// caller decides whether to re-queue it (§4.2, §4.6).
func (r *WorkerRegistry) RemoveWorker(workerID string) (requeue *ActionInfoHashKey, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return nil, New(KindNotFound, "unknown worker: "+workerID)
	}
	delete(r.workers, workerID)
	return w.RunningAction, nil
}

// KeepAliveReceived updates last_keepalive for workerID. Fails with
// KindNotFound if the worker is unknown.
func (r *WorkerRegistry) KeepAliveReceived(workerID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return New(KindNotFound, "unknown worker: "+workerID)
	}
	w.LastKeepalive = at
	return nil
}

// RemoveTimedoutWorkers removes every worker whose last_keepalive is
// older than timeout relative to now, returning how many workers were
// removed and the fingerprints of their running actions, which need
// re-queueing.
func (r *WorkerRegistry) RemoveTimedoutWorkers(now time.Time, timeout time.Duration) (removed int, requeues []ActionInfoHashKey) {
	r.mu.Lock()
	var stale []string
	for id, w := range r.workers {
		if now.Sub(w.LastKeepalive) > timeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		w := r.workers[id]
		if w.RunningAction != nil {
			requeues = append(requeues, *w.RunningAction)
		}
		delete(r.workers, id)
	}
	r.mu.Unlock()
	return len(stale), requeues
}

// SetPaused toggles whether workerID participates in matching.
func (r *WorkerRegistry) SetPaused(workerID string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return New(KindNotFound, "unknown worker: "+workerID)
	}
	w.IsPaused = paused
	return nil
}

// Get returns the worker record for workerID, if present.
func (r *WorkerRegistry) Get(workerID string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	return w, ok
}

// SetRunningAction records that workerID is now executing fp, and
// refreshes last_assigned for the LRU tie-break (§4.5).
func (r *WorkerRegistry) SetRunningAction(workerID string, fp ActionInfoHashKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return New(KindNotFound, "unknown worker: "+workerID)
	}
	w.RunningAction = &fp
	w.LastAssigned = time.Now()
	return nil
}

// ClearRunningAction marks workerID idle again.
func (r *WorkerRegistry) ClearRunningAction(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return New(KindNotFound, "unknown worker: "+workerID)
	}
	w.RunningAction = nil
	return nil
}

// AvailableWorkers returns every non-paused worker with no running_action,
// as a snapshot slice the Matching Engine can scan without holding the
// registry lock for the duration of the scan.
func (r *WorkerRegistry) AvailableWorkers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if w.IsPaused || w.RunningAction != nil {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Len returns the number of registered workers.
func (r *WorkerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}
