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

	"golang.org/x/sync/singleflight"
)

// subscriber is one attached consumer of an ActionRecord's state stream.
// Capacity-1, latest-value semantics: a slow subscriber only ever sees the
// most recent transition, never an unbounded backlog.
type subscriber struct {
	ch chan ActionState
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan ActionState, 1)}
}

func (s *subscriber) send(state ActionState) {
	select {
	case s.ch <- state:
		return
	default:
	}
	// Channel already holds an unread value; drop it and replace with the
	// newer one rather than block the publisher.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- state:
	default:
	}
}

// ActionRecord is the Active Actions Map's per-fingerprint entry (§4.4):
// the submitted ActionInfo, its current ActionState, the set of attached
// subscribers, the worker it is assigned to (if any), and the set of
// workers already tried this action (a reschedule-loop guard carried over
// from the original implementation, see SUPPLEMENTED FEATURES).
type ActionRecord struct {
	mu sync.Mutex

	Info           *ActionInfo
	state          ActionState
	subscribers    []*subscriber
	assignedWorker string
	triedWorkers   map[string]struct{}
	closed         bool
}

func newActionRecord(info *ActionInfo) *ActionRecord {
	return &ActionRecord{
		Info: info,
		state: ActionState{
			Fingerprint:     info.Fingerprint(),
			Stage:           QueuedStage(),
			UniqueQualifier: info.UniqueQualifier,
		},
		triedWorkers: make(map[string]struct{}),
	}
}

// State returns a copy of the record's current state.
func (r *ActionRecord) State() ActionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// AssignedWorker returns the worker_id this record is currently assigned
// to, or "" if unassigned.
func (r *ActionRecord) AssignedWorker() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assignedWorker
}

// SetAssignedWorker records which worker is executing this action.
func (r *ActionRecord) SetAssignedWorker(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignedWorker = workerID
	if workerID != "" {
		r.triedWorkers[workerID] = struct{}{}
	}
}

// HasTried reports whether workerID has already been tried for this
// action, so the Matching Engine can avoid immediately re-assigning a
// worker that just failed it.
func (r *ActionRecord) HasTried(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.triedWorkers[workerID]
	return ok
}

// Subscribe attaches a new subscriber, delivering the current state
// immediately. If the record has already reached a terminal stage, the
// returned channel delivers that final state once and is then closed.
func (r *ActionRecord) Subscribe() <-chan ActionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := newSubscriber()
	sub.ch <- r.state
	if r.closed {
		close(sub.ch)
		return sub.ch
	}
	r.subscribers = append(r.subscribers, sub)
	return sub.ch
}

// publish applies newStage if the transition is valid, broadcasts it to
// all subscribers, and closes their channels if newStage is terminal.
// Returns a KindInternal error on an invalid transition (§4.4: "invalid
// transitions are a programmer error").
func (r *ActionRecord) publish(newStage ActionStage) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return New(KindInternal, "publish on terminal action record")
	}
	if !validTransition(r.state.Stage.Kind, newStage.Kind) {
		r.mu.Unlock()
		return New(KindInternal, "invalid action state transition: "+r.state.Stage.Kind.String()+" -> "+newStage.Kind.String())
	}
	r.state.Stage = newStage
	subs := r.subscribers
	terminal := newStage.Kind.Terminal()
	if terminal {
		r.closed = true
		r.subscribers = nil
	}
	snapshot := r.state
	r.mu.Unlock()

	// Broadcast outside the record lock, per §5's policy of publishing
	// outside any structure lock.
	for _, s := range subs {
		s.send(snapshot)
		if terminal {
			close(s.ch)
		}
	}
	return nil
}

// recordResult wraps a GetOrCreate outcome for use with singleflight,
// which requires a single return value.
type recordResult struct {
	record  *ActionRecord
	created bool
}

// ActiveActionsMap is the fingerprint -> ActionRecord table (§4.4).
type ActiveActionsMap struct {
	mu      sync.Mutex
	records map[ActionInfoHashKey]*ActionRecord
	group   singleflight.Group
}

// NewActiveActionsMap creates an empty map.
func NewActiveActionsMap() *ActiveActionsMap {
	return &ActiveActionsMap{records: make(map[ActionInfoHashKey]*ActionRecord)}
}

// GetOrCreate returns the existing record for info's fingerprint, or
// creates one. Concurrent calls for the same fingerprint are collapsed
// through singleflight so exactly one record is created regardless of how
// many callers race to submit the same action simultaneously. The bool is
// true only for the one caller whose call created the record.
func (m *ActiveActionsMap) GetOrCreate(info *ActionInfo) (*ActionRecord, bool) {
	fp := info.Fingerprint()

	m.mu.Lock()
	if existing, ok := m.records[fp]; ok {
		m.mu.Unlock()
		return existing, false
	}
	m.mu.Unlock()

	leader := false
	v, _, _ := m.group.Do(fp.String(), func() (any, error) {
		leader = true
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.records[fp]; ok {
			return recordResult{existing, false}, nil
		}
		rec := newActionRecord(info)
		m.records[fp] = rec
		return recordResult{rec, true}, nil
	})

	res := v.(recordResult)
	return res.record, res.created && leader
}

// Get returns the record for fp, if present.
func (m *ActiveActionsMap) Get(fp ActionInfoHashKey) (*ActionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[fp]
	return r, ok
}

// Publish applies newStage to the record for fp.
func (m *ActiveActionsMap) Publish(fp ActionInfoHashKey, newStage ActionStage) error {
	m.mu.Lock()
	rec, ok := m.records[fp]
	m.mu.Unlock()
	if !ok {
		return New(KindNotFound, "unknown action fingerprint")
	}
	return rec.publish(newStage)
}

// Remove deletes the record for fp, only if it has reached a terminal
// stage.
func (m *ActiveActionsMap) Remove(fp ActionInfoHashKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[fp]
	if !ok {
		return New(KindNotFound, "unknown action fingerprint")
	}
	rec.mu.Lock()
	terminal := rec.closed
	rec.mu.Unlock()
	if !terminal {
		return New(KindInternal, "cannot remove non-terminal action record")
	}
	delete(m.records, fp)
	return nil
}

// Len returns the number of active records.
func (m *ActiveActionsMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
