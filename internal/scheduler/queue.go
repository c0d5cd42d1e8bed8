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
	"container/heap"
	"sort"
	"sync"
)

// queueEntry is one heap element: higher Priority dequeues first, ties
// broken by earlier InsertTimestamp (FIFO within a priority band), per §4.2.
type queueEntry struct {
	info  *ActionInfo
	index int // maintained by container/heap
}

// actionHeap implements container/heap.Interface. Ordering: priority
// descending, insert_timestamp ascending.
type actionHeap []*queueEntry

func (h actionHeap) Len() int { return len(h) }

func (h actionHeap) Less(i, j int) bool {
	if h[i].info.Priority != h[j].info.Priority {
		return h[i].info.Priority > h[j].info.Priority
	}
	return h[i].info.InsertTimestamp.Before(h[j].info.InsertTimestamp)
}

func (h actionHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *actionHeap) Push(x any) {
	e := x.(*queueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *actionHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// ActionQueue is the priority-ordered, fingerprint-indexed queue described
// in §4.2: O(log n) insert and removal, O(1) fingerprint lookup, in-order
// iteration for the Matching Engine's scan.
type ActionQueue struct {
	mu      sync.Mutex
	heap    actionHeap
	entries map[ActionInfoHashKey]*queueEntry
}

// NewActionQueue creates an empty queue.
func NewActionQueue() *ActionQueue {
	return &ActionQueue{
		entries: make(map[ActionInfoHashKey]*queueEntry),
	}
}

// Enqueue inserts info, keyed by its fingerprint. If an entry with the same
// fingerprint is already queued, it is replaced in place (re-enqueue after
// a worker loss keeps the same queue slot rather than duplicating it).
func (q *ActionQueue) Enqueue(info *ActionInfo) {
	q.mu.Lock()
	defer q.mu.Unlock()

	fp := info.Fingerprint()
	if existing, ok := q.entries[fp]; ok {
		existing.info = info
		heap.Fix(&q.heap, existing.index)
		return
	}

	e := &queueEntry{info: info}
	heap.Push(&q.heap, e)
	q.entries[fp] = e
}

// Remove deletes the entry for fingerprint, if present, returning it and
// true. Used when the Matching Engine pops a candidate for dispatch.
func (q *ActionQueue) Remove(fp ActionInfoHashKey) (*ActionInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[fp]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.entries, fp)
	return e.info, true
}

// Peek returns the highest-priority, earliest-inserted entry without
// removing it.
func (q *ActionQueue) Peek() (*ActionInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil, false
	}
	return q.heap[0].info, true
}

// Len reports the number of queued actions.
func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Contains reports whether fingerprint fp is currently queued.
func (q *ActionQueue) Contains(fp ActionInfoHashKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[fp]
	return ok
}

// IterInOrder calls fn for every queued action in priority order (highest
// priority, earliest insert_timestamp first), without mutating the queue.
// fn must not call back into the queue; iteration happens under the
// queue's lock.
func (q *ActionQueue) IterInOrder(fn func(*ActionInfo) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := make([]*ActionInfo, len(q.heap))
	for i, e := range q.heap {
		ordered[i] = e.info
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].InsertTimestamp.Before(ordered[j].InsertTimestamp)
	})

	for _, info := range ordered {
		if !fn(info) {
			return
		}
	}
}
