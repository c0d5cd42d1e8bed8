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

type recentEntry struct {
	state    ActionState
	insertAt time.Time
}

// RecentlyCompletedCache is the bounded, TTL-expiring fingerprint ->
// terminal ActionState table described in §4.7. AddAction consults it
// before enqueueing a new action so a finished fingerprint can be
// answered immediately, without re-running it.
type RecentlyCompletedCache struct {
	mu      sync.Mutex
	bound   int
	ttl     time.Duration
	entries map[ActionInfoHashKey]*recentEntry
	order   []ActionInfoHashKey // insertion order, oldest first
}

// NewRecentlyCompletedCache creates a cache bounded to at most `bound`
// entries, with entries expiring after ttl (0 disables TTL expiry).
func NewRecentlyCompletedCache(bound int, ttl time.Duration) *RecentlyCompletedCache {
	return &RecentlyCompletedCache{
		bound:   bound,
		ttl:     ttl,
		entries: make(map[ActionInfoHashKey]*recentEntry),
	}
}

// Insert records a terminal ActionState, evicting the oldest entry first
// if the cache is at its bound.
func (c *RecentlyCompletedCache) Insert(state ActionState, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fp := state.Fingerprint
	if _, exists := c.entries[fp]; !exists {
		c.order = append(c.order, fp)
	}
	c.entries[fp] = &recentEntry{state: state, insertAt: now}

	for c.bound > 0 && len(c.entries) > c.bound {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Get returns the cached terminal state for fp, if present and not
// expired under the configured TTL relative to now.
func (c *RecentlyCompletedCache) Get(fp ActionInfoHashKey, now time.Time) (ActionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fp]
	if !ok {
		return ActionState{}, false
	}
	if c.ttl > 0 && now.Sub(e.insertAt) > c.ttl {
		return ActionState{}, false
	}
	return e.state, true
}

// Clean drops every entry older than the configured TTL relative to now
// and returns the fingerprints it evicted, so a caller can also retire
// their corresponding Active Actions Map records. A no-op (nil) if the
// cache was built with ttl == 0.
func (c *RecentlyCompletedCache) Clean(now time.Time) []ActionInfoHashKey {
	if c.ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []ActionInfoHashKey
	kept := c.order[:0]
	for _, fp := range c.order {
		e := c.entries[fp]
		if now.Sub(e.insertAt) > c.ttl {
			delete(c.entries, fp)
			evicted = append(evicted, fp)
			continue
		}
		kept = append(kept, fp)
	}
	c.order = kept
	return evicted
}

// Len returns the number of entries currently cached.
func (c *RecentlyCompletedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
