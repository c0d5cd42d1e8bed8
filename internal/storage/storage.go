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

// Package storage declares the Content Addressable Storage and Action
// Cache as external collaborators (§4, Non-goals): the scheduler core
// never reads blob contents, it only needs a way to persist an
// ActionResult once a worker reports one and to upload its own retryable
// writes through internal/retry. The in-memory implementation here exists
// for tests and small standalone deployments, not as the system's
// storage layer.
package storage

import (
	"context"
	"sync"

	"github.com/buildforge/scheduler/internal/scheduler"
)

// ContentAddressableStorage is the blob store keyed by Digest.
type ContentAddressableStorage interface {
	Get(ctx context.Context, d scheduler.Digest) ([]byte, error)
	Put(ctx context.Context, d scheduler.Digest, data []byte) error
	Has(ctx context.Context, d scheduler.Digest) (bool, error)
}

// ActionCache persists ActionResults keyed by the action's fingerprint,
// independent of the scheduler's in-memory Recently Completed Cache.
type ActionCache interface {
	GetResult(ctx context.Context, fp scheduler.ActionInfoHashKey) (*scheduler.ActionResult, bool, error)
	PutResult(ctx context.Context, fp scheduler.ActionInfoHashKey, result *scheduler.ActionResult) error
}

// MemoryCAS is a process-local ContentAddressableStorage, useful for
// tests and single-node deployments.
type MemoryCAS struct {
	mu    sync.RWMutex
	blobs map[scheduler.Digest][]byte
}

func NewMemoryCAS() *MemoryCAS {
	return &MemoryCAS{blobs: make(map[scheduler.Digest][]byte)}
}

func (c *MemoryCAS) Get(_ context.Context, d scheduler.Digest) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.blobs[d]
	if !ok {
		return nil, scheduler.New(scheduler.KindNotFound, "blob not found: "+d.String())
	}
	return data, nil
}

func (c *MemoryCAS) Put(_ context.Context, d scheduler.Digest, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs[d] = data
	return nil
}

func (c *MemoryCAS) Has(_ context.Context, d scheduler.Digest) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.blobs[d]
	return ok, nil
}

// MemoryActionCache is a process-local ActionCache.
type MemoryActionCache struct {
	mu      sync.RWMutex
	results map[scheduler.ActionInfoHashKey]*scheduler.ActionResult
}

func NewMemoryActionCache() *MemoryActionCache {
	return &MemoryActionCache{results: make(map[scheduler.ActionInfoHashKey]*scheduler.ActionResult)}
}

func (c *MemoryActionCache) GetResult(_ context.Context, fp scheduler.ActionInfoHashKey) (*scheduler.ActionResult, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[fp]
	return r, ok, nil
}

func (c *MemoryActionCache) PutResult(_ context.Context, fp scheduler.ActionInfoHashKey, result *scheduler.ActionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[fp] = result
	return nil
}

var (
	_ ContentAddressableStorage = (*MemoryCAS)(nil)
	_ ActionCache               = (*MemoryActionCache)(nil)
)
