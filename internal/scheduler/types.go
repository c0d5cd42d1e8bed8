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

// Package scheduler implements the scheduling and worker-dispatch core:
// the Worker Registry, Action Queue, Active Actions Map, Matching Engine,
// Worker Session state machine, Recently Completed Cache, and the two
// facade interfaces (ActionScheduler, WorkerScheduler) that front them.
package scheduler

import (
	"fmt"
	"time"
)

// DigestFunction identifies the hash function a digest was computed with.
type DigestFunction int

const (
	DigestSha256 DigestFunction = iota
	DigestBlake3
)

func (d DigestFunction) String() string {
	if d == DigestBlake3 {
		return "BLAKE3"
	}
	return "SHA256"
}

// Digest identifies a blob by hash and size, the unit the CAS is keyed on.
type Digest struct {
	Hash      string
	SizeBytes int64
}

func (d Digest) String() string {
	return fmt.Sprintf("%s/%d", d.Hash, d.SizeBytes)
}

// ActionInfoHashKey is the deduplication fingerprint: two actions collide
// iff instance name, digest, and salt are all equal (§3).
type ActionInfoHashKey struct {
	InstanceName string
	Digest       Digest
	Salt         uint64
}

// String renders a stable map key for the fingerprint.
func (k ActionInfoHashKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.InstanceName, k.Digest, k.Salt)
}

// ActionInfo describes one action submission.
type ActionInfo struct {
	InstanceName      string
	CommandDigest     Digest
	InputRootDigest   Digest
	Timeout           time.Duration
	PlatformProps     map[string]string
	Priority          int64
	LoadTimestamp     time.Time
	InsertTimestamp   time.Time
	UniqueQualifier   string
	SkipCacheLookup   bool
	DigestFunction    DigestFunction
	Salt              uint64
}

// Fingerprint computes the dedup key for this action.
func (a *ActionInfo) Fingerprint() ActionInfoHashKey {
	return ActionInfoHashKey{
		InstanceName: a.InstanceName,
		Digest:       a.CommandDigest,
		Salt:         a.Salt,
	}
}

// ActionResult is the opaque outcome of a completed action. The scheduler
// core never inspects its contents; it is produced by the worker and
// persisted to the Action Cache by an external collaborator.
type ActionResult struct {
	ExitCode     int32
	OutputDigest Digest
	Metadata     map[string]string
}

// StageKind is the tag of the ActionStage variant.
type StageKind int

const (
	StageQueued StageKind = iota
	StageExecuting
	StageCompleted
	StageCompletedFromCache
	StageCacheCheckMissing
	StageError
)

func (k StageKind) String() string {
	switch k {
	case StageQueued:
		return "Queued"
	case StageExecuting:
		return "Executing"
	case StageCompleted:
		return "Completed"
	case StageCompletedFromCache:
		return "CompletedFromCache"
	case StageCacheCheckMissing:
		return "CacheCheckMissing"
	case StageError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Terminal reports whether this stage is a terminal state: no further
// transitions are permitted once an ActionState reaches one (§3).
func (k StageKind) Terminal() bool {
	switch k {
	case StageCompleted, StageCompletedFromCache, StageError:
		return true
	default:
		return false
	}
}

// ActionStage is the tagged variant described in §3: Queued | Executing |
// Completed(result) | CompletedFromCache(result) | CacheCheckMissing |
// Error(kind, message).
type ActionStage struct {
	Kind   StageKind
	Result *ActionResult
	Err    *Error
}

func QueuedStage() ActionStage    { return ActionStage{Kind: StageQueued} }
func ExecutingStage() ActionStage { return ActionStage{Kind: StageExecuting} }
func CompletedStage(r *ActionResult) ActionStage {
	return ActionStage{Kind: StageCompleted, Result: r}
}
func CompletedFromCacheStage(r *ActionResult) ActionStage {
	return ActionStage{Kind: StageCompletedFromCache, Result: r}
}
func CacheCheckMissingStage() ActionStage { return ActionStage{Kind: StageCacheCheckMissing} }
func ErrorStage(err *Error) ActionStage    { return ActionStage{Kind: StageError, Err: err} }

// ActionState is the current stage plus the originating unique_qualifier,
// published on each transition (§3).
type ActionState struct {
	Fingerprint     ActionInfoHashKey
	Stage           ActionStage
	UniqueQualifier string
}

// validTransition enforces the monotonic ordering invariant from §3 and
// §5: once a terminal stage is reached, no further transitions occur.
// Queued may move to Queued, CacheCheckMissing, Executing or a terminal
// stage; Executing and CacheCheckMissing may move back to Queued or to a
// terminal stage. Every valid transition, Queued -> Queued included, is
// applied and broadcast by publish.
func validTransition(from, to StageKind) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StageQueued:
		return to == StageQueued || to == StageExecuting || to.Terminal() || to == StageCacheCheckMissing
	case StageExecuting:
		return to == StageQueued || to.Terminal()
	case StageCacheCheckMissing:
		return to == StageQueued || to.Terminal()
	default:
		return false
	}
}
