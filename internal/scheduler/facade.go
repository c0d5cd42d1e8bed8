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
	"time"

	"golang.org/x/time/rate"

	"github.com/buildforge/scheduler/internal/metrics"
	"github.com/buildforge/scheduler/internal/platform"
)

// ActionScheduler is the frontend-facing capability set of the Scheduler
// Facade (§4.9): submitting actions, looking up in-flight ones, cancelling
// one, and periodic maintenance of the Recently Completed Cache.
type ActionScheduler interface {
	GetPlatformPropertyManager(instanceName string) (*platform.Schema, error)
	AddAction(info *ActionInfo) (<-chan ActionState, error)
	FindExistingAction(fp ActionInfoHashKey) (<-chan ActionState, bool)
	CancelAction(fp ActionInfoHashKey) error
	CleanRecentlyCompletedActions()
}

// WorkerScheduler is the worker-session-facing capability set (§4.9).
type WorkerScheduler interface {
	GetPlatformPropertyManager() *platform.Manager
	AddWorker(w *Worker) error
	UpdateAction(workerID string, fp ActionInfoHashKey, stage ActionStage) error
	UpdateActionWithInternalError(workerID string, fp ActionInfoHashKey, cause error) error
	WorkerKeepAliveReceived(workerID string, at time.Time) error
	RemoveWorker(workerID string) error
	RemoveTimedoutWorkers(now time.Time)
}

// Facade wires the Worker Registry, Action Queue, Active Actions Map,
// Matching Engine, Recently Completed Cache, and Platform Property
// Manager into the two facing interfaces above.
type Facade struct {
	queue   *ActionQueue
	workers *WorkerRegistry
	actions *ActiveActionsMap
	engine  *MatchingEngine
	recent  *RecentlyCompletedCache
	ppm     *platform.Manager

	workerTimeout time.Duration
	limiter       *rate.Limiter
}

// Config bundles the tunables a deployment sets on the facade.
type Config struct {
	WorkerTimeout   time.Duration
	RecentBound     int
	RecentTTL       time.Duration
	SubmitRateLimit rate.Limit
	SubmitRateBurst int
}

var (
	_ ActionScheduler = ActionSchedulerView{}
	_ WorkerScheduler = WorkerSchedulerView{}
)

// NewFacade builds a Facade over ppm, with its own fresh Worker Registry,
// Action Queue, Active Actions Map, Matching Engine, and Recently
// Completed Cache.
func NewFacade(ppm *platform.Manager, cfg Config) *Facade {
	queue := NewActionQueue()
	workers := NewWorkerRegistry()
	actions := NewActiveActionsMap()

	bound := cfg.RecentBound
	if bound <= 0 {
		bound = 10000
	}

	var limiter *rate.Limiter
	if cfg.SubmitRateLimit > 0 {
		burst := cfg.SubmitRateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.SubmitRateLimit, burst)
	}

	return &Facade{
		queue:         queue,
		workers:       workers,
		actions:       actions,
		engine:        NewMatchingEngine(queue, workers, actions, ppm),
		recent:        NewRecentlyCompletedCache(bound, cfg.RecentTTL),
		ppm:           ppm,
		workerTimeout: cfg.WorkerTimeout,
		limiter:       limiter,
	}
}

// schemaFor returns the schema registered for instanceName, or
// KindNotFound. Both facing interfaces name a "GetPlatformPropertyManager"
// method with different signatures (one instance-scoped, one not), which
// can't both live on *Facade; ActionSchedulerView and WorkerSchedulerView
// below each expose their own.
func (f *Facade) schemaFor(instanceName string) (*platform.Schema, error) {
	s, err := f.ppm.Get(instanceName)
	if err != nil {
		return nil, Wrap(KindNotFound, "platform schema for instance "+instanceName, err)
	}
	return s, nil
}

// AddAction implements ActionScheduler.AddAction (§4.9, §4.7): checks the
// Recently Completed Cache first (unless skip_cache_lookup) so a
// fingerprint that finished recently is answered without touching the
// queue, then deduplicates through the Active Actions Map, enqueueing
// only on first creation, and nudges the Matching Engine. A terminal
// record only lives in the Active Actions Map until its Recently
// Completed Cache entry ages out — CleanRecentlyCompletedActions retires
// both together, so once a fingerprint's cache entry expires the next
// AddAction for it falls all the way through to a genuinely fresh
// execution instead of replaying the old terminal state forever.
func (f *Facade) AddAction(info *ActionInfo) (<-chan ActionState, error) {
	if f.limiter != nil && !f.limiter.Allow() {
		metrics.RecordRejection("rate_limited")
		return nil, New(KindResourceExhausted, "action submission rate exceeded")
	}

	if err := f.validatePlatform(info); err != nil {
		metrics.RecordRejection("invalid_argument")
		return nil, err
	}

	fp := info.Fingerprint()
	now := time.Now()

	if !info.SkipCacheLookup {
		if state, ok := f.recent.Get(fp, now); ok {
			return f.singleValueChannel(state), nil
		}
	}

	rec, created := f.actions.GetOrCreate(info)
	ch := rec.Subscribe()
	if created {
		if !info.SkipCacheLookup {
			// The Recently Completed Cache just came back a miss for this
			// fingerprint: record that the cache check happened before
			// falling through to a real Queued execution, per §3's
			// CacheCheckMissing stage.
			_ = f.actions.Publish(fp, CacheCheckMissingStage())
			_ = f.actions.Publish(fp, QueuedStage())
		}
		f.queue.Enqueue(info)
		f.engine.Trigger()
	}
	f.refreshGauges()
	return ch, nil
}

// refreshGauges snapshots the queue/registry sizes into the Prometheus
// gauges. Called after operations that change them; cheap relative to
// the mutation itself since each underlying Len() is O(1).
func (f *Facade) refreshGauges() {
	metrics.QueueDepth.Set(float64(f.queue.Len()))
	metrics.ActiveActions.Set(float64(f.actions.Len()))
	metrics.WorkersRegistered.Set(float64(f.workers.Len()))
	metrics.WorkersAvailable.Set(float64(len(f.workers.AvailableWorkers())))
}

// validatePlatform checks info's platform properties against the schema
// registered for its instance, per §4.1.
func (f *Facade) validatePlatform(info *ActionInfo) error {
	schema, err := f.ppm.Get(info.InstanceName)
	if err != nil {
		return Wrap(KindInvalidArgument, "unknown instance "+info.InstanceName, err)
	}
	if err := schema.Validate(info.PlatformProps); err != nil {
		return Wrap(KindInvalidArgument, "invalid platform properties", err)
	}
	return nil
}

// singleValueChannel returns a closed, single-value channel for a cache
// hit: CompletedFromCache answered without touching the queue.
func (f *Facade) singleValueChannel(state ActionState) <-chan ActionState {
	ch := make(chan ActionState, 1)
	cached := state
	cached.Stage = CompletedFromCacheStage(state.Stage.Result)
	ch <- cached
	close(ch)
	return ch
}

// FindExistingAction returns the subscriber channel for an already-active
// fingerprint, if one exists.
func (f *Facade) FindExistingAction(fp ActionInfoHashKey) (<-chan ActionState, bool) {
	rec, ok := f.actions.Get(fp)
	if !ok {
		return nil, false
	}
	return rec.Subscribe(), true
}

// CleanRecentlyCompletedActions drops expired entries from the cache and
// retires their corresponding Active Actions Map records, so a
// fingerprint that has aged out becomes eligible for genuinely fresh
// execution again instead of being answered forever by AddAction's
// Active-Actions-Map check.
func (f *Facade) CleanRecentlyCompletedActions() {
	evicted := f.recent.Clean(time.Now())
	for _, fp := range evicted {
		_ = f.actions.Remove(fp)
	}
	if len(evicted) > 0 {
		f.refreshGauges()
	}
}

// AddWorker registers w and nudges the Matching Engine, since a newly
// available worker may immediately satisfy a queued action.
func (f *Facade) AddWorker(w *Worker) error {
	if err := f.workers.AddWorker(w); err != nil {
		return err
	}
	f.engine.Trigger()
	f.refreshGauges()
	return nil
}

// UpdateAction validates that workerID actually owns fp, publishes the
// new stage, and on a terminal stage clears the worker and re-triggers
// matching, moving the result into the Recently Completed Cache.
func (f *Facade) UpdateAction(workerID string, fp ActionInfoHashKey, stage ActionStage) error {
	rec, ok := f.actions.Get(fp)
	if !ok {
		return New(KindNotFound, "unknown action fingerprint")
	}
	if rec.AssignedWorker() != workerID {
		return New(KindInvalidArgument, "worker "+workerID+" does not own this action")
	}

	if err := f.actions.Publish(fp, stage); err != nil {
		return err
	}

	if stage.Kind.Terminal() {
		_ = f.workers.ClearRunningAction(workerID)
		f.markWorkerIdle(workerID)
		f.recent.Insert(rec.State(), time.Now())
		f.engine.Trigger()
		metrics.RecordCompletion(stage.Kind.String())
	}
	f.refreshGauges()
	return nil
}

// markWorkerIdle returns workerID's session to Idle, if it has a live
// session attached. Called once the worker is no longer executing an
// action, whether because it finished, errored, or was cancelled out
// from under it.
func (f *Facade) markWorkerIdle(workerID string) {
	w, ok := f.workers.Get(workerID)
	if !ok || w.Session == nil {
		return
	}
	_ = w.Session.MarkIdle()
}

// UpdateActionWithInternalError marks fp's record Error, clears the
// worker's running_action, and reschedules the action if the underlying
// error kind is retryable (§7). A non-retryable error leaves the record
// terminal.
func (f *Facade) UpdateActionWithInternalError(workerID string, fp ActionInfoHashKey, cause error) error {
	rec, ok := f.actions.Get(fp)
	if !ok {
		return New(KindNotFound, "unknown action fingerprint")
	}

	kind := KindInternal
	if se, ok := AsError(cause); ok {
		kind = se.Kind
	}

	_ = f.workers.ClearRunningAction(workerID)
	f.markWorkerIdle(workerID)

	if kind.Retryable() {
		info := rec.Info
		if err := f.actions.Publish(fp, QueuedStage()); err != nil {
			return err
		}
		f.queue.Enqueue(info)
		f.engine.Trigger()
		return nil
	}

	if err := f.actions.Publish(fp, ErrorStage(Wrap(kind, "worker reported internal error", cause))); err != nil {
		return err
	}
	f.recent.Insert(rec.State(), time.Now())
	metrics.RecordCompletion(StageError.String())
	f.refreshGauges()
	return nil
}

// CancelAction implements ActionScheduler.CancelAction (spec.md §5): it
// removes fp's record from the Active Actions Map, sends KillAction to
// the worker executing it (if any), and publishes a final
// Error(Cancelled) state to every subscriber. Returns KindNotFound if fp
// has no active record, and KindInternal if the record has already
// reached a different terminal stage (cancellation only applies to a
// queued or executing action).
func (f *Facade) CancelAction(fp ActionInfoHashKey) error {
	rec, ok := f.actions.Get(fp)
	if !ok {
		return New(KindNotFound, "unknown action fingerprint")
	}

	workerID := rec.AssignedWorker()
	if err := f.actions.Publish(fp, ErrorStage(New(KindCancelled, "action cancelled"))); err != nil {
		return err
	}

	if workerID != "" {
		if w, ok := f.workers.Get(workerID); ok {
			if w.Tx != nil {
				_ = w.Tx.SendKillAction(fp)
			}
			_ = f.workers.ClearRunningAction(workerID)
			f.markWorkerIdle(workerID)
		}
	} else {
		f.queue.Remove(fp)
	}

	_ = f.actions.Remove(fp)
	f.recent.Insert(rec.State(), time.Now())
	metrics.RecordCompletion(StageError.String())
	f.engine.Trigger()
	f.refreshGauges()
	return nil
}

// WorkerKeepAliveReceived refreshes a worker's last-keepalive timestamp.
func (f *Facade) WorkerKeepAliveReceived(workerID string, at time.Time) error {
	return f.workers.KeepAliveReceived(workerID, at)
}

// RemoveWorker removes workerID, re-queueing its running_action (if any
// and not yet terminal) and re-triggering matching.
func (f *Facade) RemoveWorker(workerID string) error {
	requeue, err := f.workers.RemoveWorker(workerID)
	if err != nil {
		return err
	}
	f.requeueIfNotTerminal(requeue)
	f.engine.Trigger()
	f.refreshGauges()
	return nil
}

// RemoveTimedoutWorkers removes every worker whose keepalive has expired,
// re-queueing their running actions, and re-triggers matching on every
// call, so a periodic caller also gets a safety-net matching pass.
func (f *Facade) RemoveTimedoutWorkers(now time.Time) {
	removed, requeues := f.workers.RemoveTimedoutWorkers(now, f.workerTimeout)
	for i := 0; i < removed; i++ {
		metrics.WorkerTimeoutsTotal.Inc()
	}
	for _, fp := range requeues {
		fp := fp
		f.requeueIfNotTerminal(&fp)
	}
	f.engine.Trigger()
	f.refreshGauges()
}

// requeueIfNotTerminal re-queues fp's action unless its record has
// already reached a terminal stage.
func (f *Facade) requeueIfNotTerminal(fp *ActionInfoHashKey) {
	if fp == nil {
		return
	}
	rec, ok := f.actions.Get(*fp)
	if !ok {
		return
	}
	if rec.State().Stage.Kind.Terminal() {
		return
	}
	if err := f.actions.Publish(*fp, QueuedStage()); err != nil {
		return
	}
	f.queue.Enqueue(rec.Info)
}

// ActionSchedulerView adapts a *Facade to the frontend-facing
// ActionScheduler interface.
type ActionSchedulerView struct{ *Facade }

// GetPlatformPropertyManager returns the schema registered for
// instanceName, or KindNotFound.
func (v ActionSchedulerView) GetPlatformPropertyManager(instanceName string) (*platform.Schema, error) {
	return v.Facade.schemaFor(instanceName)
}

// WorkerSchedulerView adapts a *Facade to the worker-session-facing
// WorkerScheduler interface.
type WorkerSchedulerView struct{ *Facade }

// GetPlatformPropertyManager returns the whole Platform Property Manager,
// as opposed to ActionSchedulerView's single-instance schema lookup.
func (v WorkerSchedulerView) GetPlatformPropertyManager() *platform.Manager {
	return v.Facade.ppm
}
