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

// Package metrics exposes the scheduler's Prometheus collectors: queue
// depth, worker counts, dispatch outcomes, and dispatch latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_queue_depth",
		Help: "Number of actions currently sitting in the Action Queue.",
	})

	ActiveActions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_active_actions",
		Help: "Number of records currently tracked by the Active Actions Map.",
	})

	WorkersRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_workers_registered",
		Help: "Number of workers currently registered.",
	})

	WorkersAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_workers_available",
		Help: "Number of registered workers that are non-paused and idle.",
	})

	ActionsDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_actions_dispatched_total",
		Help: "Total actions the Matching Engine paired with a worker.",
	})

	ActionsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_actions_completed_total",
			Help: "Total actions reaching a terminal stage, by stage.",
		},
		[]string{"stage"},
	)

	WorkerTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_worker_timeouts_total",
		Help: "Total workers removed for exceeding the keepalive timeout.",
	})

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_dispatch_latency_seconds",
		Help:    "Time between an action's insert_timestamp and its dispatch to a worker.",
		Buckets: prometheus.DefBuckets,
	})

	ActionSubmissionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_action_submissions_rejected_total",
			Help: "Total AddAction calls rejected, by reason.",
		},
		[]string{"reason"},
	)
)

// ObserveDispatchLatency records the delay between queuedAt and now as a
// dispatch-latency sample.
func ObserveDispatchLatency(queuedAt, now time.Time) {
	DispatchLatency.Observe(now.Sub(queuedAt).Seconds())
}

// RecordRejection increments the submission-rejected counter for reason
// (e.g. "rate_limited", "invalid_argument").
func RecordRejection(reason string) {
	ActionSubmissionsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordCompletion increments the completed-actions counter for stage
// (e.g. "Completed", "CompletedFromCache", "Error").
func RecordCompletion(stage string) {
	ActionsCompletedTotal.WithLabelValues(stage).Inc()
}
