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

// Package metrics exposes the scheduler's Prometheus counters and
// gauges, adapted from the teacher's internal/controller/metrics:
// package-level promauto collectors plus one recording function per
// metric, so the scheduler loop never touches a prometheus.* type
// directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyclone_pool_size",
			Help: "Live proxies in the task pool by state.",
		},
		[]string{"workflow", "state"},
	)

	readyQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyclone_ready_queue_depth",
			Help: "Proxies admitted to a named queue but not yet submitted.",
		},
		[]string{"workflow", "queue"},
	)

	submitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyclone_submits_total",
			Help: "Total job submissions by outcome.",
		},
		[]string{"workflow", "outcome"}, // outcome: submitted, submit_failed
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyclone_retries_total",
			Help: "Total submission/execution retries by kind.",
		},
		[]string{"workflow", "kind"}, // kind: submit, execution
	)

	stallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyclone_stalls_total",
			Help: "Total stall conditions detected by the scheduler loop.",
		},
		[]string{"workflow"},
	)

	tickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyclone_tick_duration_seconds",
			Help:    "Wall-clock duration of one scheduler tick.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)
)

// SetPoolSize records the current count of proxies in state for workflow.
func SetPoolSize(workflow, state string, count int) {
	poolSize.WithLabelValues(workflow, state).Set(float64(count))
}

// SetReadyQueueDepth records queue's current admitted-but-unsubmitted depth.
func SetReadyQueueDepth(workflow, queue string, depth int) {
	readyQueueDepth.WithLabelValues(workflow, queue).Set(float64(depth))
}

// RecordSubmit increments the submit counter for outcome ("submitted"
// or "submit_failed").
func RecordSubmit(workflow, outcome string) {
	submitsTotal.WithLabelValues(workflow, outcome).Inc()
}

// RecordRetry increments the retry counter for kind ("submit" or
// "execution").
func RecordRetry(workflow, kind string) {
	retriesTotal.WithLabelValues(workflow, kind).Inc()
}

// RecordStall increments the stall counter.
func RecordStall(workflow string) {
	stallsTotal.WithLabelValues(workflow).Inc()
}

// ObserveTickDuration records one tick's wall-clock duration in seconds.
func ObserveTickDuration(workflow string, seconds float64) {
	tickDuration.WithLabelValues(workflow).Observe(seconds)
}
