// Copyright 2025 Stratus
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

package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_gateway_requests_total",
			Help: "Requests handled, by route and response code",
		},
		[]string{"route", "method", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratus_gateway_request_duration_seconds",
			Help:    "End-to-end request latency",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route", "method"},
	)

	dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_gateway_dispatches_total",
			Help: "Routed dispatches by target kind and execution mode",
		},
		[]string{"kind", "mode"},
	)

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_gateway_rate_limited_total",
			Help: "Requests rejected by the per-tenant rate limiter",
		},
		[]string{"tenant"},
	)

	engineDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratus_gateway_engine_degraded_total",
			Help: "Status reads served degraded because the engine was unreachable",
		},
	)

	aggregateSectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_gateway_aggregate_section_failures_total",
			Help: "Aggregate sections that resolved to null",
		},
		[]string{"section"},
	)
)

var registerMetricsOnce sync.Once

// registerMetrics is idempotent so tests can build multiple servers
func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			requestsTotal,
			requestDuration,
			dispatchesTotal,
			rateLimitedTotal,
			engineDegradedTotal,
			aggregateSectionFailures,
		)
	})
}
