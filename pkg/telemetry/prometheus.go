// Copyright 2025 Kadir Pekel
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

package telemetry

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusConfig configures the Prometheus-backed Emitter.
type PrometheusConfig struct {
	Namespace string `yaml:"namespace"`
}

// SetDefaults fills zero-valued fields.
func (c *PrometheusConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "conductor"
	}
}

// PrometheusEmitter fans Events out into per-Kind Prometheus counters and
// a single dispatch-duration histogram, mirroring the teacher's
// pkg/observability.Metrics registration/recording split.
type PrometheusEmitter struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	retryTotal       *prometheus.CounterVec
	circuitTripTotal *prometheus.CounterVec
	healTotal        *prometheus.CounterVec
	gateDeniedTotal  *prometheus.CounterVec
	checkpointTotal  *prometheus.CounterVec
	mutationTotal    *prometheus.CounterVec
}

// NewPrometheusEmitter builds an Emitter with its own private registry.
func NewPrometheusEmitter(cfg PrometheusConfig) *PrometheusEmitter {
	cfg.SetDefaults()
	e := &PrometheusEmitter{registry: prometheus.NewRegistry()}

	e.dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "dispatch",
		Name:      "total",
		Help:      "Total number of task dispatch attempts",
	}, []string{"task_kind", "outcome"})

	e.dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: "dispatch",
		Name:      "duration_seconds",
		Help:      "Task dispatch duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"task_kind"})

	e.retryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "retry",
		Name:      "total",
		Help:      "Total number of retry attempts",
	}, []string{"task_kind", "attempt"})

	e.circuitTripTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "circuit_breaker",
		Name:      "trips_total",
		Help:      "Total number of circuit breaker trips",
	}, []string{"task_kind"})

	e.healTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "healing",
		Name:      "actions_total",
		Help:      "Total number of healing actions taken",
	}, []string{"reason", "outcome"})

	e.gateDeniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "gate",
		Name:      "denied_total",
		Help:      "Total number of pre-dispatch gate denials",
	}, []string{"reason"})

	e.checkpointTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "checkpoint",
		Name:      "total",
		Help:      "Total number of checkpoint operations",
	}, []string{"outcome"})

	e.mutationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "mutation",
		Name:      "total",
		Help:      "Total number of spawn-request mutation decisions",
	}, []string{"outcome", "reason"})

	e.registry.MustRegister(
		e.dispatchTotal, e.dispatchDuration, e.retryTotal, e.circuitTripTotal,
		e.healTotal, e.gateDeniedTotal, e.checkpointTotal, e.mutationTotal,
	)
	return e
}

// Emit routes event to the counter/histogram matching its Kind. Unknown
// Kinds are silently dropped; emitting components are expected to use
// only the Kind constants this package defines.
func (e *PrometheusEmitter) Emit(_ context.Context, event Event) {
	switch event.Kind {
	case KindDispatch:
		e.dispatchTotal.WithLabelValues(event.TaskKind, event.Outcome).Inc()
		if event.DurationMs > 0 {
			e.dispatchDuration.WithLabelValues(event.TaskKind).Observe(event.DurationMs / 1000)
		}
	case KindRetry:
		e.retryTotal.WithLabelValues(event.TaskKind, strconv.Itoa(event.Attempt)).Inc()
	case KindCircuitTrip:
		e.circuitTripTotal.WithLabelValues(event.TaskKind).Inc()
	case KindHeal:
		e.healTotal.WithLabelValues(event.Reason, event.Outcome).Inc()
	case KindGateDenied:
		e.gateDeniedTotal.WithLabelValues(event.Reason).Inc()
	case KindCheckpoint:
		e.checkpointTotal.WithLabelValues(event.Outcome).Inc()
	case KindMutation:
		e.mutationTotal.WithLabelValues(event.Outcome, event.Reason).Inc()
	}
}

// Handler returns an HTTP handler serving this emitter's registry in the
// Prometheus exposition format.
func (e *PrometheusEmitter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (e *PrometheusEmitter) Registry() *prometheus.Registry {
	return e.registry
}
