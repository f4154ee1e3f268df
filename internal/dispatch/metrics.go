// Copyright 2025 The Acteon Authors
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

package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the dispatcher's Prometheus collectors.
type Metrics struct {
	Dispatched         *prometheus.CounterVec
	DispatchDuration   prometheus.Histogram
	ProviderCalls      *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	CircuitFallbacks   prometheus.Counter
	TimerTicks         prometheus.Counter
	TimerWork          *prometheus.CounterVec
	DLQDepth           prometheus.Gauge
}

// NewMetrics builds and registers the collectors. Pass
// prometheus.DefaultRegisterer in production; tests use a private
// registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acteon",
			Name:      "dispatched_total",
			Help:      "Dispatched actions by outcome.",
		}, []string{"outcome"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "acteon",
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acteon",
			Name:      "provider_calls_total",
			Help:      "Provider executions by provider and result.",
		}, []string{"provider", "result"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acteon",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"provider", "to"}),
		CircuitFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acteon",
			Name:      "circuit_fallbacks_total",
			Help:      "Dispatches rerouted to a fallback provider by an open breaker.",
		}),
		TimerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acteon",
			Name:      "timer_ticks_total",
			Help:      "Timer loop iterations.",
		}),
		TimerWork: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acteon",
			Name:      "timer_work_total",
			Help:      "Timer loop work items by kind.",
		}, []string{"kind"}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "acteon",
			Name:      "dlq_depth",
			Help:      "Dead-letter queue depth.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Dispatched,
			m.DispatchDuration,
			m.ProviderCalls,
			m.BreakerTransitions,
			m.CircuitFallbacks,
			m.TimerTicks,
			m.TimerWork,
			m.DLQDepth,
		)
	}
	return m
}

func (m *Metrics) observeDispatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Dispatched.WithLabelValues(outcome).Inc()
	m.DispatchDuration.Observe(d.Seconds())
}
