// Package metrics defines the Prometheus collectors the engine exposes:
// gate accept/reject counts, LLM retry counts, and per-phase sleep-cycle
// counters and durations, following the same registry-owning Collector
// shape brain2-backend/internal/infrastructure/observability uses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric the engine registers.
type Collector struct {
	registry *prometheus.Registry

	GateAccepted *prometheus.CounterVec
	GateRejected *prometheus.CounterVec

	LLMRequests *prometheus.CounterVec
	LLMRetries  *prometheus.CounterVec
	LLMDuration *prometheus.HistogramVec

	ExtractionOutcomes *prometheus.CounterVec

	SleepCyclePhaseDuration *prometheus.HistogramVec
	SleepCyclePhaseCount    *prometheus.CounterVec
	SleepCyclesRun          prometheus.Counter
	SleepCyclesAborted      prometheus.Counter
}

// New creates a Collector and registers every metric against a fresh
// registry. namespace prefixes every metric name (e.g. "memory_engine").
func New(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		GateAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gate_accepted_total", Help: "Memories accepted by the attention gate.",
		}, []string{"role"}),
		GateRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gate_rejected_total", Help: "Memories rejected by the attention gate.",
		}, []string{"role"}),

		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "llm_requests_total", Help: "LLM calls issued, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		LLMRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "llm_retries_total", Help: "LLM call retries, by operation.",
		}, []string{"operation"}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "llm_request_duration_seconds", Help: "LLM call duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		ExtractionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "extraction_outcomes_total", Help: "Background extraction outcomes.",
		}, []string{"outcome"}),

		SleepCyclePhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sleep_cycle_phase_duration_seconds", Help: "Sleep-cycle phase duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase"}),
		SleepCyclePhaseCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sleep_cycle_phase_items_total", Help: "Items processed per sleep-cycle phase.",
		}, []string{"phase", "kind"}),
		SleepCyclesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sleep_cycles_total", Help: "Sleep cycles executed to completion or abort.",
		}),
		SleepCyclesAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sleep_cycles_aborted_total", Help: "Sleep cycles that ended via abort signal.",
		}),
	}

	registry.MustRegister(
		c.GateAccepted, c.GateRejected,
		c.LLMRequests, c.LLMRetries, c.LLMDuration,
		c.ExtractionOutcomes,
		c.SleepCyclePhaseDuration, c.SleepCyclePhaseCount, c.SleepCyclesRun, c.SleepCyclesAborted,
	)

	return c
}

// Registry returns the Prometheus registry backing this Collector, for
// wiring into an HTTP /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
