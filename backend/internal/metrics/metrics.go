// Package metrics exposes pipeline and model-call counters on a private prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trace-landscape/backend/internal/adapter"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline metrics
	StageDuration *prometheus.HistogramVec
	Runs          *prometheus.CounterVec
	LensSteps     *prometheus.CounterVec

	// Model metrics
	ModelCalls  *prometheus.CounterVec
	ModelTokens *prometheus.CounterVec
	ModelCost   prometheus.Counter

	// Graph metrics
	LandmarksCreated *prometheus.CounterVec
	ElementsCreated  prometheus.Counter
}

// New creates the metric set under namespace on its own registry
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_stage_duration_seconds",
				Help:      "Duration of analysis pipeline stages in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage", "outcome"},
		),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Total number of analysis pipeline runs",
			},
			[]string{"outcome"},
		),
		LensSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lens_steps_total",
				Help:      "Total number of lens steps by result",
			},
			[]string{"result"},
		),
		ModelCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_calls_total",
				Help:      "Total number of text-generation calls",
			},
			[]string{"prompt", "outcome"},
		),
		ModelTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_tokens_total",
				Help:      "Tokens consumed by text-generation calls",
			},
			[]string{"direction"},
		),
		ModelCost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_cost_total",
				Help:      "Accumulated text-generation cost",
			},
		),
		LandmarksCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "landmarks_created_total",
				Help:      "Landmarks created by kind and origin",
			},
			[]string{"kind", "origin"},
		),
		ElementsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "elements_created_total",
				Help:      "Total number of elements created",
			},
		),
	}

	m.registry.MustRegister(
		m.StageDuration,
		m.Runs,
		m.LensSteps,
		m.ModelCalls,
		m.ModelTokens,
		m.ModelCost,
		m.LandmarksCreated,
		m.ElementsCreated,
	)
	return m
}

// Registry returns the registry holding every metric
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records one pipeline stage
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, outcome(err)).Observe(d.Seconds())
}

// RunFinished counts one pipeline run
func (m *Metrics) RunFinished(err error) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome(err)).Inc()
}

// LensStep counts one lens step by result (stepped, caught_up, replayed, failed)
func (m *Metrics) LensStep(result string) {
	if m == nil {
		return
	}
	m.LensSteps.WithLabelValues(result).Inc()
}

// LandmarkCreated counts one landmark; origin is new, child or refined
func (m *Metrics) LandmarkCreated(kind, origin string) {
	if m == nil {
		return
	}
	m.LandmarksCreated.WithLabelValues(kind, origin).Inc()
}

// ElementsAdded counts created elements
func (m *Metrics) ElementsAdded(n int) {
	if m == nil {
		return
	}
	m.ElementsCreated.Add(float64(n))
}

// RecordCall implements adapter.Recorder
func (m *Metrics) RecordCall(_ context.Context, rec adapter.CallRecord) error {
	if m == nil {
		return nil
	}
	result := "success"
	if rec.Error != "" {
		result = "error"
	}
	m.ModelCalls.WithLabelValues(rec.Prompt, result).Inc()
	m.ModelTokens.WithLabelValues("prompt").Add(float64(rec.PromptTokens))
	m.ModelTokens.WithLabelValues("completion").Add(float64(rec.CompletionTokens))
	m.ModelCost.Add(rec.Cost)
	return nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
