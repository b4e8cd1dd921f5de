package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campaignflow/internal/domain"
	"campaignflow/internal/pipeline"
)

// Metrics holds the Prometheus collectors of one coordinator instance.
//
// Metrics:
//   - campaignflow_workflows_total{status}
//   - campaignflow_workflows_running
//   - campaignflow_stage_attempts_total{stage,outcome}
//   - campaignflow_stage_attempt_duration_seconds{stage}
//   - campaignflow_quality_score{stage}
//   - campaignflow_quality_gate_total{stage,decision}
type Metrics struct {
	pipeline.NopObserver

	registry        *prometheus.Registry
	Workflows       *prometheus.CounterVec
	Running         prometheus.Gauge
	Attempts        *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	QualityScore    *prometheus.HistogramVec
	GateDecisions   *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Workflows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campaignflow_workflows_total",
			Help: "Finished workflows by final status",
		}, []string{"status"}),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Name: "campaignflow_workflows_running",
			Help: "Workflows currently executing",
		}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campaignflow_stage_attempts_total",
			Help: "Stage attempts by outcome (success or error kind)",
		}, []string{"stage", "outcome"}),
		AttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "campaignflow_stage_attempt_duration_seconds",
			Help:    "Wall time of a single stage attempt",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		QualityScore: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "campaignflow_quality_score",
			Help:    "Quality scores reported by gated stages",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}, []string{"stage"}),
		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campaignflow_quality_gate_total",
			Help: "Quality gate decisions",
		}, []string{"stage", "decision"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) WorkflowStarted(context.Context, *pipeline.WorkflowContext) {
	m.Running.Inc()
}

func (m *Metrics) AttemptFinished(_ context.Context, _ *pipeline.WorkflowContext, rec domain.StageExecutionRecord) {
	outcome := "success"
	if !rec.Success {
		outcome = rec.ErrorKind
	}
	m.Attempts.WithLabelValues(rec.Stage, outcome).Inc()
	m.AttemptDuration.WithLabelValues(rec.Stage).Observe(rec.Duration().Seconds())
	if rec.QualityScore != nil {
		m.QualityScore.WithLabelValues(rec.Stage).Observe(*rec.QualityScore)
	}
}

func (m *Metrics) GateEvaluated(_ context.Context, _ *pipeline.WorkflowContext, rec domain.StageExecutionRecord, d pipeline.Decision) {
	decision := "retry"
	switch {
	case d.Passed:
		decision = "passed"
	case d.Escalate:
		decision = "escalated"
	}
	m.GateDecisions.WithLabelValues(rec.Stage, decision).Inc()
}

func (m *Metrics) WorkflowFinished(_ context.Context, r pipeline.Report) {
	m.Running.Dec()
	m.Workflows.WithLabelValues(r.Status).Inc()
}
