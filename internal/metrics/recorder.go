// Package metrics exposes guardrail's Prometheus collectors and the HTTP
// endpoint that serves them.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spboyer/guardrail/internal/models"
)

const namespace = "guardrail"

// Recorder owns the collectors updated by the watcher and processor. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	tasks        *prometheus.CounterVec
	inFlight     prometheus.Gauge
	attempts     *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	resubscribes prometheus.Counter
	verdicts     *prometheus.CounterVec
}

// NewRecorder registers the guardrail collectors on a fresh registry, along
// with the Go runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks that reached a terminal outcome, by outcome.",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks currently being processed.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_attempts_total",
			Help:      "Pipeline step attempts, by step.",
		}, []string{"step"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline step attempts, by step.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"step"}),
		resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubscriptions_total",
			Help:      "Times the event subscription was re-established after an error.",
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Classifier verdicts, by safety.",
		}, []string{"safe"}),
	}

	reg.MustRegister(
		r.tasks,
		r.inFlight,
		r.attempts,
		r.stepDuration,
		r.resubscribes,
		r.verdicts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry is the registry the collectors were registered on.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) TaskStarted() {
	if r == nil {
		return
	}
	r.inFlight.Inc()
}

// TaskFinished records the outcome of a task that went through TaskStarted.
func (r *Recorder) TaskFinished(kind models.OutcomeKind) {
	if r == nil {
		return
	}
	r.inFlight.Dec()
	r.tasks.WithLabelValues(string(kind)).Inc()
}

// TaskSkipped records a task that was never started because it already had
// a processing record.
func (r *Recorder) TaskSkipped() {
	if r == nil {
		return
	}
	r.tasks.WithLabelValues(string(models.OutcomeSkipped)).Inc()
}

func (r *Recorder) StepAttempt(step string, d time.Duration) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(step).Inc()
	r.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (r *Recorder) Verdict(isSafe bool) {
	if r == nil {
		return
	}
	r.verdicts.WithLabelValues(strconv.FormatBool(isSafe)).Inc()
}

func (r *Recorder) Resubscribed() {
	if r == nil {
		return
	}
	r.resubscribes.Inc()
}
