// Package metrics counts scheduler activity on a private Prometheus registry
// and renders it in the text exposition format.
package metrics

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "conveyor"

// Metrics is safe to use through a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	buildCauses       *prometheus.CounterVec
	gateRejections    *prometheus.CounterVec
	lockEvents        *prometheus.CounterVec
	jobsAssigned      *prometheus.CounterVec
	dispatchFailures  *prometheus.CounterVec
	unresponsiveJobs  *prometheus.CounterVec
	jobTransitions    *prometheus.CounterVec
	poolSize          prometheus.Gauge
	resolveDurationMs prometheus.Histogram
	requests          *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		buildCauses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_causes_produced_total",
			Help:      "Build causes queued for scheduling.",
		}, []string{"pipeline", "trigger"}),
		gateRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejections_total",
			Help:      "Scheduling attempts refused by a gate checker.",
		}, []string{"call_site", "code"}),
		lockEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_lock_events_total",
			Help:      "Committed pipeline lock and unlock events.",
		}, []string{"event"}),
		jobsAssigned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_assigned_total",
			Help:      "Jobs handed to agents.",
		}, []string{"elastic"}),
		dispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Jobs failed while being matched to an agent.",
		}, []string{"reason"}),
		unresponsiveJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unresponsive_jobs_total",
			Help:      "Hung job warnings raised and cancellations performed.",
		}, []string{"action"}),
		jobTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Committed job state transitions.",
		}, []string{"state"}),
		poolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_pool_size",
			Help:      "Job plans waiting for an agent.",
		}),
		resolveDurationMs: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_cause_resolution_ms",
			Help:      "Time spent resolving a build cause.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		requests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "control_request_seconds",
			Help:      "Control socket requests by command and error code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command", "code"}),
	}
}

func (m *Metrics) BuildCauseProduced(pipeline, trigger string) {
	if m == nil {
		return
	}
	m.buildCauses.WithLabelValues(pipeline, trigger).Inc()
}

func (m *Metrics) GateRejected(callSite string, code int) {
	if m == nil {
		return
	}
	m.gateRejections.WithLabelValues(callSite, strconv.Itoa(code)).Inc()
}

func (m *Metrics) LockEvent(locked bool) {
	if m == nil {
		return
	}
	event := "unlock"
	if locked {
		event = "lock"
	}
	m.lockEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) JobAssigned(elastic bool) {
	if m == nil {
		return
	}
	m.jobsAssigned.WithLabelValues(strconv.FormatBool(elastic)).Inc()
}

func (m *Metrics) DispatchFailed(reason string) {
	if m == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) UnresponsiveJob(action string) {
	if m == nil {
		return
	}
	m.unresponsiveJobs.WithLabelValues(action).Inc()
}

func (m *Metrics) JobTransition(state string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(n))
}

func (m *Metrics) ObserveResolution(ms float64) {
	if m == nil {
		return
	}
	m.resolveDurationMs.Observe(ms)
}

// RequestServed records one control socket request. An empty code means
// success.
func (m *Metrics) RequestServed(command, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	m.requests.WithLabelValues(command, code).Observe(elapsed.Seconds())
}

// Gather returns the current metric families.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	if m == nil {
		return nil, nil
	}
	return m.registry.Gather()
}

// Render writes all metrics in the Prometheus text format.
func (m *Metrics) Render() (string, error) {
	families, err := m.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}
