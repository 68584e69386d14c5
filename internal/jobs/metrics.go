package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and the
// projection runs they drive.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	examined *prometheus.CounterVec
	applied  *prometheus.CounterVec
	invalid  *prometheus.CounterVec
	lockBusy prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ObserveProjection records how many events a projection run examined and
// how many intents it applied.
func (m *Metrics) ObserveProjection(projection string, examined, applied int) {
	if m == nil {
		return
	}
	if examined > 0 {
		m.examined.WithLabelValues(projection).Add(float64(examined))
	}
	if applied > 0 {
		m.applied.WithLabelValues(projection).Add(float64(applied))
	}
}

// AddInvalidEvent counts a run aborted by an invalid event.
func (m *Metrics) AddInvalidEvent(projection string) {
	if m == nil {
		return
	}
	m.invalid.WithLabelValues(projection).Inc()
}

// AddLockBusy counts runs skipped because the organization was locked.
func (m *Metrics) AddLockBusy() {
	if m == nil {
		return
	}
	m.lockBusy.Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verity_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verity_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "verity_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	examined := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verity_projection_events_examined_total",
		Help: "Events examined by projection runs.",
	}, []string{"projection"})
	applied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verity_projection_intents_applied_total",
		Help: "Mapped intents applied by projection runs.",
	}, []string{"projection"})
	invalid := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verity_projection_invalid_events_total",
		Help: "Projection runs aborted by an invalid event.",
	}, []string{"projection"})
	lockBusy := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "verity_projection_lock_busy_total",
		Help: "Projection runs skipped because another run held the organization lock.",
	})
	registerer.MustRegister(runs, failures, duration, examined, applied, invalid, lockBusy)
	return &Metrics{
		runs:     runs,
		failures: failures,
		duration: duration,
		examined: examined,
		applied:  applied,
		invalid:  invalid,
		lockBusy: lockBusy,
	}
}
