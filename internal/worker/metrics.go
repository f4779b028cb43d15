package worker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/PortNumber53/coach-planner/internal/models"
)

type jobMetrics struct {
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var (
	jobMetricsOnce sync.Once
	jobMetricsInst *jobMetrics
)

func getJobMetrics() *jobMetrics {
	jobMetricsOnce.Do(func() {
		m := &jobMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coach",
				Subsystem: "jobs",
				Name:      "processed_total",
				Help:      "Jobs processed by type and outcome",
			}, []string{"job_type", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "coach",
				Subsystem: "jobs",
				Name:      "duration_seconds",
				Help:      "Job handler run time",
				Buckets:   prometheus.DefBuckets,
			}, []string{"job_type"}),
		}
		prometheus.MustRegister(m.outcomes, m.duration)
		jobMetricsInst = m
	})
	return jobMetricsInst
}

// PrometheusInstrumentation reports job outcomes and durations to the
// default registry.
func PrometheusInstrumentation() Instrumentation {
	m := getJobMetrics()
	return Instrumentation{
		OnComplete: func(job *models.Job, d time.Duration) {
			m.outcomes.WithLabelValues(job.JobType, "completed").Inc()
			m.duration.WithLabelValues(job.JobType).Observe(d.Seconds())
		},
		OnFail: func(job *models.Job, _ error, d time.Duration) {
			m.outcomes.WithLabelValues(job.JobType, "failed").Inc()
			m.duration.WithLabelValues(job.JobType).Observe(d.Seconds())
		},
		OnRetry: func(job *models.Job, _ time.Duration) {
			m.outcomes.WithLabelValues(job.JobType, "retried").Inc()
		},
	}
}
