package agent

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess     = "success"
	outcomeInternal    = "internal_error"
	outcomeUnavailable = "unavailable"
)

type agentMetrics struct {
	attempts prometheus.Counter
	retries  prometheus.Counter
	searches prometheus.Counter
	outcomes *prometheus.CounterVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *agentMetrics
)

func getMetrics() *agentMetrics {
	metricsOnce.Do(func() {
		m := &agentMetrics{
			attempts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coach",
				Subsystem: "agent",
				Name:      "attempts_total",
				Help:      "Language model round trips started, including retries",
			}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coach",
				Subsystem: "agent",
				Name:      "retries_total",
				Help:      "Retries after a transient upstream failure",
			}),
			searches: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coach",
				Subsystem: "agent",
				Name:      "web_searches_total",
				Help:      "Web searches requested by the model",
			}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coach",
				Subsystem: "agent",
				Name:      "replies_total",
				Help:      "Reply requests by final outcome",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(m.attempts, m.retries, m.searches, m.outcomes)
		metricsInstance = m
	})
	return metricsInstance
}
