package billing

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeApplied = "applied"
	outcomeIgnored = "ignored"
	outcomeError   = "error"
)

var (
	eventsOnce  sync.Once
	eventsTotal *prometheus.CounterVec
)

func recordEvent(event, outcome string) {
	eventsOnce.Do(func() {
		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coach",
				Subsystem: "billing",
				Name:      "events_total",
				Help:      "Billing provider events handled by the reconciler, by event and outcome",
			},
			[]string{"event", "outcome"},
		)
		prometheus.MustRegister(eventsTotal)
	})
	eventsTotal.WithLabelValues(event, outcome).Inc()
}
