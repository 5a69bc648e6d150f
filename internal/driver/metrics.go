package driver

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks driver reconnect behavior. Grounded on
// internal/realtime/metrics.go's RealtimeMetrics (ReconnectTotal,
// EventsTotal, error counters by type), registered against a
// caller-supplied registry for the same library-safety reason as
// internal/evaluator/metrics.go.
type Metrics struct {
	ReconnectTotal  prometheus.Counter
	FramesTotal     *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	BackoffSeconds  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconnectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "configstream",
			Subsystem: "driver",
			Name:      "reconnect_total",
			Help:      "Total number of replication stream reconnect attempts.",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "configstream",
			Subsystem: "driver",
			Name:      "frames_total",
			Help:      "Total number of stream frames received, by kind (data, comment).",
		}, []string{"kind"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "configstream",
			Subsystem: "driver",
			Name:      "errors_total",
			Help:      "Total number of recoverable stream errors, by error code.",
		}, []string{"code"}),
		BackoffSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "configstream",
			Subsystem: "driver",
			Name:      "backoff_seconds",
			Help:      "Computed reconnect backoff delay in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	if reg != nil {
		registerIgnoringDuplicates(reg,
			m.ReconnectTotal, m.FramesTotal, m.ErrorsTotal, m.BackoffSeconds)
	}
	return m
}

func registerIgnoringDuplicates(reg prometheus.Registerer, collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				continue
			}
		}
	}
}
