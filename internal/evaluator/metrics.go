package evaluator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks evaluator outcomes. Grounded on the teacher's
// MatcherMetrics (internal/business/routing/matcher_metrics.go), but
// registered against a caller-supplied registry rather than
// promauto's implicit global default: an SDK embedded in a host
// application must never panic from colliding with the host's own
// metric names, and a client may be constructed more than once per
// process.
type Metrics struct {
	OverrideSelected      prometheus.Counter
	BaseReturned          prometheus.Counter
	SegmentationEvaluated prometheus.Counter
	Panics                prometheus.Counter
}

// NewMetrics creates evaluator metrics and registers them against reg.
// A nil reg is valid: the metrics are created but never exposed,
// useful for tests that only want the counters' Go values.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OverrideSelected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "configstream",
			Subsystem: "evaluator",
			Name:      "override_selected_total",
			Help:      "Total number of get() calls resolved by a matching override.",
		}),
		BaseReturned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "configstream",
			Subsystem: "evaluator",
			Name:      "base_value_returned_total",
			Help:      "Total number of get() calls resolved by the record's base value.",
		}),
		SegmentationEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "configstream",
			Subsystem: "evaluator",
			Name:      "segmentation_evaluated_total",
			Help:      "Total number of segmentation conditions evaluated (bucket computed).",
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "configstream",
			Subsystem: "evaluator",
			Name:      "panics_total",
			Help:      "Total number of recovered panics during override evaluation.",
		}),
	}
	if reg != nil {
		registerIgnoringDuplicates(reg, m.OverrideSelected, m.BaseReturned, m.SegmentationEvaluated, m.Panics)
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
