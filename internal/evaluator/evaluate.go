// Package evaluator implements the three-valued override evaluator:
// composite condition trees, cross-type comparison coercion, and
// deterministic percentage segmentation.
package evaluator

import (
	"log/slog"

	"github.com/vitaliisemenov/configstream/internal/configtype"
	"github.com/vitaliisemenov/configstream/internal/hash"
)

// Evaluator evaluates overrides against a merged context.
type Evaluator struct {
	logger  *slog.Logger
	metrics *Metrics
}

// New creates an Evaluator. A nil logger falls back to slog.Default();
// metrics may be nil to disable instrumentation.
func New(logger *slog.Logger, metrics *Metrics) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger.With("component", "evaluator"), metrics: metrics}
}

// Resolve returns the value of the first override whose conditions all
// evaluate Matched, or base if none do. Per the spec, Unknown is never
// accepted as a match: an override whose conditions cannot be fully
// evaluated is skipped and evaluation proceeds to the next override.
//
// Any panic raised while walking the condition tree (an evaluator bug,
// or a malformed condition this package failed to anticipate) is
// recovered here, logged, and the base value is returned — evaluator
// failures must never reach the caller.
func (e *Evaluator) Resolve(base any, overrides []configtype.Override, ctx configtype.Context) (result any) {
	result = base
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("override evaluation panicked, returning base value", "panic", r)
			result = base
			if e.metrics != nil {
				e.metrics.Panics.Inc()
			}
		}
	}()

	for _, ov := range overrides {
		if e.evaluateAll(ov.Conditions, ctx) == Matched {
			if e.metrics != nil {
				e.metrics.OverrideSelected.Inc()
			}
			return ov.Value
		}
	}
	if e.metrics != nil {
		e.metrics.BaseReturned.Inc()
	}
	return base
}

// evaluateAll applies the implicit conjunction over a condition list
// (an override's top-level conditions, or an "and" node's children).
func (e *Evaluator) evaluateAll(conditions []configtype.Condition, ctx configtype.Context) Tristate {
	sawUnknown := false
	for _, c := range conditions {
		switch e.evaluate(c, ctx) {
		case NotMatched:
			return NotMatched
		case Unknown:
			sawUnknown = true
		}
	}
	if sawUnknown {
		return Unknown
	}
	return Matched
}

func (e *Evaluator) evaluateAny(conditions []configtype.Condition, ctx configtype.Context) Tristate {
	sawUnknown := false
	for _, c := range conditions {
		switch e.evaluate(c, ctx) {
		case Matched:
			return Matched
		case Unknown:
			sawUnknown = true
		}
	}
	if sawUnknown {
		return Unknown
	}
	return NotMatched
}

// evaluate dispatches a single condition node to its operator.
func (e *Evaluator) evaluate(c configtype.Condition, ctx configtype.Context) Tristate {
	switch c.Op {
	case configtype.OpAnd:
		return e.evaluateAll(c.Conditions, ctx)
	case configtype.OpOr:
		return e.evaluateAny(c.Conditions, ctx)
	case configtype.OpNot:
		if c.Condition == nil {
			return Unknown
		}
		return e.evaluate(*c.Condition, ctx).not()
	case configtype.OpSegmentation:
		return e.evaluateSegmentation(c, ctx)
	default:
		return e.evaluateComparison(c, ctx)
	}
}

func (e *Evaluator) evaluateComparison(c configtype.Condition, ctx configtype.Context) Tristate {
	actual, present := ctx[c.Property]
	if !present || actual == nil {
		return Unknown
	}

	switch c.Op {
	case configtype.OpEquals:
		return boolToTristate(strictEqual(coerceTo(c.Value, actual), actual))

	case configtype.OpIn, configtype.OpNotIn:
		arr, ok := coerceTo(c.Value, actual).([]any)
		if !ok {
			return Unknown
		}
		member := false
		for _, item := range arr {
			if strictEqual(coerceTo(item, actual), actual) {
				member = true
				break
			}
		}
		if c.Op == configtype.OpNotIn {
			member = !member
		}
		return boolToTristate(member)

	case configtype.OpLessThan, configtype.OpLessThanOrEqual, configtype.OpGreaterThan, configtype.OpGreaterThanOrEqual:
		return e.evaluateOrdering(c.Op, coerceTo(c.Value, actual), actual)

	default:
		return Unknown
	}
}

func (e *Evaluator) evaluateOrdering(op configtype.Op, expected, actual any) Tristate {
	if ef, eok := toFloat64(expected); eok {
		if af, aok := toFloat64(actual); aok {
			return boolToTristate(compareOrdered(op, af, ef))
		}
		return NotMatched
	}
	if es, eok := expected.(string); eok {
		if as, aok := actual.(string); aok {
			return boolToTristate(compareOrdered(op, as, es))
		}
		return NotMatched
	}
	return NotMatched
}

func compareOrdered[T float64 | string](op configtype.Op, actual, expected T) bool {
	switch op {
	case configtype.OpLessThan:
		return actual < expected
	case configtype.OpLessThanOrEqual:
		return actual <= expected
	case configtype.OpGreaterThan:
		return actual > expected
	case configtype.OpGreaterThanOrEqual:
		return actual >= expected
	default:
		return false
	}
}

func (e *Evaluator) evaluateSegmentation(c configtype.Condition, ctx configtype.Context) Tristate {
	actual, present := ctx[c.Property]
	if !present || actual == nil {
		return Unknown
	}
	if c.FromPercentage == c.ToPercentage {
		return NotMatched
	}
	bucket := hash.Bucket(stringify(actual) + c.Seed)
	from := c.FromPercentage / 100
	to := c.ToPercentage / 100
	if e.metrics != nil {
		e.metrics.SegmentationEvaluated.Inc()
	}
	return boolToTristate(bucket >= from && bucket < to)
}

// strictEqual compares two coerced values for equality, comparing
// numerics by value (so float64(3) == int(3)) rather than requiring
// identical dynamic types, since wire-decoded and locally-constructed
// numbers do not always share a Go type.
func strictEqual(a, b any) bool {
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func boolToTristate(b bool) Tristate {
	if b {
		return Matched
	}
	return NotMatched
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return formatNumber(s)
	case bool:
		if s {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
