package evaluator

import "strconv"

// coerceTo converts expected (an override's configured comparison
// value) toward the type of actual (the context's runtime value) so
// that equals/ordering comparisons are meaningful across a loosely
// typed wire format. It never touches actual. Centralizing the rules
// here keeps every comparison operator total: a value that cannot be
// coerced is returned unchanged, and the caller's comparison then
// fails to NotMatched rather than panicking.
func coerceTo(expected, actual any) any {
	switch actual.(type) {
	case float64, int, int64:
		if s, ok := expected.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
			return expected
		}
		return expected

	case bool:
		switch e := expected.(type) {
		case string:
			switch e {
			case "true":
				return true
			case "false":
				return false
			default:
				return expected
			}
		case float64:
			return e != 0
		case int:
			return e != 0
		case int64:
			return e != 0
		default:
			return expected
		}

	case string:
		switch e := expected.(type) {
		case float64:
			return formatNumber(e)
		case int:
			return strconv.Itoa(e)
		case int64:
			return strconv.FormatInt(e, 10)
		case bool:
			return strconv.FormatBool(e)
		default:
			return expected
		}

	default:
		return expected
	}
}

// formatNumber renders a float64 as its canonical decimal string,
// collapsing whole numbers (3.0) to integer form (3) the way a
// server-authored string comparison target would expect.
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// toFloat64 attempts a numeric view of v without string coercion; used
// by the ordering operators once both sides are already aligned.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
